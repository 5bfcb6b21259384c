// Package wsagent dispatches device commands over a single WebSocket
// connection to an agent gateway. Results are correlated to their
// commands by command ID.
package wsagent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/micromdm/nanoflow/agent"
	"github.com/micromdm/nanoflow/log/logkeys"

	"github.com/gorilla/websocket"
	"github.com/micromdm/nanolib/log"
)

// ErrClosed is returned after the agent has been closed.
var ErrClosed = errors.New("websocket agent closed")

// Agent is a WebSocket device agent client.
// The connection is dialed lazily and redialed after a failure.
type Agent struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger log.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan *agent.Result
	closed  bool

	writeMu sync.Mutex
}

type Option func(*Agent)

// WithHeader sets HTTP headers sent during the WebSocket handshake.
func WithHeader(h http.Header) Option {
	return func(a *Agent) {
		a.header = h
	}
}

// WithLogger configures the logger.
func WithLogger(logger log.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// New creates a new WebSocket agent for url (ws:// or wss://).
func New(url string, opts ...Option) *Agent {
	a := &Agent{
		url:     url,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  log.NopLogger,
		pending: make(map[string]chan *agent.Result),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// connect returns the current connection, dialing one if needed.
func (a *Agent) connect(ctx context.Context) (*websocket.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	if a.conn != nil {
		return a.conn, nil
	}
	conn, _, err := a.dialer.DialContext(ctx, a.url, a.header)
	if err != nil {
		return nil, fmt.Errorf("%w: websocket connect: %v", agent.ErrDisconnected, err)
	}
	a.conn = conn
	go a.readLoop(conn)
	a.logger.Debug(logkeys.Message, "websocket connected", "url", a.url)
	return conn, nil
}

func (a *Agent) readLoop(conn *websocket.Conn) {
	for {
		res := new(agent.Result)
		if err := conn.ReadJSON(res); err != nil {
			a.drop(conn, err)
			return
		}
		a.mu.Lock()
		ch, ok := a.pending[res.CommandID]
		if ok {
			delete(a.pending, res.CommandID)
		}
		a.mu.Unlock()
		if !ok {
			a.logger.Info(logkeys.Message, "result for unknown command", logkeys.CommandID, res.CommandID)
			continue
		}
		ch <- res
	}
}

// drop discards conn and fails every pending command.
func (a *Agent) drop(conn *websocket.Conn, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != conn {
		return
	}
	conn.Close()
	a.conn = nil
	for id, ch := range a.pending {
		delete(a.pending, id)
		close(ch)
	}
	if !a.closed {
		a.logger.Info(logkeys.Message, "websocket disconnected", logkeys.Error, err)
	}
}

// Dispatch writes cmd to the connection and waits for the correlated result.
func (a *Agent) Dispatch(ctx context.Context, cmd *agent.Command) (*agent.Result, error) {
	if cmd.ID == "" {
		return nil, errors.New("command has no id")
	}
	conn, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan *agent.Result, 1)
	a.mu.Lock()
	a.pending[cmd.ID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, cmd.ID)
		a.mu.Unlock()
	}()

	a.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Time{})
	}
	err = conn.WriteJSON(cmd)
	a.writeMu.Unlock()
	if err != nil {
		a.drop(conn, err)
		return nil, fmt.Errorf("%w: write: %v", agent.ErrDisconnected, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%w: connection lost awaiting result", agent.ErrDisconnected)
		}
		return res, nil
	}
}

// Close closes the connection and fails pending commands.
func (a *Agent) Close() error {
	a.mu.Lock()
	a.closed = true
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		a.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		a.writeMu.Unlock()
		a.drop(conn, ErrClosed)
	}
	return nil
}
