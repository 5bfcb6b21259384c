// Package httpagent dispatches device commands to an agent gateway over HTTP.
package httpagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/micromdm/nanoflow/agent"
	"github.com/micromdm/nanoflow/log/logkeys"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
	"golang.org/x/time/rate"
)

// Doer executes HTTP requests.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Agent is an HTTP device agent client.
// Commands are POSTed as JSON to <base>/v1/device/<device-id>/command.
type Agent struct {
	base    *url.URL
	client  Doer
	limiter *rate.Limiter
	logger  log.Logger
	header  http.Header
}

type Option func(*Agent)

// WithClient configures the HTTP client.
func WithClient(client Doer) Option {
	return func(a *Agent) {
		a.client = client
	}
}

// WithRateLimit limits commands to r per second with burst b.
// A zero r disables limiting.
func WithRateLimit(r float64, b int) Option {
	return func(a *Agent) {
		if r <= 0 {
			a.limiter = nil
			return
		}
		a.limiter = rate.NewLimiter(rate.Limit(r), b)
	}
}

// WithBasicAuth sets HTTP basic authentication on every request.
func WithBasicAuth(username, password string) Option {
	return func(a *Agent) {
		req := &http.Request{Header: make(http.Header)}
		req.SetBasicAuth(username, password)
		a.header.Set("Authorization", req.Header.Get("Authorization"))
	}
}

// WithLogger configures the logger.
func WithLogger(logger log.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// New creates a new HTTP agent for the gateway at baseURL.
func New(baseURL string, opts ...Option) (*Agent, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing agent url: %w", err)
	}
	a := &Agent{
		base:    u,
		client:  http.DefaultClient,
		limiter: rate.NewLimiter(rate.Limit(20), 5),
		logger:  log.NopLogger,
		header:  make(http.Header),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Agent) commandURL(deviceID string) string {
	return a.base.JoinPath("v1", "device", url.PathEscape(deviceID), "command").String()
}

// Dispatch sends cmd and waits for its result.
// Transport failures wrap agent.ErrDisconnected.
func (a *Agent) Dispatch(ctx context.Context, cmd *agent.Command) (*agent.Result, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.commandURL(cmd.DeviceID), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range a.header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	logger := ctxlog.Logger(ctx, a.logger).With(
		logkeys.DeviceID, cmd.DeviceID,
		logkeys.CommandID, cmd.ID,
	)
	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", agent.ErrDisconnected, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", agent.ErrDisconnected, err)
	}
	logger.Debug(logkeys.Message, "agent response", logkeys.Command, cmd.Command, "http_status", resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: HTTP status %d: %s", agent.ErrDisconnected, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	res := new(agent.Result)
	if err = json.Unmarshal(respBody, res); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	if res.CommandID != "" && res.CommandID != cmd.ID {
		return nil, errors.New("result command id mismatch")
	}
	return res, nil
}
