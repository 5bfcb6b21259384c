package wsagent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/micromdm/nanoflow/agent"

	"github.com/gorilla/websocket"
)

// echoGateway replies to every command with an ok result, in reverse order
// of each received pair to exercise correlation.
func echoGateway(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()
		var held *agent.Command
		for {
			cmd := new(agent.Command)
			if err := conn.ReadJSON(cmd); err != nil {
				return
			}
			if cmd.Command == "hold" {
				held = cmd
				continue
			}
			if err := conn.WriteJSON(&agent.Result{CommandID: cmd.ID, Status: agent.StatusOK, Data: []byte(`"` + cmd.ID + `"`)}); err != nil {
				return
			}
			if held != nil {
				conn.WriteJSON(&agent.Result{CommandID: held.ID, Status: agent.StatusOK, Data: []byte(`"` + held.ID + `"`)})
				held = nil
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDispatchCorrelates(t *testing.T) {
	srv := echoGateway(t)
	defer srv.Close()
	a := New(wsURL(srv))
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make(map[string]string)
	var mu sync.Mutex
	run := func(id, name string) {
		defer wg.Done()
		res, err := a.Dispatch(ctx, &agent.Command{ID: id, DeviceID: "d", Command: name})
		if err != nil {
			t.Error(err)
			return
		}
		mu.Lock()
		results[id] = string(res.Data)
		mu.Unlock()
	}
	wg.Add(1)
	go run("first", "hold")
	// make sure the held command is written first
	time.Sleep(50 * time.Millisecond)
	wg.Add(1)
	go run("second", agent.CmdTap)
	wg.Wait()

	for _, id := range []string{"first", "second"} {
		if have, want := results[id], `"`+id+`"`; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
	}
}

func TestDispatchDisconnected(t *testing.T) {
	a := New("ws://127.0.0.1:1/none")
	_, err := a.Dispatch(context.Background(), &agent.Command{ID: "x", DeviceID: "d", Command: agent.CmdTap})
	if !errors.Is(err, agent.ErrDisconnected) {
		t.Errorf("have: %v, want: %v", err, agent.ErrDisconnected)
	}
}

func TestDispatchAfterClose(t *testing.T) {
	srv := echoGateway(t)
	defer srv.Close()
	a := New(wsURL(srv))
	a.Close()
	_, err := a.Dispatch(context.Background(), &agent.Command{ID: "x", DeviceID: "d", Command: agent.CmdTap})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("have: %v, want: %v", err, ErrClosed)
	}
}
