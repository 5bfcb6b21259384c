package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/micromdm/nanoflow/agent"
	agenttest "github.com/micromdm/nanoflow/agent/test"
	"github.com/micromdm/nanoflow/engine"
	"github.com/micromdm/nanoflow/engine/storage/inmem"
	"github.com/micromdm/nanoflow/executor"
	nanoflow "github.com/micromdm/nanoflow/flow"
	"github.com/micromdm/nanoflow/job"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
)

const device = "emulator-5554"

type flowMap map[string]*nanoflow.Flow

func (m flowMap) RetrieveFlow(_ context.Context, id string) (*nanoflow.Flow, error) {
	f, ok := m[id]
	if !ok {
		return nil, errors.New("flow not found")
	}
	return f, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	a := agenttest.New()
	a.SetScreen(device, &agent.Snapshot{Elements: []agent.Element{{
		ResourceID: "ok",
		Bounds:     nanoflow.Bounds{Right: 100, Bottom: 40},
		Visible:    true,
	}}})
	flows := flowMap{
		"tap": &nanoflow.Flow{
			ID:    "tap",
			Nodes: []nanoflow.Node{{ID: "t", Type: nanoflow.Tap, Config: json.RawMessage(`{"resourceId":"ok"}`)}},
		},
		"missing": &nanoflow.Flow{
			ID:    "missing",
			Nodes: []nanoflow.Node{{ID: "t", Type: nanoflow.Tap, Config: json.RawMessage(`{"resourceId":"gone"}`)}},
		},
	}
	e := engine.New(inmem.New(), flows, a,
		engine.WithExecutor(executor.New(executor.WithPollInterval(5*time.Millisecond))),
		engine.WithTaskTimeout(50*time.Millisecond),
	)
	t.Cleanup(e.Close)

	mux := flow.New()
	HandleAPIv1("/v1", mux, log.NopLogger, e)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, e
}

func do(t *testing.T, method, url, body string, v any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode != http.StatusNoContent {
		if err = json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func wait(t *testing.T, e *engine.Engine, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.WaitJob(ctx, id); err != nil {
		t.Fatal(err)
	}
}

type jobResponse struct {
	ID         string     `json:"id"`
	Status     job.Status `json:"status"`
	Progress   float64    `json:"progress"`
	RetryCount int        `json:"retry_count"`
}

func TestJobLifecycle(t *testing.T) {
	srv, e := newTestServer(t)

	j := new(jobResponse)
	code := do(t, "POST", srv.URL+"/v1/jobs", `{"flow_id":"tap","device_id":"`+device+`"}`, j)
	if have, want := code, http.StatusCreated; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if j.ID == "" {
		t.Fatal("empty job id")
	}
	wait(t, e, j.ID)

	code = do(t, "GET", srv.URL+"/v1/job/"+j.ID, "", j)
	if have, want := code, http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := j.Status, job.StatusCompleted; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := j.Progress, 100.0; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	var jobs []*jobResponse
	code = do(t, "GET", srv.URL+"/v1/jobs?device_id="+device+"&status=completed,failed", "", &jobs)
	if have, want := code, http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := len(jobs), 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	var tasks []*job.Task
	if code = do(t, "GET", srv.URL+"/v1/job/"+j.ID+"/tasks", "", &tasks); code != http.StatusOK {
		t.Fatalf("unexpected status: %d", code)
	}
	if have, want := len(tasks), 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	var logs []*job.LogEntry
	if code = do(t, "GET", srv.URL+"/v1/job/"+j.ID+"/logs", "", &logs); code != http.StatusOK {
		t.Fatalf("unexpected status: %d", code)
	}
	if len(logs) < 1 {
		t.Error("expected log entries")
	}

	// completed Jobs cannot be cancelled
	if have, want := do(t, "POST", srv.URL+"/v1/job/"+j.ID+"/cancel", "", nil), http.StatusConflict; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if have, want := do(t, "DELETE", srv.URL+"/v1/job/"+j.ID, "", nil), http.StatusNoContent; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := do(t, "GET", srv.URL+"/v1/job/"+j.ID, "", nil), http.StatusNotFound; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestSubmitErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, test := range []struct {
		name string
		body string
		code int
	}{
		{"bad-json", `{`, http.StatusBadRequest},
		{"no-flow", `{"device_id":"d"}`, http.StatusBadRequest},
		{"no-device", `{"flow_id":"tap"}`, http.StatusBadRequest},
		{"unknown-flow", `{"flow_id":"nope","device_id":"d"}`, http.StatusBadRequest},
	} {
		t.Run(test.name, func(t *testing.T) {
			errResp := &struct {
				Err string `json:"error"`
			}{}
			if have, want := do(t, "POST", srv.URL+"/v1/jobs", test.body, errResp), test.code; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
			if errResp.Err == "" {
				t.Error("expected error message")
			}
		})
	}

	if have, want := do(t, "GET", srv.URL+"/v1/jobs?status=bogus", "", nil), http.StatusBadRequest; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestCancelAndRetry(t *testing.T) {
	srv, e := newTestServer(t)

	// scheduled in the future so it stays pending
	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	j := new(jobResponse)
	if code := do(t, "POST", srv.URL+"/v1/jobs", `{"flow_id":"tap","device_id":"`+device+`","scheduled_at":"`+at+`"}`, j); code != http.StatusCreated {
		t.Fatalf("unexpected status: %d", code)
	}
	if have, want := j.Status, job.StatusPending; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	for i := 0; i < 2; i++ {
		if have, want := do(t, "POST", srv.URL+"/v1/job/"+j.ID+"/cancel", "", j), http.StatusOK; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
		if have, want := j.Status, job.StatusCancelled; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
	}

	f := new(jobResponse)
	if code := do(t, "POST", srv.URL+"/v1/jobs", `{"flow_id":"missing","device_id":"`+device+`","max_retries":0}`, f); code != http.StatusCreated {
		t.Fatalf("unexpected status: %d", code)
	}
	wait(t, e, f.ID)
	if have, want := do(t, "POST", srv.URL+"/v1/job/"+f.ID+"/retry", "", nil), http.StatusConflict; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := do(t, "POST", srv.URL+"/v1/job/nope/retry", "", nil), http.StatusNotFound; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
