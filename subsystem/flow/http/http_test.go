package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/micromdm/nanoflow/subsystem/flow/storage/inmem"

	router "github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
)

const yamlFlow = `
id: login
nodes:
  - id: open
    type: open_app
    config:
      packageName: com.example
  - id: tap
    type: tap
    config:
      resourceId: login
edges:
  - from: open
    to: tap
`

func newTestServer(t *testing.T) (*httptest.Server, *inmem.InMem) {
	t.Helper()
	store := inmem.New()
	mux := router.New()
	mux.Handle("/v1/flows", ListHandler(store, log.NopLogger), "GET")
	mux.Handle("/v1/flow/:id", GetHandler(store, log.NopLogger), "GET")
	mux.Handle("/v1/flow/:id", PutHandler(store, log.NopLogger), "PUT")
	mux.Handle("/v1/flow/:id", DeleteHandler(store, log.NopLogger), "DELETE")
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func do(t *testing.T, method, url, contentType, body string) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestPutGetDelete(t *testing.T) {
	srv, store := newTestServer(t)

	if have, want := do(t, "PUT", srv.URL+"/v1/flow/login", "application/yaml", yamlFlow), http.StatusNoContent; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	f, err := store.RetrieveFlow(context.Background(), "login")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(f.Nodes), 2; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// the id is taken from the path when the body omits it
	body := `{"nodes":[{"id":"h","type":"home"}]}`
	if have, want := do(t, "PUT", srv.URL+"/v1/flow/home", "application/json", body), http.StatusNoContent; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}

	if have, want := do(t, "GET", srv.URL+"/v1/flow/login", "", ""), http.StatusOK; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := do(t, "GET", srv.URL+"/v1/flows", "", ""), http.StatusOK; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := do(t, "DELETE", srv.URL+"/v1/flow/login", "", ""), http.StatusNoContent; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := do(t, "GET", srv.URL+"/v1/flow/login", "", ""), http.StatusNotFound; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := do(t, "DELETE", srv.URL+"/v1/flow/login", "", ""), http.StatusNotFound; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestPutInvalid(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, test := range []struct {
		name string
		id   string
		body string
	}{
		{"bad-json", "x", `{`},
		{"id-mismatch", "x", `{"id":"y","nodes":[{"id":"h","type":"home"}]}`},
		{"no-nodes", "x", `{"id":"x","nodes":[]}`},
		{"dangling-edge", "x", `{"nodes":[{"id":"h","type":"home"}],"edges":[{"from":"h","to":"gone"}]}`},
		{"unknown-type", "x", `{"nodes":[{"id":"h","type":"levitate"}]}`},
		{"missing-branch", "x", `{"nodes":[{"id":"c","type":"element_check","config":{"resourceId":"a","checkType":"exists"}},{"id":"h","type":"home"}],"edges":[{"from":"c","to":"h","label":"true"}]}`},
	} {
		t.Run(test.name, func(t *testing.T) {
			if have, want := do(t, "PUT", srv.URL+"/v1/flow/"+test.id, "application/json", test.body), http.StatusBadRequest; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
		})
	}
}
