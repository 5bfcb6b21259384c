package main

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
)

const apiUsername = "nanoflow"

var ErrNotFound = errors.New("not found")

// client is a minimal NanoFlow API client.
type client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
}

func newClient(server, apiKey string) (*client, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url: %s", server)
	}
	return &client{base: u, apiKey: apiKey, http: http.DefaultClient}, nil
}

// do performs an API request. A non-nil in is encoded as JSON unless it
// is already a []byte. A non-nil out is decoded from the JSON response.
func (c *client) do(ctx context.Context, method, path, contentType string, in, out any) error {
	var body io.Reader
	switch v := in.(type) {
	case nil:
	case []byte:
		body = bytes.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}

	u := c.base.JoinPath(strings.Split(path, "?")[0])
	if i := strings.Index(path, "?"); i >= 0 {
		u.RawQuery = path[i+1:]
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.SetBasicAuth(apiUsername, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &struct {
			Err string `json:"error"`
		}{}
		json.NewDecoder(resp.Body).Decode(apiErr)
		if apiErr.Err == "" {
			apiErr.Err = resp.Status
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Err)
		}
		return fmt.Errorf("%s %s: %s", method, path, apiErr.Err)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
