// Package http includes handlers and utilities.
package http

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ReadAllAndReplaceBody reads all of r.Body and replaces it with a new byte buffer.
func ReadAllAndReplaceBody(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return b, err
	}
	defer r.Body.Close()
	r.Body = io.NopCloser(bytes.NewBuffer(b))
	return b, nil
}

// DumpHandler writes the method, path, and body of each request with a
// body to output before calling next.
func DumpHandler(next http.Handler, output io.Writer) http.HandlerFunc {
	var mu sync.Mutex
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := ReadAllAndReplaceBody(r)
		if len(body) > 0 {
			mu.Lock()
			fmt.Fprintf(output, "%s %s\n%s\n", r.Method, r.URL.Path, body)
			mu.Unlock()
		}
		next.ServeHTTP(w, r)
	}
}
