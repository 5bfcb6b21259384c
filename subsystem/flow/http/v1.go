package http

import (
	"net/http"

	"github.com/micromdm/nanoflow/subsystem/flow/storage"

	"github.com/micromdm/nanolib/log"
)

// Mux can register HTTP handlers.
type Mux interface {
	// Handle registers the handler for the given pattern.
	Handle(pattern string, handler http.Handler, methods ...string)
}

// HandleAPIv1 registers the flow definition API handlers into mux.
// API endpoint paths are prepended with prefix.
func HandleAPIv1(prefix string, mux Mux, logger log.Logger, s storage.Storage) {
	mux.Handle(
		prefix+"/flows",
		ListHandler(s, logger.With("handler", "list flows")),
		"GET",
	)

	mux.Handle(
		prefix+"/flow/:id",
		GetHandler(s, logger.With("handler", "get flow")),
		"GET",
	)

	mux.Handle(
		prefix+"/flow/:id",
		PutHandler(s, logger.With("handler", "put flow")),
		"PUT",
	)

	mux.Handle(
		prefix+"/flow/:id",
		DeleteHandler(s, logger.With("handler", "delete flow")),
		"DELETE",
	)
}
