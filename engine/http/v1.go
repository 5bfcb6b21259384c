package http

import (
	"net/http"

	"github.com/micromdm/nanolib/log"
)

// APIEngine is the engine surface used by the v1 API.
type APIEngine interface {
	JobSubmitter
	JobReader
	JobController
}

// Mux can register HTTP handlers.
// Ostensibly this supports flow router.
type Mux interface {
	// Handle registers the handler for the given pattern.
	Handle(pattern string, handler http.Handler, methods ...string)
}

// HandleAPIv1 registers the various API handlers into mux.
// API endpoint paths are prepended with prefix.
// Authentication or any other layered handlers are not present.
// They are assumed to be layered with mux, possibly at the Handle call.
// If prefix is empty and these handlers are used in sub-paths then
// handlers should have that sub-path stripped from the request.
// The logger is adorned with a "handler" key of the endpoint name.
func HandleAPIv1(prefix string, mux Mux, logger log.Logger, e APIEngine) {
	mux.Handle(
		prefix+"/jobs",
		SubmitHandler(e, logger.With("handler", "submit job")),
		"POST",
	)
	mux.Handle(
		prefix+"/jobs",
		ListHandler(e, logger.With("handler", "list jobs")),
		"GET",
	)

	mux.Handle(
		prefix+"/job/:id",
		GetHandler(e, logger.With("handler", "get job")),
		"GET",
	)
	mux.Handle(
		prefix+"/job/:id",
		DeleteHandler(e, logger.With("handler", "delete job")),
		"DELETE",
	)
	mux.Handle(
		prefix+"/job/:id/tasks",
		TasksHandler(e, logger.With("handler", "get job tasks")),
		"GET",
	)
	mux.Handle(
		prefix+"/job/:id/logs",
		LogsHandler(e, logger.With("handler", "get job logs")),
		"GET",
	)

	mux.Handle(
		prefix+"/job/:id/cancel",
		CancelHandler(e, logger.With("handler", "cancel job")),
		"POST",
	)
	mux.Handle(
		prefix+"/job/:id/retry",
		RetryHandler(e, logger.With("handler", "retry job")),
		"POST",
	)
}
