// Package http contains HTTP handlers for working with flow definitions.
package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/micromdm/nanoflow/flow"
	"github.com/micromdm/nanoflow/http/api"
	"github.com/micromdm/nanoflow/log/logkeys"
	"github.com/micromdm/nanoflow/subsystem/flow/storage"

	router "github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	ErrNoID       = errors.New("no flow id provided")
	ErrIDMismatch = errors.New("flow id does not match path")
)

func statusCode(err error) int {
	if errors.Is(err, storage.ErrFlowNotFound) {
		return http.StatusNotFound
	}
	return 0
}

// GetHandler returns an HTTP handler that fetches a flow definition.
func GetHandler(store storage.ReadStorage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := router.Param(r.Context(), "id")
		if id == "" {
			logger.Info(logkeys.Message, "id parameter", logkeys.Error, ErrNoID)
			api.JSONError(w, ErrNoID, http.StatusBadRequest)
			return
		}

		logger = logger.With(logkeys.FlowID, id)
		f, err := store.RetrieveFlow(r.Context(), id)
		if err != nil {
			logger.Info(logkeys.Message, "retrieve flow", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}

		logger.Debug(
			logkeys.Message, "retrieved flow",
			logkeys.GenericCount, len(f.Nodes),
		)
		if err = api.JSON(w, f, 0); err != nil {
			logger.Info(logkeys.Message, "encoding json to body", logkeys.Error, err)
			return
		}
	}
}

// ListHandler returns an HTTP handler that lists the stored flow ids.
func ListHandler(store storage.ReadStorage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		ids, err := store.ListFlows(r.Context())
		if err != nil {
			logger.Info(logkeys.Message, "list flows", logkeys.Error, err)
			api.JSONError(w, err, 0)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		logger.Debug(logkeys.Message, "listed flows", logkeys.GenericCount, len(ids))
		if err = api.JSON(w, ids, 0); err != nil {
			logger.Info(logkeys.Message, "encoding json to body", logkeys.Error, err)
		}
	}
}

// parseBody decodes a flow document in the YAML or JSON form according
// to the content type of r.
func parseBody(r *http.Request) (*flow.Flow, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	ct := r.Header.Get("Content-Type")
	if strings.Contains(ct, "yaml") {
		return flow.ParseYAML(raw)
	}
	return flow.Parse(raw)
}

// PutHandler returns an HTTP handler for uploading a flow definition.
// The flow is structurally validated before it is stored.
func PutHandler(store storage.Storage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := router.Param(r.Context(), "id")
		if id == "" {
			logger.Info(logkeys.Message, "id parameter", logkeys.Error, ErrNoID)
			api.JSONError(w, ErrNoID, http.StatusBadRequest)
			return
		}

		logger = logger.With(logkeys.FlowID, id)
		f, err := parseBody(r)
		if err != nil {
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		if f.ID == "" {
			f.ID = id
		} else if f.ID != id {
			err = fmt.Errorf("%w: %s", ErrIDMismatch, f.ID)
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}

		if err = flow.Validate(f); err != nil {
			logger.Info(logkeys.Message, "validating flow", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}

		if err = store.StoreFlow(r.Context(), f); err != nil {
			logger.Info(logkeys.Message, "storing flow", logkeys.Error, err)
			api.JSONError(w, err, 0)
			return
		}

		logger.Debug(logkeys.Message, "stored flow")
		w.WriteHeader(http.StatusNoContent)
	}
}

// DeleteHandler returns an HTTP handler for deleting a flow definition.
func DeleteHandler(store storage.Storage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := router.Param(r.Context(), "id")
		if id == "" {
			logger.Info(logkeys.Message, "id parameter", logkeys.Error, ErrNoID)
			api.JSONError(w, ErrNoID, http.StatusBadRequest)
			return
		}

		logger = logger.With(logkeys.FlowID, id)
		if err := store.DeleteFlow(r.Context(), id); err != nil {
			logger.Info(logkeys.Message, "deleting flow", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}

		logger.Debug(logkeys.Message, "deleted flow")
		w.WriteHeader(http.StatusNoContent)
	}
}
