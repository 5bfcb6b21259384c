// Package http contains HTTP handlers that work with the NanoFlow engine.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/micromdm/nanoflow/engine"
	"github.com/micromdm/nanoflow/engine/storage"
	"github.com/micromdm/nanoflow/http/api"
	"github.com/micromdm/nanoflow/job"
	"github.com/micromdm/nanoflow/log/logkeys"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	ErrNoID          = errors.New("no job ID provided")
	ErrMissingEngine = errors.New("missing engine")
	ErrInvalidStatus = errors.New("invalid status")
	ErrInvalidLimit  = errors.New("invalid limit")
)

// JobSubmitter submits new Jobs.
type JobSubmitter interface {
	Submit(ctx context.Context, req *engine.SubmitRequest) (*job.Job, error)
}

// JobReader reads Jobs and their Tasks and logs.
type JobReader interface {
	Job(ctx context.Context, id string) (*job.Job, error)
	Jobs(ctx context.Context, filter *storage.JobFilter) ([]*job.Job, error)
	Tasks(ctx context.Context, id string) ([]*job.Task, error)
	Logs(ctx context.Context, id string) ([]*job.LogEntry, error)
}

// JobController changes the status of existing Jobs.
type JobController interface {
	Cancel(ctx context.Context, id string) (*job.Job, error)
	Retry(ctx context.Context, id string) (*job.Job, error)
	DeleteJob(ctx context.Context, id string) error
}

// Job is the JSON representation of a Job including its progress.
type Job struct {
	*job.Job
	Progress float64 `json:"progress"`
}

func newJob(j *job.Job) *Job {
	return &Job{Job: j, Progress: j.Progress()}
}

// statusCode maps engine and storage errors to HTTP status codes.
// Zero means an internal server error.
func statusCode(err error) int {
	switch {
	case errors.Is(err, storage.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrInvalidTransition),
		errors.Is(err, engine.ErrRetriesExhausted):
		return http.StatusConflict
	case errors.Is(err, engine.ErrMissingFlowID),
		errors.Is(err, engine.ErrMissingDeviceID),
		errors.Is(err, engine.ErrInvalidMaxRetries),
		errors.Is(err, engine.ErrInvalidVariable),
		errors.Is(err, engine.ErrNoSuchFlow):
		return http.StatusBadRequest
	}
	return 0
}

// SubmitHandler creates a HandlerFunc that submits a Job from a JSON body.
func SubmitHandler(submitter JobSubmitter, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		if submitter == nil {
			logger.Info(logkeys.Message, "submitting job", logkeys.Error, ErrMissingEngine)
			api.JSONError(w, ErrMissingEngine, 0)
			return
		}

		req := new(engine.SubmitRequest)
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}

		logger = logger.With(
			logkeys.FlowID, req.FlowID,
			logkeys.DeviceID, req.DeviceID,
		)
		j, err := submitter.Submit(r.Context(), req)
		if err != nil {
			logger.Info(logkeys.Message, "submitting job", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}

		logger.Debug(logkeys.Message, "submitted job", logkeys.JobID, j.ID)
		if err = api.JSON(w, newJob(j), http.StatusCreated); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// parseFilter reads a Job filter from the query parameters of r.
// Status may be repeated or comma-separated.
func parseFilter(r *http.Request) (*storage.JobFilter, error) {
	q := r.URL.Query()
	filter := &storage.JobFilter{
		DeviceID: q.Get("device_id"),
		FlowID:   q.Get("flow_id"),
	}
	for _, v := range q["status"] {
		for _, s := range strings.Split(v, ",") {
			status := job.Status(strings.TrimSpace(s))
			if !status.Valid() {
				return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, s)
			}
			filter.Status = append(filter.Status, status)
		}
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidLimit, limit)
		}
		filter.Limit = n
	}
	return filter, nil
}

// ListHandler creates a HandlerFunc that lists Jobs.
func ListHandler(reader JobReader, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		filter, err := parseFilter(r)
		if err != nil {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}

		jobs, err := reader.Jobs(r.Context(), filter)
		if err != nil {
			logger.Info(logkeys.Message, "retrieving jobs", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}

		logger.Debug(
			logkeys.Message, "retrieved jobs",
			logkeys.GenericCount, len(jobs),
		)
		resp := make([]*Job, 0, len(jobs))
		for _, j := range jobs {
			resp = append(resp, newJob(j))
		}
		if err = api.JSON(w, resp, 0); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// idHandler extracts the Job ID route parameter and hands it to fn.
// fn returns the value to encode as the JSON response. A nil value
// writes 204 No Content.
func idHandler(logger log.Logger, msg string, fn func(ctx context.Context, id string) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		if id == "" {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, ErrNoID)
			api.JSONError(w, ErrNoID, http.StatusBadRequest)
			return
		}

		logger = logger.With(logkeys.JobID, id)
		v, err := fn(r.Context(), id)
		if err != nil {
			logger.Info(logkeys.Message, msg, logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}

		logger.Debug(logkeys.Message, msg)
		if v == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err = api.JSON(w, v, 0); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// GetHandler creates a HandlerFunc that returns a Job and its progress.
func GetHandler(reader JobReader, logger log.Logger) http.HandlerFunc {
	return idHandler(logger, "retrieving job", func(ctx context.Context, id string) (any, error) {
		j, err := reader.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		return newJob(j), nil
	})
}

// TasksHandler creates a HandlerFunc that returns the Tasks of a Job.
func TasksHandler(reader JobReader, logger log.Logger) http.HandlerFunc {
	return idHandler(logger, "retrieving tasks", func(ctx context.Context, id string) (any, error) {
		tasks, err := reader.Tasks(ctx, id)
		if tasks == nil && err == nil {
			tasks = []*job.Task{}
		}
		return tasks, err
	})
}

// LogsHandler creates a HandlerFunc that returns the log of a Job.
func LogsHandler(reader JobReader, logger log.Logger) http.HandlerFunc {
	return idHandler(logger, "retrieving logs", func(ctx context.Context, id string) (any, error) {
		logs, err := reader.Logs(ctx, id)
		if logs == nil && err == nil {
			logs = []*job.LogEntry{}
		}
		return logs, err
	})
}

// DeleteHandler creates a HandlerFunc that deletes a finished Job.
func DeleteHandler(controller JobController, logger log.Logger) http.HandlerFunc {
	return idHandler(logger, "deleting job", func(ctx context.Context, id string) (any, error) {
		return nil, controller.DeleteJob(ctx, id)
	})
}

// CancelHandler creates a HandlerFunc that cancels a Job.
func CancelHandler(controller JobController, logger log.Logger) http.HandlerFunc {
	return idHandler(logger, "cancelling job", func(ctx context.Context, id string) (any, error) {
		j, err := controller.Cancel(ctx, id)
		if err != nil {
			return nil, err
		}
		return newJob(j), nil
	})
}

// RetryHandler creates a HandlerFunc that retries a failed Job.
func RetryHandler(controller JobController, logger log.Logger) http.HandlerFunc {
	return idHandler(logger, "retrying job", func(ctx context.Context, id string) (any, error) {
		j, err := controller.Retry(ctx, id)
		if err != nil {
			return nil, err
		}
		return newJob(j), nil
	})
}
