// Package storage defines types and primitives for workflow engine storage backends.
package storage

import (
	"context"
	"errors"

	"github.com/micromdm/nanoflow/job"
)

var (
	ErrJobNotFound = errors.New("job not found")

	ErrEmptyJob        = errors.New("empty job")
	ErrMissingJobID    = errors.New("missing job id")
	ErrMissingFlowID   = errors.New("missing flow id")
	ErrMissingDeviceID = errors.New("missing device id")
	ErrMissingTaskID   = errors.New("missing task id")
	ErrMissingLogID    = errors.New("missing log entry id")
)

// ValidateJob checks j for missing values.
func ValidateJob(j *job.Job) error {
	if j == nil {
		return ErrEmptyJob
	}
	if j.ID == "" {
		return ErrMissingJobID
	}
	if j.FlowID == "" {
		return ErrMissingFlowID
	}
	if j.DeviceID == "" {
		return ErrMissingDeviceID
	}
	return nil
}

// ValidateTask checks t for missing values.
func ValidateTask(t *job.Task) error {
	if t == nil || t.ID == "" {
		return ErrMissingTaskID
	}
	if t.JobID == "" {
		return ErrMissingJobID
	}
	return nil
}

// ValidateLogEntry checks e for missing values.
func ValidateLogEntry(e *job.LogEntry) error {
	if e == nil || e.ID == "" {
		return ErrMissingLogID
	}
	if e.JobID == "" {
		return ErrMissingJobID
	}
	return nil
}

// JobFilter selects Jobs. Empty fields match every Job.
type JobFilter struct {
	DeviceID string
	FlowID   string
	Status   []job.Status
	// Limit caps the number of returned Jobs (0 is unlimited).
	Limit int
}

// Match reports whether j is selected by f.
func (f *JobFilter) Match(j *job.Job) bool {
	if f == nil {
		return true
	}
	if f.DeviceID != "" && j.DeviceID != f.DeviceID {
		return false
	}
	if f.FlowID != "" && j.FlowID != f.FlowID {
		return false
	}
	if len(f.Status) < 1 {
		return true
	}
	for _, s := range f.Status {
		if j.Status == s {
			return true
		}
	}
	return false
}

// Storage is the primary interface for workflow engine backend storage implementations.
// The engine is the only writer of Job and Task records.
type Storage interface {
	// StoreJob creates or replaces the Job j.
	StoreJob(ctx context.Context, j *job.Job) error

	// RetrieveJob retrieves the Job with id.
	// ErrJobNotFound is returned (wrapped) if the Job does not exist.
	RetrieveJob(ctx context.Context, id string) (*job.Job, error)

	// RetrieveJobs retrieves the Jobs selected by filter ordered by Seq.
	RetrieveJobs(ctx context.Context, filter *JobFilter) ([]*job.Job, error)

	// DeleteJob deletes the Job with id along with its Tasks and log entries.
	DeleteJob(ctx context.Context, id string) error

	// ReplaceTasks replaces all Tasks of jobID with tasks.
	// Used to materialize the Tasks of a fresh run.
	ReplaceTasks(ctx context.Context, jobID string, tasks []*job.Task) error

	// StoreTask creates or replaces a single Task.
	StoreTask(ctx context.Context, t *job.Task) error

	// RetrieveTasks retrieves the Tasks of jobID ordered by Seq.
	RetrieveTasks(ctx context.Context, jobID string) ([]*job.Task, error)

	// AppendLog appends a Job log entry.
	AppendLog(ctx context.Context, e *job.LogEntry) error

	// RetrieveLogs retrieves the log entries of jobID ordered by ID.
	RetrieveLogs(ctx context.Context, jobID string) ([]*job.LogEntry, error)
}
