// Package job defines Job, Task, and Job log records and their state machines.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanoflow/flow"
	"github.com/micromdm/nanoflow/vars"
)

// ErrInvalidTransition is returned for a status change the state machine does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s ends a Job run.
// A failed Job can still be manually retried.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known Job status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var jobTransitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusCancelled},
	// running to pending is the automatic whole-Job retry
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled, StatusPending},
	// failed to pending is the manual retry
	StatusFailed: {StatusPending},
}

// CanTransition reports whether a Job may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrorKind classifies a failure.
type ErrorKind string

const (
	KindResolution ErrorKind = "resolution"
	KindTimeout    ErrorKind = "timeout"
	KindStructural ErrorKind = "structural"
	KindAgent      ErrorKind = "agent"
	KindConfig     ErrorKind = "config"

	// KindAssertion is an assert node whose predicate did not hold.
	KindAssertion ErrorKind = "assertion"
)

// Retryable reports whether a Job failing with kind may be retried automatically.
func (k ErrorKind) Retryable() bool {
	return k != KindStructural
}

// Error is a failure tagged with its kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a new kind-tagged error.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf creates a new kind-tagged error from a format string.
func Errorf(kind ErrorKind, format string, a ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, a...)}
}

// KindOf returns the kind of err.
// Structural flow errors are structural. Untagged errors are agent errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if flow.IsStructural(err) {
		return KindStructural
	}
	return KindAgent
}

// Job is one execution attempt of a flow against one device.
type Job struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id,omitempty"`
	FlowID     string `json:"flow_id"`
	DeviceID   string `json:"device_id"`
	CampaignID string `json:"campaign_id,omitempty"`
	Status     Status `json:"status"`

	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	RetryCount     int `json:"retry_count"`
	MaxRetries     int `json:"max_retries"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ErrorMessage string    `json:"error_message,omitempty"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`

	// Variables are the initial variable bindings of every run.
	Variables map[string]vars.Value `json:"variables,omitempty"`

	// Seq orders Jobs by creation.
	Seq int64 `json:"seq"`
}

// Progress is the percentage of completed tasks.
func (j *Job) Progress() float64 {
	if j.TotalTasks < 1 {
		return 0
	}
	return float64(j.CompletedTasks) / float64(j.TotalTasks) * 100
}

// Copy returns a deep copy of j.
func (j *Job) Copy() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Variables != nil {
		c.Variables = make(map[string]vars.Value, len(j.Variables))
		for k, v := range j.Variables {
			c.Variables[k] = v
		}
	}
	return &c
}

// CheckCounters verifies the task counters of j.
func (j *Job) CheckCounters() error {
	if j.CompletedTasks < 0 || j.FailedTasks < 0 || j.CompletedTasks+j.FailedTasks > j.TotalTasks {
		return fmt.Errorf("invalid task counters: completed=%d failed=%d total=%d", j.CompletedTasks, j.FailedTasks, j.TotalTasks)
	}
	return nil
}

// Transition moves j to status to at now.
// Entering running sets the start time and entering a terminal status
// sets the completion time. Leaving a terminal status clears it.
func (j *Job) Transition(to Status, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: job %s: %s to %s", ErrInvalidTransition, j.ID, j.Status, to)
	}
	switch {
	case to == StatusRunning:
		j.StartedAt = &now
		j.CompletedAt = nil
	case to.Terminal():
		j.CompletedAt = &now
	case to == StatusPending:
		j.CompletedAt = nil
	}
	j.Status = to
	return nil
}

// Reset clears the counters and error of j for a fresh run.
func (j *Job) Reset() {
	j.TotalTasks = 0
	j.CompletedTasks = 0
	j.FailedTasks = 0
	j.ErrorMessage = ""
	j.ErrorKind = ""
}

// Fail records err on j.
func (j *Job) Fail(err error) {
	if err == nil {
		return
	}
	j.ErrorMessage = err.Error()
	j.ErrorKind = KindOf(err)
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// Terminal reports whether s is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskRunning, TaskSkipped},
	TaskRunning: {TaskCompleted, TaskFailed},
}

// CanTransitionTask reports whether a Task may move from one status to another.
func CanTransitionTask(from, to TaskStatus) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task is the execution record of one node within a Job.
type Task struct {
	ID       string        `json:"id"`
	JobID    string        `json:"job_id"`
	NodeID   string        `json:"node_id"`
	NodeType flow.NodeType `json:"node_type"`
	// Seq is the position of the Task within its Job.
	Seq    int        `json:"seq"`
	Status TaskStatus `json:"status"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
}

// Transition moves t to status to at now.
func (t *Task) Transition(to TaskStatus, now time.Time) error {
	if !CanTransitionTask(t.Status, to) {
		return fmt.Errorf("%w: task %s: %s to %s", ErrInvalidTransition, t.ID, t.Status, to)
	}
	if to == TaskRunning {
		t.StartedAt = &now
	} else {
		t.CompletedAt = &now
	}
	t.Status = to
	return nil
}

// Level is the severity of a log entry.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// LogEntry is an append-only Job log record.
type LogEntry struct {
	// ID is lexically ordered by creation time.
	ID        string         `json:"id"`
	JobID     string         `json:"job_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
