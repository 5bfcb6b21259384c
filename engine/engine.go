// Package engine implements the NanoFlow workflow execution engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/micromdm/nanoflow/agent"
	"github.com/micromdm/nanoflow/engine/storage"
	"github.com/micromdm/nanoflow/executor"
	"github.com/micromdm/nanoflow/flow"
	"github.com/micromdm/nanoflow/job"
	"github.com/micromdm/nanoflow/log/logkeys"
	"github.com/micromdm/nanoflow/utils/uuid"
	"github.com/micromdm/nanoflow/vars"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	ErrNoSuchFlow        = errors.New("no such flow")
	ErrMissingFlowID     = errors.New("missing flow id")
	ErrMissingDeviceID   = errors.New("missing device id")
	ErrInvalidMaxRetries = errors.New("invalid max retries")
	ErrInvalidVariable   = errors.New("invalid variable name")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrMaxExecutions     = errors.New("maximum task executions exceeded")
	ErrInterrupted       = errors.New("interrupted")
	ErrClosed            = errors.New("engine closed")
)

const (
	// DefaultTaskTimeout bounds nodes without an explicit timeout.
	DefaultTaskTimeout = 30 * time.Second

	// DefaultMaxRetries is the Job retry budget when a submission does not set one.
	DefaultMaxRetries = 3

	// DefaultMaxTaskExecutions bounds the node executions of a single run.
	DefaultMaxTaskExecutions = 1000
)

// FlowRetriever retrieves flow definitions.
type FlowRetriever interface {
	RetrieveFlow(ctx context.Context, id string) (*flow.Flow, error)
}

// Report is the final state of a finished Job.
type Report struct {
	Job   *job.Job        `json:"job"`
	Tasks []*job.Task     `json:"tasks"`
	Logs  []*job.LogEntry `json:"logs"`
}

// Notifier is called once for each Job reaching a terminal status.
type Notifier interface {
	Notify(ctx context.Context, r *Report) error
}

// SubmitRequest is a request to execute a flow against a device.
type SubmitRequest struct {
	FlowID     string `json:"flow_id"`
	DeviceID   string `json:"device_id"`
	UserID     string `json:"user_id,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`

	// ScheduledAt delays admission. The zero value means now.
	ScheduledAt time.Time `json:"scheduled_at,omitempty"`

	// MaxRetries overrides the engine default when set.
	MaxRetries *int `json:"max_retries,omitempty"`

	// Variables are the initial variable bindings of each run.
	Variables map[string]vars.Value `json:"variables,omitempty"`
}

// Engine schedules and executes Jobs.
// The engine is the only writer of Job and Task records.
type Engine struct {
	storage storage.Storage
	flows   FlowRetriever
	agent   agent.Agent
	exec    *executor.Executor

	logger   log.Logger
	ider     uuid.IDer
	logIDer  uuid.IDer
	notifier Notifier
	now      func() time.Time

	taskTimeout   time.Duration
	maxRetries    int
	maxExecutions int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu serializes Job record writes and guards the fields below.
	mu        sync.Mutex
	devices   map[string]*device
	cancelled map[string]bool
	active    map[string]bool
	waiters   map[string]chan struct{}
	lastSeq   int64
	closed    bool
}

// Options configure the engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithExecutor sets the node executor.
func WithExecutor(exec *executor.Executor) Option {
	return func(e *Engine) {
		e.exec = exec
	}
}

// WithIDer sets the Job and Task ID generator.
func WithIDer(ider uuid.IDer) Option {
	return func(e *Engine) {
		e.ider = ider
	}
}

// WithNotifier sets the notifier of finished Jobs.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithTaskTimeout sets the timeout of nodes without an explicit timeout.
func WithTaskTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.taskTimeout = d
	}
}

// WithMaxRetries sets the default Job retry budget.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		e.maxRetries = n
	}
}

// WithMaxTaskExecutions bounds the node executions of a single run.
func WithMaxTaskExecutions(n int) Option {
	return func(e *Engine) {
		e.maxExecutions = n
	}
}

// WithClock sets the engine time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates a new NanoFlow engine with default configurations.
func New(storage storage.Storage, flows FlowRetriever, agent agent.Agent, opts ...Option) *Engine {
	e := &Engine{
		storage:       storage,
		flows:         flows,
		agent:         agent,
		logger:        log.NopLogger,
		ider:          uuid.NewUUID(),
		logIDer:       uuid.NewULID(),
		now:           time.Now,
		taskTimeout:   DefaultTaskTimeout,
		maxRetries:    DefaultMaxRetries,
		maxExecutions: DefaultMaxTaskExecutions,
		devices:       make(map[string]*device),
		cancelled:     make(map[string]bool),
		active:        make(map[string]bool),
		waiters:       make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.exec == nil {
		e.exec = executor.New(executor.WithLogger(e.logger))
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Close stops the engine and waits for the device runners to return.
// Jobs interrupted while running are left running for Recover.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

// nextSeq returns a strictly increasing creation sequence.
// Must be called with mu held.
func (e *Engine) nextSeq(now time.Time) int64 {
	seq := now.UnixNano()
	if seq <= e.lastSeq {
		seq = e.lastSeq + 1
	}
	e.lastSeq = seq
	return seq
}

// Submit validates and stores a new Job.
// A Job that is due is admitted to its device queue at once. Otherwise
// the Worker admits it once its scheduled time passes.
func (e *Engine) Submit(ctx context.Context, req *SubmitRequest) (*job.Job, error) {
	if req == nil || req.FlowID == "" {
		return nil, ErrMissingFlowID
	}
	if req.DeviceID == "" {
		return nil, ErrMissingDeviceID
	}
	maxRetries := e.maxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMaxRetries, maxRetries)
	}
	for name, v := range req.Variables {
		if !vars.ValidName(name) || !v.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidVariable, name)
		}
	}

	f, err := e.flows.RetrieveFlow(ctx, req.FlowID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoSuchFlow, req.FlowID, err)
	} else if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchFlow, req.FlowID)
	}

	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.FlowID, req.FlowID,
		logkeys.DeviceID, req.DeviceID,
	)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	now := e.now()
	j := &job.Job{
		ID:          e.ider.ID(),
		UserID:      req.UserID,
		FlowID:      req.FlowID,
		DeviceID:    req.DeviceID,
		CampaignID:  req.CampaignID,
		Status:      job.StatusPending,
		MaxRetries:  maxRetries,
		ScheduledAt: req.ScheduledAt,
		CreatedAt:   now,
		Variables:   req.Variables,
		Seq:         e.nextSeq(now),
	}
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = now
	}
	if err = e.storage.StoreJob(ctx, j); err != nil {
		return nil, fmt.Errorf("storing job: %w", err)
	}
	logger = logger.With(logkeys.JobID, j.ID)
	logger.Debug(logkeys.Message, "submitted job")
	e.jobLog(ctx, j.ID, "", job.LevelInfo, "job submitted", map[string]any{"flow_id": j.FlowID, "device_id": j.DeviceID})

	if !j.ScheduledAt.After(now) {
		if err = e.admit(ctx, j); err != nil {
			return j, logAndError(err, logger, "admitting job")
		}
	}
	return j.Copy(), nil
}

// Job retrieves the Job with id.
func (e *Engine) Job(ctx context.Context, id string) (*job.Job, error) {
	return e.storage.RetrieveJob(ctx, id)
}

// Jobs retrieves the Jobs selected by filter in creation order.
func (e *Engine) Jobs(ctx context.Context, filter *storage.JobFilter) ([]*job.Job, error) {
	return e.storage.RetrieveJobs(ctx, filter)
}

// Tasks retrieves the Tasks of the Job with id.
func (e *Engine) Tasks(ctx context.Context, id string) ([]*job.Task, error) {
	if _, err := e.storage.RetrieveJob(ctx, id); err != nil {
		return nil, err
	}
	return e.storage.RetrieveTasks(ctx, id)
}

// Logs retrieves the log entries of the Job with id.
func (e *Engine) Logs(ctx context.Context, id string) ([]*job.LogEntry, error) {
	if _, err := e.storage.RetrieveJob(ctx, id); err != nil {
		return nil, err
	}
	return e.storage.RetrieveLogs(ctx, id)
}

// DeleteJob deletes the Job with id along with its Tasks and log entries.
// A Job which is queued or running must be cancelled first.
func (e *Engine) DeleteJob(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, err := e.storage.RetrieveJob(ctx, id)
	if err != nil {
		return err
	}
	if e.active[id] || j.Status == job.StatusQueued || j.Status == job.StatusRunning {
		return fmt.Errorf("%w: job %s is %s", job.ErrInvalidTransition, id, j.Status)
	}
	return e.storage.DeleteJob(ctx, id)
}

// Cancel cancels the Job with id.
// Pending and queued Jobs are cancelled at once. A running Job is marked
// cancelled and its runner stops before the next device command.
// Cancelling a cancelled Job is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) (*job.Job, error) {
	logger := ctxlog.Logger(ctx, e.logger).With(logkeys.JobID, id)
	e.mu.Lock()
	j, err := e.storage.RetrieveJob(ctx, id)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	prev := j.Status
	switch prev {
	case job.StatusCancelled:
		e.mu.Unlock()
		return j, nil
	case job.StatusCompleted, job.StatusFailed:
		e.mu.Unlock()
		return j, fmt.Errorf("%w: job %s is %s", job.ErrInvalidTransition, id, j.Status)
	}
	if err = j.Transition(job.StatusCancelled, e.now()); err != nil {
		e.mu.Unlock()
		return j, err
	}
	if err = e.storage.StoreJob(ctx, j); err != nil {
		e.mu.Unlock()
		return j, fmt.Errorf("storing job: %w", err)
	}
	running := prev == job.StatusRunning
	if running {
		e.cancelled[id] = true
	} else if prev == job.StatusQueued {
		e.dequeue(j.DeviceID, id)
	}
	e.mu.Unlock()

	logger.Debug(logkeys.Message, "cancelled job", logkeys.Status, string(prev))
	e.jobLog(ctx, id, "", job.LevelWarning, "job cancelled", map[string]any{"status": string(prev)})
	if !running {
		// the runner reports running Jobs once it stops
		e.notify(ctx, j)
		e.wake(id)
	}
	return j.Copy(), nil
}

// Retry manually retries a failed Job from the start.
// Retrying a Job that is not failed is a no-op.
func (e *Engine) Retry(ctx context.Context, id string) (*job.Job, error) {
	logger := ctxlog.Logger(ctx, e.logger).With(logkeys.JobID, id)
	e.mu.Lock()
	defer e.mu.Unlock()
	j, err := e.storage.RetrieveJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusFailed {
		return j, nil
	}
	if j.RetryCount >= j.MaxRetries {
		return j, fmt.Errorf("%w: job %s: %d of %d", ErrRetriesExhausted, id, j.RetryCount, j.MaxRetries)
	}
	if err = e.restart(ctx, j); err != nil {
		return j, logAndError(err, logger, "retrying job")
	}
	logger.Debug(logkeys.Message, "retrying job", "retry_count", j.RetryCount)
	e.jobLog(ctx, id, "", job.LevelInfo, "job retry requested", map[string]any{"retry_count": j.RetryCount})
	return j.Copy(), nil
}

// restart moves j back to pending for a fresh run and admits it when due.
// Must be called with mu held.
func (e *Engine) restart(ctx context.Context, j *job.Job) error {
	j.RetryCount++
	j.Reset()
	if err := j.Transition(job.StatusPending, e.now()); err != nil {
		return err
	}
	if err := e.storage.StoreJob(ctx, j); err != nil {
		return fmt.Errorf("storing job: %w", err)
	}
	if j.ScheduledAt.After(e.now()) {
		return nil
	}
	return e.admit(ctx, j)
}

// WaitJob blocks until the Job with id is finished or ctx is done.
// A Job is finished when it is terminal and no runner holds it.
func (e *Engine) WaitJob(ctx context.Context, id string) (*job.Job, error) {
	for {
		e.mu.Lock()
		j, err := e.storage.RetrieveJob(ctx, id)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		if j.Status.Terminal() && !e.active[id] {
			e.mu.Unlock()
			return j, nil
		}
		ch, ok := e.waiters[id]
		if !ok {
			ch = make(chan struct{})
			e.waiters[id] = ch
		}
		e.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return j, ctx.Err()
		}
	}
}

// notify reports a Job that reached a terminal status to the notifier.
func (e *Engine) notify(ctx context.Context, j *job.Job) {
	if e.notifier == nil {
		return
	}
	logger := ctxlog.Logger(ctx, e.logger).With(logkeys.JobID, j.ID)
	r := &Report{Job: j.Copy()}
	var err error
	if r.Tasks, err = e.storage.RetrieveTasks(ctx, j.ID); err != nil {
		logger.Info(logkeys.Message, "retrieving tasks for notifier", logkeys.Error, err)
	}
	if r.Logs, err = e.storage.RetrieveLogs(ctx, j.ID); err != nil {
		logger.Info(logkeys.Message, "retrieving logs for notifier", logkeys.Error, err)
	}
	if err = e.notifier.Notify(ctx, r); err != nil {
		logger.Info(logkeys.Message, "notifying", logkeys.Error, err)
	}
}

// wake releases the waiters of the Job with id so they check it again.
func (e *Engine) wake(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.waiters[id]; ok {
		close(ch)
		delete(e.waiters, id)
	}
}

// Recover restores the scheduling state after a restart.
// Queued Jobs are re-admitted and Jobs left running by a previous process
// go through the failure path with an interrupted agent error.
// Due pending Jobs are admitted.
func (e *Engine) Recover(ctx context.Context) error {
	logger := ctxlog.Logger(ctx, e.logger)

	jobs, err := e.storage.RetrieveJobs(ctx, &storage.JobFilter{Status: []job.Status{job.StatusQueued, job.StatusRunning}})
	if err != nil {
		return fmt.Errorf("retrieving jobs: %w", err)
	}
	for _, j := range jobs {
		logger := logger.With(logkeys.JobID, j.ID, logkeys.Status, string(j.Status))
		if j.Status == job.StatusQueued {
			e.mu.Lock()
			e.enqueue(j)
			e.mu.Unlock()
			logger.Debug(logkeys.Message, "recovered queued job")
			continue
		}
		if err = e.interrupted(ctx, j); err != nil {
			return logAndError(err, logger, "recovering running job")
		}
		logger.Info(logkeys.Message, "recovered interrupted job")
	}
	if _, err = e.AdmitDue(ctx); err != nil {
		return fmt.Errorf("admitting due jobs: %w", err)
	}
	return nil
}

// interrupted fails the Tasks of a Job a previous process left running
// and then applies the Job failure policy.
func (e *Engine) interrupted(ctx context.Context, j *job.Job) error {
	logger := ctxlog.Logger(ctx, e.logger).With(logkeys.JobID, j.ID)
	tasks, err := e.storage.RetrieveTasks(ctx, j.ID)
	if err != nil {
		return fmt.Errorf("retrieving tasks: %w", err)
	}
	ierr := job.NewError(job.KindAgent, ErrInterrupted)
	now := e.now()
	var failed int
	for _, t := range tasks {
		switch t.Status {
		case job.TaskRunning:
			err = t.Transition(job.TaskFailed, now)
			t.Error = ierr.Error()
			t.ErrorKind = job.KindAgent
		case job.TaskPending:
			err = t.Transition(job.TaskSkipped, now)
		default:
			continue
		}
		if err != nil {
			logger.Info(
				logkeys.Message, "transitioning interrupted task",
				logkeys.TaskID, t.ID,
				logkeys.Error, err,
			)
			continue
		}
		if err = e.storage.StoreTask(ctx, t); err != nil {
			return fmt.Errorf("storing task: %w", err)
		}
		if t.Status == job.TaskFailed {
			failed++
		}
	}
	if failed > 0 {
		_, err = e.updateJob(ctx, j.ID, func(j *job.Job) error {
			j.FailedTasks += failed
			// the process may have stopped before the Tasks were counted
			if sum := j.CompletedTasks + j.FailedTasks; j.TotalTasks < sum {
				j.TotalTasks = sum
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("updating task counters: %w", err)
		}
	}
	e.jobLog(ctx, j.ID, "", job.LevelError, "job interrupted", nil)
	if final := e.fail(ctx, j.ID, ierr); final != nil {
		e.notify(ctx, final)
		e.wake(j.ID)
	}
	return nil
}

// AdmitDue admits the pending Jobs whose scheduled time has passed.
// Returns the number of admitted Jobs.
func (e *Engine) AdmitDue(ctx context.Context) (int, error) {
	jobs, err := e.storage.RetrieveJobs(ctx, &storage.JobFilter{Status: []job.Status{job.StatusPending}})
	if err != nil {
		return 0, fmt.Errorf("retrieving pending jobs: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	var ct int
	for _, j := range jobs {
		if j.ScheduledAt.After(now) {
			continue
		}
		// re-read under the lock as the Job may have changed since listing
		cur, err := e.storage.RetrieveJob(ctx, j.ID)
		if err != nil || cur.Status != job.StatusPending {
			continue
		}
		if err = e.admit(ctx, cur); err != nil {
			return ct, fmt.Errorf("admitting job %s: %w", j.ID, err)
		}
		ct++
	}
	if n := e.resume(); n > 0 {
		e.logger.Info(logkeys.Message, "resuming stalled device queues", logkeys.GenericCount, n)
	}
	return ct, nil
}
