package engine

import (
	"context"
	"fmt"

	"github.com/micromdm/nanoflow/executor"
	"github.com/micromdm/nanoflow/flow"
	"github.com/micromdm/nanoflow/job"
	"github.com/micromdm/nanoflow/log/logkeys"
	"github.com/micromdm/nanoflow/vars"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// runner holds the state of a single run of a Job.
type runner struct {
	e      *Engine
	job    *job.Job
	graph  *flow.Graph
	logger log.Logger

	tasks []*job.Task
	// unvisited holds the materialized Task of each node until it executes.
	unvisited map[string]*job.Task
	bindings  *vars.Bindings
}

// run executes one run of a running Job.
// It returns the Job when the run left it terminal. A nil return means
// the Job was restarted for a retry or the engine is shutting down.
func (e *Engine) run(ctx context.Context, j *job.Job) *job.Job {
	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.JobID, j.ID,
		logkeys.FlowID, j.FlowID,
		logkeys.DeviceID, j.DeviceID,
	)
	logger.Debug(logkeys.Message, "running job", "retry_count", j.RetryCount)
	e.jobLog(ctx, j.ID, "", job.LevelInfo, "job started", map[string]any{"retry_count": j.RetryCount})

	f, err := e.flows.RetrieveFlow(ctx, j.FlowID)
	if err == nil && f == nil {
		err = fmt.Errorf("%w: %s", ErrNoSuchFlow, j.FlowID)
	}
	if err != nil {
		return e.fail(ctx, j.ID, job.NewError(job.KindConfig, err))
	}
	g, err := flow.Compile(f)
	if err != nil {
		// structural errors are never retried
		return e.fail(ctx, j.ID, err)
	}

	r := &runner{
		e:         e,
		job:       j,
		graph:     g,
		logger:    logger,
		unvisited: make(map[string]*job.Task),
		bindings:  vars.NewBindings(j.Variables),
	}
	if err = r.materialize(ctx); err != nil {
		logger.Info(logkeys.Message, "materializing tasks", logkeys.Error, err)
		return e.fail(ctx, j.ID, job.NewError(job.KindAgent, err))
	}
	return r.loop(ctx)
}

// materialize creates the Tasks of a fresh run in traversal order.
func (r *runner) materialize(ctx context.Context) error {
	for i, id := range r.graph.Order() {
		n, _ := r.graph.Node(id)
		t := &job.Task{
			ID:       r.e.ider.ID(),
			JobID:    r.job.ID,
			NodeID:   n.ID,
			NodeType: n.Type,
			Seq:      i,
			Status:   job.TaskPending,
		}
		r.tasks = append(r.tasks, t)
		r.unvisited[id] = t
	}
	if err := r.e.storage.ReplaceTasks(ctx, r.job.ID, r.tasks); err != nil {
		return fmt.Errorf("storing tasks: %w", err)
	}
	_, err := r.e.updateJob(ctx, r.job.ID, func(j *job.Job) error {
		j.TotalTasks = len(r.tasks)
		return nil
	})
	return err
}

// task returns the Task for the next execution of n.
// A node revisited through a loop gets a new Task appended to the run.
func (r *runner) task(ctx context.Context, n *flow.Node) (*job.Task, error) {
	if t, ok := r.unvisited[n.ID]; ok {
		delete(r.unvisited, n.ID)
		return t, nil
	}
	t := &job.Task{
		ID:       r.e.ider.ID(),
		JobID:    r.job.ID,
		NodeID:   n.ID,
		NodeType: n.Type,
		Seq:      len(r.tasks),
		Status:   job.TaskPending,
	}
	if err := r.e.storage.StoreTask(ctx, t); err != nil {
		return nil, fmt.Errorf("storing task: %w", err)
	}
	r.tasks = append(r.tasks, t)
	if err := r.e.updateCounters(ctx, r.job.ID, 0, 0, 1); err != nil {
		return nil, err
	}
	return t, nil
}

// loop executes the nodes of the run following the graph edges.
func (r *runner) loop(ctx context.Context) *job.Job {
	cur := r.graph.Entry
	for executions := 0; cur != ""; executions++ {
		if ctx.Err() != nil {
			return nil
		}
		if r.e.isCancelled(r.job.ID) {
			return r.cancelled(ctx)
		}
		if executions >= r.e.maxExecutions {
			return r.failed(ctx, job.NewError(job.KindStructural, fmt.Errorf("%w: %d", ErrMaxExecutions, r.e.maxExecutions)))
		}
		n, ok := r.graph.Node(cur)
		if !ok {
			return r.failed(ctx, job.Errorf(job.KindStructural, "unknown node %s", cur))
		}
		t, err := r.task(ctx, n)
		if err != nil {
			return r.failed(ctx, job.NewError(job.KindAgent, err))
		}

		o := r.e.exec.Execute(ctx, r.session(ctx, t), n)
		if ctx.Err() != nil && !o.Cancelled() {
			// shutting down: the Job stays running for Recover
			return nil
		}
		if err = r.record(ctx, t, o); err != nil {
			r.logger.Info(logkeys.Message, "recording task", logkeys.TaskID, t.ID, logkeys.Error, err)
		}

		switch {
		case o.Cancelled() || r.e.isCancelled(r.job.ID):
			return r.cancelled(ctx)
		case o.Status == job.TaskFailed && !o.Continue:
			return r.failed(ctx, o.Err)
		}

		if n.Type.Branching() && o.Branch != nil {
			if cur, err = r.graph.Branch(cur, *o.Branch); err != nil {
				return r.failed(ctx, err)
			}
			continue
		}
		cur = r.graph.Next(cur)
	}
	return r.completed(ctx)
}

// session creates the executor session of Task t.
func (r *runner) session(ctx context.Context, t *job.Task) *executor.Session {
	return &executor.Session{
		DeviceID:    r.job.DeviceID,
		Agent:       r.e.agent,
		Bindings:    r.bindings,
		TaskTimeout: r.e.taskTimeout,
		MaxRetries:  r.job.MaxRetries,
		Cancelled: func() bool {
			return r.e.isCancelled(r.job.ID)
		},
		Started: func() {
			r.start(ctx, t)
		},
		Log: func(level job.Level, msg string, c map[string]any) {
			r.e.jobLog(ctx, r.job.ID, t.ID, level, msg, c)
		},
	}
}

// start marks t running once its first device action is dispatched.
func (r *runner) start(ctx context.Context, t *job.Task) {
	if err := t.Transition(job.TaskRunning, r.e.now()); err != nil {
		r.logger.Info(logkeys.Message, "starting task", logkeys.TaskID, t.ID, logkeys.Error, err)
		return
	}
	if err := r.e.storage.StoreTask(ctx, t); err != nil {
		r.logger.Info(logkeys.Message, "storing task", logkeys.TaskID, t.ID, logkeys.Error, err)
	}
}

// record writes the outcome of t and updates the Job counters.
func (r *runner) record(ctx context.Context, t *job.Task, o *executor.Outcome) error {
	now := r.e.now()
	status := o.Status
	if status == job.TaskSkipped && t.Status == job.TaskRunning {
		status = job.TaskCompleted
	}
	if status != job.TaskSkipped && t.Status == job.TaskPending {
		if err := t.Transition(job.TaskRunning, now); err != nil {
			return err
		}
	}
	if err := t.Transition(status, now); err != nil {
		return err
	}
	t.Result = o.Result()
	if o.Err != nil {
		t.Error = o.Err.Error()
		t.ErrorKind = o.Kind()
	}
	if err := r.e.storage.StoreTask(ctx, t); err != nil {
		return fmt.Errorf("storing task: %w", err)
	}

	c := map[string]any{"node_id": t.NodeID, "node_type": string(t.NodeType)}
	if o.Resolution != nil && o.Resolution.Strategy != "" {
		c["strategy"] = string(o.Resolution.Strategy)
	}
	switch status {
	case job.TaskCompleted:
		r.e.jobLog(ctx, r.job.ID, t.ID, job.LevelDebug, "task completed", c)
		return r.e.updateCounters(ctx, r.job.ID, 1, 0, 0)
	case job.TaskFailed:
		c["error"] = t.Error
		c["error_kind"] = string(t.ErrorKind)
		level := job.LevelError
		if o.Continue {
			level = job.LevelWarning
		}
		r.e.jobLog(ctx, r.job.ID, t.ID, level, "task failed", c)
		return r.e.updateCounters(ctx, r.job.ID, 0, 1, 0)
	}
	if o.Err != nil {
		c["error"] = t.Error
	}
	r.e.jobLog(ctx, r.job.ID, t.ID, job.LevelWarning, "task skipped", c)
	return nil
}

// skipPending marks the Tasks the run did not reach as skipped.
func (r *runner) skipPending(ctx context.Context) {
	now := r.e.now()
	for _, t := range r.tasks {
		if t.Status != job.TaskPending {
			continue
		}
		if err := t.Transition(job.TaskSkipped, now); err != nil {
			continue
		}
		if err := r.e.storage.StoreTask(ctx, t); err != nil {
			r.logger.Info(logkeys.Message, "skipping task", logkeys.TaskID, t.ID, logkeys.Error, err)
		}
	}
}

func (r *runner) completed(ctx context.Context) *job.Job {
	r.skipPending(ctx)
	j, err := r.e.updateJob(ctx, r.job.ID, func(j *job.Job) error {
		if j.Status == job.StatusCancelled {
			return nil
		}
		return j.Transition(job.StatusCompleted, r.e.now())
	})
	if err != nil {
		logAndError(err, r.logger, "completing job")
		return j
	}
	r.logger.Debug(logkeys.Message, "completed job", "progress", j.Progress())
	r.e.jobLog(ctx, r.job.ID, "", job.LevelInfo, "job completed", map[string]any{"progress": j.Progress()})
	return j
}

func (r *runner) cancelled(ctx context.Context) *job.Job {
	r.skipPending(ctx)
	j, err := r.e.Job(ctx, r.job.ID)
	if err != nil {
		logAndError(err, r.logger, "cancelling job")
		return r.job
	}
	r.logger.Debug(logkeys.Message, "cancelled running job")
	return j
}

func (r *runner) failed(ctx context.Context, err error) *job.Job {
	r.skipPending(ctx)
	return r.e.fail(ctx, r.job.ID, err)
}

// fail applies the Job failure policy to a running Job.
// A retryable failure with retries left restarts the Job from the
// beginning and returns nil. Otherwise the Job is failed and returned.
func (e *Engine) fail(ctx context.Context, id string, err error) *job.Job {
	logger := ctxlog.Logger(ctx, e.logger).With(logkeys.JobID, id)
	kind := job.KindOf(err)

	e.mu.Lock()
	defer e.mu.Unlock()
	j, rerr := e.storage.RetrieveJob(ctx, id)
	if rerr != nil {
		logAndError(rerr, logger, "retrieving job")
		return nil
	}
	if j.Status == job.StatusCancelled {
		return j
	}
	if kind.Retryable() && j.RetryCount < j.MaxRetries {
		logger.Info(
			logkeys.Message, "retrying job",
			"retry_count", j.RetryCount+1,
			logkeys.Error, err,
		)
		e.jobLog(ctx, id, "", job.LevelWarning, "job failed, retrying", map[string]any{
			"error":       err.Error(),
			"error_kind":  string(kind),
			"retry_count": j.RetryCount + 1,
		})
		if rerr = e.restart(ctx, j); rerr != nil {
			logAndError(rerr, logger, "restarting job")
		}
		return nil
	}

	j.Fail(err)
	if rerr = j.Transition(job.StatusFailed, e.now()); rerr != nil {
		logAndError(rerr, logger, "failing job")
		return j
	}
	if rerr = e.storage.StoreJob(ctx, j); rerr != nil {
		logAndError(rerr, logger, "storing job")
	}
	logger.Info(
		logkeys.Message, "job failed",
		"error_kind", string(kind),
		logkeys.Error, err,
	)
	e.jobLog(ctx, id, "", job.LevelError, "job failed", map[string]any{
		"error":      err.Error(),
		"error_kind": string(kind),
	})
	return j
}

// updateJob applies fn to the stored Job with id and stores it.
func (e *Engine) updateJob(ctx context.Context, id string, fn func(*job.Job) error) (*job.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, err := e.storage.RetrieveJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err = fn(j); err != nil {
		return j, err
	}
	if err = j.CheckCounters(); err != nil {
		return j, err
	}
	if err = e.storage.StoreJob(ctx, j); err != nil {
		return j, fmt.Errorf("storing job: %w", err)
	}
	return j, nil
}

// updateCounters adds to the task counters of the Job with id.
func (e *Engine) updateCounters(ctx context.Context, id string, completed, failed, total int) error {
	_, err := e.updateJob(ctx, id, func(j *job.Job) error {
		j.CompletedTasks += completed
		j.FailedTasks += failed
		j.TotalTasks += total
		return nil
	})
	return err
}
