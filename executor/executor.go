// Package executor executes individual flow nodes against a device agent.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/micromdm/nanoflow/agent"
	"github.com/micromdm/nanoflow/flow"
	"github.com/micromdm/nanoflow/job"
	"github.com/micromdm/nanoflow/log/logkeys"
	"github.com/micromdm/nanoflow/selector"
	"github.com/micromdm/nanoflow/utils/uuid"
	"github.com/micromdm/nanoflow/vars"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// DefaultPollInterval is the wait_for_element poll interval when neither
// the node nor the executor configure one.
const DefaultPollInterval = 500 * time.Millisecond

var (
	// ErrCancelled is returned when the owning Job was cancelled.
	ErrCancelled = errors.New("job cancelled")

	ErrZeroTimeout = errors.New("effective task timeout is zero")
	ErrNoHandler   = errors.New("no handler for node type")
)

// LogFunc writes a Job log entry for the current Task.
type LogFunc func(level job.Level, msg string, context map[string]any)

// Session is the device session and run state a node executes in.
type Session struct {
	DeviceID string
	Agent    agent.Agent
	Bindings *vars.Bindings

	// TaskTimeout bounds every node without an explicit timeout.
	TaskTimeout time.Duration

	// MaxRetries bounds node-level retry policies.
	MaxRetries int

	// Cancelled reports whether the owning Job was cancelled.
	Cancelled func() bool

	// Started is called once, before the first action command is dispatched.
	Started func()

	// Log receives Job log entries. May be nil.
	Log LogFunc

	started bool
}

func (s *Session) cancelled() bool {
	return s.Cancelled != nil && s.Cancelled()
}

func (s *Session) markStarted() {
	if s.started {
		return
	}
	s.started = true
	if s.Started != nil {
		s.Started()
	}
}

func (s *Session) log(level job.Level, msg string, kv map[string]any) {
	if s.Log != nil {
		s.Log(level, msg, kv)
	}
}

// Output is a variable binding written by a node.
type Output struct {
	Name  string     `json:"name"`
	Value vars.Value `json:"value"`
}

// Outcome is the result of executing one node.
type Outcome struct {
	// Status is completed, failed, or skipped.
	Status job.TaskStatus
	Err    error

	// Branch is the decision of an element_check.
	Branch *bool

	// Continue is set when a failed Task must not fail the Job.
	Continue bool

	Resolution *selector.Resolution
	Output     *Output
	Data       json.RawMessage

	// Attempts is the number of times the node was evaluated.
	Attempts int

	// retry requests a node-level re-evaluation.
	retry bool
}

// Kind returns the error kind of a failed outcome.
func (o *Outcome) Kind() job.ErrorKind {
	return job.KindOf(o.Err)
}

// Cancelled reports whether the outcome was cut short by Job cancellation.
func (o *Outcome) Cancelled() bool {
	return errors.Is(o.Err, ErrCancelled)
}

type result struct {
	Resolution *selector.Resolution `json:"resolution,omitempty"`
	Output     *Output              `json:"output,omitempty"`
	Branch     *bool                `json:"branch,omitempty"`
	Attempts   int                  `json:"attempts,omitempty"`
	Data       json.RawMessage      `json:"data,omitempty"`
}

// Result returns the JSON Task result of o.
func (o *Outcome) Result() json.RawMessage {
	r := &result{Resolution: o.Resolution, Output: o.Output, Branch: o.Branch, Data: o.Data}
	if o.Attempts > 1 {
		r.Attempts = o.Attempts
	}
	raw, err := json.Marshal(r)
	if err != nil || string(raw) == "{}" {
		return nil
	}
	return raw
}

func completed() *Outcome {
	return &Outcome{Status: job.TaskCompleted}
}

func failed(err error) *Outcome {
	return &Outcome{Status: job.TaskFailed, Err: err}
}

// ResolutionError reports a mandatory target that could not be resolved.
type ResolutionError struct {
	Target   *flow.Target
	Attempts []selector.Attempt
}

func (e *ResolutionError) Error() string {
	if len(e.Attempts) < 1 {
		return "element not resolved: no strategy applicable to target"
	}
	return fmt.Sprintf("element not resolved: attempts %v", e.Attempts)
}

// Executor executes flow nodes.
type Executor struct {
	logger       log.Logger
	ids          uuid.IDer
	pollInterval time.Duration
	jitter       func(min, max int) int
}

type Option func(*Executor)

// WithLogger configures the logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithIDer configures the command ID generator.
func WithIDer(ids uuid.IDer) Option {
	return func(e *Executor) {
		e.ids = ids
	}
}

// WithPollInterval sets the default wait_for_element poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) {
		e.pollInterval = d
	}
}

// WithJitter sets the function that picks a repeat_click delay in [min, max].
func WithJitter(f func(min, max int) int) Option {
	return func(e *Executor) {
		e.jitter = f
	}
}

func randJitter(min, max int) int {
	if max <= min {
		return min
	}
	return min + rand.IntN(max-min+1)
}

// New creates a new executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		logger:       log.NopLogger,
		ids:          uuid.NewUUID(),
		pollInterval: DefaultPollInterval,
		jitter:       randJitter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// decode interpolates and decodes the node configuration.
func decode(s *Session, n *flow.Node) (flow.Config, error) {
	raw, err := vars.InterpolateJSON(n.Config, s.Bindings)
	if err != nil {
		return nil, job.NewError(job.KindConfig, err)
	}
	cfg, err := flow.DecodeConfig(n.Type, raw)
	if err != nil {
		return nil, job.NewError(job.KindConfig, err)
	}
	return cfg, nil
}

// Execute executes node n in session s.
// Every evaluation of the node is bounded by the node timeout, or else the
// session task timeout. A node requesting a retry is re-evaluated up to
// the session MaxRetries times before it is treated as failed.
func (e *Executor) Execute(ctx context.Context, s *Session, n *flow.Node) *Outcome {
	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.DeviceID, s.DeviceID,
		logkeys.NodeID, n.ID,
		logkeys.NodeType, string(n.Type),
	)
	if s.Bindings == nil {
		s.Bindings = vars.NewBindings(nil)
	}
	cfg, err := decode(s, n)
	if err != nil {
		return failed(err)
	}
	timeout := cfg.Base().TimeoutDuration()
	if timeout <= 0 {
		timeout = s.TaskTimeout
	}
	if timeout <= 0 {
		return failed(job.NewError(job.KindConfig, ErrZeroTimeout))
	}

	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, timeout)
		o := e.run(actx, s, cfg)
		cancel()
		o.Attempts = attempt
		if !o.retry {
			return o
		}
		if attempt > s.MaxRetries {
			logger.Debug(logkeys.Message, "node retries exhausted", logkeys.GenericCount, attempt)
			o.retry = false
			o.Status = job.TaskFailed
			return o
		}
		logger.Debug(logkeys.Message, "retrying node", logkeys.GenericCount, attempt, logkeys.Error, o.Err)
		s.log(job.LevelWarning, "retrying node", map[string]any{"attempt": attempt, "error": errString(o.Err)})
		if err := sleep(ctx, e.interval(cfg)); err != nil {
			return failed(job.NewError(job.KindTimeout, err))
		}
		if s.cancelled() {
			return failed(ErrCancelled)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (e *Executor) interval(cfg flow.Config) time.Duration {
	if w, ok := cfg.(*flow.WaitForElementConfig); ok && w.PollInterval > 0 {
		return time.Duration(w.PollInterval) * time.Millisecond
	}
	if e.pollInterval > 0 {
		return e.pollInterval
	}
	return DefaultPollInterval
}

// run dispatches to the handler of the concrete configuration type.
func (e *Executor) run(ctx context.Context, s *Session, cfg flow.Config) *Outcome {
	switch c := cfg.(type) {
	case *flow.TapConfig:
		return e.tap(ctx, s, c)
	case *flow.DoubleTapConfig:
		return e.doubleTap(ctx, s, c)
	case *flow.LongPressConfig:
		return e.longPress(ctx, s, c)
	case *flow.TextInputConfig:
		return e.textInput(ctx, s, c)
	case *flow.SwipeConfig:
		return e.swipe(ctx, s, c)
	case *flow.ScrollConfig:
		return e.scroll(ctx, s, c)
	case *flow.FlingConfig:
		return e.fling(ctx, s, c)
	case *flow.DragDropConfig:
		return e.dragDrop(ctx, s, c)
	case *flow.PinchZoomConfig:
		return e.pinchZoom(ctx, s, c)
	case *flow.KeyEventConfig:
		return e.keyEvent(ctx, s, c)
	case *flow.SystemConfig:
		return e.system(ctx, s, c)
	case *flow.OpenAppConfig:
		return e.openApp(ctx, s, c)
	case *flow.WaitForElementConfig:
		return e.waitForElement(ctx, s, c)
	case *flow.AssertConfig:
		return e.assert(ctx, s, c)
	case *flow.ElementCheckConfig:
		return e.elementCheck(ctx, s, c)
	case *flow.OutputConfig:
		return e.output(ctx, s, c)
	case *flow.ElementConfig:
		return e.element(ctx, s, c)
	case *flow.AppendTextConfig:
		return e.appendText(ctx, s, c)
	case *flow.RepeatClickConfig:
		return e.repeatClick(ctx, s, c)
	}
	return failed(job.NewError(job.KindConfig, fmt.Errorf("%w: %s", ErrNoHandler, cfg.NodeType())))
}

// dispatch sends one command to the session device.
// Cancellation is checked before sending and again after the result
// arrives; a result observed after cancellation is discarded.
func (e *Executor) dispatch(ctx context.Context, s *Session, name string, target *agent.Target, params map[string]any) (*agent.Result, error) {
	if s.cancelled() {
		return nil, ErrCancelled
	}
	if name != agent.CmdDumpUI {
		s.markStarted()
	}
	cmd := &agent.Command{
		ID:       e.ids.ID(),
		DeviceID: s.DeviceID,
		Command:  name,
		Target:   target,
		Params:   params,
	}
	ctxlog.Logger(ctx, e.logger).Debug(
		logkeys.Message, "dispatching command",
		logkeys.DeviceID, s.DeviceID,
		logkeys.CommandID, cmd.ID,
		logkeys.Command, name,
	)
	res, err := s.Agent.Dispatch(ctx, cmd)
	if s.cancelled() {
		return nil, ErrCancelled
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, job.Errorf(job.KindTimeout, "%s: %w", name, err)
		}
		return nil, job.Errorf(job.KindAgent, "%s: %w", name, err)
	}
	if err = res.Err(); err != nil {
		return res, job.Errorf(job.KindAgent, "%s: %w", name, err)
	}
	return res, nil
}

// action dispatches a command and converts the result into an outcome.
func (e *Executor) action(ctx context.Context, s *Session, name string, target *agent.Target, params map[string]any) *Outcome {
	res, err := e.dispatch(ctx, s, name, target, params)
	if err != nil {
		return failed(err)
	}
	o := completed()
	o.Data = res.Data
	return o
}

// snapshot fetches the current UI state of the session device.
func (e *Executor) snapshot(ctx context.Context, s *Session, targets ...*flow.Target) (*agent.Snapshot, error) {
	var params map[string]any
	var templates []string
	for _, t := range targets {
		if t.IconTemplate != "" {
			templates = append(templates, t.IconTemplate)
		}
	}
	if len(templates) > 0 {
		params = map[string]any{"templates": templates}
	}
	res, err := e.dispatch(ctx, s, agent.CmdDumpUI, nil, params)
	if err != nil {
		return nil, err
	}
	snap, err := agent.DecodeSnapshot(res)
	if err != nil {
		return nil, job.NewError(job.KindAgent, err)
	}
	return snap, nil
}

// lookup resolves t against a fresh snapshot.
// Failing to resolve is not an error.
func (e *Executor) lookup(ctx context.Context, s *Session, t *flow.Target) (*selector.Resolution, error) {
	snap, err := e.snapshot(ctx, s, t)
	if err != nil {
		return nil, err
	}
	r := selector.Resolve(t, t.Priority(), snap)
	s.log(job.LevelDebug, "resolved target", map[string]any{
		"strategy":   string(r.Strategy),
		"candidates": r.Candidates,
	})
	return r, nil
}

// resolve resolves a mandatory target.
func (e *Executor) resolve(ctx context.Context, s *Session, t *flow.Target) (*selector.Resolution, error) {
	r, err := e.lookup(ctx, s, t)
	if err != nil {
		return nil, err
	}
	if !r.Found() {
		return r, job.NewError(job.KindResolution, &ResolutionError{Target: t, Attempts: r.Attempts})
	}
	return r, nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
