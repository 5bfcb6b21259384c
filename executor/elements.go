package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/micromdm/nanoflow/agent"
	"github.com/micromdm/nanoflow/flow"
	"github.com/micromdm/nanoflow/job"
	"github.com/micromdm/nanoflow/selector"
	"github.com/micromdm/nanoflow/vars"
)

var ErrWaitTimeout = errors.New("element did not appear")

func resolveIn(t *flow.Target, snap *agent.Snapshot) *selector.Resolution {
	return selector.Resolve(t, t.Priority(), snap)
}

// evaluate checks the predicate against the matched element, if any.
// A coordinate fallback matches no element.
func evaluate(check flow.CheckType, expected string, ignoreCase bool, r *selector.Resolution) bool {
	var el *agent.Element
	if r.Present() {
		el = r.Element
	}
	switch check {
	case flow.CheckExists:
		return el != nil
	case flow.CheckNotExists:
		return el == nil
	case flow.CheckIsChecked:
		return el != nil && el.Checked
	}
	if el == nil {
		return false
	}
	have := el.Text
	if ignoreCase {
		have, expected = strings.ToLower(have), strings.ToLower(expected)
	}
	switch check {
	case flow.CheckTextEquals:
		return have == expected
	case flow.CheckTextContains:
		return strings.Contains(have, expected)
	}
	return false
}

func isTimeout(err error) bool {
	return job.KindOf(err) == job.KindTimeout || errors.Is(err, context.DeadlineExceeded)
}

// waitForElement polls until the target resolves or the timeout elapses.
// Only snapshot commands are sent so a Task that is skipped never ran.
func (e *Executor) waitForElement(ctx context.Context, s *Session, c *flow.WaitForElementConfig) *Outcome {
	interval := e.interval(c)
	var last *selector.Resolution
	for {
		r, err := e.lookup(ctx, s, &c.Target)
		if err != nil && !isTimeout(err) {
			return failed(err)
		}
		if err == nil {
			last = r
			if r.Present() {
				o := completed()
				o.Resolution = r
				return o
			}
			err = sleep(ctx, interval)
		}
		if err != nil {
			break
		}
	}
	if s.cancelled() {
		return failed(ErrCancelled)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return failed(job.NewError(job.KindAgent, ctx.Err()))
	}

	werr := job.NewError(job.KindTimeout, fmt.Errorf("%w within %dms", ErrWaitTimeout, c.Timeout))
	switch c.TimeoutPolicy() {
	case flow.OnTimeoutSkip:
		return &Outcome{Status: job.TaskSkipped, Err: werr, Resolution: last}
	case flow.OnTimeoutRetry:
		o := failed(werr)
		o.Resolution = last
		o.retry = true
		return o
	}
	o := failed(werr)
	o.Resolution = last
	return o
}

func (e *Executor) assert(ctx context.Context, s *Session, c *flow.AssertConfig) *Outcome {
	r, err := e.lookup(ctx, s, &c.Target)
	if err != nil {
		return failed(err)
	}
	if evaluate(c.CheckType, c.ExpectedText, c.IgnoreCase, r) {
		o := completed()
		o.Resolution = r
		return o
	}
	o := failed(job.Errorf(job.KindAssertion, "assertion %s failed", c.CheckType))
	o.Resolution = r
	switch c.FailurePolicy() {
	case flow.OnFailureContinue:
		o.Continue = true
	case flow.OnFailureRetry:
		o.retry = true
	}
	return o
}

// elementCheck emits a branch decision and never fails by predicate.
func (e *Executor) elementCheck(ctx context.Context, s *Session, c *flow.ElementCheckConfig) *Outcome {
	r, err := e.lookup(ctx, s, &c.Target)
	if err != nil {
		return failed(err)
	}
	decision := evaluate(c.CheckType, c.ExpectedText, c.IgnoreCase, r)
	o := completed()
	o.Resolution = r
	o.Branch = &decision
	return o
}

// output handles the nodes that write a variable binding.
func (e *Executor) output(ctx context.Context, s *Session, c *flow.OutputConfig) *Outcome {
	var r *selector.Resolution
	var err error
	switch c.NodeType() {
	case flow.GetBounds, flow.GetText:
		r, err = e.resolve(ctx, s, &c.Target)
	default:
		// absence is a valid answer
		r, err = e.lookup(ctx, s, &c.Target)
	}
	if err != nil {
		o := failed(err)
		o.Resolution = r
		return o
	}

	var v vars.Value
	switch c.NodeType() {
	case flow.GetBounds:
		b := r.Element.Bounds
		v, err = vars.Object(map[string]int{
			"left": b.Left, "top": b.Top, "right": b.Right, "bottom": b.Bottom,
			"centerX": r.X, "centerY": r.Y,
		})
	case flow.GetText:
		v = vars.String(r.Element.Text)
	case flow.CountElements:
		v = vars.Int(r.Candidates)
	case flow.IsVisible:
		v = vars.Bool(r.Present() && r.Element.Visible)
	}
	if err != nil {
		return failed(job.NewError(job.KindConfig, err))
	}
	s.Bindings.Set(c.OutputVariable, v)
	s.log(job.LevelInfo, "set variable", map[string]any{"name": c.OutputVariable, "value": v.Render()})
	o := completed()
	o.Resolution = r
	o.Output = &Output{Name: c.OutputVariable, Value: v}
	return o
}
