package executor

import (
	"context"
	"time"

	"github.com/micromdm/nanoflow/agent"
	"github.com/micromdm/nanoflow/flow"
	"github.com/micromdm/nanoflow/job"
)

// Android key codes of the system nodes not backed by a global action.
const (
	keyCodeVolumeUp       = 24
	keyCodeVolumeDown     = 25
	keyCodeMediaPlayPause = 85
)

// targeted resolves t and dispatches name at the resolved element.
func (e *Executor) targeted(ctx context.Context, s *Session, t *flow.Target, name string, params map[string]any) *Outcome {
	r, err := e.resolve(ctx, s, t)
	if err != nil {
		o := failed(err)
		o.Resolution = r
		return o
	}
	o := e.action(ctx, s, name, r.Target(), params)
	o.Resolution = r
	return o
}

func (e *Executor) tap(ctx context.Context, s *Session, c *flow.TapConfig) *Outcome {
	return e.targeted(ctx, s, &c.Target, agent.CmdTap, nil)
}

func (e *Executor) doubleTap(ctx context.Context, s *Session, c *flow.DoubleTapConfig) *Outcome {
	var params map[string]any
	if c.Interval > 0 {
		params = map[string]any{"interval": c.Interval}
	}
	return e.targeted(ctx, s, &c.Target, agent.CmdDoubleTap, params)
}

func (e *Executor) longPress(ctx context.Context, s *Session, c *flow.LongPressConfig) *Outcome {
	d := c.Duration
	if d <= 0 {
		d = flow.DefaultLongPress
	}
	return e.targeted(ctx, s, &c.Target, agent.CmdLongPress, map[string]any{"duration": d})
}

func (e *Executor) textInput(ctx context.Context, s *Session, c *flow.TextInputConfig) *Outcome {
	r, err := e.resolve(ctx, s, &c.Target)
	if err != nil {
		o := failed(err)
		o.Resolution = r
		return o
	}
	if c.ClearFirst {
		if _, err = e.dispatch(ctx, s, agent.CmdClearText, r.Target(), nil); err != nil {
			o := failed(err)
			o.Resolution = r
			return o
		}
	}
	o := e.action(ctx, s, agent.CmdInputText, r.Target(), map[string]any{"text": c.Text})
	o.Resolution = r
	return o
}

func (e *Executor) appendText(ctx context.Context, s *Session, c *flow.AppendTextConfig) *Outcome {
	return e.targeted(ctx, s, &c.Target, agent.CmdInputText, map[string]any{"text": c.Text, "append": true})
}

// element handles clear_text and select_all.
func (e *Executor) element(ctx context.Context, s *Session, c *flow.ElementConfig) *Outcome {
	name := agent.CmdClearText
	if c.NodeType() == flow.SelectAll {
		name = agent.CmdSelectAll
	}
	return e.targeted(ctx, s, &c.Target, name, nil)
}

func (e *Executor) swipe(ctx context.Context, s *Session, c *flow.SwipeConfig) *Outcome {
	params := make(map[string]any)
	if c.HasCoordinates() {
		params["startX"], params["startY"] = *c.StartX, *c.StartY
		params["endX"], params["endY"] = *c.EndX, *c.EndY
	} else {
		params["direction"] = c.Direction
		if c.Percent > 0 {
			params["percent"] = c.Percent
		}
	}
	if c.Duration > 0 {
		params["duration"] = c.Duration
	}
	return e.action(ctx, s, agent.CmdSwipe, nil, params)
}

func (e *Executor) scroll(ctx context.Context, s *Session, c *flow.ScrollConfig) *Outcome {
	params := map[string]any{"direction": c.Direction}
	if c.Steps > 0 {
		params["steps"] = c.Steps
	}
	return e.action(ctx, s, agent.CmdScroll, nil, params)
}

func (e *Executor) fling(ctx context.Context, s *Session, c *flow.FlingConfig) *Outcome {
	params := map[string]any{"direction": c.Direction}
	if c.Speed > 0 {
		params["speed"] = c.Speed
	}
	return e.action(ctx, s, agent.CmdFling, nil, params)
}

// dragDrop resolves both the source and destination from one snapshot.
func (e *Executor) dragDrop(ctx context.Context, s *Session, c *flow.DragDropConfig) *Outcome {
	snap, err := e.snapshot(ctx, s, &c.Source, &c.Destination)
	if err != nil {
		return failed(err)
	}
	src := resolveIn(&c.Source, snap)
	if !src.Found() {
		return failed(job.NewError(job.KindResolution, &ResolutionError{Target: &c.Source, Attempts: src.Attempts}))
	}
	dst := resolveIn(&c.Destination, snap)
	if !dst.Found() {
		return failed(job.NewError(job.KindResolution, &ResolutionError{Target: &c.Destination, Attempts: dst.Attempts}))
	}
	params := map[string]any{"toX": dst.X, "toY": dst.Y}
	if c.Duration > 0 {
		params["duration"] = c.Duration
	}
	o := e.action(ctx, s, agent.CmdDrag, src.Target(), params)
	o.Resolution = src
	return o
}

func (e *Executor) pinchZoom(ctx context.Context, s *Session, c *flow.PinchZoomConfig) *Outcome {
	params := map[string]any{"scale": c.Scale}
	if c.Duration > 0 {
		params["duration"] = c.Duration
	}
	return e.action(ctx, s, agent.CmdPinch, &agent.Target{X: c.X, Y: c.Y}, params)
}

func (e *Executor) keyEvent(ctx context.Context, s *Session, c *flow.KeyEventConfig) *Outcome {
	return e.action(ctx, s, agent.CmdKeyEvent, nil, map[string]any{"keyCode": c.KeyCode})
}

// system handles the navigation and media nodes.
func (e *Executor) system(ctx context.Context, s *Session, c *flow.SystemConfig) *Outcome {
	var code int
	switch c.NodeType() {
	case flow.VolumeUp:
		code = keyCodeVolumeUp
	case flow.VolumeDown:
		code = keyCodeVolumeDown
	case flow.MediaPlayPause:
		code = keyCodeMediaPlayPause
	default:
		return e.action(ctx, s, agent.CmdGlobalAction, nil, map[string]any{"action": string(c.NodeType())})
	}
	return e.action(ctx, s, agent.CmdKeyEvent, nil, map[string]any{"keyCode": code})
}

func (e *Executor) openApp(ctx context.Context, s *Session, c *flow.OpenAppConfig) *Outcome {
	params := map[string]any{"packageName": c.PackageName}
	if c.Activity != "" {
		params["activity"] = c.Activity
	}
	return e.action(ctx, s, agent.CmdOpenApp, nil, params)
}

// repeatClick taps the resolved element clickCount times as one Task.
func (e *Executor) repeatClick(ctx context.Context, s *Session, c *flow.RepeatClickConfig) *Outcome {
	r, err := e.resolve(ctx, s, &c.Target)
	if err != nil {
		o := failed(err)
		o.Resolution = r
		return o
	}
	target := r.Target()
	for i := 0; i < c.ClickCount; i++ {
		if i > 0 {
			delay := c.DelayBetweenClicks
			if c.Jittered() {
				delay = e.jitter(c.MinDelay, c.MaxDelay)
			}
			if err = sleep(ctx, time.Duration(delay)*time.Millisecond); err != nil {
				o := failed(job.Errorf(job.KindTimeout, "repeat_click: %w", err))
				o.Resolution = r
				return o
			}
		}
		if _, err = e.dispatch(ctx, s, agent.CmdTap, target, nil); err != nil {
			o := failed(err)
			o.Resolution = r
			return o
		}
	}
	o := completed()
	o.Resolution = r
	return o
}
