// Package agent defines the command/result boundary to the on-device agent.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/micromdm/nanoflow/flow"
)

var (
	// ErrDisconnected indicates the agent could not be reached.
	ErrDisconnected = errors.New("agent disconnected")
	// ErrCommand indicates the agent reported a command error.
	ErrCommand = errors.New("agent command error")
)

// Command names understood by the device agent.
const (
	CmdDumpUI       = "dump_ui"
	CmdTap          = "tap"
	CmdDoubleTap    = "double_tap"
	CmdLongPress    = "long_press"
	CmdInputText    = "input_text"
	CmdClearText    = "clear_text"
	CmdSelectAll    = "select_all"
	CmdSwipe        = "swipe"
	CmdScroll       = "scroll"
	CmdFling        = "fling"
	CmdDrag         = "drag"
	CmdPinch        = "pinch"
	CmdKeyEvent     = "key_event"
	CmdGlobalAction = "global_action"
	CmdOpenApp      = "open_app"
)

// Target is the resolved location a command acts on.
type Target struct {
	X       int          `json:"x"`
	Y       int          `json:"y"`
	Bounds  *flow.Bounds `json:"bounds,omitempty"`
	Element *Element     `json:"element,omitempty"`
}

// Command is a single instruction to a device.
type Command struct {
	ID       string         `json:"id"`
	DeviceID string         `json:"device_id"`
	Command  string         `json:"command"`
	Target   *Target        `json:"target,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// Status is the result status of a command.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Result is the reply to a command.
type Result struct {
	CommandID string          `json:"command_id,omitempty"`
	Status    Status          `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Err converts an error status into an error wrapping ErrCommand.
func (r *Result) Err() error {
	if r == nil {
		return fmt.Errorf("%w: empty result", ErrCommand)
	}
	if r.Status == StatusOK {
		return nil
	}
	if r.Error == "" {
		return fmt.Errorf("%w: status %q", ErrCommand, r.Status)
	}
	return fmt.Errorf("%w: %s", ErrCommand, r.Error)
}

// Agent dispatches commands to devices and awaits their results.
// Implementations must honor ctx cancellation and deadlines.
type Agent interface {
	Dispatch(ctx context.Context, cmd *Command) (*Result, error)
}

// Element is one node of a device UI hierarchy snapshot.
type Element struct {
	// Index is the z-order index reported by the agent.
	Index              int         `json:"index"`
	ResourceID         string      `json:"resourceId,omitempty"`
	Text               string      `json:"text,omitempty"`
	ContentDescription string      `json:"contentDescription,omitempty"`
	ClassName          string      `json:"className,omitempty"`
	PackageName        string      `json:"packageName,omitempty"`
	Bounds             flow.Bounds `json:"bounds"`
	Visible            bool        `json:"visible"`
	Checked            bool        `json:"checked,omitempty"`
	Enabled            bool        `json:"enabled,omitempty"`
}

// TemplateMatch is an agent-computed icon template match.
type TemplateMatch struct {
	Template   string      `json:"template"`
	Confidence float64     `json:"confidence"`
	Bounds     flow.Bounds `json:"bounds"`
}

// Snapshot is the UI state of a device at one point in time.
type Snapshot struct {
	Elements  []Element       `json:"elements"`
	Templates []TemplateMatch `json:"templates,omitempty"`
}

// DecodeSnapshot decodes the data of a dump_ui result.
func DecodeSnapshot(r *Result) (*Snapshot, error) {
	if err := r.Err(); err != nil {
		return nil, err
	}
	s := new(Snapshot)
	if len(r.Data) < 1 {
		return s, nil
	}
	if err := json.Unmarshal(r.Data, s); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return s, nil
}
