// Package test provides a scripted in-memory device agent for tests.
package test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/micromdm/nanoflow/agent"
)

// ScreenFunc returns the snapshot for the nth (zero-based) dump_ui of a device.
type ScreenFunc func(n int) *agent.Snapshot

// Agent is a deterministic fake device agent.
// It is safe for concurrent use.
type Agent struct {
	mu       sync.Mutex
	screens  map[string]ScreenFunc
	dumps    map[string]int
	failures map[string]string
	commands map[string][]agent.Command
	active   map[string]int
	maxConc  map[string]int

	// Delay is applied to every non-dump_ui command.
	Delay time.Duration

	// Hook, if set, is called for every command before the default handling.
	// A non-nil result or error is returned as-is.
	Hook func(ctx context.Context, cmd *agent.Command) (*agent.Result, error)
}

// New creates a new fake agent with no screens.
func New() *Agent {
	return &Agent{
		screens:  make(map[string]ScreenFunc),
		dumps:    make(map[string]int),
		failures: make(map[string]string),
		commands: make(map[string][]agent.Command),
		active:   make(map[string]int),
		maxConc:  make(map[string]int),
	}
}

// SetScreen sets a static snapshot for device.
func (a *Agent) SetScreen(device string, s *agent.Snapshot) {
	a.SetScreenFunc(device, func(int) *agent.Snapshot { return s })
}

// SetScreenFunc sets a dynamic snapshot for device.
func (a *Agent) SetScreenFunc(device string, f ScreenFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.screens[device] = f
}

// FailCommand makes every command named name report an error message.
func (a *Agent) FailCommand(name, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[name] = msg
}

// Commands returns the commands dispatched to device, including dump_ui.
func (a *Agent) Commands(device string) []agent.Command {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agent.Command(nil), a.commands[device]...)
}

// Actions returns the non-dump_ui command names dispatched to device.
func (a *Agent) Actions(device string) []string {
	var names []string
	for _, c := range a.Commands(device) {
		if c.Command != agent.CmdDumpUI {
			names = append(names, c.Command)
		}
	}
	return names
}

// MaxConcurrent returns the highest number of simultaneously in-flight
// commands observed for device.
func (a *Agent) MaxConcurrent(device string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxConc[device]
}

func (a *Agent) Dispatch(ctx context.Context, cmd *agent.Command) (*agent.Result, error) {
	a.mu.Lock()
	a.commands[cmd.DeviceID] = append(a.commands[cmd.DeviceID], *cmd)
	a.active[cmd.DeviceID]++
	if a.active[cmd.DeviceID] > a.maxConc[cmd.DeviceID] {
		a.maxConc[cmd.DeviceID] = a.active[cmd.DeviceID]
	}
	hook := a.Hook
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.active[cmd.DeviceID]--
		a.mu.Unlock()
	}()

	if hook != nil {
		if res, err := hook(ctx, cmd); res != nil || err != nil {
			return res, err
		}
	}

	if cmd.Command == agent.CmdDumpUI {
		return a.dump(cmd)
	}

	if a.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.Delay):
		}
	}

	a.mu.Lock()
	msg, fail := a.failures[cmd.Command]
	a.mu.Unlock()
	if fail {
		return &agent.Result{CommandID: cmd.ID, Status: agent.StatusError, Error: msg}, nil
	}
	return &agent.Result{CommandID: cmd.ID, Status: agent.StatusOK}, nil
}

func (a *Agent) dump(cmd *agent.Command) (*agent.Result, error) {
	a.mu.Lock()
	f := a.screens[cmd.DeviceID]
	n := a.dumps[cmd.DeviceID]
	a.dumps[cmd.DeviceID]++
	a.mu.Unlock()
	s := &agent.Snapshot{}
	if f != nil {
		if fs := f(n); fs != nil {
			s = fs
		}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return &agent.Result{CommandID: cmd.ID, Status: agent.StatusOK, Data: data}, nil
}
