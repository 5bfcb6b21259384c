package job

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/micromdm/nanoflow/flow"
)

func TestJobTransitions(t *testing.T) {
	all := []Status{StatusPending, StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusQueued}:    true,
		{StatusPending, StatusCancelled}: true,
		{StatusQueued, StatusRunning}:    true,
		{StatusQueued, StatusCancelled}:  true,
		{StatusRunning, StatusCompleted}: true,
		{StatusRunning, StatusFailed}:    true,
		{StatusRunning, StatusCancelled}: true,
		{StatusRunning, StatusPending}:   true,
		{StatusFailed, StatusPending}:    true,
	}
	now := time.Now()
	for _, from := range all {
		for _, to := range all {
			j := &Job{ID: "j", Status: from}
			err := j.Transition(to, now)
			if allowed[[2]Status{from, to}] {
				if err != nil {
					t.Errorf("%s to %s: %v", from, to, err)
				}
				continue
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s to %s: have: %v, want: %v", from, to, err, ErrInvalidTransition)
			}
			if j.Status != from {
				t.Errorf("status changed on invalid transition: %s", j.Status)
			}
		}
	}
}

func TestJobTimestamps(t *testing.T) {
	j := &Job{Status: StatusQueued}
	start := time.Unix(100, 0)
	if err := j.Transition(StatusRunning, start); err != nil {
		t.Fatal(err)
	}
	if j.StartedAt == nil || !j.StartedAt.Equal(start) {
		t.Errorf("have: %v, want: %v", j.StartedAt, start)
	}
	end := time.Unix(200, 0)
	if err := j.Transition(StatusFailed, end); err != nil {
		t.Fatal(err)
	}
	if j.CompletedAt == nil || !j.CompletedAt.Equal(end) {
		t.Errorf("have: %v, want: %v", j.CompletedAt, end)
	}
	if err := j.Transition(StatusPending, end); err != nil {
		t.Fatal(err)
	}
	if j.CompletedAt != nil {
		t.Error("expected completion time to be cleared")
	}
}

func TestTaskTerminalStatesAreFinal(t *testing.T) {
	all := []TaskStatus{TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskSkipped}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			tk := &Task{ID: "t", Status: from}
			if err := tk.Transition(to, time.Now()); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s to %s: have: %v, want: %v", from, to, err, ErrInvalidTransition)
			}
		}
	}

	tk := &Task{Status: TaskPending}
	if err := tk.Transition(TaskCompleted, time.Now()); err == nil {
		t.Error("pending task must not complete without running")
	}
	if err := tk.Transition(TaskSkipped, time.Now()); err != nil {
		t.Error(err)
	}
}

func TestProgress(t *testing.T) {
	for _, tc := range []struct {
		total, completed int
		want             float64
	}{
		{0, 0, 0},
		{3, 3, 100},
		{4, 1, 25},
	} {
		j := &Job{TotalTasks: tc.total, CompletedTasks: tc.completed}
		if have := j.Progress(); have != tc.want {
			t.Errorf("have: %v, want: %v", have, tc.want)
		}
	}

	j := &Job{TotalTasks: 2, CompletedTasks: 2, FailedTasks: 1}
	if err := j.CheckCounters(); err == nil {
		t.Error("expected counter error")
	}
}

func TestKindOf(t *testing.T) {
	_, err := flow.Compile(&flow.Flow{})
	for _, tc := range []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{NewError(KindTimeout, errors.New("slow")), KindTimeout},
		{fmt.Errorf("wrapped: %w", NewError(KindResolution, errors.New("none"))), KindResolution},
		{err, KindStructural},
		{errors.New("device went away"), KindAgent},
	} {
		if have := KindOf(tc.err); have != tc.want {
			t.Errorf("%v: have: %v, want: %v", tc.err, have, tc.want)
		}
	}
	if KindStructural.Retryable() {
		t.Error("structural errors must not be retryable")
	}
}
