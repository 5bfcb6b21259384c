package engine

import (
	"context"
	"time"

	"github.com/micromdm/nanoflow/log/logkeys"

	"github.com/micromdm/nanolib/log"
)

const DefaultDuration = time.Second * 5

// Admitter admits scheduled Jobs that are due.
type Admitter interface {
	AdmitDue(ctx context.Context) (int, error)
}

// Worker polls for scheduled Jobs on an interval and admits the ones
// whose scheduled time has passed.
type Worker struct {
	admitter Admitter
	logger   log.Logger

	// duration is the interval at which the worker will wake up to
	// admit due Jobs.
	duration time.Duration
}

type WorkerOption func(w *Worker)

func WithWorkerLogger(logger log.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithWorkerDuration configures the polling interval for the worker.
func WithWorkerDuration(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.duration = d
	}
}

func NewWorker(admitter Admitter, opts ...WorkerOption) *Worker {
	w := &Worker{
		admitter: admitter,
		logger:   log.NopLogger,
		duration: DefaultDuration,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunOnce runs the processes of the worker and logs errors.
func (w *Worker) RunOnce(ctx context.Context) error {
	ct, err := w.admitter.AdmitDue(ctx)
	if err != nil {
		return logAndError(err, w.logger, "admitting due jobs")
	}
	if ct > 0 {
		w.logger.Debug(
			logkeys.Message, "admitted due jobs",
			logkeys.GenericCount, ct,
		)
	}
	return nil
}

// Run starts and runs the worker forever on an interval.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug(logkeys.Message, "starting worker", "duration", w.duration)

	ticker := time.NewTicker(w.duration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
