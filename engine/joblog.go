package engine

import (
	"context"
	"fmt"

	"github.com/micromdm/nanoflow/job"
	"github.com/micromdm/nanoflow/log/logkeys"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// logAndError logs err with msg and returns err.
func logAndError(err error, logger log.Logger, msg string) error {
	logger.Info(
		logkeys.Message, msg,
		logkeys.Error, err,
	)
	return fmt.Errorf("%s: %w", msg, err)
}

// jobLog appends an entry to the log of a Job.
// Failing to write the Job log never affects the Job itself.
func (e *Engine) jobLog(ctx context.Context, jobID, taskID string, level job.Level, msg string, c map[string]any) {
	entry := &job.LogEntry{
		ID:        e.logIDer.ID(),
		JobID:     jobID,
		TaskID:    taskID,
		Level:     level,
		Message:   msg,
		Context:   c,
		Timestamp: e.now(),
	}
	if err := e.storage.AppendLog(ctx, entry); err != nil {
		ctxlog.Logger(ctx, e.logger).Info(
			logkeys.Message, "appending job log",
			logkeys.JobID, jobID,
			logkeys.Error, err,
		)
	}
}
