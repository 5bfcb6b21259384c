// Package blobarchive archives the reports of finished Jobs to blob storage.
package blobarchive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/micromdm/nanoflow/engine"
	"github.com/micromdm/nanoflow/log/logkeys"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
	"gocloud.dev/blob"
)

var (
	ErrBucketRequired = errors.New("bucket is required")
	ErrEmptyReport    = errors.New("empty report")
)

// BucketWriter writes whole objects to a bucket.
// A *blob.Bucket satisfies this interface.
type BucketWriter interface {
	WriteAll(ctx context.Context, key string, p []byte, opts *blob.WriterOptions) error
}

// Archiver is an engine Notifier that writes each Job report as a JSON
// object keyed by device and Job ID.
type Archiver struct {
	bucket BucketWriter
	prefix string
	logger log.Logger
}

type Option func(*Archiver)

func WithLogger(logger log.Logger) Option {
	return func(a *Archiver) {
		a.logger = logger
	}
}

// WithPrefix places archived reports under prefix.
func WithPrefix(prefix string) Option {
	return func(a *Archiver) {
		a.prefix = prefix
	}
}

func New(bucket BucketWriter, opts ...Option) (*Archiver, error) {
	if bucket == nil {
		return nil, ErrBucketRequired
	}
	a := &Archiver{bucket: bucket, logger: log.NopLogger}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Key returns the object key of the report of Job id on device.
func (a *Archiver) Key(deviceID, id string) string {
	key := deviceID + "/" + id + ".json"
	if a.prefix == "" {
		return key
	}
	if !strings.HasSuffix(a.prefix, "/") {
		return a.prefix + "/" + key
	}
	return a.prefix + key
}

// Notify archives r.
func (a *Archiver) Notify(ctx context.Context, r *engine.Report) error {
	if r == nil || r.Job == nil {
		return ErrEmptyReport
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	key := a.Key(r.Job.DeviceID, r.Job.ID)
	if err = a.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	ctxlog.Logger(ctx, a.logger).Debug(
		logkeys.Message, "archived job report",
		logkeys.JobID, r.Job.ID,
		"key", key,
	)
	return nil
}
