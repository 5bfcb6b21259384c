package main

import (
	"context"
	"fmt"

	"github.com/micromdm/nanoflow/notify/blobarchive"

	"github.com/micromdm/nanolib/log"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

// openArchive opens the Job report archive at the blob bucket URL.
// For example file:///var/lib/nanoflow/reports or mem://.
func openArchive(ctx context.Context, bucketURL string, logger log.Logger) (*blobarchive.Archiver, func() error, error) {
	b, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, nil, fmt.Errorf("opening bucket: %w", err)
	}
	a, err := blobarchive.New(b, blobarchive.WithLogger(logger))
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	return a, b.Close, nil
}
