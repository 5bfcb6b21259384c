package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/micromdm/nanolib/storage/kv"
	"github.com/micromdm/nanolib/storage/kv/kvprefix"
)

const (
	keySep = "."

	// bucket namespaces
	keyPfxJob  = "job" + keySep
	keyPfxTask = "task" + keySep
	keyPfxLog  = "log" + keySep
)

// buckets are the namespaced views of a single store.
type buckets struct {
	jobs  kv.Bucket
	tasks kv.Bucket
	logs  kv.Bucket
}

func newBuckets(b kv.Bucket) *buckets {
	return &buckets{
		jobs:  kvprefix.New(keyPfxJob, b),
		tasks: kvprefix.New(keyPfxTask, b),
		logs:  kvprefix.New(keyPfxLog, b),
	}
}

// taskKey orders the Task keys of a Job lexically by seq.
func taskKey(jobID string, seq int) string {
	return fmt.Sprintf("%s%s%08d", jobID, keySep, seq)
}

func logKey(jobID, id string) string {
	return jobID + keySep + id
}

// jobPrefix is the key prefix of the Tasks and log entries of a Job.
func jobPrefix(jobID string) string {
	return jobID + keySep
}

// kvSortedKeys returns the keys in b starting with prefix in lexical order.
func kvSortedKeys(ctx context.Context, b kv.KeysPrefixTraverser, prefix string) []string {
	keys := kv.AllKeysPrefix(ctx, b, prefix)
	sort.Strings(keys)
	return keys
}

// kvSetJSON marshals v into key k of b.
func kvSetJSON(ctx context.Context, b kv.RWBucket, k string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", k, err)
	}
	return b.Set(ctx, k, data)
}

// kvGetJSON unmarshals key k of b into v.
func kvGetJSON(ctx context.Context, b kv.ROBucket, k string, v any) error {
	data, err := b.Get(ctx, k)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", k, err)
	}
	return nil
}

// kvDeletePrefix deletes all keys starting with prefix in b.
func kvDeletePrefix(ctx context.Context, b kv.Bucket, prefix string) error {
	return kv.DeleteSlice(ctx, b, kv.AllKeysPrefix(ctx, b, prefix))
}
