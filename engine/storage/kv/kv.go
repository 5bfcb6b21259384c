// Package kv implements a workflow engine storage backend using a key-value interface.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/micromdm/nanoflow/engine/storage"
	"github.com/micromdm/nanoflow/job"

	"github.com/micromdm/nanolib/storage/kv"
	"github.com/micromdm/nanolib/storage/kv/kvtxn"
)

// KV is a workflow engine storage backend using a key-value interface.
// Jobs, Tasks and log entries share one store under separate key prefixes.
type KV struct {
	mu  sync.RWMutex
	txn *kvtxn.KVTxn
	*buckets
}

// New creates a new key-value workflow engine storage backend.
func New(b kv.Bucket) *KV {
	txn := kvtxn.New(b)
	return &KV{txn: txn, buckets: newBuckets(txn)}
}

// perform runs f with namespaced buckets within a transaction.
func (s *KV) perform(ctx context.Context, f func(context.Context, *buckets) error) error {
	return kv.PerformBucketTxn(ctx, s.txn, func(ctx context.Context, b kv.Bucket) error {
		return f(ctx, newBuckets(b))
	})
}

// StoreJob implements the storage interface method.
func (s *KV) StoreJob(ctx context.Context, j *job.Job) error {
	if err := storage.ValidateJob(j); err != nil {
		return fmt.Errorf("validating job: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return kvSetJSON(ctx, s.jobs, j.ID, j)
}

func (s *KV) retrieveJob(ctx context.Context, id string) (*job.Job, error) {
	j := new(job.Job)
	err := kvGetJSON(ctx, s.jobs, id, j)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrJobNotFound, id)
	}
	return j, err
}

// RetrieveJob implements the storage interface method.
func (s *KV) RetrieveJob(ctx context.Context, id string) (*job.Job, error) {
	if id == "" {
		return nil, storage.ErrMissingJobID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retrieveJob(ctx, id)
}

// RetrieveJobs implements the storage interface method.
func (s *KV) RetrieveJobs(ctx context.Context, filter *storage.JobFilter) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ret []*job.Job
	for _, k := range kvSortedKeys(ctx, s.jobs, "") {
		j, err := s.retrieveJob(ctx, k)
		if err != nil {
			return nil, err
		}
		if filter.Match(j) {
			ret = append(ret, j)
		}
	}
	sort.SliceStable(ret, func(i, j int) bool { return ret[i].Seq < ret[j].Seq })
	if filter != nil && filter.Limit > 0 && len(ret) > filter.Limit {
		ret = ret[:filter.Limit]
	}
	return ret, nil
}

// DeleteJob implements the storage interface method.
func (s *KV) DeleteJob(ctx context.Context, id string) error {
	if id == "" {
		return storage.ErrMissingJobID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok, err := s.jobs.Has(ctx, id); err != nil {
		return fmt.Errorf("checking job %s: %w", id, err)
	} else if !ok {
		return fmt.Errorf("%w: %s", storage.ErrJobNotFound, id)
	}
	return s.perform(ctx, func(ctx context.Context, b *buckets) error {
		if err := kvDeletePrefix(ctx, b.tasks, jobPrefix(id)); err != nil {
			return fmt.Errorf("deleting tasks: %w", err)
		}
		if err := kvDeletePrefix(ctx, b.logs, jobPrefix(id)); err != nil {
			return fmt.Errorf("deleting logs: %w", err)
		}
		return b.jobs.Delete(ctx, id)
	})
}

// ReplaceTasks implements the storage interface method.
func (s *KV) ReplaceTasks(ctx context.Context, jobID string, tasks []*job.Task) error {
	if jobID == "" {
		return storage.ErrMissingJobID
	}
	for _, t := range tasks {
		if err := storage.ValidateTask(t); err != nil {
			return fmt.Errorf("validating task: %w", err)
		}
		if t.JobID != jobID {
			return fmt.Errorf("task %s belongs to job %s", t.ID, t.JobID)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perform(ctx, func(ctx context.Context, b *buckets) error {
		if err := kvDeletePrefix(ctx, b.tasks, jobPrefix(jobID)); err != nil {
			return fmt.Errorf("deleting tasks: %w", err)
		}
		for _, t := range tasks {
			if err := kvSetJSON(ctx, b.tasks, taskKey(jobID, t.Seq), t); err != nil {
				return fmt.Errorf("setting task %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

// StoreTask implements the storage interface method.
func (s *KV) StoreTask(ctx context.Context, t *job.Task) error {
	if err := storage.ValidateTask(t); err != nil {
		return fmt.Errorf("validating task: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return kvSetJSON(ctx, s.tasks, taskKey(t.JobID, t.Seq), t)
}

// RetrieveTasks implements the storage interface method.
func (s *KV) RetrieveTasks(ctx context.Context, jobID string) ([]*job.Task, error) {
	if jobID == "" {
		return nil, storage.ErrMissingJobID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ret []*job.Task
	for _, k := range kvSortedKeys(ctx, s.tasks, jobPrefix(jobID)) {
		t := new(job.Task)
		if err := kvGetJSON(ctx, s.tasks, k, t); err != nil {
			return nil, err
		}
		ret = append(ret, t)
	}
	return ret, nil
}

// AppendLog implements the storage interface method.
func (s *KV) AppendLog(ctx context.Context, e *job.LogEntry) error {
	if err := storage.ValidateLogEntry(e); err != nil {
		return fmt.Errorf("validating log entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return kvSetJSON(ctx, s.logs, logKey(e.JobID, e.ID), e)
}

// RetrieveLogs implements the storage interface method.
func (s *KV) RetrieveLogs(ctx context.Context, jobID string) ([]*job.LogEntry, error) {
	if jobID == "" {
		return nil, storage.ErrMissingJobID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ret []*job.LogEntry
	for _, k := range kvSortedKeys(ctx, s.logs, jobPrefix(jobID)) {
		e := new(job.LogEntry)
		if err := kvGetJSON(ctx, s.logs, k, e); err != nil {
			return nil, err
		}
		ret = append(ret, e)
	}
	return ret, nil
}
