// Package kv implements a flow storage backend using JSON with key-value storage.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/micromdm/nanoflow/flow"
	"github.com/micromdm/nanoflow/subsystem/flow/storage"

	"github.com/micromdm/nanolib/storage/kv"
)

// KV is a flow storage backend using JSON with key-value storage.
type KV struct {
	mu sync.RWMutex
	b  kv.KeysPrefixTraversingBucket
}

func New(b kv.KeysPrefixTraversingBucket) *KV {
	return &KV{b: b}
}

// RetrieveFlow unmarshals the JSON stored using id and returns the flow.
func (s *KV) RetrieveFlow(ctx context.Context, id string) (*flow.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.b.Get(ctx, id)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrFlowNotFound, id)
	} else if err != nil {
		return nil, err
	}
	return flow.Parse(raw)
}

// ListFlows returns the sorted ids of all stored flows.
func (s *KV) ListFlows(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := kv.AllKeys(ctx, s.b)
	sort.Strings(ids)
	return ids, nil
}

// StoreFlow marshals f into JSON and stores it using its id.
func (s *KV) StoreFlow(ctx context.Context, f *flow.Flow) error {
	if f == nil || f.ID == "" {
		return storage.ErrMissingID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.b.Set(ctx, f.ID, raw)
}

// DeleteFlow deletes the JSON stored using id.
func (s *KV) DeleteFlow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if found, err := s.b.Has(ctx, id); err != nil {
		return err
	} else if !found {
		return fmt.Errorf("%w: %s", storage.ErrFlowNotFound, id)
	}
	return s.b.Delete(ctx, id)
}
