// Package storage defines types supporting flow definition storage.
package storage

import (
	"context"
	"errors"

	"github.com/micromdm/nanoflow/flow"
)

var (
	ErrFlowNotFound = errors.New("flow not found")
	ErrMissingID    = errors.New("missing flow id")
)

type ReadStorage interface {
	// RetrieveFlow retrieves the flow definition by id.
	// ErrFlowNotFound is wrapped if the flow does not exist.
	RetrieveFlow(ctx context.Context, id string) (*flow.Flow, error)

	// ListFlows returns the sorted ids of all stored flows.
	ListFlows(ctx context.Context) ([]string, error)
}

type Storage interface {
	ReadStorage

	// StoreFlow stores f using its id, replacing any existing definition.
	StoreFlow(ctx context.Context, f *flow.Flow) error

	// DeleteFlow deletes the flow definition by id.
	DeleteFlow(ctx context.Context, id string) error
}
