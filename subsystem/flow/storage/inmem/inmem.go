// Package inmem implements a flow storage backend backed by an in-memory key-value store.
package inmem

import (
	"github.com/micromdm/nanoflow/subsystem/flow/storage/kv"

	"github.com/micromdm/nanolib/storage/kv/kvmap"
)

// InMem is a flow storage backend backed by an in-memory key-value store.
type InMem struct {
	*kv.KV
}

func New() *InMem {
	return &InMem{KV: kv.New(kvmap.New())}
}
