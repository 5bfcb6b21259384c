// Package diskv implements a flow storage backend backed by an on-disk key-value store.
package diskv

import (
	"path/filepath"

	"github.com/micromdm/nanoflow/subsystem/flow/storage/kv"

	"github.com/micromdm/nanolib/storage/kv/kvdiskv"
	"github.com/peterbourgon/diskv/v3"
)

// Diskv is a flow storage backend backed by an on-disk key-value store.
type Diskv struct {
	*kv.KV
}

// New creates a new initialized flow data store.
func New(path string) *Diskv {
	return &Diskv{
		KV: kv.New(kvdiskv.New(diskv.New(diskv.Options{
			BasePath:     filepath.Join(path, "flow"),
			Transform:    kvdiskv.FlatTransform,
			CacheSizeMax: 1024 * 1024,
		}))),
	}
}
