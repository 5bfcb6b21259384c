package inmem

import (
	"testing"

	"github.com/micromdm/nanoflow/engine/storage"
	"github.com/micromdm/nanoflow/engine/storage/test"
)

func TestInmemStorage(t *testing.T) {
	test.TestEngineStorage(t, func() storage.Storage { return New() })
}
