package inmem

import (
	"testing"

	"github.com/micromdm/nanoflow/subsystem/flow/storage"
	"github.com/micromdm/nanoflow/subsystem/flow/storage/test"
)

func TestInMem(t *testing.T) {
	test.TestFlowStorage(t, func() storage.Storage { return New() })
}
