package sqlite

import (
	"testing"

	"github.com/micromdm/nanoflow/engine/storage"
	"github.com/micromdm/nanoflow/engine/storage/test"
)

func TestSQLiteStorage(t *testing.T) {
	test.TestEngineStorage(t, func() storage.Storage {
		s, err := New(":memory:")
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}
