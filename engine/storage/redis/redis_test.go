package redis

import (
	"testing"

	"github.com/micromdm/nanoflow/engine/storage"
	"github.com/micromdm/nanoflow/engine/storage/test"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisStorage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	test.TestEngineStorage(t, func() storage.Storage {
		mr.FlushAll()
		return New(client, "nanoflow:")
	})
}
