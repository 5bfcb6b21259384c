// Package redis implements an engine storage backend using Redis.
package redis

import (
	"github.com/micromdm/nanoflow/engine/storage/kv"
	"github.com/micromdm/nanoflow/utils/kvredis"

	"github.com/redis/go-redis/v9"
)

// Redis is a Redis-backed engine storage backend.
type Redis struct {
	*kv.KV
}

// New creates a new Redis engine storage backend.
// Keys are namespaced under prefix.
func New(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{KV: kv.New(kvredis.New(client, prefix+"engine:"))}
}
