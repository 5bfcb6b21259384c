// Package kvredis implements a key-value store on top of Redis.
package kvredis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/micromdm/nanolib/storage/kv"
	"github.com/redis/go-redis/v9"
)

// scanCount is the SCAN batch size hint.
const scanCount = 100

// globEscaper escapes the SCAN MATCH pattern characters.
var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// KVRedis is a key-value store in Redis.
// All keys are namespaced by prefix so that multiple stores can share a
// single Redis database.
type KVRedis struct {
	client redis.UniversalClient
	prefix string
}

// New creates a new store with keys namespaced by prefix.
func New(client redis.UniversalClient, prefix string) *KVRedis {
	if client == nil {
		panic("nil redis client")
	}
	return &KVRedis{client: client, prefix: prefix}
}

func (b *KVRedis) key(k string) string {
	return b.prefix + k
}

// Get retrieves the value at key.
// If key is not found then a wrapped ErrKeyNotFound will be returned.
func (b *KVRedis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.client.Get(ctx, b.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", kv.ErrKeyNotFound, key)
	}
	return v, err
}

// Set sets key to value.
func (b *KVRedis) Set(ctx context.Context, key string, value []byte) error {
	return b.client.Set(ctx, b.key(key), value, 0).Err()
}

// Has checks that key is found.
func (b *KVRedis) Has(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, b.key(key)).Result()
	return n > 0, err
}

// Delete deletes key. Deleting a missing key is not an error.
func (b *KVRedis) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, b.key(key)).Err()
}

// Keys returns all keys in the store with the namespace prefix removed.
func (b *KVRedis) Keys(ctx context.Context, cancel <-chan struct{}) <-chan string {
	return b.KeysPrefix(ctx, "", cancel)
}

// KeysPrefix returns all keys starting with prefix in the store.
// The returned keys have no ordering guarantees.
// Iteration stops early on a SCAN error.
func (b *KVRedis) KeysPrefix(ctx context.Context, prefix string, cancel <-chan struct{}) <-chan string {
	r := make(chan string)
	go func() {
		defer close(r)
		match := globEscaper.Replace(b.prefix+prefix) + "*"
		iter := b.client.Scan(ctx, 0, match, scanCount).Iterator()
		for iter.Next(ctx) {
			select {
			case <-cancel:
				return
			case r <- iter.Val()[len(b.prefix):]:
			}
		}
	}()
	return r
}
