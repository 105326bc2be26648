// Redis backend.
//
// Information Hiding:
// - Key scheme "<prefix>:<namespace>:<path>" hidden
// - SCAN-based listing hidden

package objstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "conthunt:obj"

// RedisBackend implements Backend on a Redis keyspace.
type RedisBackend struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisBackend creates a Redis backend. An empty prefix uses "conthunt:obj".
func NewRedisBackend(rdb redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBackend{rdb: rdb, prefix: prefix}
}

func (b *RedisBackend) key(namespace, path string) string {
	return b.prefix + ":" + namespace + ":" + path
}

// Get returns the value stored at path.
func (b *RedisBackend) Get(ctx context.Context, namespace, path string) ([]byte, error) {
	data, err := b.rdb.Get(ctx, b.key(namespace, path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Put replaces the value at path. A single SET is atomic.
func (b *RedisBackend) Put(ctx context.Context, namespace, path string, data []byte) error {
	if err := b.rdb.Set(ctx, b.key(namespace, path), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// List scans keys under the namespace whose path starts with prefix.
func (b *RedisBackend) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	root := b.key(namespace, "")
	match := escapeGlob(root+prefix) + "*"

	var paths []string
	iter := b.rdb.Scan(ctx, 0, match, 256).Iterator()
	for iter.Next(ctx) {
		paths = append(paths, strings.TrimPrefix(iter.Val(), root))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return paths, nil
}

// escapeGlob escapes Redis MATCH metacharacters.
func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Verify RedisBackend implements Backend
var _ Backend = (*RedisBackend)(nil)
