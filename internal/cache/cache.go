package cache

import (
	"context"
	"fmt"
	"time"
)

// Cache defines the durable key-value store holding snapshots and entity tags
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context, pattern string) error
}

// ErrCacheMiss is returned when a key is not found in cache
var ErrCacheMiss = fmt.Errorf("cache miss")

const (
	snapshotPrefix = "bl_index:"
	etagPrefix     = "bl_index_etag:"

	// BaseKey remembers the last base scope adopted from a remote index.
	BaseKey = "bl_index_base"
)

// SnapshotKey returns the key of the snapshot stored for base
func SnapshotKey(base string) string {
	return snapshotPrefix + base
}

// ETagPattern matches every remembered entity tag
const ETagPattern = etagPrefix + "*"

// ETagKey returns the key of the entity tag remembered for url
func ETagKey(url string) string {
	return etagPrefix + url
}
