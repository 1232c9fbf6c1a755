// Package cache holds the short-lived response cache of the REST layer.
// Entries are keyed by resource public id and invalidated when the index
// signals a change touching the resource.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned when a key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache is the backend-neutral interface; the memory backend is the default,
// Redis serves multi-replica deployments.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context, pattern string) error
}

// ResourceKey builds the cache key of one rendered resource.
func ResourceKey(kind, publicID string) string {
	return "resource:" + kind + ":" + publicID
}

// ResourcePattern matches every cached rendering of one resource.
func ResourcePattern(publicID string) string {
	return "resource:*:" + publicID
}

// StatisticsKey is the cache key of the global statistics document.
const StatisticsKey = "statistics"
