// Package cache provides the vector cache used by the embedding batcher.
//
// Keys are content-addressed fingerprints (see internal/fingerprint); values
// are JSON-encoded float32 arrays. All implementations degrade gracefully:
// a cache that is down behaves as an all-miss cache rather than failing the
// caller, matching the teacher's exact-match cache semantics.
package cache

import (
	"context"
	"time"
)

// Cache is the vector store consulted before and after every provider call.
type Cache interface {
	// MultiGet looks up keys in order. The returned slice has the same
	// length as keys; a nil element means "miss" (absent or expired).
	// MultiGet never returns an error for a partial or total miss — only
	// for conditions that make the whole call meaningless (e.g. a canceled
	// context); callers otherwise always get a same-length result.
	MultiGet(ctx context.Context, keys []string) ([][]byte, error)

	// Set stores value under key for ttl. Implementations may silently
	// swallow backend errors (see RedisCache) so a cache outage never fails
	// the request that triggered the write.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Close releases any resources (connections, goroutines) held by the cache.
	Close() error
}
