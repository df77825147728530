package cache

import (
	"context"
	"time"
)

// NopCache never stores anything: MultiGet always returns an all-miss
// result and Set is a no-op. Used when CACHE_MODE=none — the batcher still
// dedupes identical texts within one batch even with caching off.
type NopCache struct{}

func (NopCache) MultiGet(_ context.Context, keys []string) ([][]byte, error) {
	return make([][]byte, len(keys)), nil
}

func (NopCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return nil
}

func (NopCache) Close() error { return nil }
