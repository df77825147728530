package batcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/fingerprint"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// Submit implements the Request Submitter (C5): fingerprint every input,
// probe the cache, and either return immediately on an all-hit or enqueue
// the whole input set as one work item and wait for the dispatch loop to
// resolve it.
func (b *Batcher) Submit(ctx context.Context, adapter providers.EmbeddingProvider, inputs []string) (*Result, error) {
	if len(inputs) == 0 {
		return &Result{AdapterName: adapter.Name(), AdapterVersion: adapter.Version()}, nil
	}

	keys := make([]string, len(inputs))
	for i, text := range inputs {
		keys[i] = fingerprint.Of(adapter.Name(), adapter.Version(), text)
	}

	cached, err := b.cache.MultiGet(ctx, keys)
	if err != nil {
		// cache-read-error: degrade to all-miss rather than fail the request.
		if b.log != nil {
			b.log.Warn("batcher: cache multi-get failed, degrading to all-miss", slog.String("error", err.Error()))
		}
		cached = make([][]byte, len(keys))
	}

	if res, ok := decodeAllHits(adapter, cached); ok {
		b.rec.ObserveCacheLookup(len(inputs), 0)
		return res, nil
	}

	w := newWaiter()
	item := &workItem{
		jobID:   newJobID(),
		adapter: adapter,
		inputs:  inputs,
		waiter:  w,
	}

	select {
	case b.queue <- item:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timer := time.NewTimer(b.submitTimeout)
	defer timer.Stop()

	select {
	case <-w.done:
		if w.err != nil {
			return nil, w.err
		}
		res := w.result
		return &res, nil
	case <-timer.C:
		// Cancel locally; the batcher may still complete this item later —
		// fan-out's sync.Once-guarded resolve makes that a silent no-op.
		w.resolve(Result{}, ErrSubmitTimeout)
		return nil, ErrSubmitTimeout
	case <-ctx.Done():
		w.resolve(Result{}, ctx.Err())
		return nil, ctx.Err()
	}
}

// decodeAllHits reports whether every cache entry is present and decodable;
// if so it returns the fully-hydrated Result and true.
func decodeAllHits(adapter providers.EmbeddingProvider, cached [][]byte) (*Result, bool) {
	vectors := make([][]float32, len(cached))
	for i, raw := range cached {
		if raw == nil {
			return nil, false
		}
		vec, err := decodeVector(raw)
		if err != nil {
			return nil, false
		}
		vectors[i] = vec
	}

	flags := make([]bool, len(cached))
	for i := range flags {
		flags[i] = true
	}

	return &Result{
		AdapterName:    adapter.Name(),
		AdapterVersion: adapter.Version(),
		Vectors:        vectors,
		Cached:         flags,
	}, true
}
