package batcher

import (
	"context"
	"log/slog"
	"sort"

	"github.com/nulpointcorp/llm-gateway/internal/fingerprint"
)

// origin records, for one flat-array position, which job and which position
// within that job's own input list it came from — the sole link fan-out
// uses to scatter results back to waiters.
type origin struct {
	item     *workItem
	position int
}

// processBatch is Result Fan-out (C7): flatten, re-probe the cache, dedupe
// the distinct misses, call the adapter once for them, write through, then
// partition back to each waiter in its original per-request order.
func (b *Batcher) processBatch(ctx context.Context, batch []*workItem) {
	adapter := batch[0].adapter

	flat := make([]string, 0)
	origins := make([]origin, 0)
	for _, item := range batch {
		for pos, text := range item.inputs {
			flat = append(flat, text)
			origins = append(origins, origin{item: item, position: pos})
		}
	}

	keys := make([]string, len(flat))
	for i, text := range flat {
		keys[i] = fingerprint.Of(adapter.Name(), adapter.Version(), text)
	}

	cached, err := b.cache.MultiGet(ctx, keys)
	if err != nil {
		if b.log != nil {
			b.log.Warn("batcher: fan-out cache multi-get failed, degrading to all-miss", slog.String("error", err.Error()))
		}
		cached = make([][]byte, len(keys))
	}

	vectors := make([][]float32, len(flat))
	cachedFlags := make([]bool, len(flat))

	// Dedup: group cache misses by fingerprint so the adapter is called at
	// most once per distinct missing text, not once per occurrence
	// (testable property #5) — common under concurrent identical requests.
	var missOrder []string
	missText := make(map[string]string)
	missFlatIndices := make(map[string][]int)
	hits := 0

	for i, raw := range cached {
		if raw != nil {
			if vec, decErr := decodeVector(raw); decErr == nil {
				vectors[i] = vec
				cachedFlags[i] = true
				hits++
				continue
			}
			// malformed cache entry: fall through and treat as a miss.
		}

		key := keys[i]
		if _, seen := missText[key]; !seen {
			missOrder = append(missOrder, key)
			missText[key] = flat[i]
		}
		missFlatIndices[key] = append(missFlatIndices[key], i)
	}

	b.rec.ObserveCacheLookup(hits, len(flat)-hits)
	b.rec.ObserveDedupSavings(len(flat)-hits, len(missOrder))

	if len(missOrder) > 0 {
		distinctMissTexts := make([]string, len(missOrder))
		for i, key := range missOrder {
			distinctMissTexts[i] = missText[key]
		}

		computed, callErr := adapter.EmbedBatch(ctx, distinctMissTexts)
		if callErr != nil {
			b.failAll(batch, callErr)
			return
		}
		if len(computed) != len(distinctMissTexts) {
			b.failAll(batch, ErrLengthMismatch)
			return
		}

		for i, key := range missOrder {
			vec := computed[i]
			for _, flatIdx := range missFlatIndices[key] {
				vectors[flatIdx] = vec
			}
			if setErr := b.cache.Set(ctx, key, mustEncode(vec), CacheTTL); setErr != nil && b.log != nil {
				b.log.Warn("batcher: cache write failed", slog.String("error", setErr.Error()))
			}
		}
	}

	b.scatter(batch, origins, vectors, cachedFlags, adapter.Name(), adapter.Version())
}

// mustEncode encodes a vector for cache storage. Encoding a []float32 with
// encoding/json cannot fail.
func mustEncode(v []float32) []byte {
	out, _ := encodeVector(v)
	return out
}

// scatter partitions (vectors, cachedFlags) by job, sorts each partition by
// its original position, and resolves each waiter exactly once.
func (b *Batcher) scatter(batch []*workItem, origins []origin, vectors [][]float32, cachedFlags []bool, name, version string) {
	type entry struct {
		position int
		vector   []float32
		cached   bool
	}
	byJob := make(map[*workItem][]entry, len(batch))

	for i, o := range origins {
		byJob[o.item] = append(byJob[o.item], entry{position: o.position, vector: vectors[i], cached: cachedFlags[i]})
	}

	for _, item := range batch {
		entries := byJob[item]
		sort.Slice(entries, func(i, j int) bool { return entries[i].position < entries[j].position })

		resVectors := make([][]float32, len(entries))
		resCached := make([]bool, len(entries))
		for i, e := range entries {
			resVectors[i] = e.vector
			resCached[i] = e.cached
		}

		item.waiter.resolve(Result{
			AdapterName:    name,
			AdapterVersion: version,
			Vectors:        resVectors,
			Cached:         resCached,
		}, nil)
	}
}

// failAll resolves every waiter in the batch with the same error —
// error fan-out (testable property #8). The loop continues to its next
// cycle regardless.
func (b *Batcher) failAll(batch []*workItem, err error) {
	for _, item := range batch {
		item.waiter.resolve(Result{}, err)
	}
}
