// Package batcher coalesces concurrent embedding requests into
// provider-sized batches, deduplicates work through a content-addressed
// cache, and fans results back to the originating callers.
//
// This is the system's defining engineering content: a direct port of the
// reference EmbedBatcher (original_source/tensor/app/services/batcher.py)
// from asyncio Futures/Queues onto Go channels and sync.Once-guarded
// waiters.
package batcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// Defaults, overridable via internal/config (TENSOR_MAX_BATCH,
// TENSOR_BATCH_WAIT_MS).
const (
	DefaultMaxBatch      = 64
	DefaultMaxBatchWait  = 25 * time.Millisecond
	DefaultSubmitTimeout = 30 * time.Second
	CacheTTL             = 30 * 24 * time.Hour

	// queueCapacity bounds the buffered channel. The system is logically
	// bounded only by memory; a large fixed capacity approximates that
	// without an unbounded allocation on every submit.
	queueCapacity = 16384
)

var (
	// ErrSubmitTimeout is returned by Submit when the 30s waiter deadline
	// elapses before the batcher resolves it. The batch itself is
	// unaffected — the result, if it arrives later, is discarded by fan-out.
	ErrSubmitTimeout = errors.New("batcher: submit timeout waiting for batch result")

	// ErrShutdown is returned to every waiter still queued when the
	// batcher loop stops.
	ErrShutdown = errors.New("batcher: shutting down")

	// ErrLengthMismatch is surfaced when an adapter's embed-batch call
	// returns a different number of vectors than requested.
	ErrLengthMismatch = errors.New("batcher: adapter returned a different number of vectors than requested")
)

// Result is what a submitter receives: one vector and one cache-hit flag
// per input, positionally aligned with the request.
type Result struct {
	AdapterName    string
	AdapterVersion string
	Vectors        [][]float32
	Cached         []bool
}

// Recorder receives batcher telemetry. Implementations must be safe for
// concurrent use and must not block: fan-out calls them from worker-pool
// goroutines, and Submit calls ObserveCacheLookup from caller goroutines.
type Recorder interface {
	ObserveBatchSize(n int)
	ObserveBatchWait(d time.Duration)
	ObserveDedupSavings(flat, distinct int)
	ObserveCacheLookup(hits, misses int)
}

type noopRecorder struct{}

func (noopRecorder) ObserveBatchSize(int)           {}
func (noopRecorder) ObserveBatchWait(time.Duration) {}
func (noopRecorder) ObserveDedupSavings(int, int)   {}
func (noopRecorder) ObserveCacheLookup(int, int)    {}

// Batcher is the single long-lived dispatcher described in SPEC_FULL.md
// §4.5–4.7. One Batcher is constructed per process; its Run method is the
// one and only goroutine that forms batches, handing each off to the
// bounded worker pool so a slow provider call never delays the next batch.
type Batcher struct {
	cache cache.Cache
	log   *slog.Logger
	rec   Recorder

	maxBatch      int
	maxBatchWait  time.Duration
	submitTimeout time.Duration

	queue chan *workItem

	// lookahead holds a prefetched item of a different adapter identity,
	// read back at the start of the next dispatch cycle. Owned exclusively
	// by the Run goroutine — Go channels have no peek/push-back, so this
	// single-element buffer plays that role (DESIGN NOTES §9).
	lookahead *workItem

	// pool bounds how many fan-out calls (each blocking on a provider SDK
	// call) run concurrently, so a slow upstream never stalls formation of
	// the next batch — only the dispatch decision itself is single-threaded.
	pool *providers.WorkerPool
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithMaxBatch overrides the maximum number of work items per dispatch.
func WithMaxBatch(n int) Option {
	return func(b *Batcher) {
		if n > 0 {
			b.maxBatch = n
		}
	}
}

// WithMaxBatchWait overrides the batch-formation time bound.
func WithMaxBatchWait(d time.Duration) Option {
	return func(b *Batcher) {
		if d > 0 {
			b.maxBatchWait = d
		}
	}
}

// WithSubmitTimeout overrides the submitter's completion deadline.
func WithSubmitTimeout(d time.Duration) Option {
	return func(b *Batcher) {
		if d > 0 {
			b.submitTimeout = d
		}
	}
}

// WithRecorder attaches a telemetry sink.
func WithRecorder(r Recorder) Option {
	return func(b *Batcher) {
		if r != nil {
			b.rec = r
		}
	}
}

// WithWorkerPoolSize overrides the number of fan-out calls that may run
// concurrently. Non-positive values fall back to runtime.GOMAXPROCS(0).
func WithWorkerPoolSize(n int) Option {
	return func(b *Batcher) {
		b.pool = providers.NewWorkerPool(n)
	}
}

// New constructs a Batcher. Its Run method must be started exactly once by
// the composition root (internal/app) — the one explicit start site
// resolving the reference implementation's double-start ambiguity
// (DESIGN NOTES §9 Open Questions).
func New(c cache.Cache, log *slog.Logger, opts ...Option) *Batcher {
	b := &Batcher{
		cache:         c,
		log:           log,
		rec:           noopRecorder{},
		maxBatch:      DefaultMaxBatch,
		maxBatchWait:  DefaultMaxBatchWait,
		submitTimeout: DefaultSubmitTimeout,
		queue:         make(chan *workItem, queueCapacity),
		pool:          providers.NewWorkerPool(0),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// adapterIdentity is the batch-homogeneity key: two work items belong to the
// same batch only when both their adapter name and version match (testable
// property #4).
func adapterIdentity(p providers.EmbeddingProvider) string {
	return p.Name() + "\x00" + p.Version()
}

func newJobID() string {
	return uuid.NewString()
}
