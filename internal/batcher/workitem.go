package batcher

import (
	"sync"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// workItem is one job's inputs bound to one adapter and one waiter — the
// unit carried by the queue from submitter to dispatch loop.
type workItem struct {
	jobID   string
	adapter providers.EmbeddingProvider
	inputs  []string
	waiter  *waiter
}

// waiter is a one-shot completion handle. It is resolved exactly once; a
// second resolve (e.g. a submit-timeout racing a late fan-out) is a no-op,
// not a double-send, because sync.Once guards the write.
type waiter struct {
	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

func newWaiter() *waiter {
	return &waiter{done: make(chan struct{})}
}

func (w *waiter) resolve(res Result, err error) {
	w.once.Do(func() {
		w.result = res
		w.err = err
		close(w.done)
	})
}
