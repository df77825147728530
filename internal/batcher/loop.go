package batcher

import (
	"context"
	"log/slog"
	"time"
)

// Run is the Batcher Loop (C6): one long-lived task that drains the queue
// into size/time-bounded batches, one adapter identity per batch, and
// dispatches each to fan-out. It returns when ctx is cancelled, having
// drained the queue and failed any remaining waiters with ErrShutdown.
//
// Run must be started exactly once, by the composition root — see
// DESIGN NOTES §9 in SPEC_FULL.md for why the reference implementation's
// two start sites were a bug, not a feature.
func (b *Batcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			b.drain(ErrShutdown)
			return ctx.Err()
		default:
		}

		batch, ok := b.nextBatch(ctx)
		if !ok {
			b.drain(ErrShutdown)
			return ctx.Err()
		}
		if len(batch) == 0 {
			continue
		}

		b.rec.ObserveBatchSize(len(batch))
		b.pool.Go(func() { b.processBatch(ctx, batch) })
	}
}

// nextBatch blocks for a head item, then grows the batch under the
// max_batch/max_batch_wait bounds, pushing an adapter-mismatched item into
// the lookahead buffer to start the next batch.
func (b *Batcher) nextBatch(ctx context.Context) ([]*workItem, bool) {
	head, ok := b.takeHead(ctx)
	if !ok {
		return nil, false
	}

	batch := []*workItem{head}
	identity := adapterIdentity(head.adapter)
	t0 := time.Now()

	for len(batch) < b.maxBatch {
		remaining := b.maxBatchWait - time.Since(t0)
		if remaining <= 0 {
			break
		}

		timer := time.NewTimer(remaining)
		select {
		case item := <-b.queue:
			timer.Stop()
			if adapterIdentity(item.adapter) != identity {
				b.lookahead = item
				b.rec.ObserveBatchWait(time.Since(t0))
				return batch, true
			}
			batch = append(batch, item)
		case <-timer.C:
			b.rec.ObserveBatchWait(time.Since(t0))
			return batch, true
		case <-ctx.Done():
			timer.Stop()
			return batch, true
		}
	}

	b.rec.ObserveBatchWait(time.Since(t0))
	return batch, true
}

func (b *Batcher) takeHead(ctx context.Context) (*workItem, bool) {
	if b.lookahead != nil {
		item := b.lookahead
		b.lookahead = nil
		return item, true
	}
	select {
	case item := <-b.queue:
		return item, true
	case <-ctx.Done():
		return nil, false
	}
}

// drain fails every item still waiting — the lookahead buffer and whatever
// remains in the queue — with err, without blocking.
func (b *Batcher) drain(err error) {
	if b.lookahead != nil {
		b.lookahead.waiter.resolve(Result{}, err)
		b.lookahead = nil
	}
	for {
		select {
		case item := <-b.queue:
			item.waiter.resolve(Result{}, err)
		default:
			if b.log != nil {
				b.log.Info("batcher: shutdown drain complete")
			}
			return
		}
	}
}
