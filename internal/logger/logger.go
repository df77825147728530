// Package logger implements a non-blocking, batched request logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the proxy hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

type RequestLog struct {
	ID           uuid.UUID
	Provider     string
	Model        string
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint16
	Status       uint16
	Cached       bool
	CreatedAt    time.Time
}

// sink receives a flushed batch of request logs. slogSink (the default) and
// clickhouseSink are the two implementations; both are called only from the
// single run() goroutine, so neither needs internal locking.
type sink interface {
	write(ctx context.Context, batch []RequestLog)
	Close() error
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	sink    sink
}

// Option configures optional Logger behaviour.
type Option func(*Logger) error

// WithClickHouseDSN redirects the flush target from slog records to batched
// ClickHouse INSERTs against a `request_log` table. Opens and pings the
// connection eagerly so misconfiguration fails at startup, not on first flush.
func WithClickHouseDSN(dsn string) Option {
	return func(l *Logger) error {
		if dsn == "" {
			return nil
		}
		conn, err := clickhouse.Open(&clickhouse.Options{Addr: []string{dsn}})
		if err != nil {
			return fmt.Errorf("logger: clickhouse open: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(l.baseCtx, 5*time.Second)
		defer cancel()
		if err := conn.Ping(pingCtx); err != nil {
			return fmt.Errorf("logger: clickhouse ping: %w", err)
		}
		l.sink = &clickhouseSink{conn: conn, log: l.log}
		return nil
	}
}

func New(ctx context.Context, slogger *slog.Logger, opts ...Option) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		sink:    &slogSink{log: slogger},
	}

	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return l.sink.Close()
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		l.sink.write(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// slogSink is the default flush target: one structured log record per entry.
type slogSink struct{ log *slog.Logger }

func (s *slogSink) write(ctx context.Context, batch []RequestLog) {
	for _, e := range batch {
		s.log.InfoContext(ctx, "request",
			slog.String("id", e.ID.String()),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Bool("cached", e.Cached),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
}

func (s *slogSink) Close() error { return nil }

// clickhouseSink batch-inserts request logs into a `request_log` table.
// A failed insert is logged and the batch is dropped — never blocks or
// retries, matching the fire-and-forget contract the rest of the logger
// already makes to its callers.
type clickhouseSink struct {
	conn clickhouse.Conn
	log  *slog.Logger
}

func (s *clickhouseSink) write(ctx context.Context, batch []RequestLog) {
	insert, err := s.conn.PrepareBatch(ctx, "INSERT INTO request_log "+
		"(id, provider, model, input_tokens, output_tokens, latency_ms, status, cached, created_at)")
	if err != nil {
		s.log.ErrorContext(ctx, "clickhouse prepare batch failed", slog.String("error", err.Error()))
		return
	}
	for _, e := range batch {
		if err := insert.Append(
			e.ID, e.Provider, e.Model, e.InputTokens, e.OutputTokens,
			e.LatencyMs, e.Status, e.Cached, normalizeTime(e.CreatedAt),
		); err != nil {
			s.log.ErrorContext(ctx, "clickhouse append failed", slog.String("error", err.Error()))
			return
		}
	}
	if err := insert.Send(); err != nil {
		s.log.ErrorContext(ctx, "clickhouse batch insert failed", slog.String("error", err.Error()))
	}
}

func (s *clickhouseSink) Close() error {
	return s.conn.Close()
}
