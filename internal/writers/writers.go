// Package writers implements the one-goroutine-per-topic persistence
// stage: each Writer reads one bus topic under its own consumer group,
// parses each entry, and inserts it into the matching Postgres table
// with bounded retry. Grounded on
// other_examples/0ee1ee41_Projectsrxg-kalshi_v2__internal-writer-orderbook.go.go's
// batch-then-retry shape (a mutex-guarded row slice, size-triggered
// synchronous flush, and a ticker-driven periodic flush), generalized
// here over Go generics since every topic needs the identical shape
// around a different row type, and adapted to consumer-group ack
// semantics that orderbook-writer's non-PEL input buffer never had to
// consider.
package writers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/theokelly26/KASS/internal/bus"
)

// retryBackoff is the fixed 2s/4s/8s schedule every writer retries a
// failing insert on before giving up and leaving the entry unacked.
var retryBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// withRetry calls fn up to len(retryBackoff)+1 times, sleeping the
// matching backoff between attempts. Returns the last error, or ctx.Err()
// if ctx is done during a backoff.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= len(retryBackoff) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff[attempt]):
		}
	}
}

// runConsumer is the common EnsureGroup -> ReplayPending -> Run sequence
// every non-batching writer follows on its one input topic.
func runConsumer(ctx context.Context, b *bus.Bus, topic, group, consumer string, handle bus.Handler) error {
	cg := bus.NewConsumerGroup(b, topic, group, consumer)
	if err := cg.EnsureGroup(ctx); err != nil {
		return err
	}
	if err := cg.ReplayPending(ctx, 100, handle); err != nil {
		slog.Warn("writers: replay pending failed", "topic", topic, "err", err)
	}
	return cg.Run(ctx, 50, 5*time.Second, handle)
}

// runBatchedConsumer is runConsumer's counterpart for writers that
// accumulate rows before inserting: newHandler is given the bound
// ConsumerGroup so its handler can hand batched entries off to a
// batchFlusher that acks them itself once a flush actually persists.
func runBatchedConsumer(ctx context.Context, b *bus.Bus, topic, group, consumer string, newHandler func(cg *bus.ConsumerGroup) bus.Handler) error {
	cg := bus.NewConsumerGroup(b, topic, group, consumer)
	if err := cg.EnsureGroup(ctx); err != nil {
		return err
	}
	handle := newHandler(cg)
	if err := cg.ReplayPending(ctx, 100, handle); err != nil {
		slog.Warn("writers: replay pending failed", "topic", topic, "err", err)
	}
	return cg.Run(ctx, 50, 5*time.Second, handle)
}

// errBuffered is returned by a batching writer's handler for every entry
// it accepts, so dispatch never acks it through the normal per-message
// path; batchFlusher.flush acks the entry once its row is actually
// persisted.
var errBuffered = errors.New("writers: row buffered for batch flush")

// batchFlusher accumulates rows of one type under a mutex, flushing once
// the batch reaches batchSize (checked synchronously on every add) or
// when loop's ticker fires, whichever comes first. A flush inserts every
// buffered row in a single call and acks the bus entries that produced
// them only once that insert succeeds, so a crash between buffering and
// flushing leaves the entries pending for replay rather than silently
// dropped.
type batchFlusher[T any] struct {
	mu        sync.Mutex
	rows      []T
	ids       []string
	batchSize int
	insert    func(ctx context.Context, rows []T) error
	ack       func(ctx context.Context, ids ...string) error
}

func newBatchFlusher[T any](batchSize int, insert func(context.Context, []T) error, ack func(context.Context, ...string) error) *batchFlusher[T] {
	if batchSize < 1 {
		batchSize = 1
	}
	return &batchFlusher[T]{batchSize: batchSize, insert: insert, ack: ack}
}

// add buffers row under the bus entry id it came from, flushing
// immediately once the batch has reached batchSize.
func (f *batchFlusher[T]) add(ctx context.Context, id string, row T) {
	f.mu.Lock()
	f.rows = append(f.rows, row)
	f.ids = append(f.ids, id)
	full := len(f.rows) >= f.batchSize
	f.mu.Unlock()
	if full {
		f.flush(ctx)
	}
}

// flush drains whatever is currently buffered and inserts it in one
// call. On persistent failure (after withRetry's schedule) the rows are
// dropped from the in-memory buffer but their entries are left unacked,
// so they remain in the PEL for the next ReplayPending rather than
// being lost.
func (f *batchFlusher[T]) flush(ctx context.Context) {
	f.mu.Lock()
	rows, ids := f.rows, f.ids
	f.rows, f.ids = nil, nil
	f.mu.Unlock()

	if len(rows) == 0 {
		return
	}
	if err := withRetry(ctx, func() error { return f.insert(ctx, rows) }); err != nil {
		slog.Error("writers: batch insert failed after retries, leaving entries unacked", "count", len(rows), "err", err)
		return
	}
	if err := f.ack(ctx, ids...); err != nil {
		slog.Error("writers: ack after flush failed", "count", len(ids), "err", err)
	}
}

// loop flushes on flushInterval until ctx is canceled, with one final
// flush on the way out (against a fresh context, since ctx is already
// canceled by then) so nothing buffered is stranded at shutdown.
func (f *batchFlusher[T]) loop(ctx context.Context, flushInterval time.Duration) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.flush(context.Background())
			return
		case <-ticker.C:
			f.flush(ctx)
		}
	}
}
