// Package signals implements the five stateful SignalProcessors and the
// Runner that wires each one to its input topics and output topic(s) via
// the message bus.
//
// Common frame grounded on spec.md §4.6: each processor consumes one or
// more topics through a consumer group, keeps a per-market in-memory
// state object, and emits zero or more Signals per message, published
// both to its own topic and to the fan-in kalshi:signals:all topic. The
// one-reader-per-topic-into-a-bounded-queue shape follows spec.md §9's
// explicit re-architecture note ("ad-hoc multi-topic fan-in... one
// reader task per topic feeding a single per-processor queue").
package signals

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/theokelly26/KASS/internal/bus"
	"github.com/theokelly26/KASS/internal/models"
)

// Processor is the capability every concrete signal processor satisfies.
type Processor interface {
	Name() string
	InputTopics() []string
	OutputTopic() string
	// Process handles one message from one of InputTopics and returns the
	// signals it emits, if any. now is passed in rather than read from
	// time.Now() so tests can drive deterministic clocks.
	Process(ctx context.Context, topic string, payload []byte, now time.Time) ([]models.Signal, error)
}

type workItem struct {
	topic   string
	payload []byte
	done    chan error
}

// Runner fans in every input topic of one Processor into a single
// bounded queue drained by one worker goroutine, so the processor's
// per-market state never needs its own locking.
type Runner struct {
	bus   *bus.Bus
	proc  Processor
	group string
	queue chan workItem
}

// NewRunner constructs a Runner. queueSize bounds the fan-in queue;
// a full queue blocks the topic readers, providing back-pressure.
func NewRunner(b *bus.Bus, proc Processor, queueSize int) *Runner {
	return &Runner{
		bus:   b,
		proc:  proc,
		group: proc.Name() + "_processor",
		queue: make(chan workItem, queueSize),
	}
}

// Run ensures each input topic's consumer group exists, replays any
// pending entries left from a prior run, then enters the live read loop
// on every topic concurrently while a single worker drains the queue.
func (r *Runner) Run(ctx context.Context) error {
	consumer := r.proc.Name() + "-1"
	topics := r.proc.InputTopics()

	groups := make([]*bus.ConsumerGroup, len(topics))
	for i, topic := range topics {
		cg := bus.NewConsumerGroup(r.bus, topic, r.group, consumer)
		if err := cg.EnsureGroup(ctx); err != nil {
			return err
		}
		groups[i] = cg
	}

	for i, topic := range topics {
		if err := groups[i].ReplayPending(ctx, 100, r.handle(topic)); err != nil {
			slog.Warn("signals: replay pending failed", "processor", r.proc.Name(), "topic", topic, "err", err)
		}
	}

	go r.worker(ctx)

	errCh := make(chan error, len(topics))
	for i, topic := range topics {
		i, topic := i, topic
		go func() {
			errCh <- groups[i].Run(ctx, 50, 5*time.Second, r.handle(topic))
		}()
	}

	var firstErr error
	for range topics {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Runner) handle(topic string) bus.Handler {
	return func(ctx context.Context, e bus.Entry) error {
		item := workItem{topic: topic, payload: e.Data, done: make(chan error, 1)}
		select {
		case r.queue <- item:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case err := <-item.done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// worker is the single goroutine that actually calls Process, so every
// concrete processor's per-market maps are touched from one goroutine
// only and need no mutex.
func (r *Runner) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-r.queue:
			sigs, err := r.proc.Process(ctx, item.topic, item.payload, time.Now())
			if err != nil {
				// Parse/validation failures are logged and skipped (acked)
				// rather than propagated, to avoid poison-pill loops.
				slog.Warn("signals: process error", "processor", r.proc.Name(), "topic", item.topic, "err", err)
				item.done <- nil
				continue
			}
			for _, sig := range sigs {
				r.publish(ctx, sig)
			}
			item.done <- nil
		}
	}
}

func (r *Runner) publish(ctx context.Context, sig models.Signal) {
	data, err := json.Marshal(sig)
	if err != nil {
		slog.Error("signals: marshal signal failed", "signal_type", sig.SignalType, "err", err)
		return
	}
	if _, err := r.bus.Publish(ctx, r.proc.OutputTopic(), data); err != nil {
		slog.Error("signals: publish failed", "topic", r.proc.OutputTopic(), "err", err)
	}
	if _, err := r.bus.Publish(ctx, bus.TopicSignalAll, data); err != nil {
		slog.Error("signals: publish to signals:all failed", "err", err)
	}
}
