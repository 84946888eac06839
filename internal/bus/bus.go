// Package bus implements an append-only, consumer-group message bus on
// top of Redis Streams, grounded on the
// XGroupCreateMkStream/XReadGroup/XPendingExt/XClaim/XAck consumer-group
// pattern in
// other_examples/7b498625_tytsxai-exchange-platform...marketdata.go,
// and on go-redis/v9 itself which is present across the pack
// (other_examples/manifests/winson1234-Hedgetechs, DimaJoyti-go-coffee,
// sawpanic-cryptorun go.mod files).
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Topic names for each stream the pipeline publishes to.
const (
	TopicTrades             = "kalshi:trades"
	TopicTickerV2           = "kalshi:ticker_v2"
	TopicOrderbookDeltas    = "kalshi:orderbook:deltas"
	TopicOrderbookSnapshots = "kalshi:orderbook:snapshots"
	TopicLifecycle          = "kalshi:lifecycle"
	TopicEventLifecycle     = "kalshi:event_lifecycle"
	TopicSystem             = "kalshi:system"
	TopicSignalFlowToxicity = "kalshi:signals:flow_toxicity"
	TopicSignalOIDivergence = "kalshi:signals:oi_divergence"
	TopicSignalRegime       = "kalshi:signals:regime"
	TopicSignalCrossMarket  = "kalshi:signals:cross_market"
	TopicSignalLifecycle    = "kalshi:signals:lifecycle"
	TopicSignalAll          = "kalshi:signals:all"
	TopicSignalComposite    = "kalshi:signals:composite"
)

// defaultMaxLenMarketData is the soft cap for market-data topics, and
// defaultMaxLenSignals the cap for the lower-volume signal topics.
const (
	defaultMaxLenMarketData = 100_000
	defaultMaxLenSignals    = 10_000
)

var signalTopics = map[string]bool{
	TopicSignalFlowToxicity: true,
	TopicSignalOIDivergence: true,
	TopicSignalRegime:       true,
	TopicSignalCrossMarket:  true,
	TopicSignalLifecycle:    true,
	TopicSignalAll:          true,
	TopicSignalComposite:    true,
}

// Entry is one delivered bus message.
type Entry struct {
	ID   string
	Data []byte
}

// Handler processes one Entry. Returning an error leaves the entry
// unacknowledged so it is redelivered.
type Handler func(ctx context.Context, e Entry) error

// RedisClient is the subset of *redis.Client the bus needs. Narrowing to
// an interface (rather than depending on the concrete client directly)
// lets tests substitute a fake without a live Redis, the same shape as
// the RedisClient field in
// other_examples/7b498625_tytsxai-exchange-platform...marketdata.go.
type RedisClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XLen(ctx context.Context, stream string) *redis.IntCmd
	XPending(ctx context.Context, stream, group string) *redis.XPendingCmd
}

// Bus wraps a Redis client with the topic-log semantics the core needs.
type Bus struct {
	rdb RedisClient
}

// New wraps an already-constructed client; the process entry point owns
// the connection pool and its lifetime.
func New(rdb RedisClient) *Bus {
	return &Bus{rdb: rdb}
}

// Publish appends one entry to topic with a single "data" field holding
// the UTF-8 JSON payload, trimmed approximately to the topic's soft cap.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	maxLen := int64(defaultMaxLenMarketData)
	if signalTopics[topic] {
		maxLen = defaultMaxLenSignals
	}

	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("bus: publish to %s: %w", topic, err)
	}
	return id, nil
}

// ConsumerGroup reads one topic under a named group+consumer, tracking
// the pending-entries list (PEL) Redis Streams gives us natively.
type ConsumerGroup struct {
	bus      *Bus
	topic    string
	group    string
	consumer string
}

// NewConsumerGroup does not touch Redis; call EnsureGroup before reading.
func NewConsumerGroup(b *Bus, topic, group, consumer string) *ConsumerGroup {
	return &ConsumerGroup{bus: b, topic: topic, group: group, consumer: consumer}
}

// EnsureGroup creates the consumer group at position 0 with mkstream=true
// on first use. A BUSYGROUP error means it already exists and is not
// treated as a failure here.
func (c *ConsumerGroup) EnsureGroup(ctx context.Context) error {
	err := c.bus.rdb.XGroupCreateMkStream(ctx, c.topic, c.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("bus: create group %s on %s: %w", c.group, c.topic, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// ReplayPending drains this consumer's already-delivered-but-unacked
// entries in batches, oldest first, invoking handler and acking on
// success. Tombstones (entries with an empty "data" field, left by
// XTrim/XDel semantics) are skipped without invoking handler. Call this
// on startup before entering the live read loop.
func (c *ConsumerGroup) ReplayPending(ctx context.Context, batchSize int64, handler Handler) error {
	start := "0"
	for {
		msgs, err := c.bus.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.topic, start},
			Count:    batchSize,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return fmt.Errorf("bus: replay pending on %s: %w", c.topic, err)
		}
		if len(msgs) == 0 || len(msgs[0].Messages) == 0 {
			return nil
		}

		for _, m := range msgs[0].Messages {
			if err := c.dispatch(ctx, m, handler); err != nil {
				return err
			}
			start = m.ID
		}
	}
}

// Ack acknowledges one or more already-delivered entries on this group's
// topic. Batched writers call this directly once a flush they buffered
// those entries into has actually been persisted, instead of relying on
// dispatch's default ack-per-message.
func (c *ConsumerGroup) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.bus.rdb.XAck(ctx, c.topic, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("bus: ack %s/%s: %w", c.topic, c.group, err)
	}
	return nil
}

// dispatch converts one redis.XMessage into an Entry, skips tombstones,
// invokes handler, and acks on success only.
func (c *ConsumerGroup) dispatch(ctx context.Context, m redis.XMessage, handler Handler) error {
	raw, _ := m.Values["data"]
	data, _ := raw.(string)
	if data == "" {
		// Tombstone: ack and move on without invoking handler.
		return c.bus.rdb.XAck(ctx, c.topic, c.group, m.ID).Err()
	}

	if err := handler(ctx, Entry{ID: m.ID, Data: []byte(data)}); err != nil {
		// Do not ack; entry stays in the PEL for redelivery.
		return nil
	}

	return c.bus.rdb.XAck(ctx, c.topic, c.group, m.ID).Err()
}

// Run is the live-read loop: XREADGROUP ">" with a blocking read, invoking
// handler per message and acking each one individually on success. It
// runs until ctx is canceled.
func (c *ConsumerGroup) Run(ctx context.Context, batchSize int64, block time.Duration, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := c.bus.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.topic, ">"},
			Count:    batchSize,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			backoff := 1 * time.Second
			if isConnectionError(err) {
				backoff = 5 * time.Second
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}

		for _, stream := range msgs {
			for _, m := range stream.Messages {
				if derr := c.dispatch(ctx, m, handler); derr != nil {
					return derr
				}
			}
		}
	}
}

// StreamLength returns the total number of entries currently retained
// on topic (XLEN), used by HealthMonitor to report backlog size.
func (b *Bus) StreamLength(ctx context.Context, topic string) (int64, error) {
	n, err := b.rdb.XLen(ctx, topic).Result()
	if err != nil {
		return 0, fmt.Errorf("bus: xlen %s: %w", topic, err)
	}
	return n, nil
}

// PendingCount returns the number of entries in group's PEL for topic
// (XPENDING summary form), used to detect a stalled consumer.
func (b *Bus) PendingCount(ctx context.Context, topic, group string) (int64, error) {
	summary, err := b.rdb.XPending(ctx, topic, group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("bus: xpending %s/%s: %w", topic, group, err)
	}
	return summary.Count, nil
}

func isConnectionError(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
