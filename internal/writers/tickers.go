package writers

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/theokelly26/KASS/internal/bus"
	"github.com/theokelly26/KASS/internal/db"
	"github.com/theokelly26/KASS/internal/models"
)

// TickerWriter persists the ticker_v2 topic, batching like TradeWriter.
type TickerWriter struct {
	bus           *bus.Bus
	db            *db.Store
	batchSize     int
	flushInterval time.Duration
}

func NewTickerWriter(b *bus.Bus, store *db.Store, batchSize int, flushInterval time.Duration) *TickerWriter {
	return &TickerWriter{bus: b, db: store, batchSize: batchSize, flushInterval: flushInterval}
}

func (w *TickerWriter) Run(ctx context.Context) error {
	return runBatchedConsumer(ctx, w.bus, bus.TopicTickerV2, "writer_tickers", "writer_tickers-1", func(cg *bus.ConsumerGroup) bus.Handler {
		batch := newBatchFlusher(w.batchSize, func(ctx context.Context, rows []db.TickerUpdate) error {
			_, err := w.db.InsertTickerUpdates(ctx, rows)
			return err
		}, cg.Ack)
		go batch.loop(ctx, w.flushInterval)
		return func(ctx context.Context, e bus.Entry) error {
			return w.handle(ctx, e, batch)
		}
	})
}

func (w *TickerWriter) handle(ctx context.Context, e bus.Entry, batch *batchFlusher[db.TickerUpdate]) error {
	var t models.TickerUpdate
	if err := json.Unmarshal(e.Data, &t); err != nil {
		slog.Warn("writer_tickers: unmarshal failed, skipping", "err", err)
		return nil
	}

	row := db.TickerUpdate{
		Ts:                      t.Ts,
		MarketTicker:            t.MarketTicker,
		Price:                   t.Price,
		VolumeDelta:             t.VolumeDelta,
		OpenInterestDelta:       t.OpenInterestDelta,
		DollarVolumeDelta:       roundPtr(t.DollarVolumeDelta),
		DollarOpenInterestDelta: roundPtr(t.DollarOpenInterestDelta),
	}
	batch.add(ctx, e.ID, row)
	return errBuffered
}

func roundPtr(v *float64) *int64 {
	if v == nil {
		return nil
	}
	r := int64(*v)
	return &r
}
