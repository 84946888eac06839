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

// TradeWriter persists the trades topic, idempotent on trade_id,
// batching up to batchSize rows or flushing every flushInterval,
// whichever comes first (TRADE_WRITER_BATCH_SIZE/TRADE_WRITER_FLUSH_INTERVAL).
type TradeWriter struct {
	bus           *bus.Bus
	db            *db.Store
	batchSize     int
	flushInterval time.Duration
}

func NewTradeWriter(b *bus.Bus, store *db.Store, batchSize int, flushInterval time.Duration) *TradeWriter {
	return &TradeWriter{bus: b, db: store, batchSize: batchSize, flushInterval: flushInterval}
}

func (w *TradeWriter) Run(ctx context.Context) error {
	return runBatchedConsumer(ctx, w.bus, bus.TopicTrades, "writer_trades", "writer_trades-1", func(cg *bus.ConsumerGroup) bus.Handler {
		batch := newBatchFlusher(w.batchSize, func(ctx context.Context, rows []db.Trade) error {
			_, err := w.db.InsertTrades(ctx, rows)
			return err
		}, cg.Ack)
		go batch.loop(ctx, w.flushInterval)
		return func(ctx context.Context, e bus.Entry) error {
			return w.handle(ctx, e, batch)
		}
	})
}

func (w *TradeWriter) handle(ctx context.Context, e bus.Entry, batch *batchFlusher[db.Trade]) error {
	var t models.Trade
	if err := json.Unmarshal(e.Data, &t); err != nil {
		slog.Warn("writer_trades: unmarshal failed, skipping", "err", err)
		return nil
	}
	if err := t.Validate(); err != nil {
		slog.Warn("writer_trades: invalid trade, skipping", "err", err)
		return nil
	}

	row := db.Trade{
		Ts:           t.Ts,
		TradeID:      t.TradeID,
		MarketTicker: t.MarketTicker,
		YesPrice:     t.YesPrice,
		NoPrice:      t.NoPrice,
		Count:        t.Count,
		TakerSide:    string(t.TakerSide),
	}
	batch.add(ctx, e.ID, row)
	return errBuffered
}
