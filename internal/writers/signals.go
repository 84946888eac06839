package writers

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/theokelly26/KASS/internal/bus"
	"github.com/theokelly26/KASS/internal/db"
	"github.com/theokelly26/KASS/internal/models"
	"github.com/theokelly26/KASS/internal/state"
)

// MetaReader is the subset of *state.Store the signal/composite writers
// need to attach event/series tickers to a log row.
type MetaReader interface {
	GetMarketMeta(ctx context.Context, ticker string) (models.KalshiMarket, bool, error)
}

// SignalLogWriter persists every emitted signal (kalshi:signals:all) to
// signal_log, idempotent on signal_id, batching like TradeWriter.
type SignalLogWriter struct {
	bus           *bus.Bus
	db            *db.Store
	meta          MetaReader
	batchSize     int
	flushInterval time.Duration
}

func NewSignalLogWriter(b *bus.Bus, store *db.Store, meta MetaReader, batchSize int, flushInterval time.Duration) *SignalLogWriter {
	return &SignalLogWriter{bus: b, db: store, meta: meta, batchSize: batchSize, flushInterval: flushInterval}
}

func (w *SignalLogWriter) Run(ctx context.Context) error {
	return runBatchedConsumer(ctx, w.bus, bus.TopicSignalAll, "writer_signal_log", "writer_signal_log-1", func(cg *bus.ConsumerGroup) bus.Handler {
		batch := newBatchFlusher(w.batchSize, func(ctx context.Context, rows []db.SignalLogRow) error {
			_, err := w.db.InsertSignalLog(ctx, rows)
			return err
		}, cg.Ack)
		go batch.loop(ctx, w.flushInterval)
		return func(ctx context.Context, e bus.Entry) error {
			return w.handle(ctx, e, batch)
		}
	})
}

func (w *SignalLogWriter) handle(ctx context.Context, e bus.Entry, batch *batchFlusher[db.SignalLogRow]) error {
	var sig models.Signal
	if err := json.Unmarshal(e.Data, &sig); err != nil {
		slog.Warn("writer_signal_log: unmarshal failed, skipping", "err", err)
		return nil
	}
	if err := sig.Validate(); err != nil {
		slog.Warn("writer_signal_log: invalid signal, skipping", "err", err)
		return nil
	}

	metadata, _ := json.Marshal(sig.Metadata)
	expiredAt := sig.Ts + sig.TTLSeconds

	eventTicker, seriesTicker := "", ""
	if km, ok, err := w.meta.GetMarketMeta(ctx, sig.MarketTicker); err == nil && ok {
		eventTicker, seriesTicker = km.EventTicker, km.SeriesTicker
	}

	row := db.SignalLogRow{
		Ts:           sig.Ts,
		SignalID:     sig.SignalID,
		SignalType:   string(sig.SignalType),
		MarketTicker: sig.MarketTicker,
		EventTicker:  eventTicker,
		SeriesTicker: seriesTicker,
		Direction:    string(sig.Direction),
		Strength:     sig.Strength,
		Confidence:   sig.Confidence,
		Urgency:      string(sig.Urgency),
		Metadata:     metadata,
		TTLSeconds:   sig.TTLSeconds,
		ExpiredAt:    &expiredAt,
	}
	batch.add(ctx, e.ID, row)
	return errBuffered
}

// CompositeLogWriter persists kalshi:signals:composite to composite_log,
// batching like TradeWriter.
type CompositeLogWriter struct {
	bus           *bus.Bus
	db            *db.Store
	meta          MetaReader
	batchSize     int
	flushInterval time.Duration
}

func NewCompositeLogWriter(b *bus.Bus, store *db.Store, meta MetaReader, batchSize int, flushInterval time.Duration) *CompositeLogWriter {
	return &CompositeLogWriter{bus: b, db: store, meta: meta, batchSize: batchSize, flushInterval: flushInterval}
}

func (w *CompositeLogWriter) Run(ctx context.Context) error {
	return runBatchedConsumer(ctx, w.bus, bus.TopicSignalComposite, "writer_composite_log", "writer_composite_log-1", func(cg *bus.ConsumerGroup) bus.Handler {
		batch := newBatchFlusher(w.batchSize, func(ctx context.Context, rows []db.CompositeLogRow) error {
			_, err := w.db.InsertCompositeLog(ctx, rows)
			return err
		}, cg.Ack)
		go batch.loop(ctx, w.flushInterval)
		return func(ctx context.Context, e bus.Entry) error {
			return w.handle(ctx, e, batch)
		}
	})
}

func (w *CompositeLogWriter) handle(ctx context.Context, e bus.Entry, batch *batchFlusher[db.CompositeLogRow]) error {
	var cs models.CompositeSignal
	if err := json.Unmarshal(e.Data, &cs); err != nil {
		slog.Warn("writer_composite_log: unmarshal failed, skipping", "err", err)
		return nil
	}
	if err := cs.Validate(); err != nil {
		slog.Warn("writer_composite_log: invalid composite, skipping", "err", err)
		return nil
	}

	ids, _ := json.Marshal(cs.ContributingSignals)
	eventTicker, seriesTicker := "", ""
	if km, ok, err := w.meta.GetMarketMeta(ctx, cs.MarketTicker); err == nil && ok {
		eventTicker, seriesTicker = km.EventTicker, km.SeriesTicker
	}

	row := db.CompositeLogRow{
		Ts:                cs.Ts,
		MarketTicker:      cs.MarketTicker,
		EventTicker:       eventTicker,
		SeriesTicker:      seriesTicker,
		Direction:         string(cs.Direction),
		CompositeScore:    cs.CompositeScore,
		Regime:            string(cs.Regime),
		ActiveSignalCount: len(cs.ContributingSignals),
		ActiveSignalIDs:   ids,
	}
	batch.add(ctx, e.ID, row)
	return errBuffered
}

// RegimeLogWriter persists kalshi:signals:regime (regime_change signals)
// to regime_log, enriched with the live rate/imbalance snapshot, batching
// like TradeWriter.
type RegimeLogWriter struct {
	bus           *bus.Bus
	db            *db.Store
	store         *state.Store
	batchSize     int
	flushInterval time.Duration
}

func NewRegimeLogWriter(b *bus.Bus, store *db.Store, stateStore *state.Store, batchSize int, flushInterval time.Duration) *RegimeLogWriter {
	return &RegimeLogWriter{bus: b, db: store, store: stateStore, batchSize: batchSize, flushInterval: flushInterval}
}

func (w *RegimeLogWriter) Run(ctx context.Context) error {
	return runBatchedConsumer(ctx, w.bus, bus.TopicSignalRegime, "writer_regime_log", "writer_regime_log-1", func(cg *bus.ConsumerGroup) bus.Handler {
		batch := newBatchFlusher(w.batchSize, func(ctx context.Context, rows []db.RegimeLogRow) error {
			_, err := w.db.InsertRegimeLog(ctx, rows)
			return err
		}, cg.Ack)
		go batch.loop(ctx, w.flushInterval)
		return func(ctx context.Context, e bus.Entry) error {
			return w.handle(ctx, e, batch)
		}
	})
}

func (w *RegimeLogWriter) handle(ctx context.Context, e bus.Entry, batch *batchFlusher[db.RegimeLogRow]) error {
	var sig models.Signal
	if err := json.Unmarshal(e.Data, &sig); err != nil {
		slog.Warn("writer_regime_log: unmarshal failed, skipping", "err", err)
		return nil
	}

	from, _ := sig.Metadata["from"].(string)
	to, _ := sig.Metadata["to"].(string)
	if to == "" {
		to = from
	}

	row := db.RegimeLogRow{
		Ts:           sig.Ts,
		MarketTicker: sig.MarketTicker,
		OldRegime:    from,
		NewRegime:    to,
	}
	if summary, err := w.store.GetRegime(ctx, sig.MarketTicker); err == nil {
		row.TradeRate = summary.TradeRate
		row.MessageRate = summary.MessageRate
		row.DepthImbalance = summary.DepthImbalance
	}

	batch.add(ctx, e.ID, row)
	return errBuffered
}
