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

// OrderbookDeltaWriter persists the orderbook_delta topic, batching like
// TradeWriter.
type OrderbookDeltaWriter struct {
	bus           *bus.Bus
	db            *db.Store
	batchSize     int
	flushInterval time.Duration
}

func NewOrderbookDeltaWriter(b *bus.Bus, store *db.Store, batchSize int, flushInterval time.Duration) *OrderbookDeltaWriter {
	return &OrderbookDeltaWriter{bus: b, db: store, batchSize: batchSize, flushInterval: flushInterval}
}

func (w *OrderbookDeltaWriter) Run(ctx context.Context) error {
	return runBatchedConsumer(ctx, w.bus, bus.TopicOrderbookDeltas, "writer_ob_deltas", "writer_ob_deltas-1", func(cg *bus.ConsumerGroup) bus.Handler {
		batch := newBatchFlusher(w.batchSize, func(ctx context.Context, rows []db.OrderbookDeltaRow) error {
			_, err := w.db.InsertOrderbookDeltas(ctx, rows)
			return err
		}, cg.Ack)
		go batch.loop(ctx, w.flushInterval)
		return func(ctx context.Context, e bus.Entry) error {
			return w.handle(ctx, e, batch)
		}
	})
}

func (w *OrderbookDeltaWriter) handle(ctx context.Context, e bus.Entry, batch *batchFlusher[db.OrderbookDeltaRow]) error {
	var d models.OrderbookDelta
	if err := json.Unmarshal(e.Data, &d); err != nil {
		slog.Warn("writer_ob_deltas: unmarshal failed, skipping", "err", err)
		return nil
	}
	if err := d.Validate(); err != nil {
		slog.Warn("writer_ob_deltas: invalid delta, skipping", "err", err)
		return nil
	}

	row := db.OrderbookDeltaRow{
		Ts:           d.Ts,
		MarketTicker: d.MarketTicker,
		Price:        d.Price,
		Delta:        d.Delta,
		Side:         string(d.Side),
		IsOwnOrder:   d.ClientOrderID != "",
	}
	batch.add(ctx, e.ID, row)
	return errBuffered
}

// OrderbookSnapshotWriter persists the orderbook_snapshot topic and runs
// a periodic task (cadence set by config.OrderbookSnapshotInterval)
// deriving a snapshot row (with computed spread and top-5 depth) from
// every currently-cached book in the StateStore.
type OrderbookSnapshotWriter struct {
	bus              *bus.Bus
	db               *db.Store
	store            *state.Store
	batchSize        int
	flushInterval    time.Duration
	snapshotInterval time.Duration
}

func NewOrderbookSnapshotWriter(b *bus.Bus, store *db.Store, stateStore *state.Store, batchSize int, flushInterval, snapshotInterval time.Duration) *OrderbookSnapshotWriter {
	return &OrderbookSnapshotWriter{
		bus: b, db: store, store: stateStore,
		batchSize: batchSize, flushInterval: flushInterval, snapshotInterval: snapshotInterval,
	}
}

func (w *OrderbookSnapshotWriter) Run(ctx context.Context) error {
	go w.derivedSnapshotLoop(ctx)
	return runBatchedConsumer(ctx, w.bus, bus.TopicOrderbookSnapshots, "writer_ob_snapshots", "writer_ob_snapshots-1", func(cg *bus.ConsumerGroup) bus.Handler {
		batch := newBatchFlusher(w.batchSize, func(ctx context.Context, rows []db.OrderbookSnapshotRow) error {
			_, err := w.db.InsertOrderbookSnapshots(ctx, rows)
			return err
		}, cg.Ack)
		go batch.loop(ctx, w.flushInterval)
		return func(ctx context.Context, e bus.Entry) error {
			return w.handle(ctx, e, batch)
		}
	})
}

func (w *OrderbookSnapshotWriter) handle(ctx context.Context, e bus.Entry, batch *batchFlusher[db.OrderbookSnapshotRow]) error {
	var snap models.OrderbookSnapshot
	if err := json.Unmarshal(e.Data, &snap); err != nil {
		slog.Warn("writer_ob_snapshots: unmarshal failed, skipping", "err", err)
		return nil
	}

	book := models.NewBookFromSnapshot(snap)
	row := snapshotRow(snap.Ts, book)
	batch.add(ctx, e.ID, row)
	return errBuffered
}

func (w *OrderbookSnapshotWriter) derivedSnapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(w.snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.writeDerivedSnapshots(ctx)
		}
	}
}

func (w *OrderbookSnapshotWriter) writeDerivedSnapshots(ctx context.Context) {
	tickers, err := w.store.AllOrderbookTickers(ctx)
	if err != nil {
		slog.Warn("writer_ob_snapshots: list tickers failed", "err", err)
		return
	}

	now := time.Now().Unix()
	rows := make([]db.OrderbookSnapshotRow, 0, len(tickers))
	for _, t := range tickers {
		book, err := w.store.GetBook(ctx, t)
		if err != nil || book == nil {
			continue
		}
		rows = append(rows, snapshotRow(now, book))
	}
	if len(rows) == 0 {
		return
	}
	if _, err := w.db.InsertOrderbookSnapshots(ctx, rows); err != nil {
		slog.Warn("writer_ob_snapshots: derived insert failed", "count", len(rows), "err", err)
	}
}

func snapshotRow(ts int64, book *models.Book) db.OrderbookSnapshotRow {
	snap := book.Snapshot()
	yesLevels, _ := json.Marshal(snap.Yes)
	noLevels, _ := json.Marshal(snap.No)

	row := db.OrderbookSnapshotRow{
		Ts:           ts,
		MarketTicker: book.MarketTicker,
		YesLevels:    yesLevels,
		NoLevels:     noLevels,
	}
	if spread, ok := book.Spread(); ok {
		row.Spread = &spread
	}
	yesDepth := book.DepthWithin(models.SideYes, 5)
	noDepth := book.DepthWithin(models.SideNo, 5)
	row.YesDepth5 = &yesDepth
	row.NoDepth5 = &noDepth
	return row
}
