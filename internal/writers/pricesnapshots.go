package writers

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/theokelly26/KASS/internal/bus"
	"github.com/theokelly26/KASS/internal/db"
	"github.com/theokelly26/KASS/internal/models"
	"github.com/theokelly26/KASS/internal/state"
)

const (
	priceSnapshotInterval = 30 * time.Second
	priceSnapshotLookback = 4 * time.Hour
)

// ActiveTickerLister is the subset of *db.Store the snapshot service
// needs to pick its candidate markets.
type ActiveTickerLister interface {
	ActiveTickers(ctx context.Context, sinceTs int64) ([]string, error)
	LatestTradePrice(ctx context.Context, ticker string) (int, bool, error)
	InsertPriceSnapshots(ctx context.Context, rows []db.PriceSnapshotRow) (int, error)
}

// tickerState is the running ticker-derived figures PriceSnapshotWriter
// keeps per market: last absolute price plus cumulative volume/open
// interest reconstructed from ticker_v2's signed deltas.
type tickerState struct {
	price        *int
	volume       int64
	openInterest int64
}

// PriceSnapshotWriter is the degrading price_snapshots service: every
// 30s it snapshots every market with recent trade activity, preferring
// the live ticker price, falling back to the orderbook midpoint, falling
// back to the last trade on record.
//
// Grounded on src/monitoring/price_snapshots.py's PriceSnapshotService
// (ticker-cache -> orderbook-state -> DB-fallback build order, 30s
// cadence, 4h active-ticker window, 3-retry flush), reimplemented over
// the ticker_v2/orderbook bus topics and StateStore this pipeline uses
// in place of the original's single Redis JSON blob per market.
type PriceSnapshotWriter struct {
	bus   *bus.Bus
	db    ActiveTickerLister
	store *state.Store

	mu      sync.Mutex
	tickers map[string]*tickerState
}

func NewPriceSnapshotWriter(b *bus.Bus, store ActiveTickerLister, stateStore *state.Store) *PriceSnapshotWriter {
	return &PriceSnapshotWriter{bus: b, db: store, store: stateStore, tickers: make(map[string]*tickerState)}
}

// Run consumes ticker_v2 to maintain the in-memory price/volume/OI cache
// and runs the periodic snapshot loop alongside it.
func (w *PriceSnapshotWriter) Run(ctx context.Context) error {
	go w.snapshotLoop(ctx)
	return runConsumer(ctx, w.bus, bus.TopicTickerV2, "writer_price_snapshots", "writer_price_snapshots-1", w.handle)
}

func (w *PriceSnapshotWriter) handle(ctx context.Context, e bus.Entry) error {
	var t models.TickerUpdate
	if err := json.Unmarshal(e.Data, &t); err != nil {
		slog.Warn("writer_price_snapshots: unmarshal failed, skipping", "err", err)
		return nil
	}

	w.mu.Lock()
	st := w.tickers[t.MarketTicker]
	if st == nil {
		st = &tickerState{}
		w.tickers[t.MarketTicker] = st
	}
	if price, ok := t.PriceValue(); ok {
		p := price
		st.price = &p
	}
	if t.VolumeDelta != nil {
		st.volume += *t.VolumeDelta
	}
	if t.OpenInterestDelta != nil {
		st.openInterest += *t.OpenInterestDelta
	}
	w.mu.Unlock()
	return nil
}

func (w *PriceSnapshotWriter) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(priceSnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.takeSnapshots(ctx)
		}
	}
}

func (w *PriceSnapshotWriter) takeSnapshots(ctx context.Context) {
	since := time.Now().Add(-priceSnapshotLookback).Unix()
	tickers, err := w.db.ActiveTickers(ctx, since)
	if err != nil {
		slog.Warn("writer_price_snapshots: active tickers query failed", "err", err)
		return
	}
	if len(tickers) == 0 {
		return
	}

	now := time.Now().Unix()
	rows := make([]db.PriceSnapshotRow, 0, len(tickers))
	for _, t := range tickers {
		if row, ok := w.buildSnapshot(ctx, t, now); ok {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return
	}

	err = withRetry(ctx, func() error {
		_, err := w.db.InsertPriceSnapshots(ctx, rows)
		return err
	})
	if err != nil {
		slog.Error("writer_price_snapshots: flush failed after retries", "count", len(rows), "err", err)
	}
}

func (w *PriceSnapshotWriter) buildSnapshot(ctx context.Context, ticker string, now int64) (db.PriceSnapshotRow, bool) {
	row := db.PriceSnapshotRow{Ts: now, MarketTicker: ticker}

	w.mu.Lock()
	st := w.tickers[ticker]
	var cachedPrice *int
	var volume, openInterest int64
	if st != nil {
		cachedPrice = st.price
		volume, openInterest = st.volume, st.openInterest
	}
	w.mu.Unlock()

	var yesBid, yesAsk *int
	if book, err := w.store.GetBook(ctx, ticker); err == nil && book != nil {
		if bid, ok := book.BestBid(models.SideYes); ok {
			yesBid = &bid
		}
		if noBid, ok := book.BestBid(models.SideNo); ok {
			ask := 100 - noBid
			yesAsk = &ask
		}
		if yesBid != nil && yesAsk != nil {
			spread := *yesAsk - *yesBid
			row.Spread = &spread
		}
	}

	yesPrice := cachedPrice
	if yesPrice == nil && yesBid != nil && yesAsk != nil {
		mid := (*yesBid + *yesAsk) / 2
		yesPrice = &mid
	}
	if yesPrice == nil {
		if price, ok, err := w.db.LatestTradePrice(ctx, ticker); err == nil && ok {
			yesPrice = &price
		}
	}
	if yesPrice == nil {
		return row, false
	}

	row.YesPrice = yesPrice
	row.YesBid = yesBid
	row.YesAsk = yesAsk
	if volume != 0 {
		row.Volume24h = &volume
	}
	if openInterest != 0 {
		row.OpenInterest = &openInterest
	}
	return row, true
}
