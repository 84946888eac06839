// Package backfill implements GapDetector and Backfiller: periodic
// window-function scans over persisted trades/ticker_updates for gaps
// wider than a per-channel threshold, and REST-paginated idempotent
// repair of the trade gaps found.
//
// Grounded on spec.md §4.9's LEAD/LAG gap-window description, reusing
// internal/db's existing LAG-based GapsSince query rather than
// introducing a second gap-detection implementation, and on
// internal/restclient.Client.GetTrades for the paginated repair fetch —
// the same cursor-following idiom internal/discovery's scanner uses for
// /markets.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/theokelly26/KASS/internal/db"
	"github.com/theokelly26/KASS/internal/restclient"
)

const (
	tradeGapThreshold  = 300 * time.Second
	tickerGapThreshold = 600 * time.Second
	scanInterval       = 10 * time.Minute
	scanLookback       = 24 * time.Hour
	pagePause          = 500 * time.Millisecond
	pageLimit          = 1000
)

// GapStore is the subset of *db.Store GapDetector needs.
type GapStore interface {
	ActiveTickers(ctx context.Context, sinceTs int64) ([]string, error)
	GapsSince(ctx context.Context, ticker string, since int64, maxAllowed time.Duration) ([]db.GapWindow, error)
	TickerGapsSince(ctx context.Context, ticker string, since int64, maxAllowed time.Duration) ([]db.GapWindow, error)
}

// TradeInserter is the subset of *db.Store Backfiller needs to repair a
// trade gap idempotently.
type TradeInserter interface {
	InsertTrades(ctx context.Context, rows []db.Trade) (int, error)
}

// TradeFetcher is the subset of *restclient.Client Backfiller needs.
type TradeFetcher interface {
	GetTrades(ctx context.Context, ticker string, minTs, maxTs int64, cursor string, limit int) ([]restclient.Trade, string, error)
}

// GapDetector periodically scans every market with recorded trade
// history for trade/ticker gaps wider than the channel's threshold and
// hands trade gaps to a Backfiller.
type GapDetector struct {
	store      GapStore
	backfiller *Backfiller
}

func NewGapDetector(store GapStore, backfiller *Backfiller) *GapDetector {
	return &GapDetector{store: store, backfiller: backfiller}
}

// Run scans every scanInterval until ctx is canceled.
func (d *GapDetector) Run(ctx context.Context) error {
	d.scan(ctx)
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

func (d *GapDetector) scan(ctx context.Context) {
	since := time.Now().Add(-scanLookback).Unix()
	tickers, err := d.store.ActiveTickers(ctx, 0)
	if err != nil {
		slog.Warn("backfill: list tickers failed", "err", err)
		return
	}

	for _, t := range tickers {
		tradeGaps, err := d.store.GapsSince(ctx, t, since, tradeGapThreshold)
		if err != nil {
			slog.Warn("backfill: trade gap scan failed", "ticker", t, "err", err)
		}
		for _, g := range tradeGaps {
			slog.Warn("backfill: trade gap detected", "ticker", t, "from", g.FromTs, "to", g.ToTs)
			if d.backfiller != nil {
				if err := d.backfiller.Repair(ctx, g); err != nil {
					slog.Error("backfill: repair failed", "ticker", t, "from", g.FromTs, "to", g.ToTs, "err", err)
				}
			}
		}

		tickerGaps, err := d.store.TickerGapsSince(ctx, t, since, tickerGapThreshold)
		if err != nil {
			slog.Warn("backfill: ticker gap scan failed", "ticker", t, "err", err)
		}
		for _, g := range tickerGaps {
			// ticker_updates has no REST history endpoint to repair from;
			// the gap is logged for operator visibility only.
			slog.Warn("backfill: ticker gap detected", "ticker", t, "from", g.FromTs, "to", g.ToTs)
		}
	}
}

// Backfiller repairs one trade gap by paginating /trades over the gap
// window and inserting idempotently.
type Backfiller struct {
	rest TradeFetcher
	db   TradeInserter
}

func NewBackfiller(rest TradeFetcher, store TradeInserter) *Backfiller {
	return &Backfiller{rest: rest, db: store}
}

// Repair fetches every trade in (g.FromTs, g.ToTs] for g.MarketTicker,
// paginating with a 500ms inter-page pause, and inserts each page
// idempotently. The total number of rows fetched (inserted or already
// present) is logged on completion; only an error is returned.
func (b *Backfiller) Repair(ctx context.Context, g db.GapWindow) error {
	cursor := ""
	total := 0
	for {
		trades, next, err := b.rest.GetTrades(ctx, g.MarketTicker, g.FromTs, g.ToTs, cursor, pageLimit)
		if err != nil {
			return fmt.Errorf("backfill: get trades %s [%d,%d]: %w", g.MarketTicker, g.FromTs, g.ToTs, err)
		}

		rows := make([]db.Trade, 0, len(trades))
		for _, t := range trades {
			row, ok := toDBTrade(g.MarketTicker, t)
			if !ok {
				continue
			}
			rows = append(rows, row)
		}
		if len(rows) > 0 {
			if _, err := b.db.InsertTrades(ctx, rows); err != nil {
				return fmt.Errorf("backfill: insert trades %s: %w", g.MarketTicker, err)
			}
		}
		total += len(rows)

		if next == "" {
			break
		}
		cursor = next

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pagePause):
		}
	}

	slog.Info("backfill: gap repaired", "ticker", g.MarketTicker, "from", g.FromTs, "to", g.ToTs, "fetched", total)
	return nil
}

func toDBTrade(ticker string, t restclient.Trade) (db.Trade, bool) {
	ts, err := time.Parse(time.RFC3339, t.CreatedTime)
	if err != nil {
		slog.Warn("backfill: unparseable trade timestamp, skipping", "ticker", ticker, "trade_id", t.TradeID, "err", err)
		return db.Trade{}, false
	}
	return db.Trade{
		Ts:           ts.Unix(),
		TradeID:      t.TradeID,
		MarketTicker: ticker,
		YesPrice:     t.YesPrice,
		NoPrice:      t.NoPrice,
		Count:        t.Count,
		TakerSide:    t.TakerSide,
	}, true
}
