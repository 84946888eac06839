// Package discovery implements the MarketScanner/SubscriptionManager:
// periodic REST enumeration of markets, metadata upserts into the
// StateStore (and, if wired, the database), series-metadata caching, and
// the dynamic orderbook_delta subscription add/remove on WSIngest as
// markets open and close.
//
// Grounded on internal/collector/collector.go's discoveryLoop/discover
// (periodic REST scan driving kalshi.KalshiFeed.UpdateSubscriptions),
// generalized from a single series filter to the full open-market
// universe and from in-memory metadata caching to StateStore-backed
// caching with database upserts.
package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/theokelly26/KASS/internal/models"
	"github.com/theokelly26/KASS/internal/restclient"
	"github.com/theokelly26/KASS/internal/state"
)

// SubscriptionUpdater is the subset of *wsingest.Ingest the scanner
// needs to drive orderbook_delta subscription membership.
type SubscriptionUpdater interface {
	Subscribe(ctx context.Context, channels []string, tickers []string) (int, error)
	UpdateSubscription(ctx context.Context, sid int, add, remove []string) error
}

// MarketUpserter is the subset of *db.Store the scanner needs, optional
// (nil disables the database side-effect).
type MarketUpserter interface {
	UpsertMarkets(ctx context.Context, rows []MarketRow) error
}

// MarketRow mirrors db.MarketRow without importing the db package, so
// discovery stays testable without a live pool; cmd/ingest adapts.
type MarketRow struct {
	Ticker       string
	EventTicker  string
	SeriesTicker string
	Title        string
	Subtitle     string
	Status       string
	MarketType   string
	CloseTime    string
	Result       string
	LastSyncedAt int64
}

// Scanner periodically enumerates markets and keeps WSIngest's
// orderbook_delta subscription in sync with which markets are open.
type Scanner struct {
	rest   *restclient.Client
	store  *state.Store
	db     MarketUpserter
	ingest SubscriptionUpdater
	interval time.Duration

	globalSID int
	obSID     int
	subscribed map[string]bool
	knownSeries map[string]bool
}

// New constructs a Scanner. db may be nil to skip the database side-effect.
func New(rest *restclient.Client, store *state.Store, db MarketUpserter, ingest SubscriptionUpdater, interval time.Duration) *Scanner {
	return &Scanner{
		rest:        rest,
		store:       store,
		db:          db,
		ingest:      ingest,
		interval:    interval,
		subscribed:  make(map[string]bool),
		knownSeries: make(map[string]bool),
	}
}

// Run subscribes to the market-wide channels once, then scans on
// interval until ctx is canceled, performing an initial scan immediately.
func (sc *Scanner) Run(ctx context.Context) error {
	sid, err := sc.ingest.Subscribe(ctx, []string{"trade", "ticker_v2", "market_lifecycle_v2", "event_lifecycle"}, nil)
	if err != nil {
		return err
	}
	sc.globalSID = sid

	obSID, err := sc.ingest.Subscribe(ctx, []string{"orderbook_delta", "orderbook_snapshot"}, nil)
	if err != nil {
		return err
	}
	sc.obSID = obSID

	sc.scan(ctx)

	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sc.scan(ctx)
		}
	}
}

// scan fetches every market page, upserts metadata, and diffs the
// open-market set against the currently subscribed orderbook_delta set.
func (sc *Scanner) scan(ctx context.Context) {
	markets, err := sc.fetchAllMarkets(ctx)
	if err != nil {
		slog.Warn("discovery: scan failed", "err", err)
		return
	}

	now := time.Now().Unix()
	openTickers := make(map[string]bool, len(markets))
	var rows []MarketRow
	for _, m := range markets {
		km := models.KalshiMarket{
			Ticker:       m.Ticker,
			EventTicker:  m.EventTicker,
			SeriesTicker: m.SeriesTicker,
			Status:       m.Status,
			CloseTime:    m.CloseTime,
			Result:       m.Result,
			Title:        m.Title,
			Subtitle:     m.Subtitle,
			MarketType:   m.MarketType,
		}
		if err := sc.store.PutMarketMeta(ctx, m.Ticker, km); err != nil {
			slog.Warn("discovery: put market meta failed", "ticker", m.Ticker, "err", err)
		}
		sc.cacheSeries(ctx, m.SeriesTicker)

		if m.Status == "open" {
			openTickers[m.Ticker] = true
		}

		rows = append(rows, MarketRow{
			Ticker:       m.Ticker,
			EventTicker:  m.EventTicker,
			SeriesTicker: m.SeriesTicker,
			Title:        m.Title,
			Subtitle:     m.Subtitle,
			Status:       m.Status,
			MarketType:   m.MarketType,
			CloseTime:    m.CloseTime,
			Result:       m.Result,
			LastSyncedAt: now,
		})
	}

	if sc.db != nil && len(rows) > 0 {
		if err := sc.db.UpsertMarkets(ctx, rows); err != nil {
			slog.Warn("discovery: upsert markets failed", "err", err)
		}
	}

	sc.syncSubscriptions(ctx, openTickers)
	slog.Info("discovery: scan complete", "markets", len(markets), "open", len(openTickers))
}

func (sc *Scanner) cacheSeries(ctx context.Context, seriesTicker string) {
	if seriesTicker == "" || sc.knownSeries[seriesTicker] {
		return
	}
	series, err := sc.rest.GetSeries(ctx, seriesTicker)
	if err != nil {
		slog.Debug("discovery: get series failed", "series", seriesTicker, "err", err)
		return
	}
	if err := sc.store.PutSeriesMeta(ctx, seriesTicker, series); err != nil {
		slog.Warn("discovery: put series meta failed", "series", seriesTicker, "err", err)
		return
	}
	sc.knownSeries[seriesTicker] = true
}

func (sc *Scanner) syncSubscriptions(ctx context.Context, openTickers map[string]bool) {
	var add, remove []string
	for t := range openTickers {
		if !sc.subscribed[t] {
			add = append(add, t)
		}
	}
	for t := range sc.subscribed {
		if !openTickers[t] {
			remove = append(remove, t)
		}
	}
	if len(add) == 0 && len(remove) == 0 {
		return
	}
	if err := sc.ingest.UpdateSubscription(ctx, sc.obSID, add, remove); err != nil {
		slog.Warn("discovery: update subscription failed", "err", err)
		return
	}
	for _, t := range add {
		sc.subscribed[t] = true
	}
	for _, t := range remove {
		delete(sc.subscribed, t)
	}
}

func (sc *Scanner) fetchAllMarkets(ctx context.Context) ([]restclient.Market, error) {
	var all []restclient.Market
	for _, status := range []string{"open", "closed"} {
		cursor := ""
		for {
			markets, next, err := sc.rest.GetMarkets(ctx, status, cursor, 200)
			if err != nil {
				return all, err
			}
			all = append(all, markets...)
			if next == "" {
				break
			}
			cursor = next
		}
	}
	return all, nil
}
