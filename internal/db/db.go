// Package db wraps a pgxpool.Pool with the append-only time-series schema
// and the batched, idempotent insert helpers the writers use.
//
// Grounded on the pgxpool + pgx.Batch/SendBatch idiom in
// other_examples/0ee1ee41_Projectsrxg-kalshi_v2__internal-writer-orderbook.go.go
// (OrderbookWriter.batchInsertDeltas/batchInsertSnapshots), and on the
// "Open → run schema DDL → typed insert methods" shape of
// internal/tradelog/store.go, generalized from sqlite to Postgres.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Open connects a pool to dsn, applying minConns/maxConns, and runs the
// schema migration. Callers own the returned pool's lifetime and must
// call Close.
func Open(ctx context.Context, dsn string, minConns, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("db: parse dsn: %w", err)
	}
	cfg.MinConns = minConns
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: schema migration: %w", err)
	}

	return pool, nil
}

// Store bundles the pool with the typed insert/upsert methods for every
// time-series table.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping round-trips the pool, used by HealthMonitor's database probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// execBatch runs batch against the pool and returns the number of rows
// among n queued inserts that hit ON CONFLICT DO NOTHING (rows affected
// == 0), so callers can report conflict counts the way the grounding
// writer does.
func (s *Store) execBatch(ctx context.Context, batch *pgx.Batch, n int) (conflicts int, err error) {
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < n; i++ {
		ct, err := results.Exec()
		if err != nil {
			return conflicts, fmt.Errorf("db: batch insert item %d: %w", i, err)
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}

// Trade is the row shape for trades.
type Trade struct {
	Ts           int64
	TradeID      string
	MarketTicker string
	YesPrice     int
	NoPrice      int
	Count        int
	TakerSide    string
}

func (s *Store) InsertTrades(ctx context.Context, rows []Trade) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO trades (ts, trade_id, market_ticker, yes_price, no_price, count, taker_side)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (trade_id) DO NOTHING`,
			r.Ts, r.TradeID, r.MarketTicker, r.YesPrice, r.NoPrice, r.Count, r.TakerSide)
	}
	return s.execBatch(ctx, batch, len(rows))
}

// TickerUpdate is the row shape for ticker_updates.
type TickerUpdate struct {
	Ts                      int64
	MarketTicker            string
	Price                   *int
	VolumeDelta             *int64
	OpenInterestDelta       *int64
	DollarVolumeDelta       *int64
	DollarOpenInterestDelta *int64
}

func (s *Store) InsertTickerUpdates(ctx context.Context, rows []TickerUpdate) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO ticker_updates (ts, market_ticker, price, volume_delta, open_interest_delta, dollar_volume_delta, dollar_open_interest_delta)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (market_ticker, ts) DO NOTHING`,
			r.Ts, r.MarketTicker, r.Price, r.VolumeDelta, r.OpenInterestDelta, r.DollarVolumeDelta, r.DollarOpenInterestDelta)
	}
	return s.execBatch(ctx, batch, len(rows))
}

// OrderbookSnapshotRow is the row shape for orderbook_snapshots.
type OrderbookSnapshotRow struct {
	Ts           int64
	MarketTicker string
	YesLevels    []byte
	NoLevels     []byte
	Spread       *int
	YesDepth5    *int
	NoDepth5     *int
}

func (s *Store) InsertOrderbookSnapshots(ctx context.Context, rows []OrderbookSnapshotRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO orderbook_snapshots (ts, market_ticker, yes_levels, no_levels, spread, yes_depth_5, no_depth_5)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (market_ticker, ts) DO NOTHING`,
			r.Ts, r.MarketTicker, r.YesLevels, r.NoLevels, r.Spread, r.YesDepth5, r.NoDepth5)
	}
	return s.execBatch(ctx, batch, len(rows))
}

// OrderbookDeltaRow is the row shape for orderbook_deltas.
type OrderbookDeltaRow struct {
	Ts           int64
	MarketTicker string
	Price        int
	Delta        int
	Side         string
	IsOwnOrder   bool
}

func (s *Store) InsertOrderbookDeltas(ctx context.Context, rows []OrderbookDeltaRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO orderbook_deltas (ts, market_ticker, price, delta, side, is_own_order)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (market_ticker, ts, price, side) DO NOTHING`,
			r.Ts, r.MarketTicker, r.Price, r.Delta, r.Side, r.IsOwnOrder)
	}
	return s.execBatch(ctx, batch, len(rows))
}

// LifecycleEventRow is the row shape for lifecycle_events.
type LifecycleEventRow struct {
	Ts           int64
	MarketTicker string
	MarketID     string
	Status       string
}

func (s *Store) InsertLifecycleEvents(ctx context.Context, rows []LifecycleEventRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO lifecycle_events (ts, market_ticker, market_id, status)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (market_ticker, ts) DO NOTHING`,
			r.Ts, r.MarketTicker, r.MarketID, r.Status)
	}
	return s.execBatch(ctx, batch, len(rows))
}

// WriteLifecycleEvents inserts the lifecycle rows and updates each
// event's market.status in a single transaction, matching the "lifecycle
// writer also updates markets.status by ticker within the same
// transaction" invariant.
func (s *Store) WriteLifecycleEvents(ctx context.Context, rows []LifecycleEventRow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("db: begin lifecycle tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, r := range rows {
		if _, err := tx.Exec(ctx, `
			INSERT INTO lifecycle_events (ts, market_ticker, market_id, status)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (market_ticker, ts) DO NOTHING`,
			r.Ts, r.MarketTicker, r.MarketID, r.Status); err != nil {
			return fmt.Errorf("db: insert lifecycle event %s: %w", r.MarketTicker, err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE markets SET status = $1 WHERE ticker = $2`,
			r.Status, r.MarketTicker); err != nil {
			return fmt.Errorf("db: update market status %s: %w", r.MarketTicker, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("db: commit lifecycle tx: %w", err)
	}
	return nil
}

// MarketRow is the row shape for markets; UpsertMarkets overwrites the
// mutable fields on conflict instead of skipping, since market metadata
// is refreshed on every discovery scan.
type MarketRow struct {
	Ticker        string
	EventTicker   string
	SeriesTicker  string
	Title         string
	Subtitle      string
	Status        string
	MarketType    string
	CloseTime     string
	Result        string
	LastSyncedAt  int64
}

func (s *Store) UpsertMarkets(ctx context.Context, rows []MarketRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO markets (ticker, event_ticker, series_ticker, title, subtitle, status, market_type, close_time, result, last_synced_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (ticker) DO UPDATE SET
				event_ticker = excluded.event_ticker,
				series_ticker = excluded.series_ticker,
				title = excluded.title,
				subtitle = excluded.subtitle,
				status = excluded.status,
				market_type = excluded.market_type,
				close_time = excluded.close_time,
				result = excluded.result,
				last_synced_at = excluded.last_synced_at`,
			r.Ticker, r.EventTicker, r.SeriesTicker, r.Title, r.Subtitle, r.Status, r.MarketType, r.CloseTime, r.Result, r.LastSyncedAt)
	}
	_, err := s.execBatch(ctx, batch, len(rows))
	return err
}

// SignalLogRow is the row shape for signal_log.
type SignalLogRow struct {
	Ts            int64
	SignalID      string
	SignalType    string
	MarketTicker  string
	EventTicker   string
	SeriesTicker  string
	Direction     string
	Strength      float64
	Confidence    float64
	Urgency       string
	Metadata      []byte
	TTLSeconds    int64
	ExpiredAt     *int64
}

func (s *Store) InsertSignalLog(ctx context.Context, rows []SignalLogRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO signal_log (ts, signal_id, signal_type, market_ticker, event_ticker, series_ticker, direction, strength, confidence, urgency, metadata, ttl_seconds, expired_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (signal_id) DO NOTHING`,
			r.Ts, r.SignalID, r.SignalType, r.MarketTicker, r.EventTicker, r.SeriesTicker, r.Direction, r.Strength, r.Confidence, r.Urgency, r.Metadata, r.TTLSeconds, r.ExpiredAt)
	}
	return s.execBatch(ctx, batch, len(rows))
}

// CompositeLogRow is the row shape for composite_log.
type CompositeLogRow struct {
	Ts                 int64
	MarketTicker       string
	EventTicker        string
	SeriesTicker       string
	Direction          string
	CompositeScore     float64
	Regime             string
	ActiveSignalCount  int
	ActiveSignalIDs    []byte
}

func (s *Store) InsertCompositeLog(ctx context.Context, rows []CompositeLogRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO composite_log (ts, market_ticker, event_ticker, series_ticker, direction, composite_score, regime, active_signal_count, active_signal_ids)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (market_ticker, ts) DO NOTHING`,
			r.Ts, r.MarketTicker, r.EventTicker, r.SeriesTicker, r.Direction, r.CompositeScore, r.Regime, r.ActiveSignalCount, r.ActiveSignalIDs)
	}
	return s.execBatch(ctx, batch, len(rows))
}

// RegimeLogRow is the row shape for regime_log.
type RegimeLogRow struct {
	Ts             int64
	MarketTicker   string
	OldRegime      string
	NewRegime      string
	TradeRate      float64
	MessageRate    float64
	DepthImbalance float64
}

func (s *Store) InsertRegimeLog(ctx context.Context, rows []RegimeLogRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO regime_log (ts, market_ticker, old_regime, new_regime, trade_rate, message_rate, depth_imbalance)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (market_ticker, ts) DO NOTHING`,
			r.Ts, r.MarketTicker, r.OldRegime, r.NewRegime, r.TradeRate, r.MessageRate, r.DepthImbalance)
	}
	return s.execBatch(ctx, batch, len(rows))
}

// SystemHealthRow is the row shape for system_health.
type SystemHealthRow struct {
	Ts          int64
	Component   string
	Status      string
	Details     []byte
	MessageRate float64
	LagMs       int64
}

func (s *Store) InsertSystemHealth(ctx context.Context, rows []SystemHealthRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO system_health (ts, component, status, details, message_rate, lag_ms)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (component, ts) DO NOTHING`,
			r.Ts, r.Component, r.Status, r.Details, r.MessageRate, r.LagMs)
	}
	return s.execBatch(ctx, batch, len(rows))
}

// PriceSnapshotRow is the row shape for price_snapshots.
type PriceSnapshotRow struct {
	Ts            int64
	MarketTicker  string
	YesPrice      *int
	YesBid        *int
	YesAsk        *int
	Spread        *int
	Volume24h     *int64
	OpenInterest  *int64
}

func (s *Store) InsertPriceSnapshots(ctx context.Context, rows []PriceSnapshotRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO price_snapshots (ts, market_ticker, yes_price, yes_bid, yes_ask, spread, volume_24h, open_interest)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (market_ticker, ts) DO NOTHING`,
			r.Ts, r.MarketTicker, r.YesPrice, r.YesBid, r.YesAsk, r.Spread, r.Volume24h, r.OpenInterest)
	}
	return s.execBatch(ctx, batch, len(rows))
}

// LatestTradePrice returns the yes_price of the most recent trade on
// record for ticker, the last rung of the price_snapshots fallback
// ladder (ticker -> orderbook midpoint -> last trade from DB).
func (s *Store) LatestTradePrice(ctx context.Context, ticker string) (int, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT yes_price FROM trades WHERE market_ticker = $1 ORDER BY ts DESC LIMIT 1`, ticker)
	var price int
	if err := row.Scan(&price); err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("db: latest trade price %s: %w", ticker, err)
	}
	return price, true, nil
}

// TickerGapsSince is GapsSince's counterpart over ticker_updates, used
// by GapDetector with the wider 600s threshold the ticker channel's
// lower message rate tolerates.
func (s *Store) TickerGapsSince(ctx context.Context, ticker string, since int64, maxAllowed time.Duration) ([]GapWindow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT prev_ts, ts
		FROM (
			SELECT ts, LAG(ts) OVER (ORDER BY ts) AS prev_ts
			FROM ticker_updates
			WHERE market_ticker = $1 AND ts >= $2
		) t
		WHERE prev_ts IS NOT NULL AND (ts - prev_ts) > $3`,
		ticker, since, int64(maxAllowed.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("db: ticker gaps since for %s: %w", ticker, err)
	}
	defer rows.Close()

	var gaps []GapWindow
	for rows.Next() {
		var from, to int64
		if err := rows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("db: scan ticker gap row: %w", err)
		}
		gaps = append(gaps, GapWindow{MarketTicker: ticker, FromTs: from, ToTs: to})
	}
	return gaps, rows.Err()
}

// ActiveTickers returns the distinct market tickers with at least one
// trade since sinceTs, the price-snapshot service's candidate set.
func (s *Store) ActiveTickers(ctx context.Context, sinceTs int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT market_ticker FROM trades WHERE ts > $1 ORDER BY market_ticker`, sinceTs)
	if err != nil {
		return nil, fmt.Errorf("db: active tickers: %w", err)
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("db: active tickers scan: %w", err)
		}
		tickers = append(tickers, t)
	}
	return tickers, rows.Err()
}

// GapWindow is one (start,end] sequence gap candidate used by the
// backfill gap detector — present here since it is a plain read against
// the trades/ticker_updates tables rather than owning any state.
type GapWindow struct {
	MarketTicker string
	FromTs       int64
	ToTs         int64
}

// TradeTimeRange returns the oldest and newest trade timestamps on
// record for a market. ok is false if no trades are stored yet.
func (s *Store) TradeTimeRange(ctx context.Context, ticker string) (oldest, newest int64, ok bool, err error) {
	row := s.pool.QueryRow(ctx, `
		SELECT MIN(ts), MAX(ts) FROM trades WHERE market_ticker = $1`, ticker)
	var minTs, maxTs *int64
	if err := row.Scan(&minTs, &maxTs); err != nil {
		if err == pgx.ErrNoRows {
			return 0, 0, false, nil
		}
		return 0, 0, false, fmt.Errorf("db: trade time range %s: %w", ticker, err)
	}
	if minTs == nil || maxTs == nil {
		return 0, 0, false, nil
	}
	return *minTs, *maxTs, true, nil
}

// GapsSince finds timestamp gaps in trades for ticker wider than
// maxAllowed, ordered oldest first — grounded on the window-function gap
// idiom (LAG over ordered rows, diff > threshold).
func (s *Store) GapsSince(ctx context.Context, ticker string, since int64, maxAllowed time.Duration) ([]GapWindow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT prev_ts, ts
		FROM (
			SELECT ts, LAG(ts) OVER (ORDER BY ts) AS prev_ts
			FROM trades
			WHERE market_ticker = $1 AND ts >= $2
		) t
		WHERE prev_ts IS NOT NULL AND (ts - prev_ts) > $3`,
		ticker, since, int64(maxAllowed.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("db: gaps since for %s: %w", ticker, err)
	}
	defer rows.Close()

	var gaps []GapWindow
	for rows.Next() {
		var from, to int64
		if err := rows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("db: scan gap row: %w", err)
		}
		gaps = append(gaps, GapWindow{MarketTicker: ticker, FromTs: from, ToTs: to})
	}
	return gaps, rows.Err()
}
