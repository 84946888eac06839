package db

const schemaDDL = `
CREATE TABLE IF NOT EXISTS trades (
	ts           BIGINT NOT NULL,
	trade_id     TEXT PRIMARY KEY,
	market_ticker TEXT NOT NULL,
	yes_price    INTEGER NOT NULL,
	no_price     INTEGER NOT NULL,
	count        INTEGER NOT NULL,
	taker_side   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_ticker_ts ON trades(market_ticker, ts);

CREATE TABLE IF NOT EXISTS ticker_updates (
	ts                       BIGINT NOT NULL,
	market_ticker            TEXT NOT NULL,
	price                    INTEGER,
	volume_delta             BIGINT,
	open_interest_delta      BIGINT,
	dollar_volume_delta      BIGINT,
	dollar_open_interest_delta BIGINT,
	PRIMARY KEY (market_ticker, ts)
);
CREATE INDEX IF NOT EXISTS idx_ticker_updates_ts ON ticker_updates(ts);

CREATE TABLE IF NOT EXISTS orderbook_snapshots (
	ts            BIGINT NOT NULL,
	market_ticker TEXT NOT NULL,
	yes_levels    JSONB NOT NULL,
	no_levels     JSONB NOT NULL,
	spread        INTEGER,
	yes_depth_5   INTEGER,
	no_depth_5    INTEGER,
	PRIMARY KEY (market_ticker, ts)
);

CREATE TABLE IF NOT EXISTS orderbook_deltas (
	ts            BIGINT NOT NULL,
	market_ticker TEXT NOT NULL,
	price         INTEGER NOT NULL,
	delta         INTEGER NOT NULL,
	side          TEXT NOT NULL,
	is_own_order  BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (market_ticker, ts, price, side)
);
CREATE INDEX IF NOT EXISTS idx_orderbook_deltas_ticker_ts ON orderbook_deltas(market_ticker, ts);

CREATE TABLE IF NOT EXISTS lifecycle_events (
	ts            BIGINT NOT NULL,
	market_ticker TEXT NOT NULL,
	market_id     TEXT,
	status        TEXT NOT NULL,
	PRIMARY KEY (market_ticker, ts)
);

CREATE TABLE IF NOT EXISTS markets (
	ticker          TEXT PRIMARY KEY,
	event_ticker    TEXT,
	series_ticker   TEXT,
	title           TEXT,
	subtitle        TEXT,
	status          TEXT,
	market_type     TEXT,
	close_time      TEXT,
	result          TEXT,
	last_synced_at  BIGINT
);
CREATE INDEX IF NOT EXISTS idx_markets_series ON markets(series_ticker);
CREATE INDEX IF NOT EXISTS idx_markets_event ON markets(event_ticker);

CREATE TABLE IF NOT EXISTS signal_log (
	ts             BIGINT NOT NULL,
	signal_id      TEXT PRIMARY KEY,
	signal_type    TEXT NOT NULL,
	market_ticker  TEXT NOT NULL,
	event_ticker   TEXT,
	series_ticker  TEXT,
	direction      TEXT NOT NULL,
	strength       DOUBLE PRECISION NOT NULL,
	confidence     DOUBLE PRECISION NOT NULL,
	urgency        TEXT NOT NULL,
	metadata       JSONB,
	ttl_seconds    BIGINT NOT NULL,
	expired_at     BIGINT
);
CREATE INDEX IF NOT EXISTS idx_signal_log_ticker_ts ON signal_log(market_ticker, ts);
CREATE INDEX IF NOT EXISTS idx_signal_log_type_ts ON signal_log(signal_type, ts);

CREATE TABLE IF NOT EXISTS composite_log (
	ts                    BIGINT NOT NULL,
	market_ticker         TEXT NOT NULL,
	event_ticker          TEXT,
	series_ticker         TEXT,
	direction             TEXT NOT NULL,
	composite_score       DOUBLE PRECISION NOT NULL,
	regime                TEXT NOT NULL,
	active_signal_count   INTEGER NOT NULL,
	active_signal_ids     JSONB,
	PRIMARY KEY (market_ticker, ts)
);

CREATE TABLE IF NOT EXISTS regime_log (
	ts               BIGINT NOT NULL,
	market_ticker    TEXT NOT NULL,
	old_regime       TEXT,
	new_regime       TEXT NOT NULL,
	trade_rate       DOUBLE PRECISION,
	message_rate     DOUBLE PRECISION,
	depth_imbalance  DOUBLE PRECISION,
	PRIMARY KEY (market_ticker, ts)
);

CREATE TABLE IF NOT EXISTS system_health (
	ts           BIGINT NOT NULL,
	component    TEXT NOT NULL,
	status       TEXT NOT NULL,
	details      JSONB,
	message_rate DOUBLE PRECISION,
	lag_ms       BIGINT,
	PRIMARY KEY (component, ts)
);

CREATE TABLE IF NOT EXISTS price_snapshots (
	ts               BIGINT NOT NULL,
	market_ticker    TEXT NOT NULL,
	yes_price        INTEGER,
	yes_bid          INTEGER,
	yes_ask          INTEGER,
	spread           INTEGER,
	volume_24h       BIGINT,
	open_interest    BIGINT,
	PRIMARY KEY (market_ticker, ts)
);
`
