// Command ingest runs the WSIngest client and the MarketScanner/
// SubscriptionManager side by side: the WS connection subscribes to the
// market-wide channels and every open market's orderbook_delta stream,
// while the scanner periodically refreshes market metadata over REST and
// keeps that orderbook_delta subscription in sync with which markets are
// currently open.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/theokelly26/KASS/internal/authsigner"
	"github.com/theokelly26/KASS/internal/bus"
	"github.com/theokelly26/KASS/internal/config"
	"github.com/theokelly26/KASS/internal/db"
	"github.com/theokelly26/KASS/internal/discovery"
	"github.com/theokelly26/KASS/internal/restclient"
	"github.com/theokelly26/KASS/internal/state"
	"github.com/theokelly26/KASS/internal/wsingest"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	signer, err := authsigner.New(cfg.KeyID, cfg.PrivateKeyPath)
	if err != nil {
		slog.Error("auth signer init failed", "err", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		DB:       cfg.RedisDB,
		Password: cfg.RedisPass,
	})
	defer rdb.Close()

	messageBus := bus.New(rdb)
	stateStore := state.New(rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Open(ctx, cfg.PostgresDSN(), int32(cfg.DBPoolMin), int32(cfg.DBPoolMax))
	if err != nil {
		slog.Error("db open failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	dbStore := db.NewStore(pool)

	rest := restclient.New(signer, cfg.APIBaseURL, 30*time.Second)

	ingest := wsingest.New(cfg.WSURL, signer, messageBus, stateStore, cfg.WSPingInterval, cfg.WSPongTimeout, cfg.WSReconnectMaxDelay)
	scanner := discovery.New(rest, stateStore, marketUpserter{dbStore}, ingest, cfg.MarketScanInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("ingest starting", "ws_url", cfg.WSURL, "api_base_url", cfg.APIBaseURL)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := ingest.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("ws ingest stopped", "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := scanner.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("market scanner stopped", "err", err)
		}
	}()
	wg.Wait()

	slog.Info("ingest stopped")
}

// marketUpserter adapts *db.Store to discovery.MarketUpserter, which
// speaks discovery.MarketRow instead of db.MarketRow so the discovery
// package stays testable without importing db.
type marketUpserter struct {
	db *db.Store
}

func (m marketUpserter) UpsertMarkets(ctx context.Context, rows []discovery.MarketRow) error {
	out := make([]db.MarketRow, len(rows))
	for i, r := range rows {
		out[i] = db.MarketRow{
			Ticker:       r.Ticker,
			EventTicker:  r.EventTicker,
			SeriesTicker: r.SeriesTicker,
			Title:        r.Title,
			Subtitle:     r.Subtitle,
			Status:       r.Status,
			MarketType:   r.MarketType,
			CloseTime:    r.CloseTime,
			Result:       r.Result,
			LastSyncedAt: r.LastSyncedAt,
		}
	}
	return m.db.UpsertMarkets(ctx, out)
}
