// Command backfill runs GapDetector/Backfiller in a loop: every scan
// interval it looks for trade and ticker_update gaps wider than the
// configured threshold across every market with recorded history, and
// repairs trade gaps via paginated REST fetches with idempotent inserts.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/theokelly26/KASS/internal/authsigner"
	"github.com/theokelly26/KASS/internal/backfill"
	"github.com/theokelly26/KASS/internal/config"
	"github.com/theokelly26/KASS/internal/db"
	"github.com/theokelly26/KASS/internal/restclient"
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

	backfiller := backfill.NewBackfiller(rest, dbStore)
	detector := backfill.NewGapDetector(dbStore, backfiller)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("backfill starting")
	if err := detector.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("gap detector stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("backfill stopped")
}
