// Command health runs the HealthMonitor: periodic probes of the
// StateStore, database, per-topic stream backlog, and disk usage,
// writing a structured record to both StateStore and the system_health
// hypertable and logging a cooldown-gated warning on any degraded
// component.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/theokelly26/KASS/internal/bus"
	"github.com/theokelly26/KASS/internal/config"
	"github.com/theokelly26/KASS/internal/db"
	"github.com/theokelly26/KASS/internal/health"
	"github.com/theokelly26/KASS/internal/state"
)

var busTopics = []string{
	bus.TopicTrades,
	bus.TopicTickerV2,
	bus.TopicOrderbookDeltas,
	bus.TopicOrderbookSnapshots,
	bus.TopicLifecycle,
	bus.TopicEventLifecycle,
	bus.TopicSignalFlowToxicity,
	bus.TopicSignalOIDivergence,
	bus.TopicSignalRegime,
	bus.TopicSignalCrossMarket,
	bus.TopicSignalLifecycle,
	bus.TopicSignalAll,
	bus.TopicSignalComposite,
}

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		DB:       cfg.RedisDB,
		Password: cfg.RedisPass,
	})
	defer rdb.Close()

	messageBus := bus.New(rdb)
	stateStore := state.New(rdb)

	pool, err := db.Open(ctx, cfg.PostgresDSN(), int32(cfg.DBPoolMin), int32(cfg.DBPoolMax))
	if err != nil {
		slog.Error("db open failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	dbStore := db.NewStore(pool)

	checks := health.Checks{
		StateStore: stateStore,
		Database:   dbStore,
		DiskPath:   cfg.DiskCheckPath,
		BusTopics:  busTopics,
	}
	monitor := health.New(messageBus, stateStore, dbStore, checks, cfg.HealthCheckInterval, cfg.AlertCooldown)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("health monitor starting", "interval", cfg.HealthCheckInterval)
	if err := monitor.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("health monitor stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("health monitor stopped")
}
