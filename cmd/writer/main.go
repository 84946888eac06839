// Command writer runs one batched, retrying consumer per persistence
// topic: trades, ticker_v2, orderbook deltas/snapshots (plus the derived
// periodic snapshot task), lifecycle, signal/composite/regime logs, and
// the degrading-fallback price-snapshot task.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/theokelly26/KASS/internal/bus"
	"github.com/theokelly26/KASS/internal/config"
	"github.com/theokelly26/KASS/internal/db"
	"github.com/theokelly26/KASS/internal/state"
	"github.com/theokelly26/KASS/internal/writers"
)

// runnable is satisfied by every writer in this package.
type runnable interface {
	Run(ctx context.Context) error
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

	batchSize := cfg.TradeWriterBatchSize
	flushInterval := cfg.TradeWriterFlushInterval

	ws := []runnable{
		writers.NewTradeWriter(messageBus, dbStore, batchSize, flushInterval),
		writers.NewTickerWriter(messageBus, dbStore, batchSize, flushInterval),
		writers.NewOrderbookDeltaWriter(messageBus, dbStore, batchSize, flushInterval),
		writers.NewOrderbookSnapshotWriter(messageBus, dbStore, stateStore, batchSize, flushInterval, cfg.OrderbookSnapshotInterval),
		writers.NewLifecycleWriter(messageBus, dbStore),
		writers.NewSignalLogWriter(messageBus, dbStore, stateStore, batchSize, flushInterval),
		writers.NewCompositeLogWriter(messageBus, dbStore, stateStore, batchSize, flushInterval),
		writers.NewRegimeLogWriter(messageBus, dbStore, stateStore, batchSize, flushInterval),
		writers.NewPriceSnapshotWriter(messageBus, dbStore, stateStore),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("writer starting", "writers", len(ws))

	var wg sync.WaitGroup
	for _, w := range ws {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("writer stopped", "type", writerName(w), "err", err)
			}
		}()
	}
	wg.Wait()

	slog.Info("writer stopped")
}

func writerName(w runnable) string {
	switch w.(type) {
	case *writers.TradeWriter:
		return "trades"
	case *writers.TickerWriter:
		return "ticker_v2"
	case *writers.OrderbookDeltaWriter:
		return "orderbook_deltas"
	case *writers.OrderbookSnapshotWriter:
		return "orderbook_snapshots"
	case *writers.LifecycleWriter:
		return "lifecycle"
	case *writers.SignalLogWriter:
		return "signal_log"
	case *writers.CompositeLogWriter:
		return "composite_log"
	case *writers.RegimeLogWriter:
		return "regime_log"
	case *writers.PriceSnapshotWriter:
		return "price_snapshots"
	default:
		return "unknown"
	}
}
