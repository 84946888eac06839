// Command signals runs the five stateful SignalProcessors and the
// Aggregator that fuses their fan-in output into regime-weighted
// composite scores. Each processor gets its own Runner (one reader
// goroutine per input topic feeding a single bounded per-processor
// queue); RegimeDetector additionally runs a 30s flush loop that writes
// its classification into the StateStore.
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

	"github.com/theokelly26/KASS/internal/aggregator"
	"github.com/theokelly26/KASS/internal/bus"
	"github.com/theokelly26/KASS/internal/config"
	"github.com/theokelly26/KASS/internal/signals"
	"github.com/theokelly26/KASS/internal/state"
)

const processorQueueSize = 256

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

	flowToxicity := signals.NewFlowToxicityClassifier()
	oiDivergence := signals.NewOIDivergenceDetector()
	regimeDetector := signals.NewRegimeDetector()
	crossMarket := signals.NewCrossMarketPropagationEngine(stateStore)
	lifecycleAlpha := signals.NewLifecycleAlphaScanner(stateStore)

	runners := []*signals.Runner{
		signals.NewRunner(messageBus, flowToxicity, processorQueueSize),
		signals.NewRunner(messageBus, oiDivergence, processorQueueSize),
		signals.NewRunner(messageBus, regimeDetector, processorQueueSize),
		signals.NewRunner(messageBus, crossMarket, processorQueueSize),
		signals.NewRunner(messageBus, lifecycleAlpha, processorQueueSize),
	}

	agg := aggregator.New(messageBus, stateStore)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("signals starting", "processors", len(runners))

	var wg sync.WaitGroup
	for _, r := range runners {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("processor runner stopped", "err", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := regimeDetector.FlushLoop(ctx, stateStore); err != nil && ctx.Err() == nil {
			slog.Error("regime flush loop stopped", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := agg.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("aggregator stopped", "err", err)
		}
	}()

	wg.Wait()
	slog.Info("signals stopped")
}
