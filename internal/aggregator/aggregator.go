// Package aggregator implements the regime-weighted composite-signal
// fusion stage: it consumes every live signal from kalshi:signals:all,
// keeps a bounded per-market rolling list, and periodically emits a
// CompositeSignal combining the market's currently-live signals.
package aggregator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/theokelly26/KASS/internal/bus"
	"github.com/theokelly26/KASS/internal/models"
)

const (
	maxSignalsPerMarket = 20
	publishCooldown     = 10 * time.Second
	cleanupInterval      = 60 * time.Second
	publishThreshold     = 0.4
)

// baseWeights is the fixed per-signal-type weight table.
var baseWeights = map[models.SignalType]float64{
	models.SignalFlowToxicity:           0.35,
	models.SignalOIDivergence:           0.30,
	models.SignalCrossMarketPropagation: 0.15,
	models.SignalSettlementCascade:      0.15,
	models.SignalSignalPropagation:      0.10,
	models.SignalFlowBurst:              0.08,
	models.SignalNewMarketExtremePrice:  0.05,
	models.SignalFlowLargeTrade:         0.05,
	models.SignalRegimeChange:           0.05,
	models.SignalNewMarketOpen:          0.02,
}

// regimeMods is the current-regime multiplier per signal type. Any
// (regime, type) pair absent from this table defaults to 1.0.
var regimeMods = map[models.Regime]map[models.SignalType]float64{
	models.RegimeInformed: {
		models.SignalFlowToxicity:           1.5,
		models.SignalOIDivergence:           1.3,
		models.SignalCrossMarketPropagation: 0.8,
	},
	models.RegimeDead: {
		models.SignalFlowToxicity: 0.5,
	},
}

func regimeMod(regime models.Regime, typ models.SignalType) float64 {
	mods, ok := regimeMods[regime]
	if !ok {
		return 1.0
	}
	if mod, ok := mods[typ]; ok {
		return mod
	}
	return 1.0
}

// RegimeReader is the subset of *state.Store the aggregator needs.
type RegimeReader interface {
	GetRegime(ctx context.Context, ticker string) (models.RegimeSummary, error)
}

type marketSignals struct {
	signals     []models.Signal
	lastPublish int64
}

// Aggregator fuses live signals into a regime-weighted composite score
// per market. The markets map is shared between the consumer goroutine
// running Run and the cleanup loop, and is guarded by mu.
type Aggregator struct {
	bus   *bus.Bus
	store RegimeReader

	mu      sync.Mutex
	markets map[string]*marketSignals
}

func New(b *bus.Bus, store RegimeReader) *Aggregator {
	return &Aggregator{
		bus:     b,
		store:   store,
		markets: make(map[string]*marketSignals),
	}
}

// Run consumes kalshi:signals:all via a dedicated consumer group and
// spawns the 60s empty-market cleanup loop, blocking until ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	cg := bus.NewConsumerGroup(a.bus, bus.TopicSignalAll, "aggregator", "aggregator-1")
	if err := cg.EnsureGroup(ctx); err != nil {
		return err
	}
	if err := cg.ReplayPending(ctx, 100, a.handle); err != nil {
		slog.Warn("aggregator: replay pending failed", "err", err)
	}

	go a.cleanupLoop(ctx)

	return cg.Run(ctx, 50, 5*time.Second, a.handle)
}

func (a *Aggregator) handle(ctx context.Context, e bus.Entry) error {
	var sig models.Signal
	if err := json.Unmarshal(e.Data, &sig); err != nil {
		slog.Warn("aggregator: unmarshal signal failed, skipping", "err", err)
		return nil
	}
	if err := sig.Validate(); err != nil {
		slog.Warn("aggregator: invalid signal, skipping", "err", err)
		return nil
	}

	now := time.Now()
	a.process(ctx, sig, now)
	return nil
}

func (a *Aggregator) process(ctx context.Context, sig models.Signal, now time.Time) {
	a.mu.Lock()
	mkt, ok := a.markets[sig.MarketTicker]
	if !ok {
		mkt = &marketSignals{}
		a.markets[sig.MarketTicker] = mkt
	}
	mkt.signals = pruneAndAppend(mkt.signals, sig, now)

	if now.Unix()-mkt.lastPublish < int64(publishCooldown.Seconds()) {
		a.mu.Unlock()
		return
	}
	mkt.lastPublish = now.Unix()
	signalsCopy := append([]models.Signal(nil), mkt.signals...)
	a.mu.Unlock()

	regime := a.currentRegime(ctx, sig.MarketTicker)
	composite, ok := computeComposite(sig.MarketTicker, signalsCopy, regime, now)
	if !ok {
		return
	}
	if composite.CompositeScore > -publishThreshold && composite.CompositeScore < publishThreshold {
		return
	}
	a.publish(ctx, composite)
}

func (a *Aggregator) currentRegime(ctx context.Context, ticker string) models.Regime {
	summary, err := a.store.GetRegime(ctx, ticker)
	if err != nil {
		slog.Warn("aggregator: get regime failed", "ticker", ticker, "err", err)
		return models.RegimeUnknown
	}
	return summary.Regime
}

func (a *Aggregator) publish(ctx context.Context, cs models.CompositeSignal) {
	data, err := json.Marshal(cs)
	if err != nil {
		slog.Error("aggregator: marshal composite failed", "err", err)
		return
	}
	if _, err := a.bus.Publish(ctx, bus.TopicSignalComposite, data); err != nil {
		slog.Error("aggregator: publish composite failed", "err", err)
	}
}

func (a *Aggregator) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cleanup(time.Now())
		}
	}
}

func (a *Aggregator) cleanup(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ticker, mkt := range a.markets {
		mkt.signals = liveOnly(mkt.signals, now)
		if len(mkt.signals) == 0 {
			delete(a.markets, ticker)
		}
	}
}

func liveOnly(signals []models.Signal, now time.Time) []models.Signal {
	live := signals[:0]
	for _, s := range signals {
		if s.IsLive(now) {
			live = append(live, s)
		}
	}
	return live
}

func pruneAndAppend(signals []models.Signal, sig models.Signal, now time.Time) []models.Signal {
	filtered := liveOnly(append([]models.Signal(nil), signals...), now)
	filtered = append(filtered, sig)
	if len(filtered) > maxSignalsPerMarket {
		filtered = filtered[len(filtered)-maxSignalsPerMarket:]
	}
	return filtered
}

// computeComposite implements the weighted-sum/total-weight formula.
// ok=false when every contributing weight is zero (nothing to publish).
func computeComposite(ticker string, signals []models.Signal, regime models.Regime, now time.Time) (models.CompositeSignal, bool) {
	var weightedSum, totalWeight float64
	var contributing []string

	for _, s := range signals {
		if !s.IsLive(now) {
			continue
		}
		weight := baseWeights[s.SignalType] * regimeMod(regime, s.SignalType) * s.Confidence
		weightedSum += s.Strength * s.Direction.Mult() * weight
		totalWeight += weight
		contributing = append(contributing, s.SignalID)
	}
	if totalWeight == 0 {
		return models.CompositeSignal{}, false
	}

	composite := clamp(weightedSum/totalWeight, -1, 1)
	cs := models.CompositeSignal{
		MarketTicker:        ticker,
		Direction:           models.DirectionForScore(composite),
		CompositeScore:      composite,
		ContributingSignals: contributing,
		Regime:              regime,
		Ts:                  now.Unix(),
	}
	return cs, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
