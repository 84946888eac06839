package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/theokelly26/KASS/internal/bus"
	"github.com/theokelly26/KASS/internal/models"
)

const (
	regimeDeltaCap    = 200
	regimeTradeCap    = 200
	regimeMessageWin  = 60 * time.Second
	regimeTradeWin    = 300 * time.Second
	regimeChangeTTL   = 120 * time.Second
	regimeFlushPeriod = 30 * time.Second
)

// RegimeStore is the subset of *state.Store the detector flushes into.
type RegimeStore interface {
	PutRegime(ctx context.Context, ticker string, snap models.RegimeSummary) error
}

// regimeMarketState is the per-market rolling state RegimeDetector keeps:
// current depth totals per side, deques of recent delta/trade
// timestamps, the last traded price, and the previously classified
// regime (to detect transitions).
type regimeMarketState struct {
	yesDepth   int
	noDepth    int
	deltaTimes []int64
	tradeTimes []int64
	lastPrice  int
	prevRegime models.Regime
}

// RegimeDetector consumes trades, ticker_v2, and orderbook deltas and
// classifies each market's current microstructure regime, emitting a
// regime_change signal on transition and periodically flushing the
// current classification to the StateStore.
//
// Process mutates per-market state from the single Runner worker
// goroutine; mu additionally guards it against FlushLoop, which the
// caller runs on its own goroutine.
type RegimeDetector struct {
	mu      sync.RWMutex
	markets map[string]*regimeMarketState
}

func NewRegimeDetector() *RegimeDetector {
	return &RegimeDetector{markets: make(map[string]*regimeMarketState)}
}

func (p *RegimeDetector) Name() string { return "regime" }
func (p *RegimeDetector) InputTopics() []string {
	return []string{bus.TopicTrades, bus.TopicTickerV2, bus.TopicOrderbookDeltas}
}
func (p *RegimeDetector) OutputTopic() string { return bus.TopicSignalRegime }

func (p *RegimeDetector) stateForLocked(ticker string) *regimeMarketState {
	st, ok := p.markets[ticker]
	if !ok {
		st = &regimeMarketState{prevRegime: models.RegimeUnknown}
		p.markets[ticker] = st
	}
	return st
}

func (p *RegimeDetector) Process(ctx context.Context, topic string, payload []byte, now time.Time) ([]models.Signal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ticker string
	var st *regimeMarketState

	switch topic {
	case bus.TopicTrades:
		var t models.Trade
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, fmt.Errorf("regime: unmarshal trade: %w", err)
		}
		ticker = t.MarketTicker
		st = p.stateForLocked(ticker)
		st.tradeTimes = appendCapInt64(st.tradeTimes, t.Ts, regimeTradeCap)
		st.lastPrice = t.YesPrice

	case bus.TopicTickerV2:
		var t models.TickerUpdate
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, fmt.Errorf("regime: unmarshal ticker: %w", err)
		}
		ticker = t.MarketTicker
		st = p.stateForLocked(ticker)
		if price, ok := t.PriceValue(); ok {
			st.lastPrice = price
		}

	case bus.TopicOrderbookDeltas:
		var d models.OrderbookDelta
		if err := json.Unmarshal(payload, &d); err != nil {
			return nil, fmt.Errorf("regime: unmarshal delta: %w", err)
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("regime: %w", err)
		}
		ticker = d.MarketTicker
		st = p.stateForLocked(ticker)
		st.deltaTimes = appendCapInt64(st.deltaTimes, d.Ts, regimeDeltaCap)
		if d.Side == models.SideYes {
			st.yesDepth = nonNegative(st.yesDepth + d.Delta)
		} else {
			st.noDepth = nonNegative(st.noDepth + d.Delta)
		}

	default:
		return nil, nil
	}

	regime := classify(st, now)
	if regime == st.prevRegime {
		return nil, nil
	}
	prev := st.prevRegime
	st.prevRegime = regime

	urgency := models.UrgencyBackground
	if regime == models.RegimeInformed {
		urgency = models.UrgencyImmediate
	}
	sig := models.NewSignal(models.SignalRegimeChange, ticker, models.DirectionNeutral, 1.0, 0.7, urgency, regimeChangeTTL, now)
	sig.Metadata = map[string]any{"from": string(prev), "to": string(regime)}
	return []models.Signal{sig}, nil
}

// classify implements the five-rule precedence table. st must be held
// under at least a read lock by the caller.
func classify(st *regimeMarketState, now time.Time) models.Regime {
	messageRate := messageRateWithin(st, now)
	tradeRate := rateWithin(st.tradeTimes, now, regimeTradeWin) / (regimeTradeWin.Seconds() / 60)
	depthImbalance := 0.0
	if total := st.yesDepth + st.noDepth; total > 0 {
		depthImbalance = float64(st.yesDepth-st.noDepth) / float64(total)
	}

	switch {
	case (st.lastPrice <= 5 || st.lastPrice >= 95) && tradeRate > 2:
		return models.RegimePreSettle
	case tradeRate < 0.2 && messageRate < 0.1:
		return models.RegimeDead
	case math.Abs(depthImbalance) > 0.6 && tradeRate > 5:
		return models.RegimeInformed
	case tradeRate > 2 && messageRate > 0.5:
		return models.RegimeActive
	default:
		return models.RegimeQuiet
	}
}

func rateWithin(times []int64, now time.Time, window time.Duration) float64 {
	cutoff := now.Unix() - int64(window.Seconds())
	n := 0
	for _, ts := range times {
		if ts >= cutoff {
			n++
		}
	}
	return float64(n)
}

// messageRateWithin counts both orderbook deltas and trades within the
// message-rate window, per-second: a market can be quiet on book deltas
// but still actively trading, and the reverse, so either stream alone
// under-counts total message volume.
func messageRateWithin(st *regimeMarketState, now time.Time) float64 {
	n := rateWithin(st.deltaTimes, now, regimeMessageWin) + rateWithin(st.tradeTimes, now, regimeMessageWin)
	return n / regimeMessageWin.Seconds()
}

func nonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// FlushLoop recomputes and writes every known market's regime summary to
// store every 30s until ctx is canceled. Run as a separate goroutine
// alongside the Runner driving this processor's Process calls.
func (p *RegimeDetector) FlushLoop(ctx context.Context, store RegimeStore) error {
	ticker := time.NewTicker(regimeFlushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.flush(ctx, store)
		}
	}
}

func (p *RegimeDetector) flush(ctx context.Context, store RegimeStore) {
	now := time.Now()
	type entry struct {
		ticker string
		snap   models.RegimeSummary
	}

	p.mu.RLock()
	entries := make([]entry, 0, len(p.markets))
	for ticker, st := range p.markets {
		depthImbalance := 0.0
		if total := st.yesDepth + st.noDepth; total > 0 {
			depthImbalance = float64(st.yesDepth-st.noDepth) / float64(total)
		}
		entries = append(entries, entry{
			ticker: ticker,
			snap: models.RegimeSummary{
				Regime:         st.prevRegime,
				DepthImbalance: depthImbalance,
				TradeRate:      rateWithin(st.tradeTimes, now, regimeTradeWin) / (regimeTradeWin.Seconds() / 60),
				MessageRate:    messageRateWithin(st, now),
				LastPrice:      st.lastPrice,
				YesDepth:       st.yesDepth,
				NoDepth:        st.noDepth,
				Ts:             now.Unix(),
			},
		})
	}
	p.mu.RUnlock()

	for _, e := range entries {
		if err := store.PutRegime(ctx, e.ticker, e.snap); err != nil {
			slog.Warn("regime: flush failed", "ticker", e.ticker, "err", err)
		}
	}
}
