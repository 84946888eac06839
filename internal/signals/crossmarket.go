package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/theokelly26/KASS/internal/bus"
	"github.com/theokelly26/KASS/internal/models"
)

const (
	crossMarketMinMove       = 3
	crossMarketPropWindow    = 30 * time.Second
	crossMarketRelatedCap    = 20
	crossMarketTTL           = 60 * time.Second
	signalPropagationTTL     = 60 * time.Second
	crossMarketSignalStrMin  = 0.5
)

// CrossMarketStore is the subset of *state.Store the engine needs to
// resolve a market's owning event and the other markets in that event.
type CrossMarketStore interface {
	GetMarketMeta(ctx context.Context, ticker string) (models.KalshiMarket, bool, error)
	MarketsByEvent(ctx context.Context, eventTicker, excludeTicker string) ([]string, error)
}

type thresholdInfo struct {
	kind  string // "above", "below", or "between"
	value float64
	ok    bool
}

type marketInfo struct {
	eventTicker string
	threshold   thresholdInfo
}

// CrossMarketPropagationEngine consumes ticker_v2 and the flow-toxicity/
// OI-divergence signal streams and propagates price moves and high-
// confidence signals across bracket markets sharing the same event,
// when their parsed thresholds correlate.
//
// Owned by a single Runner worker goroutine; no locking needed.
type CrossMarketPropagationEngine struct {
	store CrossMarketStore

	lastPrice    map[string]int
	lastMoveTs   map[string]int64
	marketCache  map[string]marketInfo
	flowOISignal map[string]models.Signal
}

func NewCrossMarketPropagationEngine(store CrossMarketStore) *CrossMarketPropagationEngine {
	return &CrossMarketPropagationEngine{
		store:        store,
		lastPrice:    make(map[string]int),
		lastMoveTs:   make(map[string]int64),
		marketCache:  make(map[string]marketInfo),
		flowOISignal: make(map[string]models.Signal),
	}
}

func (e *CrossMarketPropagationEngine) Name() string { return "cross_market" }
func (e *CrossMarketPropagationEngine) InputTopics() []string {
	return []string{bus.TopicTickerV2, bus.TopicSignalFlowToxicity, bus.TopicSignalOIDivergence}
}
func (e *CrossMarketPropagationEngine) OutputTopic() string { return bus.TopicSignalCrossMarket }

func (e *CrossMarketPropagationEngine) Process(ctx context.Context, topic string, payload []byte, now time.Time) ([]models.Signal, error) {
	switch topic {
	case bus.TopicTickerV2:
		var t models.TickerUpdate
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, fmt.Errorf("cross_market: unmarshal ticker: %w", err)
		}
		price, ok := t.PriceValue()
		if !ok {
			return nil, nil
		}
		prev, known := e.lastPrice[t.MarketTicker]
		e.lastPrice[t.MarketTicker] = price
		if !known {
			return nil, nil
		}
		move := price - prev
		if math.Abs(float64(move)) < crossMarketMinMove {
			return nil, nil
		}
		e.lastMoveTs[t.MarketTicker] = now.Unix()
		return e.propagatePriceMove(ctx, t.MarketTicker, move, now)

	case bus.TopicSignalFlowToxicity, bus.TopicSignalOIDivergence:
		var sig models.Signal
		if err := json.Unmarshal(payload, &sig); err != nil {
			return nil, fmt.Errorf("cross_market: unmarshal signal: %w", err)
		}
		e.flowOISignal[sig.MarketTicker] = sig
		if sig.Strength < crossMarketSignalStrMin {
			return nil, nil
		}
		return e.propagateSignal(ctx, sig, now)

	default:
		return nil, nil
	}
}

func (e *CrossMarketPropagationEngine) propagatePriceMove(ctx context.Context, ticker string, move int, now time.Time) ([]models.Signal, error) {
	source, ok := e.infoFor(ctx, ticker)
	if !ok || source.eventTicker == "" {
		return nil, nil
	}
	related, err := e.relatedMarkets(ctx, source.eventTicker, ticker)
	if err != nil {
		return nil, fmt.Errorf("cross_market: related markets: %w", err)
	}

	var sigs []models.Signal
	for _, target := range related {
		if lastMove, ok := e.lastMoveTs[target]; ok && now.Unix()-lastMove < int64(crossMarketPropWindow.Seconds()) {
			continue
		}
		targetInfo, ok := e.infoFor(ctx, target)
		if !ok {
			continue
		}
		dir, ok := inferDirection(source, targetInfo, move)
		if !ok {
			continue
		}
		strength := clamp01(math.Abs(float64(move)) / 10)
		sig := models.NewSignal(models.SignalCrossMarketPropagation, target, dir, strength, 0.65, models.UrgencyImmediate, crossMarketTTL, now)
		sig.Metadata = map[string]any{"source_ticker": ticker, "source_move": move}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

func (e *CrossMarketPropagationEngine) propagateSignal(ctx context.Context, sig models.Signal, now time.Time) ([]models.Signal, error) {
	source, ok := e.infoFor(ctx, sig.MarketTicker)
	if !ok || source.eventTicker == "" {
		return nil, nil
	}
	related, err := e.relatedMarkets(ctx, source.eventTicker, sig.MarketTicker)
	if err != nil {
		return nil, fmt.Errorf("cross_market: related markets: %w", err)
	}

	var sigs []models.Signal
	for _, target := range related {
		if existing, ok := e.flowOISignal[target]; ok && existing.IsLive(now) {
			continue
		}
		if lastMove, ok := e.lastMoveTs[target]; ok && now.Unix()-lastMove < int64(crossMarketPropWindow.Seconds()) {
			continue
		}
		out := models.NewSignal(models.SignalSignalPropagation, target, sig.Direction, clamp01(sig.Strength*0.7), clamp01(sig.Confidence*0.6), models.UrgencyWatch, signalPropagationTTL, now)
		out.Metadata = map[string]any{"source_ticker": sig.MarketTicker, "source_signal_type": string(sig.SignalType)}
		sigs = append(sigs, out)
	}
	return sigs, nil
}

func (e *CrossMarketPropagationEngine) relatedMarkets(ctx context.Context, eventTicker, excludeTicker string) ([]string, error) {
	related, err := e.store.MarketsByEvent(ctx, eventTicker, excludeTicker)
	if err != nil {
		return nil, err
	}
	if len(related) > crossMarketRelatedCap {
		related = related[:crossMarketRelatedCap]
	}
	return related, nil
}

// infoFor resolves and caches a market's owning event and parsed
// threshold, looked up from the StateStore on first sight.
func (e *CrossMarketPropagationEngine) infoFor(ctx context.Context, ticker string) (marketInfo, bool) {
	if info, ok := e.marketCache[ticker]; ok {
		return info, true
	}
	km, found, err := e.store.GetMarketMeta(ctx, ticker)
	if err != nil || !found {
		return marketInfo{}, false
	}
	text := km.Subtitle
	if text == "" {
		text = km.Title
	}
	info := marketInfo{
		eventTicker: km.EventTicker,
		threshold:   parseThreshold(text),
	}
	e.marketCache[ticker] = info
	return info, true
}

var (
	aboveBelowRe = regexp.MustCompile(`(?i)\b(above|below)\b[^0-9\-]{0,10}(-?[0-9][0-9,.]*)`)
	betweenRe    = regexp.MustCompile(`(?i)\bbetween\b`)
)

// parseThreshold extracts a (above|below|between, value) threshold out
// of a market's subtitle or title.
func parseThreshold(text string) thresholdInfo {
	if betweenRe.MatchString(text) {
		return thresholdInfo{kind: "between", ok: true}
	}
	m := aboveBelowRe.FindStringSubmatch(text)
	if m == nil {
		return thresholdInfo{}
	}
	raw := strings.ReplaceAll(m[2], ",", "")
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return thresholdInfo{}
	}
	return thresholdInfo{kind: strings.ToLower(m[1]), value: value, ok: true}
}

// inferDirection implements the bracket-correlation rule: same type
// (above/below) with different values infers a direction from the
// source's move; between, equal thresholds, or unparseable thresholds
// suppress the signal rather than guess.
func inferDirection(source, target marketInfo, move int) (models.Direction, bool) {
	if !source.threshold.ok || !target.threshold.ok {
		return "", false
	}
	if source.threshold.kind == "between" || target.threshold.kind == "between" {
		return "", false
	}
	if source.threshold.kind != target.threshold.kind {
		return "", false
	}
	if source.threshold.value == target.threshold.value {
		return "", false
	}
	if move > 0 {
		return models.DirectionBuyYes, true
	}
	return models.DirectionBuyNo, true
}
