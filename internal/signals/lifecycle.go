package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/theokelly26/KASS/internal/bus"
	"github.com/theokelly26/KASS/internal/models"
)

const (
	lifecycleNewWindow        = 300 * time.Second
	lifecycleExtremeDist      = 15
	lifecycleVeryExtremeLow   = 20
	lifecycleVeryExtremeHigh  = 80
	settlementCascadeTTL      = 120 * time.Second
)

// LifecycleStore is the subset of *state.Store the scanner needs to
// resolve the other markets in a settling/closing market's event.
type LifecycleStore interface {
	MarketsByEvent(ctx context.Context, eventTicker, excludeTicker string) ([]string, error)
	GetMarketMeta(ctx context.Context, ticker string) (models.KalshiMarket, bool, error)
}

// LifecycleAlphaScanner consumes market lifecycle events and ticker_v2
// and flags freshly-opened markets trading at extreme prices, plus
// settlement cascades across an event's sibling markets.
type LifecycleAlphaScanner struct {
	store LifecycleStore

	recentOpens map[string]int64 // ticker -> open ts
}

func NewLifecycleAlphaScanner(store LifecycleStore) *LifecycleAlphaScanner {
	return &LifecycleAlphaScanner{
		store:       store,
		recentOpens: make(map[string]int64),
	}
}

func (p *LifecycleAlphaScanner) Name() string { return "lifecycle_alpha" }
func (p *LifecycleAlphaScanner) InputTopics() []string {
	return []string{bus.TopicLifecycle, bus.TopicTickerV2}
}
func (p *LifecycleAlphaScanner) OutputTopic() string { return bus.TopicSignalLifecycle }

func (p *LifecycleAlphaScanner) Process(ctx context.Context, topic string, payload []byte, now time.Time) ([]models.Signal, error) {
	switch topic {
	case bus.TopicLifecycle:
		return p.handleLifecycle(ctx, payload, now)
	case bus.TopicTickerV2:
		return p.handleTicker(ctx, payload, now)
	default:
		return nil, nil
	}
}

func (p *LifecycleAlphaScanner) handleLifecycle(ctx context.Context, payload []byte, now time.Time) ([]models.Signal, error) {
	var evt models.MarketLifecycleEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("lifecycle_alpha: unmarshal lifecycle: %w", err)
	}

	status := evt.EffectiveStatus()
	switch {
	case evt.EventType == models.LifecycleOpen:
		p.recentOpens[evt.MarketTicker] = evt.Ts
		sig := models.NewSignal(models.SignalNewMarketOpen, evt.MarketTicker, models.DirectionNeutral, 0.4, 0.4, models.UrgencyWatch, lifecycleNewWindow, now)
		return []models.Signal{sig}, nil

	case status == "settled" || status == "closed" || status == "determined":
		return p.emitSettlementCascade(ctx, evt.MarketTicker, now)

	default:
		return nil, nil
	}
}

func (p *LifecycleAlphaScanner) emitSettlementCascade(ctx context.Context, ticker string, now time.Time) ([]models.Signal, error) {
	km, found, err := p.store.GetMarketMeta(ctx, ticker)
	if err != nil || !found || km.EventTicker == "" {
		return nil, nil
	}
	related, err := p.store.MarketsByEvent(ctx, km.EventTicker, ticker)
	if err != nil {
		return nil, fmt.Errorf("lifecycle_alpha: related markets: %w", err)
	}

	sigs := make([]models.Signal, 0, len(related))
	for _, target := range related {
		sig := models.NewSignal(models.SignalSettlementCascade, target, models.DirectionNeutral, 0.6, 0.5, models.UrgencyImmediate, settlementCascadeTTL, now)
		sig.Metadata = map[string]any{"settled_ticker": ticker}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

func (p *LifecycleAlphaScanner) handleTicker(ctx context.Context, payload []byte, now time.Time) ([]models.Signal, error) {
	var t models.TickerUpdate
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("lifecycle_alpha: unmarshal ticker: %w", err)
	}
	openTs, ok := p.recentOpens[t.MarketTicker]
	if !ok || now.Unix()-openTs > int64(lifecycleNewWindow.Seconds()) {
		return nil, nil
	}
	price, ok := t.PriceValue()
	if !ok {
		return nil, nil
	}

	var sigs []models.Signal
	distance := math.Abs(float64(price - 50))
	if distance >= lifecycleExtremeDist {
		dir := models.DirectionBuyYes
		if price > 50 {
			dir = models.DirectionBuyNo
		}
		strength := clamp01(distance / 50)
		sigs = append(sigs, models.NewSignal(models.SignalNewMarketOpen, t.MarketTicker, dir, strength, 0.4, models.UrgencyWatch, lifecycleNewWindow, now))
	}
	if price <= lifecycleVeryExtremeLow || price >= lifecycleVeryExtremeHigh {
		dir := models.DirectionBuyYes
		if price > 50 {
			dir = models.DirectionBuyNo
		}
		sigs = append(sigs, models.NewSignal(models.SignalNewMarketExtremePrice, t.MarketTicker, dir, 0.5, 0.35, models.UrgencyWatch, lifecycleNewWindow, now))
	}
	return sigs, nil
}
