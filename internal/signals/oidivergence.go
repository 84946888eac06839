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
	oiWindowCap       = 50
	oiVelocityCap     = 200
	oiMinObservations = 30
	oiZScoreThreshold = 2.5
	oiDivergenceTTL   = 180 * time.Second
)

// oiMarketState is the per-market rolling state OIDivergenceDetector
// keeps: price/OI-delta/dollar-OI-delta windows, a cumulative OI total,
// and a window of |OI velocity| values used for z-scoring.
type oiMarketState struct {
	prices         []float64
	oiDeltas       []float64
	dollarOiDeltas []float64
	cumulativeOI   float64
	velocityWindow []float64
	observations   int
}

// OIDivergenceDetector consumes ticker_v2 updates and flags open-interest
// changes that diverge sharply from their recent baseline, classified by
// whether OI and price are moving in the same or opposite directions.
type OIDivergenceDetector struct {
	markets map[string]*oiMarketState
}

func NewOIDivergenceDetector() *OIDivergenceDetector {
	return &OIDivergenceDetector{markets: make(map[string]*oiMarketState)}
}

func (p *OIDivergenceDetector) Name() string         { return "oi_divergence" }
func (p *OIDivergenceDetector) InputTopics() []string { return []string{bus.TopicTickerV2} }
func (p *OIDivergenceDetector) OutputTopic() string   { return bus.TopicSignalOIDivergence }

func (p *OIDivergenceDetector) stateFor(ticker string) *oiMarketState {
	st, ok := p.markets[ticker]
	if !ok {
		st = &oiMarketState{}
		p.markets[ticker] = st
	}
	return st
}

func (p *OIDivergenceDetector) Process(ctx context.Context, topic string, payload []byte, now time.Time) ([]models.Signal, error) {
	var t models.TickerUpdate
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("oi_divergence: unmarshal ticker: %w", err)
	}

	st := p.stateFor(t.MarketTicker)
	st.observations++

	if price, ok := t.PriceValue(); ok {
		if price < 5 || price > 95 {
			return nil, nil
		}
		st.prices = appendCapFloat(st.prices, float64(price), oiWindowCap)
	}
	if t.OpenInterestDelta != nil {
		delta := float64(*t.OpenInterestDelta)
		st.oiDeltas = appendCapFloat(st.oiDeltas, delta, oiWindowCap)
		st.cumulativeOI += delta
	}
	if t.DollarOpenInterestDelta != nil {
		st.dollarOiDeltas = appendCapFloat(st.dollarOiDeltas, *t.DollarOpenInterestDelta, oiWindowCap)
	}

	if len(st.oiDeltas) == 0 {
		return nil, nil
	}

	// The |velocity| baseline accumulates from the first OI delta on, so
	// the z-score already has a history once emission is allowed.
	recentOI := lastN(st.oiDeltas, 10)
	velocity := meanFloat(recentOI)
	absVelocity := math.Abs(velocity)
	st.velocityWindow = appendCapFloat(st.velocityWindow, absVelocity, oiVelocityCap)

	if st.observations < oiMinObservations || len(st.prices) < 2 {
		return nil, nil
	}

	sumOI := sumFloat(recentOI)
	if sumOI == 0 {
		return nil, nil
	}
	oiRising := sumOI > 0

	priceRising, ok := priceDirection(st.prices)
	if !ok {
		return nil, nil
	}

	pattern, dir, baseConfidence := classifyOIRegime(oiRising, priceRising)

	z, ok := zscore(absVelocity, st.velocityWindow)
	if !ok || z <= oiZScoreThreshold {
		return nil, nil
	}

	confidence := baseConfidence
	if len(st.dollarOiDeltas) > 0 {
		dollarVelocity := meanFloat(lastN(st.dollarOiDeltas, 10))
		if sameSign(velocity, dollarVelocity) {
			confidence = clamp01(confidence + 0.15)
		}
	}
	strength := clamp01(z / 3)

	sig := models.NewSignal(models.SignalOIDivergence, t.MarketTicker, dir, strength, confidence, models.UrgencyWatch, oiDivergenceTTL, now)
	sig.Metadata = map[string]any{
		"pattern":     pattern,
		"z_score":     z,
		"oi_velocity": velocity,
	}
	return []models.Signal{sig}, nil
}

// priceDirection compares the mean of the later half of the price
// window against the earlier half. ok=false for a flat or too-short
// window (ambiguous direction).
func priceDirection(prices []float64) (rising bool, ok bool) {
	half := len(prices) / 2
	if half == 0 {
		return false, false
	}
	earlier := meanFloat(prices[:half])
	later := meanFloat(prices[half:])
	if later == earlier {
		return false, false
	}
	return later > earlier, true
}

// classifyOIRegime implements the four-quadrant OI/price regime table.
func classifyOIRegime(oiRising, priceRising bool) (pattern string, dir models.Direction, confidence float64) {
	switch {
	case oiRising && priceRising:
		return "new_longs", models.DirectionBuyYes, 0.75
	case oiRising && !priceRising:
		return "new_shorts", models.DirectionBuyNo, 0.75
	case !oiRising && priceRising:
		return "short_covering", models.DirectionBuyYes, 0.45
	default:
		return "long_liquidation", models.DirectionBuyNo, 0.45
	}
}

func lastN(xs []float64, n int) []float64 {
	if len(xs) <= n {
		return xs
	}
	return xs[len(xs)-n:]
}

func sumFloat(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// zscore computes (x - mean(window)) / stddev(window). ok=false when the
// window is degenerate (too small or zero variance).
func zscore(x float64, window []float64) (float64, bool) {
	if len(window) < 2 {
		return 0, false
	}
	mean := meanFloat(window)
	var sumSq float64
	for _, v := range window {
		d := v - mean
		sumSq += d * d
	}
	variance := sumSq / float64(len(window))
	std := math.Sqrt(variance)
	if std == 0 {
		return 0, false
	}
	return (x - mean) / std, true
}
