package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Direction is the trade-bias a signal or composite implies.
type Direction string

const (
	DirectionBuyYes Direction = "buy_yes"
	DirectionBuyNo  Direction = "buy_no"
	DirectionNeutral Direction = "neutral"
)

// Mult returns the ±1/0 multiplier used in composite weighting.
func (d Direction) Mult() float64 {
	switch d {
	case DirectionBuyYes:
		return 1
	case DirectionBuyNo:
		return -1
	default:
		return 0
	}
}

// Urgency classifies how quickly a signal should be acted on.
type Urgency string

const (
	UrgencyImmediate  Urgency = "immediate"
	UrgencyWatch      Urgency = "watch"
	UrgencyBackground Urgency = "background"
)

// SignalType enumerates every signal_type a processor can emit. Kept as a
// plain string type (not an exhaustive const-only enum) since the
// aggregator's weight table (see internal/aggregator) must tolerate
// unknown types defaulting to a neutral weight.
type SignalType string

const (
	SignalFlowToxicity           SignalType = "flow_toxicity"
	SignalFlowBurst              SignalType = "flow_burst"
	SignalFlowLargeTrade         SignalType = "flow_large_trade"
	SignalOIDivergence           SignalType = "oi_divergence"
	SignalRegimeChange           SignalType = "regime_change"
	SignalCrossMarketPropagation SignalType = "cross_market_propagation"
	SignalSignalPropagation      SignalType = "signal_propagation"
	SignalNewMarketOpen          SignalType = "new_market_open"
	SignalNewMarketExtremePrice  SignalType = "new_market_extreme_price"
	SignalSettlementCascade      SignalType = "settlement_cascade"
)

// Signal is one alpha indication emitted by a processor.
type Signal struct {
	SignalID     string         `json:"signal_id"`
	SignalType   SignalType     `json:"signal_type"`
	MarketTicker string         `json:"market_ticker"`
	Direction    Direction      `json:"direction"`
	Strength     float64        `json:"strength"`
	Confidence   float64        `json:"confidence"`
	Urgency      Urgency        `json:"urgency"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Ts           int64          `json:"ts"`
	TTLSeconds   int64          `json:"ttl_seconds"`
}

// NewSignal constructs a Signal with a fresh UUID, matching the uuid
// generation idiom used across the pack (e.g. Projectsrxg-kalshi_v2,
// aristath-sentinel go.mod both depend on google/uuid).
func NewSignal(typ SignalType, ticker string, dir Direction, strength, confidence float64, urgency Urgency, ttl time.Duration, ts time.Time) Signal {
	return Signal{
		SignalID:     uuid.NewString(),
		SignalType:   typ,
		MarketTicker: ticker,
		Direction:    dir,
		Strength:     strength,
		Confidence:   confidence,
		Urgency:      urgency,
		Ts:           ts.Unix(),
		TTLSeconds:   int64(ttl.Seconds()),
	}
}

// Validate enforces 0≤strength≤1, 0≤confidence≤1.
func (s Signal) Validate() error {
	if s.SignalID == "" {
		return fmt.Errorf("models: signal missing signal_id")
	}
	if s.Strength < 0 || s.Strength > 1 {
		return fmt.Errorf("models: signal %s strength %f out of [0,1]", s.SignalID, s.Strength)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("models: signal %s confidence %f out of [0,1]", s.SignalID, s.Confidence)
	}
	return nil
}

// IsLive reports whether the signal has not yet expired as of now:
// now − ts ≤ ttl_seconds.
func (s Signal) IsLive(now time.Time) bool {
	age := now.Unix() - s.Ts
	return age <= s.TTLSeconds
}

// CompositeSignal is the regime-weighted fusion of currently-live signals
// for one market.
type CompositeSignal struct {
	MarketTicker       string    `json:"market_ticker"`
	Direction          Direction `json:"direction"`
	CompositeScore     float64   `json:"composite_score"`
	ContributingSignals []string `json:"contributing_signal_ids"`
	Regime             Regime    `json:"regime"`
	Ts                 int64     `json:"ts"`
}

// Validate enforces the score range and the neutral-direction/dead-zone
// consistency rule.
func (c CompositeSignal) Validate() error {
	if c.CompositeScore < -1 || c.CompositeScore > 1 {
		return fmt.Errorf("models: composite %s score %f out of [-1,1]", c.MarketTicker, c.CompositeScore)
	}
	if c.CompositeScore > -0.1 && c.CompositeScore < 0.1 && c.Direction != DirectionNeutral {
		return fmt.Errorf("models: composite %s |score|<0.1 but direction %q != neutral", c.MarketTicker, c.Direction)
	}
	return nil
}

// DirectionForScore applies the ±0.1 neutral dead-zone rule.
func DirectionForScore(score float64) Direction {
	switch {
	case score > 0.1:
		return DirectionBuyYes
	case score < -0.1:
		return DirectionBuyNo
	default:
		return DirectionNeutral
	}
}
