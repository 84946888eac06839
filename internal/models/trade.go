// Package models defines the wire/domain entities shared across the
// ingestion, persistence, and signal layers, grounded on the payload
// shapes in internal/kalshi/ws.go (tickerPayload, obSnapshotPayload,
// obDeltaPayload) and the Kalshi command/response types in
// other_examples/01e8b9ea_Projectsrxg-kalshi_v2...connection-types.go.
package models

import "fmt"

// Side is a binary market side.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Trade is a single public fill reported by the exchange.
type Trade struct {
	TradeID      string `json:"trade_id"`
	MarketTicker string `json:"market_ticker"`
	YesPrice     int    `json:"yes_price"`
	NoPrice      int    `json:"no_price"`
	Count        int    `json:"count"`
	TakerSide    Side   `json:"taker_side"`
	Ts           int64  `json:"ts"`
}

// Validate enforces: 0 ≤ yes_price,no_price ≤ 99, count ≥ 1,
// taker_side ∈ {yes,no}.
func (t Trade) Validate() error {
	if t.TradeID == "" {
		return fmt.Errorf("models: trade missing trade_id")
	}
	if t.MarketTicker == "" {
		return fmt.Errorf("models: trade %s missing market_ticker", t.TradeID)
	}
	if t.YesPrice < 0 || t.YesPrice > 99 {
		return fmt.Errorf("models: trade %s yes_price %d out of [0,99]", t.TradeID, t.YesPrice)
	}
	if t.NoPrice < 0 || t.NoPrice > 99 {
		return fmt.Errorf("models: trade %s no_price %d out of [0,99]", t.TradeID, t.NoPrice)
	}
	if t.Count < 1 {
		return fmt.Errorf("models: trade %s count %d must be >= 1", t.TradeID, t.Count)
	}
	if t.TakerSide != SideYes && t.TakerSide != SideNo {
		return fmt.Errorf("models: trade %s taker_side %q invalid", t.TradeID, t.TakerSide)
	}
	return nil
}
