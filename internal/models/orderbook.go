package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// PriceLevel is one [price, quantity] pair. It marshals as a two-element
// JSON array, matching the obSnapshotPayload wire format
// ("yes": [[price,qty], ...]).
type PriceLevel struct {
	Price int
	Qty   int
}

func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{l.Price, l.Qty})
}

func (l *PriceLevel) UnmarshalJSON(b []byte) error {
	var pair [2]int
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	l.Price, l.Qty = pair[0], pair[1]
	return nil
}

// OrderbookSnapshot is the full book for a market at a point in time.
// Either side may be empty.
type OrderbookSnapshot struct {
	MarketTicker string       `json:"market_ticker"`
	Yes          []PriceLevel `json:"yes"`
	No           []PriceLevel `json:"no"`
	Ts           int64        `json:"ts"`
}

// OrderbookDelta is a signed quantity change at one price on one side.
type OrderbookDelta struct {
	MarketTicker  string `json:"market_ticker"`
	Price         int    `json:"price"`
	Delta         int    `json:"delta"`
	Side          Side   `json:"side"`
	Ts            int64  `json:"ts"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

func (d OrderbookDelta) Validate() error {
	if d.MarketTicker == "" {
		return fmt.Errorf("models: orderbook delta missing market_ticker")
	}
	if d.Price < 0 || d.Price > 99 {
		return fmt.Errorf("models: orderbook delta price %d out of [0,99]", d.Price)
	}
	if d.Side != SideYes && d.Side != SideNo {
		return fmt.Errorf("models: orderbook delta side %q invalid", d.Side)
	}
	return nil
}

// Book is the in-memory/serialized representation of one market's
// current order book: price (cents) → quantity, per side.
type Book struct {
	MarketTicker string      `json:"market_ticker"`
	Yes          map[int]int `json:"yes"`
	No           map[int]int `json:"no"`
}

// NewBookFromSnapshot replaces any previous book for the market with the
// full state carried by a snapshot message.
func NewBookFromSnapshot(snap OrderbookSnapshot) *Book {
	b := &Book{
		MarketTicker: snap.MarketTicker,
		Yes:          make(map[int]int, len(snap.Yes)),
		No:           make(map[int]int, len(snap.No)),
	}
	for _, l := range snap.Yes {
		if l.Qty > 0 {
			b.Yes[l.Price] = l.Qty
		}
	}
	for _, l := range snap.No {
		if l.Qty > 0 {
			b.No[l.Price] = l.Qty
		}
	}
	return b
}

// ApplyDelta mutates the book in place. Applying a delta to a missing
// price yields that price with quantity max(delta,0); a resulting
// quantity ≤ 0 removes the level entirely.
func (b *Book) ApplyDelta(d OrderbookDelta) {
	side := b.Yes
	if d.Side == SideNo {
		side = b.No
	}

	current, ok := side[d.Price]
	if !ok {
		if d.Delta > 0 {
			side[d.Price] = d.Delta
		}
		return
	}

	next := current + d.Delta
	if next <= 0 {
		delete(side, d.Price)
		return
	}
	side[d.Price] = next
}

// Snapshot converts the book back into the sorted-level wire format.
func (b *Book) Snapshot() OrderbookSnapshot {
	return OrderbookSnapshot{
		MarketTicker: b.MarketTicker,
		Yes:          sortedLevels(b.Yes),
		No:           sortedLevels(b.No),
	}
}

func sortedLevels(m map[int]int) []PriceLevel {
	levels := make([]PriceLevel, 0, len(m))
	for price, qty := range m {
		levels = append(levels, PriceLevel{Price: price, Qty: qty})
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
	return levels
}

// BestBid returns the highest price with positive quantity on side, or
// (0, false) if the side is empty.
func (b *Book) BestBid(side Side) (int, bool) {
	m := b.Yes
	if side == SideNo {
		m = b.No
	}
	best, ok := 0, false
	for price, qty := range m {
		if qty > 0 && (!ok || price > best) {
			best, ok = price, true
		}
	}
	return best, ok
}

// Spread = 100 − best_yes_bid − best_no_bid. Returns ok=false if either
// side has no quoted level.
func (b *Book) Spread() (int, bool) {
	yesBid, ok1 := b.BestBid(SideYes)
	noBid, ok2 := b.BestBid(SideNo)
	if !ok1 || !ok2 {
		return 0, false
	}
	return 100 - yesBid - noBid, true
}

// Midpoint = (best_yes_bid + (100 − best_no_bid)) / 2.
func (b *Book) Midpoint() (float64, bool) {
	yesBid, ok1 := b.BestBid(SideYes)
	noBid, ok2 := b.BestBid(SideNo)
	if !ok1 || !ok2 {
		return 0, false
	}
	return float64(yesBid+(100-noBid)) / 2, true
}

// DepthWithin returns the summed quantity for levels within the top n
// price points on the given side (used for yes_depth_5/no_depth_5).
func (b *Book) DepthWithin(side Side, n int) int {
	levels := sortedLevels(map[int]int(nil))
	if side == SideYes {
		levels = sortedLevels(b.Yes)
	} else {
		levels = sortedLevels(b.No)
	}
	// Best levels are nearest 99 for yes bids and nearest 99 for no bids;
	// both represent "best" as highest price, so take the top n by price
	// descending.
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price > levels[j].Price })
	if n > len(levels) {
		n = len(levels)
	}
	total := 0
	for _, l := range levels[:n] {
		total += l.Qty
	}
	return total
}

// TotalDepth sums all quantity on one side.
func (b *Book) TotalDepth(side Side) int {
	m := b.Yes
	if side == SideNo {
		m = b.No
	}
	total := 0
	for _, qty := range m {
		total += qty
	}
	return total
}
