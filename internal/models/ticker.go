package models

// TickerUpdate carries only the subset of fields that changed since the
// last update; numeric deltas are signed changes, not absolute values.
// Pointer fields distinguish "unset" from "zero", generalized from a
// tickerPayload shape that always sent absolute fields into the
// delta-carrying ticker_v2 channel this models.
type TickerUpdate struct {
	MarketTicker          string   `json:"market_ticker"`
	Price                 *int     `json:"price,omitempty"`
	VolumeDelta           *int64   `json:"volume_delta,omitempty"`
	OpenInterestDelta     *int64   `json:"open_interest_delta,omitempty"`
	DollarVolumeDelta     *float64 `json:"dollar_volume_delta,omitempty"`
	DollarOpenInterestDelta *float64 `json:"dollar_open_interest_delta,omitempty"`
	Ts                    int64    `json:"ts"`
}

// PriceValue returns the absolute price if present, or ok=false.
func (t TickerUpdate) PriceValue() (int, bool) {
	if t.Price == nil {
		return 0, false
	}
	return *t.Price, true
}
