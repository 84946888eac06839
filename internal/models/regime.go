package models

// Regime is the coarse microstructure classification a market is
// currently in.
type Regime string

const (
	RegimeDead       Regime = "dead"
	RegimeQuiet      Regime = "quiet"
	RegimeActive     Regime = "active"
	RegimeInformed   Regime = "informed"
	RegimePreSettle  Regime = "pre_settle"
	RegimeUnknown    Regime = "unknown"
)

// RegimeSummary is the JSON document stored at state:regime:{ticker}.
type RegimeSummary struct {
	Regime         Regime  `json:"regime"`
	DepthImbalance float64 `json:"depth_imbalance"`
	TradeRate      float64 `json:"trade_rate"`
	MessageRate    float64 `json:"message_rate"`
	LastPrice      int     `json:"last_price"`
	YesDepth       int     `json:"yes_depth"`
	NoDepth        int     `json:"no_depth"`
	Ts             int64   `json:"ts"`
}
