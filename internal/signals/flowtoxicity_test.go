package signals

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/theokelly26/KASS/internal/models"
)

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// S3 (spec.md §8): 25 one-sided trades fill one 25-contract bucket to
// VPIN=1.0. The market's liquidity gate is seeded above the 200-contract
// floor first (a thin 50-trade warm-up would itself be rejected as
// illiquid under the total_volume<200 && total_trades>10 rule), matching
// a market that has already traded before the toxic burst arrives.
func TestFlowToxicityClassifier_VPINBurstSignal(t *testing.T) {
	p := NewFlowToxicityClassifier()
	st := p.stateFor("M1")
	st.totalVolume = 300
	st.totalTrades = 50

	now := time.Unix(1700000000, 0)
	var last []models.Signal
	for i := 0; i < 25; i++ {
		trade := models.Trade{
			TradeID:      "t" + string(rune('a'+i)),
			MarketTicker: "M1",
			YesPrice:     50,
			NoPrice:      50,
			Count:        1,
			TakerSide:    models.SideYes,
			Ts:           now.Unix(),
		}
		sigs, err := p.Process(context.Background(), "trades", mustMarshal(t, trade), now)
		if err != nil {
			t.Fatalf("process trade %d: %v", i, err)
		}
		last = sigs
	}

	var toxicity *models.Signal
	for i := range last {
		if last[i].SignalType == models.SignalFlowToxicity {
			toxicity = &last[i]
		}
	}
	if toxicity == nil {
		t.Fatalf("expected a flow_toxicity signal on the 25th trade, got %+v", last)
	}
	if toxicity.Strength != 1.0 {
		t.Errorf("strength = %v, want 1.0", toxicity.Strength)
	}
	if toxicity.Direction != models.DirectionBuyYes {
		t.Errorf("direction = %v, want buy_yes", toxicity.Direction)
	}
	if toxicity.Urgency != models.UrgencyImmediate {
		t.Errorf("urgency = %v, want immediate", toxicity.Urgency)
	}
}

func TestFlowToxicityClassifier_IlliquidMarketSkipped(t *testing.T) {
	p := NewFlowToxicityClassifier()
	now := time.Unix(1700000000, 0)

	// Fewer than 200 total contracts traded: once the market has more than
	// 10 trades, every message is skipped with no signals at all, even
	// though these same-second trades would otherwise keep firing
	// flow_burst (which they do from the 8th trade on, before the gate).
	for i := 0; i < 15; i++ {
		trade := models.Trade{
			TradeID:      "t" + string(rune('a'+i)),
			MarketTicker: "THIN",
			YesPrice:     50,
			NoPrice:      50,
			Count:        1,
			TakerSide:    models.SideYes,
			Ts:           now.Unix(),
		}
		sigs, err := p.Process(context.Background(), "trades", mustMarshal(t, trade), now)
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if i >= 10 && len(sigs) != 0 {
			t.Fatalf("trade %d: expected no signals for illiquid market, got %+v", i, sigs)
		}
	}
}

func TestFlowToxicityClassifier_BalancedFlowLowVPIN(t *testing.T) {
	p := NewFlowToxicityClassifier()
	st := p.stateFor("M2")
	st.totalVolume = 300
	st.totalTrades = 50

	now := time.Unix(1700000000, 0)
	side := models.SideYes
	var sigs []models.Signal
	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			side = models.SideYes
		} else {
			side = models.SideNo
		}
		trade := models.Trade{
			TradeID:      "b" + string(rune('a'+i)),
			MarketTicker: "M2",
			YesPrice:     50,
			NoPrice:      50,
			Count:        1,
			TakerSide:    side,
			Ts:           now.Unix() + int64(i)*100,
		}
		out, err := p.Process(context.Background(), "trades", mustMarshal(t, trade), now.Add(time.Duration(i)*100*time.Second))
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		sigs = append(sigs, out...)
	}
	for _, s := range sigs {
		if s.SignalType == models.SignalFlowToxicity {
			t.Errorf("unexpected flow_toxicity signal under balanced flow: %+v", s)
		}
	}
}

func TestFlowLargeTradeSignal(t *testing.T) {
	p := NewFlowToxicityClassifier()
	st := p.stateFor("M3")
	st.totalVolume = 300
	st.totalTrades = 50

	now := time.Unix(1700000000, 0)
	// Seed a running mean of ~1 contract per trade, then send one 10x outlier.
	for i := 0; i < 5; i++ {
		trade := models.Trade{
			TradeID: "s" + string(rune('a'+i)), MarketTicker: "M3",
			YesPrice: 50, NoPrice: 50, Count: 1, TakerSide: models.SideYes, Ts: now.Unix(),
		}
		if _, err := p.Process(context.Background(), "trades", mustMarshal(t, trade), now); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	big := models.Trade{
		TradeID: "big", MarketTicker: "M3",
		YesPrice: 50, NoPrice: 50, Count: 10, TakerSide: models.SideYes, Ts: now.Unix() + 1,
	}
	sigs, err := p.Process(context.Background(), "trades", mustMarshal(t, big), now.Add(time.Second))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	found := false
	for _, s := range sigs {
		if s.SignalType == models.SignalFlowLargeTrade {
			found = true
		}
	}
	if !found {
		t.Errorf("expected flow_large_trade signal, got %+v", sigs)
	}
}
