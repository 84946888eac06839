package signals

import (
	"context"
	"testing"
	"time"

	"github.com/theokelly26/KASS/internal/models"
)

func intPtr(v int) *int     { return &v }
func i64Ptr(v int64) *int64 { return &v }

func TestOIDivergenceDetector_PriceOutOfBandSkipped(t *testing.T) {
	p := NewOIDivergenceDetector()
	ticker := models.TickerUpdate{MarketTicker: "M1", Price: intPtr(3), OpenInterestDelta: i64Ptr(10), Ts: 1700000000}
	sigs, err := p.Process(context.Background(), "ticker_v2", mustMarshal(t, ticker), time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(sigs) != 0 {
		t.Fatalf("expected no signal for out-of-band price, got %+v", sigs)
	}
}

func TestOIDivergenceDetector_RisingOIRisingPriceEmitsNewLongs(t *testing.T) {
	p := NewOIDivergenceDetector()
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	for i := 1; i <= 29; i++ {
		u := models.TickerUpdate{
			MarketTicker:      "M1",
			Price:             intPtr(50 + i),
			OpenInterestDelta: i64Ptr(1),
			Ts:                now.Unix() + int64(i),
		}
		sigs, err := p.Process(ctx, "ticker_v2", mustMarshal(t, u), now)
		if err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
		if len(sigs) != 0 {
			t.Fatalf("unexpected early signal at observation %d: %+v", i, sigs)
		}
	}

	// 30th observation: a large OI jump against a steady low-variance
	// baseline should clear the z-score threshold.
	final := models.TickerUpdate{
		MarketTicker:      "M1",
		Price:             intPtr(80),
		OpenInterestDelta: i64Ptr(100),
		Ts:                now.Unix() + 30,
	}
	last, err := p.Process(ctx, "ticker_v2", mustMarshal(t, final), now)
	if err != nil {
		t.Fatalf("process final: %v", err)
	}
	if len(last) != 1 {
		t.Fatalf("expected exactly one oi_divergence signal, got %+v", last)
	}
	sig := last[0]
	if sig.SignalType != models.SignalOIDivergence {
		t.Errorf("signal_type = %v, want oi_divergence", sig.SignalType)
	}
	if sig.Direction != models.DirectionBuyYes {
		t.Errorf("direction = %v, want buy_yes", sig.Direction)
	}
	if sig.Confidence != 0.75 {
		t.Errorf("confidence = %v, want 0.75 (no dollar-OI confirmation)", sig.Confidence)
	}
	if sig.Metadata["pattern"] != "new_longs" {
		t.Errorf("pattern = %v, want new_longs", sig.Metadata["pattern"])
	}
}

func TestClassifyOIRegimeQuadrants(t *testing.T) {
	cases := []struct {
		oiRising, priceRising bool
		wantPattern           string
		wantDir               models.Direction
	}{
		{true, true, "new_longs", models.DirectionBuyYes},
		{true, false, "new_shorts", models.DirectionBuyNo},
		{false, true, "short_covering", models.DirectionBuyYes},
		{false, false, "long_liquidation", models.DirectionBuyNo},
	}
	for _, c := range cases {
		pattern, dir, _ := classifyOIRegime(c.oiRising, c.priceRising)
		if pattern != c.wantPattern || dir != c.wantDir {
			t.Errorf("classifyOIRegime(%v,%v) = (%s,%s), want (%s,%s)",
				c.oiRising, c.priceRising, pattern, dir, c.wantPattern, c.wantDir)
		}
	}
}

func TestZScoreDegenerateWindow(t *testing.T) {
	if _, ok := zscore(5, []float64{1}); ok {
		t.Error("zscore with a single-element window should be not-ok")
	}
	if _, ok := zscore(5, []float64{1, 1, 1}); ok {
		t.Error("zscore with zero-variance window should be not-ok")
	}
	z, ok := zscore(10, []float64{1, 2, 3})
	if !ok {
		t.Fatal("expected ok for a varied window")
	}
	if z <= 0 {
		t.Errorf("z = %v, want positive for an above-mean sample", z)
	}
}
