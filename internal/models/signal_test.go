package models

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestSignalIsLive(t *testing.T) {
	now := time.Unix(1_700_000_100, 0)
	s := Signal{Ts: 1_700_000_000, TTLSeconds: 120}

	if !s.IsLive(now) {
		t.Errorf("expected live at age 100s with ttl 120s")
	}

	late := time.Unix(1_700_000_121, 0)
	if s.IsLive(late) {
		t.Errorf("expected expired at age 121s with ttl 120s")
	}
}

func TestDirectionForScoreDeadZone(t *testing.T) {
	cases := []struct {
		score float64
		want  Direction
	}{
		{0.41, DirectionBuyYes},
		{0.1, DirectionNeutral},
		{-0.1, DirectionNeutral},
		{0.099, DirectionNeutral},
		{-0.41, DirectionBuyNo},
		{0.0, DirectionNeutral},
	}
	for _, c := range cases {
		got := DirectionForScore(c.score)
		if got != c.want {
			t.Errorf("DirectionForScore(%v) = %v, want %v", c.score, got, c.want)
		}
	}
}

func TestSignalValidate(t *testing.T) {
	valid := NewSignal(SignalFlowToxicity, "M1", DirectionBuyYes, 0.8, 0.6, UrgencyImmediate, 30*time.Second, time.Unix(100, 0))
	if err := valid.Validate(); err != nil {
		t.Errorf("expected valid signal, got %v", err)
	}

	invalid := valid
	invalid.Strength = 1.5
	if err := invalid.Validate(); err == nil {
		t.Errorf("expected error for strength out of range")
	}
}

func TestSignalRoundTrip(t *testing.T) {
	s := NewSignal(SignalOIDivergence, "M1", DirectionBuyNo, 0.5, 0.75, UrgencyWatch, 60*time.Second, time.Unix(500, 0))
	s.Metadata = map[string]any{"z_score": 2.7}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Signal
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	// metadata numeric types come back as float64 either way since we
	// marshaled a float64 in, so direct comparison is safe here.
	if !reflect.DeepEqual(s, out) {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, s)
	}
}

func TestCompositeSignalValidate(t *testing.T) {
	bad := CompositeSignal{MarketTicker: "M1", CompositeScore: 0.05, Direction: DirectionBuyYes}
	if err := bad.Validate(); err == nil {
		t.Errorf("expected error: |score|<0.1 but direction not neutral")
	}

	good := CompositeSignal{MarketTicker: "M1", CompositeScore: 0.05, Direction: DirectionNeutral}
	if err := good.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	outOfRange := CompositeSignal{MarketTicker: "M1", CompositeScore: 1.2, Direction: DirectionBuyYes}
	if err := outOfRange.Validate(); err == nil {
		t.Errorf("expected error: score out of [-1,1]")
	}
}
