package aggregator

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/theokelly26/KASS/internal/models"
)

// S4 (spec.md §8): a conflicting flow_toxicity/oi_divergence pair must
// fuse to a small negative composite that stays under the publish
// threshold and resolves to a neutral direction.
func TestComputeComposite_ConflictingSignalsNetNegativeNeutral(t *testing.T) {
	now := time.Unix(1700000000, 0)
	toxicity := models.NewSignal(models.SignalFlowToxicity, "M1", models.DirectionBuyYes, 0.8, 0.7, models.UrgencyImmediate, 60*time.Second, now)
	oi := models.NewSignal(models.SignalOIDivergence, "M1", models.DirectionBuyNo, 0.9, 0.8, models.UrgencyWatch, 60*time.Second, now)

	cs, ok := computeComposite("M1", []models.Signal{toxicity, oi}, models.RegimeUnknown, now)
	if !ok {
		t.Fatal("expected computeComposite to report ok with two live contributing signals")
	}
	want := -0.041237
	if math.Abs(cs.CompositeScore-want) > 1e-5 {
		t.Errorf("composite score = %v, want ~%v", cs.CompositeScore, want)
	}
	if cs.Direction != models.DirectionNeutral {
		t.Errorf("direction = %v, want neutral", cs.Direction)
	}
	if len(cs.ContributingSignals) != 2 {
		t.Errorf("contributing signals = %v, want both signal IDs", cs.ContributingSignals)
	}
}

// Property #8 (spec.md §8): a signal is excluded from the composite once
// now > ts + ttl.
func TestComputeComposite_ExcludesExpiredSignals(t *testing.T) {
	now := time.Unix(1700000000, 0)
	fresh := models.NewSignal(models.SignalFlowToxicity, "M1", models.DirectionBuyYes, 0.8, 0.7, models.UrgencyImmediate, 60*time.Second, now)
	expired := models.NewSignal(models.SignalOIDivergence, "M1", models.DirectionBuyNo, 0.9, 0.8, models.UrgencyWatch, 10*time.Second, now.Add(-20*time.Second))

	cs, ok := computeComposite("M1", []models.Signal{fresh, expired}, models.RegimeUnknown, now)
	if !ok {
		t.Fatal("expected ok with one live signal remaining")
	}
	if len(cs.ContributingSignals) != 1 || cs.ContributingSignals[0] != fresh.SignalID {
		t.Errorf("expected only the fresh signal to contribute, got %v", cs.ContributingSignals)
	}
	if cs.Direction != models.DirectionBuyYes {
		t.Errorf("direction = %v, want buy_yes once the conflicting signal expires", cs.Direction)
	}
}

func TestComputeComposite_AllExpiredReturnsNotOK(t *testing.T) {
	now := time.Unix(1700000000, 0)
	expired := models.NewSignal(models.SignalFlowToxicity, "M1", models.DirectionBuyYes, 0.8, 0.7, models.UrgencyImmediate, 10*time.Second, now.Add(-20*time.Second))
	if _, ok := computeComposite("M1", []models.Signal{expired}, models.RegimeUnknown, now); ok {
		t.Error("expected not-ok when every contributing signal has expired")
	}
}

func TestComputeComposite_InformedRegimeBoostsFlowToxicityWeight(t *testing.T) {
	now := time.Unix(1700000000, 0)
	sig := models.NewSignal(models.SignalFlowToxicity, "M1", models.DirectionBuyYes, 0.8, 1.0, models.UrgencyImmediate, 60*time.Second, now)

	base, ok := computeComposite("M1", []models.Signal{sig}, models.RegimeUnknown, now)
	if !ok {
		t.Fatal("expected ok")
	}
	informed, ok := computeComposite("M1", []models.Signal{sig}, models.RegimeInformed, now)
	if !ok {
		t.Fatal("expected ok")
	}
	// A single contributing signal's direction is unaffected by its own
	// weight multiplier (weight cancels out of a one-term weighted mean);
	// the regime mod only matters once other signals are present.
	if base.CompositeScore != informed.CompositeScore {
		t.Errorf("single-signal composite should be regime-invariant: base=%v informed=%v", base.CompositeScore, informed.CompositeScore)
	}

	oi := models.NewSignal(models.SignalOIDivergence, "M1", models.DirectionBuyNo, 0.8, 1.0, models.UrgencyWatch, 60*time.Second, now)
	baseMixed, _ := computeComposite("M1", []models.Signal{sig, oi}, models.RegimeUnknown, now)
	informedMixed, _ := computeComposite("M1", []models.Signal{sig, oi}, models.RegimeInformed, now)
	if informedMixed.CompositeScore <= baseMixed.CompositeScore {
		t.Errorf("informed regime should tilt the mixed composite toward flow_toxicity's buy_yes side: base=%v informed=%v", baseMixed.CompositeScore, informedMixed.CompositeScore)
	}
}

// The 10s publish cooldown blocks a.process from reaching a.publish (and
// therefore a.bus.Publish) on a second signal arriving too soon after the
// first, even though the composite score itself would clear the
// threshold. Constructed with a nil *bus.Bus: if the cooldown failed to
// suppress the second call, the resulting nil-pointer Publish call would
// panic this test.
func TestProcess_CooldownSuppressesRapidRepublish(t *testing.T) {
	a := New(nil, fakeRegimeReader{})
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	sig := models.NewSignal(models.SignalFlowToxicity, "M1", models.DirectionBuyYes, 0.9, 0.9, models.UrgencyImmediate, 60*time.Second, now)

	a.mu.Lock()
	a.markets["M1"] = &marketSignals{lastPublish: now.Unix()}
	a.mu.Unlock()

	a.process(ctx, sig, now.Add(5*time.Second))

	a.mu.Lock()
	lastPublish := a.markets["M1"].lastPublish
	signalCount := len(a.markets["M1"].signals)
	a.mu.Unlock()

	if lastPublish != now.Unix() {
		t.Errorf("lastPublish moved to %d, want unchanged %d (cooldown should suppress the publish path)", lastPublish, now.Unix())
	}
	if signalCount != 1 {
		t.Errorf("expected the arriving signal to still be recorded, got %d signals", signalCount)
	}
}

type fakeRegimeReader struct{}

func (fakeRegimeReader) GetRegime(ctx context.Context, ticker string) (models.RegimeSummary, error) {
	return models.RegimeSummary{Regime: models.RegimeUnknown}, nil
}
