package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/theokelly26/KASS/internal/bus"
	"github.com/theokelly26/KASS/internal/models"
)

const (
	flowBucketSize  = 25
	flowWindowCap   = 20
	flowTimesCap    = 100
	flowSizesCap    = 200
	flowBurstWindow = 5 * time.Second
	flowBurstCount  = 8
	flowToxicityTTL = 60 * time.Second
	flowBurstTTL    = 30 * time.Second
	flowLargeTTL    = 30 * time.Second
)

// flowMarketState is the per-market rolling state FlowToxicityClassifier
// keeps: the in-progress volume bucket, a window of completed-bucket
// VPINs, and deques of recent trade timestamps/sizes.
type flowMarketState struct {
	bucketVolume int
	bucketBuy    int
	window       []float64
	tradeTimes   []int64
	tradeSizes   []int
	totalVolume  int
	totalTrades  int
}

// FlowToxicityClassifier consumes trades and estimates informed flow via
// VPIN (Volume-synchronized Probability of Informed Trading), plus burst
// and large-trade microstructure signals.
type FlowToxicityClassifier struct {
	markets map[string]*flowMarketState
}

func NewFlowToxicityClassifier() *FlowToxicityClassifier {
	return &FlowToxicityClassifier{markets: make(map[string]*flowMarketState)}
}

func (p *FlowToxicityClassifier) Name() string          { return "flow_toxicity" }
func (p *FlowToxicityClassifier) InputTopics() []string  { return []string{bus.TopicTrades} }
func (p *FlowToxicityClassifier) OutputTopic() string    { return bus.TopicSignalFlowToxicity }

func (p *FlowToxicityClassifier) stateFor(ticker string) *flowMarketState {
	st, ok := p.markets[ticker]
	if !ok {
		st = &flowMarketState{}
		p.markets[ticker] = st
	}
	return st
}

func (p *FlowToxicityClassifier) Process(ctx context.Context, topic string, payload []byte, now time.Time) ([]models.Signal, error) {
	var t models.Trade
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("flow_toxicity: unmarshal trade: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("flow_toxicity: %w", err)
	}

	st := p.stateFor(t.MarketTicker)

	prevMeanSize := meanInt(st.tradeSizes)
	st.tradeSizes = appendCapInt(st.tradeSizes, t.Count, flowSizesCap)
	st.tradeTimes = appendCapInt64(st.tradeTimes, t.Ts, flowTimesCap)

	st.totalVolume += t.Count
	st.totalTrades++
	st.bucketVolume += t.Count
	if t.TakerSide == models.SideYes {
		st.bucketBuy += t.Count
	}

	ratio := 0.5
	if st.bucketVolume > 0 {
		ratio = float64(st.bucketBuy) / float64(st.bucketVolume)
	}
	dir := flowDirection(ratio)

	illiquid := st.totalVolume < 200 && st.totalTrades > 10
	if illiquid {
		return nil, nil
	}

	var sigs []models.Signal

	if st.bucketVolume >= flowBucketSize {
		vpin := vpinFromRatio(ratio)
		st.window = appendCapFloat(st.window, vpin, flowWindowCap)

		if vpin > 0.80 {
			urgency := models.UrgencyWatch
			if vpin > 0.85 {
				urgency = models.UrgencyImmediate
			}
			fillFrac := float64(len(st.window)) / float64(flowWindowCap)
			confidence := clamp01(0.5 + fillFrac*0.3)
			sigs = append(sigs, models.NewSignal(models.SignalFlowToxicity, t.MarketTicker, dir, vpin, confidence, urgency, flowToxicityTTL, now))
			sigs[len(sigs)-1].Metadata = map[string]any{"vpin": vpin, "bucket_volume": st.bucketVolume}
		}

		if len(st.window) >= 5 {
			rollingMean := meanFloat(st.window)
			if rollingMean > 0.70 {
				sig := models.NewSignal(models.SignalFlowToxicity, t.MarketTicker, dir, rollingMean, 0.6, models.UrgencyWatch, flowToxicityTTL, now)
				sig.Metadata = map[string]any{"pattern": "sustained_toxicity", "rolling_mean": rollingMean}
				sigs = append(sigs, sig)
			}
		}

		st.bucketVolume = 0
		st.bucketBuy = 0
	}

	if countWithin(st.tradeTimes, t.Ts, flowBurstWindow) >= flowBurstCount {
		sig := models.NewSignal(models.SignalFlowBurst, t.MarketTicker, dir, 0.6, 0.5, models.UrgencyWatch, flowBurstTTL, now)
		sigs = append(sigs, sig)
	}

	if prevMeanSize > 0 && float64(t.Count) > 3*prevMeanSize {
		strength := clamp01(float64(t.Count) / (prevMeanSize * 10))
		sig := models.NewSignal(models.SignalFlowLargeTrade, t.MarketTicker, dir, strength, 0.5, models.UrgencyWatch, flowLargeTTL, now)
		sig.Metadata = map[string]any{"count": t.Count, "running_mean": prevMeanSize}
		sigs = append(sigs, sig)
	}

	return sigs, nil
}

func flowDirection(buyRatio float64) models.Direction {
	switch {
	case buyRatio > 0.6:
		return models.DirectionBuyYes
	case buyRatio < 0.4:
		return models.DirectionBuyNo
	default:
		return models.DirectionNeutral
	}
}

// vpinFromRatio implements VPIN = |buy_ratio - 0.5| * 2.
func vpinFromRatio(buyRatio float64) float64 {
	v := (buyRatio - 0.5) * 2
	if v < 0 {
		v = -v
	}
	return v
}

func countWithin(times []int64, now int64, window time.Duration) int {
	cutoff := now - int64(window.Seconds())
	n := 0
	for _, ts := range times {
		if ts >= cutoff {
			n++
		}
	}
	return n
}

func meanInt(xs []int) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0
	for _, x := range xs {
		sum += x
	}
	return float64(sum) / float64(len(xs))
}

func meanFloat(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func appendCapInt(xs []int, v int, cap int) []int {
	xs = append(xs, v)
	if len(xs) > cap {
		xs = xs[len(xs)-cap:]
	}
	return xs
}

func appendCapInt64(xs []int64, v int64, cap int) []int64 {
	xs = append(xs, v)
	if len(xs) > cap {
		xs = xs[len(xs)-cap:]
	}
	return xs
}

func appendCapFloat(xs []float64, v float64, cap int) []float64 {
	xs = append(xs, v)
	if len(xs) > cap {
		xs = xs[len(xs)-cap:]
	}
	return xs
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
