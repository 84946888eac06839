package writers

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/theokelly26/KASS/internal/db"
	"github.com/theokelly26/KASS/internal/models"
	"github.com/theokelly26/KASS/internal/state"
)

// fakeRedis is a minimal in-memory RedisClient, enough for state.Store's
// book get/put so buildSnapshot's orderbook-midpoint fallback can be
// exercised without a live Redis instance.
type fakeRedis struct {
	strings map[string]string
}

func newFakeRedis() *fakeRedis { return &fakeRedis{strings: make(map[string]string)} }

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	v, ok := f.strings[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	switch v := value.(type) {
	case []byte:
		f.strings[key] = string(v)
	case string:
		f.strings[key] = v
	}
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	return redis.NewIntCmd(ctx)
}
func (f *fakeRedis) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetErr(redis.Nil)
	return cmd
}
func (f *fakeRedis) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	cmd := redis.NewMapStringStringCmd(ctx)
	cmd.SetVal(map[string]string{})
	return cmd
}
func (f *fakeRedis) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}
func (f *fakeRedis) Keys(ctx context.Context, pattern string) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(ctx)
	cmd.SetVal(nil)
	return cmd
}
func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("PONG")
	return cmd
}

type fakeActiveTickerLister struct {
	tickers       []string
	latestPrice   map[string]int
	hasLatest     map[string]bool
	inserted      []db.PriceSnapshotRow
}

func (f *fakeActiveTickerLister) ActiveTickers(ctx context.Context, sinceTs int64) ([]string, error) {
	return f.tickers, nil
}

func (f *fakeActiveTickerLister) LatestTradePrice(ctx context.Context, ticker string) (int, bool, error) {
	return f.latestPrice[ticker], f.hasLatest[ticker], nil
}

func (f *fakeActiveTickerLister) InsertPriceSnapshots(ctx context.Context, rows []db.PriceSnapshotRow) (int, error) {
	f.inserted = append(f.inserted, rows...)
	return 0, nil
}

// Supplemented feature: price_snapshots degrades ticker-cache ->
// orderbook-midpoint -> last-trade-from-DB (SPEC_FULL.md, src/monitoring/price_snapshots.py).
func TestBuildSnapshot_PrefersCachedTickerPrice(t *testing.T) {
	w := NewPriceSnapshotWriter(nil, &fakeActiveTickerLister{}, state.New(newFakeRedis()))
	w.tickers["M1"] = &tickerState{price: intPtr(42), volume: 100, openInterest: 7}

	row, ok := w.buildSnapshot(context.Background(), "M1", 1000)
	if !ok {
		t.Fatal("expected a snapshot")
	}
	if row.YesPrice == nil || *row.YesPrice != 42 {
		t.Errorf("YesPrice = %v, want 42", row.YesPrice)
	}
	if row.Volume24h == nil || *row.Volume24h != 100 {
		t.Errorf("Volume24h = %v, want 100", row.Volume24h)
	}
}

func TestBuildSnapshot_FallsBackToOrderbookMidpointWhenNoTickerCache(t *testing.T) {
	store := state.New(newFakeRedis())
	w := NewPriceSnapshotWriter(nil, &fakeActiveTickerLister{}, store)

	snap := models.OrderbookSnapshot{
		MarketTicker: "M1",
		Yes:          []models.PriceLevel{{Price: 40, Qty: 10}},
		No:           []models.PriceLevel{{Price: 55, Qty: 10}}, // yes ask = 100-55 = 45
	}
	if err := store.ApplySnapshot(context.Background(), snap); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	row, ok := w.buildSnapshot(context.Background(), "M1", 1000)
	if !ok {
		t.Fatal("expected a snapshot")
	}
	if row.YesBid == nil || *row.YesBid != 40 {
		t.Errorf("YesBid = %v, want 40", row.YesBid)
	}
	if row.YesAsk == nil || *row.YesAsk != 45 {
		t.Errorf("YesAsk = %v, want 45", row.YesAsk)
	}
	if row.YesPrice == nil || *row.YesPrice != 42 {
		t.Errorf("YesPrice (midpoint) = %v, want 42", row.YesPrice)
	}
	if row.Spread == nil || *row.Spread != 5 {
		t.Errorf("Spread = %v, want 5", row.Spread)
	}
}

func TestBuildSnapshot_FallsBackToLastTradeWhenNoCacheOrBook(t *testing.T) {
	lister := &fakeActiveTickerLister{
		latestPrice: map[string]int{"M1": 33},
		hasLatest:   map[string]bool{"M1": true},
	}
	w := NewPriceSnapshotWriter(nil, lister, state.New(newFakeRedis()))

	row, ok := w.buildSnapshot(context.Background(), "M1", 1000)
	if !ok {
		t.Fatal("expected a snapshot from the last-trade fallback")
	}
	if row.YesPrice == nil || *row.YesPrice != 33 {
		t.Errorf("YesPrice = %v, want 33 from last trade", row.YesPrice)
	}
	if row.YesBid != nil || row.YesAsk != nil {
		t.Errorf("expected no bid/ask when falling back past the book, got bid=%v ask=%v", row.YesBid, row.YesAsk)
	}
}

func TestBuildSnapshot_NoSignalAnywhereSkipsMarket(t *testing.T) {
	w := NewPriceSnapshotWriter(nil, &fakeActiveTickerLister{}, state.New(newFakeRedis()))
	_, ok := w.buildSnapshot(context.Background(), "M1", 1000)
	if ok {
		t.Error("expected no snapshot when ticker cache, book, and DB all have nothing")
	}
}

func intPtr(v int) *int { return &v }
