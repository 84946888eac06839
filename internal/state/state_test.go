package state

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/theokelly26/KASS/internal/models"
)

// fakeRedis is a minimal in-memory stand-in for the RedisClient subset
// Store needs, avoiding a live Redis instance in tests.
type fakeRedis struct {
	strings map[string]string
	hashes  map[string]map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
	}
}

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
	cmd := redis.NewIntCmd(ctx)
	if f.hashes[key] == nil {
		f.hashes[key] = make(map[string]string)
	}
	var n int64
	for i := 0; i+1 < len(values); i += 2 {
		field, _ := values[i].(string)
		var val string
		switch v := values[i+1].(type) {
		case []byte:
			val = string(v)
		case string:
			val = v
		}
		f.hashes[key][field] = val
		n++
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	h, ok := f.hashes[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	v, ok := h[field]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (f *fakeRedis) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	cmd := redis.NewMapStringStringCmd(ctx)
	cmd.SetVal(f.hashes[key])
	return cmd
}

func (f *fakeRedis) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedis) Keys(ctx context.Context, pattern string) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(ctx)
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for k := range f.strings {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	cmd.SetVal(out)
	return cmd
}

func TestApplySnapshotThenDelta(t *testing.T) {
	f := newFakeRedis()
	store := New(f)
	ctx := context.Background()

	snap := models.OrderbookSnapshot{
		MarketTicker: "M1",
		Yes:          []models.PriceLevel{{Price: 40, Qty: 10}},
		No:           []models.PriceLevel{{Price: 60, Qty: 10}},
	}
	if err := store.ApplySnapshot(ctx, snap); err != nil {
		t.Fatalf("apply snapshot: %v", err)
	}

	if err := store.ApplyDelta(ctx, models.OrderbookDelta{MarketTicker: "M1", Price: 40, Side: models.SideYes, Delta: 5}); err != nil {
		t.Fatalf("apply delta: %v", err)
	}

	book, err := store.GetBook(ctx, "M1")
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if book.Yes[40] != 15 {
		t.Errorf("Yes[40] = %d, want 15", book.Yes[40])
	}
}

func TestApplyDeltaWithoutSnapshotIsDropped(t *testing.T) {
	f := newFakeRedis()
	store := New(f)
	ctx := context.Background()

	err := store.ApplyDelta(ctx, models.OrderbookDelta{MarketTicker: "NEW", Price: 40, Side: models.SideYes, Delta: 5})
	if err != ErrNoSnapshot {
		t.Errorf("expected ErrNoSnapshot, got %v", err)
	}
}

func TestRegimeRoundTripAndUnknownDefault(t *testing.T) {
	f := newFakeRedis()
	store := New(f)
	ctx := context.Background()

	unset, err := store.GetRegime(ctx, "M1")
	if err != nil {
		t.Fatalf("get regime: %v", err)
	}
	if unset.Regime != models.RegimeUnknown {
		t.Errorf("expected unknown regime default, got %q", unset.Regime)
	}

	want := models.RegimeSummary{Regime: models.RegimeInformed, DepthImbalance: 0.4, Ts: 100}
	if err := store.PutRegime(ctx, "M1", want); err != nil {
		t.Fatalf("put regime: %v", err)
	}
	got, err := store.GetRegime(ctx, "M1")
	if err != nil {
		t.Fatalf("get regime: %v", err)
	}
	if got != want {
		t.Errorf("regime round trip = %+v, want %+v", got, want)
	}
}

func TestMarketMetaHashRefresh(t *testing.T) {
	f := newFakeRedis()
	store := New(f)
	ctx := context.Background()

	m := models.KalshiMarket{Ticker: "M1", Status: "active"}
	if err := store.PutMarketMeta(ctx, "M1", m); err != nil {
		t.Fatalf("put market meta: %v", err)
	}

	got, ok, err := store.GetMarketMeta(ctx, "M1")
	if err != nil || !ok {
		t.Fatalf("get market meta: ok=%v err=%v", ok, err)
	}
	if got.Status != "active" {
		t.Errorf("status = %q, want active", got.Status)
	}

	_, ok, err = store.GetMarketMeta(ctx, "MISSING")
	if err != nil || ok {
		t.Errorf("expected missing market meta: ok=%v err=%v", ok, err)
	}
}

func TestHealthSnapshotRoundTrip(t *testing.T) {
	f := newFakeRedis()
	store := New(f)
	ctx := context.Background()

	snap := HealthSnapshot{Component: "wsingest", Status: "ok", Ts: 42}
	if err := store.PutHealth(ctx, snap); err != nil {
		t.Fatalf("put health: %v", err)
	}
	got, ok, err := store.GetHealth(ctx, "wsingest")
	if err != nil || !ok {
		t.Fatalf("get health: ok=%v err=%v", ok, err)
	}
	if got.Status != "ok" {
		t.Errorf("status = %q, want ok", got.Status)
	}
}

func TestAllOrderbookTickersStripsKeyPrefix(t *testing.T) {
	f := newFakeRedis()
	store := New(f)
	ctx := context.Background()

	for _, ticker := range []string{"A", "B"} {
		snap := models.OrderbookSnapshot{MarketTicker: ticker}
		if err := store.ApplySnapshot(ctx, snap); err != nil {
			t.Fatalf("apply snapshot: %v", err)
		}
	}

	tickers, err := store.AllOrderbookTickers(ctx)
	if err != nil {
		t.Fatalf("all tickers: %v", err)
	}
	found := map[string]bool{}
	for _, tk := range tickers {
		found[tk] = true
	}
	if !found["A"] || !found["B"] {
		t.Errorf("tickers = %v, want A and B", tickers)
	}
}

func TestSeriesMetaRoundTrip(t *testing.T) {
	f := newFakeRedis()
	store := New(f)
	ctx := context.Background()

	type seriesMeta struct {
		Title string `json:"title"`
	}
	want := seriesMeta{Title: "BTC 15m"}
	if err := store.PutSeriesMeta(ctx, "KXBTC15M", want); err != nil {
		t.Fatalf("put series meta: %v", err)
	}

	var got seriesMeta
	ok, err := store.GetSeriesMeta(ctx, "KXBTC15M", &got)
	if err != nil || !ok {
		t.Fatalf("get series meta: ok=%v err=%v", ok, err)
	}
	if got.Title != want.Title {
		t.Errorf("title = %q, want %q", got.Title, want.Title)
	}

	raw, _ := json.Marshal(want)
	_ = raw
}
