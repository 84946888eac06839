// Package state wraps Redis key/value and hash operations behind the
// handful of accessors the rest of the pipeline needs: the authoritative
// current orderbook per market, the latest regime summary, market and
// series metadata, and per-component health snapshots.
//
// Grounded on the Set-with-TTL/HSet-pipeline idiom in
// other_examples/fc4f3219_stanleykosi-bankai__backend-internal-polymarket-rtds-handlers.go.go
// (handleBook/handlePriceChange), generalized from ad hoc cache writes
// into typed Get/Set pairs over JSON-serialized values.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/theokelly26/KASS/internal/models"
)

const (
	regimeTTL = 120 * time.Second
	metaTTL   = 300 * time.Second
	healthTTL = 60 * time.Second
)

// RedisClient is the subset of *redis.Client the store needs.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
	Keys(ctx context.Context, pattern string) *redis.StringSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Store is the StateStore: the authoritative live view of orderbooks,
// regimes, market/series metadata, and component health.
type Store struct {
	rdb RedisClient
}

func New(rdb RedisClient) *Store {
	return &Store{rdb: rdb}
}

// Ping round-trips Redis, used by HealthMonitor's StateStore probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func orderbookKey(ticker string) string { return "state:orderbook:" + ticker }
func regimeKey(ticker string) string    { return "state:regime:" + ticker }
func seriesKey(ticker string) string    { return "meta:series:" + ticker }
func healthKey(component string) string { return "health:" + component }

const marketsMetaKey = "meta:markets"

// ApplySnapshot replaces the stored book for the market with snap.
func (s *Store) ApplySnapshot(ctx context.Context, snap models.OrderbookSnapshot) error {
	book := models.NewBookFromSnapshot(snap)
	return s.putBook(ctx, book)
}

// ApplyDelta mutates the stored book for d.MarketTicker in place. If no
// snapshot has been stored yet, the delta is dropped and ErrNoSnapshot is
// returned so the caller can log a warning without treating it fatally.
func (s *Store) ApplyDelta(ctx context.Context, d models.OrderbookDelta) error {
	book, err := s.GetBook(ctx, d.MarketTicker)
	if err != nil {
		return err
	}
	if book == nil {
		return ErrNoSnapshot
	}
	book.ApplyDelta(d)
	return s.putBook(ctx, book)
}

// ErrNoSnapshot is returned by ApplyDelta when no book exists yet for the
// market; the delta cannot be meaningfully applied.
var ErrNoSnapshot = fmt.Errorf("state: delta received before any snapshot")

func (s *Store) putBook(ctx context.Context, book *models.Book) error {
	data, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("state: marshal book %s: %w", book.MarketTicker, err)
	}
	if err := s.rdb.Set(ctx, orderbookKey(book.MarketTicker), data, 0).Err(); err != nil {
		return fmt.Errorf("state: set orderbook %s: %w", book.MarketTicker, err)
	}
	return nil
}

// GetBook returns the current book for ticker, or nil if none stored.
func (s *Store) GetBook(ctx context.Context, ticker string) (*models.Book, error) {
	raw, err := s.rdb.Get(ctx, orderbookKey(ticker)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("state: get orderbook %s: %w", ticker, err)
	}
	var book models.Book
	if err := json.Unmarshal(raw, &book); err != nil {
		return nil, fmt.Errorf("state: decode orderbook %s: %w", ticker, err)
	}
	return &book, nil
}

// Spread and Midpoint are thin derived reads over the stored book.
func (s *Store) Spread(ctx context.Context, ticker string) (int, bool, error) {
	book, err := s.GetBook(ctx, ticker)
	if err != nil || book == nil {
		return 0, false, err
	}
	spread, ok := book.Spread()
	return spread, ok, nil
}

func (s *Store) Midpoint(ctx context.Context, ticker string) (float64, bool, error) {
	book, err := s.GetBook(ctx, ticker)
	if err != nil || book == nil {
		return 0, false, err
	}
	mid, ok := book.Midpoint()
	return mid, ok, nil
}

// PutRegime writes the 120s-TTL regime summary for ticker.
func (s *Store) PutRegime(ctx context.Context, ticker string, snap models.RegimeSummary) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("state: marshal regime %s: %w", ticker, err)
	}
	if err := s.rdb.Set(ctx, regimeKey(ticker), data, regimeTTL).Err(); err != nil {
		return fmt.Errorf("state: set regime %s: %w", ticker, err)
	}
	return nil
}

// GetRegime returns the current regime summary, or the zero value with
// regime "unknown" if the key is absent or expired.
func (s *Store) GetRegime(ctx context.Context, ticker string) (models.RegimeSummary, error) {
	raw, err := s.rdb.Get(ctx, regimeKey(ticker)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return models.RegimeSummary{Regime: models.RegimeUnknown}, nil
		}
		return models.RegimeSummary{}, fmt.Errorf("state: get regime %s: %w", ticker, err)
	}
	var snap models.RegimeSummary
	if err := json.Unmarshal(raw, &snap); err != nil {
		return models.RegimeSummary{}, fmt.Errorf("state: decode regime %s: %w", ticker, err)
	}
	return snap, nil
}

// PutMarketMeta refreshes one field of the meta:markets hash and resets
// its TTL, matching the discovery scan's "refresh on each scan" contract.
func (s *Store) PutMarketMeta(ctx context.Context, ticker string, m models.KalshiMarket) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("state: marshal market meta %s: %w", ticker, err)
	}
	if err := s.rdb.HSet(ctx, marketsMetaKey, ticker, data).Err(); err != nil {
		return fmt.Errorf("state: hset market meta %s: %w", ticker, err)
	}
	return s.rdb.Expire(ctx, marketsMetaKey, metaTTL).Err()
}

// GetMarketMeta reads one market's cached metadata, ok=false if absent.
func (s *Store) GetMarketMeta(ctx context.Context, ticker string) (models.KalshiMarket, bool, error) {
	raw, err := s.rdb.HGet(ctx, marketsMetaKey, ticker).Bytes()
	if err != nil {
		if err == redis.Nil {
			return models.KalshiMarket{}, false, nil
		}
		return models.KalshiMarket{}, false, fmt.Errorf("state: hget market meta %s: %w", ticker, err)
	}
	var m models.KalshiMarket
	if err := json.Unmarshal(raw, &m); err != nil {
		return models.KalshiMarket{}, false, fmt.Errorf("state: decode market meta %s: %w", ticker, err)
	}
	return m, true, nil
}

// PutSeriesMeta caches series-level metadata (anything JSON-marshalable)
// with the standard 300s metadata TTL.
func (s *Store) PutSeriesMeta(ctx context.Context, seriesTicker string, meta any) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("state: marshal series meta %s: %w", seriesTicker, err)
	}
	if err := s.rdb.Set(ctx, seriesKey(seriesTicker), data, metaTTL).Err(); err != nil {
		return fmt.Errorf("state: set series meta %s: %w", seriesTicker, err)
	}
	return nil
}

// GetSeriesMeta decodes cached series metadata into out; ok=false if
// absent or expired.
func (s *Store) GetSeriesMeta(ctx context.Context, seriesTicker string, out any) (bool, error) {
	raw, err := s.rdb.Get(ctx, seriesKey(seriesTicker)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("state: get series meta %s: %w", seriesTicker, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode series meta %s: %w", seriesTicker, err)
	}
	return true, nil
}

// HealthSnapshot is the JSON shape stored at health:{component}.
type HealthSnapshot struct {
	Component string         `json:"component"`
	Status    string         `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
	Ts        int64          `json:"ts"`
}

// PutHealth writes a 60s-TTL component health record.
func (s *Store) PutHealth(ctx context.Context, snap HealthSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("state: marshal health %s: %w", snap.Component, err)
	}
	if err := s.rdb.Set(ctx, healthKey(snap.Component), data, healthTTL).Err(); err != nil {
		return fmt.Errorf("state: set health %s: %w", snap.Component, err)
	}
	return nil
}

// GetHealth reads one component's health snapshot, ok=false if absent.
func (s *Store) GetHealth(ctx context.Context, component string) (HealthSnapshot, bool, error) {
	raw, err := s.rdb.Get(ctx, healthKey(component)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return HealthSnapshot{}, false, nil
		}
		return HealthSnapshot{}, false, fmt.Errorf("state: get health %s: %w", component, err)
	}
	var snap HealthSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return HealthSnapshot{}, false, fmt.Errorf("state: decode health %s: %w", component, err)
	}
	return snap, true, nil
}

// MarketsByEvent returns every ticker (other than excludeTicker) whose
// cached meta:markets metadata carries the given event ticker. Used by
// CrossMarketPropagationEngine and LifecycleAlphaScanner to resolve
// related markets in the same event.
func (s *Store) MarketsByEvent(ctx context.Context, eventTicker, excludeTicker string) ([]string, error) {
	all, err := s.rdb.HGetAll(ctx, marketsMetaKey).Result()
	if err != nil {
		return nil, fmt.Errorf("state: hgetall market meta: %w", err)
	}
	var related []string
	for ticker, raw := range all {
		if ticker == excludeTicker {
			continue
		}
		var m models.KalshiMarket
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		if m.EventTicker == eventTicker {
			related = append(related, ticker)
		}
	}
	return related, nil
}

// AllOrderbookTickers lists every ticker with a currently-stored book,
// used by the periodic derived-snapshot writer.
func (s *Store) AllOrderbookTickers(ctx context.Context) ([]string, error) {
	keys, err := s.rdb.Keys(ctx, "state:orderbook:*").Result()
	if err != nil {
		return nil, fmt.Errorf("state: scan orderbook keys: %w", err)
	}
	tickers := make([]string, 0, len(keys))
	for _, k := range keys {
		tickers = append(tickers, k[len("state:orderbook:"):])
	}
	return tickers, nil
}
