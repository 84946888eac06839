// Package restclient is an authenticated, paginated REST client over the
// exchange HTTP API, with response rate-limit tracking and cooperative
// throttling.
//
// Grounded on internal/kalshi/client.go's Client/get/doRequest shape,
// generalized from the trading-oriented endpoints (markets, orders,
// fills, settlements) to the market-data endpoints this pipeline reads,
// and with AuthSigner substituted for the teacher's free AuthHeaders/
// LoadPrivateKey functions.
package restclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/theokelly26/KASS/internal/authsigner"
)

// RESTFailure wraps any 4xx/5xx response; callers decide whether to retry.
type RESTFailure struct {
	Status int
	Body   string
}

func (e *RESTFailure) Error() string {
	return fmt.Sprintf("restclient: request failed with status %d: %s", e.Status, e.Body)
}

// Client wraps a keep-alive HTTP client with request signing, cursor
// pagination helpers, and rate-limit-aware throttling.
type Client struct {
	http    *http.Client
	signer  *authsigner.AuthSigner
	baseURL string

	mu          sync.Mutex
	rateLimited chan struct{}
}

func New(signer *authsigner.AuthSigner, baseURL string, timeout time.Duration) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		signer:  signer,
		baseURL: baseURL,
	}
}

// Market mirrors the fields this pipeline reads off /markets and
// /markets/{ticker}.
type Market struct {
	Ticker       string `json:"ticker"`
	EventTicker  string `json:"event_ticker"`
	SeriesTicker string `json:"series_ticker"`
	Status       string `json:"status"`
	CloseTime    string `json:"close_time"`
	Result       string `json:"result"`
	Title        string `json:"title"`
	Subtitle     string `json:"subtitle"`
	MarketType   string `json:"market_type"`
}

// Trade mirrors one record returned from /markets/trades.
type Trade struct {
	TradeID      string `json:"trade_id"`
	Ticker       string `json:"ticker"`
	YesPrice     int    `json:"yes_price"`
	NoPrice      int    `json:"no_price"`
	Count        int    `json:"count"`
	TakerSide    string `json:"taker_side"`
	CreatedTime  string `json:"created_time"`
}

// Event mirrors one record returned from /events.
type Event struct {
	EventTicker  string `json:"event_ticker"`
	SeriesTicker string `json:"series_ticker"`
	Title        string `json:"title"`
}

// Series mirrors one record returned from /series/{ticker}.
type Series struct {
	Ticker   string `json:"ticker"`
	Title    string `json:"title"`
	Category string `json:"category"`
}

// Candlestick mirrors one record returned from the candlesticks endpoint.
type Candlestick struct {
	EndPeriodTs int64 `json:"end_period_ts"`
	Yes         struct {
		Open  int `json:"open"`
		High  int `json:"high"`
		Low   int `json:"low"`
		Close int `json:"close"`
	} `json:"yes"`
	Volume int `json:"volume"`
}

// GetMarkets returns up to limit markets, optionally filtered by status,
// plus the cursor for the next page (empty when exhausted).
func (c *Client) GetMarkets(ctx context.Context, status, cursor string, limit int) ([]Market, string, error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	params.Set("limit", strconv.Itoa(defaultLimit(limit)))

	var result struct {
		Markets []Market `json:"markets"`
		Cursor  string   `json:"cursor"`
	}
	if err := c.get(ctx, "/markets", params, &result); err != nil {
		return nil, "", err
	}
	return result.Markets, result.Cursor, nil
}

// GetMarket fetches a single market by ticker.
func (c *Client) GetMarket(ctx context.Context, ticker string) (*Market, error) {
	var result struct {
		Market Market `json:"market"`
	}
	if err := c.get(ctx, "/markets/"+ticker, nil, &result); err != nil {
		return nil, err
	}
	return &result.Market, nil
}

// GetTrades returns up to limit trades for ticker within [minTs, maxTs]
// (zero means unbounded), plus the next-page cursor.
func (c *Client) GetTrades(ctx context.Context, ticker string, minTs, maxTs int64, cursor string, limit int) ([]Trade, string, error) {
	params := url.Values{}
	params.Set("ticker", ticker)
	if minTs > 0 {
		params.Set("min_ts", strconv.FormatInt(minTs, 10))
	}
	if maxTs > 0 {
		params.Set("max_ts", strconv.FormatInt(maxTs, 10))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	params.Set("limit", strconv.Itoa(defaultLimit(limit)))

	var result struct {
		Trades []Trade `json:"trades"`
		Cursor string  `json:"cursor"`
	}
	if err := c.get(ctx, "/markets/trades", params, &result); err != nil {
		return nil, "", err
	}
	return result.Trades, result.Cursor, nil
}

// GetEvents returns one page of events, plus the next-page cursor.
func (c *Client) GetEvents(ctx context.Context, cursor string) ([]Event, string, error) {
	params := url.Values{}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	params.Set("limit", "200")

	var result struct {
		Events []Event `json:"events"`
		Cursor string  `json:"cursor"`
	}
	if err := c.get(ctx, "/events", params, &result); err != nil {
		return nil, "", err
	}
	return result.Events, result.Cursor, nil
}

// GetSeries fetches metadata for one series ticker.
func (c *Client) GetSeries(ctx context.Context, seriesTicker string) (*Series, error) {
	var result struct {
		Series Series `json:"series"`
	}
	if err := c.get(ctx, "/series/"+seriesTicker, nil, &result); err != nil {
		return nil, err
	}
	return &result.Series, nil
}

// GetCandlesticks fetches candlesticks for one market at periodInterval
// (minutes).
func (c *Client) GetCandlesticks(ctx context.Context, seriesTicker, ticker string, periodInterval int) ([]Candlestick, error) {
	params := url.Values{}
	params.Set("period_interval", strconv.Itoa(periodInterval))

	var result struct {
		Candlesticks []Candlestick `json:"candlesticks"`
	}
	path := fmt.Sprintf("/series/%s/markets/%s/candlesticks", seriesTicker, ticker)
	if err := c.get(ctx, path, params, &result); err != nil {
		return nil, err
	}
	return result.Candlesticks, nil
}

func defaultLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 200
	}
	return limit
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if err := c.waitForRateLimit(ctx); err != nil {
		return err
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("restclient: build request: %w", err)
	}

	headers, err := c.signer.SignREST(http.MethodGet, path)
	if err != nil {
		return fmt.Errorf("restclient: sign request: %w", err)
	}
	headers.Set(req.Header)
	req.Header.Set("Accept", "application/json")

	return c.doRequest(req, out)
}

func (c *Client) doRequest(req *http.Request, out interface{}) error {
	slog.Debug("restclient request", "method", req.Method, "url", req.URL.String())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("restclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	c.recordRateLimit(resp.Header)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("restclient: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &RESTFailure{Status: resp.StatusCode, Body: string(body)}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("restclient: decode response: %w (body: %s)", err, string(body))
		}
	}
	return nil
}

// recordRateLimit inspects X-RateLimit-Remaining/X-RateLimit-Reset and,
// if remaining ≤ 1, arms a channel the next request waits on until the
// reset time passes.
func (c *Client) recordRateLimit(h http.Header) {
	remaining, err := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err != nil || remaining > 1 {
		return
	}
	resetUnix, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return
	}
	resetAt := time.Unix(resetUnix, 0)
	if !resetAt.After(time.Now()) {
		return
	}

	ch := make(chan struct{})
	c.mu.Lock()
	c.rateLimited = ch
	c.mu.Unlock()

	go func() {
		time.Sleep(time.Until(resetAt))
		close(ch)
		c.mu.Lock()
		if c.rateLimited == ch {
			c.rateLimited = nil
		}
		c.mu.Unlock()
	}()
}

func (c *Client) waitForRateLimit(ctx context.Context) error {
	c.mu.Lock()
	ch := c.rateLimited
	c.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
