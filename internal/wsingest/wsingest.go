// Package wsingest is the persistent authenticated WebSocket ingestion
// client: it maintains subscriptions, detects sequence gaps, and routes
// every typed exchange message to the bus and, for orderbooks, to the
// StateStore.
//
// Grounded on internal/kalshi/ws.go's connect/dial/readLoop/pingLoop
// shape (gorilla/websocket dialer with auth headers, ping/pong deadline
// reset, reconnect-with-backoff loop), generalized from a
// ticker+orderbook-only feed into the full channel set spec.md names
// and from ad hoc in-memory caches into bus-published, typed messages.
package wsingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/theokelly26/KASS/internal/authsigner"
	"github.com/theokelly26/KASS/internal/bus"
	"github.com/theokelly26/KASS/internal/models"
	"github.com/theokelly26/KASS/internal/state"
)

// Publisher is the subset of *bus.Bus the ingest client needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) (string, error)
}

// BookStore is the subset of *state.Store the ingest client needs.
type BookStore interface {
	ApplySnapshot(ctx context.Context, snap models.OrderbookSnapshot) error
	ApplyDelta(ctx context.Context, d models.OrderbookDelta) error
}

// subscription tracks one subscribe() call: the channels/tickers it
// covers and the last sequence number observed for it, keyed by the
// local sid assigned at Subscribe time.
type subscription struct {
	sid      int
	channels []string
	tickers  map[string]bool
	lastSeq  int
	haveSeq  bool
}

// Ingest is the WebSocket ingestion client.
type Ingest struct {
	wsURL               string
	signer              *authsigner.AuthSigner
	bus                 Publisher
	store               BookStore
	pingInterval        time.Duration
	pongTimeout         time.Duration
	reconnectMaxDelay   time.Duration

	mu       sync.Mutex
	subs     map[int]*subscription
	nextSID  int

	connMu sync.Mutex
	conn   *websocket.Conn

	connected atomic.Bool
	stats     stats
}

type stats struct {
	mu       sync.Mutex
	byType   map[string]int64
	started  time.Time
	pubCount int64
}

// New constructs an Ingest client. The caller owns bus/store lifetimes.
func New(wsURL string, signer *authsigner.AuthSigner, b Publisher, store BookStore, pingInterval, pongTimeout, reconnectMaxDelay time.Duration) *Ingest {
	return &Ingest{
		wsURL:             wsURL,
		signer:            signer,
		bus:               b,
		store:             store,
		pingInterval:      pingInterval,
		pongTimeout:       pongTimeout,
		reconnectMaxDelay: reconnectMaxDelay,
		subs:              make(map[int]*subscription),
		stats:             stats{byType: make(map[string]int64), started: time.Now()},
	}
}

// IsConnected reports whether the WS connection is currently live.
func (ing *Ingest) IsConnected() bool { return ing.connected.Load() }

// Subscribe registers channels/tickers and, if connected, sends the
// subscribe command immediately. Returns the locally-assigned sid used
// for subsequent UpdateSubscription/Unsubscribe calls.
func (ing *Ingest) Subscribe(ctx context.Context, channels []string, tickers []string) (int, error) {
	ing.mu.Lock()
	ing.nextSID++
	sid := ing.nextSID
	tset := make(map[string]bool, len(tickers))
	for _, t := range tickers {
		tset[t] = true
	}
	sub := &subscription{sid: sid, channels: channels, tickers: tset}
	ing.subs[sid] = sub
	ing.mu.Unlock()

	if ing.IsConnected() {
		if err := ing.sendSubscribe(sid, channels, tickers); err != nil {
			return sid, fmt.Errorf("wsingest: subscribe: %w", err)
		}
	}
	return sid, nil
}

// UpdateSubscription adds and/or removes market tickers from an existing
// subscription, sending add_markets/remove_markets commands.
func (ing *Ingest) UpdateSubscription(ctx context.Context, sid int, add, remove []string) error {
	ing.mu.Lock()
	sub, ok := ing.subs[sid]
	if !ok {
		ing.mu.Unlock()
		return fmt.Errorf("wsingest: unknown subscription sid %d", sid)
	}
	for _, t := range add {
		sub.tickers[t] = true
	}
	for _, t := range remove {
		delete(sub.tickers, t)
	}
	ing.mu.Unlock()

	if !ing.IsConnected() {
		return nil
	}
	if len(add) > 0 {
		if err := ing.sendUpdate(sid, add, "add_markets"); err != nil {
			return err
		}
	}
	if len(remove) > 0 {
		if err := ing.sendUpdate(sid, remove, "remove_markets"); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe drops subscriptions and, if connected, sends the
// unsubscribe command.
func (ing *Ingest) Unsubscribe(ctx context.Context, sids []int) error {
	ing.mu.Lock()
	for _, sid := range sids {
		delete(ing.subs, sid)
	}
	ing.mu.Unlock()

	if !ing.IsConnected() || len(sids) == 0 {
		return nil
	}
	return ing.sendCommand(wsCommand{Cmd: "unsubscribe", Params: unsubscribeParams{SIDs: sids}})
}

// Run maintains the connection with reconnect + exponential backoff
// (capped at reconnectMaxDelay), resubscribing everything from scratch
// on each reconnect.
func (ing *Ingest) Run(ctx context.Context) error {
	backoff := time.Second
	statsTicker := time.NewTicker(60 * time.Second)
	defer statsTicker.Stop()
	go ing.statsLoop(ctx, statsTicker)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := ing.connectAndRun(ctx)
		ing.connected.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("wsingest: disconnected", "err", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > ing.reconnectMaxDelay {
			backoff = ing.reconnectMaxDelay
		}
	}
}

func (ing *Ingest) connectAndRun(ctx context.Context) error {
	conn, err := ing.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ing.connMu.Lock()
	ing.conn = conn
	ing.connMu.Unlock()

	if err := ing.resubscribeAll(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	ing.connected.Store(true)
	slog.Info("wsingest: connected", "subscriptions", ing.subCount())

	ctx2, cancel := context.WithCancel(ctx)
	defer cancel()
	go ing.pingLoop(ctx2, conn)
	return ing.readLoop(ctx2, conn)
}

func (ing *Ingest) subCount() int {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return len(ing.subs)
}

func (ing *Ingest) dial(ctx context.Context) (*websocket.Conn, error) {
	headers, err := ing.signer.SignWS()
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	h := http.Header{}
	headers.Set(h)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, ing.wsURL, h)
	if err != nil {
		return nil, err
	}

	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(ing.pingInterval + ing.pongTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(ing.pongTimeout))
	})
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(ing.pingInterval + ing.pongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(ing.pingInterval + ing.pongTimeout))
	return conn, nil
}

func (ing *Ingest) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ing.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ing.connMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ing.pongTimeout))
			ing.connMu.Unlock()
			if err != nil {
				slog.Debug("wsingest: ping failed", "err", err)
				return
			}
		}
	}
}

// resubscribeAll re-sends every tracked subscription from scratch; there
// is no resumption across reconnects.
func (ing *Ingest) resubscribeAll() error {
	ing.mu.Lock()
	subs := make([]*subscription, 0, len(ing.subs))
	for _, s := range ing.subs {
		subs = append(subs, s)
	}
	ing.mu.Unlock()

	for _, s := range subs {
		tickers := make([]string, 0, len(s.tickers))
		for t := range s.tickers {
			tickers = append(tickers, t)
		}
		if err := ing.sendSubscribe(s.sid, s.channels, tickers); err != nil {
			return err
		}
	}
	return nil
}

// --- wire types ---

type wsCommand struct {
	ID     int         `json:"id"`
	Cmd    string      `json:"cmd"`
	Params interface{} `json:"params"`
}

type subscribeParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers,omitempty"`
}

type updateSubParams struct {
	SIDs          []int    `json:"sids"`
	MarketTickers []string `json:"market_tickers"`
	Action        string   `json:"action"`
}

type unsubscribeParams struct {
	SIDs []int `json:"sids"`
}

type wsEnvelope struct {
	ID   int             `json:"id,omitempty"`
	Type string          `json:"type"`
	SID  int             `json:"sid,omitempty"`
	Seq  int             `json:"seq,omitempty"`
	Msg  json.RawMessage `json:"msg"`
}

func (ing *Ingest) sendSubscribe(sid int, channels, tickers []string) error {
	return ing.sendCommand(wsCommand{
		ID:  sid,
		Cmd: "subscribe",
		Params: subscribeParams{
			Channels:      channels,
			MarketTickers: tickers,
		},
	})
}

func (ing *Ingest) sendUpdate(sid int, tickers []string, action string) error {
	return ing.sendCommand(wsCommand{
		ID:  sid,
		Cmd: "update_subscription",
		Params: updateSubParams{
			SIDs:          []int{sid},
			MarketTickers: tickers,
			Action:        action,
		},
	})
}

func (ing *Ingest) sendCommand(cmd wsCommand) error {
	ing.connMu.Lock()
	defer ing.connMu.Unlock()
	if ing.conn == nil {
		return fmt.Errorf("wsingest: not connected")
	}
	ing.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	defer ing.conn.SetWriteDeadline(time.Time{})
	return ing.conn.WriteJSON(cmd)
}

// --- read loop & message routing ---

func (ing *Ingest) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(ing.pingInterval + ing.pongTimeout))

		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			slog.Debug("wsingest: envelope unmarshal error", "err", err)
			continue
		}

		ing.stats.record(env.Type)
		ing.checkSeq(env)
		ing.route(ctx, env)
	}
}

// checkSeq applies §4.3's gap detection: seq is expected to be
// last_seen_seq+1. A gap is logged but never triggers a replay request;
// recovery relies on the next snapshot.
func (ing *Ingest) checkSeq(env wsEnvelope) {
	if env.SID == 0 || env.Seq == 0 {
		return
	}
	ing.mu.Lock()
	defer ing.mu.Unlock()
	sub, ok := ing.subs[env.SID]
	if !ok {
		return
	}
	if sub.haveSeq && env.Seq > sub.lastSeq+1 {
		slog.Warn("wsingest: sequence gap", "sid", env.SID, "expected", sub.lastSeq+1, "received", env.Seq)
	}
	sub.lastSeq = env.Seq
	sub.haveSeq = true
}

func (ing *Ingest) route(ctx context.Context, env wsEnvelope) {
	switch env.Type {
	case "trade":
		ing.handleTrade(ctx, env.Msg)
	case "ticker", "ticker_v2":
		ing.handleTicker(ctx, env.Msg)
	case "orderbook_snapshot":
		ing.handleOrderbookSnapshot(ctx, env.Msg)
	case "orderbook_delta":
		ing.handleOrderbookDelta(ctx, env.Msg)
	case "market_lifecycle_v2":
		ing.handleLifecycle(ctx, env.Msg)
	case "event_lifecycle":
		ing.handleEventLifecycle(ctx, env.Msg)
	case "subscribed", "unsubscribed", "ok", "error":
		slog.Debug("wsingest: control message", "type", env.Type, "id", env.ID)
	case "":
		slog.Debug("wsingest: command response", "raw", string(env.Msg))
	default:
		slog.Debug("wsingest: unknown message type", "type", env.Type)
	}
}

func (ing *Ingest) publish(ctx context.Context, topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("wsingest: marshal for publish failed", "topic", topic, "err", err)
		return
	}
	if _, err := ing.bus.Publish(ctx, topic, data); err != nil {
		slog.Error("wsingest: publish failed", "topic", topic, "err", err)
		return
	}
	ing.stats.mu.Lock()
	ing.stats.pubCount++
	ing.stats.mu.Unlock()
}

func (ing *Ingest) handleTrade(ctx context.Context, raw json.RawMessage) {
	var t models.Trade
	if err := json.Unmarshal(raw, &t); err != nil {
		slog.Warn("wsingest: parse error", "type", "trade", "err", err, "payload", truncate(raw))
		return
	}
	if err := t.Validate(); err != nil {
		slog.Warn("wsingest: invalid trade", "err", err)
		return
	}
	ing.publish(ctx, bus.TopicTrades, t)
}

func (ing *Ingest) handleTicker(ctx context.Context, raw json.RawMessage) {
	var t models.TickerUpdate
	if err := json.Unmarshal(raw, &t); err != nil {
		slog.Warn("wsingest: parse error", "type", "ticker_v2", "err", err, "payload", truncate(raw))
		return
	}
	ing.publish(ctx, bus.TopicTickerV2, t)
}

func (ing *Ingest) handleOrderbookSnapshot(ctx context.Context, raw json.RawMessage) {
	var snap models.OrderbookSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		slog.Warn("wsingest: parse error", "type", "orderbook_snapshot", "err", err, "payload", truncate(raw))
		return
	}
	if snap.Ts == 0 {
		snap.Ts = time.Now().Unix()
	}
	if err := ing.store.ApplySnapshot(ctx, snap); err != nil {
		slog.Error("wsingest: apply snapshot failed", "ticker", snap.MarketTicker, "err", err)
	}
	ing.publish(ctx, bus.TopicOrderbookSnapshots, snap)
}

func (ing *Ingest) handleOrderbookDelta(ctx context.Context, raw json.RawMessage) {
	var d models.OrderbookDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		slog.Warn("wsingest: parse error", "type", "orderbook_delta", "err", err, "payload", truncate(raw))
		return
	}
	if err := d.Validate(); err != nil {
		slog.Warn("wsingest: invalid orderbook delta", "err", err)
		return
	}
	if d.Ts == 0 {
		d.Ts = time.Now().Unix()
	}
	if err := ing.store.ApplyDelta(ctx, d); err != nil {
		if err == state.ErrNoSnapshot {
			slog.Warn("wsingest: delta before snapshot, dropped", "ticker", d.MarketTicker)
		} else {
			slog.Error("wsingest: apply delta failed", "ticker", d.MarketTicker, "err", err)
		}
	}
	ing.publish(ctx, bus.TopicOrderbookDeltas, d)
}

func (ing *Ingest) handleLifecycle(ctx context.Context, raw json.RawMessage) {
	var e models.MarketLifecycleEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		slog.Warn("wsingest: parse error", "type", "market_lifecycle_v2", "err", err, "payload", truncate(raw))
		return
	}
	ing.publish(ctx, bus.TopicLifecycle, e)
}

func (ing *Ingest) handleEventLifecycle(ctx context.Context, raw json.RawMessage) {
	var e models.EventLifecycle
	if err := json.Unmarshal(raw, &e); err != nil {
		slog.Warn("wsingest: parse error", "type", "event_lifecycle", "err", err, "payload", truncate(raw))
		return
	}
	ing.publish(ctx, bus.TopicEventLifecycle, e)
}

func truncate(raw json.RawMessage) string {
	const maxLen = 256
	s := string(raw)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func (s *stats) record(msgType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msgType == "" {
		msgType = "(command response)"
	}
	s.byType[msgType]++
}

func (ing *Ingest) statsLoop(ctx context.Context, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ing.stats.mu.Lock()
			counts := make(map[string]int64, len(ing.stats.byType))
			for k, v := range ing.stats.byType {
				counts[k] = v
			}
			uptime := time.Since(ing.stats.started)
			pubCount := ing.stats.pubCount
			ing.stats.mu.Unlock()
			slog.Info("wsingest: stats", "uptime", uptime.Round(time.Second), "by_type", counts, "published", pubCount)
		}
	}
}
