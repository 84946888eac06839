package models

import "encoding/json"

// LifecycleEventType enumerates the monotonic per-market transitions a
// market passes through: open → closed → settled/determined, terminal.
type LifecycleEventType string

const (
	LifecycleOpen             LifecycleEventType = "open"
	LifecycleClosed           LifecycleEventType = "closed"
	LifecycleSettled          LifecycleEventType = "settled"
	LifecycleDetermined       LifecycleEventType = "determined"
	LifecycleCloseDateUpdated LifecycleEventType = "close_date_updated"
)

// IsTerminal reports whether this event type ends the market's lifecycle.
func (t LifecycleEventType) IsTerminal() bool {
	return t == LifecycleSettled || t == LifecycleDetermined
}

// MarketLifecycleEvent carries the named lifecycle fields plus an Extra
// bucket for any additional JSON keys the exchange sends. The schema is
// variable by design, so unknown fields must never fail parsing.
type MarketLifecycleEvent struct {
	MarketTicker string              `json:"market_ticker"`
	EventType    LifecycleEventType  `json:"event_type"`
	Status       string              `json:"status,omitempty"`
	Result       string              `json:"result,omitempty"`
	Ts           int64               `json:"ts"`
	Extra        map[string]any      `json:"-"`
}

// EffectiveStatus prefers the carried `status` field when present,
// falling back to `event_type`.
func (e MarketLifecycleEvent) EffectiveStatus() string {
	if e.Status != "" {
		return e.Status
	}
	return string(e.EventType)
}

type lifecycleShadow MarketLifecycleEvent

// UnmarshalJSON decodes known fields via a shadow struct and keeps
// whatever else was sent in Extra, so additional timestamp fields or any
// exchange-added keys never cause a parse failure.
func (e *MarketLifecycleEvent) UnmarshalJSON(b []byte) error {
	var shadow lifecycleShadow
	if err := json.Unmarshal(b, &shadow); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for _, known := range []string{"market_ticker", "event_type", "status", "result", "ts"} {
		delete(all, known)
	}

	*e = MarketLifecycleEvent(shadow)
	e.Extra = all
	return nil
}

// EventLifecycle is the sibling channel for event-level (as opposed to
// market-level) lifecycle transitions, same variable-schema treatment.
type EventLifecycle struct {
	EventTicker string             `json:"event_ticker"`
	EventType   LifecycleEventType `json:"event_type"`
	Ts          int64              `json:"ts"`
	Extra       map[string]any     `json:"-"`
}

type eventLifecycleShadow EventLifecycle

func (e *EventLifecycle) UnmarshalJSON(b []byte) error {
	var shadow eventLifecycleShadow
	if err := json.Unmarshal(b, &shadow); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for _, known := range []string{"event_ticker", "event_type", "ts"} {
		delete(all, known)
	}

	*e = EventLifecycle(shadow)
	e.Extra = all
	return nil
}
