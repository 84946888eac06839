package writers

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/theokelly26/KASS/internal/bus"
	"github.com/theokelly26/KASS/internal/db"
	"github.com/theokelly26/KASS/internal/models"
)

// LifecycleWriter persists the lifecycle topic and, in the same
// transaction, updates markets.status by ticker.
type LifecycleWriter struct {
	bus *bus.Bus
	db  *db.Store
}

func NewLifecycleWriter(b *bus.Bus, store *db.Store) *LifecycleWriter {
	return &LifecycleWriter{bus: b, db: store}
}

func (w *LifecycleWriter) Run(ctx context.Context) error {
	return runConsumer(ctx, w.bus, bus.TopicLifecycle, "writer_lifecycle", "writer_lifecycle-1", w.handle)
}

func (w *LifecycleWriter) handle(ctx context.Context, e bus.Entry) error {
	var evt models.MarketLifecycleEvent
	if err := json.Unmarshal(e.Data, &evt); err != nil {
		slog.Warn("writer_lifecycle: unmarshal failed, skipping", "err", err)
		return nil
	}

	row := db.LifecycleEventRow{
		Ts:           evt.Ts,
		MarketTicker: evt.MarketTicker,
		MarketID:     evt.MarketTicker,
		Status:       terminalStatus(evt),
	}
	err := withRetry(ctx, func() error {
		return w.db.WriteLifecycleEvents(ctx, []db.LifecycleEventRow{row})
	})
	if err != nil {
		slog.Error("writer_lifecycle: write failed after retries", "ticker", evt.MarketTicker, "err", err)
		return err
	}
	return nil
}

// terminalStatus prefers the carried status field, falling back to
// event_type, per the exchange's inconsistent lifecycle schema.
func terminalStatus(evt models.MarketLifecycleEvent) string {
	return evt.EffectiveStatus()
}
