// Package health implements the HealthMonitor: it probes the
// StateStore, the database, message-bus backlog, and disk usage on a
// fixed interval, writes a structured record to StateStore and the
// system_health hypertable, and logs a cooldown-gated warning on
// degraded components. Alert delivery (Telegram, etc.) is an external
// collaborator and out of scope here; this only produces the record and
// the local log line a transport would consume.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/theokelly26/KASS/internal/bus"
	"github.com/theokelly26/KASS/internal/db"
	"github.com/theokelly26/KASS/internal/state"
)

const (
	backlogWarning  = 10_000
	backlogCritical = 50_000
	diskWarning     = 80.0
	diskCritical    = 90.0
)

// StatusOK, StatusWarning, StatusCritical are the three component health
// levels HealthMonitor reports.
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// Pinger is satisfied by both *state.Store and *db.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checks bundles the external probes HealthMonitor runs each tick.
type Checks struct {
	StateStore Pinger
	Database   Pinger
	DiskPath   string
	BusTopics  []string
}

// Monitor runs the periodic probe loop.
type Monitor struct {
	bus      *bus.Bus
	store    *state.Store
	db       *db.Store
	checks   Checks
	interval time.Duration
	cooldown time.Duration

	mu        sync.Mutex
	lastAlert map[string]time.Time
}

func New(b *bus.Bus, store *state.Store, dbStore *db.Store, checks Checks, interval, cooldown time.Duration) *Monitor {
	return &Monitor{
		bus:       b,
		store:     store,
		db:        dbStore,
		checks:    checks,
		interval:  interval,
		cooldown:  cooldown,
		lastAlert: make(map[string]time.Time),
	}
}

// Run executes one probe cycle immediately, then every interval until
// ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	m.tick(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	m.report(ctx, "state_store", m.checkPing(ctx, m.checks.StateStore))
	m.report(ctx, "database", m.checkPing(ctx, m.checks.Database))
	m.report(ctx, "disk", m.checkDisk(ctx))
	m.report(ctx, "bus_backlog", m.checkBacklog(ctx))
}

type checkResult struct {
	status  string
	details map[string]any
}

func (m *Monitor) checkPing(ctx context.Context, p Pinger) checkResult {
	if p == nil {
		return checkResult{status: StatusOK}
	}
	if err := p.Ping(ctx); err != nil {
		return checkResult{status: StatusCritical, details: map[string]any{"error": err.Error()}}
	}
	return checkResult{status: StatusOK}
}

func (m *Monitor) checkDisk(ctx context.Context) checkResult {
	if m.checks.DiskPath == "" {
		return checkResult{status: StatusOK}
	}
	usage, err := disk.UsageWithContext(ctx, m.checks.DiskPath)
	if err != nil {
		return checkResult{status: StatusWarning, details: map[string]any{"error": err.Error()}}
	}
	status := StatusOK
	switch {
	case usage.UsedPercent >= diskCritical:
		status = StatusCritical
	case usage.UsedPercent >= diskWarning:
		status = StatusWarning
	}
	return checkResult{status: status, details: map[string]any{"used_percent": usage.UsedPercent, "path": m.checks.DiskPath}}
}

func (m *Monitor) checkBacklog(ctx context.Context) checkResult {
	var maxLen int64
	lengths := make(map[string]int64, len(m.checks.BusTopics))
	for _, topic := range m.checks.BusTopics {
		n, err := m.bus.StreamLength(ctx, topic)
		if err != nil {
			slog.Warn("health: stream length failed", "topic", topic, "err", err)
			continue
		}
		lengths[topic] = n
		if n > maxLen {
			maxLen = n
		}
	}
	status := StatusOK
	switch {
	case maxLen >= backlogCritical:
		status = StatusCritical
	case maxLen >= backlogWarning:
		status = StatusWarning
	}
	return checkResult{status: status, details: map[string]any{"max_backlog": maxLen, "topics": lengths}}
}

func (m *Monitor) report(ctx context.Context, component string, result checkResult) {
	now := time.Now()
	snap := state.HealthSnapshot{
		Component: component,
		Status:    result.status,
		Details:   result.details,
		Ts:        now.Unix(),
	}

	if err := m.store.PutHealth(ctx, snap); err != nil {
		slog.Warn("health: put health failed", "component", component, "err", err)
	}

	details, _ := json.Marshal(result.details)
	row := db.SystemHealthRow{
		Ts:        now.Unix(),
		Component: component,
		Status:    result.status,
		Details:   details,
	}
	if _, err := m.db.InsertSystemHealth(ctx, []db.SystemHealthRow{row}); err != nil {
		slog.Warn("health: insert system_health failed", "component", component, "err", err)
	}

	if data, err := json.Marshal(snap); err == nil {
		if _, err := m.bus.Publish(ctx, bus.TopicSystem, data); err != nil {
			slog.Warn("health: publish failed", "component", component, "err", err)
		}
	}

	if result.status != StatusOK {
		m.alert(component, result)
	}
}

func (m *Monitor) alert(component string, result checkResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastAlert[component]; ok && time.Since(last) < m.cooldown {
		return
	}
	m.lastAlert[component] = time.Now()

	if result.status == StatusCritical {
		slog.Error("health: component critical", "component", component, "details", result.details)
	} else {
		slog.Warn("health: component degraded", "component", component, "details", result.details)
	}
}
