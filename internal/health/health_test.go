package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestCheckPing(t *testing.T) {
	m := &Monitor{}
	ctx := context.Background()

	if got := m.checkPing(ctx, nil); got.status != StatusOK {
		t.Errorf("nil pinger: status = %v, want ok", got.status)
	}
	if got := m.checkPing(ctx, fakePinger{}); got.status != StatusOK {
		t.Errorf("healthy pinger: status = %v, want ok", got.status)
	}
	if got := m.checkPing(ctx, fakePinger{err: errors.New("connection refused")}); got.status != StatusCritical {
		t.Errorf("failing pinger: status = %v, want critical", got.status)
	}
}

func TestCheckDisk_UnknownPathReportsWarning(t *testing.T) {
	m := &Monitor{checks: Checks{DiskPath: "/this/path/does/not/exist/anywhere"}}
	got := m.checkDisk(context.Background())
	if got.status != StatusWarning {
		t.Errorf("status = %v, want warning for an unreadable disk path", got.status)
	}
}

func TestCheckDisk_EmptyPathSkipsCheck(t *testing.T) {
	m := &Monitor{checks: Checks{DiskPath: ""}}
	got := m.checkDisk(context.Background())
	if got.status != StatusOK {
		t.Errorf("status = %v, want ok when no disk path configured", got.status)
	}
}

func TestAlert_CooldownSuppressesRepeatedAlerts(t *testing.T) {
	m := &Monitor{cooldown: time.Minute, lastAlert: make(map[string]time.Time)}

	m.alert("database", checkResult{status: StatusCritical})
	first := m.lastAlert["database"]
	if first.IsZero() {
		t.Fatal("expected the first alert to record a timestamp")
	}

	m.alert("database", checkResult{status: StatusCritical})
	second := m.lastAlert["database"]
	if !second.Equal(first) {
		t.Error("expected a second alert within the cooldown window to leave the timestamp unchanged")
	}
}

func TestAlert_FiresAgainAfterCooldownElapses(t *testing.T) {
	m := &Monitor{cooldown: time.Millisecond, lastAlert: make(map[string]time.Time)}
	m.alert("disk", checkResult{status: StatusWarning})
	first := m.lastAlert["disk"]

	time.Sleep(5 * time.Millisecond)
	m.alert("disk", checkResult{status: StatusWarning})
	second := m.lastAlert["disk"]
	if !second.After(first) {
		t.Error("expected a new alert timestamp once the cooldown elapsed")
	}
}
