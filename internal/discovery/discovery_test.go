package discovery

import (
	"context"
	"testing"
)

type fakeSubscriptionUpdater struct {
	lastSID           int
	lastAdd, lastRemove []string
	calls             int
}

func (f *fakeSubscriptionUpdater) Subscribe(ctx context.Context, channels []string, tickers []string) (int, error) {
	return 1, nil
}

func (f *fakeSubscriptionUpdater) UpdateSubscription(ctx context.Context, sid int, add, remove []string) error {
	f.calls++
	f.lastSID = sid
	f.lastAdd = add
	f.lastRemove = remove
	return nil
}

func newTestScanner(ingest SubscriptionUpdater) *Scanner {
	return &Scanner{
		ingest:      ingest,
		subscribed:  make(map[string]bool),
		knownSeries: make(map[string]bool),
	}
}

func TestSyncSubscriptions_AddsNewlyOpenMarkets(t *testing.T) {
	fake := &fakeSubscriptionUpdater{}
	sc := newTestScanner(fake)
	sc.obSID = 42

	sc.syncSubscriptions(context.Background(), map[string]bool{"M1": true, "M2": true})

	if fake.calls != 1 {
		t.Fatalf("expected one UpdateSubscription call, got %d", fake.calls)
	}
	if fake.lastSID != 42 {
		t.Errorf("sid = %d, want 42", fake.lastSID)
	}
	if len(fake.lastAdd) != 2 || len(fake.lastRemove) != 0 {
		t.Errorf("add=%v remove=%v, want 2 adds and 0 removes", fake.lastAdd, fake.lastRemove)
	}
	if !sc.subscribed["M1"] || !sc.subscribed["M2"] {
		t.Error("expected both markets tracked as subscribed afterward")
	}
}

func TestSyncSubscriptions_RemovesClosedMarkets(t *testing.T) {
	fake := &fakeSubscriptionUpdater{}
	sc := newTestScanner(fake)
	sc.subscribed["M1"] = true
	sc.subscribed["M2"] = true

	sc.syncSubscriptions(context.Background(), map[string]bool{"M1": true})

	if len(fake.lastAdd) != 0 || len(fake.lastRemove) != 1 || fake.lastRemove[0] != "M2" {
		t.Errorf("add=%v remove=%v, want 0 adds and remove=[M2]", fake.lastAdd, fake.lastRemove)
	}
	if sc.subscribed["M2"] {
		t.Error("M2 should no longer be tracked as subscribed")
	}
	if !sc.subscribed["M1"] {
		t.Error("M1 should remain subscribed")
	}
}

func TestSyncSubscriptions_NoOpWhenSetUnchanged(t *testing.T) {
	fake := &fakeSubscriptionUpdater{}
	sc := newTestScanner(fake)
	sc.subscribed["M1"] = true

	sc.syncSubscriptions(context.Background(), map[string]bool{"M1": true})

	if fake.calls != 0 {
		t.Errorf("expected no UpdateSubscription call when the open set matches, got %d calls", fake.calls)
	}
}
