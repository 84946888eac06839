package bus

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis is a minimal in-memory stand-in for the RedisClient subset the
// bus uses, enough to exercise publish/replay/ack/redelivery semantics
// without a live Redis instance.
type fakeRedis struct {
	mu      sync.Mutex
	seq     int64
	entries map[string][]fakeEntry // topic -> ordered entries
	groups  map[string]map[string]*fakeGroup // topic -> group name -> group
}

type fakeEntry struct {
	id   string
	data string
}

type fakeGroup struct {
	lastDelivered string
	pel           map[string]bool // undelivered-ack ids
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		entries: make(map[string][]fakeEntry),
		groups:  make(map[string]map[string]*fakeGroup),
	}
}

func (f *fakeRedis) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := strconv.FormatInt(f.seq, 10) + "-0"
	data, _ := a.Values.(map[string]any)["data"]
	var s string
	switch v := data.(type) {
	case []byte:
		s = string(v)
	case string:
		s = v
	}
	f.entries[a.Stream] = append(f.entries[a.Stream], fakeEntry{id: id, data: s})

	cmd := redis.NewStringCmd(ctx)
	cmd.SetVal(id)
	return cmd
}

func (f *fakeRedis) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groups[stream] == nil {
		f.groups[stream] = make(map[string]*fakeGroup)
	}
	cmd := redis.NewStatusCmd(ctx)
	if _, ok := f.groups[stream][group]; ok {
		cmd.SetErr(errors.New("BUSYGROUP Consumer Group name already exists"))
		return cmd
	}
	f.groups[stream][group] = &fakeGroup{lastDelivered: "0", pel: make(map[string]bool)}
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := redis.NewXStreamSliceCmd(ctx)
	stream := a.Streams[0]
	cursor := a.Streams[1]
	g := f.groups[stream][a.Group]

	var messages []redis.XMessage
	if cursor == ">" {
		for _, e := range f.entries[stream] {
			if compareIDs(e.id, g.lastDelivered) > 0 {
				messages = append(messages, redis.XMessage{ID: e.id, Values: map[string]interface{}{"data": e.data}})
				g.pel[e.id] = true
				g.lastDelivered = e.id
				if int64(len(messages)) >= a.Count {
					break
				}
			}
		}
	} else {
		// Pending replay: return entries still in the PEL with id > cursor.
		ids := make([]string, 0, len(g.pel))
		for id := range g.pel {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return compareIDs(ids[i], ids[j]) < 0 })
		for _, id := range ids {
			if compareIDs(id, cursor) <= 0 {
				continue
			}
			for _, e := range f.entries[stream] {
				if e.id == id {
					messages = append(messages, redis.XMessage{ID: e.id, Values: map[string]interface{}{"data": e.data}})
				}
			}
			if int64(len(messages)) >= a.Count {
				break
			}
		}
	}

	if len(messages) == 0 {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal([]redis.XStream{{Stream: stream, Messages: messages}})
	return cmd
}

func (f *fakeRedis) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.groups[stream][group]
	var n int64
	for _, id := range ids {
		if g.pel[id] {
			delete(g.pel, id)
			n++
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func compareIDs(a, b string) int {
	// IDs are "<seq>-0"; compare numerically on the sequence part.
	an, _ := strconv.ParseInt(a[:len(a)-2], 10, 64)
	bn, _ := strconv.ParseInt(b[:len(b)-2], 10, 64)
	switch {
	case an < bn:
		return -1
	case an > bn:
		return 1
	default:
		return 0
	}
}

func TestPublishAndConsumeGroup(t *testing.T) {
	f := newFakeRedis()
	b := New(f)
	ctx := context.Background()

	if _, err := b.Publish(ctx, TopicTrades, []byte(`{"trade_id":"X1"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	cg := NewConsumerGroup(b, TopicTrades, "writers", "writer-1")
	if err := cg.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	// Creating twice must not error (BUSYGROUP tolerated).
	if err := cg.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group twice: %v", err)
	}

	var received []string
	err := cg.Run(withTimeout(ctx), 10, 10*time.Millisecond, func(ctx context.Context, e Entry) error {
		received = append(received, string(e.Data))
		return errStopAfterOne
	})
	if err != errStopAfterOne && err != context.DeadlineExceeded {
		t.Fatalf("unexpected Run error: %v", err)
	}
	if len(received) != 1 || received[0] != `{"trade_id":"X1"}` {
		t.Errorf("received = %v", received)
	}
}

var errStopAfterOne = errors.New("stop after one message (test sentinel)")

func withTimeout(ctx context.Context) context.Context {
	c, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	_ = cancel
	return c
}

func TestHandlerErrorLeavesEntryInPEL(t *testing.T) {
	f := newFakeRedis()
	b := New(f)
	ctx := context.Background()

	if _, err := b.Publish(ctx, TopicSignalAll, []byte("payload")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	cg := NewConsumerGroup(b, TopicSignalAll, "g", "c1")
	if err := cg.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	attempts := 0
	fail := true
	handler := func(ctx context.Context, e Entry) error {
		attempts++
		if fail {
			fail = false
			return errors.New("boom")
		}
		return nil
	}

	// First XReadGroup(">") delivers and fails to process -> stays in PEL.
	delivered, err := f.XReadGroup(ctx, &redis.XReadGroupArgs{Group: "g", Consumer: "c1", Streams: []string{TopicSignalAll, ">"}, Count: 10}).Result()
	if err != nil {
		t.Fatalf("initial read: %v", err)
	}
	if err := cg.dispatch(ctx, delivered[0].Messages[0], handler); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(f.groups[TopicSignalAll]["g"].pel) != 1 {
		t.Fatalf("expected the failed entry to stay in the PEL, got %v", f.groups[TopicSignalAll]["g"].pel)
	}
	// Replay pending should now redeliver the same id and succeed.
	if err := cg.ReplayPending(ctx, 10, handler); err != nil {
		t.Fatalf("replay pending: %v", err)
	}

	group := f.groups[TopicSignalAll]["g"]
	if len(group.pel) != 0 {
		t.Errorf("expected PEL drained after successful replay, got %v", group.pel)
	}
}
