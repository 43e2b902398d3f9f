package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"foremanbot/internal/eventbus"
	"foremanbot/internal/foreman"
	"foremanbot/internal/session"
	"foremanbot/internal/storage"
	"foremanbot/internal/transport"
	logx "foremanbot/pkg/logx"
)

const dash = "https://dashboard.example"

// mdFormatter is a minimal markdown formatter without escaping.
type mdFormatter struct{}

func (mdFormatter) Bold(s string) string          { return "**" + s + "**" }
func (mdFormatter) Italic(s string) string        { return "*" + s + "*" }
func (mdFormatter) Code(s string) string          { return "`" + s + "`" }
func (mdFormatter) Link(label, url string) string { return "[" + label + "](" + url + ")" }
func (mdFormatter) Escape(s string) string        { return s }

type fakeAPI struct {
	mu        sync.Mutex
	items     map[int][]foreman.Notification
	err       map[int]error
	lastSince int64
	lastFloor time.Time
}

func (f *fakeAPI) Notifications(_ context.Context, creds foreman.Credentials, since int64, floor time.Time) ([]foreman.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSince, f.lastFloor = since, floor
	if err := f.err[creds.ClientID]; err != nil {
		return nil, err
	}
	return f.items[creds.ClientID], nil
}

type fakeSink struct {
	mu   sync.Mutex
	got  []transport.Notification
	fail error
}

func (f *fakeSink) Notify(_ context.Context, n transport.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.got = append(f.got, n)
	return nil
}

type fakeDest struct {
	unreachable map[string]bool
}

func (d fakeDest) Resolve(_ context.Context, _ transport.ContextKind, target string) (transport.ChatTarget, error) {
	if d.unreachable[target] {
		return transport.ChatTarget{}, transport.ErrUnreachable
	}
	return transport.ChatTarget{ChatID: "dm-" + target}, nil
}

func (fakeDest) Formatter() transport.Formatter { return mdFormatter{} }

// countingStore records PutSession calls.
type countingStore struct {
	storage.Store
	mu   sync.Mutex
	puts int
}

func (c *countingStore) PutSession(ctx context.Context, r storage.SessionRecord) error {
	c.mu.Lock()
	c.puts++
	c.mu.Unlock()
	return c.Store.PutSession(ctx, r)
}

type fixture struct {
	backend *countingStore
	store   *session.Store
	api     *fakeAPI
	sink    *fakeSink
	bus     eventbus.Bus
	engine  *Engine
}

func newFixture(t *testing.T, start time.Time, dest fakeDest) *fixture {
	t.Helper()
	f := &fixture{
		backend: &countingStore{Store: storage.NewMemory()},
		api:     &fakeAPI{items: map[int][]foreman.Notification{}, err: map[int]error{}},
		sink:    &fakeSink{},
		bus:     eventbus.New(),
	}
	f.store = session.NewStore(f.backend)
	f.engine = New(Config{DashboardURL: dash, MaxFailing: 5, StartTime: start}, f.store, session.NewLocks(), f.api, f.sink, dest, f.bus, logx.Nop())
	return f
}

func (f *fixture) register(t *testing.T, id string, clientID int, at time.Time, cursor int64) session.Session {
	t.Helper()
	s := session.NewDirect(id)
	s.SetCredentials(session.Credentials{ClientID: clientID, APIKey: "key"})
	s.MarkRegistered(at)
	s.AdvanceCursor(cursor)
	if err := f.store.Save(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	f.backend.puts = 0
	return s
}

func TestDeliverAdvancesCursorAndQueues(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, start, fakeDest{})
	s := f.register(t, "u1", 1, start.Add(time.Hour), 3)
	f.api.items[1] = []foreman.Notification{{ID: 7, Subject: "b"}, {ID: 2, Subject: "old"}, {ID: 5, Subject: "a"}}

	res, err := f.engine.Deliver(context.Background(), s)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if res.Messages != 2 || res.Cursor != 7 {
		t.Fatalf("result = %+v, want 2 messages, cursor 7", res)
	}
	if len(f.sink.got) != 2 || f.sink.got[0].Message.Text != "**a**" || f.sink.got[1].Message.Text != "**b**" {
		t.Fatalf("queued = %+v", f.sink.got)
	}
	if k := f.sink.got[0].DedupKey; k != "direct:u1:5" {
		t.Fatalf("dedup key = %q", k)
	}
	if f.sink.got[0].Target.ChatID != "dm-u1" {
		t.Fatalf("target = %+v", f.sink.got[0].Target)
	}
	if f.api.lastSince != 3 || !f.api.lastFloor.Equal(start.Add(time.Hour)) {
		t.Fatalf("query since=%d floor=%s", f.api.lastSince, f.api.lastFloor)
	}

	stored, err := f.store.FindByID(context.Background(), session.KindDirect, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Cursor() != 7 {
		t.Fatalf("stored cursor = %d, want 7", stored.Cursor())
	}
}

func TestDeliverCursorNeverMovesBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Now(), fakeDest{})
	s := f.register(t, "u1", 1, time.Now(), 10)

	for round, ids := range [][]int64{{12}, {4, 11}, {15, 13}} {
		var items []foreman.Notification
		for _, id := range ids {
			items = append(items, foreman.Notification{ID: id, Subject: "x"})
		}
		f.api.items[1] = items
		if _, err := f.engine.Deliver(context.Background(), s); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
	}
	stored, _ := f.store.FindByID(context.Background(), session.KindDirect, "u1")
	if stored.Cursor() != 15 {
		t.Fatalf("cursor = %d, want 15", stored.Cursor())
	}
}

func TestDeliverEmptyDoesNotWrite(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Now(), fakeDest{})
	s := f.register(t, "u1", 1, time.Now(), 4)

	before, _ := f.backend.GetSession(context.Background(), "direct", "u1")
	res, err := f.engine.Deliver(context.Background(), s)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if res.Messages != 0 || res.Cursor != 4 {
		t.Fatalf("result = %+v", res)
	}
	if f.backend.puts != 0 {
		t.Fatalf("PutSession called %d times on empty result", f.backend.puts)
	}
	after, _ := f.backend.GetSession(context.Background(), "direct", "u1")
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.Cursor != before.Cursor {
		t.Fatalf("record changed: %+v -> %+v", before, after)
	}
}

func TestDeliverFloorIsStartTime(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, start, fakeDest{})
	s := f.register(t, "u1", 1, start.Add(-24*time.Hour), 0)

	if _, err := f.engine.Deliver(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if !f.api.lastFloor.Equal(start) {
		t.Fatalf("floor = %s, want start time", f.api.lastFloor)
	}
}

func TestDeliverUnreachableRemovesSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Now(), fakeDest{unreachable: map[string]bool{"u1": true}})
	s := f.register(t, "u1", 9, time.Now(), 0)
	f.api.items[9] = []foreman.Notification{{ID: 1, Subject: "x"}}
	events, unsub := f.bus.Subscribe(4, eventbus.SessionUnreachable)
	defer unsub()

	res, err := f.engine.Deliver(context.Background(), s)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !res.Removed {
		t.Fatalf("result = %+v, want Removed", res)
	}
	if _, err := f.store.FindByID(context.Background(), session.KindDirect, "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("session still present: %v", err)
	}
	select {
	case ev := <-events:
		if se := ev.Data.(eventbus.SessionEvent); se.ID != "u1" || se.ClientID != 9 {
			t.Fatalf("event = %+v", se)
		}
	case <-time.After(time.Second):
		t.Fatal("no session.unreachable event")
	}
	if len(f.sink.got) != 0 {
		t.Fatalf("messages queued for unreachable target")
	}
}

func TestDeliverQueueFailureKeepsCursor(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Now(), fakeDest{})
	s := f.register(t, "u1", 1, time.Now(), 2)
	f.api.items[1] = []foreman.Notification{{ID: 3, Subject: "x"}}
	f.sink.fail = errors.New("queue full")

	if _, err := f.engine.Deliver(context.Background(), s); err == nil {
		t.Fatal("expected error")
	}
	if f.backend.puts != 0 {
		t.Fatal("cursor committed after enqueue failure")
	}
}

func TestDeliverSkipsVanishedOrUnregistered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Now(), fakeDest{})

	res, err := f.engine.Deliver(context.Background(), session.NewDirect("ghost"))
	if err != nil || !res.Skipped {
		t.Fatalf("ghost: res=%+v err=%v", res, err)
	}

	pending := session.NewDirect("new")
	pending.SetCredentials(session.Credentials{ClientID: 1, APIKey: "k"})
	_ = f.store.Save(context.Background(), pending)
	res, err = f.engine.Deliver(context.Background(), pending)
	if err != nil || !res.Skipped {
		t.Fatalf("unregistered: res=%+v err=%v", res, err)
	}
}

func TestRenderTruncates(t *testing.T) {
	t.Parallel()
	n := foreman.Notification{ID: 1, Subject: "Miners are failing"}
	for i := 1; i <= 10; i++ {
		n.FailingMiners = append(n.FailingMiners, foreman.FailingMiner{
			Miner:     fmt.Sprintf("rig-%d", i),
			MinerID:   i,
			Diagnosis: []string{"hash rate low"},
		})
	}

	msg := Render(mdFormatter{}, dash, 5, n)
	if msg.Severity != transport.SeverityFailure {
		t.Fatalf("severity = %v", msg.Severity)
	}
	if got := strings.Count(msg.Text, "/details/)"); got != 5 {
		t.Fatalf("listed %d miners, want 5", got)
	}
	if !strings.Contains(msg.Text, "[rig-5]("+dash+"/dashboard/miners/5/details/)\nhash rate low\n") {
		t.Fatalf("miner entry missing:\n%s", msg.Text)
	}
	if strings.Contains(msg.Text, "rig-6") {
		t.Fatalf("miner past the limit listed:\n%s", msg.Text)
	}
	if !strings.Contains(msg.Text, "*...and 5 more*") {
		t.Fatalf("missing overflow line:\n%s", msg.Text)
	}
	if !strings.HasSuffix(msg.Text, "Head to [your dashboard]("+dash+"/dashboard/) to see the rest") {
		t.Fatalf("missing dashboard link:\n%s", msg.Text)
	}
}

func TestRenderNoFailures(t *testing.T) {
	t.Parallel()
	msg := Render(mdFormatter{}, dash, 5, foreman.Notification{Subject: "All clear"})
	if msg.Text != "**All clear**" || msg.Severity != transport.SeveritySuccess {
		t.Fatalf("msg = %+v", msg)
	}
}
