package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"foremanbot/internal/config"
	"foremanbot/internal/eventbus"
	"foremanbot/internal/session"
	"foremanbot/internal/storage"
	logx "foremanbot/pkg/logx"
)

type auditStore struct {
	storage.Store
	mu      sync.Mutex
	entries []storage.AuditEntry
	added   chan struct{}
}

func newAuditStore() *auditStore {
	return &auditStore{Store: storage.NewMemory(), added: make(chan struct{}, 16)}
}

func (s *auditStore) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	s.added <- struct{}{}
	return s.Store.AppendAudit(ctx, e)
}

func (s *auditStore) snapshot() []storage.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.AuditEntry(nil), s.entries...)
}

func baseConfig() *config.Config {
	cfg := &config.Config{Bot: config.BotConfig{Platform: config.PlatformDiscord, Token: "t"}}
	cfg.ApplyDefaults()
	return cfg
}

func TestMapDefaults(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	if err := validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}

	nc, err := mapNotifier(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !nc.Enabled || nc.Workers != 2 || nc.QueueSize != 512 || nc.RatePerSec != 3 || nc.DedupWindow != 24*time.Hour || !nc.PersistDedup {
		t.Fatalf("notifier defaults = %+v", nc)
	}

	lc, err := mapListener(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if lc.Prefix != "!" || lc.CommandTimeout != 30*time.Second || lc.Workers != 4 {
		t.Fatalf("listener defaults = %+v", lc)
	}

	sw, err := mapSweep(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if sw.Timing.Period != "1m" || sw.SessionTimeout != 30*time.Second || sw.Timing.Timeout != 5*time.Minute || sw.MaxFailing != 5 {
		t.Fatalf("sweep defaults = %+v", sw)
	}

	fc, err := mapForeman(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if fc.Timeout != 5*time.Second || fc.Channel != config.PlatformDiscord {
		t.Fatalf("foreman defaults = %+v", fc)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		edit func(*config.Config)
	}{
		{"bad period", func(c *config.Config) { c.Notifications.Period = "every so often" }},
		{"bad timezone", func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" }},
		{"bad chat target", func(c *config.Config) { c.Logging.Chat.Target = "123#x" }},
		{"negative workers", func(c *config.Config) { c.Notifier = &config.NotifierConfig{Workers: -1} }},
	}
	for _, tc := range cases {
		cfg := baseConfig()
		tc.edit(cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestAuditRecordsSessionEvents(t *testing.T) {
	t.Parallel()
	store := newAuditStore()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, "session.")
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runAudit(ctx, events, store, logx.Nop())
		close(done)
	}()

	bus.Publish(eventbus.Event{Type: eventbus.SweepFinished})
	bus.Publish(eventbus.Event{Type: eventbus.SessionRegistered, Data: eventbus.SessionEvent{
		Kind: "group", ID: "g1", Target: "c1", Actor: "u1", Reason: "registered",
	}})
	bus.Publish(eventbus.Event{Type: eventbus.SessionUnreachable, Data: &eventbus.SessionEvent{Kind: "direct", ID: "u2"}})

	for i := 0; i < 2; i++ {
		select {
		case <-store.added:
		case <-time.After(2 * time.Second):
			t.Fatal("audit entry not written")
		}
	}
	cancel()
	<-done

	got := store.snapshot()
	if len(got) != 2 {
		t.Fatalf("entries = %+v", got)
	}
	if got[0].Action != eventbus.SessionRegistered || got[0].SessionID != "g1" || got[0].Actor != "u1" || got[0].Detail != "registered" || got[0].At.IsZero() {
		t.Fatalf("first entry = %+v", got[0])
	}
	if got[1].Action != eventbus.SessionUnreachable || got[1].Kind != "direct" {
		t.Fatalf("second entry = %+v", got[1])
	}
}

func TestListAndForgetSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newAuditStore()
	sessions := session.NewStore(store)

	g := session.NewGroup("g1", "c1")
	g.SetCredentials(session.Credentials{ClientID: 7, APIKey: "secret"})
	g.MarkRegistered(time.Now())
	if err := sessions.Save(ctx, g); err != nil {
		t.Fatal(err)
	}
	if err := sessions.Save(ctx, session.NewDirect("u1")); err != nil {
		t.Fatal(err)
	}

	all, err := ListSessions(ctx, store, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("ListSessions = %+v, %v", all, err)
	}
	groups, err := ListSessions(ctx, store, "group")
	if err != nil || len(groups) != 1 {
		t.Fatalf("ListSessions(group) = %+v, %v", groups, err)
	}
	if gi := groups[0]; gi.ClientID != 7 || !gi.HasAPIKey || gi.RegisteredAt == nil {
		t.Fatalf("group info = %+v", gi)
	}
	if _, err := ListSessions(ctx, store, "channel"); err == nil {
		t.Fatal("unknown kind accepted")
	}

	if err := ForgetSession(ctx, store, "group", "g1", "cli"); err != nil {
		t.Fatalf("ForgetSession: %v", err)
	}
	if ok, _ := sessions.Exists(ctx, session.KindGroup, "g1"); ok {
		t.Fatal("session still stored")
	}
	if err := ForgetSession(ctx, store, "group", "g1", "cli"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("second forget err = %v", err)
	}
	audit := store.snapshot()
	if len(audit) != 1 || audit[0].Actor != "cli" || audit[0].Target != "c1" {
		t.Fatalf("audit = %+v", audit)
	}
}
