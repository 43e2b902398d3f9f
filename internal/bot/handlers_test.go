package bot

import (
	"context"
	"errors"
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

type plainFormatter struct{}

func (plainFormatter) Bold(s string) string          { return "**" + s + "**" }
func (plainFormatter) Italic(s string) string        { return "*" + s + "*" }
func (plainFormatter) Code(s string) string          { return "`" + s + "`" }
func (plainFormatter) Link(label, url string) string { return "[" + label + "](" + url + ")" }
func (plainFormatter) Escape(s string) string        { return s }

type reply struct {
	to  transport.ChatTarget
	msg transport.OutboundMessage
}

type fakeAdapter struct {
	mu      sync.Mutex
	replies []reply
	allow   func(m *transport.Message) (bool, error)
	sent    chan reply
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{sent: make(chan reply, 32)} }

func (a *fakeAdapter) Name() string                                       { return "fake" }
func (a *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                         { return nil }
func (a *fakeAdapter) Formatter() transport.Formatter                     { return plainFormatter{} }

func (a *fakeAdapter) Send(_ context.Context, to transport.ChatTarget, msg transport.OutboundMessage) error {
	a.mu.Lock()
	a.replies = append(a.replies, reply{to, msg})
	a.mu.Unlock()
	select {
	case a.sent <- reply{to, msg}:
	default:
	}
	return nil
}

func (a *fakeAdapter) Authorize(_ context.Context, m *transport.Message) (bool, error) {
	if a.allow == nil {
		return true, nil
	}
	return a.allow(m)
}

func (a *fakeAdapter) Resolve(_ context.Context, _ transport.ContextKind, target string) (transport.ChatTarget, error) {
	return transport.ParseChatTarget(target)
}

func (a *fakeAdapter) take() []reply {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.replies
	a.replies = nil
	return out
}

type fakeForeman struct {
	up      bool
	valid   map[int]string
	pingErr error
	miners  []foreman.Miner
}

func (f *fakeForeman) Ping(context.Context) (bool, error) { return f.up, nil }

func (f *fakeForeman) PingClient(_ context.Context, c foreman.Credentials) (bool, error) {
	if f.pingErr != nil {
		return false, f.pingErr
	}
	return f.valid[c.ClientID] == c.APIKey, nil
}

func (f *fakeForeman) Miners(context.Context, foreman.Credentials) ([]foreman.Miner, error) {
	return f.miners, nil
}

type harness struct {
	adapter *fakeAdapter
	api     *fakeForeman
	store   *session.Store
	bus     eventbus.Bus
	h       *Handlers
	router  Router
	clock   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	hs := &harness{
		adapter: newFakeAdapter(),
		api:     &fakeForeman{up: true, valid: map[int]string{42: "secret"}},
		store:   session.NewStore(storage.NewMemory()),
		bus:     eventbus.New(),
		clock:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	hs.h = NewHandlers(HandlersConfig{Prefix: "!", DashboardURL: "https://dash/", Platform: "Discord"},
		hs.store, session.NewLocks(), hs.api, hs.bus, logx.Nop())
	hs.h.now = func() time.Time { return hs.clock }
	hs.router = hs.h.Routes()
	return hs
}

func groupMsg(text, channel string) *transport.Message {
	return &transport.Message{
		Context:   transport.ContextGroup,
		ContextID: "guild-1",
		Chat:      transport.ChatTarget{ChatID: channel},
		SenderID:  "user-1",
		Text:      text,
	}
}

func directMsg(text string) *transport.Message {
	return &transport.Message{
		Context:   transport.ContextDirect,
		ContextID: "user-1",
		Chat:      transport.ChatTarget{ChatID: "dm-1"},
		SenderID:  "user-1",
		Text:      text,
	}
}

func (hs *harness) run(t *testing.T, m *transport.Message) []reply {
	t.Helper()
	cmd, ok := Resolve("!", m.Text)
	if !ok {
		t.Fatalf("%q is not a command", m.Text)
	}
	_ = hs.router.Dispatch(context.Background(), newRequest(hs.adapter, m, cmd, logx.Nop()))
	return hs.adapter.take()
}

func TestRegisterSetsRegisteredAtOnce(t *testing.T) {
	t.Parallel()
	hs := newHarness(t)
	ctx := context.Background()

	out := hs.run(t, groupMsg("!register <42> <secret>", "chan-a"))
	if len(out) != 1 || out[0].msg.Severity != transport.SeveritySuccess || !strings.HasPrefix(out[0].msg.Text, "Those look correct!") {
		t.Fatalf("replies = %+v", out)
	}
	s, err := hs.store.FindByID(ctx, session.KindGroup, "guild-1")
	if err != nil {
		t.Fatal(err)
	}
	at, _ := s.RegisteredAt()
	if !at.Equal(hs.clock) || s.DeliveryTarget() != "chan-a" {
		t.Fatalf("first register: at=%s target=%s", at, s.DeliveryTarget())
	}
	s.AdvanceCursor(17)
	_ = hs.store.Save(ctx, s)

	hs.clock = hs.clock.Add(time.Hour)
	hs.run(t, groupMsg("!register 42 secret", "chan-b"))
	s, _ = hs.store.FindByID(ctx, session.KindGroup, "guild-1")
	at, _ = s.RegisteredAt()
	if !at.Equal(hs.clock.Add(-time.Hour)) {
		t.Fatalf("registeredAt moved to %s", at)
	}
	if s.DeliveryTarget() != "chan-b" || s.Cursor() != 17 {
		t.Fatalf("re-register: target=%s cursor=%d", s.DeliveryTarget(), s.Cursor())
	}
}

func TestRegisterFailuresKeepMinimalRow(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		text    string
		pingErr error
		want    string
	}{
		{"too few tokens", "!register 42", nil, "Something doesn't seem right..."},
		{"non numeric id", "!register abc secret", nil, "Client ID should have been a number"},
		{"rejected", "!register 42 wrong", nil, "I tried those, but they didn't work"},
		{"api down", "!register 42 secret", errors.New("timeout"), "Something doesn't seem right..."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			hs := newHarness(t)
			hs.api.pingErr = tc.pingErr
			out := hs.run(t, directMsg(tc.text))
			if len(out) != 1 || out[0].msg.Text != tc.want || out[0].msg.Severity != transport.SeverityFailure {
				t.Fatalf("replies = %+v", out)
			}
			s, err := hs.store.FindByID(context.Background(), session.KindDirect, "user-1")
			if err != nil {
				t.Fatalf("minimal session not created: %v", err)
			}
			if _, ok := s.Credentials(); ok {
				t.Fatal("credentials stored on failure")
			}
			if _, ok := s.RegisteredAt(); ok {
				t.Fatal("registeredAt set on failure")
			}
		})
	}
}

func TestFailedRegisterStillMovesGroupTarget(t *testing.T) {
	t.Parallel()
	hs := newHarness(t)
	ctx := context.Background()

	hs.run(t, groupMsg("!register 42 secret", "chan-a"))
	before, err := hs.store.FindByID(ctx, session.KindGroup, "guild-1")
	if err != nil {
		t.Fatal(err)
	}
	at, _ := before.RegisteredAt()

	hs.clock = hs.clock.Add(time.Hour)
	for _, text := range []string{"!register 42 wrong", "!register nope"} {
		out := hs.run(t, groupMsg(text, "chan-b"))
		if len(out) != 1 || out[0].msg.Severity != transport.SeverityFailure {
			t.Fatalf("%q replies = %+v", text, out)
		}
	}

	s, err := hs.store.FindByID(ctx, session.KindGroup, "guild-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.DeliveryTarget() != "chan-b" {
		t.Fatalf("target = %s, want chan-b", s.DeliveryTarget())
	}
	if c, ok := s.Credentials(); !ok || c.ClientID != 42 || c.APIKey != "secret" {
		t.Fatalf("credentials changed: %+v", c)
	}
	if got, _ := s.RegisteredAt(); !got.Equal(at) {
		t.Fatalf("registeredAt moved to %s", got)
	}
}

func TestForgetTwice(t *testing.T) {
	t.Parallel()
	hs := newHarness(t)
	events, unsub := hs.bus.Subscribe(8, "session.")
	defer unsub()

	hs.run(t, directMsg("!register 42 secret"))
	<-events

	out := hs.run(t, directMsg("!forget"))
	if len(out) != 1 || out[0].msg.Text != "Got it - I won't send you notifications anymore" {
		t.Fatalf("first forget = %+v", out)
	}
	if ev := <-events; ev.Type != eventbus.SessionForgotten {
		t.Fatalf("event = %s", ev.Type)
	}

	for i := 0; i < 2; i++ {
		out = hs.run(t, directMsg("!forget"))
		if len(out) != 1 || out[0].msg.Text != "We haven't met yet..." || out[0].msg.Severity != transport.SeverityFailure {
			t.Fatalf("repeat forget %d = %+v", i, out)
		}
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}
}

func TestStatusFilter(t *testing.T) {
	t.Parallel()
	hs := newHarness(t)
	hs.run(t, directMsg("!register 42 secret"))

	hs.api.miners = []foreman.Miner{
		{ID: 1, Name: "ok-rig", Status: "okay", Seen: true, Active: true},
		{ID: 2, Name: "bad-rig", Status: "fail", Seen: true, Active: true},
		{ID: 3, Name: "idle-rig", Status: "fail", Seen: true, Active: false},
		{ID: 4, Name: "ghost-rig", Status: "fail", Seen: false, Active: true},
	}
	out := hs.run(t, directMsg("!status"))
	if len(out) != 1 {
		t.Fatalf("replies = %+v", out)
	}
	want := "**Failing**\n[bad-rig](https://dash/dashboard/miners/2/details/)"
	if out[0].msg.Text != want || out[0].msg.Severity != transport.SeverityFailure {
		t.Fatalf("status = %q (%v), want %q", out[0].msg.Text, out[0].msg.Severity, want)
	}
}

func TestStatusSectionsAndOkay(t *testing.T) {
	t.Parallel()
	f := plainFormatter{}
	text, sev := statusMessage(f, "https://d", []foreman.Miner{
		{ID: 2, Name: "b", Status: "fail", Seen: true, Active: true},
		{ID: 1, Name: "a", Status: "warn", Seen: true, Active: true},
	})
	want := "**Warning**\n[a](https://d/dashboard/miners/1/details/)\n\n**Failing**\n[b](https://d/dashboard/miners/2/details/)"
	if text != want || sev != transport.SeverityFailure {
		t.Fatalf("got %q (%v)", text, sev)
	}

	text, sev = statusMessage(f, "https://d", []foreman.Miner{{ID: 1, Name: "a", Status: "warn", Seen: true, Active: true}})
	if sev != transport.SeverityInfo || !strings.HasPrefix(text, "**Warning**") {
		t.Fatalf("warn only: %q (%v)", text, sev)
	}

	text, sev = statusMessage(f, "https://d", nil)
	if text != "Everything looks okay!" || sev != transport.SeveritySuccess {
		t.Fatalf("empty: %q (%v)", text, sev)
	}
}

func TestUnregisteredTestAndStatus(t *testing.T) {
	t.Parallel()
	hs := newHarness(t)

	out := hs.run(t, groupMsg("!test", "chan-a"))
	if len(out) != 2 || out[0].msg.Text != "We haven't met yet..." || !strings.Contains(out[1].msg.Text, "**Todd**") {
		t.Fatalf("test replies = %+v", out)
	}
	if !strings.Contains(out[1].msg.Text, "`!register <client_id> <api_key>`") {
		t.Fatalf("start text lacks usage: %q", out[1].msg.Text)
	}

	out = hs.run(t, groupMsg("!status", "chan-a"))
	if len(out) != 1 || out[0].msg.Text != "We haven't met yet..." {
		t.Fatalf("status replies = %+v", out)
	}
}

func TestTestReportsBothChecks(t *testing.T) {
	t.Parallel()
	hs := newHarness(t)
	hs.run(t, directMsg("!register 42 secret"))
	hs.api.up = false

	out := hs.run(t, directMsg("!test"))
	if len(out) != 4 {
		t.Fatalf("replies = %+v", out)
	}
	if out[1].msg.Text != "*Result*: ❌" || out[3].msg.Text != "*Result*: ✅" {
		t.Fatalf("results = %q, %q", out[1].msg.Text, out[3].msg.Text)
	}
}

func TestHelpListsCommands(t *testing.T) {
	t.Parallel()
	hs := newHarness(t)
	out := hs.run(t, directMsg("!help"))
	if len(out) != 1 || !strings.HasPrefix(out[0].msg.Text, "Sure...here's what I can do for ya:") {
		t.Fatalf("help = %+v", out)
	}
	for _, c := range Commands {
		if !strings.Contains(out[0].msg.Text, "**!"+string(c)+"**\n"+c.Description()) {
			t.Fatalf("help missing %s", c)
		}
	}
}
