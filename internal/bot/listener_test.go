package bot

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"foremanbot/internal/transport"
	logx "foremanbot/pkg/logx"
)

func startListener(t *testing.T, a *fakeAdapter, router Router) chan<- transport.Update {
	t.Helper()
	l := NewListener(a, router, ListenerConfig{Prefix: "!", CommandTimeout: time.Second, Workers: 2}, logx.Nop())
	updates := make(chan transport.Update, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return updates
}

func TestListenerDropsAndDispatches(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	var authCalls atomic.Int32
	a.allow = func(m *transport.Message) (bool, error) {
		authCalls.Add(1)
		switch m.SenderID {
		case "member":
			return false, nil
		case "broken":
			return false, errors.New("lookup failed")
		}
		return true, nil
	}
	var handled atomic.Int32
	router := Router{CmdHelp: Both(func(ctx context.Context, req *Request) error {
		handled.Add(1)
		req.Reply(ctx, transport.SeverityInfo, "hi "+req.Message.SenderID)
		return nil
	})}
	updates := startListener(t, a, router)

	send := func(sender, text string, isBot bool) {
		updates <- transport.Update{Message: &transport.Message{
			Context:     transport.ContextGroup,
			ContextID:   "g",
			Chat:        transport.ChatTarget{ChatID: "c"},
			SenderID:    sender,
			SenderIsBot: isBot,
			Text:        text,
		}}
	}
	send("robot", "!help", true)
	send("admin", "hello there", false)
	send("member", "!help", false)
	send("broken", "!help", false)
	send("admin", "!help", false)

	select {
	case r := <-a.sent:
		if r.msg.Text != "hi admin" {
			t.Fatalf("reply = %q", r.msg.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command was not dispatched")
	}
	// Only the three prefixed human messages reach the permission check.
	deadline := time.Now().Add(time.Second)
	for authCalls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := authCalls.Load(); got != 3 {
		t.Fatalf("authorize calls = %d, want 3", got)
	}
	if handled.Load() != 1 {
		t.Fatalf("handled = %d, want 1", handled.Load())
	}
}

func TestListenerRecoversHandlerPanic(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	var calls atomic.Int32
	router := Router{CmdStatus: Both(func(ctx context.Context, req *Request) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		req.Reply(ctx, transport.SeverityInfo, "alive")
		return nil
	})}
	updates := startListener(t, a, router)

	for i := 0; i < 2; i++ {
		updates <- transport.Update{Message: &transport.Message{
			Context: transport.ContextDirect, ContextID: "u", SenderID: "u",
			Chat: transport.ChatTarget{ChatID: "dm"}, Text: "!status",
		}}
	}
	select {
	case r := <-a.sent:
		if r.msg.Text != "alive" {
			t.Fatalf("reply = %q", r.msg.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not survive the panic")
	}
}

func TestListenerFullQueueNeverRepliesToUnauthorized(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	gate := make(chan struct{})
	var authCalls atomic.Int32
	a.allow = func(*transport.Message) (bool, error) {
		authCalls.Add(1)
		<-gate
		return false, nil
	}
	router := Router{CmdStatus: Both(func(ctx context.Context, req *Request) error {
		req.Reply(ctx, transport.SeverityInfo, "status")
		return nil
	})}
	l := NewListener(a, router, ListenerConfig{Prefix: "!", CommandTimeout: time.Second, Workers: 1, QueueSize: 2}, logx.Nop())
	updates := make(chan transport.Update)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.DispatchLoop(ctx, updates)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	for i := 0; i < 50; i++ {
		updates <- transport.Update{Message: &transport.Message{
			Context: transport.ContextGroup, ContextID: "g", SenderID: "member",
			Chat: transport.ChatTarget{ChatID: "c"}, Text: "!status",
		}}
	}
	close(gate)

	// At most one running job plus a full queue reach the permission check.
	deadline := time.Now().Add(2 * time.Second)
	for authCalls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := authCalls.Load(); got < 2 || got > 3 {
		t.Fatalf("authorize calls = %d, want 2 or 3", got)
	}
	if out := a.take(); len(out) != 0 {
		t.Fatalf("unauthorized sender got replies: %+v", out)
	}
}

func TestRouterNoFallback(t *testing.T) {
	t.Parallel()
	var hit bool
	r := Router{CmdTest: Route{Direct: func(context.Context, *Request) error { hit = true; return nil }}}
	req := &Request{Message: &transport.Message{Context: transport.ContextGroup}, Command: CmdTest}
	if err := r.Dispatch(context.Background(), req); err != nil || hit {
		t.Fatalf("group dispatch err=%v hit=%v", err, hit)
	}
	req.Message.Context = transport.ContextDirect
	if err := r.Dispatch(context.Background(), req); err != nil || !hit {
		t.Fatalf("direct dispatch err=%v hit=%v", err, hit)
	}
}
