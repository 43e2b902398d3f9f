package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"foremanbot/internal/storage"
	"foremanbot/internal/transport"
	logx "foremanbot/pkg/logx"
)

type sent struct {
	to   transport.ChatTarget
	text string
}

type fakeSender struct {
	mu    sync.Mutex
	out   []sent
	calls int
	fail  func(call int) error
	ch    chan sent
}

func newFakeSender() *fakeSender { return &fakeSender{ch: make(chan sent, 64)} }

func (f *fakeSender) Send(_ context.Context, to transport.ChatTarget, msg transport.OutboundMessage) error {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fail := f.fail
	f.mu.Unlock()
	if fail != nil {
		if err := fail(call); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.out = append(f.out, sent{to: to, text: msg.Text})
	f.mu.Unlock()
	f.ch <- sent{to: to, text: msg.Text}
	return nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func startNotifier(t *testing.T, cfg Config, sender Sender, store storage.Store) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	s := New(cfg, sender, logx.Nop(), nil, store)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func recv(t *testing.T, ch <-chan sent) sent {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for send")
		return sent{}
	}
}

func note(chat, text, key string) transport.Notification {
	return transport.Notification{
		Target:   transport.ChatTarget{ChatID: chat},
		Message:  transport.OutboundMessage{Text: text},
		DedupKey: key,
	}
}

func TestOrderPreservedPerTarget(t *testing.T) {
	t.Parallel()
	f := newFakeSender()
	s := startNotifier(t, Config{Workers: 4}, f, nil)

	want := []string{"one", "two", "three", "four", "five"}
	for _, txt := range want {
		if err := s.Notify(context.Background(), note("chan-1", txt, "")); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	for i, txt := range want {
		if got := recv(t, f.ch); got.text != txt {
			t.Fatalf("message %d = %q, want %q", i, got.text, txt)
		}
	}
}

func TestDedupSuppressesRepeat(t *testing.T) {
	t.Parallel()
	f := newFakeSender()
	store := storage.NewMemory()
	s := startNotifier(t, Config{DedupWindow: time.Hour, PersistDedup: true}, f, store)

	ctx := context.Background()
	_ = s.Notify(ctx, note("c", "alert", "group:1:42"))
	recv(t, f.ch)
	_ = s.Notify(ctx, note("c", "alert", "group:1:42"))
	_ = s.Notify(ctx, note("c", "other", "group:1:43"))
	if got := recv(t, f.ch); got.text != "other" {
		t.Fatalf("got %q, want the non-duplicate", got.text)
	}
	if n := s.Snapshot().Deduped; n != 1 {
		t.Fatalf("deduped = %d, want 1", n)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok, _ := store.GetDedup(ctx, "group:1:42"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("delivered key was not persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ctx := context.Background()
	if err := store.PutDedup(ctx, "direct:7:9", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	f := newFakeSender()
	s := startNotifier(t, Config{DedupWindow: time.Hour, PersistDedup: true}, f, store)

	_ = s.Notify(ctx, note("c", "dup", "direct:7:9"))
	_ = s.Notify(ctx, note("c", "fresh", "direct:7:10"))
	if got := recv(t, f.ch); got.text != "fresh" {
		t.Fatalf("got %q, want fresh", got.text)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()
	f := newFakeSender()
	f.fail = func(call int) error {
		if call < 3 {
			return errors.New("flaky")
		}
		return nil
	}
	s := startNotifier(t, Config{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, f, nil)
	_ = s.Notify(context.Background(), note("c", "hi", ""))
	recv(t, f.ch)
	if f.callCount() != 3 {
		t.Fatalf("calls = %d, want 3", f.callCount())
	}
}

func TestUnreachableNotRetriedAndReleasesKey(t *testing.T) {
	t.Parallel()
	f := newFakeSender()
	f.fail = func(call int) error {
		if call == 1 {
			return transport.ErrUnreachable
		}
		return nil
	}
	s := startNotifier(t, Config{RetryMax: 5, RetryBase: time.Millisecond, DedupWindow: time.Hour}, f, nil)
	ctx := context.Background()

	_ = s.Notify(ctx, note("c", "first", "k"))
	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().Failed == 0 {
		if time.Now().After(deadline) {
			t.Fatal("failure not recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f.callCount() != 1 {
		t.Fatalf("calls = %d, want 1 (no retry)", f.callCount())
	}

	// The failed key is free again.
	_ = s.Notify(ctx, note("c", "second", "k"))
	if got := recv(t, f.ch); got.text != "second" {
		t.Fatalf("got %q", got.text)
	}
}

func TestNotifyRejectsWhenStoppedOrDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	disabled := New(Config{}, newFakeSender(), logx.Nop(), nil, nil)
	if err := disabled.Notify(ctx, note("c", "x", "")); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: err = %v", err)
	}
	notStarted := New(Config{Enabled: true}, newFakeSender(), logx.Nop(), nil, nil)
	if err := notStarted.Notify(ctx, note("c", "x", "")); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: err = %v", err)
	}
	if err := notStarted.Notify(ctx, transport.Notification{}); err == nil {
		t.Fatal("empty target accepted")
	}
}

func TestPruneCapsEntries(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, nil, logx.Nop(), nil, nil)
	now := time.Now()
	s.dedup.until = map[string]time.Time{
		"expired": now.Add(-time.Second),
		"a":       now.Add(time.Minute),
		"b":       now.Add(2 * time.Minute),
		"c":       now.Add(3 * time.Minute),
	}
	s.dedup.pruneLocked(now, 2)
	if len(s.dedup.until) != 2 {
		t.Fatalf("entries = %d, want 2", len(s.dedup.until))
	}
	if _, ok := s.dedup.until["a"]; ok {
		t.Fatal("earliest-expiring entry should be evicted first")
	}
}
