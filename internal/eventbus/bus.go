// Package eventbus is a small in-process fan-out used to decouple session
// lifecycle and sweep signals from their consumers (audit trail, logs).
package eventbus

import (
	"strings"
	"sync"
	"time"
)

const (
	SessionRegistered  = "session.registered"
	SessionForgotten   = "session.forgotten"
	SessionUnreachable = "session.unreachable"
	SweepFinished      = "sweep.finished"
	NotifierSent       = "notifier.sent"
	NotifierFailed     = "notifier.failed"
	NotifierDeduped    = "notifier.deduped"
	NotifierDropped    = "notifier.dropped"
	TaskFinished       = "task.finished"
	TaskFailed         = "task.failed"
	TaskSkipped        = "task.skipped"
	TaskDropped        = "task.dropped"
)

// Event is a lightweight signal. Publish never blocks; a slow subscriber
// loses events once its buffer is full.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// SessionEvent is the payload of the session.* events.
type SessionEvent struct {
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	Target   string `json:"target,omitempty"`
	ClientID int    `json:"client_id,omitempty"`
	Actor    string `json:"actor,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events whose type starts with one of prefixes
	// (all events when none are given).
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[*subscriber]struct{}{}}
}

type subscriber struct {
	ch       chan Event
	prefixes []string
}

func (s *subscriber) wants(typ string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type memBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the read lock is fine and keeps
	// unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), prefixes: prefixes}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}
