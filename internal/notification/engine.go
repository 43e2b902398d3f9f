// Package notification delivers new Foreman notifications for one session
// and advances its cursor.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"foremanbot/internal/eventbus"
	"foremanbot/internal/foreman"
	"foremanbot/internal/session"
	"foremanbot/internal/storage"
	"foremanbot/internal/transport"
	logx "foremanbot/pkg/logx"
)

var tracer = otel.Tracer("foremanbot/internal/notification")

// API is the part of the Foreman client the engine needs.
type API interface {
	Notifications(ctx context.Context, creds foreman.Credentials, since int64, floor time.Time) ([]foreman.Notification, error)
}

// Sink queues outbound messages. *notifier.Service satisfies it.
type Sink interface {
	Notify(ctx context.Context, n transport.Notification) error
}

// Destination resolves delivery targets and formats for the platform.
// transport.Adapter satisfies it.
type Destination interface {
	Resolve(ctx context.Context, kind transport.ContextKind, target string) (transport.ChatTarget, error)
	Formatter() transport.Formatter
}

type Config struct {
	DashboardURL string
	MaxFailing   int
	// StartTime is the process start; nothing older is ever delivered.
	StartTime time.Time
}

// Result describes one Deliver call.
type Result struct {
	// Messages is the number of notifications queued.
	Messages int
	Cursor   int64
	// Removed is set when the session was deleted as unreachable.
	Removed bool
	// Skipped is set when the session vanished or was no longer registered.
	Skipped bool
}

type Engine struct {
	store *session.Store
	locks *session.Locks
	api   API
	sink  Sink
	dest  Destination
	bus   eventbus.Bus
	log   logx.Logger

	cfg        Config
	maxFailing atomic.Int64
}

func New(cfg Config, store *session.Store, locks *session.Locks, api API, sink Sink, dest Destination, bus eventbus.Bus, log logx.Logger) *Engine {
	if cfg.StartTime.IsZero() {
		cfg.StartTime = time.Now()
	}
	if cfg.MaxFailing <= 0 {
		cfg.MaxFailing = 5
	}
	e := &Engine{
		store: store,
		locks: locks,
		api:   api,
		sink:  sink,
		dest:  dest,
		bus:   bus,
		log:   log.With(logx.String("comp", "notification")),
		cfg:   cfg,
	}
	e.maxFailing.Store(int64(cfg.MaxFailing))
	return e
}

// SetMaxFailing changes the per-message miner limit (config reload).
func (e *Engine) SetMaxFailing(n int) {
	if n > 0 {
		e.maxFailing.Store(int64(n))
	}
}

// Deliver queues every notification newer than the session cursor and then
// commits the cursor. The session is re-read under its lock, so s only
// identifies it. Nothing is written when there is nothing new.
func (e *Engine) Deliver(ctx context.Context, s session.Session) (res Result, err error) {
	kind, id := s.Kind(), s.ID()
	ctx, span := tracer.Start(ctx, "notification.deliver")
	span.SetAttributes(attribute.String("session.kind", string(kind)), attribute.String("session.id", id))
	defer func() {
		span.SetAttributes(attribute.Int("notification.messages", res.Messages), attribute.Bool("session.removed", res.Removed))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	unlock := e.locks.Lock(kind, id)
	defer unlock()

	cur, err := e.store.FindByID(ctx, kind, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{Skipped: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("load session: %w", err)
	}
	creds, ok := cur.Credentials()
	if !ok || !session.Registered(cur) {
		return Result{Skipped: true, Cursor: cur.Cursor()}, nil
	}

	floor, _ := cur.RegisteredAt()
	if e.cfg.StartTime.After(floor) {
		floor = e.cfg.StartTime
	}
	since := cur.Cursor()
	items, err := e.api.Notifications(ctx, foreman.Credentials{ClientID: creds.ClientID, APIKey: creds.APIKey}, since, floor)
	if err != nil {
		return Result{Cursor: since}, fmt.Errorf("fetch notifications: %w", err)
	}
	items = pending(items, since)
	if len(items) == 0 {
		return Result{Cursor: since}, nil
	}

	target, err := e.dest.Resolve(ctx, transport.ContextKind(kind), cur.DeliveryTarget())
	if errors.Is(err, transport.ErrUnreachable) {
		return e.remove(ctx, cur, creds, err)
	}
	if err != nil {
		return Result{Cursor: since}, fmt.Errorf("resolve target: %w", err)
	}

	f := e.dest.Formatter()
	maxFailing := int(e.maxFailing.Load())
	last := since
	for i, it := range items {
		n := transport.Notification{
			Target:   target,
			Message:  Render(f, e.cfg.DashboardURL, maxFailing, it),
			DedupKey: fmt.Sprintf("%s:%s:%d", kind, id, it.ID),
		}
		if err := e.sink.Notify(ctx, n); err != nil {
			return Result{Messages: i, Cursor: since}, fmt.Errorf("queue notification %d: %w", it.ID, err)
		}
		last = it.ID
	}

	cur.AdvanceCursor(last)
	if err := e.store.Save(ctx, cur); err != nil {
		return Result{Messages: len(items), Cursor: since}, fmt.Errorf("save cursor: %w", err)
	}
	e.log.Debug("notifications queued",
		logx.String("kind", string(kind)),
		logx.String("id", id),
		logx.Int("count", len(items)),
		logx.Int64("cursor", last),
	)
	return Result{Messages: len(items), Cursor: last}, nil
}

func (e *Engine) remove(ctx context.Context, cur session.Session, creds session.Credentials, cause error) (Result, error) {
	if err := e.store.Delete(ctx, cur.Kind(), cur.ID()); err != nil {
		return Result{Cursor: cur.Cursor()}, fmt.Errorf("delete unreachable session: %w", err)
	}
	e.log.Info("session removed: target unreachable",
		logx.String("kind", string(cur.Kind())),
		logx.String("id", cur.ID()),
		logx.String("target", cur.DeliveryTarget()),
		logx.Err(cause),
	)
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.SessionUnreachable, Data: eventbus.SessionEvent{
			Kind:     string(cur.Kind()),
			ID:       cur.ID(),
			Target:   cur.DeliveryTarget(),
			ClientID: creds.ClientID,
			Actor:    "sweep",
			Reason:   cause.Error(),
		}})
	}
	return Result{Removed: true, Cursor: cur.Cursor()}, nil
}

// pending drops anything at or below the cursor and orders by id.
func pending(items []foreman.Notification, since int64) []foreman.Notification {
	out := make([]foreman.Notification, 0, len(items))
	for _, it := range items {
		if it.ID > since {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
