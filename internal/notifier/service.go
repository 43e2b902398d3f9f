package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"foremanbot/internal/eventbus"
	rtsup "foremanbot/internal/runtime/supervisor"
	"foremanbot/internal/storage"
	"foremanbot/internal/transport"
	logx "foremanbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// pool is one started generation of workers. Notify holds inflight while
// it may still write to a shard, so Stop can close the shards safely.
type pool struct {
	shards   []chan job
	sup      *rtsup.Supervisor
	inflight sync.WaitGroup
}

type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	dedup *dedupSet

	mu      sync.Mutex
	cfg     Config
	sender  Sender
	limiter *rate.Limiter
	pool    *pool

	history history

	sent    atomic.Uint64
	failed  atomic.Uint64
	deduped atomic.Uint64
	dropped atomic.Uint64
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log,
		bus:     bus,
		sender:  sender,
		dedup:   newDedupSet(store, log),
		history: history{max: 300},
	}
	s.setConfig(cfg)
	return s
}

// SetSender swaps the transport. The app builds the adapter after the
// notifier when the log chat sink needs both.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the worker supervisor, or nil when stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil
	}
	return s.pool.sup
}

// Apply updates rate, retry and dedup settings. Workers and queue size
// apply from the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.setConfig(cfg)
	s.mu.Unlock()
}

func (s *Service) setConfig(cfg Config) {
	def := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	defDur := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&cfg.Workers, 2)
	def(&cfg.QueueSize, 512)
	def(&cfg.RatePerSec, 3)
	def(&cfg.DedupMaxEntries, 2000)
	defDur(&cfg.RetryBase, 500*time.Millisecond)
	defDur(&cfg.RetryMaxDelay, 10*time.Second)
	defDur(&cfg.SendTimeout, 10*time.Second)
	cfg.RetryMax = max(cfg.RetryMax, 0)
	cfg.DedupWindow = max(cfg.DedupWindow, 0)

	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is a no-op when disabled or running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil || !s.cfg.Enabled {
		return
	}
	workers := s.cfg.Workers
	depth := max(s.cfg.QueueSize/workers, 1)
	p := &pool{
		shards: make([]chan job, workers),
		sup: rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		),
	}
	for i := range p.shards {
		q := make(chan job, depth)
		p.shards[i] = q
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.work(c, q)
		}, rtsup.WithPublishFirstError(true))
	}
	s.pool = p
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Int("queue_per_worker", depth))
}

// Stop refuses new messages and lets the workers drain what is queued
// until ctx is done. Whatever is left then is dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	p := s.pool
	s.pool = nil
	s.mu.Unlock()
	if p == nil {
		return
	}

	p.inflight.Wait()
	for _, q := range p.shards {
		close(q)
	}
	if err := p.sup.Wait(ctx); err != nil && ctx.Err() != nil {
		p.sup.Cancel()
		s.log.Warn("notifier stop timed out, pending messages dropped", logx.Err(ctx.Err()))
		return
	}
	s.log.Info("notifier stopped")
}

// Notify queues n without blocking. A notification whose DedupKey is held
// (pending or delivered within the dedup window) is accepted and skipped.
func (s *Service) Notify(ctx context.Context, n transport.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.Target.IsZero() {
		return errors.New("notifier: empty target")
	}

	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case p == nil:
		s.mu.Unlock()
		return ErrStopped
	}
	p.inflight.Add(1)
	s.mu.Unlock()
	defer p.inflight.Done()

	if n.DedupKey != "" && cfg.DedupWindow > 0 && !s.dedup.claim(ctx, n.DedupKey, cfg) {
		s.deduped.Add(1)
		s.publish(eventbus.NotifierDeduped, n, nil)
		return nil
	}

	select {
	case p.shards[shardFor(n.Target, len(p.shards))] <- job{n: n}:
		return nil
	default:
		s.dedup.release(n.DedupKey)
		s.dropped.Add(1)
		s.publish(eventbus.NotifierDropped, n, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Workers: s.cfg.Workers}
	if s.pool != nil {
		for _, q := range s.pool.shards {
			snap.Queued += len(q)
		}
	}
	s.mu.Unlock()

	snap.Sent = s.sent.Load()
	snap.Failed = s.failed.Load()
	snap.Deduped = s.deduped.Load()
	snap.Dropped = s.dropped.Load()
	snap.History = s.history.list()
	return snap
}

func (s *Service) publish(typ string, n transport.Notification, err error) {
	if s.bus == nil {
		return
	}
	ev := NotificationEvent{Target: n.Target.Key(), Key: n.DedupKey, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

// history keeps the most recent delivery outcomes for the status view.
type history struct {
	max   int
	mu    sync.Mutex
	items []HistoryItem
}

func (h *history) add(n transport.Notification, err error) {
	it := HistoryItem{At: time.Now(), Target: n.Target.Key(), Key: n.DedupKey}
	if err != nil {
		it.Error = err.Error()
	}
	h.mu.Lock()
	h.items = append(h.items, it)
	if len(h.items) > h.max {
		h.items = h.items[len(h.items)-h.max:]
	}
	h.mu.Unlock()
}

func (h *history) list() []HistoryItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryItem(nil), h.items...)
}
