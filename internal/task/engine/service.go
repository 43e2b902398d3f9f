package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"foremanbot/internal/eventbus"
	rtsup "foremanbot/internal/runtime/supervisor"
	logx "foremanbot/pkg/logx"
)

const dropWarnInterval = 5 * time.Second

// Service runs tasks on a fixed set of workers fed by a bounded queue.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	pool *pool

	stateMu sync.Mutex
	states  map[string]*RunState

	hist history

	inFlight         atomic.Int32
	completed        atomic.Uint64
	failed           atomic.Uint64
	skipped          atomic.Uint64
	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	queueFullWarn rate.Sometimes
	staleWarn     rate.Sometimes
}

// pool is the queue and workers of one Start. draining is set when Stop
// begins and closed once every queued task has been failed.
type pool struct {
	queue    chan queuedTask
	stop     chan struct{}
	sup      *rtsup.Supervisor
	draining chan struct{}
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	state      *RunState
	gated      bool
}

// finish opens the overlap gate and reports err to Done.
func (qt queuedTask) finish(err error) {
	if qt.gated {
		qt.state.release()
	}
	if qt.task.Done != nil {
		qt.task.Done(err)
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:           cfg.withDefaults(),
		log:           log,
		bus:           bus,
		states:        make(map[string]*RunState),
		queueFullWarn: rate.Sometimes{Interval: dropWarnInterval},
		staleWarn:     rate.Sometimes{Interval: dropWarnInterval},
	}
}

// Supervisor returns the worker supervisor, nil while stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil
	}
	return s.pool.sup
}

// Apply swaps the configuration. A running engine restarts its workers when
// the worker count or queue size changed; queued tasks fail with ErrStopped.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.pool != nil && s.pool.draining == nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.log.Info("task engine resizing", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is a no-op while running and waits out a
// Stop in progress.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.pool != nil {
		draining := s.pool.draining
		s.mu.Unlock()
		if draining == nil {
			return
		}
		select {
		case <-draining:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	cfg := s.cfg
	p := &pool{
		queue: make(chan queuedTask, cfg.QueueSize),
		stop:  make(chan struct{}),
		sup: rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
			rtsup.WithCancelOnError(false),
		),
	}
	s.pool = p
	s.mu.Unlock()

	for i := range cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, p.stop, p.queue, i)
			switch {
			case isClosed(p.stop):
				return context.Canceled
			case c.Err() != nil:
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop stops the workers and fails every task still queued with ErrStopped.
// It returns when that is done or ctx expires, whichever is first.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.pool
	if p == nil {
		s.mu.Unlock()
		return
	}
	first := p.draining == nil
	if first {
		p.draining = make(chan struct{})
		close(p.stop)
	}
	draining := p.draining
	s.mu.Unlock()

	if first {
		p.sup.Cancel()
		go s.drain(p)
	}
	select {
	case <-draining:
		if first {
			s.log.Info("task engine stopped")
		}
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) drain(p *pool) {
	_ = p.sup.Wait(context.Background())
	for empty := false; !empty; {
		select {
		case qt := <-p.queue:
			qt.finish(ErrStopped)
		default:
			empty = true
		}
	}
	s.mu.Lock()
	if s.pool == p {
		s.pool = nil
	}
	s.mu.Unlock()
	close(p.draining)
}

// Enqueue adds a task without blocking. A full queue drops it with
// ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until the task is queued, ctx is done or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("task Name is required")
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}

	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	stopping := p != nil && p.draining != nil
	s.mu.Unlock()
	switch {
	case p == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	now := time.Now()
	qt := queuedTask{task: t, enqueuedAt: now, timeout: t.Timeout, opt: t.Opt.withDefaults(cfg)}
	if qt.timeout <= 0 {
		qt.timeout = cfg.DefaultTimeout
	}
	if qt.opt.Overlap == OverlapSkipIfRunning {
		qt.state = t.State
		if qt.state == nil {
			qt.state = s.stateFor(t.Key, t.Name)
		}
		if !qt.state.tryAcquire() {
			s.skipped.Add(1)
			s.publish(eventbus.TaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped, previous run active", logx.String("task", t.Name), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
		qt.gated = true
	}
	release := func() {
		if qt.gated {
			qt.state.release()
		}
	}

	if !block {
		select {
		case p.queue <- qt:
			return nil
		default:
			release()
			s.dropQueueFull(now, t, p.queue)
			return ErrQueueFull
		}
	}
	select {
	case p.queue <- qt:
		return nil
	case <-ctx.Done():
		release()
		return ctx.Err()
	case <-p.stop:
		release()
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	running := p != nil && p.draining == nil
	s.mu.Unlock()

	snap := Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Completed:        s.completed.Load(),
		Failed:           s.failed.Load(),
		Skipped:          s.skipped.Load(),
		Dropped:          s.dropped.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		History:          s.hist.list(),
	}
	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.queue), cap(p.queue)
	}
	return snap
}

func (s *Service) stateFor(key, name string) *RunState {
	key = strings.TrimSpace(key)
	if key == "" {
		key = strings.TrimSpace(name)
	}
	if key == "" {
		key = "default"
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st, ok := s.states[key]
	if !ok {
		st = &RunState{}
		s.states[key] = st
	}
	return st
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
	}
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()
	s.hist.add(item, limit)
}

func (s *Service) dropQueueFull(now time.Time, t Task, q chan queuedTask) {
	s.dropped.Add(1)
	n := s.droppedQueueFull.Add(1)
	s.publish(eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})
	s.queueFullWarn.Do(func() {
		s.log.Warn("task dropped, queue full",
			logx.String("task", t.Name),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", n),
		)
	})
}

func (s *Service) onStaleDropped(now time.Time, t Task, queueDelay time.Duration) {
	s.dropped.Add(1)
	n := s.droppedStale.Add(1)
	s.publish(eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})
	s.staleWarn.Do(func() {
		s.log.Warn("task dropped, waited too long in queue",
			logx.String("task", t.Name),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", n),
		)
	})
}

// history keeps the most recent finished runs.
type history struct {
	mu    sync.Mutex
	items []HistoryItem
}

func (h *history) add(it HistoryItem, limit int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, it)
	if over := len(h.items) - limit; over > 0 {
		h.items = append(h.items[:0:0], h.items[over:]...)
	}
}

func (h *history) list() []HistoryItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryItem{}, h.items...)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
