package bot

import (
	"context"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	rtsup "foremanbot/internal/runtime/supervisor"
	"foremanbot/internal/transport"
	logx "foremanbot/pkg/logx"
)

const authorizeTimeout = 5 * time.Second

var tracer = otel.Tracer("foremanbot/internal/bot")

// ListenerConfig holds the reloadable listener settings.
type ListenerConfig struct {
	Prefix         string
	CommandTimeout time.Duration
	Workers        int
	// QueueSize bounds commands waiting for a worker. Default 256.
	QueueSize int
}

// Listener filters inbound messages and runs commands on a bounded worker
// pool. It never touches session state itself.
type Listener struct {
	adapter transport.Adapter
	router  Router
	log     logx.Logger

	mu      sync.RWMutex
	cfg     ListenerConfig
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()

	dropped  atomic.Uint64
	dropWarn rate.Sometimes
}

func NewListener(adapter transport.Adapter, router Router, cfg ListenerConfig, log logx.Logger) *Listener {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 256
	}
	return &Listener{
		adapter:  adapter,
		router:   router,
		log:      log.With(logx.String("comp", "listener")),
		cfg:      cfg,
		jobs:     make(chan func(), cfg.QueueSize),
		dropWarn: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Apply swaps prefix and command timeout. Worker count changes need a
// restart.
func (l *Listener) Apply(cfg ListenerConfig) {
	l.mu.Lock()
	l.cfg.Prefix = cfg.Prefix
	l.cfg.CommandTimeout = cfg.CommandTimeout
	l.mu.Unlock()
}

func (l *Listener) config() ListenerConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Supervisor returns the worker supervisor (nil if not running).
func (l *Listener) Supervisor() *rtsup.Supervisor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.running {
		return nil
	}
	return l.sup
}

func (l *Listener) setSupervisor(sup *rtsup.Supervisor, running bool) {
	l.mu.Lock()
	l.sup = sup
	l.running = running
	l.mu.Unlock()
}

func (l *Listener) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case l.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
func (l *Listener) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := l.config().Workers
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(l.log),
		rtsup.WithCancelOnError(false),
	)
	l.setSupervisor(sup, true)
	l.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(l.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			l.setSupervisor(sup, false)
			close(l.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-l.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								l.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		l.setSupervisor(nil, false)
		l.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			l.route(ctx, up.Message)
		}
	}
}

// route does the cheap checks inline and hands commands to the pool.
func (l *Listener) route(ctx context.Context, m *transport.Message) {
	if m == nil {
		return
	}
	if m.SenderIsBot {
		l.log.Trace("dropping message from bot", logx.String("sender_id", m.SenderID))
		return
	}
	cfg := l.config()
	cmd, ok := Resolve(cfg.Prefix, m.Text)
	if !ok {
		l.log.Debug("not a command", logx.String("context", string(m.Context)), logx.String("sender_id", m.SenderID))
		return
	}
	// The sender is not authorized yet, so a full queue drops without a
	// reply.
	if !l.tryEnqueue(func() { l.run(ctx, m, cmd, cfg.CommandTimeout) }) {
		l.dropped.Add(1)
		l.dropWarn.Do(func() {
			l.log.Warn("command queue full, dropping", logx.String("cmd", string(cmd)), logx.Uint64("dropped", l.dropped.Swap(0)))
		})
	}
}

func (l *Listener) run(ctx context.Context, m *transport.Message, cmd Command, timeout time.Duration) {
	actx, cancel := context.WithTimeout(ctx, authorizeTimeout)
	allowed, err := l.adapter.Authorize(actx, m)
	cancel()
	if err != nil {
		l.log.Debug("permission lookup failed", logx.String("cmd", string(cmd)), logx.String("sender_id", m.SenderID), logx.Err(err))
		return
	}
	if !allowed {
		l.log.Debug("sender not permitted", logx.String("cmd", string(cmd)), logx.String("sender_id", m.SenderID), logx.String("context_id", m.ContextID))
		return
	}

	req := newRequest(l.adapter, m, cmd, l.log)
	handle := Chain(
		l.router.Dispatch,
		withTrace(),
		withRecover(),
		withAccessLog(),
		withDeadline(timeout),
	)
	_ = handle(ctx, req)
}
