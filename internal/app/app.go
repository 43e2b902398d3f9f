package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"foremanbot/internal/bot"
	"foremanbot/internal/config"
	"foremanbot/internal/eventbus"
	"foremanbot/internal/foreman"
	"foremanbot/internal/notification"
	"foremanbot/internal/notifier"
	"foremanbot/internal/observability/ops"
	rtsup "foremanbot/internal/runtime/supervisor"
	"foremanbot/internal/session"
	"foremanbot/internal/storage"
	"foremanbot/internal/sweep"
	"foremanbot/internal/task/engine"
	"foremanbot/internal/task/scheduler"
	"foremanbot/internal/telemetry"
	"foremanbot/internal/transport"
	"foremanbot/internal/transport/discord"
	"foremanbot/internal/transport/telegram"
	logx "foremanbot/pkg/logx"
)

type App struct {
	version   string
	startedAt time.Time

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	sessions *session.Store

	adapter transport.Adapter

	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service
	ops    *ops.Service

	handlers *bot.Handlers
	listener *bot.Listener
	delivery *notification.Engine
	sweeper  *sweep.Sweeper

	shutdownTelemetry telemetry.Shutdown

	updates chan transport.Update
}

func NewApp(ctx context.Context, cfgPath, version string) (a *App, err error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	startedAt := time.Now()

	// The chat sink needs the adapter, which needs a logger: bootstrap with
	// chat logging off, attach the adapter, then apply the final config.
	logCfg, err := mapLogging(cfg)
	if err != nil {
		return nil, err
	}
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, root := logx.New(bootCfg)
	log := root.With(logx.String("comp", "app"))

	ad, err := newAdapter(cfg, root)
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(ad)
	logSvc.Apply(logCfg)

	shutdownTelemetry, err := telemetry.Setup(ctx, mapTelemetry(cfg, version), root.With(logx.String("comp", "telemetry")))
	if err != nil {
		log.Warn("tracing disabled", logx.Err(err))
	}

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, root)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()
	log.Info("storage opened", logx.String("driver", sc.Driver))

	bus := eventbus.New()

	engCfg, err := mapEngine(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, root.With(logx.String("comp", "taskengine")), bus)
	schedSvc := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, engineSvc, root.With(logx.String("comp", "scheduler")), bus)

	ncfg, err := mapNotifier(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notifier.New(ncfg, ad, root.With(logx.String("comp", "notifier")), bus, store)

	fcfg, err := mapForeman(cfg)
	if err != nil {
		return nil, err
	}
	fc, err := foreman.New(fcfg, root.With(logx.String("comp", "foreman")))
	if err != nil {
		return nil, err
	}

	sessions := session.NewStore(store)
	locks := session.NewLocks()

	sw, err := mapSweep(cfg)
	if err != nil {
		return nil, err
	}
	delivery := notification.New(notification.Config{
		DashboardURL: cfg.Foreman.DashboardURL,
		MaxFailing:   sw.MaxFailing,
		StartTime:    startedAt,
	}, sessions, locks, fc, notifSvc, ad, bus, root)
	sweeper := sweep.New(sessions, delivery, engineSvc, bus, root, sw.SessionTimeout)

	handlers := bot.NewHandlers(bot.HandlersConfig{
		Prefix:       cfg.Bot.CommandPrefix,
		DashboardURL: cfg.Foreman.DashboardURL,
		Platform:     platformName(cfg.Bot.Platform),
	}, sessions, locks, fc, bus, root)
	lcfg, err := mapListener(cfg)
	if err != nil {
		return nil, err
	}
	listener := bot.NewListener(ad, handlers.Routes(), lcfg, root)

	a = &App{
		version:           version,
		startedAt:         startedAt,
		cfgm:              cfgm,
		log:               log,
		logs:              logSvc,
		bus:               bus,
		store:             store,
		sessions:          sessions,
		adapter:           ad,
		engine:            engineSvc,
		sched:             schedSvc,
		notif:             notifSvc,
		handlers:          handlers,
		listener:          listener,
		delivery:          delivery,
		sweeper:           sweeper,
		shutdownTelemetry: shutdownTelemetry,
		updates:           make(chan transport.Update, 256),
	}
	a.ops = ops.New(mapOps(cfg), a.status, root.With(logx.String("comp", "ops")))
	a.ops.OnSweep(func() error { return a.sweeper.RunNow(a.sched) })
	return a, nil
}

func newAdapter(cfg *config.Config, log logx.Logger) (transport.Adapter, error) {
	switch cfg.Bot.Platform {
	case config.PlatformTelegram:
		poll, err := config.ParseDurationOrDefault("bot.poll_timeout", cfg.Bot.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{Token: cfg.Bot.Token, PollTimeout: poll}, log.With(logx.String("comp", "telegram")))
	case config.PlatformDiscord:
		return discord.New(discord.Config{Token: cfg.Bot.Token, Activity: cfg.Bot.Activity}, log.With(logx.String("comp", "discord")))
	default:
		return nil, fmt.Errorf("unknown platform %q", cfg.Bot.Platform)
	}
}

func platformName(p string) string {
	if p == "" {
		return ""
	}
	return strings.ToUpper(p[:1]) + p[1:]
}

// Done is closed when the app supervisor context is cancelled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128, "session.")
		a.sup.Go0("audit", func(c context.Context) {
			defer unsub()
			runAudit(c, events, a.store, a.log.With(logx.String("comp", "audit")))
		})
	}

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	if mu, ok := a.adapter.(transport.CommandMenuUpdater); ok {
		mctx, cancel := context.WithTimeout(run, 10*time.Second)
		if err := mu.UpdateMenuCommands(mctx, bot.MenuCommands()); err != nil {
			a.log.Warn("menu commands update failed", logx.Err(err))
		}
		cancel()
	}

	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	a.engine.Start(run)
	a.sched.Start(run)

	sw, err := mapSweep(a.cfgm.Get())
	if err != nil {
		return err
	}
	if err := a.sweeper.Schedule(a.sched, sw.Timing); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	if a.ops.Enabled() {
		a.ops.Start(run)
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.listener.DispatchLoop(c, a.updates)
	})

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub, unsub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsub()
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		runWatchdog(c, a.log.With(logx.String("comp", "systemd")))
	})
	sdNotify(a.log, daemon.SdNotifyReady)

	a.log.Info("app started",
		logx.String("version", a.version),
		logx.String("platform", a.adapter.Name()),
		logx.String("period", sw.Timing.Period),
	)
	return nil
}

// applyConfig fans a committed reload out to the live components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	change := config.Diff(oldCfg, newCfg)
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(change.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Any("sections", change.RestartRequired))
	}

	if lc, err := mapLogging(newCfg); err != nil {
		a.log.Warn("invalid logging config; keeping previous", logx.Err(err))
	} else {
		a.logs.Apply(lc)
	}

	if ec, err := mapEngine(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ec)
	}

	if nc, err := mapNotifier(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(nc)
		switch {
		case wasEnabled && !nc.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && nc.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if lc, err := mapListener(newCfg); err != nil {
		a.log.Warn("invalid bot config; keeping previous", logx.Err(err))
	} else {
		a.listener.Apply(lc)
		a.handlers.SetPrefix(lc.Prefix)
	}

	if sw, err := mapSweep(newCfg); err != nil {
		a.log.Warn("invalid notifications config; keeping previous", logx.Err(err))
	} else {
		a.delivery.SetMaxFailing(sw.MaxFailing)
		a.sweeper.SetSessionTimeout(sw.SessionTimeout)
		if old, err := mapSweep(oldCfg); err != nil || old.Timing != sw.Timing {
			if err := a.sweeper.Reschedule(a.sched, sw.Timing); err != nil {
				a.log.Warn("sweep reschedule failed", logx.Err(err))
			} else {
				a.log.Info("sweep rescheduled", logx.String("period", sw.Timing.Period), logx.Duration("initial_delay", sw.Timing.InitialDelay))
			}
		}
	}

	a.ops.Reconfigure(ctx, mapOps(newCfg))

	a.log.Info("config reloaded", change.Fields()...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the
	// rest. It never extends the caller's deadline.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < limit {
				limit = max(rem, 0)
			}
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("telemetry", 2*time.Second, func(c context.Context) error { return a.shutdownTelemetry(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

// Status is the body of the ops /status endpoint.
type Status struct {
	Version     string                    `json:"version"`
	Platform    string                    `json:"platform"`
	StartedAt   time.Time                 `json:"started_at"`
	Uptime      string                    `json:"uptime"`
	Sessions    map[string]int            `json:"sessions"`
	LastSweep   *sweep.Report             `json:"last_sweep,omitempty"`
	Scheduler   scheduler.Snapshot        `json:"scheduler"`
	Notifier    notifier.Snapshot         `json:"notifier"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors"`
	Errors      []string                  `json:"errors,omitempty"`
}

func (a *App) status(ctx context.Context) any {
	st := Status{
		Version:     a.version,
		Platform:    a.adapter.Name(),
		StartedAt:   a.startedAt,
		Uptime:      time.Since(a.startedAt).Round(time.Second).String(),
		Sessions:    map[string]int{},
		Scheduler:   a.sched.Snapshot(),
		Notifier:    a.notif.Snapshot(),
		Supervisors: map[string]rtsup.Snapshot{},
	}
	for _, kind := range []session.Kind{session.KindGroup, session.KindDirect} {
		all, err := a.sessions.FindAll(ctx, kind)
		if err != nil {
			st.Errors = append(st.Errors, fmt.Sprintf("list %s sessions: %v", kind, err))
			continue
		}
		st.Sessions[string(kind)] = len(all)
	}
	if rep, ok := a.sweeper.Last(); ok {
		st.LastSweep = &rep
	}

	type supervised interface{ Supervisor() *rtsup.Supervisor }
	parts := map[string]any{
		"app":        nil,
		"adapter":    a.adapter,
		"taskengine": a.engine,
		"notifier":   a.notif,
		"listener":   a.listener,
		"ops":        a.ops,
	}
	for name, p := range parts {
		var sup *rtsup.Supervisor
		if name == "app" {
			sup = a.sup
		} else if sp, ok := p.(supervised); ok {
			sup = sp.Supervisor()
		}
		if sup != nil {
			st.Supervisors[name] = sup.Snapshot()
		}
	}
	return st
}
