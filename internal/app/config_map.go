package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"foremanbot/internal/bot"
	"foremanbot/internal/config"
	"foremanbot/internal/foreman"
	"foremanbot/internal/notifier"
	"foremanbot/internal/observability/ops"
	"foremanbot/internal/storage"
	"foremanbot/internal/sweep"
	"foremanbot/internal/task/engine"
	"foremanbot/internal/task/scheduler"
	"foremanbot/internal/telemetry"
	"foremanbot/internal/transport"
	logx "foremanbot/pkg/logx"
)

func mapLogging(cfg *config.Config) (logx.Config, error) {
	lc := cfg.Logging
	out := logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Chat.Enabled,
			MinLevel:   lc.Chat.MinLevel,
			RatePerSec: lc.Chat.RatePerSec,
		},
	}
	if strings.TrimSpace(lc.Chat.Target) != "" {
		t, err := transport.ParseChatTarget(lc.Chat.Target)
		if err != nil {
			return logx.Config{}, fmt.Errorf("logging.chat.target: %w", err)
		}
		out.Chat.Target = t
	}
	return out, nil
}

func mapEngine(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te == nil {
		te = &config.TaskEngineConfig{}
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		return engine.Config{}, errors.New("task_engine: workers, queue_size and history_size must be >= 0")
	}
	out := engine.Config{
		Workers:     te.Workers,
		QueueSize:   te.QueueSize,
		HistorySize: te.HistorySize,
		RetryMax:    te.RetryMax,
	}
	if out.Workers == 0 {
		out.Workers = 4
	}
	if out.RetryMax == 0 {
		out.RetryMax = 2
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	if out.RetryBase, err = config.ParseDurationField("task_engine.retry_base", te.RetryBase); err != nil {
		return engine.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("task_engine.retry_max_delay", te.RetryMaxDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         cfg.NotifierEnabled(),
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		DedupWindow:     24 * time.Hour,
		DedupMaxEntries: 5000,
		PersistDedup:    true,
	}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
		return notifier.Config{}, errors.New("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	if n.Workers > 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize > 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec > 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax > 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries > 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}
	out.PersistDedup = n.PersistDedup
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{Driver: config.StorageMemory}, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		DSN:         sc.DSN,
		MaxConns:    sc.MaxConns,
		Addr:        sc.Addr,
		Password:    sc.Password,
		DB:          sc.DB,
		Prefix:      sc.Prefix,
	}, nil
}

func mapForeman(cfg *config.Config) (foreman.Config, error) {
	timeout, err := config.ParseDurationOrDefault("foreman.timeout", cfg.Foreman.Timeout, 5*time.Second)
	if err != nil {
		return foreman.Config{}, err
	}
	return foreman.Config{
		BaseURL:            cfg.Foreman.APIURL,
		Channel:            cfg.Foreman.Channel,
		Timeout:            timeout,
		PickaxeConcurrency: 4,
	}, nil
}

func mapTelemetry(cfg *config.Config, version string) telemetry.Config {
	t := cfg.Telemetry
	if t == nil {
		return telemetry.Config{}
	}
	return telemetry.Config{
		Enabled:     t.Enabled,
		Endpoint:    t.Endpoint,
		Insecure:    t.Insecure,
		ServiceName: t.ServiceName,
		Version:     version,
		SampleRatio: t.SampleRatio,
	}
}

func mapOps(cfg *config.Config) ops.Config {
	o := cfg.Ops
	if o == nil {
		return ops.Config{}
	}
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          o.Addr,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
	}
}

func mapListener(cfg *config.Config) (bot.ListenerConfig, error) {
	timeout, err := config.ParseDurationOrDefault("bot.command_timeout", cfg.Bot.CommandTimeout, 30*time.Second)
	if err != nil {
		return bot.ListenerConfig{}, err
	}
	workers := cfg.Bot.Workers
	if workers <= 0 {
		workers = 4
	}
	return bot.ListenerConfig{Prefix: cfg.Bot.CommandPrefix, CommandTimeout: timeout, Workers: workers}, nil
}

// sweepSettings is the notification sweep's share of the config.
type sweepSettings struct {
	Timing         sweep.Timing
	SessionTimeout time.Duration
	MaxFailing     int
}

func mapSweep(cfg *config.Config) (sweepSettings, error) {
	nc := cfg.Notifications
	if err := scheduler.ValidateSchedule(nc.Period); err != nil {
		return sweepSettings{}, fmt.Errorf("notifications.period: %w", err)
	}
	delay, err := config.ParseDurationField("notifications.initial_delay", nc.InitialDelay)
	if err != nil {
		return sweepSettings{}, err
	}
	timeout, err := config.ParseDurationOrDefault("notifications.sweep_timeout", nc.SweepTimeout, 5*time.Minute)
	if err != nil {
		return sweepSettings{}, err
	}
	perSession, err := config.ParseDurationOrDefault("notifications.session_timeout", nc.SessionTimeout, 30*time.Second)
	if err != nil {
		return sweepSettings{}, err
	}
	return sweepSettings{
		Timing:         sweep.Timing{Period: nc.Period, InitialDelay: delay, Timeout: timeout},
		SessionTimeout: perSession,
		MaxFailing:     nc.MaxFailing,
	}, nil
}

// validate runs every mapping so a reload that cannot be applied is
// rejected before it is committed.
func validate(cfg *config.Config) error {
	var errs []error
	if _, err := mapLogging(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapEngine(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapNotifier(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapStorage(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapForeman(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapListener(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapSweep(cfg); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	return errors.Join(errs...)
}
