package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

type Config struct {
	Bot           BotConfig           `json:"bot"`
	Foreman       ForemanConfig       `json:"foreman"`
	Notifications NotificationsConfig `json:"notifications"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Logging       LoggingConfig       `json:"logging"`

	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Notifier   *NotifierConfig   `json:"notifier,omitempty"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	Telemetry  *TelemetryConfig  `json:"telemetry,omitempty"`
	Ops        *OpsConfig        `json:"ops,omitempty"`
}

const (
	PlatformDiscord  = "discord"
	PlatformTelegram = "telegram"
)

type BotConfig struct {
	Platform string `json:"platform"`
	// Token may be given as "env:NAME".
	Token          string `json:"token"`
	CommandPrefix  string `json:"command_prefix"`
	PollTimeout    string `json:"poll_timeout"`
	CommandTimeout string `json:"command_timeout"`
	Workers        int    `json:"workers"`
	Activity       string `json:"activity"`
}

type ForemanConfig struct {
	APIURL       string `json:"api_url"`
	DashboardURL string `json:"dashboard_url"`
	Timeout      string `json:"timeout"`
	// Channel selects the notifications endpoint; defaults to the bot platform.
	Channel string `json:"channel"`
}

type NotificationsConfig struct {
	InitialDelay string `json:"initial_delay"`
	// Period is a Go duration, "HH:MM" or a cron expression.
	Period         string `json:"period"`
	MaxFailing     int    `json:"max_failing"`
	SweepTimeout   string `json:"sweep_timeout"`
	SessionTimeout string `json:"session_timeout"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LogFileConfig  `json:"file"`
	Chat    ChatSinkConfig `json:"chat"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ChatSinkConfig forwards warnings and errors to a chat.
type ChatSinkConfig struct {
	Enabled bool `json:"enabled"`
	// Target uses the chat target key format ("<chat>" or "<chat>#<thread>").
	Target     string `json:"target"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type TaskEngineConfig struct {
	Workers        int    `json:"workers"`
	QueueSize      int    `json:"queue_size"`
	DefaultTimeout string `json:"default_timeout"`
	MaxQueueDelay  string `json:"max_queue_delay"`
	HistorySize    int    `json:"history_size"`
	RetryMax       int    `json:"retry_max"`
	RetryBase      string `json:"retry_base"`
	RetryMaxDelay  string `json:"retry_max_delay"`
}

type NotifierConfig struct {
	Enabled         *bool  `json:"enabled,omitempty"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup"`
}

const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

type StorageConfig struct {
	Driver string `json:"driver"`
	// Path is used by file and sqlite.
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
	// DSN is the postgres connection string; may be "env:NAME".
	DSN      string `json:"dsn"`
	MaxConns int    `json:"max_conns"`
	// Addr, Password, DB and Prefix are used by redis.
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

type TelemetryConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint"`
	Insecure    bool    `json:"insecure"`
	ServiceName string  `json:"service_name"`
	SampleRatio float64 `json:"sample_ratio"`
}

// OpsConfig is the operator HTTP endpoint (healthz, status, pprof).
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	// Token may be given as "env:NAME".
	Token         string `json:"token"`
	AllowInsecure bool   `json:"allow_insecure"`
	Pprof         bool   `json:"pprof"`
}

// ApplyDefaults fills zero values that have a platform-dependent default.
func (c *Config) ApplyDefaults() {
	c.Bot.Platform = strings.ToLower(strings.TrimSpace(c.Bot.Platform))
	if c.Bot.Platform == "" {
		c.Bot.Platform = PlatformDiscord
	}
	if c.Bot.CommandPrefix == "" {
		if c.Bot.Platform == PlatformTelegram {
			c.Bot.CommandPrefix = "/"
		} else {
			c.Bot.CommandPrefix = "!"
		}
	}
	if c.Foreman.Channel == "" {
		c.Foreman.Channel = c.Bot.Platform
	}
	c.Foreman.APIURL = strings.TrimRight(strings.TrimSpace(c.Foreman.APIURL), "/")
	c.Foreman.DashboardURL = strings.TrimRight(strings.TrimSpace(c.Foreman.DashboardURL), "/")
	if c.Foreman.APIURL == "" {
		c.Foreman.APIURL = "https://api.foreman.mn"
	}
	if c.Foreman.DashboardURL == "" {
		c.Foreman.DashboardURL = "https://dashboard.foreman.mn"
	}
	if c.Notifications.MaxFailing <= 0 {
		c.Notifications.MaxFailing = 5
	}
	if c.Notifications.Period == "" {
		c.Notifications.Period = "1m"
	}
	if c.Storage == nil {
		c.Storage = &StorageConfig{Driver: StorageSQLite, Path: "./data/foremanbot.db"}
	}
}

// Validate checks fields that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	var errs []error
	switch c.Bot.Platform {
	case PlatformDiscord, PlatformTelegram:
	default:
		errs = append(errs, fmt.Errorf("bot.platform: unknown platform %q", c.Bot.Platform))
	}
	if strings.TrimSpace(c.Bot.Token) == "" {
		errs = append(errs, errors.New("bot.token is required"))
	}
	if strings.ContainsAny(c.Bot.CommandPrefix, " \t\n") {
		errs = append(errs, errors.New("bot.command_prefix must not contain whitespace"))
	}
	for name, raw := range map[string]string{"foreman.api_url": c.Foreman.APIURL, "foreman.dashboard_url": c.Foreman.DashboardURL} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: invalid url %q", name, raw))
		}
	}
	durations := map[string]string{
		"bot.poll_timeout":              c.Bot.PollTimeout,
		"bot.command_timeout":           c.Bot.CommandTimeout,
		"foreman.timeout":               c.Foreman.Timeout,
		"notifications.initial_delay":   c.Notifications.InitialDelay,
		"notifications.sweep_timeout":   c.Notifications.SweepTimeout,
		"notifications.session_timeout": c.Notifications.SessionTimeout,
	}
	if te := c.TaskEngine; te != nil {
		durations["task_engine.default_timeout"] = te.DefaultTimeout
		durations["task_engine.max_queue_delay"] = te.MaxQueueDelay
		durations["task_engine.retry_base"] = te.RetryBase
		durations["task_engine.retry_max_delay"] = te.RetryMaxDelay
	}
	if n := c.Notifier; n != nil {
		durations["notifier.retry_base"] = n.RetryBase
		durations["notifier.retry_max_delay"] = n.RetryMaxDelay
		durations["notifier.dedup_window"] = n.DedupWindow
	}
	if s := c.Storage; s != nil {
		durations["storage.busy_timeout"] = s.BusyTimeout
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if s := c.Storage; s != nil {
		switch s.Driver {
		case StorageMemory:
		case StorageFile, StorageSQLite:
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required for driver %q", s.Driver))
			}
		case StoragePostgres:
			if strings.TrimSpace(s.DSN) == "" {
				errs = append(errs, errors.New("storage.dsn is required for driver postgres"))
			}
		case StorageRedis:
			if strings.TrimSpace(s.Addr) == "" {
				errs = append(errs, errors.New("storage.addr is required for driver redis"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
	}
	if c.Logging.Chat.Enabled && strings.TrimSpace(c.Logging.Chat.Target) == "" {
		errs = append(errs, errors.New("logging.chat.target is required when chat logging is enabled"))
	}
	return errors.Join(errs...)
}

// resolveSecrets replaces "env:NAME" values with the environment variable.
func (c *Config) resolveSecrets() error {
	fields := []*string{&c.Bot.Token}
	if c.Storage != nil {
		fields = append(fields, &c.Storage.DSN, &c.Storage.Password)
	}
	if c.Ops != nil {
		fields = append(fields, &c.Ops.Token)
	}
	for _, f := range fields {
		name, ok := strings.CutPrefix(strings.TrimSpace(*f), "env:")
		if !ok {
			continue
		}
		v, found := os.LookupEnv(name)
		if !found {
			return fmt.Errorf("environment variable %s is not set", name)
		}
		*f = v
	}
	return nil
}

// NotifierEnabled reports the effective notifier toggle (default on).
func (c *Config) NotifierEnabled() bool {
	return c.Notifier == nil || c.Notifier.Enabled == nil || *c.Notifier.Enabled
}
