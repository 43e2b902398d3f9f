package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	logx "foremanbot/pkg/logx"
)

// Manager owns the live config: it loads the file, watches it and fans
// accepted reloads out to subscribers.
type Manager struct {
	path      string
	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	mu     sync.RWMutex
	cfg    *Config
	lastFP uint64

	// subsMu is held while sending so a cancelled subscription is never
	// written to after close.
	subsMu sync.Mutex
	subs   map[int]chan *Config
	nextID int
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), subs: map[int]chan *Config{}}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs a hook that runs before a reloaded config is
// committed. A non-nil error rejects the reload.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Load reads the file and makes it the current config.
func (m *Manager) Load() (*Config, error) {
	cfg, err := ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	m.commit(cfg, fingerprint(cfg))
	return cfg, nil
}

func (m *Manager) commit(cfg *Config, fp uint64) {
	m.mu.Lock()
	m.cfg, m.lastFP = cfg, fp
	m.mu.Unlock()
}

// Get returns the current config. Callers must not modify it.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel of accepted reloads and a cancel func that
// closes it. A subscriber that falls behind only ever misses older configs.
func (m *Manager) Subscribe(buffer int) (<-chan *Config, func()) {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		offerLatest(ch, cfg)
	}
}

func offerLatest(ch chan *Config, cfg *Config) {
	for {
		select {
		case ch <- cfg:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

const validateTimeout = 5 * time.Second

// reload re-reads the file. The running config is kept when the file does
// not parse, is unchanged, or the validator rejects it.
func (m *Manager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := ReadFile(m.path)
	if err != nil {
		log.Warn("config reload failed, keeping current config", logx.Err(err))
		return
	}
	fp := fingerprint(cfg)
	m.mu.RLock()
	unchanged := fp == m.lastFP
	m.mu.RUnlock()
	if unchanged {
		log.Debug("config file touched, content unchanged")
		return
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		defer cancel()
		if err := m.validator(vctx, cfg); err != nil {
			log.Warn("config reload rejected, keeping current config", logx.Err(err))
			return
		}
	}
	m.commit(cfg, fp)
	m.publish(cfg)
	log.Info("config reloaded", logx.String("fingerprint", fmt.Sprintf("%016x", fp)))
}
