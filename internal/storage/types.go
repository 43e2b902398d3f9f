// Package storage persists sessions, the audit trail and notifier dedup
// state behind one Store interface with several drivers.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrExists   = errors.New("storage: already exists")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (tests, throwaway runs)
//   - "file": JSON snapshot + append-only journal
//   - "sqlite": SQLite database file (pure Go driver)
//   - "postgres": PostgreSQL via pgxpool
//   - "redis": Redis keys with per-kind index sets
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	DSN      string
	MaxConns int

	Addr     string
	Password string
	DB       int
	Prefix   string
}

// SessionRecord is the persisted form of a session of either kind.
type SessionRecord struct {
	Kind         string     `json:"kind"`
	ID           string     `json:"id"`
	Target       string     `json:"target,omitempty"`
	ClientID     int        `json:"client_id,omitempty"`
	APIKey       string     `json:"api_key,omitempty"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
	Cursor       int64      `json:"cursor"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (r SessionRecord) key() string { return r.Kind + ":" + r.ID }

// AuditEntry records a session lifecycle change.
type AuditEntry struct {
	At        time.Time `json:"at"`
	Action    string    `json:"action"`
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id"`
	Actor     string    `json:"actor,omitempty"`
	Target    string    `json:"target,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

type Store interface {
	GetSession(ctx context.Context, kind, id string) (SessionRecord, error)
	// PutSession inserts or replaces.
	PutSession(ctx context.Context, r SessionRecord) error
	// CreateSession fails with ErrExists when the key is taken.
	CreateSession(ctx context.Context, r SessionRecord) error
	// DeleteSession is a no-op for missing keys.
	DeleteSession(ctx context.Context, kind, id string) error
	// ListSessions returns all sessions of kind ordered by id.
	ListSessions(ctx context.Context, kind string) ([]SessionRecord, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
