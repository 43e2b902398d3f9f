package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"foremanbot/internal/config"
	"foremanbot/internal/eventbus"
	"foremanbot/internal/foreman"
	"foremanbot/internal/session"
	"foremanbot/internal/storage"
	logx "foremanbot/pkg/logx"
)

// LoadConfig parses and validates the config file without starting anything.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// OpenStorage opens the configured store for operator commands.
func OpenStorage(ctx context.Context, cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(ctx, sc, log)
}

// CheckResult reports Foreman reachability for the check command.
type CheckResult struct {
	APIURL    string
	Reachable bool
	Took      time.Duration
}

// CheckForeman pings the configured Foreman API.
func CheckForeman(ctx context.Context, cfg *config.Config, log logx.Logger) (CheckResult, error) {
	fcfg, err := mapForeman(cfg)
	if err != nil {
		return CheckResult{}, err
	}
	fc, err := foreman.New(fcfg, log)
	if err != nil {
		return CheckResult{}, err
	}
	start := time.Now()
	ok, err := fc.Ping(ctx)
	return CheckResult{APIURL: fcfg.BaseURL, Reachable: ok, Took: time.Since(start)}, err
}

// SessionInfo is a session as shown to operators. The API key is never
// included.
type SessionInfo struct {
	Kind         string     `json:"kind"`
	ID           string     `json:"id"`
	Target       string     `json:"target"`
	ClientID     int        `json:"client_id,omitempty"`
	HasAPIKey    bool       `json:"has_api_key"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
	Cursor       int64      `json:"cursor"`
}

// ListSessions returns every session of kind, or of both kinds when kind is
// empty.
func ListSessions(ctx context.Context, store storage.Store, kind string) ([]SessionInfo, error) {
	kinds := []session.Kind{session.KindGroup, session.KindDirect}
	if kind != "" {
		k := session.Kind(kind)
		if !k.Valid() {
			return nil, fmt.Errorf("unknown session kind %q", kind)
		}
		kinds = []session.Kind{k}
	}
	sessions := session.NewStore(store)
	var out []SessionInfo
	for _, k := range kinds {
		all, err := sessions.FindAll(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("list %s sessions: %w", k, err)
		}
		for _, s := range all {
			info := SessionInfo{Kind: string(s.Kind()), ID: s.ID(), Target: s.DeliveryTarget(), Cursor: s.Cursor()}
			if c, ok := s.Credentials(); ok {
				info.ClientID = c.ClientID
				info.HasAPIKey = c.APIKey != ""
			}
			if at, ok := s.RegisteredAt(); ok {
				info.RegisteredAt = &at
			}
			out = append(out, info)
		}
	}
	return out, nil
}

// ErrNoSession is returned by ForgetSession when nothing was stored.
var ErrNoSession = errors.New("no such session")

// ForgetSession deletes a session on behalf of an operator and records it
// in the audit trail.
func ForgetSession(ctx context.Context, store storage.Store, kind, id, actor string) error {
	k := session.Kind(kind)
	if !k.Valid() {
		return fmt.Errorf("unknown session kind %q", kind)
	}
	sessions := session.NewStore(store)
	s, err := sessions.FindByID(ctx, k, id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNoSession
	}
	if err != nil {
		return err
	}
	if err := sessions.Delete(ctx, k, id); err != nil {
		return err
	}
	return store.AppendAudit(ctx, storage.AuditEntry{
		At:        time.Now(),
		Action:    eventbus.SessionForgotten,
		Kind:      kind,
		SessionID: id,
		Actor:     actor,
		Target:    s.DeliveryTarget(),
		Detail:    "forgotten by operator",
	})
}
