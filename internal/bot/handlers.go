package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"foremanbot/internal/eventbus"
	"foremanbot/internal/foreman"
	"foremanbot/internal/session"
	"foremanbot/internal/storage"
	"foremanbot/internal/transport"
	logx "foremanbot/pkg/logx"
)

// Foreman is the part of the API client the handlers use.
type Foreman interface {
	Ping(ctx context.Context) (bool, error)
	PingClient(ctx context.Context, creds foreman.Credentials) (bool, error)
	Miners(ctx context.Context, creds foreman.Credentials) ([]foreman.Miner, error)
}

type HandlersConfig struct {
	Prefix       string
	DashboardURL string
	// Platform is the display name used in onboarding text.
	Platform string
}

const (
	msgNotMet = "We haven't met yet..."
	msgError  = "Something doesn't seem right..."
)

// Handlers implements the command set on top of the session store.
type Handlers struct {
	store *session.Store
	locks *session.Locks
	api   Foreman
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	mu  sync.RWMutex
	cfg HandlersConfig
}

func NewHandlers(cfg HandlersConfig, store *session.Store, locks *session.Locks, api Foreman, bus eventbus.Bus, log logx.Logger) *Handlers {
	cfg.DashboardURL = strings.TrimRight(cfg.DashboardURL, "/")
	return &Handlers{
		store: store,
		locks: locks,
		api:   api,
		bus:   bus,
		log:   log.With(logx.String("comp", "handlers")),
		now:   time.Now,
		cfg:   cfg,
	}
}

// SetPrefix changes the prefix shown in help and onboarding text.
func (h *Handlers) SetPrefix(p string) {
	h.mu.Lock()
	h.cfg.Prefix = p
	h.mu.Unlock()
}

func (h *Handlers) config() HandlersConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Routes wires every command to its handler.
func (h *Handlers) Routes() Router {
	return Router{
		CmdHelp:     Both(h.Help),
		CmdStart:    Both(h.Start),
		CmdRegister: Route{Group: h.Register(GroupScope), Direct: h.Register(DirectScope)},
		CmdTest:     Route{Group: h.Test(GroupScope), Direct: h.Test(DirectScope)},
		CmdStatus:   Route{Group: h.Status(GroupScope), Direct: h.Status(DirectScope)},
		CmdForget:   Route{Group: h.Forget(GroupScope), Direct: h.Forget(DirectScope)},
	}
}

// registered loads the session for the message when it has credentials.
func (h *Handlers) registered(ctx context.Context, sc Scope, m *transport.Message) (session.Session, session.Credentials, bool, error) {
	s, err := h.store.FindByID(ctx, sc.Kind, sc.ID(m))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, session.Credentials{}, false, nil
	}
	if err != nil {
		return nil, session.Credentials{}, false, err
	}
	creds, ok := s.Credentials()
	if !ok {
		return nil, session.Credentials{}, false, nil
	}
	return s, creds, true, nil
}

func (h *Handlers) publish(typ string, s session.Session, actor, reason string) {
	if h.bus == nil {
		return
	}
	ev := eventbus.SessionEvent{
		Kind:   string(s.Kind()),
		ID:     s.ID(),
		Target: s.DeliveryTarget(),
		Actor:  actor,
		Reason: reason,
	}
	if c, ok := s.Credentials(); ok {
		ev.ClientID = c.ClientID
	}
	h.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func apiCreds(c session.Credentials) foreman.Credentials {
	return foreman.Credentials{ClientID: c.ClientID, APIKey: c.APIKey}
}
