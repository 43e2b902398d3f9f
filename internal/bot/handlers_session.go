package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"foremanbot/internal/eventbus"
	"foremanbot/internal/session"
	"foremanbot/internal/storage"
	"foremanbot/internal/transport"
	logx "foremanbot/pkg/logx"
)

// Register upserts the session for the message's context, pointing it at
// the current chat, then validates credentials against Foreman. Only a
// successful check stores them.
func (h *Handlers) Register(sc Scope) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		m := req.Message
		id := sc.ID(m)
		unlock := h.locks.Lock(sc.Kind, id)
		defer unlock()

		s, err := h.upsert(ctx, sc, m)
		if err != nil {
			req.Reply(ctx, transport.SeverityFailure, msgError)
			return fmt.Errorf("upsert session: %w", err)
		}

		tokens := strings.Fields(strings.NewReplacer("<", "", ">", "").Replace(m.Text))
		if len(tokens) < 3 {
			req.Reply(ctx, transport.SeverityFailure, msgError)
			return nil
		}
		clientID, err := strconv.Atoi(tokens[1])
		if err != nil {
			req.Logger.Debug("client id is not a number", logx.String("client_id", tokens[1]))
			req.Reply(ctx, transport.SeverityFailure, "Client ID should have been a number")
			return nil
		}
		creds := session.Credentials{ClientID: clientID, APIKey: tokens[2]}

		ok, err := h.api.PingClient(ctx, apiCreds(creds))
		if err != nil {
			req.Reply(ctx, transport.SeverityFailure, msgError)
			return fmt.Errorf("verify credentials: %w", err)
		}
		if !ok {
			req.Reply(ctx, transport.SeverityFailure, "I tried those, but they didn't work")
			return nil
		}

		s.SetCredentials(creds)
		first := s.MarkRegistered(h.now())
		if err := h.store.Save(ctx, s); err != nil {
			req.Reply(ctx, transport.SeverityFailure, msgError)
			return fmt.Errorf("save session: %w", err)
		}

		reason := "re-registered"
		if first {
			reason = "registered"
		}
		h.publish(eventbus.SessionRegistered, s, m.SenderID, reason)
		req.Logger.Info("session registered", logx.Int("client_id", clientID), logx.Bool("first", first), logx.String("target", s.DeliveryTarget()))
		req.Reply(ctx, transport.SeveritySuccess, h.registeredText(req.Formatter()))
		return nil
	}
}

// upsert loads the session for m, or inserts a minimal one without
// credentials, and persists the delivery target m came from. The caller
// holds the session lock.
func (h *Handlers) upsert(ctx context.Context, sc Scope, m *transport.Message) (session.Session, error) {
	id := sc.ID(m)
	s, err := h.store.FindByID(ctx, sc.Kind, id)
	if errors.Is(err, storage.ErrNotFound) {
		s = sc.New(m)
		err = h.store.Insert(ctx, s)
		if err == nil {
			h.log.Debug("session created", logx.String("kind", string(sc.Kind)), logx.String("id", id))
			return s, nil
		}
		// Another process sharing the store won the insert.
		if errors.Is(err, storage.ErrExists) {
			s, err = h.store.FindByID(ctx, sc.Kind, id)
		}
	}
	if err != nil {
		return nil, err
	}
	before := s.DeliveryTarget()
	sc.Refresh(s, m)
	if s.DeliveryTarget() == before {
		return s, nil
	}
	return s, h.store.Save(ctx, s)
}

func (h *Handlers) registeredText(f transport.Formatter) string {
	cfg := h.config()
	return f.Escape("Those look correct! Setup complete! ✅") + "\n\n" +
		f.Escape("You'll get notified based on your ") + f.Italic("alert") + " " +
		f.Link("triggers", cfg.DashboardURL+"/dashboard/triggers/") +
		f.Escape(", so make sure you created some and set their ") + f.Italic("destination") +
		f.Escape(" to "+cfg.Platform+".") + "\n\n" +
		f.Escape("If you've already done this, you should be good to go! 👍")
}

// Test reports Foreman reachability and whether the stored credentials
// still work. Unknown sessions get the onboarding text.
func (h *Handlers) Test(sc Scope) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		_, creds, ok, err := h.registered(ctx, sc, req.Message)
		if err != nil {
			req.Reply(ctx, transport.SeverityFailure, msgError)
			return err
		}
		if !ok {
			req.Reply(ctx, transport.SeverityFailure, msgNotMet)
			return h.Start(ctx, req)
		}

		f := req.Formatter()
		req.Reply(ctx, transport.SeverityInfo, f.Escape("Checking connectivity to Foreman..."))
		up, err := h.api.Ping(ctx)
		if err != nil {
			req.Logger.Debug("ping failed", logx.Err(err))
		}
		h.replyResult(ctx, req, up)

		req.Reply(ctx, transport.SeverityInfo, f.Escape("Checking authentication with your API credentials..."))
		authed, err := h.api.PingClient(ctx, apiCreds(creds))
		if err != nil {
			req.Logger.Debug("client ping failed", logx.Err(err))
		}
		h.replyResult(ctx, req, authed)
		return nil
	}
}

func (h *Handlers) replyResult(ctx context.Context, req *Request, ok bool) {
	f := req.Formatter()
	if ok {
		req.Reply(ctx, transport.SeveritySuccess, f.Italic("Result")+f.Escape(": ✅"))
		return
	}
	req.Reply(ctx, transport.SeverityFailure, f.Italic("Result")+f.Escape(": ❌"))
}

// Forget deletes the session. Forgetting an unknown session changes
// nothing.
func (h *Handlers) Forget(sc Scope) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		id := sc.ID(req.Message)
		unlock := h.locks.Lock(sc.Kind, id)
		s, err := h.store.FindByID(ctx, sc.Kind, id)
		if errors.Is(err, storage.ErrNotFound) {
			unlock()
			req.Reply(ctx, transport.SeverityFailure, msgNotMet)
			return nil
		}
		if err == nil {
			err = h.store.Delete(ctx, sc.Kind, id)
		}
		unlock()
		if err != nil {
			req.Reply(ctx, transport.SeverityFailure, msgError)
			return fmt.Errorf("forget session: %w", err)
		}

		h.publish(eventbus.SessionForgotten, s, req.Message.SenderID, "forget")
		req.Logger.Info("session forgotten")
		req.Reply(ctx, transport.SeveritySuccess, "Got it - I won't send you notifications anymore")
		return nil
	}
}
