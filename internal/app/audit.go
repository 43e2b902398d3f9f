package app

import (
	"context"
	"time"

	"foremanbot/internal/eventbus"
	"foremanbot/internal/storage"
	logx "foremanbot/pkg/logx"
)

// runAudit appends a storage audit entry for every session event until ctx
// is done or events is closed.
func runAudit(ctx context.Context, events <-chan eventbus.Event, store storage.Store, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			entry, ok := auditEntry(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := store.AppendAudit(wctx, entry)
			cancel()
			if err != nil {
				log.Warn("audit append failed", logx.String("action", entry.Action), logx.String("session_id", entry.SessionID), logx.Err(err))
			}
		}
	}
}

func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	var ev eventbus.SessionEvent
	switch d := e.Data.(type) {
	case eventbus.SessionEvent:
		ev = d
	case *eventbus.SessionEvent:
		if d == nil {
			return storage.AuditEntry{}, false
		}
		ev = *d
	default:
		return storage.AuditEntry{}, false
	}
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	return storage.AuditEntry{
		At:        at,
		Action:    e.Type,
		Kind:      ev.Kind,
		SessionID: ev.ID,
		Actor:     ev.Actor,
		Target:    ev.Target,
		Detail:    ev.Reason,
	}, true
}
