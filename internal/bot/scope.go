package bot

import (
	"foremanbot/internal/session"
	"foremanbot/internal/transport"
)

// Scope tells a dual-context handler which session a message belongs to.
type Scope struct {
	Kind session.Kind
	// ID is the session id for the message.
	ID func(m *transport.Message) string
	// New builds a fresh session for the message.
	New func(m *transport.Message) session.Session
	// Refresh points an existing session at the message's chat.
	Refresh func(s session.Session, m *transport.Message)
}

// GroupScope keys sessions by group and delivers to the channel where the
// command was last run.
var GroupScope = Scope{
	Kind: session.KindGroup,
	ID:   func(m *transport.Message) string { return m.ContextID },
	New: func(m *transport.Message) session.Session {
		return session.NewGroup(m.ContextID, m.Chat.Key())
	},
	Refresh: func(s session.Session, m *transport.Message) {
		if g, ok := s.(*session.GroupSession); ok {
			g.ChannelID = m.Chat.Key()
		}
	},
}

// DirectScope keys sessions by sender; the DM target never changes.
var DirectScope = Scope{
	Kind: session.KindDirect,
	ID:   func(m *transport.Message) string { return m.SenderID },
	New: func(m *transport.Message) session.Session {
		return session.NewDirect(m.SenderID)
	},
	Refresh: func(session.Session, *transport.Message) {},
}
