// Package session holds the per-group and per-user registration state and
// the store that persists it.
package session

import "time"

// Kind distinguishes the two session variants. The values match
// transport.ContextKind.
type Kind string

const (
	KindGroup  Kind = "group"
	KindDirect Kind = "direct"
)

func (k Kind) Valid() bool { return k == KindGroup || k == KindDirect }

// Credentials are the Foreman API credentials of a session.
type Credentials struct {
	ClientID int
	APIKey   string
}

func (c Credentials) IsZero() bool { return c.ClientID == 0 && c.APIKey == "" }

// Session is the capability set shared by both variants.
type Session interface {
	Kind() Kind
	ID() string
	// DeliveryTarget is the platform address notifications go to.
	DeliveryTarget() string

	Credentials() (Credentials, bool)
	RegisteredAt() (time.Time, bool)
	// Cursor is the highest delivered notification id (0 = none).
	Cursor() int64

	SetCredentials(c Credentials)
	// MarkRegistered records the first successful registration. Later
	// calls are no-ops and return false.
	MarkRegistered(now time.Time) bool
	// AdvanceCursor moves the cursor forward only.
	AdvanceCursor(id int64) bool
}

// state is the part both variants share.
type state struct {
	creds        Credentials
	registeredAt time.Time
	cursor       int64
}

func (s *state) Credentials() (Credentials, bool) { return s.creds, !s.creds.IsZero() }

func (s *state) RegisteredAt() (time.Time, bool) { return s.registeredAt, !s.registeredAt.IsZero() }

func (s *state) Cursor() int64 { return s.cursor }

func (s *state) SetCredentials(c Credentials) { s.creds = c }

func (s *state) MarkRegistered(now time.Time) bool {
	if !s.registeredAt.IsZero() {
		return false
	}
	s.registeredAt = now
	return true
}

func (s *state) AdvanceCursor(id int64) bool {
	if id <= s.cursor {
		return false
	}
	s.cursor = id
	return true
}

// GroupSession is keyed by the group (guild or group chat) and delivers to
// the channel where registration last happened.
type GroupSession struct {
	state
	GroupID   string
	ChannelID string
}

func NewGroup(groupID, channelID string) *GroupSession {
	return &GroupSession{GroupID: groupID, ChannelID: channelID}
}

func (g *GroupSession) Kind() Kind             { return KindGroup }
func (g *GroupSession) ID() string             { return g.GroupID }
func (g *GroupSession) DeliveryTarget() string { return g.ChannelID }

// DirectSession is keyed by the user and delivers to their DM.
type DirectSession struct {
	state
	UserID string
}

func NewDirect(userID string) *DirectSession { return &DirectSession{UserID: userID} }

func (d *DirectSession) Kind() Kind             { return KindDirect }
func (d *DirectSession) ID() string             { return d.UserID }
func (d *DirectSession) DeliveryTarget() string { return d.UserID }

// Registered reports whether s is eligible for notification sweeps.
func Registered(s Session) bool {
	_, ok := s.RegisteredAt()
	return ok
}

// Key is "<kind>:<id>", unique across both variants.
func Key(s Session) string { return string(s.Kind()) + ":" + s.ID() }
