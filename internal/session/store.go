package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"foremanbot/internal/storage"
)

// Store maps sessions onto storage records.
type Store struct {
	backend storage.Store
	now     func() time.Time
}

func NewStore(backend storage.Store) *Store {
	return &Store{backend: backend, now: time.Now}
}

// FindByID returns storage.ErrNotFound when no session exists.
func (s *Store) FindByID(ctx context.Context, kind Kind, id string) (Session, error) {
	r, err := s.backend.GetSession(ctx, string(kind), id)
	if err != nil {
		return nil, err
	}
	return fromRecord(r)
}

// Save inserts or replaces the session.
func (s *Store) Save(ctx context.Context, sess Session) error {
	return s.backend.PutSession(ctx, s.toRecord(sess))
}

// Insert fails with storage.ErrExists when the id is taken.
func (s *Store) Insert(ctx context.Context, sess Session) error {
	return s.backend.CreateSession(ctx, s.toRecord(sess))
}

func (s *Store) Delete(ctx context.Context, kind Kind, id string) error {
	return s.backend.DeleteSession(ctx, string(kind), id)
}

// FindAll returns every session of kind. Undecodable rows fail the call.
func (s *Store) FindAll(ctx context.Context, kind Kind) ([]Session, error) {
	recs, err := s.backend.ListSessions(ctx, string(kind))
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(recs))
	for _, r := range recs {
		sess, err := fromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// Exists is FindByID without the decode.
func (s *Store) Exists(ctx context.Context, kind Kind, id string) (bool, error) {
	_, err := s.backend.GetSession(ctx, string(kind), id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) toRecord(sess Session) storage.SessionRecord {
	r := storage.SessionRecord{
		Kind:      string(sess.Kind()),
		ID:        sess.ID(),
		Target:    sess.DeliveryTarget(),
		Cursor:    sess.Cursor(),
		UpdatedAt: s.now(),
	}
	if c, ok := sess.Credentials(); ok {
		r.ClientID, r.APIKey = c.ClientID, c.APIKey
	}
	if at, ok := sess.RegisteredAt(); ok {
		r.RegisteredAt = &at
	}
	return r
}

func fromRecord(r storage.SessionRecord) (Session, error) {
	st := state{
		creds:  Credentials{ClientID: r.ClientID, APIKey: r.APIKey},
		cursor: r.Cursor,
	}
	if r.RegisteredAt != nil {
		st.registeredAt = *r.RegisteredAt
	}
	switch Kind(r.Kind) {
	case KindGroup:
		return &GroupSession{state: st, GroupID: r.ID, ChannelID: r.Target}, nil
	case KindDirect:
		return &DirectSession{state: st, UserID: r.ID}, nil
	default:
		return nil, fmt.Errorf("session %q: unknown kind %q", r.ID, r.Kind)
	}
}
