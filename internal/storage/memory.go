package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
	audit    []AuditEntry
	dedup    map[string]time.Time
	closed   bool
}

// NewMemory returns an in-process store. Contents are lost on exit.
func NewMemory() Store {
	return &memoryStore{
		sessions: map[string]SessionRecord{},
		dedup:    map[string]time.Time{},
	}
}

func (s *memoryStore) GetSession(_ context.Context, kind, id string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[kind+":"+id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (s *memoryStore) PutSession(_ context.Context, r SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.sessions[r.key()] = cloneRecord(r)
	return nil
}

func (s *memoryStore) CreateSession(_ context.Context, r SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.sessions[r.key()]; ok {
		return ErrExists
	}
	s.sessions[r.key()] = cloneRecord(r)
	return nil
}

func (s *memoryStore) DeleteSession(_ context.Context, kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, kind+":"+id)
	return nil
}

func (s *memoryStore) ListSessions(_ context.Context, kind string) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedSessions(s.sessions, kind), nil
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

func (s *memoryStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = until
	return nil
}

func (s *memoryStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	until, ok := s.dedup[key]
	return until, ok, nil
}

// Audit returns a copy of the audit trail. Only the memory driver keeps one
// in reach for inspection.
func (s *memoryStore) Audit() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditEntry(nil), s.audit...)
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func cloneRecord(r SessionRecord) SessionRecord {
	if r.RegisteredAt != nil {
		t := *r.RegisteredAt
		r.RegisteredAt = &t
	}
	return r
}

func sortedSessions(m map[string]SessionRecord, kind string) []SessionRecord {
	out := make([]SessionRecord, 0, len(m))
	for _, r := range m {
		if r.Kind == kind {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
