package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "foremanbot/pkg/logx"
)

// fileStore keeps everything in memory and persists it as:
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
//   - <prefix>.snapshot.json  (sessions + dedup, rewritten on compaction)
//   - <prefix>.journal.jsonl  (append-only mutations since the snapshot)
//
// The journal is compacted into the snapshot every compactEvery writes and
// on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile    *os.File
	snapshotPath string
	journalFile  *os.File

	sessions map[string]SessionRecord
	dedup    map[string]int64 // unix milli

	writes       int
	compactEvery int
}

type fileSnapshot struct {
	Sessions []SessionRecord `json:"sessions"`
	Dedup    map[string]int64 `json:"dedup"`
}

const (
	opPutSession = "put_session"
	opDelSession = "del_session"
	opDedup      = "dedup"
)

type journalRecord struct {
	Op      string         `json:"op"`
	Session *SessionRecord `json:"session,omitempty"`
	Kind    string         `json:"kind,omitempty"`
	ID      string         `json:"id,omitempty"`
	Key     string         `json:"key,omitempty"`
	Until   int64          `json:"until,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		sessions:     map[string]SessionRecord{},
		dedup:        map[string]int64{},
		compactEvery: 500,
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	pruneExpiredDedup(s.dedup)

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	s.auditFile, s.journalFile = af, jf
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, r := range snap.Sessions {
		s.sessions[r.key()] = r
	}
	for k, v := range snap.Dedup {
		s.dedup[k] = v
	}
	return nil
}

// replayJournal applies journal records on top of the snapshot. A torn last
// line (crash mid-write) is skipped.
func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			s.log.Warn("skipping corrupt journal line", logx.Err(err))
			continue
		}
		s.apply(r)
	}
	return sc.Err()
}

func (s *fileStore) apply(r journalRecord) {
	switch r.Op {
	case opPutSession:
		if r.Session != nil {
			s.sessions[r.Session.key()] = *r.Session
		}
	case opDelSession:
		delete(s.sessions, r.Kind+":"+r.ID)
	case opDedup:
		if r.Key != "" {
			s.dedup[r.Key] = r.Until
		}
	}
}

// writeLocked journals r, then applies it in memory.
func (s *fileStore) writeLocked(r journalRecord) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.apply(r)
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetSession(_ context.Context, kind, id string) (SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[kind+":"+id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (s *fileStore) PutSession(_ context.Context, r SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r = cloneRecord(r)
	return s.writeLocked(journalRecord{Op: opPutSession, Session: &r})
}

func (s *fileStore) CreateSession(_ context.Context, r SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[r.key()]; ok {
		return ErrExists
	}
	r = cloneRecord(r)
	return s.writeLocked(journalRecord{Op: opPutSession, Session: &r})
}

func (s *fileStore) DeleteSession(_ context.Context, kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[kind+":"+id]; !ok {
		return nil
	}
	return s.writeLocked(journalRecord{Op: opDelSession, Kind: kind, ID: id})
}

func (s *fileStore) ListSessions(_ context.Context, kind string) ([]SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedSessions(s.sessions, kind), nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(journalRecord{Op: opDedup, Key: key, Until: until.UnixMilli()})
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup)
	snap := fileSnapshot{Dedup: s.dedup}
	for _, r := range s.sessions {
		snap.Sessions = append(snap.Sessions, r)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		errs = append(errs, s.compactLocked(), s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
