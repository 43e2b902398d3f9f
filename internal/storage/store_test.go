package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "foremanbot/pkg/logx"
)

func openers(t *testing.T) map[string]func(*testing.T) Store {
	dir := t.TempDir()
	m := map[string]func(*testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			s, err := openFile(Config{Path: filepath.Join(dir, "state.json")}, logx.Nop())
			if err != nil {
				t.Fatalf("openFile: %v", err)
			}
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := openSQLite(context.Background(), Config{Path: filepath.Join(dir, "state.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("openSQLite: %v", err)
			}
			return s
		},
	}
	if addr := os.Getenv("FOREMANBOT_TEST_REDIS_ADDR"); addr != "" {
		m["redis"] = func(t *testing.T) Store {
			s, err := openRedis(context.Background(), Config{Addr: addr, Prefix: "test:" + uuid.NewString() + ":"}, logx.Nop())
			if err != nil {
				t.Fatalf("openRedis: %v", err)
			}
			return s
		}
	}
	if dsn := os.Getenv("FOREMANBOT_TEST_POSTGRES_DSN"); dsn != "" {
		m["postgres"] = func(t *testing.T) Store { return openPostgresSchema(t, dsn) }
	}
	return m
}

// openPostgresSchema opens the store inside a throwaway schema so parallel
// tests and earlier runs never see each other's rows.
func openPostgresSchema(t *testing.T, dsn string) Store {
	t.Helper()
	ctx := context.Background()
	schema := "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	admin, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres connect: %v", err)
	}
	defer admin.Close()
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		c, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = c.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
	})
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	s, err := openPostgres(ctx, Config{DSN: dsn + sep + "search_path=" + schema}, logx.Nop())
	if err != nil {
		t.Fatalf("openPostgres: %v", err)
	}
	return s
}

func TestSessionContract(t *testing.T) {
	t.Parallel()

	for name, open := range openers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			if _, err := s.GetSession(ctx, "group", "g1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get missing: %v", err)
			}

			reg := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			rec := SessionRecord{Kind: "group", ID: "g1", Target: "c1", ClientID: 7, APIKey: "k", RegisteredAt: &reg, Cursor: 3}
			if err := s.CreateSession(ctx, rec); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := s.CreateSession(ctx, rec); !errors.Is(err, ErrExists) {
				t.Fatalf("create duplicate: %v", err)
			}

			rec.Cursor = 9
			rec.Target = "c2"
			if err := s.PutSession(ctx, rec); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, err := s.GetSession(ctx, "group", "g1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Cursor != 9 || got.Target != "c2" || got.ClientID != 7 || got.RegisteredAt == nil || !got.RegisteredAt.Equal(reg) {
				t.Fatalf("read-after-write mismatch: %+v", got)
			}

			if err := s.PutSession(ctx, SessionRecord{Kind: "direct", ID: "g1"}); err != nil {
				t.Fatalf("put direct: %v", err)
			}
			if err := s.PutSession(ctx, SessionRecord{Kind: "group", ID: "a0"}); err != nil {
				t.Fatalf("put second group: %v", err)
			}
			list, err := s.ListSessions(ctx, "group")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != 2 || list[0].ID != "a0" || list[1].ID != "g1" {
				t.Fatalf("list = %+v", list)
			}

			if err := s.DeleteSession(ctx, "group", "g1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := s.DeleteSession(ctx, "group", "g1"); err != nil {
				t.Fatalf("delete missing: %v", err)
			}
			if _, err := s.GetSession(ctx, "direct", "g1"); err != nil {
				t.Fatalf("kinds must not collide: %v", err)
			}
		})
	}
}

func TestDedupAndAudit(t *testing.T) {
	t.Parallel()

	for name, open := range openers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := s.PutDedup(ctx, "group:g1:5", until); err != nil {
				t.Fatalf("put dedup: %v", err)
			}
			got, ok, err := s.GetDedup(ctx, "group:g1:5")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("get dedup = %v %v %v", got, ok, err)
			}
			if _, ok, _ := s.GetDedup(ctx, "nope"); ok {
				t.Fatalf("unexpected dedup hit")
			}
			if err := s.AppendAudit(ctx, AuditEntry{Action: "session.forgotten", Kind: "group", SessionID: "g1"}); err != nil {
				t.Fatalf("audit: %v", err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	open := func() *fileStore {
		s, err := openFile(Config{Path: path}, logx.Nop())
		if err != nil {
			t.Fatalf("openFile: %v", err)
		}
		fs := s.(*fileStore)
		fs.compactEvery = 3
		return fs
	}

	s := open()
	for i, id := range []string{"a", "b", "c", "d"} {
		if err := s.PutSession(ctx, SessionRecord{Kind: "direct", ID: id, Cursor: int64(i)}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	if err := s.DeleteSession(ctx, "direct", "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Reopen without Close to exercise snapshot + journal replay.
	s.journalFile.Sync()
	s2 := open()
	defer s2.Close()
	list, err := s2.ListSessions(ctx, "direct")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].ID != "a" || list[1].ID != "c" || list[2].Cursor != 3 {
		t.Fatalf("after reopen: %+v", list)
	}
	_ = s.Close()
}

func TestMemoryKeepsAudit(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	_ = s.AppendAudit(context.Background(), AuditEntry{Action: "session.registered"})
	a, ok := s.(interface{ Audit() []AuditEntry })
	if !ok || len(a.Audit()) != 1 {
		t.Fatalf("memory audit not retained")
	}
}
