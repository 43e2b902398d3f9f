package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "foremanbot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

const sqliteSessionCols = `kind, id, target, client_id, api_key, registered_at, cursor, updated_at`

func (s *sqliteStore) GetSession(ctx context.Context, kind, id string) (SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSessionCols+` FROM sessions WHERE kind = ? AND id = ?`, kind, id)
	r, err := scanSQLiteSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) PutSession(ctx context.Context, r SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(`+sqliteSessionCols+`) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(kind, id) DO UPDATE SET
		   target = excluded.target, client_id = excluded.client_id, api_key = excluded.api_key,
		   registered_at = excluded.registered_at, cursor = excluded.cursor, updated_at = excluded.updated_at`,
		sqliteSessionArgs(r)...)
	return err
}

func (s *sqliteStore) CreateSession(ctx context.Context, r SessionRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(`+sqliteSessionCols+`) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(kind, id) DO NOTHING`,
		sqliteSessionArgs(r)...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrExists
	}
	return nil
}

func (s *sqliteStore) DeleteSession(ctx context.Context, kind, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE kind = ? AND id = ?`, kind, id)
	return err
}

func (s *sqliteStore) ListSessions(ctx context.Context, kind string) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteSessionCols+` FROM sessions WHERE kind = ? ORDER BY id`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRecord
	for rows.Next() {
		r, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func sqliteSessionArgs(r SessionRecord) []any {
	var reg any
	if r.RegisteredAt != nil {
		reg = r.RegisteredAt.UTC().Format(time.RFC3339Nano)
	}
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return []any{r.Kind, r.ID, r.Target, r.ClientID, r.APIKey, reg, r.Cursor, updated.UTC().Format(time.RFC3339Nano)}
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSQLiteSession(row rowScanner) (SessionRecord, error) {
	var (
		r       SessionRecord
		reg     sql.NullString
		updated string
	)
	if err := row.Scan(&r.Kind, &r.ID, &r.Target, &r.ClientID, &r.APIKey, &reg, &r.Cursor, &updated); err != nil {
		return SessionRecord{}, err
	}
	if reg.Valid && reg.String != "" {
		t, err := time.Parse(time.RFC3339Nano, reg.String)
		if err != nil {
			return SessionRecord{}, fmt.Errorf("session %s:%s registered_at: %w", r.Kind, r.ID, err)
		}
		r.RegisteredAt = &t
	}
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return r, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, action, kind, session_id, actor, target, detail) VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Action, e.Kind, e.SessionID,
		nullStr(e.Actor), nullStr(e.Target), nullStr(e.Detail),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if _, perr := s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli()); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
