package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "foremanbot/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, string(b)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("postgres storage ready", logx.Int("max_conns", int(pcfg.MaxConns)))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgSessionCols = `kind, id, target, client_id, api_key, registered_at, cursor, updated_at`

func (s *postgresStore) GetSession(ctx context.Context, kind, id string) (SessionRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgSessionCols+` FROM sessions WHERE kind = $1 AND id = $2`, kind, id)
	r, err := scanPGSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	return r, err
}

func (s *postgresStore) PutSession(ctx context.Context, r SessionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (`+pgSessionCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (kind, id) DO UPDATE SET
			target = EXCLUDED.target, client_id = EXCLUDED.client_id, api_key = EXCLUDED.api_key,
			registered_at = EXCLUDED.registered_at, cursor = EXCLUDED.cursor, updated_at = EXCLUDED.updated_at
	`, pgSessionArgs(r)...)
	return err
}

func (s *postgresStore) CreateSession(ctx context.Context, r SessionRecord) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (`+pgSessionCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (kind, id) DO NOTHING
	`, pgSessionArgs(r)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (s *postgresStore) DeleteSession(ctx context.Context, kind, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE kind = $1 AND id = $2`, kind, id)
	return err
}

func (s *postgresStore) ListSessions(ctx context.Context, kind string) ([]SessionRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgSessionCols+` FROM sessions WHERE kind = $1 ORDER BY id`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		r, err := scanPGSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func pgSessionArgs(r SessionRecord) []any {
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return []any{r.Kind, r.ID, r.Target, r.ClientID, r.APIKey, r.RegisteredAt, r.Cursor, updated}
}

func scanPGSession(row pgx.Row) (SessionRecord, error) {
	var r SessionRecord
	err := row.Scan(&r.Kind, &r.ID, &r.Target, &r.ClientID, &r.APIKey, &r.RegisteredAt, &r.Cursor, &r.UpdatedAt)
	return r, err
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_audit (at, action, kind, session_id, actor, target, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.At, e.Action, e.Kind, e.SessionID, nullStr(e.Actor), nullStr(e.Target), nullStr(e.Detail))
	return err
}

func (s *postgresStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifier_dedup (key, until) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET until = EXCLUDED.until
	`, key, until)
	return err
}

func (s *postgresStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	var until time.Time
	err := s.pool.QueryRow(ctx, `SELECT until FROM notifier_dedup WHERE key = $1`, key).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return until, true, nil
}
