package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "foremanbot/pkg/logx"
)

// redisStore keeps each session as a JSON string under
// <prefix>session:<kind>:<id> and tracks ids per kind in the set
// <prefix>sessions:<kind>.
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

const redisAuditCap = 10000

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "foremanbot:"
	}
	return &redisStore{client: client, prefix: prefix, log: log}, nil
}

func (s *redisStore) sessionKey(kind, id string) string {
	return s.prefix + "session:" + kind + ":" + id
}

func (s *redisStore) indexKey(kind string) string { return s.prefix + "sessions:" + kind }

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) GetSession(ctx context.Context, kind, id string) (SessionRecord, error) {
	val, err := s.client.Get(ctx, s.sessionKey(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, err
	}
	var r SessionRecord
	if err := json.Unmarshal(val, &r); err != nil {
		return SessionRecord{}, fmt.Errorf("session %s:%s: %w", kind, id, err)
	}
	return r, nil
}

func (s *redisStore) PutSession(ctx context.Context, r SessionRecord) error {
	data, err := marshalRecord(r)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.sessionKey(r.Kind, r.ID), data, 0)
		p.SAdd(ctx, s.indexKey(r.Kind), r.ID)
		return nil
	})
	return err
}

func (s *redisStore) CreateSession(ctx context.Context, r SessionRecord) error {
	data, err := marshalRecord(r)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.sessionKey(r.Kind, r.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	return s.client.SAdd(ctx, s.indexKey(r.Kind), r.ID).Err()
}

func (s *redisStore) DeleteSession(ctx context.Context, kind, id string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.sessionKey(kind, id))
		p.SRem(ctx, s.indexKey(kind), id)
		return nil
	})
	return err
}

func (s *redisStore) ListSessions(ctx context.Context, kind string) ([]SessionRecord, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(kind)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(kind, id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]SessionRecord, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Index entry without a value; a delete raced the listing.
			continue
		}
		var r SessionRecord
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			s.log.Warn("skipping undecodable session", logx.String("key", keys[i]), logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func marshalRecord(r SessionRecord) ([]byte, error) {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	return json.Marshal(r)
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := s.prefix + "audit"
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, data)
		p.LTrim(ctx, key, 0, redisAuditCap-1)
		return nil
	})
	return err
}

func (s *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	ttl := time.Until(until)
	if key == "" || ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, s.prefix+"dedup:"+key, until.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	ms, err := s.client.Get(ctx, s.prefix+"dedup:"+key).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}
