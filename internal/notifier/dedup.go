package notifier

import (
	"context"
	"sync"
	"time"

	"foremanbot/internal/storage"
	logx "foremanbot/pkg/logx"
)

// dedupSet maps a key to the time its suppression ends. Keys of queued,
// unsent notifications are held too, so a second sweep cannot queue the
// same notification while the first copy waits.
type dedupSet struct {
	store storage.Store
	log   logx.Logger

	mu    sync.Mutex
	until map[string]time.Time
}

func newDedupSet(store storage.Store, log logx.Logger) *dedupSet {
	return &dedupSet{store: store, log: log, until: map[string]time.Time{}}
}

func (d *dedupSet) held(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.until[key]
	return ok && now.Before(t)
}

// claim reserves key for cfg.DedupWindow. It returns false when the key is
// held in memory or, with PersistDedup, recorded in the store.
func (d *dedupSet) claim(ctx context.Context, key string, cfg Config) bool {
	now := time.Now()
	if d.held(key, now) {
		return false
	}
	if cfg.PersistDedup && d.store != nil {
		lctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		t, ok, err := d.store.GetDedup(lctx, key)
		cancel()
		switch {
		case err != nil:
			d.log.Debug("dedup lookup failed", logx.String("key", key), logx.Err(err))
		case ok && now.Before(t):
			d.mu.Lock()
			d.until[key] = t
			d.mu.Unlock()
			return false
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.until[key]; ok && now.Before(t) {
		return false
	}
	d.until[key] = now.Add(cfg.DedupWindow)
	d.pruneLocked(now, cfg.DedupMaxEntries)
	return true
}

func (d *dedupSet) release(key string) {
	if key == "" {
		return
	}
	d.mu.Lock()
	delete(d.until, key)
	d.mu.Unlock()
}

// persist records a delivered key in the store so a restart keeps it.
func (d *dedupSet) persist(ctx context.Context, key string, cfg Config) {
	if key == "" || cfg.DedupWindow <= 0 || !cfg.PersistDedup || d.store == nil {
		return
	}
	d.mu.Lock()
	t, ok := d.until[key]
	d.mu.Unlock()
	if !ok {
		t = time.Now().Add(cfg.DedupWindow)
	}
	pctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := d.store.PutDedup(pctx, key, t); err != nil {
		d.log.Warn("dedup persist failed", logx.String("key", key), logx.Err(err))
	}
}

// pruneLocked drops expired keys, then evicts the soonest to expire until
// at most maxEntries remain.
func (d *dedupSet) pruneLocked(now time.Time, maxEntries int) {
	for k, t := range d.until {
		if !now.Before(t) {
			delete(d.until, k)
		}
	}
	for maxEntries > 0 && len(d.until) > maxEntries {
		var oldest string
		for k, t := range d.until {
			if oldest == "" || t.Before(d.until[oldest]) {
				oldest = k
			}
		}
		delete(d.until, oldest)
	}
}
