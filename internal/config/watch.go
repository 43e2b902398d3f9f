package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "foremanbot/pkg/logx"
)

const (
	watchRetryMin = 250 * time.Millisecond
	watchRetryMax = 5 * time.Second
	reloadDelay   = 250 * time.Millisecond
)

var errWatcherClosed = errors.New("watcher channels closed")

// Watch reloads the config whenever the file changes, until ctx is done.
// The parent directory is watched because editors replace files rather
// than write them. A broken watcher is recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	log := m.log.With(logx.String("dir", dir))
	d := &debouncer{delay: reloadDelay, fn: func() { m.reload(ctx) }}
	defer d.stop()

	retry := watchRetryMin
	for {
		err := m.watchDir(ctx, dir, file, d, func() { retry = watchRetryMin })
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("config watcher failed, recreating", logx.Err(err), logx.Duration("in", retry))
		t := time.NewTimer(retry + rand.N(retry/2+1))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		retry = min(retry*2, watchRetryMax)
	}
}

// watchDir runs one fsnotify watcher until it breaks or ctx is done.
// healthy is called once the watch is established.
func (m *Manager) watchDir(ctx context.Context, dir, file string, d *debouncer, healthy func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	healthy()
	m.log.Debug("watching config", logx.String("dir", dir), logx.String("file", file))

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if ev.Op&relevant != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				d.trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; the file may have changed.
				d.trigger()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		}
	}
}

// debouncer runs fn once after a burst of triggers has been quiet for delay.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
