package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"foremanbot/internal/task/engine"
)

// ScheduleInfo describes one registered schedule. Next and Prev are zero
// until the cron entry exists (after the initial delay).
type ScheduleInfo struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Spec         string        `json:"spec"`
	InitialDelay time.Duration `json:"initial_delay,omitempty"`
	Timeout      time.Duration `json:"timeout"`
	Running      bool          `json:"running"`
	Next         time.Time     `json:"next"`
	Prev         time.Time     `json:"prev"`
}

// Snapshot is the scheduler state reported by the ops /status endpoint.
type Snapshot struct {
	Timezone  string          `json:"timezone"`
	Engine    engine.Snapshot `json:"engine"`
	Schedules []ScheduleInfo  `json:"schedules"`
}

func (d scheduleDef) info(c *cron.Cron) ScheduleInfo {
	it := ScheduleInfo{
		ID:           d.id,
		Name:         d.name,
		Spec:         d.spec,
		InitialDelay: d.initialDelay,
		Timeout:      d.timeout,
		Running:      d.state.Running(),
	}
	if c != nil && d.entryID != 0 {
		e := c.Entry(d.entryID)
		it.Next, it.Prev = e.Next, e.Prev
	}
	return it
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defs := append([]scheduleDef(nil), s.defs...)
	c, eng := s.c, s.engine
	tz := s.cfg.Timezone
	if tz == "" && s.loc != nil {
		tz = s.loc.String()
	}
	s.mu.Unlock()

	if tz == "" {
		tz = time.Local.String()
	}
	snap := Snapshot{Timezone: tz, Schedules: make([]ScheduleInfo, 0, len(defs))}
	for _, d := range defs {
		snap.Schedules = append(snap.Schedules, d.info(c))
	}
	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}
