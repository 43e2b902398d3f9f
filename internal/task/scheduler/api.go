package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"foremanbot/internal/task/engine"
	logx "foremanbot/pkg/logx"
)

// ErrNotFound is returned for a name with no registered schedule.
var ErrNotFound = errors.New("schedule not found")

// AddSchedule registers job under name using any format ParseSchedule
// accepts. Triggers skip while a previous run is queued or running.
func (s *Service) AddSchedule(name, schedule string, initialDelay, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return s.AddScheduleOpt(name, schedule, initialDelay, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddScheduleOpt(name, schedule string, initialDelay, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCronOpt(name, ps.Cron, initialDelay, timeout, opt, job)
	case SpecInterval:
		return s.AddIntervalOpt(name, ps.Every, initialDelay, timeout, opt, job)
	default:
		return "", errors.New("unsupported schedule kind")
	}
}

func (s *Service) AddCronOpt(name, spec string, initialDelay, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("cron %q: %w", spec, err)
	}
	return s.upsert(scheduleDef{
		id:           fmt.Sprintf("cron:%d", time.Now().UnixNano()),
		name:         name,
		spec:         spec,
		initialDelay: initialDelay,
		timeout:      timeout,
		job:          job,
		opt:          opt,
	})
}

func (s *Service) AddInterval(name string, every, initialDelay, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return s.AddIntervalOpt(name, every, initialDelay, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddIntervalOpt(name string, every, initialDelay, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	if every <= 0 {
		return "", errors.New("interval must be > 0")
	}
	return s.upsert(scheduleDef{
		id:           fmt.Sprintf("interval:%d", time.Now().UnixNano()),
		name:         name,
		spec:         "@every " + every.String(),
		initialDelay: initialDelay,
		timeout:      timeout,
		job:          job,
		opt:          opt,
	})
}

// upsert replaces any schedule with the same name so repeated
// registrations (config reloads) never duplicate triggers. The overlap
// state survives the replacement, so a run in flight still blocks the next.
func (s *Service) upsert(d scheduleDef) (string, error) {
	d.name = strings.TrimSpace(d.name)
	if d.name == "" {
		return "", errors.New("name required")
	}
	if d.job == nil {
		return "", errors.New("job required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, old := range s.defs {
		if old.name == d.name {
			d.state = old.state
		}
	}
	if d.state == nil {
		d.state = &engine.RunState{}
	}
	s.removeScheduleLocked(d.name)
	s.defs = append(s.defs, d)
	if s.c == nil {
		return d.name, nil
	}
	def := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(def); err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return d.name, err
	}
	s.log.Debug("schedule registered",
		logx.String("name", d.name),
		logx.String("spec", d.spec),
		logx.Duration("initial_delay", d.initialDelay),
		logx.Time("next", s.c.Entry(def.entryID).Next),
	)
	return d.name, nil
}

// Reschedule keeps the job and options of name and changes when it runs
// and how long a run may take.
func (s *Service) Reschedule(name, schedule string, initialDelay, timeout time.Duration) error {
	s.mu.Lock()
	var cur *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			d := s.defs[i]
			cur = &d
		}
	}
	s.mu.Unlock()
	if cur == nil {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	_, err := s.AddScheduleOpt(name, schedule, initialDelay, timeout, cur.opt, cur.job)
	return err
}

// Trigger enqueues the job of name right away, outside its schedule.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	var task engine.Task
	found := false
	for _, d := range s.defs {
		if d.name == name {
			task, found = s.taskFor(d), true
		}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if s.engine == nil {
		return engine.ErrStopped
	}
	return s.engine.Enqueue(task)
}

// Remove unschedules name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeScheduleLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) taskFor(d scheduleDef) engine.Task {
	return engine.Task{
		Name:    d.name,
		Timeout: d.timeout,
		Run:     d.job,
		Opt:     d.opt,
		State:   d.state,
	}
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	job := cron.FuncJob(func() {
		if s.engine == nil {
			return
		}
		if err := s.engine.Enqueue(s.taskFor(def)); err != nil {
			s.reportEnqueueError(def.name, err)
		}
	})

	var (
		base     cron.Schedule
		interval bool
	)
	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		dur, err := time.ParseDuration(strings.TrimSpace(every))
		if err != nil {
			return err
		}
		base, interval = cron.Every(dur), true
	} else {
		sched, err := s.parser.Parse(d.spec)
		if err != nil {
			return err
		}
		base = sched
	}

	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	sched := cron.Schedule(base)
	if d.initialDelay > 0 {
		sched = &delayedSchedule{base: base, notBefore: time.Now().In(loc).Add(d.initialDelay), fireAtStart: interval}
	}
	d.entryID = s.c.Schedule(sched, job)
	return nil
}
