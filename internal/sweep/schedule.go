package sweep

import (
	"errors"
	"time"

	"foremanbot/internal/task/scheduler"
)

// Timing is the sweep's place on the scheduler.
type Timing struct {
	// Period accepts anything scheduler.ParseSchedule does.
	Period       string
	InitialDelay time.Duration
	// Timeout bounds a whole sweep; zero means the engine default.
	Timeout time.Duration
}

// Schedule registers the sweep, replacing any earlier registration.
func (s *Sweeper) Schedule(sched *scheduler.Service, t Timing) error {
	_, err := sched.AddScheduleOpt(JobName, t.Period, t.InitialDelay, t.Timeout, scheduler.TaskOptions{
		Overlap:  scheduler.OverlapSkipIfRunning,
		RetryMax: -1,
	}, s.Run)
	return err
}

// Reschedule moves the registered sweep to t. A sweep that never got
// registered, e.g. because its first period was rejected, is registered now.
func (s *Sweeper) Reschedule(sched *scheduler.Service, t Timing) error {
	err := sched.Reschedule(JobName, t.Period, t.InitialDelay, t.Timeout)
	if errors.Is(err, scheduler.ErrNotFound) {
		return s.Schedule(sched, t)
	}
	return err
}

// RunNow queues one sweep outside the schedule. Overlap gating still
// applies, so it is skipped while a sweep is running.
func (s *Sweeper) RunNow(sched *scheduler.Service) error {
	return sched.Trigger(JobName)
}
