package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// delayedSchedule holds back the first activation of base until notBefore.
// Interval schedules fire exactly at notBefore; cron schedules fire at
// their first slot after it.
type delayedSchedule struct {
	base        cron.Schedule
	notBefore   time.Time
	fireAtStart bool
}

func (s *delayedSchedule) Next(t time.Time) time.Time {
	if s.notBefore.IsZero() || !t.Before(s.notBefore) {
		return s.base.Next(t)
	}
	if s.fireAtStart {
		return s.notBefore
	}
	return s.base.Next(s.notBefore.Add(-time.Nanosecond))
}
