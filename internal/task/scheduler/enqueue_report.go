package scheduler

import (
	"errors"
	"time"

	"foremanbot/internal/task/engine"
	logx "foremanbot/pkg/logx"
)

// A full queue would otherwise warn on every trigger of a fast schedule.
const enqueueWarnEvery = 5 * time.Second

// reportEnqueueError logs a trigger that could not become a task. Overlap
// skips are routine: a sweep can outlast its period.
func (s *Service) reportEnqueueError(name string, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, engine.ErrOverlapSkip):
		s.log.Debug("trigger skipped, previous run active", logx.String("schedule", name))
		return
	}
	if !s.shouldWarn(name, time.Now()) {
		return
	}
	s.log.Warn("trigger not enqueued", logx.String("schedule", name), logx.Err(err))
}

func (s *Service) shouldWarn(name string, now time.Time) bool {
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	if last, ok := s.warned[name]; ok && now.Sub(last) < enqueueWarnEvery {
		return false
	}
	s.warned[name] = now
	return true
}
