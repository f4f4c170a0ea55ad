package scheduler

import (
	"errors"
	"time"

	"fedtrain/internal/task/engine"
	logx "fedtrain/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// A trigger landing on an in-flight run is routine.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("trigger skipped: run in flight", logx.String("task", name))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("trigger failed to enqueue task", logx.String("task", name), logx.Err(err))
}
