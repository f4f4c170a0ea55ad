package scheduler

import (
	"context"
	"errors"
	"strconv"
	"time"

	"fedtrain/internal/task/engine"
	"fedtrain/internal/training"
	logx "fedtrain/pkg/logx"
)

// TaskName is the engine task name used for a job's training run.
func TaskName(jobID int64) string { return "train:" + strconv.FormatInt(jobID, 10) }

// Arm upserts the one-shot wake-up for jobID. The alarm fires no earlier than
// minLatency from now; re-arming replaces any pending alarm for the job.
func (s *Service) Arm(ctx context.Context, jobID int64, minLatency time.Duration, constraints training.Constraints) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if jobID <= 0 {
		return ErrInvalidJobID
	}
	if minLatency < 0 {
		return ErrNegativeLatency
	}
	s.mu.Lock()
	closed, started := s.closed, s.started
	s.mu.Unlock()
	if closed {
		return ErrStopped
	}

	at := time.Now().Add(minLatency)
	s.tmu.Lock()
	if prev := s.alarms[jobID]; prev != nil && prev.timer != nil {
		prev.timer.Stop()
	}
	s.ver++
	a := &alarm{at: at, constraints: constraints, ver: s.ver}
	s.alarms[jobID] = a
	if started {
		s.startTimerLocked(jobID, a)
	}
	s.tmu.Unlock()

	s.log.Debug("alarm armed", logx.JobID(jobID), logx.Duration("min_latency", minLatency), logx.Time("at", at))
	s.publish(EventAlarmArmed, ArmEvent{JobID: jobID, MinLatency: minLatency, At: at, Constraints: constraints})
	return nil
}

// Cancel removes a pending alarm. It reports whether one existed.
func (s *Service) Cancel(jobID int64) bool {
	s.tmu.Lock()
	a, ok := s.alarms[jobID]
	if ok {
		if a.timer != nil {
			a.timer.Stop()
		}
		delete(s.alarms, jobID)
	}
	s.tmu.Unlock()
	if ok {
		s.log.Debug("alarm cancelled", logx.JobID(jobID))
		s.publish(EventAlarmCancel, ArmEvent{JobID: jobID, At: a.at})
	}
	return ok
}

// startTimerLocked starts the runtime timer for a. Call with s.tmu held.
func (s *Service) startTimerLocked(jobID int64, a *alarm) {
	if a.timer != nil {
		return
	}
	delay := time.Until(a.at)
	if delay < 0 {
		delay = 0
	}
	ver := a.ver
	a.timer = time.AfterFunc(delay, func() { s.fire(jobID, ver) })
}

func (s *Service) fire(jobID int64, ver uint64) {
	s.tmu.Lock()
	a := s.alarms[jobID]
	// Replaced or cancelled since this timer was started.
	if a == nil || a.ver != ver {
		s.tmu.Unlock()
		return
	}
	delete(s.alarms, jobID)
	s.tmu.Unlock()

	s.mu.Lock()
	runner, eng, cfg, closed := s.runner, s.engine, s.cfg, s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.publish(EventAlarmFired, ArmEvent{JobID: jobID, At: a.at, Constraints: a.constraints})

	name := TaskName(jobID)
	if runner == nil || eng == nil {
		s.reportEnqueueError(name, ErrRunnerNotAttached)
		return
	}
	err := eng.Enqueue(engine.Task{
		Name:    name,
		Timeout: cfg.RunTimeout,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			// The job manager owns the retry cadence.
			return engine.NoRetry(runner.Run(ctx, jobID))
		},
	})
	if err == nil {
		return
	}
	s.reportEnqueueError(name, err)
	if errors.Is(err, engine.ErrQueueFull) {
		// Try again later unless someone re-armed the job meanwhile.
		s.tmu.Lock()
		_, rearmed := s.alarms[jobID]
		s.tmu.Unlock()
		if !rearmed {
			_ = s.Arm(context.Background(), jobID, cfg.RequeueDelay, a.constraints)
		}
	}
}
