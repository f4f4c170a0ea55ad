package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fedtrain/internal/eventbus"
	"fedtrain/internal/storage"
	"fedtrain/internal/training"
	"fedtrain/internal/training/policy"
	logx "fedtrain/pkg/logx"
)

// WakeScheduler is the deferred-execution scheduler the manager arms. The
// manager never assumes an alarm fires exactly once or exactly on time.
type WakeScheduler interface {
	Arm(ctx context.Context, jobID int64, minLatency time.Duration, constraints training.Constraints) error
	Cancel(jobID int64) bool
}

// StartRequest is the caller-facing "start training" input.
type StartRequest struct {
	Owner          training.OwnerIdentity
	PopulationName string
	JobID          int64
	ServerAddress  string
	Interval       *training.IntervalSpec
	Constraints    *training.Constraints
	Context        []byte
}

func (r StartRequest) validate() error {
	if r.JobID <= 0 {
		return invalid("job_id", "must be > 0")
	}
	if strings.TrimSpace(r.PopulationName) == "" {
		return invalid("population_name", "is required")
	}
	if strings.TrimSpace(r.Owner.PackageName) == "" {
		return invalid("owner.package_name", "is required")
	}
	if r.Interval != nil {
		if err := r.Interval.Validate(); err != nil {
			return invalid("interval.mode", err.Error())
		}
		if r.Interval.MinimumInterval < 0 {
			return invalid("interval.minimum_interval", "must be >= 0")
		}
	}
	return nil
}

// Completion describes a finished run, successful or not.
type Completion struct {
	JobID          int64
	PopulationName string
	TaskName       string
	Consumptions   []training.ExampleConsumption
	Result         training.ContributionResult
}

// ScheduledEvent is published after a wake-up was armed for a task.
type ScheduledEvent struct {
	JobID      int64                     `json:"job_id"`
	Population string                    `json:"population"`
	Reason     training.SchedulingReason `json:"reason"`
	Earliest   time.Time                 `json:"earliest"`
}

const (
	EventScheduled = "training.scheduled"
	EventRemoved   = "training.removed"
)

type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithBus(bus eventbus.Bus) Option { return func(m *Manager) { m.bus = bus } }

type Manager struct {
	store storage.Store
	sched WakeScheduler
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	pmu    sync.RWMutex
	policy policy.Policy

	locks keyLocks
}

func New(store storage.Store, sched WakeScheduler, pol policy.Policy, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		store:  store,
		sched:  sched,
		log:    log.With(logx.String("comp", "jobmanager")),
		now:    time.Now,
		policy: pol,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ApplyPolicy swaps scheduling bounds. Already-armed tasks keep their times.
func (m *Manager) ApplyPolicy(p policy.Policy) {
	m.pmu.Lock()
	m.policy = p
	m.pmu.Unlock()
}

func (m *Manager) currentPolicy() policy.Policy {
	m.pmu.RLock()
	defer m.pmu.RUnlock()
	return m.policy
}

// Start registers or refreshes a task and arms its wake-up. Either the task
// is durably updated and armed, or neither happens and an error is returned.
func (m *Manager) Start(ctx context.Context, req StartRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	unlock := m.locks.lock(req.JobID)
	defer unlock()

	prev, err := m.store.GetTask(ctx, req.JobID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	now := m.now()
	next, rearm, err := m.reconcile(prev, req, now)
	if err != nil {
		return err
	}

	if err := m.store.UpsertTask(ctx, next); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !rearm {
		m.log.Debug("re-registration kept schedule", logx.JobID(req.JobID), logx.Time("earliest", next.EarliestNextRun))
	}
	if err := m.arm(ctx, next, now); err != nil {
		m.rollback(ctx, prev, next.JobID)
		return err
	}
	return nil
}

// StartAsync runs Start on its own goroutine and delivers the result.
func (m *Manager) StartAsync(ctx context.Context, req StartRequest) <-chan error {
	out := make(chan error, 1)
	go func() { out <- m.Start(ctx, req) }()
	return out
}

// reconcile builds the task row to persist for req. rearm is false when the
// stored schedule was kept as is.
func (m *Manager) reconcile(prev *training.TrainingTask, req StartRequest, now time.Time) (*training.TrainingTask, bool, error) {
	pol := m.currentPolicy()

	// A different population under the same job id is a new task identity.
	if prev == nil || prev.PopulationName != req.PopulationName {
		if prev != nil {
			m.log.Info("population changed, superseding task", logx.JobID(req.JobID),
				logx.String("old", prev.PopulationName), logx.Population(req.PopulationName))
		}
		var constraints training.Constraints
		if req.Constraints != nil {
			constraints = *req.Constraints
		}
		t, err := training.NewTrainingTask(req.JobID, req.Owner, req.PopulationName, req.Interval, constraints,
			now, pol.EarliestNextRun(now, req.Interval), training.ReasonNewTask)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		applyMetadata(t, req)
		return t, true, nil
	}

	t := prev.Clone()
	applyMetadata(t, req)
	t.LastScheduled = now

	if !prev.Interval.Equal(req.Interval) {
		t.EarliestNextRun = pol.EarliestNextRun(now, req.Interval)
		t.Reason = training.ReasonIntervalChanged
		return t, true, nil
	}
	// Same registration: keep earliest next run so backoff is not reset,
	// unless it already passed.
	if t.EarliestNextRun.Before(now) {
		t.EarliestNextRun = pol.EarliestNextRun(now, req.Interval)
		return t, true, nil
	}
	return t, false, nil
}

func applyMetadata(t *training.TrainingTask, req StartRequest) {
	t.Owner = req.Owner
	t.PopulationName = req.PopulationName
	t.ServerAddress = req.ServerAddress
	t.Context = append([]byte(nil), req.Context...)
	if len(t.Context) == 0 {
		t.Context = nil
	}
	if req.Interval != nil {
		iv := *req.Interval
		t.Interval = &iv
	} else {
		t.Interval = nil
	}
	if req.Constraints != nil {
		t.Constraints = *req.Constraints
	}
}

func (m *Manager) arm(ctx context.Context, t *training.TrainingTask, now time.Time) error {
	latency := t.EarliestNextRun.Sub(now)
	if latency < 0 {
		latency = 0
	}
	if err := m.sched.Arm(ctx, t.JobID, latency, t.Constraints); err != nil {
		return fmt.Errorf("%w: job %d: %v", ErrSchedule, t.JobID, err)
	}
	m.log.Debug("wake-up armed", logx.JobID(t.JobID), logx.Duration("min_latency", latency), logx.String("reason", t.Reason.String()))
	m.publish(EventScheduled, ScheduledEvent{JobID: t.JobID, Population: t.PopulationName, Reason: t.Reason, Earliest: t.EarliestNextRun})
	return nil
}

// rollback restores the row that existed before a failed Start.
func (m *Manager) rollback(ctx context.Context, prev *training.TrainingTask, jobID int64) {
	// The caller's ctx may be what failed; the undo must still run.
	ctx = context.WithoutCancel(ctx)
	var err error
	if prev == nil {
		_, err = m.store.DeleteTask(ctx, jobID)
	} else {
		err = m.store.UpsertTask(ctx, prev)
	}
	if err != nil {
		m.log.Error("rollback after failed arm did not complete", logx.JobID(jobID), logx.Err(err))
	}
}

// OnTrainingStarted stamps the run start and returns a snapshot of the task.
// ErrNoTask means the run should abort without side effects.
func (m *Manager) OnTrainingStarted(ctx context.Context, jobID int64) (*training.TrainingTask, error) {
	unlock := m.locks.lock(jobID)
	defer unlock()

	t, err := m.store.GetTask(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if t == nil {
		return nil, ErrNoTask
	}
	t.LastRunStart = m.now()
	if err := m.store.UpsertTask(ctx, t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return t.Clone(), nil
}

// OnTrainingCompleted records the run end, then reschedules a recurrent task
// or removes a one-time task. A task deleted in the meantime is a no-op.
//
// A run stopped by device conditions never counted as an attempt, so the
// task is kept and retried after the default period whatever its interval.
func (m *Manager) OnTrainingCompleted(ctx context.Context, c Completion) error {
	unlock := m.locks.lock(c.JobID)
	defer unlock()

	t, err := m.store.GetTask(ctx, c.JobID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if t == nil || (c.PopulationName != "" && t.PopulationName != c.PopulationName) {
		m.log.Debug("completion for unknown task ignored", logx.JobID(c.JobID), logx.Population(c.PopulationName))
		return nil
	}

	now := m.now()
	t.LastRunEnd = now
	log := m.log.With(logx.JobID(c.JobID), logx.Population(t.PopulationName), logx.String("result", c.Result.String()))

	pol := m.currentPolicy()
	switch {
	case c.Result == training.ContributionDeviceConditions:
		t.EarliestNextRun = pol.RetryAfterConditions(now)
	case t.Interval.Recurrent():
		t.EarliestNextRun = pol.EarliestNextRun(now, t.Interval)
	default:
		if _, err := m.store.DeleteTask(ctx, c.JobID); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		m.sched.Cancel(c.JobID)
		log.Info("one-time task removed")
		m.publish(EventRemoved, ScheduledEvent{JobID: c.JobID, Population: t.PopulationName, Reason: t.Reason})
		return nil
	}

	t.LastScheduled = now
	t.Reason = policy.ReasonForCompletion(c.Result)
	t.RescheduleCount++
	if err := m.store.UpsertTask(ctx, t); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := m.arm(ctx, t, now); err != nil {
		// The row already carries the new time; boot re-arm picks it up.
		log.Warn("reschedule not armed", logx.Err(err))
		return err
	}
	log.Info("task rescheduled", logx.Time("earliest", t.EarliestNextRun), logx.Int("reschedules", t.RescheduleCount))
	return nil
}

// Cancel removes a task and its pending wake-up. It reports whether a task existed.
func (m *Manager) Cancel(ctx context.Context, jobID int64) (bool, error) {
	unlock := m.locks.lock(jobID)
	defer unlock()

	removed, err := m.store.DeleteTask(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	m.sched.Cancel(jobID)
	if removed == nil {
		return false, nil
	}
	m.log.Info("task cancelled", logx.JobID(jobID), logx.Population(removed.PopulationName))
	m.publish(EventRemoved, ScheduledEvent{JobID: jobID, Population: removed.PopulationName, Reason: removed.Reason})
	return true, nil
}

// RearmAll arms every stored task from its persisted earliest next run. Used
// at boot, since in-process alarms do not survive a restart.
func (m *Manager) RearmAll(ctx context.Context) (int, error) {
	tasks, err := m.store.ListTasks(ctx, storage.TaskFilter{})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	now := m.now()
	var errs []error
	n := 0
	for _, listed := range tasks {
		armed, err := m.rearm(ctx, listed.JobID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if armed {
			n++
		}
	}
	if n > 0 {
		m.log.Info("stored tasks re-armed", logx.Int("count", n))
	}
	return n, errors.Join(errs...)
}

// rearm arms jobID from the row as stored under its lock, so a Start or
// completion that landed after the listing is not overwritten.
func (m *Manager) rearm(ctx context.Context, jobID int64, now time.Time) (bool, error) {
	unlock := m.locks.lock(jobID)
	defer unlock()
	t, err := m.store.GetTask(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if t == nil {
		return false, nil
	}
	if err := m.arm(ctx, t, now); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) publish(typ string, ev ScheduledEvent) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: m.now(), Data: ev})
}
