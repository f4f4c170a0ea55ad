package scheduler

import (
	"context"
	"sort"
	"strings"
	"time"

	"fedtrain/internal/eventbus"
	"fedtrain/internal/task/engine"
	logx "fedtrain/pkg/logx"

	"github.com/robfig/cron/v3"
)

func New(cfg Config, eng *engine.Service, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = 30 * time.Second
	}
	return &Service{
		cfg:         cfg,
		log:         log.With(logx.String("comp", "scheduler")),
		bus:         bus,
		engine:      eng,
		parser:      cronParser,
		alarms:      map[int64]*alarm{},
		lastEnqWarn: map[string]time.Time{},
	}
}

// SetRunner attaches the training run entry point invoked when an alarm fires.
func (s *Service) SetRunner(r Runner) {
	s.mu.Lock()
	s.runner = r
	s.mu.Unlock()
}

// Apply swaps the config; a timezone change rebuilds the cron instance.
func (s *Service) Apply(cfg Config) {
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = 30 * time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && tzChanged {
		<-s.c.Stop().Done()
		s.startCronLocked()
	}
}

// Start begins cron triggering and arms timers for alarms registered before Start.
func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.startCronLocked()
	s.mu.Unlock()

	s.tmu.Lock()
	for id, a := range s.alarms {
		s.startTimerLocked(id, a)
	}
	n := len(s.alarms)
	s.tmu.Unlock()

	s.log.Info("scheduler started", logx.String("tz", s.location().String()), logx.Int("alarms", n))
}

// Stop halts cron and every alarm timer. The scheduler cannot be restarted;
// later Arm calls fail with ErrStopped.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.closed = true
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	for _, a := range s.alarms {
		if a.timer != nil {
			a.timer.Stop()
			a.timer = nil
		}
	}
	s.tmu.Unlock()
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Snapshot returns armed alarms (sorted by fire time) and periodic schedules.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.c != nil, Timezone: s.location().String()}
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.name, Spec: d.spec.String()}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	s.mu.Unlock()

	s.tmu.Lock()
	for id, a := range s.alarms {
		snap.Alarms = append(snap.Alarms, AlarmInfo{JobID: id, At: a.at, Constraints: a.constraints})
	}
	s.tmu.Unlock()
	sort.Slice(snap.Alarms, func(i, j int) bool { return snap.Alarms[i].At.Before(snap.Alarms[j].At) })
	return snap
}

// startCronLocked builds a fresh cron instance and registers every def. Call with s.mu held.
func (s *Service) startCronLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) location() *time.Location {
	if s.loc == nil {
		return time.Local
	}
	return s.loc
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) publish(typ string, ev ArmEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
