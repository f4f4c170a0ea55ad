package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"fedtrain/internal/task/engine"
	logx "fedtrain/pkg/logx"

	"github.com/robfig/cron/v3"
)

// AddSchedule registers a periodic job from a cron expression or duration
// string, replacing any schedule with the same name.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	return s.add(name, ps, timeout, job)
}

// AddInterval registers job to run every interval.
func (s *Service) AddInterval(name string, every, timeout time.Duration, job func(ctx context.Context) error) error {
	if every <= 0 {
		return errors.New("interval must be > 0")
	}
	return s.add(name, ParsedSpec{Kind: SpecInterval, Every: every}, timeout, job)
}

func (s *Service) add(name string, ps ParsedSpec, timeout time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{name: name, spec: ps, timeout: timeout, job: job})
	if s.c == nil {
		// Registered with cron on Start.
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		s.defs = s.defs[:len(s.defs)-1]
		return err
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", ps.String()), logx.Time("next", s.c.Entry(d.entryID).Next))
	return nil
}

// Remove unregisters the named periodic schedule.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
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

// addCronLocked wires d into the running cron. Call with s.mu held.
func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, run := d.name, d.timeout, d.job
	job := cron.FuncJob(func() {
		if s.engine == nil {
			return
		}
		err := s.engine.Enqueue(engine.Task{
			Name:    name,
			Timeout: timeout,
			Run:     run,
			Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		})
		s.reportEnqueueError(name, err)
	})

	if d.spec.Kind == SpecInterval {
		d.entryID = s.c.Schedule(intervalWithSpread(d.spec.Every, time.Now().In(s.location()), name), job)
		return nil
	}
	id, err := s.c.AddJob(d.spec.Cron, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}
