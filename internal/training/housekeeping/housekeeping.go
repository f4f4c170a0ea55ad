// Package housekeeping purges expired auth tokens, stale task history and
// kept checkpoints on a schedule.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logx "fedtrain/pkg/logx"
)

// JobName is the schedule name used with the scheduler.
const JobName = "housekeeping"

type Config struct {
	// Schedule is a cron expression or interval ("every:1h", "30m").
	Schedule      string
	HistoryTTL    time.Duration
	CheckpointTTL time.Duration
	Timeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "every:1h"
	}
	if c.HistoryTTL <= 0 {
		c.HistoryTTL = 30 * 24 * time.Hour
	}
	if c.CheckpointTTL <= 0 {
		c.CheckpointTTL = 24 * time.Hour
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
	return c
}

type Store interface {
	DeleteExpiredAuthTokens(ctx context.Context, now time.Time) (int64, error)
	DeleteHistoryOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CheckpointPurger removes kept checkpoints older than a cutoff.
type CheckpointPurger interface {
	Purge(cutoff time.Time) (int64, error)
}

// Registrar hosts periodic jobs.
type Registrar interface {
	AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error
	Remove(name string) bool
}

// Result counts rows removed by one pass.
type Result struct {
	Tokens      int64
	History     int64
	Checkpoints int64
}

type Service struct {
	mu    sync.Mutex
	cfg   Config
	store Store
	ckpts CheckpointPurger
	log   logx.Logger
	now   func() time.Time
}

type Option func(*Service)

// WithCheckpoints adds kept checkpoints to every pass.
func WithCheckpoints(p CheckpointPurger) Option { return func(s *Service) { s.ckpts = p } }

func New(cfg Config, store Store, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg.withDefaults(), store: store, log: log.With(logx.String("comp", "housekeeping")), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the config and returns whether the schedule changed.
func (s *Service) Apply(cfg Config) bool {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := cfg.Schedule != s.cfg.Schedule || cfg.Timeout != s.cfg.Timeout
	s.cfg = cfg
	return changed
}

// Register (re)installs the periodic pass on reg.
func (s *Service) Register(reg Registrar) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if err := reg.AddSchedule(JobName, cfg.Schedule, cfg.Timeout, func(ctx context.Context) error {
		_, err := s.RunOnce(ctx, s.now())
		return err
	}); err != nil {
		return fmt.Errorf("register housekeeping: %w", err)
	}
	return nil
}

// RunOnce deletes tokens expired at now, history older than now-HistoryTTL
// and kept checkpoints older than now-CheckpointTTL.
func (s *Service) RunOnce(ctx context.Context, now time.Time) (Result, error) {
	s.mu.Lock()
	ttl, ckptTTL := s.cfg.HistoryTTL, s.cfg.CheckpointTTL
	s.mu.Unlock()

	var res Result
	var errs []error
	n, err := s.store.DeleteExpiredAuthTokens(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("purge auth tokens: %w", err))
	}
	res.Tokens = n
	n, err = s.store.DeleteHistoryOlderThan(ctx, now.Add(-ttl))
	if err != nil {
		errs = append(errs, fmt.Errorf("purge task history: %w", err))
	}
	res.History = n
	if s.ckpts != nil {
		n, err = s.ckpts.Purge(now.Add(-ckptTTL))
		if err != nil {
			errs = append(errs, fmt.Errorf("purge checkpoints: %w", err))
		}
		res.Checkpoints = n
	}

	if err := errors.Join(errs...); err != nil {
		s.log.Warn("housekeeping pass incomplete", logx.Err(err))
		return res, err
	}
	if res.Tokens > 0 || res.History > 0 || res.Checkpoints > 0 {
		s.log.Info("housekeeping purged rows", logx.Int64("tokens", res.Tokens), logx.Int64("history", res.History), logx.Int64("checkpoints", res.Checkpoints))
	} else {
		s.log.Debug("housekeeping found nothing to purge")
	}
	return res, nil
}
