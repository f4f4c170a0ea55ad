// Package callback delivers run results to a vendor handler on a best-effort
// basis: queue, worker pool, rate limit and jittered retry. A failure here
// never changes a run's recorded outcome.
package callback

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"fedtrain/internal/eventbus"
	rtsup "fedtrain/internal/runtime/supervisor"
	logx "fedtrain/pkg/logx"

	"golang.org/x/time/rate"
)

// Service is safe for concurrent use. A Service without a handler accepts and
// discards every result.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	handler Handler
	bus     eventbus.Bus
	limiter *rate.Limiter

	queue     chan Result
	accepting bool
	sendWG    sync.WaitGroup
	sup       *rtsup.Supervisor
}

func New(cfg Config, handler Handler, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{handler: handler, log: log.With(logx.String("comp", "callback")), bus: bus}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes are not delayed.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.queue != nil || s.handler == nil {
		s.mu.Unlock()
		return
	}
	q := make(chan Result, s.cfg.QueueSize)
	s.queue, s.accepting = q, true
	workers := s.cfg.Workers
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			if c.Err() != nil {
				return c.Err()
			}
			// The queue closes only on Stop.
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop refuses new results and drains the queue until ctx expires, after
// which outstanding deliveries are interrupted.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("callback drain timed out; interrupting deliveries", logx.Err(err))
	}
	sup.Cancel()
	_ = sup.Wait(context.Background())

	s.mu.Lock()
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
}

// Notify queues r without blocking.
func (s *Service) Notify(ctx context.Context, r Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.handler == nil {
		s.mu.Unlock()
		return nil
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- r:
		return nil
	default:
		s.publish(EventFailed, Event{RunID: r.RunID, JobID: r.JobID, Category: CategoryQueueFull, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, r)
		}
	}
}

// deliver calls the handler, retrying transport failures only.
func (s *Service) deliver(ctx context.Context, r Result) {
	s.mu.Lock()
	cfg, lim, h := s.cfg, s.limiter, s.handler
	s.mu.Unlock()

	log := s.log.With(logx.JobID(r.JobID), logx.String("run_id", r.RunID))
	maxAttempts := 1 + cfg.RetryMax
	var err error
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		if err = lim.Wait(ctx); err != nil {
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		err = h.OnResult(callCtx, r)
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			// A hung handler is a transport failure, not a shutdown.
			err = fmt.Errorf("%w after %s: %v", ErrCallTimeout, cfg.CallTimeout, err)
		}
		cancel()
		if err == nil {
			log.Debug("callback delivered", logx.Int("attempt", attempt))
			s.publish(EventDelivered, Event{RunID: r.RunID, JobID: r.JobID, Attempts: attempt})
			return
		}
		if !Categorize(err).retryable() || attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		log.Debug("callback retry scheduled", logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			err = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}

	cat := Categorize(err)
	log.Warn("callback failed", logx.String("category", string(cat)), logx.Int("attempts", attempt), logx.Err(err))
	s.publish(EventFailed, Event{RunID: r.RunID, JobID: r.JobID, Category: cat, Attempts: attempt, Error: err.Error()})
}

func (s *Service) publish(typ string, ev Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

// retryDelay is base * 2^(attempt-1) with 0.7..1.3 jitter, capped.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
