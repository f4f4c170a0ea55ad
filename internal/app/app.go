// Package app wires the training daemon: storage, the run engine and its
// scheduler, the job manager, the trainer and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fedtrain/internal/api"
	"fedtrain/internal/compute"
	"fedtrain/internal/config"
	"fedtrain/internal/device"
	"fedtrain/internal/eventbus"
	"fedtrain/internal/observability/metrics"
	"fedtrain/internal/protocol"
	rtsup "fedtrain/internal/runtime/supervisor"
	"fedtrain/internal/storage"
	"fedtrain/internal/task/engine"
	"fedtrain/internal/task/scheduler"
	"fedtrain/internal/training/callback"
	"fedtrain/internal/training/eligibility"
	"fedtrain/internal/training/housekeeping"
	"fedtrain/internal/training/jobmanager"
	"fedtrain/internal/training/policy"
	"fedtrain/internal/training/trainer"
	logx "fedtrain/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine   *engine.Service
	sched    *scheduler.Service
	jobs     *jobmanager.Manager
	gate     *device.Gate
	callback *callback.Service
	trainer  *trainer.Trainer
	house    *housekeeping.Service
	metrics  *metrics.Metrics
	api      *api.Server
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	rt, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(rt.Logging)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root)

	store, err := storage.Open(rt.Storage, root)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()
	eng := engine.New(rt.Engine, root, bus)
	sched := scheduler.New(rt.Scheduler, eng, root, bus)
	jobs := jobmanager.New(store, sched, policy.New(rt.Policy), root, jobmanager.WithBus(bus))
	gate := device.NewGate(rt.Gate, device.NewSysfs(rt.SysfsRoot), root)

	var handler callback.Handler
	if rt.CallbackURL != "" {
		handler = callback.NewWebhook(rt.CallbackURL, rt.CallbackTok, rt.Callback.CallTimeout)
	}
	cb := callback.New(rt.Callback, handler, root, bus)

	ckpts := compute.CheckpointStore{Dir: rt.CheckpointDir}
	tr := trainer.New(rt.Trainer, trainer.Deps{
		Jobs:        jobs,
		Store:       store,
		Protocol:    protocol.NewHTTPClient(rt.ProtocolURL, rt.ProtocolTO, root),
		Eligibility: eligibility.New(store),
		Gate:        gate,
		Env:         compute.NewProcessEnv(rt.Compute, root),
		Examples:    compute.DirStore{Root: rt.ExamplesDir},
		Callback:    cb,
		Checkpoints: ckpts,
		Bus:         bus,
	}, root)
	sched.SetRunner(tr)

	m := metrics.New(root)
	m.TrackInFlight(tr.InFlight)
	m.TrackBusDrops(bus)

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		engine:   eng,
		sched:    sched,
		jobs:     jobs,
		gate:     gate,
		callback: cb,
		trainer:  tr,
		house:    housekeeping.New(rt.Housekeeping, store, root, housekeeping.WithCheckpoints(ckpts)),
		metrics:  m,
	}
	a.api = api.New(rt.HTTP, api.Deps{Jobs: jobs, Metrics: m.Handler(), Health: a.health}, root)
	return a, nil
}

// Jobs exposes the scheduling API for in-process callers.
func (a *App) Jobs() *jobmanager.Manager { return a.jobs }

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() error {
	if a.sup == nil {
		return errors.New("not started")
	}
	if err := a.sup.Context().Err(); err != nil {
		return err
	}
	return a.sup.Err()
}

// Start runs the components and re-arms every persisted task.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.engine.Start(c)
	a.sched.Start(c)
	a.callback.Start(c)

	if err := a.house.Register(a.sched); err != nil {
		return fmt.Errorf("register housekeeping: %w", err)
	}
	n, err := a.jobs.RearmAll(c)
	if err != nil {
		return fmt.Errorf("rearm tasks: %w", err)
	}
	a.log.Info("tasks re-armed", logx.Int("count", n))

	a.sup.Go("metrics.consume", func(c context.Context) error { return a.metrics.Consume(c, a.bus) })
	a.sup.Go("eventbus.log", a.logEvents)
	a.api.Start(c)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// Stop shuts components down in dependency order. Each step is bounded so
// one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Runs must see cancellation before the engine drops their workers.
	a.step(ctx, "api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "trainer", 5*time.Second, a.trainer.Stop)
	a.step(ctx, "engine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "callback", 3*time.Second, func(c context.Context) error { a.callback.Stop(c); return nil })

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = rem
		}
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
