package app

import (
	"context"
	"strings"

	"fedtrain/internal/config"
	"fedtrain/internal/training/policy"
	logx "fedtrain/pkg/logx"
)

// reloadLoop applies committed config snapshots until ctx ends. Bursts are
// coalesced to the newest snapshot.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			next = cfg
		}
	drain:
		for {
			select {
			case newer, ok := <-sub:
				if !ok {
					break drain
				}
				if newer != nil {
					next = newer
				}
			default:
				break drain
			}
		}
		if next == nil {
			continue
		}
		a.applyConfig(ctx, last, next)
		last = next
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	rt, err := next.Resolve()
	if err != nil {
		a.log.Warn("config reload skipped", logx.Err(err))
		return
	}
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(prev, next); len(restart) > 0 {
		a.log.Warn("config sections need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(rt.Logging)
	a.engine.Apply(rt.Engine)
	a.sched.Apply(rt.Scheduler)
	a.jobs.ApplyPolicy(policy.New(rt.Policy))
	a.gate.Apply(rt.Gate)
	a.trainer.Apply(rt.Trainer)
	a.callback.Apply(rt.Callback)
	if a.house.Apply(rt.Housekeeping) {
		if err := a.house.Register(a.sched); err != nil {
			a.log.Warn("housekeeping re-register failed", logx.Err(err))
		}
	}
	a.api.Reconfigure(ctx, rt.HTTP)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
