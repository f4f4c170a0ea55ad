package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fedtrain/internal/training"
	logx "fedtrain/pkg/logx"

	"golang.org/x/time/rate"
)

// GateConfig holds host-wide thresholds.
type GateConfig struct {
	// MinBatteryPct applies to tasks requiring battery-not-low while discharging.
	MinBatteryPct int
	// MaxThermalC applies to every run. Zero disables the check.
	MaxThermalC float64
	// ProbeEvery bounds how often the probe is consulted.
	ProbeEvery time.Duration
}

func (c GateConfig) withDefaults() GateConfig {
	if c.MinBatteryPct <= 0 {
		c.MinBatteryPct = 20
	}
	if c.ProbeEvery <= 0 {
		c.ProbeEvery = 30 * time.Second
	}
	return c
}

// Reading is a cached snapshot of all probes. A nil pointer field is unknown.
type Reading struct {
	BatteryPct *int
	Charging   bool
	ThermalC   *float64
	Idle       *bool
	Unmetered  *bool
	At         time.Time
}

// Gate decides whether a task's constraints are currently met.
type Gate struct {
	mu        sync.Mutex
	cfg       GateConfig
	probe     Probe
	log       logx.Logger
	sometimes *rate.Sometimes
	last      Reading
}

func NewGate(cfg GateConfig, probe Probe, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Gate{
		cfg:       cfg,
		probe:     probe,
		log:       log.With(logx.String("comp", "device")),
		sometimes: &rate.Sometimes{Interval: cfg.ProbeEvery},
	}
}

// Apply swaps thresholds and forces a fresh probe on the next check.
func (g *Gate) Apply(cfg GateConfig) {
	cfg = cfg.withDefaults()
	g.mu.Lock()
	g.cfg = cfg
	g.sometimes = &rate.Sometimes{Interval: cfg.ProbeEvery}
	g.mu.Unlock()
}

// Read returns the cached reading, probing when the cache is older than
// ProbeEvery.
func (g *Gate) Read(ctx context.Context) Reading {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.probe == nil {
		return g.last
	}
	g.sometimes.Do(func() { g.last = g.probeAll(ctx) })
	return g.last
}

func (g *Gate) probeAll(ctx context.Context) Reading {
	r := Reading{At: time.Now()}
	if pct, charging, err := g.probe.Battery(ctx); err == nil {
		r.BatteryPct, r.Charging = &pct, charging
	} else if !errors.Is(err, ErrUnknown) {
		g.log.Debug("battery probe failed", logx.Err(err))
	}
	if c, err := g.probe.ThermalC(ctx); err == nil {
		r.ThermalC = &c
	} else if !errors.Is(err, ErrUnknown) {
		g.log.Debug("thermal probe failed", logx.Err(err))
	}
	if idle, err := g.probe.Idle(ctx); err == nil {
		r.Idle = &idle
	}
	if un, err := g.probe.Unmetered(ctx); err == nil {
		r.Unmetered = &un
	}
	return r
}

// Check reports unmet conditions for c. An empty result means the run may
// proceed.
func (g *Gate) Check(ctx context.Context, c training.Constraints) []string {
	r := g.Read(ctx)
	g.mu.Lock()
	cfg := g.cfg
	g.mu.Unlock()

	var unmet []string
	if cfg.MaxThermalC > 0 && r.ThermalC != nil && *r.ThermalC > cfg.MaxThermalC {
		unmet = append(unmet, fmt.Sprintf("thermal %.1fC above %.1fC", *r.ThermalC, cfg.MaxThermalC))
	}
	if c.RequireBatteryNotLow && r.BatteryPct != nil && !r.Charging && *r.BatteryPct < cfg.MinBatteryPct {
		unmet = append(unmet, fmt.Sprintf("battery %d%% below %d%%", *r.BatteryPct, cfg.MinBatteryPct))
	}
	if c.RequireIdle && r.Idle != nil && !*r.Idle {
		unmet = append(unmet, "host not idle")
	}
	if c.RequireUnmeteredNetwork && r.Unmetered != nil && !*r.Unmetered {
		unmet = append(unmet, "network metered")
	}
	return unmet
}
