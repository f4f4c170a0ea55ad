// Package policy computes when a training task may next run.
//
// Everything here is pure: callers pass the clock reading in, so results are
// deterministic and can be tested without storage or timers.
package policy

import (
	"time"

	"fedtrain/internal/training"
)

// Config holds the system-side bounds applied to caller-requested intervals.
type Config struct {
	// SystemDefaultPeriod is used for one-time or unset intervals.
	SystemDefaultPeriod time.Duration
	// ServerMaxInterval caps recurrent intervals. <= 0 disables the cap.
	ServerMaxInterval time.Duration
	// MinInterval floors recurrent intervals after capping. <= 0 means
	// DefaultMinInterval.
	MinInterval time.Duration
}

const (
	DefaultSystemPeriod = 200 * time.Second
	DefaultMinInterval  = time.Minute
)

func (c Config) withDefaults() Config {
	if c.SystemDefaultPeriod <= 0 {
		c.SystemDefaultPeriod = DefaultSystemPeriod
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.ServerMaxInterval > 0 && c.MinInterval > c.ServerMaxInterval {
		c.MinInterval = c.ServerMaxInterval
	}
	return c
}

// ComputeEarliestNextRun returns now + effective interval.
//
//   - one-time or unset: systemDefault
//   - recurrent: min(max(requested, 0), serverMax), then floored to minAllowed
func ComputeEarliestNextRun(now time.Time, mode training.IntervalMode, requested, systemDefault, serverMax, minAllowed time.Duration) time.Time {
	return now.Add(EffectiveInterval(mode, requested, systemDefault, serverMax, minAllowed))
}

// EffectiveInterval is the interval part of ComputeEarliestNextRun.
func EffectiveInterval(mode training.IntervalMode, requested, systemDefault, serverMax, minAllowed time.Duration) time.Duration {
	if mode != training.IntervalRecurrent {
		if systemDefault < 0 {
			return 0
		}
		return systemDefault
	}
	d := requested
	if d < 0 {
		d = 0
	}
	if serverMax > 0 && d > serverMax {
		d = serverMax
	}
	if d < minAllowed {
		d = minAllowed
	}
	return d
}

// Policy binds Config to the task-level helpers used by the job manager.
type Policy struct {
	cfg Config
}

func New(cfg Config) Policy { return Policy{cfg: cfg.withDefaults()} }

func (p Policy) Config() Config { return p.cfg }

// EarliestNextRun applies the policy to spec (nil = unset).
func (p Policy) EarliestNextRun(now time.Time, spec *training.IntervalSpec) time.Time {
	mode := training.IntervalUnspecified
	var requested time.Duration
	if spec != nil {
		mode = spec.Mode
		requested = spec.MinimumInterval
	}
	return ComputeEarliestNextRun(now, mode, requested, p.cfg.SystemDefaultPeriod, p.cfg.ServerMaxInterval, p.cfg.MinInterval)
}

// RetryAfterConditions is the wait used when a run was gated by device
// conditions: the task keeps its identity and tries again after the default period.
func (p Policy) RetryAfterConditions(now time.Time) time.Time {
	return now.Add(p.cfg.SystemDefaultPeriod)
}

// ReasonForCompletion tags a post-run reschedule.
func ReasonForCompletion(result training.ContributionResult) training.SchedulingReason {
	switch result {
	case training.ContributionSuccess, training.ContributionNotEligible:
		return training.ReasonRecurrent
	case training.ContributionDeviceConditions:
		return training.ReasonDeviceConditions
	default:
		return training.ReasonFailureRetry
	}
}
