// Package device reads host conditions (battery, thermal, load, network) and
// gates training runs on them. Readings that cannot be obtained are treated
// as permissive.
package device

import (
	"context"
	"errors"
)

// ErrUnknown reports that a reading is not available on this host.
var ErrUnknown = errors.New("device reading unknown")

// Probe returns point-in-time host conditions.
type Probe interface {
	Battery(ctx context.Context) (pct int, charging bool, err error)
	ThermalC(ctx context.Context) (float64, error)
	Idle(ctx context.Context) (bool, error)
	Unmetered(ctx context.Context) (bool, error)
}
