// Package eligibility decides whether this device may contribute to a task
// round, from the policies returned at checkin and the stored history.
package eligibility

import (
	"context"
	"fmt"

	"fedtrain/internal/training"
)

// HistoryReader is the read side of the task history store.
type HistoryReader interface {
	GetHistory(ctx context.Context, key training.HistoryKey) (*training.TaskHistory, error)
}

// Evaluator checks one policy variant. Returning false short-circuits the run.
type Evaluator func(ctx context.Context, key training.HistoryKey, p training.EligibilityPolicy) (bool, error)

// Decider is read-only; it never writes history.
type Decider struct {
	history    HistoryReader
	evaluators map[training.PolicyKind]Evaluator
}

func New(history HistoryReader) *Decider {
	d := &Decider{history: history, evaluators: map[training.PolicyKind]Evaluator{}}
	d.evaluators[training.PolicyMinimumSeparation] = d.minimumSeparation
	return d
}

// Register adds or replaces the evaluator for a policy kind.
func (d *Decider) Register(kind training.PolicyKind, ev Evaluator) {
	d.evaluators[kind] = ev
}

// ComputeEligibility is the AND of every declared policy. No policies means eligible.
func (d *Decider) ComputeEligibility(ctx context.Context, population, taskName string, jobID int64, policies []training.EligibilityPolicy) (bool, error) {
	key := training.HistoryKey{JobID: jobID, PopulationName: population, TaskName: taskName}
	for _, p := range policies {
		ev, ok := d.evaluators[p.Kind]
		if !ok {
			return false, fmt.Errorf("eligibility policy %q: unsupported kind %d", p.Name, p.Kind)
		}
		eligible, err := ev(ctx, key, p)
		if err != nil {
			return false, fmt.Errorf("eligibility policy %q: %w", p.Name, err)
		}
		if !eligible {
			return false, nil
		}
	}
	return true, nil
}

func (d *Decider) minimumSeparation(ctx context.Context, key training.HistoryKey, p training.EligibilityPolicy) (bool, error) {
	ms := p.MinimumSeparation
	if ms == nil {
		return false, fmt.Errorf("minimum separation policy without parameters")
	}
	h, err := d.history.GetHistory(ctx, key)
	if err != nil {
		return false, err
	}
	if h == nil {
		return true, nil
	}
	return ms.CurrentIndex-h.ContributionRound >= ms.MinimumSeparation, nil
}
