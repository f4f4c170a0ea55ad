package eligibility

import (
	"context"
	"errors"
	"testing"
	"time"

	"fedtrain/internal/storage"
	"fedtrain/internal/training"
)

func minSep(current, sep int64) training.EligibilityPolicy {
	return training.EligibilityPolicy{
		Name:              "min_sep",
		Kind:              training.PolicyMinimumSeparation,
		MinimumSeparation: &training.MinimumSeparation{CurrentIndex: current, MinimumSeparation: sep},
	}
}

func TestNoHistoryIsEligible(t *testing.T) {
	t.Parallel()
	d := New(storage.NewMemory())
	ok, err := d.ComputeEligibility(context.Background(), "p1", "t1", 7, []training.EligibilityPolicy{minSep(10, 6)})
	if err != nil || !ok {
		t.Fatalf("ComputeEligibility = %v, %v; want eligible", ok, err)
	}
}

func TestSeparationBoundary(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	key := training.HistoryKey{JobID: 7, PopulationName: "p1", TaskName: "t1"}
	if err := st.UpsertHistory(context.Background(), training.TaskHistory{HistoryKey: key, ContributionRound: 10, ContributionTime: time.Now(), TotalParticipation: 1}); err != nil {
		t.Fatalf("UpsertHistory: %v", err)
	}
	d := New(st)

	tests := []struct {
		current int64
		want    bool
	}{
		{current: 10, want: false},
		{current: 15, want: false},
		{current: 16, want: true},
		{current: 40, want: true},
	}
	for _, tt := range tests {
		got, err := d.ComputeEligibility(context.Background(), "p1", "t1", 7, []training.EligibilityPolicy{minSep(tt.current, 6)})
		if err != nil {
			t.Fatalf("current=%d: %v", tt.current, err)
		}
		if got != tt.want {
			t.Fatalf("current=%d: eligible=%v, want %v", tt.current, got, tt.want)
		}
	}
}

func TestHistoryIsScopedByKey(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	other := training.HistoryKey{JobID: 7, PopulationName: "p1", TaskName: "other"}
	_ = st.UpsertHistory(context.Background(), training.TaskHistory{HistoryKey: other, ContributionRound: 10})
	ok, _ := New(st).ComputeEligibility(context.Background(), "p1", "t1", 7, []training.EligibilityPolicy{minSep(10, 6)})
	if !ok {
		t.Fatal("history of another task must not gate this one")
	}
}

func TestAllPoliciesMustPass(t *testing.T) {
	t.Parallel()
	d := New(storage.NewMemory())
	d.Register(training.PolicyUnknown, func(context.Context, training.HistoryKey, training.EligibilityPolicy) (bool, error) {
		return false, nil
	})
	ok, err := d.ComputeEligibility(context.Background(), "p1", "t1", 7, []training.EligibilityPolicy{
		minSep(10, 6),
		{Name: "deny", Kind: training.PolicyUnknown},
	})
	if err != nil || ok {
		t.Fatalf("ComputeEligibility = %v, %v; want not eligible", ok, err)
	}
}

type failingHistory struct{}

func (failingHistory) GetHistory(context.Context, training.HistoryKey) (*training.TaskHistory, error) {
	return nil, errors.New("db down")
}

func TestErrorsPropagate(t *testing.T) {
	t.Parallel()
	d := New(failingHistory{})
	if _, err := d.ComputeEligibility(context.Background(), "p1", "t1", 7, []training.EligibilityPolicy{minSep(10, 6)}); err == nil {
		t.Fatal("expected store error")
	}
	if _, err := d.ComputeEligibility(context.Background(), "p1", "t1", 7, []training.EligibilityPolicy{{Kind: 42}}); err == nil {
		t.Fatal("expected unsupported kind error")
	}
}
