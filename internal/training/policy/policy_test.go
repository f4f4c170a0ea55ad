package policy

import (
	"testing"
	"time"

	"fedtrain/internal/training"
)

func TestEffectiveInterval(t *testing.T) {
	t.Parallel()
	const (
		sysDefault = 200 * time.Second
		serverMax  = 24 * time.Hour
		minAllowed = time.Minute
	)
	tests := []struct {
		name      string
		mode      training.IntervalMode
		requested time.Duration
		want      time.Duration
	}{
		{name: "unset uses default", mode: training.IntervalUnspecified, requested: time.Hour, want: sysDefault},
		{name: "one-time uses default", mode: training.IntervalOneTime, requested: time.Hour, want: sysDefault},
		{name: "recurrent within bounds", mode: training.IntervalRecurrent, requested: 2 * time.Hour, want: 2 * time.Hour},
		{name: "recurrent capped at server max", mode: training.IntervalRecurrent, requested: 48 * time.Hour, want: serverMax},
		{name: "recurrent floored to minimum", mode: training.IntervalRecurrent, requested: time.Second, want: minAllowed},
		{name: "negative clamps to zero then floors", mode: training.IntervalRecurrent, requested: -time.Hour, want: minAllowed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := EffectiveInterval(tt.mode, tt.requested, sysDefault, serverMax, minAllowed)
			if got != tt.want {
				t.Fatalf("EffectiveInterval = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComputeEarliestNextRunCapsToServerMax(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(5_000)
	got := ComputeEarliestNextRun(now, training.IntervalRecurrent, 10*time.Hour, time.Minute, 3*time.Hour, 0)
	if want := now.Add(3 * time.Hour); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPolicyEarliestNextRunDefaultPeriod(t *testing.T) {
	t.Parallel()
	p := New(Config{SystemDefaultPeriod: 200 * time.Second})
	got := p.EarliestNextRun(time.UnixMilli(1000), nil)
	if got.UnixMilli() != 201000 {
		t.Fatalf("earliest next run = %d, want 201000", got.UnixMilli())
	}
}

func TestPolicyFloorsZeroRecurrentInterval(t *testing.T) {
	t.Parallel()
	p := New(Config{})
	now := time.UnixMilli(0)
	got := p.EarliestNextRun(now, &training.IntervalSpec{Mode: training.IntervalRecurrent})
	if want := now.Add(DefaultMinInterval); !got.Equal(want) {
		t.Fatalf("earliest next run = %v, want %v", got, want)
	}
}

func TestServerMaxZeroDisablesCap(t *testing.T) {
	t.Parallel()
	got := EffectiveInterval(training.IntervalRecurrent, 72*time.Hour, time.Minute, 0, 0)
	if got != 72*time.Hour {
		t.Fatalf("got %v, want uncapped 72h", got)
	}
}

func TestReasonForCompletion(t *testing.T) {
	t.Parallel()
	cases := map[training.ContributionResult]training.SchedulingReason{
		training.ContributionSuccess:          training.ReasonRecurrent,
		training.ContributionNotEligible:      training.ReasonRecurrent,
		training.ContributionFail:             training.ReasonFailureRetry,
		training.ContributionUnspecified:      training.ReasonFailureRetry,
		training.ContributionDeviceConditions: training.ReasonDeviceConditions,
	}
	for in, want := range cases {
		if got := ReasonForCompletion(in); got != want {
			t.Fatalf("ReasonForCompletion(%v) = %v, want %v", in, got, want)
		}
	}
}
