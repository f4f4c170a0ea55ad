package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fedtrain/internal/task/engine"
	"fedtrain/internal/training"
	logx "fedtrain/pkg/logx"
)

type recordingRunner struct {
	mu   sync.Mutex
	runs []int64
	ch   chan int64
}

func newRecordingRunner() *recordingRunner { return &recordingRunner{ch: make(chan int64, 16)} }

func (r *recordingRunner) Run(ctx context.Context, jobID int64) error {
	r.mu.Lock()
	r.runs = append(r.runs, jobID)
	r.mu.Unlock()
	r.ch <- jobID
	return nil
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func newTestScheduler(t *testing.T) (*Service, *recordingRunner) {
	t.Helper()
	eng := engine.New(engine.Config{Workers: 2, QueueSize: 8}, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(Config{}, eng, logx.Nop(), nil)
	r := newRecordingRunner()
	s.SetRunner(r)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})
	return s, r
}

func expectRun(t *testing.T, r *recordingRunner, jobID int64) {
	t.Helper()
	select {
	case got := <-r.ch:
		if got != jobID {
			t.Fatalf("ran job %d, want %d", got, jobID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("job %d did not run", jobID)
	}
}

func TestArmFiresRunner(t *testing.T) {
	t.Parallel()
	s, r := newTestScheduler(t)
	s.Start(context.Background())
	if err := s.Arm(context.Background(), 7, 10*time.Millisecond, training.Constraints{}); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	expectRun(t, r, 7)
	if n := len(s.Snapshot().Alarms); n != 0 {
		t.Fatalf("fired alarm still listed: %d", n)
	}
}

func TestArmRejectsBadInput(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)
	if err := s.Arm(context.Background(), 1, -time.Second, training.Constraints{}); !errors.Is(err, ErrNegativeLatency) {
		t.Fatalf("expected ErrNegativeLatency, got %v", err)
	}
	if err := s.Arm(context.Background(), 0, time.Second, training.Constraints{}); !errors.Is(err, ErrInvalidJobID) {
		t.Fatalf("expected ErrInvalidJobID, got %v", err)
	}
	s.Stop(context.Background())
	if err := s.Arm(context.Background(), 1, time.Second, training.Constraints{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestRearmReplacesPendingAlarm(t *testing.T) {
	t.Parallel()
	s, r := newTestScheduler(t)
	s.Start(context.Background())
	_ = s.Arm(context.Background(), 9, 20*time.Millisecond, training.Constraints{})
	_ = s.Arm(context.Background(), 9, 60*time.Millisecond, training.Constraints{RequireIdle: true})

	snap := s.Snapshot()
	if len(snap.Alarms) != 1 || !snap.Alarms[0].Constraints.RequireIdle {
		t.Fatalf("unexpected alarms: %+v", snap.Alarms)
	}
	expectRun(t, r, 9)
	time.Sleep(100 * time.Millisecond)
	if n := r.count(); n != 1 {
		t.Fatalf("runs = %d, want 1", n)
	}
}

func TestCancelPreventsRun(t *testing.T) {
	t.Parallel()
	s, r := newTestScheduler(t)
	s.Start(context.Background())
	_ = s.Arm(context.Background(), 3, 30*time.Millisecond, training.Constraints{})
	if !s.Cancel(3) {
		t.Fatal("Cancel should report a pending alarm")
	}
	if s.Cancel(3) {
		t.Fatal("second Cancel should report nothing")
	}
	time.Sleep(80 * time.Millisecond)
	if n := r.count(); n != 0 {
		t.Fatalf("cancelled alarm ran %d times", n)
	}
}

func TestAlarmArmedBeforeStartFiresAfterStart(t *testing.T) {
	t.Parallel()
	s, r := newTestScheduler(t)
	_ = s.Arm(context.Background(), 11, 0, training.Constraints{})
	time.Sleep(20 * time.Millisecond)
	if r.count() != 0 {
		t.Fatal("alarm fired before Start")
	}
	s.Start(context.Background())
	expectRun(t, r, 11)
}

func TestAddIntervalRegistersSchedule(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)
	s.Start(context.Background())
	if err := s.AddInterval("housekeeping", time.Hour, time.Minute, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "@every 1h0m0s" || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("unexpected schedules: %+v", snap.Schedules)
	}
	if !s.Remove("housekeeping") || len(s.Snapshot().Schedules) != 0 {
		t.Fatal("Remove did not unregister")
	}
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		bad   bool
	}{
		{in: "6h", kind: SpecInterval, every: 6 * time.Hour},
		{in: "every: 30m", kind: SpecInterval, every: 30 * time.Minute},
		{in: "@every 2h", kind: SpecInterval, every: 2 * time.Hour},
		{in: "*/5 * * * *", kind: SpecCron},
		{in: "@daily", kind: SpecCron},
		{in: "cron: 0 3 * * *", kind: SpecCron},
		{in: "", bad: true},
		{in: "-1h", bad: true},
		{in: "soon", bad: true},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if tt.bad {
			if err == nil {
				t.Fatalf("ParseSchedule(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tt.in, err)
		}
		if got.Kind != tt.kind || got.Every != tt.every {
			t.Fatalf("ParseSchedule(%q) = %+v", tt.in, got)
		}
	}
}
