package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"fedtrain/internal/eventbus"
	logx "fedtrain/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4})
	done := make(chan struct{})
	if err := s.Enqueue(Task{Name: "a", Run: func(context.Context) error { close(done); return nil }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestEnqueueBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "a", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestSkipIfRunningRejectsSecondTrigger(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2, QueueSize: 4})
	release := make(chan struct{})
	started := make(chan struct{})
	task := Task{
		Name: "train:1",
		Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
	}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	<-started
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("expected ErrOverlapSkip, got %v", err)
	}
	close(release)
	waitFor(t, func() bool { return !s.State("", "train:1").Busy() })

	ran := make(chan struct{})
	task.Run = func(context.Context) error { close(ran); return nil }
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("Enqueue after release: %v", err)
	}
	<-ran
}

func TestNoRetryStopsRetries(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4, RetryMax: 3})
	var calls atomic.Int32
	_ = s.Enqueue(Task{
		Name: "permanent",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond},
		Run: func(context.Context) error {
			calls.Add(1)
			return NoRetry(errors.New("bad plan"))
		},
	})
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if h := s.Snapshot().History[0]; h.Error != "bad plan" {
		t.Fatalf("history error = %q", h.Error)
	}
}

func TestRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4, RetryMax: 2})
	var calls atomic.Int32
	_ = s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	h := s.Snapshot().History[0]
	if h.Error != "" || h.Attempts != 3 {
		t.Fatalf("unexpected history: %+v", h)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{Workers: 1, QueueSize: 2}, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_ = s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("boom") }})
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventTaskFailed {
				return
			}
		case <-deadline:
			t.Fatal("no task.failed event after panic")
		}
	}
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "hold", Run: func(context.Context) error { close(started); <-block; return nil }})
	<-started
	_ = s.Enqueue(Task{Name: "queued", Run: func(context.Context) error { return nil }})
	err := s.Enqueue(Task{Name: "overflow", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if s.Snapshot().DroppedQueueFull != 1 {
		t.Fatalf("dropped counter not incremented")
	}
}

func TestStopCancelsRunningTask(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 1}, logx.Nop(), nil)
	s.Start(context.Background())
	started := make(chan struct{})
	cancelled := make(chan struct{})
	_ = s.Enqueue(Task{Name: "long", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}})
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	select {
	case <-cancelled:
	default:
		t.Fatal("running task was not cancelled by Stop")
	}
}
