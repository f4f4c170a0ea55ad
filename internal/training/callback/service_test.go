package callback

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fedtrain/internal/eventbus"
	"fedtrain/internal/training"
	logx "fedtrain/pkg/logx"
)

func fastConfig() Config {
	return Config{Workers: 1, QueueSize: 4, RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback event")
	}
	return eventbus.Event{}
}

func TestCategorize(t *testing.T) {
	cases := []struct {
		err  error
		want Category
	}{
		{nil, CategoryNone},
		{ErrQueueFull, CategoryQueueFull},
		{ErrStopped, CategoryStopped},
		{context.Canceled, CategoryInterrupted},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), CategoryInterrupted},
		{&VendorError{Code: 3, Message: "rejected"}, CategoryVendor},
		{fmt.Errorf("call: %w", &VendorError{Code: 1}), CategoryVendor},
		{errors.New("connection reset"), CategoryTransport},
		{fmt.Errorf("%w after 1s: %v", ErrCallTimeout, context.DeadlineExceeded), CategoryTransport},
	}
	for _, c := range cases {
		if got := Categorize(c.err); got != c.want {
			t.Errorf("Categorize(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestDeliverRetriesTransportFailures(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, "callback.")
	defer unsub()

	var calls atomic.Int32
	h := HandlerFunc(func(ctx context.Context, r Result) error {
		if calls.Add(1) < 3 {
			return errors.New("dial tcp: refused")
		}
		return nil
	})
	s := New(fastConfig(), h, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), Result{RunID: "r1", JobID: 7}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	ev := waitEvent(t, ch)
	if ev.Type != EventDelivered {
		t.Fatalf("event = %s, want %s", ev.Type, EventDelivered)
	}
	if got := ev.Data.(Event).Attempts; got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestDeliverRetriesHandlerTimeout(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, "callback.")
	defer unsub()

	var calls atomic.Int32
	h := HandlerFunc(func(ctx context.Context, r Result) error {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	cfg := fastConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	s := New(cfg, h, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), Result{RunID: "slow", JobID: 11}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	ev := waitEvent(t, ch)
	if ev.Type != EventDelivered {
		t.Fatalf("event = %s (%+v), want %s", ev.Type, ev.Data, EventDelivered)
	}
	if got := ev.Data.(Event).Attempts; got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestVendorFailureIsNotRetried(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, "callback.")
	defer unsub()

	var calls atomic.Int32
	h := HandlerFunc(func(ctx context.Context, r Result) error {
		calls.Add(1)
		return &VendorError{Code: 9, Message: "bad checkpoint"}
	})
	s := New(fastConfig(), h, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_ = s.Notify(context.Background(), Result{RunID: "r2", JobID: 8})
	ev := waitEvent(t, ch)
	if ev.Type != EventFailed {
		t.Fatalf("event = %s, want %s", ev.Type, EventFailed)
	}
	if cat := ev.Data.(Event).Category; cat != CategoryVendor {
		t.Fatalf("category = %q, want vendor", cat)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestNotifyQueueFull(t *testing.T) {
	release := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, r Result) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	cfg := fastConfig()
	cfg.QueueSize = 1
	s := New(cfg, h, logx.Nop(), nil)
	s.Start(context.Background())
	defer func() {
		close(release)
		s.Stop(context.Background())
	}()

	var full bool
	for i := 0; i < 10; i++ {
		if err := s.Notify(context.Background(), Result{JobID: int64(i)}); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Fatal("expected ErrQueueFull")
	}
}

func TestNotifyWithoutHandlerIsNoop(t *testing.T) {
	s := New(Config{}, nil, logx.Nop(), nil)
	s.Start(context.Background())
	if err := s.Notify(context.Background(), Result{}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	s.Stop(context.Background())
}

func TestNotifyAfterStop(t *testing.T) {
	s := New(fastConfig(), HandlerFunc(func(context.Context, Result) error { return nil }), logx.Nop(), nil)
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), Result{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify after stop = %v, want ErrStopped", err)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	var mu sync.Mutex
	var got []int64
	h := HandlerFunc(func(ctx context.Context, r Result) error {
		mu.Lock()
		got = append(got, r.JobID)
		mu.Unlock()
		return nil
	})
	s := New(fastConfig(), h, logx.Nop(), nil)
	s.Start(context.Background())
	for i := int64(1); i <= 3; i++ {
		if err := s.Notify(context.Background(), Result{JobID: i}); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	s.Stop(context.Background())
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("delivered %v, want 3 results", got)
	}
}

func TestRetryDelayCapped(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt < 12; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %v out of range", attempt, d)
		}
	}
}

func TestWebhook(t *testing.T) {
	var status int
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "tok", time.Second)
	res := NewResult("r", 1, "pop", "task", training.ComputationResult{Outcome: training.ContributionSuccess}, time.Now())
	if res.Outcome != "success" {
		t.Fatalf("outcome = %q", res.Outcome)
	}

	status = http.StatusNoContent
	if err := wh.OnResult(context.Background(), res); err != nil {
		t.Fatalf("2xx: %v", err)
	}

	status, body = http.StatusUnprocessableEntity, `{"code":42,"message":"nope"}`
	err := wh.OnResult(context.Background(), res)
	var ve *VendorError
	if !errors.As(err, &ve) || ve.Code != 42 || ve.Message != "nope" {
		t.Fatalf("4xx: got %v", err)
	}

	status, body = http.StatusBadGateway, ""
	if err := wh.OnResult(context.Background(), res); Categorize(err) != CategoryTransport {
		t.Fatalf("5xx category = %q", Categorize(err))
	}
}
