package housekeeping

import (
	"context"
	"errors"
	"testing"
	"time"

	"fedtrain/internal/storage"
	"fedtrain/internal/training"
	logx "fedtrain/pkg/logx"
)

func TestRunOncePurgesExpiredRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	defer st.Close()
	now := time.UnixMilli(10 * 24 * 3600 * 1000)

	mustNil := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	mustNil(st.UpsertAuthToken(ctx, training.AuthToken{Owner: "old", Token: "a", ExpiresAt: now.Add(-time.Minute)}))
	mustNil(st.UpsertAuthToken(ctx, training.AuthToken{Owner: "fresh", Token: "b", ExpiresAt: now.Add(time.Hour)}))
	mustNil(st.UpsertHistory(ctx, training.TaskHistory{
		HistoryKey:       training.HistoryKey{JobID: 1, PopulationName: "p", TaskName: "stale"},
		ContributionTime: now.Add(-8 * 24 * time.Hour),
	}))
	mustNil(st.UpsertHistory(ctx, training.TaskHistory{
		HistoryKey:       training.HistoryKey{JobID: 1, PopulationName: "p", TaskName: "recent"},
		ContributionTime: now.Add(-time.Hour),
	}))

	s := New(Config{HistoryTTL: 7 * 24 * time.Hour}, st, logx.Nop())
	res, err := s.RunOnce(ctx, now)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Tokens != 1 || res.History != 1 {
		t.Fatalf("result = %+v, want 1 token and 1 history row", res)
	}
	if tok, _ := st.GetAuthToken(ctx, "fresh"); tok == nil {
		t.Fatal("fresh token purged")
	}
	if h, _ := st.GetHistory(ctx, training.HistoryKey{JobID: 1, PopulationName: "p", TaskName: "recent"}); h == nil {
		t.Fatal("recent history purged")
	}
}

type failingStore struct{}

func (failingStore) DeleteExpiredAuthTokens(context.Context, time.Time) (int64, error) {
	return 0, storage.ErrUnavailable
}

func (failingStore) DeleteHistoryOlderThan(context.Context, time.Time) (int64, error) {
	return 2, nil
}

func TestRunOnceKeepsGoingAfterError(t *testing.T) {
	t.Parallel()
	s := New(Config{}, failingStore{}, logx.Nop())
	res, err := s.RunOnce(context.Background(), time.Now())
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if res.History != 2 {
		t.Fatalf("history purge skipped: %+v", res)
	}
}

type cutoffPurger struct {
	cutoff time.Time
	n      int64
}

func (p *cutoffPurger) Purge(cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return p.n, nil
}

func TestRunOncePurgesCheckpoints(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	defer st.Close()
	p := &cutoffPurger{n: 3}
	s := New(Config{CheckpointTTL: 6 * time.Hour}, st, logx.Nop(), WithCheckpoints(p))
	now := time.UnixMilli(100 * 3600 * 1000)

	res, err := s.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Checkpoints != 3 {
		t.Fatalf("result = %+v, want 3 checkpoints", res)
	}
	if want := now.Add(-6 * time.Hour); !p.cutoff.Equal(want) {
		t.Fatalf("cutoff = %v, want %v", p.cutoff, want)
	}
}

type recordingRegistrar struct {
	name     string
	schedule string
	job      func(context.Context) error
}

func (r *recordingRegistrar) AddSchedule(name, schedule string, _ time.Duration, job func(context.Context) error) error {
	r.name, r.schedule, r.job = name, schedule, job
	return nil
}

func (r *recordingRegistrar) Remove(string) bool { return true }

func TestRegisterAndApply(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	defer st.Close()
	s := New(Config{Schedule: "every:5m"}, st, logx.Nop())
	reg := &recordingRegistrar{}
	if err := s.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.name != JobName || reg.schedule != "every:5m" {
		t.Fatalf("registered %q %q", reg.name, reg.schedule)
	}
	if err := reg.job(context.Background()); err != nil {
		t.Fatalf("job: %v", err)
	}
	if s.Apply(Config{Schedule: "every:5m", HistoryTTL: time.Hour}) {
		t.Fatal("TTL-only change reported as schedule change")
	}
	if !s.Apply(Config{Schedule: "0 3 * * *"}) {
		t.Fatal("schedule change not reported")
	}
}
