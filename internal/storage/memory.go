package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"fedtrain/internal/training"
)

type memoryStore struct {
	mu      sync.RWMutex
	closed  bool
	tasks   map[int64]*training.TrainingTask
	history map[training.HistoryKey]training.TaskHistory
	tokens  map[string]training.AuthToken
}

// NewMemory returns an empty volatile store.
func NewMemory() Store {
	return &memoryStore{
		tasks:   map[int64]*training.TrainingTask{},
		history: map[training.HistoryKey]training.TaskHistory{},
		tokens:  map[string]training.AuthToken{},
	}
}

func (m *memoryStore) UpsertTask(ctx context.Context, t *training.TrainingTask) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	m.tasks[t.JobID] = normalize(t.Clone())
	return nil
}

func (m *memoryStore) GetTask(ctx context.Context, jobID int64) (*training.TrainingTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrUnavailable
	}
	return m.tasks[jobID].Clone(), nil
}

func (m *memoryStore) ListTasks(ctx context.Context, f TaskFilter) ([]*training.TrainingTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrUnavailable
	}
	out := make([]*training.TrainingTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		if f.JobID != 0 && t.JobID != f.JobID {
			continue
		}
		if f.Population != "" && t.PopulationName != f.Population {
			continue
		}
		if f.OwnerPackage != "" && t.Owner.PackageName != f.OwnerPackage {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

func (m *memoryStore) DeleteTask(ctx context.Context, jobID int64) (*training.TrainingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrUnavailable
	}
	t, ok := m.tasks[jobID]
	if !ok {
		return nil, nil
	}
	delete(m.tasks, jobID)
	return t, nil
}

func (m *memoryStore) UpsertHistory(ctx context.Context, h training.TaskHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	h.ContributionTime = fromMillis(millis(h.ContributionTime))
	m.history[h.HistoryKey] = h
	return nil
}

func (m *memoryStore) GetHistory(ctx context.Context, key training.HistoryKey) (*training.TaskHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrUnavailable
	}
	h, ok := m.history[key]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (m *memoryStore) DeleteHistoryOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrUnavailable
	}
	var n int64
	for k, h := range m.history {
		if h.ContributionTime.Before(cutoff) {
			delete(m.history, k)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) UpsertAuthToken(ctx context.Context, tok training.AuthToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	tok.ExpiresAt = fromMillis(millis(tok.ExpiresAt))
	m.tokens[tok.Owner] = tok
	return nil
}

func (m *memoryStore) GetAuthToken(ctx context.Context, owner string) (*training.AuthToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrUnavailable
	}
	tok, ok := m.tokens[owner]
	if !ok {
		return nil, nil
	}
	return &tok, nil
}

func (m *memoryStore) DeleteExpiredAuthTokens(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrUnavailable
	}
	var n int64
	for k, tok := range m.tokens {
		if !tok.ExpiresAt.After(now) {
			delete(m.tokens, k)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// normalize truncates timestamps to millisecond precision so memory and SQL
// drivers hand back identical values.
func normalize(t *training.TrainingTask) *training.TrainingTask {
	t.CreationTime = fromMillis(millis(t.CreationTime))
	t.LastScheduled = fromMillis(millis(t.LastScheduled))
	t.LastRunStart = fromMillis(millis(t.LastRunStart))
	t.LastRunEnd = fromMillis(millis(t.LastRunEnd))
	t.EarliestNextRun = fromMillis(millis(t.EarliestNextRun))
	return t
}
