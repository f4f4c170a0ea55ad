package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"fedtrain/internal/training"
	logx "fedtrain/pkg/logx"
)

// Store is the persistence API used by the job manager, trainer and housekeeping.
//
// Get* return (nil, nil) when the row is absent. DeleteTask returns the removed
// row or nil if nothing was stored under jobID.
type Store interface {
	UpsertTask(ctx context.Context, t *training.TrainingTask) error
	GetTask(ctx context.Context, jobID int64) (*training.TrainingTask, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*training.TrainingTask, error)
	DeleteTask(ctx context.Context, jobID int64) (*training.TrainingTask, error)

	UpsertHistory(ctx context.Context, h training.TaskHistory) error
	GetHistory(ctx context.Context, key training.HistoryKey) (*training.TaskHistory, error)
	DeleteHistoryOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	UpsertAuthToken(ctx context.Context, tok training.AuthToken) error
	GetAuthToken(ctx context.Context, owner string) (*training.AuthToken, error)
	DeleteExpiredAuthTokens(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "mysql":
		return openMySQL(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
