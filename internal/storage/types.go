package storage

import (
	"errors"
	"time"
)

// ErrUnavailable is returned by a store that has been closed.
var ErrUnavailable = errors.New("storage unavailable")

// Config configures storage.
//
// Driver values: "memory", "sqlite", "mysql". Empty means "memory".
type Config struct {
	Driver      string
	Path        string        // sqlite file
	DSN         string        // mysql data source name
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	JobID        int64
	Population   string
	OwnerPackage string
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
