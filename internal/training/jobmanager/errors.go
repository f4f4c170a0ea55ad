package jobmanager

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is the policy error class: rejected before any persistence.
	ErrInvalidRequest = errors.New("invalid start request")
	// ErrNoTask means the job is not registered (never started or removed).
	ErrNoTask = errors.New("no training task for job")
	// ErrStorage wraps task store failures.
	ErrStorage = errors.New("task store failure")
	// ErrSchedule wraps a rejected wake-up request.
	ErrSchedule = errors.New("wake-up scheduling failed")
)

// ValidationError names the offending request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidRequest, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
