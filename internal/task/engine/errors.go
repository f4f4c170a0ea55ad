package engine

import (
	"errors"
)

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
)

// NoRetry makes the engine report err after the current attempt.
// Training runs use it because their retry cadence is owned by the job manager.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{cause: err}
}

type permanentError struct{ cause error }

func (e *permanentError) Error() string { return "permanent: " + e.cause.Error() }
func (e *permanentError) Unwrap() error { return e.cause }

// permanentCause returns the wrapped error when err was marked with NoRetry.
func permanentCause(err error) (error, bool) {
	var pe *permanentError
	if errors.As(err, &pe) {
		return pe.cause, true
	}
	return nil, false
}
