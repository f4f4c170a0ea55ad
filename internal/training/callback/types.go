package callback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fedtrain/internal/training"
)

var (
	ErrQueueFull = errors.New("callback queue full")
	ErrStopped   = errors.New("callback helper stopped")

	// ErrCallTimeout marks a handler call that outlived CallTimeout.
	ErrCallTimeout = errors.New("callback call timed out")
)

// Config controls the delivery pipeline.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// CallTimeout bounds one handler invocation.
	CallTimeout time.Duration
}

// Result is what a vendor handler learns about a finished run.
type Result struct {
	RunID        string                        `json:"run_id"`
	JobID        int64                         `json:"job_id"`
	Population   string                        `json:"population"`
	TaskName     string                        `json:"task_name,omitempty"`
	Outcome      string                        `json:"outcome"`
	Checkpoint   string                        `json:"checkpoint,omitempty"`
	Consumptions []training.ExampleConsumption `json:"consumptions,omitempty"`
	FinishedAt   time.Time                     `json:"finished_at"`
}

// NewResult fills Outcome from the contribution result.
func NewResult(runID string, jobID int64, population, taskName string, res training.ComputationResult, at time.Time) Result {
	return Result{
		RunID:        runID,
		JobID:        jobID,
		Population:   population,
		TaskName:     taskName,
		Outcome:      res.Outcome.String(),
		Checkpoint:   res.OutputCheckpoint,
		Consumptions: res.Consumptions,
		FinishedAt:   at,
	}
}

// Handler is the vendor-registered receiver of run results.
type Handler interface {
	OnResult(ctx context.Context, r Result) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, r Result) error

func (f HandlerFunc) OnResult(ctx context.Context, r Result) error { return f(ctx, r) }

// VendorError is a failure the vendor handler reported on purpose. It is
// not retried.
type VendorError struct {
	Code    int
	Message string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("vendor callback failure (code %d): %s", e.Code, e.Message)
}

// Category classifies a callback failure for logs and metrics.
type Category string

const (
	CategoryNone        Category = ""
	CategoryTransport   Category = "transport"
	CategoryVendor      Category = "vendor"
	CategoryInterrupted Category = "interrupted"
	CategoryQueueFull   Category = "queue_full"
	CategoryStopped     Category = "stopped"
)

// Categorize maps err onto a Category.
func Categorize(err error) Category {
	var vendor *VendorError
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrQueueFull):
		return CategoryQueueFull
	case errors.Is(err, ErrStopped):
		return CategoryStopped
	case errors.Is(err, ErrCallTimeout):
		return CategoryTransport
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CategoryInterrupted
	case errors.As(err, &vendor):
		return CategoryVendor
	default:
		return CategoryTransport
	}
}

func (c Category) retryable() bool { return c == CategoryTransport }

// Event is published for every delivery outcome.
type Event struct {
	RunID    string   `json:"run_id"`
	JobID    int64    `json:"job_id"`
	Category Category `json:"category,omitempty"`
	Attempts int      `json:"attempts"`
	Error    string   `json:"error,omitempty"`
}

const (
	EventDelivered = "callback.delivered"
	EventFailed    = "callback.failed"
)
