// Package compute binds the sandboxed execution environment that runs a
// checked-in plan against local examples.
package compute

import (
	"context"
	"errors"

	"fedtrain/internal/training"
)

var (
	ErrMalformedPlan = errors.New("malformed plan")
	ErrNoExamples    = errors.New("no example collection")
)

// Plan is the server-issued computation.
type Plan struct {
	ClientGraph    []byte `json:"client_graph"`
	InitCheckpoint string `json:"init_checkpoint,omitempty"`
}

func (p Plan) Validate() error {
	if len(p.ClientGraph) == 0 {
		return errors.Join(ErrMalformedPlan, errors.New("client graph missing"))
	}
	return nil
}

// ExampleSource is an opened example collection.
type ExampleSource interface {
	URI() string
	Dir() string
	Close() error
}

type ExampleStore interface {
	Open(ctx context.Context, population, taskName string) (ExampleSource, error)
}

// Output is what a session produced.
type Output struct {
	Checkpoint   string                        `json:"checkpoint"`
	Consumptions []training.ExampleConsumption `json:"consumptions,omitempty"`
}

type Session interface {
	Run(ctx context.Context, plan Plan, src ExampleSource) (Output, error)
	Close() error
}

type Environment interface {
	Bind(ctx context.Context) (Session, error)
}
