package trainer

import (
	"context"
	"errors"
	"time"

	"fedtrain/internal/compute"
	"fedtrain/internal/eventbus"
	"fedtrain/internal/protocol"
	"fedtrain/internal/training"
	"fedtrain/internal/training/callback"
	"fedtrain/internal/training/jobmanager"
)

var (
	ErrRunInFlight = errors.New("training run already in flight")
	ErrStopped     = errors.New("trainer stopped")
	ErrCheckin     = errors.New("checkin failed")
	ErrBind        = errors.New("execution environment binding failed")
	ErrCompute     = errors.New("computation failed")
	ErrReport      = errors.New("report failed")
)

// Stage is a step of one training run.
type Stage string

const (
	StageInit        Stage = "init"
	StageConditions  Stage = "conditions_check"
	StageCheckin     Stage = "checkin"
	StageEligibility Stage = "eligibility"
	StageBind        Stage = "bind"
	StageCompute     Stage = "compute"
	StageReport      Stage = "report"
	StageCallback    Stage = "callback"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

type Config struct {
	CheckinTimeout time.Duration
	ReportTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.CheckinTimeout <= 0 {
		c.CheckinTimeout = time.Minute
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = 2 * time.Minute
	}
	return c
}

// JobManager is the slice of the job manager a run reports to.
type JobManager interface {
	OnTrainingStarted(ctx context.Context, jobID int64) (*training.TrainingTask, error)
	OnTrainingCompleted(ctx context.Context, c jobmanager.Completion) error
}

// Store holds the rows a run reads and writes besides the task itself.
type Store interface {
	GetHistory(ctx context.Context, key training.HistoryKey) (*training.TaskHistory, error)
	UpsertHistory(ctx context.Context, h training.TaskHistory) error
	GetAuthToken(ctx context.Context, owner string) (*training.AuthToken, error)
	UpsertAuthToken(ctx context.Context, tok training.AuthToken) error
}

type Decider interface {
	ComputeEligibility(ctx context.Context, population, taskName string, jobID int64, policies []training.EligibilityPolicy) (bool, error)
}

// ConditionGate returns the unmet device conditions for c.
type ConditionGate interface {
	Check(ctx context.Context, c training.Constraints) []string
}

type Notifier interface {
	Notify(ctx context.Context, r callback.Result) error
}

// CheckpointKeeper moves a reported checkpoint out of the session sandbox
// and returns where it now lives.
type CheckpointKeeper interface {
	Keep(runID, path string) (string, error)
}

// Deps are the collaborators of a Trainer. Gate, Callback and Checkpoints are
// optional. Without Checkpoints a result carries no checkpoint path.
type Deps struct {
	Jobs        JobManager
	Store       Store
	Protocol    protocol.Client
	Eligibility Decider
	Gate        ConditionGate
	Env         compute.Environment
	Examples    compute.ExampleStore
	Callback    Notifier
	Checkpoints CheckpointKeeper
	Bus         eventbus.Bus
}

// RunEvent is published when a run starts and when it ends.
type RunEvent struct {
	RunID      string        `json:"run_id"`
	JobID      int64         `json:"job_id"`
	Population string        `json:"population,omitempty"`
	TaskName   string        `json:"task_name,omitempty"`
	Outcome    string        `json:"outcome,omitempty"`
	Stage      Stage         `json:"stage,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
}

const (
	EventRunStarted  = "training.run.started"
	EventRunFinished = "training.run.finished"

	// OutcomeNoTask labels runs that found no stored task.
	OutcomeNoTask = "no_task"
)
