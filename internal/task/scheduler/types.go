package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"fedtrain/internal/eventbus"
	"fedtrain/internal/task/engine"
	"fedtrain/internal/training"
	logx "fedtrain/pkg/logx"

	"github.com/robfig/cron/v3"
)

var (
	ErrStopped           = errors.New("scheduler stopped")
	ErrNegativeLatency   = errors.New("minimum latency must be >= 0")
	ErrInvalidJobID      = errors.New("job id must be > 0")
	ErrRunnerNotAttached = errors.New("scheduler has no runner attached")
)

// Config controls trigger behavior.
type Config struct {
	Timezone string // IANA TZ for cron schedules; empty means Local

	// RunTimeout bounds one training run queued by an alarm. 0 uses the engine default.
	RunTimeout time.Duration

	// RequeueDelay re-arms an alarm whose task could not be queued because
	// the engine was full.
	RequeueDelay time.Duration
}

// Runner executes one training run for jobID.
type Runner interface {
	Run(ctx context.Context, jobID int64) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, jobID int64) error

func (f RunnerFunc) Run(ctx context.Context, jobID int64) error { return f(ctx, jobID) }

// ArmEvent is published when an alarm is armed or fires.
type ArmEvent struct {
	JobID       int64                `json:"job_id"`
	MinLatency  time.Duration        `json:"min_latency"`
	At          time.Time            `json:"at"`
	Constraints training.Constraints `json:"constraints"`
}

const (
	EventAlarmArmed  = "schedule.armed"
	EventAlarmFired  = "schedule.fired"
	EventAlarmCancel = "schedule.cancelled"
)

type alarm struct {
	at          time.Time
	constraints training.Constraints
	timer       *time.Timer
	ver         uint64
}

type scheduleDef struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
}

// Service is safe for concurrent use.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	loc    *time.Location
	bus    eventbus.Bus
	engine *engine.Service
	runner Runner

	parser  cron.Parser
	c       *cron.Cron
	defs    []scheduleDef
	started bool
	closed  bool

	tmu    sync.Mutex
	alarms map[int64]*alarm
	ver    uint64

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// AlarmInfo is a diagnostic view of one armed job.
type AlarmInfo struct {
	JobID       int64
	At          time.Time
	Constraints training.Constraints
}

type ScheduleInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type Snapshot struct {
	Running   bool
	Timezone  string
	Alarms    []AlarmInfo
	Schedules []ScheduleInfo
}
