package training

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// IntervalMode selects whether a task runs once or keeps rescheduling itself.
type IntervalMode int

const (
	IntervalUnspecified IntervalMode = iota
	IntervalOneTime
	IntervalRecurrent
)

func (m IntervalMode) String() string {
	switch m {
	case IntervalOneTime:
		return "one_time"
	case IntervalRecurrent:
		return "recurrent"
	default:
		return "unspecified"
	}
}

// IntervalSpec is the caller-requested cadence of a task. A nil *IntervalSpec
// means "unset" and behaves like one-time.
type IntervalSpec struct {
	Mode            IntervalMode  `json:"mode"`
	MinimumInterval time.Duration `json:"minimum_interval"`
}

// Recurrent reports whether spec asks for repeated runs.
func (s *IntervalSpec) Recurrent() bool {
	return s != nil && s.Mode == IntervalRecurrent
}

// Equal treats nil and a zero one-time spec as different on purpose: going
// from "unset" to an explicit spec is an interval change.
func (s *IntervalSpec) Equal(o *IntervalSpec) bool {
	if s == nil || o == nil {
		return s == nil && o == nil
	}
	return *s == *o
}

func (s *IntervalSpec) Validate() error {
	if s == nil {
		return nil
	}
	switch s.Mode {
	case IntervalOneTime, IntervalRecurrent:
	default:
		return fmt.Errorf("interval mode %d not supported", s.Mode)
	}
	return nil
}

// Constraints are the device conditions a task declares for its runs.
type Constraints struct {
	RequireIdle             bool `json:"require_idle"`
	RequireBatteryNotLow    bool `json:"require_battery_not_low"`
	RequireUnmeteredNetwork bool `json:"require_unmetered_network"`
}

// SchedulingReason explains why a task's earliest next run was (re)computed.
type SchedulingReason int

const (
	ReasonUnknown SchedulingReason = iota
	ReasonNewTask
	ReasonIntervalChanged
	ReasonFailureRetry
	ReasonRecurrent
	ReasonDeviceConditions
)

func (r SchedulingReason) String() string {
	switch r {
	case ReasonNewTask:
		return "new_task"
	case ReasonIntervalChanged:
		return "interval_changed"
	case ReasonFailureRetry:
		return "failure_retry"
	case ReasonRecurrent:
		return "recurrent"
	case ReasonDeviceConditions:
		return "device_conditions"
	default:
		return "unknown"
	}
}

// OwnerIdentity identifies the application that registered a task.
type OwnerIdentity struct {
	PackageName string `json:"package_name"`
	CertDigest  string `json:"cert_digest"`
}

func (o OwnerIdentity) String() string {
	if o.CertDigest == "" {
		return o.PackageName
	}
	return o.PackageName + "#" + o.CertDigest
}

// TrainingTask is one registered task, keyed by JobID.
type TrainingTask struct {
	JobID           int64
	Owner           OwnerIdentity
	PopulationName  string
	ServerAddress   string
	Interval        *IntervalSpec
	Context         []byte
	Constraints     Constraints
	CreationTime    time.Time
	LastScheduled   time.Time
	LastRunStart    time.Time
	LastRunEnd      time.Time
	EarliestNextRun time.Time
	Reason          SchedulingReason
	RescheduleCount int
}

var ErrInvalidTask = errors.New("invalid training task")

// NewTrainingTask builds a task registered at now and validates it.
func NewTrainingTask(jobID int64, owner OwnerIdentity, population string, interval *IntervalSpec, constraints Constraints, now, earliest time.Time, reason SchedulingReason) (*TrainingTask, error) {
	t := &TrainingTask{
		JobID:           jobID,
		Owner:           owner,
		PopulationName:  population,
		Interval:        interval,
		Constraints:     constraints,
		CreationTime:    now,
		LastScheduled:   now,
		EarliestNextRun: earliest,
		Reason:          reason,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks required fields and the next-run invariant.
func (t *TrainingTask) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil", ErrInvalidTask)
	}
	if t.JobID <= 0 {
		return fmt.Errorf("%w: job id must be > 0", ErrInvalidTask)
	}
	if strings.TrimSpace(t.PopulationName) == "" {
		return fmt.Errorf("%w: population name required", ErrInvalidTask)
	}
	if strings.TrimSpace(t.Owner.PackageName) == "" {
		return fmt.Errorf("%w: owner package required", ErrInvalidTask)
	}
	if err := t.Interval.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if t.EarliestNextRun.Before(t.LastScheduled) {
		return fmt.Errorf("%w: earliest next run before last scheduled", ErrInvalidTask)
	}
	return nil
}

// Clone returns a deep copy so snapshots handed to callers cannot alias store state.
func (t *TrainingTask) Clone() *TrainingTask {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Interval != nil {
		iv := *t.Interval
		cp.Interval = &iv
	}
	if t.Context != nil {
		cp.Context = append([]byte(nil), t.Context...)
	}
	return &cp
}

// HistoryKey addresses one TaskHistory row.
type HistoryKey struct {
	JobID          int64
	PopulationName string
	TaskName       string
}

// TaskHistory records the last contribution of a device to a task.
type TaskHistory struct {
	HistoryKey
	ContributionRound  int64
	ContributionTime   time.Time
	TotalParticipation int
}

// ContributionResult is the recorded outcome of a run.
type ContributionResult int

const (
	ContributionUnspecified ContributionResult = iota
	ContributionSuccess
	ContributionFail
	ContributionNotEligible
	// ContributionDeviceConditions means the run never started because the
	// device was not in a state to contribute. It is not a contribution attempt.
	ContributionDeviceConditions
)

func (c ContributionResult) String() string {
	switch c {
	case ContributionSuccess:
		return "success"
	case ContributionFail:
		return "fail"
	case ContributionNotEligible:
		return "not_eligible"
	case ContributionDeviceConditions:
		return "device_conditions"
	default:
		return "unspecified"
	}
}

// ExampleConsumption describes how many examples a run read from one collection.
type ExampleConsumption struct {
	CollectionURI     string `json:"collection_uri"`
	SelectionCriteria []byte `json:"selection_criteria,omitempty"`
	ExampleCount      int    `json:"example_count"`
	ResumptionToken   []byte `json:"resumption_token,omitempty"`
}

// ComputationResult is run-scoped and never persisted.
type ComputationResult struct {
	OutputCheckpoint string
	Outcome          ContributionResult
	Consumptions     []ExampleConsumption
}

// PolicyKind enumerates eligibility policy variants.
type PolicyKind int

const (
	PolicyUnknown PolicyKind = iota
	PolicyMinimumSeparation
)

// MinimumSeparation requires MinimumSeparation rounds between two
// contributions of the same device to the same task.
type MinimumSeparation struct {
	CurrentIndex      int64 `json:"current_index"`
	MinimumSeparation int64 `json:"minimum_separation"`
}

// EligibilityPolicy is a tagged union; exactly one variant is set per Kind.
type EligibilityPolicy struct {
	Name              string             `json:"name,omitempty"`
	Kind              PolicyKind         `json:"kind"`
	MinimumSeparation *MinimumSeparation `json:"min_sep,omitempty"`
}

// AuthToken is a server-issued authorization token cached per owner.
type AuthToken struct {
	Owner     string
	Token     string
	ExpiresAt time.Time
}

// EncodeInterval serializes spec for the opaque store column; nil stays nil.
func EncodeInterval(spec *IntervalSpec) ([]byte, error) {
	if spec == nil {
		return nil, nil
	}
	return json.Marshal(spec)
}

func DecodeInterval(b []byte) (*IntervalSpec, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var spec IntervalSpec
	if err := json.Unmarshal(b, &spec); err != nil {
		return nil, fmt.Errorf("decode interval: %w", err)
	}
	return &spec, nil
}

func EncodeConstraints(c Constraints) ([]byte, error) { return json.Marshal(c) }

func DecodeConstraints(b []byte) (Constraints, error) {
	var c Constraints
	if len(b) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("decode constraints: %w", err)
	}
	return c, nil
}
