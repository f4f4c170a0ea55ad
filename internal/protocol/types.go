// Package protocol is the client side of the remote checkin/report exchange.
// Retries are the caller's concern; the client performs one exchange per call.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fedtrain/internal/compute"
	"fedtrain/internal/training"
)

var (
	// ErrNoAssignment means the server had no task for this population.
	ErrNoAssignment = errors.New("no task assignment")
	ErrNoServer     = errors.New("server address missing")
)

// StatusError is a non-success HTTP answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("protocol status %d: %s", e.Code, e.Body)
}

type TaskAssignment struct {
	TaskName      string `json:"task_name"`
	AggregationID string `json:"aggregation_id,omitempty"`
}

type CheckinRequest struct {
	ServerAddress string                 `json:"-"`
	Population    string                 `json:"population"`
	JobID         int64                  `json:"job_id"`
	Owner         training.OwnerIdentity `json:"owner"`
	AuthToken     string                 `json:"auth_token,omitempty"`
	Context       []byte                 `json:"context,omitempty"`
}

type CheckinResponse struct {
	Plan                compute.Plan                 `json:"plan"`
	Assignment          TaskAssignment               `json:"assignment"`
	RoundIndex          int64                        `json:"round_index"`
	EligibilityPolicies []training.EligibilityPolicy `json:"eligibility_policies,omitempty"`
	AuthToken           string                       `json:"auth_token,omitempty"`
	AuthTokenExpiry     time.Time                    `json:"auth_token_expiry,omitempty"`
}

type ReportRequest struct {
	ServerAddress string                        `json:"-"`
	Population    string                        `json:"population"`
	TaskName      string                        `json:"task_name"`
	AggregationID string                        `json:"aggregation_id,omitempty"`
	Outcome       string                        `json:"outcome"`
	Checkpoint    []byte                        `json:"checkpoint,omitempty"`
	Consumptions  []training.ExampleConsumption `json:"consumptions,omitempty"`
	AuthToken     string                        `json:"auth_token,omitempty"`
}

type Client interface {
	Checkin(ctx context.Context, req CheckinRequest) (*CheckinResponse, error)
	Report(ctx context.Context, req ReportRequest) error
}
