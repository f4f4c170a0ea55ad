package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fedtrain/internal/training"
	"fedtrain/internal/training/jobmanager"
)

// Config controls the HTTP surface.
//
// A non-loopback Addr requires Token unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// Jobs is the caller-facing scheduling API.
type Jobs interface {
	Start(ctx context.Context, req jobmanager.StartRequest) error
	Cancel(ctx context.Context, jobID int64) (bool, error)
}

type ownerBody struct {
	PackageName string `json:"package_name"`
	CertDigest  string `json:"cert_digest"`
}

type intervalBody struct {
	Mode            string `json:"mode"`
	MinimumInterval string `json:"minimum_interval"`
}

type constraintsBody struct {
	RequireIdle             bool `json:"require_idle"`
	RequireBatteryNotLow    bool `json:"require_battery_not_low"`
	RequireUnmeteredNetwork bool `json:"require_unmetered_network"`
}

// startBody is the JSON form of a start request. Context is base64.
type startBody struct {
	Owner          ownerBody        `json:"owner"`
	PopulationName string           `json:"population_name"`
	JobID          int64            `json:"job_id"`
	ServerAddress  string           `json:"server_address"`
	Interval       *intervalBody    `json:"interval,omitempty"`
	Constraints    *constraintsBody `json:"constraints,omitempty"`
	Context        []byte           `json:"context,omitempty"`
}

func (b startBody) request() (jobmanager.StartRequest, error) {
	req := jobmanager.StartRequest{
		Owner:          training.OwnerIdentity{PackageName: b.Owner.PackageName, CertDigest: b.Owner.CertDigest},
		PopulationName: b.PopulationName,
		JobID:          b.JobID,
		ServerAddress:  b.ServerAddress,
		Context:        b.Context,
	}
	if b.Interval != nil {
		iv := &training.IntervalSpec{}
		switch strings.ToLower(strings.TrimSpace(b.Interval.Mode)) {
		case "one_time", "onetime", "one-time":
			iv.Mode = training.IntervalOneTime
		case "recurrent":
			iv.Mode = training.IntervalRecurrent
		default:
			return req, &jobmanager.ValidationError{Field: "interval.mode", Reason: fmt.Sprintf("unknown mode %q", b.Interval.Mode)}
		}
		if s := strings.TrimSpace(b.Interval.MinimumInterval); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return req, &jobmanager.ValidationError{Field: "interval.minimum_interval", Reason: err.Error()}
			}
			iv.MinimumInterval = d
		}
		req.Interval = iv
	}
	if b.Constraints != nil {
		req.Constraints = &training.Constraints{
			RequireIdle:             b.Constraints.RequireIdle,
			RequireBatteryNotLow:    b.Constraints.RequireBatteryNotLow,
			RequireUnmeteredNetwork: b.Constraints.RequireUnmeteredNetwork,
		}
	}
	return req, nil
}
