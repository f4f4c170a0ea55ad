package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fedtrain/internal/compute"
	"fedtrain/internal/training"
	logx "fedtrain/pkg/logx"
)

func TestCheckinAndReport(t *testing.T) {
	t.Parallel()
	var reported ReportRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/checkin", func(w http.ResponseWriter, r *http.Request) {
		var req CheckinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Population != "p1" || req.JobID != 5 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(CheckinResponse{
			Plan:       compute.Plan{ClientGraph: []byte("graph")},
			Assignment: TaskAssignment{TaskName: "t1", AggregationID: "agg"},
			RoundIndex: 16,
			EligibilityPolicies: []training.EligibilityPolicy{{
				Kind:              training.PolicyMinimumSeparation,
				MinimumSeparation: &training.MinimumSeparation{CurrentIndex: 16, MinimumSeparation: 6},
			}},
			AuthToken: "tok",
		})
	})
	mux.HandleFunc("/v1/report", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&reported)
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHTTPClient("", time.Second, logx.Nop())
	resp, err := c.Checkin(context.Background(), CheckinRequest{ServerAddress: srv.URL, Population: "p1", JobID: 5})
	if err != nil {
		t.Fatalf("Checkin: %v", err)
	}
	if resp.Assignment.TaskName != "t1" || resp.RoundIndex != 16 || string(resp.Plan.ClientGraph) != "graph" {
		t.Fatalf("response = %+v", resp)
	}
	if len(resp.EligibilityPolicies) != 1 || resp.EligibilityPolicies[0].MinimumSeparation.MinimumSeparation != 6 {
		t.Fatalf("policies = %+v", resp.EligibilityPolicies)
	}

	err = c.Report(context.Background(), ReportRequest{ServerAddress: srv.URL, Population: "p1", TaskName: "t1", Outcome: "success", Checkpoint: []byte("weights")})
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if reported.TaskName != "t1" || reported.Outcome != "success" || string(reported.Checkpoint) != "weights" {
		t.Fatalf("server saw %+v", reported)
	}
}

func TestCheckinErrors(t *testing.T) {
	t.Parallel()
	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	c := NewHTTPClient(srv.URL, time.Second, logx.Nop())

	status = http.StatusNoContent
	if _, err := c.Checkin(context.Background(), CheckinRequest{Population: "p"}); !errors.Is(err, ErrNoAssignment) {
		t.Fatalf("204 err = %v, want ErrNoAssignment", err)
	}

	status = http.StatusServiceUnavailable
	_, err := c.Checkin(context.Background(), CheckinRequest{Population: "p"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
		t.Fatalf("503 err = %v", err)
	}

	empty := NewHTTPClient("", time.Second, logx.Nop())
	if _, err := empty.Checkin(context.Background(), CheckinRequest{}); !errors.Is(err, ErrNoServer) {
		t.Fatalf("no server err = %v", err)
	}
}

func TestCheckinCancelled(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := NewHTTPClient(srv.URL, 5*time.Second, logx.Nop()).Checkin(ctx, CheckinRequest{Population: "p"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
