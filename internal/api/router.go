package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fedtrain/internal/training/jobmanager"
	logx "fedtrain/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBodyBytes = 1 << 20

// Deps are the handlers the router exposes. Metrics and Health are optional.
type Deps struct {
	Jobs    Jobs
	Metrics http.Handler
	Health  func() error
}

// NewRouter builds the chi router for cfg.
func NewRouter(cfg Config, deps Deps, log logx.Logger) chi.Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{deps: deps, log: log}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/healthz", h.health)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		if deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", deps.Metrics)
		}
		r.Route("/v1/trainers", func(r chi.Router) {
			r.Post("/", h.start)
			r.Delete("/{jobID}", h.cancel)
		})
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

type handlers struct {
	deps Deps
	log  logx.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health != nil {
		if err := h.deps.Health(); err != nil {
			writeErr(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) start(w http.ResponseWriter, r *http.Request) {
	var body startBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	req, err := body.request()
	if err == nil {
		err = h.deps.Jobs.Start(r.Context(), req)
	}
	if err != nil {
		status := statusFor(err)
		if status >= 500 {
			h.log.Warn("start request failed", logx.JobID(body.JobID), logx.String("request_id", middleware.GetReqID(r.Context())), logx.Err(err))
		}
		writeErr(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": req.JobID, "population_name": req.PopulationName})
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil || jobID <= 0 {
		writeErr(w, http.StatusBadRequest, "invalid job id")
		return
	}
	removed, err := h.deps.Jobs.Cancel(r.Context(), jobID)
	if err != nil {
		writeErr(w, statusFor(err), err.Error())
		return
	}
	if !removed {
		writeErr(w, http.StatusNotFound, "no task for job id")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, jobmanager.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, jobmanager.ErrStorage), errors.Is(err, jobmanager.ErrSchedule):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>. An
// empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeErr(w, http.StatusUnauthorized, "unauthorized")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
