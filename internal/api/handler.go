// Package api serves run status, history and metrics over HTTP for the
// long-running "serve" mode.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/hazardsync/internal/history"
	"github.com/psantana5/hazardsync/internal/orchestrator"
	"github.com/psantana5/hazardsync/internal/report"
	"github.com/psantana5/hazardsync/pkg/logging"
)

// StatusProvider reports the current or last run
type StatusProvider interface {
	Status() (label string, state orchestrator.State, running bool)
}

// TriggerFunc starts a run in the background. It returns
// orchestrator.ErrRunInProgress when one is already active.
type TriggerFunc func() error

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Label   string `json:"label,omitempty"`
	State   string `json:"state"`
	Running bool   `json:"running"`
	Uptime  string `json:"uptime"`
}

// Handler serves the API routes
type Handler struct {
	status  StatusProvider
	history history.Store
	metrics *report.Metrics
	trigger TriggerFunc
	log     *logging.Logger
	started time.Time
}

// NewHandler creates a handler. history, metrics and trigger may be nil;
// their routes then answer 503.
func NewHandler(status StatusProvider, store history.Store, metrics *report.Metrics, trigger TriggerFunc, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Discard()
	}
	return &Handler{
		status:  status,
		history: store,
		metrics: metrics,
		trigger: trigger,
		log:     log,
		started: time.Now(),
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/status", h.Status).Methods("GET")

	r.HandleFunc("/runs", h.ListRuns).Methods("GET")
	r.HandleFunc("/runs", h.TriggerRun).Methods("POST")
	r.HandleFunc("/runs/{id}", h.GetRun).Methods("GET")
	r.HandleFunc("/runs/{id}", h.DeleteRun).Methods("DELETE")

	r.HandleFunc("/failures", h.Failures).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func queryLimit(r *http.Request, def int) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid limit %q", s)
	}
	return n, nil
}

// Health answers liveness probes and the history store's health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.history != nil {
		if err := h.history.HealthCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Status reports the orchestrator state
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{State: string(orchestrator.StateInit), Uptime: time.Since(h.started).Round(time.Second).String()}
	if h.status != nil {
		label, state, running := h.status.Status()
		resp.Label = label
		resp.State = string(state)
		resp.Running = running
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListRuns returns recorded runs, newest first
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		http.Error(w, "Run history is not configured", http.StatusServiceUnavailable)
		return
	}
	limit, err := queryLimit(r, 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	runs, err := h.history.ListRuns(r.Context(), limit)
	if err != nil {
		h.log.Error(fmt.Sprintf("Failed to list runs: %v", err))
		http.Error(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// GetRun returns one run by ID or label, with its task outcomes
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		http.Error(w, "Run history is not configured", http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	run, err := h.history.GetRun(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error(fmt.Sprintf("Failed to get run %s: %v", id, err))
		http.Error(w, "Failed to get run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// DeleteRun removes a run record. The run directory on disk is untouched.
func (h *Handler) DeleteRun(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		http.Error(w, "Run history is not configured", http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	err := h.history.DeleteRun(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error(fmt.Sprintf("Failed to delete run %s: %v", id, err))
		http.Error(w, "Failed to delete run", http.StatusInternalServerError)
		return
	}
	h.log.Info(fmt.Sprintf("Deleted run record %s", id))
	w.WriteHeader(http.StatusNoContent)
}

// TriggerRun starts a run in the background
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	if h.trigger == nil {
		http.Error(w, "Triggering runs is disabled", http.StatusServiceUnavailable)
		return
	}
	if err := h.trigger(); err != nil {
		if errors.Is(err, orchestrator.ErrRunInProgress) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		h.log.Error(fmt.Sprintf("Failed to start run: %v", err))
		http.Error(w, fmt.Sprintf("Failed to start run: %v", err), http.StatusInternalServerError)
		return
	}
	h.log.Info("Run triggered over the API")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// Failures returns the most recent task failures across runs
func (h *Handler) Failures(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil || h.metrics.Failures == nil {
		writeJSON(w, http.StatusOK, map[string]any{"failures": []report.FailureSample{}, "total": 0})
		return
	}
	limit, err := queryLimit(r, 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"failures": h.metrics.Failures.Recent(limit),
		"total":    h.metrics.Failures.Count(),
	})
}
