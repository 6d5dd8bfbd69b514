package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strandci/strand/internal/runner/exec"
)

// Router exposes HTTP endpoints for the runner service.
type Router struct {
	mux                *http.ServeMux
	logger             *slog.Logger
	executor           exec.Service
	authToken          string
	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	runResults         *prometheus.CounterVec
}

const healthCheckTimeout = 2 * time.Second

// New creates and registers handlers.
func New(logger *slog.Logger, executor exec.Service, authToken string) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		executor:  executor,
		authToken: strings.TrimSpace(authToken),
	}
	r.initMetrics()
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("/run", r.instrument("/run", r.handleRun))
	r.mux.HandleFunc("/cancel", r.instrument("/cancel", r.handleCancel))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	component := map[string]any{"status": "up"}
	status := "ok"
	if err := r.executor.Health(ctx); err != nil {
		status = "degraded"
		component = map[string]any{
			"status": "down",
			"error":  err.Error(),
		}
	}
	payload := map[string]any{
		"status": status,
		"components": map[string]any{
			"docker": component,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, payload)
}

func (r *Router) handleRun(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !r.authorize(w, req) {
		return
	}
	var payload exec.Request
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		r.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := r.executor.Handle(req.Context(), payload)
	if err != nil {
		r.recordRunResult("rejected")
		r.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.recordRunResult("accepted")
	r.writeJSON(w, http.StatusAccepted, result)
}

func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !r.authorize(w, req) {
		return
	}
	var payload struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		r.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.RunID) == "" {
		r.writeError(w, http.StatusBadRequest, "run_id required")
		return
	}
	if err := r.executor.Cancel(req.Context(), payload.RunID); err != nil {
		r.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.recordRunResult("cancelled")
	r.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (r *Router) authorize(w http.ResponseWriter, req *http.Request) bool {
	if r.authToken == "" {
		return true
	}
	token := strings.TrimSpace(req.Header.Get("X-Runner-Token"))
	if len(token) != len(r.authToken) || subtle.ConstantTimeCompare([]byte(token), []byte(r.authToken)) != 1 {
		r.logger.Warn("runner token mismatch", "path", req.URL.Path)
		r.writeError(w, http.StatusUnauthorized, "invalid runner token")
		return false
	}
	return true
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}
