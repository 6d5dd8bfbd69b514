package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/strandci/strand/pkg/config"
)

// statusPayload mirrors the control plane's callback contract.
type statusPayload struct {
	RunID     string         `json:"run_id"`
	ProjectID string         `json:"project_id"`
	Status    string         `json:"status,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Step      *stepPayload   `json:"step,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type stepPayload struct {
	Index      int       `json:"index"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	OutputTail string    `json:"output_tail"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// StepUpdate reports one step outcome back to the control plane.
type StepUpdate struct {
	Index      int
	Name       string
	Status     string
	ExitCode   int
	OutputTail string
	StartedAt  time.Time
	DurationMS int64
}

// Notifier delivers run progress and log lines to the control plane over
// HTTP callbacks. A nil client means the corresponding callback is disabled.
type Notifier struct {
	statusClient *http.Client
	logClient    *http.Client
	cfg          config.RunnerConfig
	logger       *slog.Logger
	timeout      time.Duration
}

// NewNotifier builds a notifier from runner configuration.
func NewNotifier(cfg config.RunnerConfig, logger *slog.Logger) *Notifier {
	timeout := cfg.CallbackTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	n := &Notifier{cfg: cfg, logger: logger, timeout: timeout}
	if cfg.StatusCallbackURL != "" {
		n.statusClient = &http.Client{Timeout: timeout}
	}
	if cfg.LogCallbackURL != "" {
		n.logClient = &http.Client{Timeout: timeout}
	}
	return n
}

// NotifyStatus posts a run-level status transition.
func (n *Notifier) NotifyStatus(runID, projectID, status, stage, message string, metadata map[string]any, cause error) bool {
	payload := statusPayload{
		RunID:     runID,
		ProjectID: projectID,
		Status:    status,
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	if cause != nil {
		payload.Error = cause.Error()
	}
	return n.postStatus(runID, payload)
}

// NotifyStep posts a step outcome without touching the run status.
func (n *Notifier) NotifyStep(runID, projectID string, update StepUpdate) bool {
	payload := statusPayload{
		RunID:     runID,
		ProjectID: projectID,
		Stage:     "steps",
		Message:   update.Name + ": " + update.Status,
		Timestamp: time.Now().UTC(),
		Step: &stepPayload{
			Index:      update.Index,
			Name:       update.Name,
			Status:     update.Status,
			ExitCode:   update.ExitCode,
			OutputTail: update.OutputTail,
			StartedAt:  update.StartedAt,
			DurationMS: update.DurationMS,
		},
	}
	return n.postStatus(runID, payload)
}

func (n *Notifier) postStatus(runID string, payload statusPayload) bool {
	if n.statusClient == nil || n.cfg.StatusCallbackURL == "" {
		return true
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("marshal callback payload failed", "run_id", runID, "error", err)
		return false
	}
	return n.post(n.statusClient, n.cfg.StatusCallbackURL, runID, body)
}

// EmitLog forwards a log line to the control plane's run log endpoint.
func (n *Notifier) EmitLog(runID, level, message string, metadata map[string]any) {
	if n.logClient == nil || n.cfg.LogCallbackURL == "" {
		return
	}
	payload := map[string]any{
		"source":    "runner",
		"level":     level,
		"message":   message,
		"metadata":  metadata,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn("marshal log payload failed", "run_id", runID, "error", err)
		return
	}
	endpoint := strings.TrimRight(n.cfg.LogCallbackURL, "/") + "/" + runID + "/logs"
	n.post(n.logClient, endpoint, runID, body)
}

func (n *Notifier) post(client *http.Client, url, runID string, body []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("create callback request failed", "run_id", runID, "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(n.cfg.AuthToken); token != "" {
		req.Header.Set("X-Runner-Token", token)
	}
	resp, err := client.Do(req)
	if err != nil {
		n.logger.Warn("callback request failed", "run_id", runID, "url", url, "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		n.logger.Warn("callback response status", "run_id", runID, "url", url, "status_code", resp.StatusCode)
		return false
	}
	return true
}
