package run

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/strandci/strand/internal/domain"
	"github.com/strandci/strand/internal/repository"
	"github.com/strandci/strand/internal/service/logs"
	"github.com/strandci/strand/internal/workflow"
	"github.com/strandci/strand/pkg/config"
)

// ErrNoWorkflow marks projects without a stored workflow document.
var ErrNoWorkflow = errors.New("project has no workflow document")

// Service orchestrates workflow runs via the runner service.
type Service struct {
	projects repository.ProjectRepository
	runs     repository.RunRepository
	steps    repository.StepRepository
	client   *http.Client
	logger   *slog.Logger
	cfg      config.APIConfig
	logSvc   logs.Service
}

// New returns a run service.
func New(projects repository.ProjectRepository, runs repository.RunRepository, steps repository.StepRepository, logger *slog.Logger, cfg config.APIConfig, logSvc logs.Service) Service {
	return Service{
		projects: projects,
		runs:     runs,
		steps:    steps,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		cfg:      cfg,
		logSvc:   logSvc,
	}
}

// Outcome reports what a trigger attempt did.
type Outcome struct {
	Run      *domain.Run
	Decision workflow.Decision
}

// Trigger evaluates the project's workflow against the event and, when the
// trigger matches, creates a run and dispatches it to the runner. A
// non-matching event yields a nil Run and a Decision explaining the skip.
func (s Service) Trigger(ctx context.Context, projectID string, event workflow.Event) (Outcome, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return Outcome{}, err
	}
	if len(project.Workflow) == 0 {
		return Outcome{}, ErrNoWorkflow
	}
	w, err := workflow.Parse(project.Workflow)
	if err != nil {
		return Outcome{}, err
	}
	if err := w.Validate(); err != nil {
		return Outcome{}, err
	}
	decision := workflow.Evaluate(w, event)
	if !decision.Run {
		s.logger.Info("event skipped", "project_id", project.ID, "event", string(event.Kind), "branch", event.Branch, "reason", decision.Reason)
		return Outcome{Decision: decision}, nil
	}

	jobName, job := firstJob(w)
	now := time.Now().UTC()
	run := &domain.Run{
		ID:           uuid.NewString(),
		ProjectID:    project.ID,
		WorkflowName: w.Name,
		EventKind:    string(event.Kind),
		Branch:       event.Branch,
		CommitSHA:    event.CommitSHA,
		RunsOn:       job.RunsOn,
		Status:       domain.RunStatusPending,
		Stage:        "queued",
		Message:      "run requested",
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return Outcome{}, err
	}

	repoURL := event.RepoURL
	if strings.TrimSpace(repoURL) == "" {
		repoURL = project.RepoURL
	}
	reqBody := map[string]any{
		"run_id":     run.ID,
		"project_id": project.ID,
		"repo_url":   repoURL,
		"branch":     event.Branch,
		"commit_sha": event.CommitSHA,
		"event_kind": string(event.Kind),
		"job_name":   jobName,
		"workflow":   string(project.Workflow),
	}
	if err := s.dispatch(ctx, reqBody); err != nil {
		s.logger.Error("runner dispatch failed", "run_id", run.ID, "error", err)
		s.updateStatus(ctx, domain.RunStatusUpdate{
			RunID:       run.ID,
			Status:      domain.RunStatusFailed,
			Stage:       "dispatch",
			Message:     "failed to contact runner",
			Error:       err.Error(),
			CompletedAt: toPtr(time.Now().UTC()),
		})
		return Outcome{}, err
	}

	s.updateStatus(ctx, domain.RunStatusUpdate{
		RunID:   run.ID,
		Status:  domain.RunStatusRunning,
		Stage:   "dispatched",
		Message: "runner accepted run",
	})
	s.logger.Info("run dispatched", "run_id", run.ID, "project_id", project.ID, "branch", event.Branch)
	return Outcome{Run: run, Decision: decision}, nil
}

func (s Service) dispatch(ctx context.Context, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.RunnerURL+"/run", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(s.cfg.RunnerToken); token != "" {
		req.Header.Set("X-Runner-Token", token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("runner rejected run: %s", resp.Status)
	}
	return nil
}

// CallbackPayload represents progress events from the runner service.
type CallbackPayload struct {
	RunID     string         `json:"run_id"`
	ProjectID string         `json:"project_id"`
	Status    string         `json:"status"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Error     string         `json:"error"`
	Timestamp time.Time      `json:"timestamp"`
	Step      *StepPayload   `json:"step,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StepPayload carries one step outcome inside a callback.
type StepPayload struct {
	Index      int       `json:"index"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	OutputTail string    `json:"output_tail"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// ProcessCallback ingests run progress notifications from the runner.
func (s Service) ProcessCallback(ctx context.Context, payload CallbackPayload) error {
	if strings.TrimSpace(payload.RunID) == "" {
		return errors.New("run_id required")
	}
	if _, err := uuid.Parse(payload.RunID); err != nil {
		return fmt.Errorf("run_id is not a valid identifier: %w", err)
	}

	if payload.Step != nil {
		result := domain.StepResult{
			RunID:      payload.RunID,
			Index:      payload.Step.Index,
			Name:       payload.Step.Name,
			Status:     payload.Step.Status,
			ExitCode:   payload.Step.ExitCode,
			OutputTail: payload.Step.OutputTail,
			StartedAt:  payload.Step.StartedAt,
			DurationMS: payload.Step.DurationMS,
		}
		if result.StartedAt.IsZero() {
			result.StartedAt = time.Now().UTC()
		}
		if err := s.steps.UpsertStepResult(ctx, result); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return err
			}
			s.logger.Error("step result store failed", "run_id", payload.RunID, "step", payload.Step.Index, "error", err)
		}
	}

	status := normalizeStatus(payload.Status)
	var completedAt *time.Time
	if status == domain.RunStatusFailed || status == domain.RunStatusSuccess {
		t := payload.Timestamp
		if t.IsZero() {
			t = time.Now().UTC()
		}
		completedAt = &t
	}

	var metadataBytes []byte
	if len(payload.Metadata) > 0 {
		metadataBytes, _ = json.Marshal(payload.Metadata)
	}

	if status != "" {
		update := domain.RunStatusUpdate{
			RunID:       payload.RunID,
			Status:      status,
			Stage:       payload.Stage,
			Message:     payload.Message,
			Error:       payload.Error,
			Metadata:    metadataBytes,
			CompletedAt: completedAt,
		}
		if err := s.runs.UpdateRunStatus(ctx, update); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return err
			}
			s.logger.Error("run status update failed", "run_id", payload.RunID, "error", err)
			return err
		}
	}

	logFields := []any{"run_id", payload.RunID, "status", payload.Status, "stage", payload.Stage}
	if payload.Error != "" {
		logFields = append(logFields, "error", payload.Error)
	}
	s.logger.Info("run progress", logFields...)
	s.emitRunLog(ctx, payload, metadataBytes)
	return nil
}

// ListByProject returns recent runs for a project.
func (s Service) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.Run, error) {
	if limit <= 0 || limit > s.cfg.RunHistoryLimit {
		limit = s.cfg.RunHistoryLimit
	}
	return s.runs.ListRunsByProject(ctx, projectID, limit)
}

// Get returns a run by identifier.
func (s Service) Get(ctx context.Context, runID string) (*domain.Run, error) {
	return s.runs.GetRunByID(ctx, runID)
}

// Steps returns the recorded step outcomes for a run.
func (s Service) Steps(ctx context.Context, runID string) ([]domain.StepResult, error) {
	return s.steps.ListStepResults(ctx, runID)
}

// Cancel asks the runner to abort a run.
func (s Service) Cancel(ctx context.Context, runID string) error {
	run, err := s.runs.GetRunByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == domain.RunStatusFailed || run.Status == domain.RunStatusSuccess {
		return fmt.Errorf("run %s already completed", runID)
	}
	body := map[string]any{"run_id": runID}
	if err := s.dispatchTo(ctx, s.cfg.RunnerURL+"/cancel", body); err != nil {
		return err
	}
	s.updateStatus(ctx, domain.RunStatusUpdate{
		RunID:       runID,
		Status:      domain.RunStatusFailed,
		Stage:       "cancelled",
		Message:     "run cancelled by operator",
		CompletedAt: toPtr(time.Now().UTC()),
	})
	return nil
}

func (s Service) dispatchTo(ctx context.Context, url string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(s.cfg.RunnerToken); token != "" {
		req.Header.Set("X-Runner-Token", token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("runner returned %s", resp.Status)
	}
	return nil
}

func (s Service) updateStatus(ctx context.Context, update domain.RunStatusUpdate) {
	if err := s.runs.UpdateRunStatus(ctx, update); err != nil {
		s.logger.Warn("update run status failed", "run_id", update.RunID, "error", err)
	}
}

func (s Service) emitRunLog(ctx context.Context, payload CallbackPayload, metadata []byte) {
	if s.logSvc.Hub() == nil {
		return
	}
	message := strings.TrimSpace(payload.Message)
	if message == "" {
		message = fmt.Sprintf("run %s status: %s", payload.RunID, payload.Status)
	}
	entry := domain.RunLog{
		RunID:     payload.RunID,
		Source:    "runner",
		Level:     levelFor(payload.Status),
		Message:   message,
		Metadata:  metadata,
		CreatedAt: payload.Timestamp,
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := s.logSvc.Append(ctx, entry); err != nil {
		s.logger.Warn("failed to append run log", "run_id", payload.RunID, "error", err)
	}
}

// firstJob returns the job to execute. Workflows carry a single job today;
// map iteration order is pinned by sorting to keep dispatches deterministic
// if more appear.
func firstJob(w *workflow.Workflow) (string, workflow.Job) {
	var name string
	for candidate := range w.Jobs {
		if name == "" || candidate < name {
			name = candidate
		}
	}
	return name, w.Jobs[name]
}

func normalizeStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "failed", "error":
		return domain.RunStatusFailed
	case "success", "passed":
		return domain.RunStatusSuccess
	case "running":
		return domain.RunStatusRunning
	case "queued", "pending":
		return domain.RunStatusPending
	case "":
		return ""
	default:
		return domain.RunStatusRunning
	}
}

func levelFor(status string) string {
	if normalizeStatus(status) == domain.RunStatusFailed {
		return "error"
	}
	return "info"
}

func toPtr(t time.Time) *time.Time {
	return &t
}
