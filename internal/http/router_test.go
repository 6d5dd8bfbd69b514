package httpx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/strandci/strand/internal/domain"
	"github.com/strandci/strand/internal/repository"
	"github.com/strandci/strand/internal/service/auth"
	"github.com/strandci/strand/internal/service/logs"
	"github.com/strandci/strand/internal/service/project"
	"github.com/strandci/strand/internal/service/run"
	"github.com/strandci/strand/internal/service/webhook"
	"github.com/strandci/strand/internal/ws"
	"github.com/strandci/strand/pkg/config"
	"github.com/strandci/strand/pkg/crypto"
)

const routerWorkflowDoc = `name: macos tests
on:
  push:
    branches: [main, testing, dev]
jobs:
  test:
    runs-on: macos-13
    runtime:
      language: python
      version: "3.9"
    steps:
      - name: Run tests
        run: pytest -v --cov=nw --timeout=60
`

type fixture struct {
	router   *Router
	projects *projectRepoStub
	runs     *runRepoStub
	steps    *stepRepoStub
	logsRepo *logRepoStub
	webhooks *webhookRepoStub
	cfg      config.APIConfig
}

func newTestRouter(t *testing.T, mutate func(*config.APIConfig)) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.APIConfig{
		JWTSecret:       "test-secret",
		SecretsKey:      "test-secrets-key",
		AccessTokenTTL:  time.Hour,
		RunnerURL:       "http://127.0.0.1:1",
		RunnerToken:     "runner-secret",
		WorkflowPath:    ".strand/workflow.yml",
		LogBuffer:       16,
		RunHistoryLimit: 50,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	projects := &projectRepoStub{}
	runs := &runRepoStub{}
	steps := &stepRepoStub{}
	logsRepo := &logRepoStub{}
	webhooks := &webhookRepoStub{}
	users := &userRepoStub{}

	authSvc := auth.New(users, logger, cfg)
	projectSvc := project.New(projects, logger, cfg)
	logSvc := logs.New(logsRepo, ws.NewHub(cfg.LogBuffer), logger)
	runSvc := run.New(projects, runs, steps, logger, cfg, logSvc)
	webhookSvc := webhook.New(webhooks, logger, cfg)

	router := NewRouter(logger, authSvc, projectSvc, runSvc, logSvc, webhookSvc, nil, cfg.RunnerToken, nil)
	t.Cleanup(router.Close)

	return &fixture{
		router:   router,
		projects: projects,
		runs:     runs,
		steps:    steps,
		logsRepo: logsRepo,
		webhooks: webhooks,
		cfg:      cfg,
	}
}

func (f *fixture) storeWebhookSecret(t *testing.T, projectID, secret string) {
	t.Helper()
	payload, err := crypto.EncryptString(f.cfg.SecretsKey, secret)
	if err != nil {
		t.Fatalf("encrypt secret: %v", err)
	}
	f.webhooks.secrets = map[string][]byte{projectID: payload}
}

func signBody(secret string, body []byte) string {
	hasher := hmac.New(sha256.New, []byte(secret))
	hasher.Write(body)
	return "sha256=" + hex.EncodeToString(hasher.Sum(nil))
}

func TestRunnerCallbackRequiresToken(t *testing.T) {
	f := newTestRouter(t, nil)

	body := `{"run_id":"` + uuid.NewString() + `","status":"running"}`
	req := httptest.NewRequest(http.MethodPost, "/runner/callback", strings.NewReader(body))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	if len(f.runs.updates) != 0 {
		t.Fatalf("expected no run updates, got %d", len(f.runs.updates))
	}
}

func TestRunnerCallbackRecordsProgress(t *testing.T) {
	f := newTestRouter(t, nil)
	runID := uuid.NewString()

	payload := map[string]any{
		"run_id": runID,
		"status": "success",
		"stage":  "done",
		"step": map[string]any{
			"index":       2,
			"name":        "Run tests",
			"status":      "success",
			"exit_code":   0,
			"duration_ms": 1200,
		},
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/runner/callback", bytes.NewReader(body))
	req.Header.Set("X-Runner-Token", "runner-secret")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(f.runs.updates) != 1 {
		t.Fatalf("expected one run update, got %d", len(f.runs.updates))
	}
	update := f.runs.updates[0]
	if update.RunID != runID || update.Status != domain.RunStatusSuccess {
		t.Fatalf("unexpected update %+v", update)
	}
	if update.CompletedAt == nil {
		t.Fatal("expected terminal update to stamp completion time")
	}
	if len(f.steps.results) != 1 {
		t.Fatalf("expected one step result, got %d", len(f.steps.results))
	}
	step := f.steps.results[0]
	if step.Name != "Run tests" || step.Index != 2 || step.Status != domain.StepStatusSuccess {
		t.Fatalf("unexpected step result %+v", step)
	}
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	f := newTestRouter(t, nil)
	f.storeWebhookSecret(t, "proj-1", "hook-secret")

	body := []byte(`{"ref":"refs/heads/main","after":"abc"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/proj-1", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", signBody("wrong-secret", body))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	if f.runs.created != 0 {
		t.Fatalf("expected no runs created, got %d", f.runs.created)
	}
}

func TestWebhookIgnoresUnsupportedEvent(t *testing.T) {
	f := newTestRouter(t, nil)
	f.storeWebhookSecret(t, "proj-1", "hook-secret")

	body := []byte(`{"zen":"keep it simple"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/proj-1", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "ping")
	req.Header.Set("X-Hub-Signature-256", signBody("hook-secret", body))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "ignored" {
		t.Fatalf("expected ignored status, got %q", resp["status"])
	}
}

func TestWebhookPushQueuesRun(t *testing.T) {
	var dispatched counter
	runner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dispatched.inc()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer runner.Close()

	f := newTestRouter(t, func(cfg *config.APIConfig) {
		cfg.RunnerURL = runner.URL
	})
	f.projects.project = &domain.Project{
		ID:       "proj-1",
		Name:     "nw",
		RepoURL:  "https://example.com/nw.git",
		Workflow: []byte(routerWorkflowDoc),
	}
	f.storeWebhookSecret(t, "proj-1", "hook-secret")

	body := []byte(`{"ref":"refs/heads/testing","after":"deadbeef","repository":{"clone_url":"https://example.com/nw.git"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/proj-1", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", signBody("hook-secret", body))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "queued" || resp["run_id"] == "" {
		t.Fatalf("unexpected response %v", resp)
	}
	if f.runs.created != 1 {
		t.Fatalf("expected one run created, got %d", f.runs.created)
	}
	if dispatched.value() != 1 {
		t.Fatalf("expected one runner dispatch, got %d", dispatched.value())
	}
}

func TestWebhookSkipsUnlistedBranch(t *testing.T) {
	f := newTestRouter(t, nil)
	f.projects.project = &domain.Project{
		ID:       "proj-1",
		RepoURL:  "https://example.com/nw.git",
		Workflow: []byte(routerWorkflowDoc),
	}
	f.storeWebhookSecret(t, "proj-1", "hook-secret")

	body := []byte(`{"ref":"refs/heads/feature/x","after":"abc"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/proj-1", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", signBody("hook-secret", body))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "skipped" {
		t.Fatalf("expected skipped status, got %q", resp["status"])
	}
	if f.runs.created != 0 {
		t.Fatalf("expected no runs created, got %d", f.runs.created)
	}
}

func TestRunLogsPostStoresStagePrefixedEntry(t *testing.T) {
	f := newTestRouter(t, nil)
	runID := uuid.NewString()

	body := `{"source":"runner","level":"info","message":"pytest passed","stage":"steps"}`
	req := httptest.NewRequest(http.MethodPost, "/runs/"+runID+"/logs", strings.NewReader(body))
	req.Header.Set("X-Runner-Token", "runner-secret")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(f.logsRepo.entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(f.logsRepo.entries))
	}
	entry := f.logsRepo.entries[0]
	if entry.RunID != runID {
		t.Fatalf("unexpected run id %q", entry.RunID)
	}
	if entry.Message != "[steps] pytest passed" {
		t.Fatalf("unexpected message %q", entry.Message)
	}
}

func TestRunLogsPostRequiresRunnerToken(t *testing.T) {
	f := newTestRouter(t, nil)

	body := `{"message":"hello"}`
	req := httptest.NewRequest(http.MethodPost, "/runs/"+uuid.NewString()+"/logs", strings.NewReader(body))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	if len(f.logsRepo.entries) != 0 {
		t.Fatalf("expected no log entries, got %d", len(f.logsRepo.entries))
	}
}

func TestProjectsRequireAuthentication(t *testing.T) {
	f := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/projects", nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestHealthzReportsDatabaseDown(t *testing.T) {
	f := newTestRouter(t, nil)
	f.router.dbHealth = func(context.Context) error {
		return errors.New("connection refused")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	var payload map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["status"] != "degraded" {
		t.Fatalf("expected degraded status, got %v", payload["status"])
	}
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type userRepoStub struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func (u *userRepoStub) CreateUser(_ context.Context, user *domain.User) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.users == nil {
		u.users = make(map[string]*domain.User)
	}
	clone := *user
	u.users[user.ID] = &clone
	return nil
}

func (u *userRepoStub) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, user := range u.users {
		if user.Email == email {
			clone := *user
			return &clone, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (u *userRepoStub) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if user, ok := u.users[id]; ok {
		clone := *user
		return &clone, nil
	}
	return nil, repository.ErrNotFound
}

type projectRepoStub struct {
	mu      sync.Mutex
	project *domain.Project
}

func (p *projectRepoStub) CreateProject(_ context.Context, project *domain.Project) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	clone := *project
	p.project = &clone
	return nil
}

func (p *projectRepoStub) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.project == nil || p.project.ID != projectID {
		return nil, repository.ErrNotFound
	}
	clone := *p.project
	return &clone, nil
}

func (p *projectRepoStub) ListProjects(_ context.Context) ([]domain.Project, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.project == nil {
		return nil, nil
	}
	return []domain.Project{*p.project}, nil
}

func (p *projectRepoStub) UpdateWorkflow(_ context.Context, projectID string, workflow []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.project == nil || p.project.ID != projectID {
		return repository.ErrNotFound
	}
	p.project.Workflow = workflow
	return nil
}

type runRepoStub struct {
	mu      sync.Mutex
	created int
	updates []domain.RunStatusUpdate
	run     *domain.Run
}

func (r *runRepoStub) CreateRun(_ context.Context, run *domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created++
	clone := *run
	r.run = &clone
	return nil
}

func (r *runRepoStub) UpdateRunStatus(_ context.Context, update domain.RunStatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
	return nil
}

func (r *runRepoStub) GetRunByID(_ context.Context, runID string) (*domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run == nil || r.run.ID != runID {
		return nil, repository.ErrNotFound
	}
	clone := *r.run
	return &clone, nil
}

func (r *runRepoStub) ListRunsByProject(_ context.Context, projectID string, limit int) ([]domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run == nil || r.run.ProjectID != projectID {
		return nil, nil
	}
	return []domain.Run{*r.run}, nil
}

type stepRepoStub struct {
	mu      sync.Mutex
	results []domain.StepResult
}

func (s *stepRepoStub) UpsertStepResult(_ context.Context, result domain.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

func (s *stepRepoStub) ListStepResults(_ context.Context, runID string) ([]domain.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.StepResult, 0, len(s.results))
	for _, result := range s.results {
		if result.RunID == runID {
			out = append(out, result)
		}
	}
	return out, nil
}

type logRepoStub struct {
	mu      sync.Mutex
	entries []domain.RunLog
}

func (l *logRepoStub) AppendLog(_ context.Context, entry domain.RunLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *logRepoStub) ListLogsByRun(_ context.Context, runID string, limit, offset int) ([]domain.RunLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.RunLog, 0, len(l.entries))
	for _, entry := range l.entries {
		if entry.RunID == runID {
			out = append(out, entry)
		}
	}
	return out, nil
}

type webhookRepoStub struct {
	mu      sync.Mutex
	secrets map[string][]byte
}

func (w *webhookRepoStub) UpsertWebhook(_ context.Context, projectID string, secret []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.secrets == nil {
		w.secrets = make(map[string][]byte)
	}
	w.secrets[projectID] = secret
	return nil
}

func (w *webhookRepoStub) GetWebhookSecret(_ context.Context, projectID string) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	secret, ok := w.secrets[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return secret, nil
}
