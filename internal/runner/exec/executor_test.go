package exec

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/strandci/strand/internal/runner/coverage"
	"github.com/strandci/strand/internal/runner/docker"
	"github.com/strandci/strand/internal/runner/workspace"
	"github.com/strandci/strand/internal/workflow"
	"github.com/strandci/strand/pkg/config"
)

func TestExecuteRunsStepsInOrderWithMergedEnv(t *testing.T) {
	engine := &fakeEngine{}
	collector := newCallbackCollector(t)
	defer collector.Close()
	svc := newTestExecutor(t, engine, collector.URL())

	job := workflow.Job{
		Runtime: workflow.Runtime{Language: "python", Version: "3.9"},
		Env:     map[string]string{"CI": "1"},
		Steps: []workflow.Step{
			{Name: "Install native dependency", Run: "brew install enchant"},
			{Name: "Install dependencies", Run: "pip install -r requirements.txt"},
			{
				Name: "Run tests",
				Run:  "pytest -v --cov=nw --timeout=60",
				Env:  map[string]string{"QT_QPA_PLATFORM": "offscreen"},
			},
		},
	}
	svc.execute(context.Background(), testRequest(), "test", job)

	if got := len(engine.execs); got != 3 {
		t.Fatalf("expected 3 exec calls, got %d", got)
	}
	wantCommands := []string{
		"brew install enchant",
		"pip install -r requirements.txt",
		"pytest -v --cov=nw --timeout=60",
	}
	for i, want := range wantCommands {
		if got := engine.execs[i].command(); got != want {
			t.Fatalf("exec %d: expected command %q, got %q", i, want, got)
		}
	}
	if engine.pulled != "python:3.9" {
		t.Fatalf("expected python:3.9 image pulled, got %q", engine.pulled)
	}
	lastEnv := engine.execs[2].env
	if !contains(lastEnv, "QT_QPA_PLATFORM=offscreen") {
		t.Fatalf("expected step env in exec call, got %v", lastEnv)
	}
	if !contains(lastEnv, "CI=1") {
		t.Fatalf("expected job env merged into exec call, got %v", lastEnv)
	}
	if status := collector.finalStatus(); status != statusSuccess {
		t.Fatalf("expected final status success, got %q", status)
	}
	if got := collector.stepStatuses(); !equalStrings(got, []string{
		stepRunning, stepSuccess,
		stepRunning, stepSuccess,
		stepRunning, stepSuccess,
	}) {
		t.Fatalf("unexpected step status sequence: %v", got)
	}
}

func TestExecuteFailFastSkipsLaterSteps(t *testing.T) {
	engine := &fakeEngine{exitCodes: map[string]int{"pytest": 1}}
	collector := newCallbackCollector(t)
	defer collector.Close()
	svc := newTestExecutor(t, engine, collector.URL())

	job := workflow.Job{
		Runtime: workflow.Runtime{Language: "python", Version: "3.9"},
		Steps: []workflow.Step{
			{Name: "Run tests", Run: "pytest"},
			{Name: "Package", Run: "python -m build"},
			{Name: "Report", Run: "echo done", If: "always()"},
		},
	}
	svc.execute(context.Background(), testRequest(), "test", job)

	if got := len(engine.execs); got != 2 {
		t.Fatalf("expected failed step plus always-run step, got %d exec calls", got)
	}
	if got := engine.execs[1].command(); got != "echo done" {
		t.Fatalf("expected always() step to run, got %q", got)
	}
	if status := collector.finalStatus(); status != statusFailed {
		t.Fatalf("expected final status failed, got %q", status)
	}
	statuses := collector.stepStatusByName()
	if statuses["Run tests"] != stepFailed {
		t.Fatalf("expected Run tests failed, got %q", statuses["Run tests"])
	}
	if statuses["Package"] != stepSkipped {
		t.Fatalf("expected Package skipped, got %q", statuses["Package"])
	}
	if statuses["Report"] != stepSuccess {
		t.Fatalf("expected Report success, got %q", statuses["Report"])
	}
}

func TestExecuteContinueOnErrorKeepsRunGreen(t *testing.T) {
	engine := &fakeEngine{exitCodes: map[string]int{"flaky": 2}}
	collector := newCallbackCollector(t)
	defer collector.Close()
	svc := newTestExecutor(t, engine, collector.URL())

	job := workflow.Job{
		Runtime: workflow.Runtime{Language: "python"},
		Steps: []workflow.Step{
			{Name: "Flaky", Run: "flaky", ContinueOnError: true},
			{Name: "Next", Run: "echo next"},
		},
	}
	svc.execute(context.Background(), testRequest(), "test", job)

	if got := len(engine.execs); got != 2 {
		t.Fatalf("expected both steps to execute, got %d", got)
	}
	if status := collector.finalStatus(); status != statusSuccess {
		t.Fatalf("expected final status success, got %q", status)
	}
	statuses := collector.stepStatusByName()
	if statuses["Flaky"] != stepFailed {
		t.Fatalf("expected Flaky recorded as failed, got %q", statuses["Flaky"])
	}
}

func TestExecuteStepTimeoutFailsRun(t *testing.T) {
	engine := &fakeEngine{blockOn: "pytest"}
	collector := newCallbackCollector(t)
	defer collector.Close()
	svc := newTestExecutor(t, engine, collector.URL())

	job := workflow.Job{
		Runtime: workflow.Runtime{Language: "python", Version: "3.9"},
		Steps: []workflow.Step{
			{Name: "Run tests", Run: "pytest -v --timeout=60", TimeoutSeconds: 1},
			{Name: "Package", Run: "python -m build"},
		},
	}
	svc.execute(context.Background(), testRequest(), "test", job)

	if status := collector.finalStatus(); status != statusFailed {
		t.Fatalf("expected final status failed, got %q", status)
	}
	if msg := collector.finalMessage(); !strings.Contains(msg, "timed out") {
		t.Fatalf("expected timeout in failure message, got %q", msg)
	}
	statuses := collector.stepStatusByName()
	if statuses["Run tests"] != stepFailed {
		t.Fatalf("expected Run tests failed, got %q", statuses["Run tests"])
	}
	if statuses["Package"] != stepSkipped {
		t.Fatalf("expected Package skipped after timeout, got %q", statuses["Package"])
	}
}

func TestExecuteReportsFirstFailureWhenAlwaysStepAlsoFails(t *testing.T) {
	engine := &fakeEngine{exitCodes: map[string]int{"pytest": 1, "report": 3}}
	collector := newCallbackCollector(t)
	defer collector.Close()
	svc := newTestExecutor(t, engine, collector.URL())

	job := workflow.Job{
		Runtime: workflow.Runtime{Language: "python"},
		Steps: []workflow.Step{
			{Name: "Run tests", Run: "pytest"},
			{Name: "Report", Run: "report --final", If: "always()"},
		},
	}
	svc.execute(context.Background(), testRequest(), "test", job)

	if status := collector.finalStatus(); status != statusFailed {
		t.Fatalf("expected final status failed, got %q", status)
	}
	msg := collector.finalMessage()
	if !strings.Contains(msg, `"Run tests"`) {
		t.Fatalf("expected first failing step as root cause, got %q", msg)
	}
	if strings.Contains(msg, `"Report"`) {
		t.Fatalf("expected always() step failure not to mask the root cause, got %q", msg)
	}
	statuses := collector.stepStatusByName()
	if statuses["Report"] != stepFailed {
		t.Fatalf("expected Report recorded as failed, got %q", statuses["Report"])
	}
}

func TestCancelToleratesMissingContainer(t *testing.T) {
	engine := &fakeEngine{removeErr: docker.ErrNotFound}
	svc := newTestExecutor(t, engine, "")

	if err := svc.Cancel(context.Background(), "run-9"); err != nil {
		t.Fatalf("expected cancel of a finished run to succeed, got %v", err)
	}
}

func TestExecuteFailsOnUnsupportedRuntime(t *testing.T) {
	engine := &fakeEngine{}
	collector := newCallbackCollector(t)
	defer collector.Close()
	svc := newTestExecutor(t, engine, collector.URL())

	job := workflow.Job{
		Runtime: workflow.Runtime{Language: "python", Arch: "arm64"},
		Steps: []workflow.Step{
			{Name: "Run tests", Run: "pytest"},
		},
	}
	svc.execute(context.Background(), testRequest(), "test", job)

	if len(engine.execs) != 0 {
		t.Fatalf("expected no exec calls for unsupported runtime, got %d", len(engine.execs))
	}
	if status := collector.finalStatus(); status != statusFailed {
		t.Fatalf("expected final status failed, got %q", status)
	}
}

func TestHandleRejectsUnknownJob(t *testing.T) {
	engine := &fakeEngine{}
	svc := newTestExecutor(t, engine, "")

	_, err := svc.Handle(context.Background(), Request{
		RunID:    "run-1",
		RepoURL:  "https://example.com/nw.git",
		JobName:  "deploy",
		Workflow: minimalWorkflowDoc,
	})
	if err == nil || !strings.Contains(err.Error(), "no job") {
		t.Fatalf("expected unknown job error, got %v", err)
	}
}

func TestHandleRejectsMissingWorkflow(t *testing.T) {
	engine := &fakeEngine{}
	svc := newTestExecutor(t, engine, "")

	_, err := svc.Handle(context.Background(), Request{
		RunID:   "run-1",
		RepoURL: "https://example.com/nw.git",
	})
	if err == nil {
		t.Fatal("expected error for missing workflow document")
	}
}

func TestRuntimeImageMapping(t *testing.T) {
	cases := []struct {
		runtime workflow.Runtime
		want    string
		wantErr bool
	}{
		{workflow.Runtime{Language: "python", Version: "3.9"}, "python:3.9", false},
		{workflow.Runtime{Language: "python"}, "python:3", false},
		{workflow.Runtime{Language: "node", Version: "20"}, "node:20", false},
		{workflow.Runtime{Language: "go", Version: "1.24"}, "golang:1.24", false},
		{workflow.Runtime{Language: "python", Version: "3.9", Arch: "x64"}, "python:3.9", false},
		{workflow.Runtime{Language: "python", Arch: "s390x"}, "", true},
		{workflow.Runtime{Language: "fortran"}, "", true},
		{workflow.Runtime{}, "", true},
	}
	for _, tc := range cases {
		got, err := runtimeImage(tc.runtime)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("runtime %+v: expected error", tc.runtime)
			}
			continue
		}
		if err != nil {
			t.Fatalf("runtime %+v: unexpected error %v", tc.runtime, err)
		}
		if got != tc.want {
			t.Fatalf("runtime %+v: expected %q, got %q", tc.runtime, tc.want, got)
		}
	}
}

func TestMergedEnvStepValuesWin(t *testing.T) {
	got := mergedEnv(
		map[string]string{"A": "job", "B": "job"},
		map[string]string{"B": "step", "C": "step"},
	)
	want := []string{"A=job", "B=step", "C=step"}
	if !equalStrings(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

const minimalWorkflowDoc = `name: minimal
on:
  push:
    branches: [main]
jobs:
  test:
    runtime:
      language: python
    steps:
      - name: Run tests
        run: pytest
`

func testRequest() Request {
	return Request{
		RunID:     "run-1",
		ProjectID: "project-1",
		RepoURL:   "https://example.com/nw.git",
		Branch:    "main",
		CommitSHA: "abc123",
		EventKind: "push",
		JobName:   "test",
		Workflow:  minimalWorkflowDoc,
	}
}

func newTestExecutor(t *testing.T, engine Engine, callbackURL string) Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace manager: %v", err)
	}
	cfg := config.RunnerConfig{
		StepTimeout:       time.Minute,
		RunTimeout:        5 * time.Minute,
		GitTimeout:        time.Minute,
		CallbackTimeout:   2 * time.Second,
		StatusCallbackURL: callbackURL,
	}
	notifier := NewNotifier(cfg, logger)
	uploader := coverage.New("", "", 1, time.Second, logger)
	return New(engine, ws, notifier, uploader, logger, cfg)
}

type execCall struct {
	cmd []string
	env []string
}

func (c execCall) command() string {
	if len(c.cmd) == 0 {
		return ""
	}
	return c.cmd[len(c.cmd)-1]
}

type fakeEngine struct {
	mu        sync.Mutex
	pulled    string
	execs     []execCall
	exitCodes map[string]int
	blockOn   string
	removeErr error
	pingErr   error
}

func (f *fakeEngine) Ping(context.Context) error { return f.pingErr }

func (f *fakeEngine) PullImage(ctx context.Context, ref string, onOutput func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = ref
	return nil
}

func (f *fakeEngine) StartJobContainer(ctx context.Context, name, image, workdir string, env []string) (string, error) {
	return "container-1", nil
}

func (f *fakeEngine) ExecStep(ctx context.Context, containerID string, cmd []string, env []string, onOutput func(string)) (int, error) {
	f.mu.Lock()
	f.execs = append(f.execs, execCall{cmd: cmd, env: env})
	f.mu.Unlock()
	command := cmd[len(cmd)-1]
	if onOutput != nil {
		onOutput("running " + command)
	}
	if f.blockOn != "" && strings.HasPrefix(command, f.blockOn) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	for prefix, code := range f.exitCodes {
		if strings.HasPrefix(command, prefix) {
			return code, nil
		}
	}
	return 0, nil
}

func (f *fakeEngine) RemoveContainer(context.Context, string) error { return f.removeErr }

type callbackCollector struct {
	server *httptest.Server
	mu     sync.Mutex
	events []statusPayload
}

func newCallbackCollector(t *testing.T) *callbackCollector {
	t.Helper()
	c := &callbackCollector{}
	c.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload statusPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode callback payload: %v", err)
		}
		c.mu.Lock()
		c.events = append(c.events, payload)
		c.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	return c
}

func (c *callbackCollector) URL() string { return c.server.URL }

func (c *callbackCollector) Close() { c.server.Close() }

func (c *callbackCollector) finalStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Status != "" {
			return c.events[i].Status
		}
	}
	return ""
}

func (c *callbackCollector) finalMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Status != "" {
			return c.events[i].Message
		}
	}
	return ""
}

func (c *callbackCollector) stepStatuses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, event := range c.events {
		if event.Step != nil {
			out = append(out, event.Step.Status)
		}
	}
	return out
}

func (c *callbackCollector) stepStatusByName() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string)
	for _, event := range c.events {
		if event.Step != nil {
			out[event.Step.Name] = event.Step.Status
		}
	}
	return out
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func equalStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
