package exec

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/strandci/strand/internal/runner/coverage"
	"github.com/strandci/strand/internal/runner/docker"
	"github.com/strandci/strand/internal/runner/git"
	"github.com/strandci/strand/internal/runner/workspace"
	"github.com/strandci/strand/internal/workflow"
	"github.com/strandci/strand/pkg/config"
)

const (
	statusRunning = "running"
	statusFailed  = "failed"
	statusSuccess = "success"

	stepRunning = "running"
	stepFailed  = "failed"
	stepSuccess = "success"
	stepSkipped = "skipped"
)

// Request contains run parameters from the control plane.
type Request struct {
	RunID     string `json:"run_id"`
	ProjectID string `json:"project_id"`
	RepoURL   string `json:"repo_url"`
	Branch    string `json:"branch"`
	CommitSHA string `json:"commit_sha"`
	EventKind string `json:"event_kind"`
	JobName   string `json:"job_name"`
	Workflow  string `json:"workflow"`
}

// Result summarizes run acceptance.
type Result struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	Job       string    `json:"job"`
	Timestamp time.Time `json:"timestamp"`
}

// Service executes workflow jobs inside containers.
type Service struct {
	engine    Engine
	workspace *workspace.Manager
	notifier  *Notifier
	uploader  *coverage.Uploader
	logger    *slog.Logger
	cfg       config.RunnerConfig
	sessions  *sync.Map
}

// New creates an execution service.
func New(engine Engine, ws *workspace.Manager, notifier *Notifier, uploader *coverage.Uploader, logger *slog.Logger, cfg config.RunnerConfig) Service {
	return Service{
		engine:    engine,
		workspace: ws,
		notifier:  notifier,
		uploader:  uploader,
		logger:    logger,
		cfg:       cfg,
		sessions:  &sync.Map{},
	}
}

// Handle validates the request and starts job execution in the background.
func (s Service) Handle(ctx context.Context, req Request) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	wf, err := workflow.Parse([]byte(req.Workflow))
	if err != nil {
		return Result{}, err
	}
	if err := wf.Validate(); err != nil {
		return Result{}, err
	}
	jobName, job, err := selectJob(wf, req.JobName)
	if err != nil {
		return Result{}, err
	}
	if err := s.engine.Ping(ctx); err != nil {
		return Result{}, err
	}
	if s.workspace == nil {
		return Result{}, fmt.Errorf("workspace manager not initialised")
	}
	s.logger.Info("run received", "run_id", req.RunID, "project_id", req.ProjectID, "job", jobName, "branch", req.Branch)
	_ = s.notifier.NotifyStatus(req.RunID, req.ProjectID, statusRunning, "queued", "run accepted", map[string]any{"job": jobName}, nil)

	go s.execute(context.Background(), req, jobName, job)

	return Result{
		RunID:     req.RunID,
		Status:    "queued",
		Job:       jobName,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Health verifies runner dependencies are reachable.
func (s Service) Health(ctx context.Context) error {
	if s.engine == nil {
		return errors.New("container engine not initialised")
	}
	return s.engine.Ping(ctx)
}

// Cancel aborts a running job and cleans up its container and workspace.
func (s Service) Cancel(ctx context.Context, runID string) error {
	id := strings.TrimSpace(runID)
	if id == "" {
		return fmt.Errorf("run id required")
	}
	if value, ok := s.sessions.LoadAndDelete(id); ok {
		if cancel, ok := value.(context.CancelFunc); ok {
			cancel()
		}
	}
	if err := s.engine.RemoveContainer(ctx, containerName(id)); err != nil && !errors.Is(err, docker.ErrNotFound) {
		return err
	}
	if s.workspace != nil {
		if err := s.workspace.CleanupByID(id); err != nil {
			s.logger.Warn("workspace cleanup failed", "run_id", id, "error", err)
			return err
		}
	}
	return nil
}

func validateRequest(req Request) error {
	if strings.TrimSpace(req.RunID) == "" {
		return fmt.Errorf("run id required")
	}
	if strings.TrimSpace(req.RepoURL) == "" {
		return fmt.Errorf("repository url required")
	}
	if strings.TrimSpace(req.Workflow) == "" {
		return fmt.Errorf("workflow document required")
	}
	return nil
}

func selectJob(wf *workflow.Workflow, name string) (string, workflow.Job, error) {
	if strings.TrimSpace(name) != "" {
		job, ok := wf.Jobs[name]
		if !ok {
			return "", workflow.Job{}, fmt.Errorf("workflow has no job %q", name)
		}
		return name, job, nil
	}
	var first string
	for candidate := range wf.Jobs {
		if first == "" || candidate < first {
			first = candidate
		}
	}
	return first, wf.Jobs[first], nil
}

func containerName(runID string) string {
	return "strand-run-" + runID
}

// jobState carries mutable execution state across steps.
type jobState struct {
	workdir     string
	containerID string
}

func (s Service) execute(rootCtx context.Context, req Request, jobName string, job workflow.Job) {
	timeout := s.cfg.RunTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	ctx, cancel := context.WithTimeout(rootCtx, timeout)
	s.sessions.Store(req.RunID, cancel)
	defer func() {
		cancel()
		s.sessions.Delete(req.RunID)
	}()

	_ = s.notifier.NotifyStatus(req.RunID, req.ProjectID, statusRunning, "workspace", "preparing workspace", nil, nil)
	s.notifier.EmitLog(req.RunID, "info", "preparing workspace", map[string]any{"job": jobName})

	workdir, err := s.workspace.Prepare(req.RunID)
	if err != nil {
		s.fail(req, "workspace", err)
		return
	}
	defer func() {
		if err := s.workspace.Cleanup(workdir); err != nil {
			s.logger.Error("workspace cleanup failed", "run_id", req.RunID, "error", err)
		}
	}()

	state := &jobState{workdir: workdir}
	defer func() {
		if state.containerID == "" {
			return
		}
		if err := s.engine.RemoveContainer(context.Background(), containerName(req.RunID)); err != nil && !errors.Is(err, docker.ErrNotFound) {
			s.logger.Warn("container cleanup failed", "run_id", req.RunID, "error", err)
		}
	}()

	failure := s.runSteps(ctx, req, job, state)
	if failure != nil {
		if ctx.Err() != nil {
			failure = fmt.Errorf("run aborted: %w", ctx.Err())
		}
		s.fail(req, "steps", failure)
		return
	}

	s.logger.Info("run completed", "run_id", req.RunID, "job", jobName)
	_ = s.notifier.NotifyStatus(req.RunID, req.ProjectID, statusSuccess, "done", "all steps completed", nil, nil)
	s.notifier.EmitLog(req.RunID, "info", "all steps completed", map[string]any{"job": jobName})
}

// runSteps walks the job's steps in order. The first hard failure flips the
// run into fail-fast mode: later steps are skipped unless they declare
// if: always(). Steps with continue-on-error record their failure without
// failing the run.
func (s Service) runSteps(ctx context.Context, req Request, job workflow.Job, state *jobState) error {
	var failure error
	for i, step := range job.Steps {
		label := step.Label(i)
		if failure != nil && !step.AlwaysRun() {
			_ = s.notifier.NotifyStep(req.RunID, req.ProjectID, StepUpdate{
				Index:     i,
				Name:      label,
				Status:    stepSkipped,
				StartedAt: time.Now().UTC(),
			})
			s.notifier.EmitLog(req.RunID, "info", "step skipped", map[string]any{"step": label})
			continue
		}

		started := time.Now().UTC()
		_ = s.notifier.NotifyStep(req.RunID, req.ProjectID, StepUpdate{
			Index:     i,
			Name:      label,
			Status:    stepRunning,
			StartedAt: started,
		})
		s.notifier.EmitLog(req.RunID, "info", "step started", map[string]any{"step": label})

		exitCode, tail, err := s.runStep(ctx, req, job, step, label, state)
		duration := time.Since(started).Milliseconds()
		update := StepUpdate{
			Index:      i,
			Name:       label,
			ExitCode:   exitCode,
			OutputTail: tail,
			StartedAt:  started,
			DurationMS: duration,
		}
		if err != nil {
			update.Status = stepFailed
			_ = s.notifier.NotifyStep(req.RunID, req.ProjectID, update)
			s.notifier.EmitLog(req.RunID, "error", "step failed", map[string]any{
				"step":  label,
				"error": err.Error(),
			})
			if step.ContinueOnError {
				s.logger.Warn("step failed but run continues", "run_id", req.RunID, "step", label, "error", err)
				continue
			}
			s.logger.Error("step failed", "run_id", req.RunID, "step", label, "error", err)
			// A later always() step failing must not mask the root cause.
			if failure == nil {
				failure = fmt.Errorf("step %q failed: %w", label, err)
			}
			continue
		}
		update.Status = stepSuccess
		_ = s.notifier.NotifyStep(req.RunID, req.ProjectID, update)
		s.notifier.EmitLog(req.RunID, "info", "step completed", map[string]any{"step": label})
	}
	return failure
}

func (s Service) runStep(ctx context.Context, req Request, job workflow.Job, step workflow.Step, label string, state *jobState) (int, string, error) {
	timeout := s.cfg.StepTimeout
	if step.TimeoutSeconds > 0 {
		timeout = time.Duration(step.TimeoutSeconds) * time.Second
	}
	stepCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var (
		exitCode int
		tail     string
		err      error
	)
	if step.Uses != "" {
		tail, err = s.runAction(stepCtx, req, job, step, state)
	} else {
		exitCode, tail, err = s.runCommand(stepCtx, req, job, step, label, state)
	}
	if err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("step timed out after %s", timeout)
	}
	return exitCode, tail, err
}

func (s Service) runCommand(ctx context.Context, req Request, job workflow.Job, step workflow.Step, label string, state *jobState) (int, string, error) {
	if state.containerID == "" {
		if err := s.provisionRuntime(ctx, req, job.Runtime, job.Env, state); err != nil {
			return 0, "", err
		}
	}
	env := mergedEnv(job.Env, step.Env)
	cmd := []string{"/bin/sh", "-lc", step.Run}
	tail := newTailBuffer(40)
	exitCode, err := s.engine.ExecStep(ctx, state.containerID, cmd, env, func(line string) {
		tail.Add(line)
		s.notifier.EmitLog(req.RunID, "info", line, map[string]any{"step": label})
	})
	if err != nil {
		return exitCode, tail.String(), err
	}
	if exitCode != 0 {
		return exitCode, tail.String(), fmt.Errorf("command exited with status %d", exitCode)
	}
	return exitCode, tail.String(), nil
}

func (s Service) runAction(ctx context.Context, req Request, job workflow.Job, step workflow.Step, state *jobState) (string, error) {
	ref, err := resolveAction(step)
	if err != nil {
		return "", err
	}
	switch ref.Name {
	case actionCheckout:
		return "", s.checkout(ctx, req, state)
	case actionSetupRuntime:
		rt := runtimeFromStep(job.Runtime, step.With)
		return "", s.provisionRuntime(ctx, req, rt, job.Env, state)
	case actionCoverageUpload:
		return s.uploadCoverage(ctx, req, step, state)
	default:
		return "", fmt.Errorf("unknown action %q", ref.Name)
	}
}

func (s Service) checkout(ctx context.Context, req Request, state *jobState) error {
	gitCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.GitTimeout > 0 {
		gitCtx, cancel = context.WithTimeout(ctx, s.cfg.GitTimeout)
		defer cancel()
	}
	if err := git.Clone(gitCtx, req.RepoURL, req.Branch, state.workdir); err != nil {
		return err
	}
	if err := git.Checkout(gitCtx, state.workdir, req.CommitSHA); err != nil {
		return err
	}
	s.notifier.EmitLog(req.RunID, "info", "repository checked out", map[string]any{
		"repo_url":   req.RepoURL,
		"branch":     req.Branch,
		"commit_sha": req.CommitSHA,
	})
	return nil
}

// provisionRuntime pulls the runtime image and replaces the job container.
// The workspace is bind-mounted, so a replacement container keeps the files
// earlier steps produced.
func (s Service) provisionRuntime(ctx context.Context, req Request, rt workflow.Runtime, jobEnv map[string]string, state *jobState) error {
	image, err := runtimeImage(rt)
	if err != nil {
		return err
	}
	s.notifier.EmitLog(req.RunID, "info", "pulling runtime image", map[string]any{"image": image})
	if err := s.engine.PullImage(ctx, image, func(line string) {
		s.logger.Debug("image pull output", "run_id", req.RunID, "line", line)
	}); err != nil {
		return err
	}
	name := containerName(req.RunID)
	if state.containerID != "" {
		if err := s.engine.RemoveContainer(ctx, name); err != nil && !errors.Is(err, docker.ErrNotFound) {
			s.logger.Warn("remove previous job container failed", "run_id", req.RunID, "error", err)
		}
		state.containerID = ""
	}
	id, err := s.engine.StartJobContainer(ctx, name, image, state.workdir, mergedEnv(jobEnv, nil))
	if err != nil {
		return err
	}
	state.containerID = id
	s.notifier.EmitLog(req.RunID, "info", "runtime provisioned", map[string]any{"image": image})
	return nil
}

func (s Service) uploadCoverage(ctx context.Context, req Request, step workflow.Step, state *jobState) (string, error) {
	if !s.uploader.Enabled() {
		return "", fmt.Errorf("coverage upload endpoint not configured")
	}
	files, err := coverageFiles(state.workdir, step.With)
	if err != nil {
		return "", err
	}
	if err := s.uploader.Upload(ctx, req.RunID, files); err != nil {
		return "", err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, strings.TrimPrefix(strings.TrimPrefix(f, state.workdir), "/"))
	}
	return "uploaded " + strings.Join(names, ", "), nil
}

func (s Service) fail(req Request, stage string, err error) {
	s.logger.Error("run stage failed", "run_id", req.RunID, "stage", stage, "error", err)
	_ = s.notifier.NotifyStatus(req.RunID, req.ProjectID, statusFailed, stage, err.Error(), nil, err)
	s.notifier.EmitLog(req.RunID, "error", fmt.Sprintf("%s failed: %v", stage, err), map[string]any{
		"stage": stage,
		"error": err.Error(),
	})
}

// mergedEnv flattens job env overlaid with step env into KEY=VALUE form.
// Step values win on conflict; keys are emitted in sorted order so the
// result is deterministic.
func mergedEnv(jobEnv, stepEnv map[string]string) []string {
	merged := make(map[string]string, len(jobEnv)+len(stepEnv))
	for k, v := range jobEnv {
		merged[k] = v
	}
	for k, v := range stepEnv {
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

type tailBuffer struct {
	lines []string
	max   int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Add(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	if len(t.lines) >= t.max {
		t.lines = t.lines[1:]
	}
	t.lines = append(t.lines, line)
}

func (t *tailBuffer) String() string {
	joined := strings.Join(t.lines, "\n")
	const limit = 4096
	if len(joined) <= limit {
		return joined
	}
	return joined[len(joined)-limit:]
}
