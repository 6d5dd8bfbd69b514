package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strandci/strand/internal/domain"
	"github.com/strandci/strand/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository    = (*Repository)(nil)
	_ repository.ProjectRepository = (*Repository)(nil)
	_ repository.RunRepository     = (*Repository)(nil)
	_ repository.StepRepository    = (*Repository)(nil)
	_ repository.LogRepository     = (*Repository)(nil)
	_ repository.WebhookRepository = (*Repository)(nil)
)

// CreateUser inserts an operator account.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Email, user.PasswordHash, user.CreatedAt)
	return err
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE email = $1`
	row := r.pool.QueryRow(ctx, query, email)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateProject inserts a project with its workflow document.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, name, repo_url, workflow_path, workflow, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		project.ID,
		project.Name,
		project.RepoURL,
		project.WorkflowPath,
		project.Workflow,
		project.CreatedAt,
		project.UpdatedAt,
	)
	return err
}

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, name, repo_url, workflow_path, workflow, created_at, updated_at
		FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.RepoURL, &p.WorkflowPath, &p.Workflow, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListProjects returns all projects, newest first.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT id, name, repo_url, workflow_path, workflow, created_at, updated_at
		FROM projects ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.RepoURL, &p.WorkflowPath, &p.Workflow, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateWorkflow replaces the stored workflow document for a project.
func (r *Repository) UpdateWorkflow(ctx context.Context, projectID string, workflow []byte) error {
	const query = `UPDATE projects SET workflow = $2, updated_at = NOW() WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, projectID, workflow)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateRun inserts a run record.
func (r *Repository) CreateRun(ctx context.Context, run *domain.Run) error {
	const query = `INSERT INTO runs (id, project_id, workflow_name, event_kind, branch, commit_sha, runs_on, status, stage, message, error, metadata, started_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := r.pool.Exec(ctx, query,
		run.ID,
		run.ProjectID,
		run.WorkflowName,
		run.EventKind,
		run.Branch,
		run.CommitSHA,
		run.RunsOn,
		run.Status,
		run.Stage,
		run.Message,
		run.Error,
		run.Metadata,
		run.StartedAt,
		run.CompletedAt,
		run.UpdatedAt,
	)
	return err
}

// UpdateRunStatus updates mutable run fields. Empty strings leave the
// existing value untouched.
func (r *Repository) UpdateRunStatus(ctx context.Context, update domain.RunStatusUpdate) error {
	const query = `UPDATE runs
		SET status = COALESCE($2, status),
			stage = COALESCE($3, stage),
			message = COALESCE($4, message),
			error = COALESCE($5, error),
			metadata = COALESCE($6, metadata),
			completed_at = COALESCE($7, completed_at),
			updated_at = NOW()
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query,
		update.RunID,
		emptyToNil(update.Status),
		emptyToNil(update.Stage),
		emptyToNil(update.Message),
		emptyToNil(update.Error),
		update.Metadata,
		update.CompletedAt,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetRunByID fetches a run by identifier.
func (r *Repository) GetRunByID(ctx context.Context, runID string) (*domain.Run, error) {
	const query = `SELECT id, project_id, workflow_name, event_kind, branch, commit_sha, runs_on, status, stage, message, error, metadata, started_at, completed_at, updated_at
		FROM runs WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, runID)
	var run domain.Run
	var completedAt sql.NullTime
	if err := row.Scan(&run.ID, &run.ProjectID, &run.WorkflowName, &run.EventKind, &run.Branch, &run.CommitSHA, &run.RunsOn, &run.Status, &run.Stage, &run.Message, &run.Error, &run.Metadata, &run.StartedAt, &completedAt, &run.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if completedAt.Valid {
		value := completedAt.Time
		run.CompletedAt = &value
	}
	return &run, nil
}

// ListRunsByProject fetches recent runs for a project.
func (r *Repository) ListRunsByProject(ctx context.Context, projectID string, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, project_id, workflow_name, event_kind, branch, commit_sha, runs_on, status, stage, message, error, metadata, started_at, completed_at, updated_at
		FROM runs WHERE project_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		var run domain.Run
		var completedAt sql.NullTime
		if err := rows.Scan(&run.ID, &run.ProjectID, &run.WorkflowName, &run.EventKind, &run.Branch, &run.CommitSHA, &run.RunsOn, &run.Status, &run.Stage, &run.Message, &run.Error, &run.Metadata, &run.StartedAt, &completedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			value := completedAt.Time
			run.CompletedAt = &value
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpsertStepResult records the outcome of one step within a run.
func (r *Repository) UpsertStepResult(ctx context.Context, result domain.StepResult) error {
	const query = `INSERT INTO run_steps (run_id, step_index, name, status, exit_code, output_tail, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, step_index) DO UPDATE SET
			status = EXCLUDED.status,
			exit_code = EXCLUDED.exit_code,
			output_tail = EXCLUDED.output_tail,
			duration_ms = EXCLUDED.duration_ms`
	_, err := r.pool.Exec(ctx, query,
		result.RunID,
		result.Index,
		result.Name,
		result.Status,
		result.ExitCode,
		result.OutputTail,
		result.StartedAt,
		result.DurationMS,
	)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "22P02":
			return repository.ErrInvalidArgument
		case "23503":
			return repository.ErrNotFound
		}
	}
	return err
}

// ListStepResults fetches step outcomes for a run in step order.
func (r *Repository) ListStepResults(ctx context.Context, runID string) ([]domain.StepResult, error) {
	const query = `SELECT run_id, step_index, name, status, exit_code, output_tail, started_at, duration_ms
		FROM run_steps WHERE run_id = $1 ORDER BY step_index ASC`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.StepResult
	for rows.Next() {
		var s domain.StepResult
		if err := rows.Scan(&s.RunID, &s.Index, &s.Name, &s.Status, &s.ExitCode, &s.OutputTail, &s.StartedAt, &s.DurationMS); err != nil {
			return nil, err
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

// AppendLog persists a run log line.
func (r *Repository) AppendLog(ctx context.Context, log domain.RunLog) error {
	const query = `INSERT INTO run_logs (run_id, source, level, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, log.RunID, log.Source, log.Level, log.Message, log.Metadata, log.CreatedAt)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "22P02":
			return repository.ErrInvalidArgument
		case "23503":
			return repository.ErrNotFound
		}
	}
	return err
}

// ListLogsByRun fetches logs for a run.
func (r *Repository) ListLogsByRun(ctx context.Context, runID string, limit, offset int) ([]domain.RunLog, error) {
	const query = `SELECT id, run_id, source, level, message, metadata, created_at
		FROM run_logs WHERE run_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.RunLog
	for rows.Next() {
		var l domain.RunLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Source, &l.Level, &l.Message, &l.Metadata, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// UpsertWebhook saves a webhook secret.
func (r *Repository) UpsertWebhook(ctx context.Context, projectID string, secret []byte) error {
	const query = `INSERT INTO project_webhooks (project_id, secret, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (project_id) DO UPDATE SET secret = EXCLUDED.secret`
	_, err := r.pool.Exec(ctx, query, projectID, secret)
	return err
}

// GetWebhookSecret retrieves the stored secret for a project.
func (r *Repository) GetWebhookSecret(ctx context.Context, projectID string) ([]byte, error) {
	const query = `SELECT secret FROM project_webhooks WHERE project_id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var secret []byte
	if err := row.Scan(&secret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return secret, nil
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
