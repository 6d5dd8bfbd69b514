package repository

import (
	"context"

	"github.com/strandci/strand/internal/domain"
)

// UserRepository persists operator accounts.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// ProjectRepository persists project configuration and workflow documents.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	UpdateWorkflow(ctx context.Context, projectID string, workflow []byte) error
}

// RunRepository stores workflow run history.
type RunRepository interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	UpdateRunStatus(ctx context.Context, update domain.RunStatusUpdate) error
	GetRunByID(ctx context.Context, runID string) (*domain.Run, error)
	ListRunsByProject(ctx context.Context, projectID string, limit int) ([]domain.Run, error)
}

// StepRepository stores per-step outcomes of a run.
type StepRepository interface {
	UpsertStepResult(ctx context.Context, result domain.StepResult) error
	ListStepResults(ctx context.Context, runID string) ([]domain.StepResult, error)
}

// LogRepository handles run log persistence and retrieval.
type LogRepository interface {
	AppendLog(ctx context.Context, log domain.RunLog) error
	ListLogsByRun(ctx context.Context, runID string, limit, offset int) ([]domain.RunLog, error)
}

// WebhookRepository stores per-project webhook secrets.
type WebhookRepository interface {
	UpsertWebhook(ctx context.Context, projectID string, secret []byte) error
	GetWebhookSecret(ctx context.Context, projectID string) ([]byte, error)
}
