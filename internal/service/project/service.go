package project

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/strandci/strand/internal/domain"
	"github.com/strandci/strand/internal/repository"
	"github.com/strandci/strand/internal/workflow"
	"github.com/strandci/strand/pkg/config"
)

// Service manages project configuration.
type Service struct {
	repo   repository.ProjectRepository
	logger *slog.Logger
	cfg    config.APIConfig
}

// New constructs a project service.
func New(repo repository.ProjectRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{repo: repo, logger: logger, cfg: cfg}
}

// CreateInput captures project creation parameters.
type CreateInput struct {
	Name         string `json:"name"`
	RepoURL      string `json:"repo_url"`
	WorkflowPath string `json:"workflow_path"`
	Workflow     string `json:"workflow"`
}

// Create registers a project. A workflow document is optional at creation
// time but must parse and validate when provided.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Project, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, errors.New("name is required")
	}
	repoURL := strings.TrimSpace(input.RepoURL)
	if repoURL == "" {
		return nil, errors.New("repo_url is required")
	}
	path := strings.TrimSpace(input.WorkflowPath)
	if path == "" {
		path = s.cfg.WorkflowPath
	}
	var doc []byte
	if strings.TrimSpace(input.Workflow) != "" {
		doc = []byte(input.Workflow)
		if err := validateDocument(doc); err != nil {
			return nil, err
		}
	}
	now := time.Now().UTC()
	project := &domain.Project{
		ID:           uuid.NewString(),
		Name:         name,
		RepoURL:      repoURL,
		WorkflowPath: path,
		Workflow:     doc,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	s.logger.Info("project created", "project_id", project.ID, "name", project.Name)
	return project, nil
}

// Get returns a project by identifier.
func (s Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	return s.repo.GetProjectByID(ctx, projectID)
}

// List returns all projects.
func (s Service) List(ctx context.Context) ([]domain.Project, error) {
	return s.repo.ListProjects(ctx)
}

// UpdateWorkflow replaces the stored workflow document after validating it.
func (s Service) UpdateWorkflow(ctx context.Context, projectID string, doc []byte) error {
	if len(doc) == 0 {
		return errors.New("workflow document is required")
	}
	if err := validateDocument(doc); err != nil {
		return err
	}
	if err := s.repo.UpdateWorkflow(ctx, projectID, doc); err != nil {
		return err
	}
	s.logger.Info("workflow updated", "project_id", projectID, "bytes", len(doc))
	return nil
}

func validateDocument(doc []byte) error {
	w, err := workflow.Parse(doc)
	if err != nil {
		return err
	}
	return w.Validate()
}
