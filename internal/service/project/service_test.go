package project

import (
	"context"
	"io"
	"sync"
	"testing"

	"log/slog"

	"github.com/strandci/strand/internal/domain"
	"github.com/strandci/strand/internal/repository"
	"github.com/strandci/strand/pkg/config"
)

const validDoc = `name: ci
on:
  push:
    branches: [main]
jobs:
  test:
    runs-on: ubuntu
    steps:
      - name: Run tests
        run: pytest
`

func newTestService(mutators ...func(*Service)) Service {
	svc := New(&fakeRepo{}, slog.New(slog.NewTextHandler(io.Discard, nil)), config.APIConfig{
		WorkflowPath: ".strand/workflow.yml",
	})
	for _, mutate := range mutators {
		mutate(&svc)
	}
	return svc
}

type fakeRepo struct {
	mu      sync.Mutex
	created *domain.Project
	updated []byte
}

func (f *fakeRepo) CreateProject(_ context.Context, project *domain.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *project
	f.created = &clone
	return nil
}

func (f *fakeRepo) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.created == nil || f.created.ID != projectID {
		return nil, repository.ErrNotFound
	}
	clone := *f.created
	return &clone, nil
}

func (f *fakeRepo) ListProjects(_ context.Context) ([]domain.Project, error) {
	return nil, nil
}

func (f *fakeRepo) UpdateWorkflow(_ context.Context, projectID string, workflow []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = workflow
	return nil
}

func TestCreateRequiresNameAndRepoURL(t *testing.T) {
	svc := newTestService()
	if _, err := svc.Create(context.Background(), CreateInput{RepoURL: "https://example.com/nw.git"}); err == nil {
		t.Fatal("expected error for missing name")
	}
	if _, err := svc.Create(context.Background(), CreateInput{Name: "nw"}); err == nil {
		t.Fatal("expected error for missing repo_url")
	}
}

func TestCreateDefaultsWorkflowPath(t *testing.T) {
	repo := &fakeRepo{}
	svc := newTestService(func(s *Service) { s.repo = repo })

	project, err := svc.Create(context.Background(), CreateInput{
		Name:    "nw",
		RepoURL: "https://example.com/nw.git",
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if project.WorkflowPath != ".strand/workflow.yml" {
		t.Fatalf("expected default workflow path, got %q", project.WorkflowPath)
	}
	if repo.created == nil || repo.created.ID != project.ID {
		t.Fatal("expected project persisted")
	}
}

func TestCreateRejectsInvalidWorkflowDocument(t *testing.T) {
	svc := newTestService()
	_, err := svc.Create(context.Background(), CreateInput{
		Name:     "nw",
		RepoURL:  "https://example.com/nw.git",
		Workflow: "name: broken\njobs: {}\n",
	})
	if err == nil {
		t.Fatal("expected validation error for workflow with no jobs")
	}
}

func TestCreateStoresValidWorkflowDocument(t *testing.T) {
	repo := &fakeRepo{}
	svc := newTestService(func(s *Service) { s.repo = repo })

	project, err := svc.Create(context.Background(), CreateInput{
		Name:     "nw",
		RepoURL:  "https://example.com/nw.git",
		Workflow: validDoc,
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if len(project.Workflow) == 0 {
		t.Fatal("expected workflow document stored")
	}
}

func TestUpdateWorkflowValidatesDocument(t *testing.T) {
	repo := &fakeRepo{}
	svc := newTestService(func(s *Service) { s.repo = repo })

	if err := svc.UpdateWorkflow(context.Background(), "proj-1", nil); err == nil {
		t.Fatal("expected error for empty document")
	}
	if err := svc.UpdateWorkflow(context.Background(), "proj-1", []byte("on: [")); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
	if err := svc.UpdateWorkflow(context.Background(), "proj-1", []byte(validDoc)); err != nil {
		t.Fatalf("UpdateWorkflow returned error: %v", err)
	}
	if string(repo.updated) != validDoc {
		t.Fatal("expected document stored")
	}
}
