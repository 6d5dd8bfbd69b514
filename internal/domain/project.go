package domain

import "time"

// Project binds a source repository to a workflow document.
type Project struct {
	ID           string
	Name         string
	RepoURL      string
	WorkflowPath string
	Workflow     []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
