package domain

import (
	"encoding/json"
	"time"
)

// Run statuses. A run is terminal once failed or success.
const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusFailed  = "failed"
	RunStatusSuccess = "success"
)

// Run captures a single workflow execution.
type Run struct {
	ID           string
	ProjectID    string
	WorkflowName string
	EventKind    string
	Branch       string
	CommitSHA    string
	RunsOn       string
	Status       string
	Stage        string
	Message      string
	Error        string
	Metadata     json.RawMessage
	StartedAt    time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
}

// RunStatusUpdate captures mutable fields for a run.
type RunStatusUpdate struct {
	RunID       string
	Status      string
	Stage       string
	Message     string
	Error       string
	Metadata    json.RawMessage
	CompletedAt *time.Time
}

// Step statuses. Skipped marks steps never executed because an earlier
// step already failed the run.
const (
	StepStatusRunning = "running"
	StepStatusFailed  = "failed"
	StepStatusSuccess = "success"
	StepStatusSkipped = "skipped"
)

// StepResult records the outcome of one step within a run.
type StepResult struct {
	RunID      string
	Index      int
	Name       string
	Status     string
	ExitCode   int
	OutputTail string
	StartedAt  time.Time
	DurationMS int64
}
