package domain

import "time"

// RunLog represents a log line emitted while executing a run.
type RunLog struct {
	ID        int64
	RunID     string
	Source    string
	Level     string
	Message   string
	Metadata  []byte
	CreatedAt time.Time
}
