package exec

import (
	"context"

	"github.com/strandci/strand/internal/runner/docker"
)

// Engine abstracts the container operations the executor needs. The Docker
// client satisfies it; tests substitute a fake.
type Engine interface {
	Ping(ctx context.Context) error
	PullImage(ctx context.Context, ref string, onOutput docker.OutputCallback) error
	StartJobContainer(ctx context.Context, name, image, workdir string, env []string) (string, error)
	ExecStep(ctx context.Context, containerID string, cmd []string, env []string, onOutput docker.OutputCallback) (int, error)
	RemoveContainer(ctx context.Context, name string) error
}

var _ Engine = (*docker.Client)(nil)
