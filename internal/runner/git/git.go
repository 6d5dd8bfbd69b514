package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Clone clones the repository branch into the provided destination directory.
func Clone(ctx context.Context, repoURL, branch, dest string) error {
	if repoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	args := []string{"clone"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, repoURL, ".")
	if err := run(ctx, dest, args...); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

// Checkout moves the working tree to the requested commit.
func Checkout(ctx context.Context, dest, commitSHA string) error {
	sha := strings.TrimSpace(commitSHA)
	if sha == "" {
		return nil
	}
	if err := run(ctx, dest, "checkout", "--detach", sha); err != nil {
		return fmt.Errorf("git checkout %s failed: %w", sha, err)
	}
	return nil
}

func run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}
