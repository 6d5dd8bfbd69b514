package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// containerWorkdir is where the job workspace is mounted inside the container.
const containerWorkdir = "/workspace"

// OutputCallback is invoked with incremental output lines.
type OutputCallback = func(string)

// PullImage fetches an image, streaming progress lines to the callback.
func (c *Client) PullImage(ctx context.Context, ref string, onOutput OutputCallback) error {
	if c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("image reference cannot be empty")
	}
	reader, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("docker image pull: %w", err)
	}
	defer reader.Close()
	decoder := json.NewDecoder(reader)
	for {
		var msg pullMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decode pull output: %w", err)
		}
		if strings.TrimSpace(msg.Error) != "" {
			return fmt.Errorf("docker image pull: %s", strings.TrimSpace(msg.Error))
		}
		line := msg.render()
		if line != "" && onOutput != nil {
			onOutput(line)
		}
	}
	return nil
}

type pullMessage struct {
	Status   string `json:"status"`
	ID       string `json:"id"`
	Progress string `json:"progress"`
	Error    string `json:"error"`
}

func (m pullMessage) render() string {
	parts := make([]string, 0, 3)
	if strings.TrimSpace(m.ID) != "" {
		parts = append(parts, strings.TrimSpace(m.ID))
	}
	if strings.TrimSpace(m.Status) != "" {
		parts = append(parts, strings.TrimSpace(m.Status))
	}
	if strings.TrimSpace(m.Progress) != "" {
		parts = append(parts, strings.TrimSpace(m.Progress))
	}
	return strings.Join(parts, " ")
}

// StartJobContainer creates and starts a long-lived container with the
// workspace bind-mounted at /workspace. The container idles until steps are
// executed inside it with ExecStep.
func (c *Client) StartJobContainer(ctx context.Context, name, imageRef, workdir string, env []string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(imageRef) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}
	if strings.TrimSpace(workdir) == "" {
		return "", fmt.Errorf("workdir cannot be empty")
	}

	config := &container.Config{
		Image:      imageRef,
		Env:        env,
		WorkingDir: containerWorkdir,
		Entrypoint: []string{"sleep", "infinity"},
	}
	hostCfg := &container.HostConfig{
		Binds: []string{workdir + ":" + containerWorkdir},
		RestartPolicy: container.RestartPolicy{
			Name: "no",
		},
	}

	r, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, r.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}
	return r.ID, nil
}

// ExecStep runs a command inside the job container, streaming combined
// stdout/stderr lines to the callback, and returns the command's exit code.
func (c *Client) ExecStep(ctx context.Context, containerID string, cmd []string, env []string, onOutput OutputCallback) (int, error) {
	if strings.TrimSpace(containerID) == "" {
		return 0, fmt.Errorf("container id cannot be empty")
	}
	if len(cmd) == 0 {
		return 0, fmt.Errorf("command cannot be empty")
	}

	execResp, err := c.inner.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		WorkingDir:   containerWorkdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, fmt.Errorf("exec create: %w", err)
	}

	attach, err := c.inner.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return 0, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	// The attach stream does not observe ctx on its own: a command that
	// produces no output keeps the read below blocked past any deadline.
	// Closing the hijacked connection unblocks it.
	streamDone := make(chan struct{})
	defer close(streamDone)
	go func() {
		select {
		case <-ctx.Done():
			attach.Close()
		case <-streamDone:
		}
	}()

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, attach.Reader)
		pw.CloseWithError(copyErr)
	}()
	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if onOutput != nil {
			onOutput(scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return 0, fmt.Errorf("read exec output: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	inspect, err := c.inner.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return 0, fmt.Errorf("exec inspect: %w", err)
	}
	return inspect.ExitCode, nil
}

// RemoveContainer force-removes a container and its volumes. Returns
// ErrNotFound when the daemon has no container by that name.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}
