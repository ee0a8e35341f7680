package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// ExecRequest describes one command to run inside a container.
type ExecRequest struct {
	Cmd        []string
	Env        []string
	WorkingDir string

	// User runs the command as this user instead of the container default.
	User string
}

// Exec runs req in the container and streams its output to stdout and
// stderr. It returns the command's exit code; the error is non-nil only
// when the command could not be run or its output could not be read.
// Cancelling ctx closes the attached stream.
func (c *Client) Exec(ctx context.Context, containerID string, req ExecRequest, stdout, stderr io.Writer) (int, error) {
	created, err := c.inner.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          req.Cmd,
		Env:          req.Env,
		WorkingDir:   req.WorkingDir,
		User:         req.User,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to create exec in %s: %w", containerID, err)
	}

	attached, err := c.inner.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("failed to attach to exec %s: %w", created.ID, err)
	}
	defer attached.Close()

	copyDone := make(chan error, 1)
	go func() {
		if stdout == nil {
			stdout = io.Discard
		}
		if stderr == nil {
			stderr = io.Discard
		}
		// Without a TTY the stream is multiplexed; StdCopy splits it.
		_, err := stdcopy.StdCopy(stdout, stderr, attached.Reader)
		copyDone <- err
	}()

	select {
	case <-ctx.Done():
		attached.Close()
		return -1, ctx.Err()
	case err := <-copyDone:
		if err != nil {
			return -1, fmt.Errorf("failed to read exec output: %w", err)
		}
	}

	inspect, err := c.inner.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, fmt.Errorf("failed to inspect exec %s: %w", created.ID, err)
	}
	return inspect.ExitCode, nil
}
