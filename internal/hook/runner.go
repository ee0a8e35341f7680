package hook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"slices"
	"time"

	"github.com/shinji-kodama/worktree-flow/internal/devcontainer"
	"github.com/shinji-kodama/worktree-flow/internal/docker"
)

// waitDelay bounds how long a cancelled hook may keep its output pipes open.
const waitDelay = 2 * time.Second

// Command is one expanded hook command ready to run.
type Command struct {
	// Shell is the command line passed to the shell.
	Shell string

	// Dir is the working directory on the host.
	Dir string

	// Env is the complete environment of the process.
	Env []string

	// WorktreePath identifies the worktree, used to locate its container.
	WorktreePath string

	Stdout io.Writer
	Stderr io.Writer
}

// Runner executes a Command and reports its exit code. A non-nil error means
// the command could not be run at all; a command that ran and failed
// returns its non-zero exit code and a nil error.
type Runner interface {
	Run(ctx context.Context, cmd Command) (int, error)
}

// HostRunner runs commands with the host shell: `sh -c` on Unix and
// `cmd /C` on Windows. The command runs in its own process group so a
// timeout kills everything it started.
type HostRunner struct{}

func (HostRunner) Run(ctx context.Context, c Command) (int, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", c.Shell)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", c.Shell)
	}
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.WaitDelay = waitDelay
	isolateProcessGroup(cmd)

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// ContainerExecer is the part of docker.Client used by ContainerRunner.
type ContainerExecer interface {
	FindWorktreeContainer(ctx context.Context, worktreePath string) (docker.ContainerRef, error)
	Exec(ctx context.Context, containerID string, req docker.ExecRequest, stdout, stderr io.Writer) (int, error)
}

// ContainerRunner runs commands inside the worktree's running container.
// The Docker connection is opened on first use, so repositories without
// container hooks never touch the daemon.
type ContainerRunner struct {
	connect func(ctx context.Context) (ContainerExecer, error)
	client  ContainerExecer
}

// NewContainerRunner creates a runner that connects lazily with connect.
func NewContainerRunner(connect func(ctx context.Context) (ContainerExecer, error)) *ContainerRunner {
	return &ContainerRunner{connect: connect}
}

// NewDockerRunner creates a ContainerRunner backed by the local Docker
// daemon. The daemon is pinged on first use.
func NewDockerRunner() *ContainerRunner {
	return NewContainerRunner(func(ctx context.Context) (ContainerExecer, error) {
		c, err := docker.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

func (r *ContainerRunner) Run(ctx context.Context, c Command) (int, error) {
	if r.client == nil {
		client, err := r.connect(ctx)
		if err != nil {
			return -1, err
		}
		r.client = client
	}

	ref, err := r.client.FindWorktreeContainer(ctx, c.WorktreePath)
	if err != nil {
		return -1, err
	}
	dc, err := devcontainer.LoadForWorktree(c.WorktreePath)
	if err != nil {
		return -1, err
	}

	// The container label wins over devcontainer.json; with neither, the
	// host directory is assumed to be bind-mounted at the same path.
	workspace := ref.WorkingDir
	if workspace == "" && dc != nil {
		workspace = dc.Workspace(c.WorktreePath)
	}
	workdir := c.Dir
	if workspace != "" {
		workdir = devcontainer.ContainerPath(c.Dir, c.WorktreePath, workspace)
	}

	env := append(slices.Clip(c.Env), dc.Env()...)
	code, err := r.client.Exec(ctx, ref.ID, docker.ExecRequest{
		Cmd:        []string{"sh", "-c", c.Shell},
		Env:        env,
		WorkingDir: workdir,
		User:       dc.User(),
	}, c.Stdout, c.Stderr)
	if err != nil {
		return -1, fmt.Errorf("container %s: %w", ref.Name, err)
	}
	return code, nil
}
