package worktree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/shinji-kodama/worktree-flow/internal/model"
)

// transientRetryDelay is how long runGit waits before its single retry of a
// command that failed on ref or index lock contention.
const transientRetryDelay = 150 * time.Millisecond

// GitError describes a failed git invocation. Stderr is kept verbatim so the
// CLI can show git's own diagnostics.
type GitError struct {
	Dir      string
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *GitError) Error() string {
	msg := fmt.Sprintf("git %s failed", strings.Join(e.Args, " "))
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %s", msg, e.Stderr)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *GitError) Unwrap() error {
	return e.Err
}

// CLIExitCode maps every git failure onto the CLI's git error exit code.
func (e *GitError) CLIExitCode() model.ExitCode {
	return model.ExitGitError
}

// Transient reports whether the failure looks like lock contention with a
// concurrent git process (index.lock, ref locks).
func (e *GitError) Transient() bool {
	s := e.Stderr
	return strings.Contains(s, "index.lock") ||
		strings.Contains(s, "cannot lock ref") ||
		(strings.Contains(s, "Unable to create") && strings.Contains(s, ".lock"))
}

// gitOpts adjusts a single git invocation.
type gitOpts struct {
	stdin io.Reader
	env   []string
}

// runGit executes a git command with the given arguments in the specified
// directory and returns stdout.
//
// The directory is passed to git via the -C flag, which causes git to change
// to that directory before doing anything else. This avoids changing the
// process's working directory, which would be unsafe for concurrent callers.
//
// A failure caused by lock contention with another git process is retried
// once; any other failure, or a second failure, is returned as *GitError.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	return runGitOpts(ctx, dir, gitOpts{}, args...)
}

func runGitOpts(ctx context.Context, dir string, opts gitOpts, args ...string) (string, error) {
	out, err := runGitOnce(ctx, dir, opts, args...)
	var gitErr *GitError
	if err != nil && errors.As(err, &gitErr) && gitErr.Transient() && ctx.Err() == nil {
		log().Debug("retrying git after lock contention", "args", args, "stderr", gitErr.Stderr)
		select {
		case <-ctx.Done():
			return "", err
		case <-time.After(transientRetryDelay):
		}
		out, err = runGitOnce(ctx, dir, opts, args...)
	}
	return out, err
}

func runGitOnce(ctx context.Context, dir string, opts gitOpts, args ...string) (string, error) {
	fullArgs := append([]string{"-C", dir}, args...)

	// #nosec G204 -- args are constructed internally
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	if opts.stdin != nil {
		cmd.Stdin = opts.stdin
	}
	if len(opts.env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.env...)
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return "", &GitError{
			Dir:      dir,
			Args:     args,
			ExitCode: exitCode,
			Stdout:   strings.TrimSpace(stdout.String()),
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
	}
	return stdout.String(), nil
}
