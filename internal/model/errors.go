package model

import (
	"errors"
	"fmt"
)

// Sentinel errors of the engine's error taxonomy. Callers match them with
// errors.Is; typed variants below carry structured detail and unwrap to the
// matching sentinel.
var (
	// ErrNotFound means an identifier resolved to no worktree.
	ErrNotFound = errors.New("worktree not found")

	// ErrDirty means a blocking operation met uncommitted changes.
	ErrDirty = errors.New("working tree has uncommitted changes")

	// ErrHookFailed is the sentinel behind HookFailedError.
	ErrHookFailed = errors.New("hook failed")

	// ErrApprovalDenied means the user declined to approve hook commands.
	ErrApprovalDenied = errors.New("command approval denied")

	// ErrNotInteractive means approval was needed but no terminal is attached.
	ErrNotInteractive = errors.New("cannot prompt for approval in non-interactive environment")

	// ErrConflict is the sentinel behind ConflictError.
	ErrConflict = errors.New("conflict")

	// ErrConcurrentOperation means another process holds the merge lock for
	// the same repository and branch.
	ErrConcurrentOperation = errors.New("another operation is in progress for this branch")

	// ErrLLMGenerationFailed means the message generator produced nothing
	// usable. It is always recoverable.
	ErrLLMGenerationFailed = errors.New("commit message generation failed")

	// ErrCleanupSkipped is the sentinel behind CleanupSkippedError.
	ErrCleanupSkipped = errors.New("cleanup skipped")

	// ErrNothingToMerge means the source has no changes relative to target.
	ErrNothingToMerge = errors.New("nothing to merge")

	// ErrTemplate means a hook or prompt template is invalid, including
	// references to unknown variables.
	ErrTemplate = errors.New("invalid template")

	// ErrDetachedHead means the operation needs a branch but HEAD is detached.
	ErrDetachedHead = errors.New("not on a branch (detached HEAD)")

	// ErrMainWorktree means the main worktree cannot be removed.
	ErrMainWorktree = errors.New("cannot remove main worktree")
)

// HookFailedError reports a blocking hook that exited non-zero or could not
// be started. ExitCode is -1 when the process never produced one
// (timeout, spawn failure).
type HookFailedError struct {
	Event    HookEvent
	Name     string
	ExitCode int
	Output   string
	Err      error
}

func (e *HookFailedError) Error() string {
	msg := fmt.Sprintf("%s command failed: %s", e.Event, e.Name)
	if e.ExitCode >= 0 {
		msg = fmt.Sprintf("%s (exit code %d)", msg, e.ExitCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is reports ErrHookFailed as a match so callers can use errors.Is.
func (e *HookFailedError) Is(target error) bool {
	return target == ErrHookFailed
}

func (e *HookFailedError) Unwrap() error {
	return e.Err
}

// ConflictError reports a rebase or fast-forward that could not complete.
// The repository is left in git's native state for manual resolution.
type ConflictError struct {
	Stage  string
	Target string
	Output string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s onto %s incomplete: conflict", e.Stage, e.Target)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// CleanupSkippedError explains why post-merge deletion did not happen.
type CleanupSkippedError struct {
	Reason string
}

func (e *CleanupSkippedError) Error() string {
	return "cleanup skipped: " + e.Reason
}

func (e *CleanupSkippedError) Is(target error) bool {
	return target == ErrCleanupSkipped
}

// ExitCodeFor maps an engine error onto the CLI exit-code table.
func ExitCodeFor(err error) ExitCode {
	var cliErr *CLIError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &cliErr):
		return cliErr.Code
	case errors.Is(err, ErrNotFound):
		return ExitNotFound
	case errors.Is(err, ErrHookFailed):
		return ExitHookFailed
	case errors.Is(err, ErrApprovalDenied), errors.Is(err, ErrNotInteractive):
		return ExitUserCancelled
	case errors.Is(err, ErrConflict):
		return ExitConflict
	case errors.Is(err, ErrConcurrentOperation):
		return ExitConcurrentOperation
	case errors.Is(err, ErrNothingToMerge):
		return ExitNothingToMerge
	case errors.Is(err, ErrTemplate):
		return ExitConfigError
	}

	// Errors from other layers (git) may carry their own code.
	var coded interface{ CLIExitCode() ExitCode }
	if errors.As(err, &coded) {
		return coded.CLIExitCode()
	}
	return ExitGeneralError
}
