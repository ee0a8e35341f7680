package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Worktree is a single checked-out working directory of the shared repository.
//
// Path, Branch, Head and the porcelain markers come from
// `git worktree list --porcelain`. Ahead/Behind and Dirty are filled in by a
// read-refresh pass and are zero when the refresh was skipped.
type Worktree struct {
	// Path is the absolute filesystem path of the worktree directory.
	Path string `json:"path"`

	// Branch is the short branch name (e.g. "feature/auth").
	// Empty when the worktree is in detached HEAD state.
	Branch string `json:"branch,omitempty"`

	// IsMain is true for the repository's primary working directory.
	IsMain bool `json:"isMain"`

	// Head is the commit SHA the worktree currently points at.
	Head string `json:"head"`

	// Ahead and Behind count commits relative to the branch's configured
	// upstream. Both are zero when the branch has no upstream.
	Ahead  int `json:"ahead"`
	Behind int `json:"behind"`

	// Dirty reports uncommitted changes (staged, unstaged or untracked).
	Dirty bool `json:"dirty"`

	Detached bool `json:"detached,omitempty"`
	Bare     bool `json:"bare,omitempty"`
	Locked   bool `json:"locked,omitempty"`
	Prunable bool `json:"prunable,omitempty"`

	// Base compares the branch with the default branch. Nil for the
	// default branch itself and for detached worktrees.
	Base *BaseStats `json:"base,omitempty"`
}

// BaseStats compares a branch with the default branch it forked from.
type BaseStats struct {
	// Branch is the default branch compared against.
	Branch string `json:"branch"`

	Ahead  int `json:"ahead"`
	Behind int `json:"behind"`

	// Added and Removed total the changed lines since the merge base.
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// Branch is a named pointer into history, independent of any worktree.
type Branch struct {
	Name string `json:"name"`

	// Head is the commit SHA the branch points at.
	Head string `json:"head"`

	// Upstream is the configured upstream ref (e.g. "origin/main"), if any.
	Upstream string `json:"upstream,omitempty"`
}

// HookEvent identifies a lifecycle point at which configured commands run.
type HookEvent string

const (
	// EventPostCreate runs after a new worktree is created.
	EventPostCreate HookEvent = "post-create"

	// EventPostStart runs after switching to a worktree. Background by default.
	EventPostStart HookEvent = "post-start"

	// EventPreCommit runs before the pipeline commits staged work.
	EventPreCommit HookEvent = "pre-commit"

	// EventPreMerge runs after squashing, before the target branch moves.
	EventPreMerge HookEvent = "pre-merge"

	// EventPostMerge runs after the target branch has been fast-forwarded.
	EventPostMerge HookEvent = "post-merge"
)

// AllHookEvents lists every event in lifecycle order.
var AllHookEvents = []HookEvent{
	EventPostCreate,
	EventPostStart,
	EventPreCommit,
	EventPreMerge,
	EventPostMerge,
}

// String returns the event name as it appears in configuration files.
func (e HookEvent) String() string {
	return string(e)
}

// IsValid checks whether the event is one of the predefined events.
func (e HookEvent) IsValid() bool {
	switch e {
	case EventPostCreate, EventPostStart, EventPreCommit, EventPreMerge, EventPostMerge:
		return true
	default:
		return false
	}
}

// DefaultMode returns the execution mode implied by the event.
// Only post-start is background unless a hook says otherwise.
func (e HookEvent) DefaultMode() HookMode {
	if e == EventPostStart {
		return ModeBackground
	}
	return ModeBlocking
}

// ParseHookEvent converts a string to a HookEvent.
// Returns an error if the string does not match any valid event.
func ParseHookEvent(s string) (HookEvent, error) {
	event := HookEvent(strings.ToLower(strings.TrimSpace(s)))
	if !event.IsValid() {
		return "", fmt.Errorf("invalid hook event: %q (valid: post-create, post-start, pre-commit, pre-merge, post-merge)", s)
	}
	return event, nil
}

// HookMode controls whether the caller waits for a hook.
type HookMode string

const (
	// ModeBlocking hooks gate the calling stage; a non-zero exit aborts it.
	ModeBlocking HookMode = "blocking"

	// ModeBackground hooks are detached and reported later.
	ModeBackground HookMode = "background"
)

// RunnerKind selects where a hook command executes.
type RunnerKind string

const (
	// RunnerHost runs the command with the host shell.
	RunnerHost RunnerKind = "host"

	// RunnerContainer runs the command inside the worktree's dev container.
	RunnerContainer RunnerKind = "container"
)

// Hook is one named command bound to a lifecycle event.
type Hook struct {
	Event HookEvent `json:"event"`

	// Name is the configured key, or a generated "<prefix>" / "<prefix>-N"
	// name for unnamed entries.
	Name string `json:"name"`

	// Command is the unexpanded command template.
	Command string `json:"command"`

	Mode   HookMode   `json:"mode"`
	Runner RunnerKind `json:"runner,omitempty"`

	// Dir is an optional working directory template.
	// Empty means the worktree root.
	Dir string `json:"dir,omitempty"`
}

// Key returns the approval key suffix "<event>.<name>".
func (h Hook) Key() string {
	return h.Event.String() + "." + h.Name
}

// HookSet holds the ordered hooks of every lifecycle event. Each event owns
// its own slice so the type system, not string keys, separates events.
type HookSet struct {
	PostCreate []Hook `json:"postCreate,omitempty"`
	PostStart  []Hook `json:"postStart,omitempty"`
	PreCommit  []Hook `json:"preCommit,omitempty"`
	PreMerge   []Hook `json:"preMerge,omitempty"`
	PostMerge  []Hook `json:"postMerge,omitempty"`
}

// For returns the hooks configured for an event in declared order.
func (s *HookSet) For(event HookEvent) []Hook {
	if s == nil {
		return nil
	}
	switch event {
	case EventPostCreate:
		return s.PostCreate
	case EventPostStart:
		return s.PostStart
	case EventPreCommit:
		return s.PreCommit
	case EventPreMerge:
		return s.PreMerge
	case EventPostMerge:
		return s.PostMerge
	default:
		return nil
	}
}

// Set replaces the hooks for an event.
func (s *HookSet) Set(event HookEvent, hooks []Hook) {
	switch event {
	case EventPostCreate:
		s.PostCreate = hooks
	case EventPostStart:
		s.PostStart = hooks
	case EventPreCommit:
		s.PreCommit = hooks
	case EventPreMerge:
		s.PreMerge = hooks
	case EventPostMerge:
		s.PostMerge = hooks
	}
}

// Len returns the total number of configured hooks.
func (s *HookSet) Len() int {
	n := 0
	for _, e := range AllHookEvents {
		n += len(s.For(e))
	}
	return n
}

// ApprovalRecord authorizes one exact command string for a project hook.
type ApprovalRecord struct {
	Project    string    `json:"project"`
	Event      HookEvent `json:"event"`
	Name       string    `json:"name"`
	Command    string    `json:"command"`
	ApprovedAt time.Time `json:"approvedAt"`
}

// Key returns the "<event>.<name>" part of the approval key.
func (r ApprovalRecord) Key() string {
	return r.Event.String() + "." + r.Name
}

// StatusMarker is an advisory status string attached to a branch.
type StatusMarker struct {
	Branch string `json:"branch"`
	Marker string `json:"marker"`
}

// SanitizeBranchName makes a branch name safe to use as a single path
// component by replacing path separators with dashes.
//
//	SanitizeBranchName("feature/foo") → "feature-foo"
func SanitizeBranchName(branch string) string {
	return strings.NewReplacer("/", "-", `\`, "-").Replace(branch)
}

// BranchFileName returns a file name unique to branch. The readable
// sanitized prefix is followed by a short hash of the exact name, so
// "fix/x", "fix-x" and "Fix/x" never share a file, even on case-insensitive
// filesystems.
//
//	BranchFileName("feature/foo") → "feature-foo-<12 hex digits>"
func BranchFileName(branch string) string {
	sum := sha256.Sum256([]byte(branch))
	return SanitizeBranchName(branch) + "-" + hex.EncodeToString(sum[:6])
}

// ExitCode defines standard CLI exit codes.
// These codes allow scripts and agents to tell failure kinds apart.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitConfigError indicates invalid user or project configuration.
	ExitConfigError ExitCode = 2

	// ExitNotFound indicates the identifier did not resolve to a worktree.
	ExitNotFound ExitCode = 3

	// ExitHookFailed indicates a blocking hook exited non-zero.
	ExitHookFailed ExitCode = 4

	// ExitGitError indicates a git operation failed.
	ExitGitError ExitCode = 5

	// ExitConflict indicates a rebase or fast-forward could not complete.
	ExitConflict ExitCode = 6

	// ExitUserCancelled indicates the user declined a prompt.
	ExitUserCancelled ExitCode = 7

	// ExitConcurrentOperation indicates another process holds the merge lock.
	ExitConcurrentOperation ExitCode = 8

	// ExitNothingToMerge indicates the source has no changes for the target.
	ExitNothingToMerge ExitCode = 9
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Hint is an optional follow-up suggestion printed after the error.
	Hint string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
