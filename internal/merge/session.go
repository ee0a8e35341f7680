package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shinji-kodama/worktree-flow/internal/filelock"
	"github.com/shinji-kodama/worktree-flow/internal/hook"
	"github.com/shinji-kodama/worktree-flow/internal/model"
)

// State is a stage of the merge pipeline.
type State string

const (
	StateStart             State = "start"
	StateStaging           State = "staging"
	StateSquashing         State = "squashing"
	StateGeneratingMessage State = "generating-message"
	StatePreMergeHooks     State = "pre-merge-hooks"
	StateRebasing          State = "rebasing"
	StateMerging           State = "merging"
	StatePostMergeHooks    State = "post-merge-hooks"
	StateCleanup           State = "cleanup"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

// stages lists the non-terminal states in execution order.
var stages = []State{
	StateStart,
	StateStaging,
	StateSquashing,
	StateGeneratingMessage,
	StatePreMergeHooks,
	StateRebasing,
	StateMerging,
	StatePostMergeHooks,
	StateCleanup,
}

func (s State) String() string {
	return string(s)
}

// order returns the position of s in the pipeline, or -1 for terminal states.
func (s State) order() int {
	for i, st := range stages {
		if st == s {
			return i
		}
	}
	return -1
}

// CleanupStatus reports what happened to the source worktree and branch.
type CleanupStatus string

const (
	CleanupNone     CleanupStatus = ""
	CleanupSpawned  CleanupStatus = "spawned"
	CleanupDone     CleanupStatus = "done"
	CleanupSkipped  CleanupStatus = "skipped"
	CleanupDisabled CleanupStatus = "disabled"
)

// Session is the persisted state of one merge of Source into Target.
// It is written after every completed stage so a failed run can be
// inspected and resumed.
type Session struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	SourcePath string `json:"sourcePath"`
	Target     string `json:"target"`

	State         State  `json:"state"`
	LastCompleted State  `json:"lastCompleted,omitempty"`
	FailedState   State  `json:"failedState,omitempty"`
	Reason        string `json:"reason,omitempty"`

	// Base is the merge-base of source and target when the run started.
	Base    string   `json:"base,omitempty"`
	Commits []string `json:"commits,omitempty"`

	// Subjects are the subjects of Commits, kept for fallback messages.
	Subjects []string `json:"subjects,omitempty"`

	// SquashCommit is the source head after message generation. A resumed
	// run requires the branch to still point at it.
	SquashCommit string `json:"squashCommit,omitempty"`
	Message      string `json:"message,omitempty"`

	Hooks []hook.Result `json:"hooks,omitempty"`

	Rebased    bool   `json:"rebased,omitempty"`
	MergedHead string `json:"mergedHead,omitempty"`

	Cleanup       CleanupStatus `json:"cleanup,omitempty"`
	CleanupTaskID string        `json:"cleanupTaskId,omitempty"`

	Warnings []string `json:"warnings,omitempty"`

	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Resumable reports whether a re-run can skip straight to the pre-merge
// hooks: the session failed after its squash commit was made and before
// anything was merged.
func (s *Session) Resumable() bool {
	if s == nil || s.State != StateFailed || s.SquashCommit == "" {
		return false
	}
	o := s.FailedState.order()
	return o >= StatePreMergeHooks.order() && o <= StateMerging.order()
}

// squashPending reports whether the session stopped after its commits may
// have been folded into the index but before the squash commit was made.
// Subjects are then the only record of the folded commits.
func (s *Session) squashPending() bool {
	if s == nil || s.SquashCommit != "" || s.Base == "" {
		return false
	}
	state := s.State
	if state == StateFailed {
		state = s.FailedState
	}
	return state == StateSquashing || state == StateGeneratingMessage
}

func (s *Session) warn(format string, args ...any) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

// FailedError reports a pipeline that stopped in State. LastCompleted is the
// stage whose results are still in place; a re-run starts after it when
// the session is resumable.
type FailedError struct {
	SessionID     string
	State         State
	LastCompleted State
	Err           error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("merge failed during %s: %v", e.State, e.Err)
}

func (e *FailedError) Unwrap() error {
	return e.Err
}

// sessionStore keeps session files and their locks under
// <git-common-dir>/worktree-flow/sessions.
type sessionStore struct {
	dir string
}

func (st sessionStore) path(source string) string {
	return filepath.Join(st.dir, model.BranchFileName(source)+".json")
}

func (st sessionStore) lockPath(source string) string {
	return filepath.Join(st.dir, model.BranchFileName(source)+".lock")
}

// lock takes the per-branch merge lock without waiting.
func (st sessionStore) lock(source string) (*filelock.Lock, error) {
	l, err := filelock.TryLock(st.lockPath(source))
	if errors.Is(err, filelock.ErrLocked) {
		return nil, fmt.Errorf("another merge of %s is in progress: %w", source, model.ErrConcurrentOperation)
	}
	return l, err
}

// load returns the persisted session of source, or nil when none exists or
// the file records another branch.
func (st sessionStore) load(source string) (*Session, error) {
	data, err := os.ReadFile(st.path(source))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("corrupt merge session %s: %w", st.path(source), err)
	}
	if s.Source != source {
		return nil, nil
	}
	return &s, nil
}

func (st sessionStore) save(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(st.dir, 0o755); err != nil {
		return err
	}
	path := st.path(s.Source)
	tmp, err := os.CreateTemp(st.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (st sessionStore) remove(source string) error {
	err := os.Remove(st.path(source))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
