// Package task runs work detached from the foreground command.
//
// A Task is written to <git-common-dir>/worktree-flow/tasks/<id>.json and
// executed by a child process (`worktree-flow internal run-task <id>`)
// started in its own session, so it outlives the command that spawned it.
// Every run records its Outcome under a key made of branch, kind and hook
// name; later commands read those outcomes to surface background failures.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/shinji-kodama/worktree-flow/internal/hook"
	"github.com/shinji-kodama/worktree-flow/internal/logger"
	"github.com/shinji-kodama/worktree-flow/internal/model"
	"github.com/shinji-kodama/worktree-flow/internal/tmpl"
	"github.com/shinji-kodama/worktree-flow/internal/worktree"
)

// Kind names what a task does.
type Kind string

const (
	KindHook    Kind = "hook"
	KindCleanup Kind = "cleanup"
)

// Task is one unit of detached work.
type Task struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Branch    string    `json:"branch"`
	CreatedAt time.Time `json:"createdAt"`

	Hook    *HookTask    `json:"hook,omitempty"`
	Cleanup *CleanupTask `json:"cleanup,omitempty"`
}

// HookTask runs one background hook. The command was approved before the
// task was spawned, so it runs without consulting the approval store.
type HookTask struct {
	Hook      model.Hook    `json:"hook"`
	Context   tmpl.Context  `json:"context"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	Allowlist []string      `json:"allowlist,omitempty"`
}

// CleanupTask removes a worktree and optionally its branch.
type CleanupTask struct {
	WorktreePath string `json:"worktreePath,omitempty"`
	Branch       string `json:"branch"`

	// Target is the branch that must contain every commit of Branch
	// before anything is deleted.
	Target string `json:"target"`

	// RequireMerged skips the whole cleanup when Branch is not merged into
	// Target. Without it only the branch deletion is skipped.
	RequireMerged bool `json:"requireMerged,omitempty"`

	DeleteBranch bool `json:"deleteBranch"`

	// ForceDeleteBranch deletes the branch even when it is not merged.
	ForceDeleteBranch bool `json:"forceDeleteBranch,omitempty"`

	// AcceptSameTree counts a branch whose tree equals Target's as merged,
	// which is what a squash merge done elsewhere leaves behind.
	AcceptSameTree bool `json:"acceptSameTree,omitempty"`

	// Force removes the worktree even with uncommitted changes.
	Force bool `json:"force,omitempty"`
}

// name returns "<event>.<name>" for hook tasks.
func (t Task) name() string {
	if t.Hook != nil {
		return t.Hook.Hook.Key()
	}
	return ""
}

func (t Task) validate() error {
	switch t.Kind {
	case KindHook:
		if t.Hook == nil {
			return fmt.Errorf("task %s: hook task without hook", t.ID)
		}
	case KindCleanup:
		if t.Cleanup == nil {
			return fmt.Errorf("task %s: cleanup task without cleanup", t.ID)
		}
	default:
		return fmt.Errorf("task %s: unknown kind %q", t.ID, t.Kind)
	}
	return nil
}

// Handle identifies a spawned task.
type Handle struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	Branch  string `json:"branch"`
	PID     int    `json:"pid"`
	LogPath string `json:"logPath"`
}

// Manager spawns and runs tasks of one repository.
type Manager struct {
	git      *worktree.Manager
	repoRoot string
	dir      string

	// Executable is the binary started for detached tasks.
	// Defaults to the running executable.
	Executable string

	// Runners are passed to the hook executor of hook tasks.
	Runners map[model.RunnerKind]hook.Runner

	// HookTimeout and Allowlist are recorded on hook tasks at spawn time.
	HookTimeout time.Duration
	Allowlist   []string

	now func() time.Time
}

// NewManager creates a Manager for the repository containing repoPath.
func NewManager(ctx context.Context, git *worktree.Manager, repoPath string) (*Manager, error) {
	common, err := git.CommonDir(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	worktrees, err := git.Worktrees(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	if len(worktrees) == 0 {
		return nil, fmt.Errorf("repository at %s has no worktrees", repoPath)
	}
	return &Manager{
		git:      git,
		repoRoot: worktrees[0].Path,
		dir:      filepath.Join(common, "worktree-flow"),
		now:      time.Now,
	}, nil
}

// Dir returns the directory holding task records, logs and outcomes.
func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) taskPath(id string) string {
	return filepath.Join(m.dir, "tasks", id+".json")
}

// LogPath returns the log file of task id.
func (m *Manager) LogPath(id string) string {
	return filepath.Join(m.dir, "logs", id+".log")
}

func (m *Manager) prepare(t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now().UTC()
	}
	return t.validate()
}

// Spawn records t and starts a detached child process to run it. It returns
// once the child has started; the child's fate is recorded in the outcome
// log.
func (m *Manager) Spawn(ctx context.Context, t Task) (Handle, error) {
	log := logger.WithComponent("task")
	if err := m.prepare(&t); err != nil {
		return Handle{}, err
	}

	exe := m.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return Handle{}, fmt.Errorf("failed to locate executable: %w", err)
		}
	}

	if err := writeJSON(m.taskPath(t.ID), t); err != nil {
		return Handle{}, fmt.Errorf("failed to record task: %w", err)
	}
	logPath := m.LogPath(t.ID)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return Handle{}, err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to open task log: %w", err)
	}
	defer logFile.Close()

	// The child must not inherit the caller's context: it outlives it.
	cmd := exec.Command(exe, "internal", "run-task", t.ID, "-C", m.repoRoot)
	cmd.Dir = m.repoRoot
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)

	queued := Outcome{
		TaskID:    t.ID,
		Kind:      t.Kind,
		Branch:    t.Branch,
		Name:      t.name(),
		Status:    StatusQueued,
		LogPath:   logPath,
		StartedAt: m.now().UTC(),
	}
	// Recorded before the child starts so its own record always wins.
	if err := m.writeOutcome(queued); err != nil {
		log.WarnContext(ctx, "failed to record queued task", "task", t.ID, "error", err)
	}

	if err := cmd.Start(); err != nil {
		_ = os.Remove(m.taskPath(t.ID))
		queued.Status = StatusFailed
		queued.Error = err.Error()
		queued.FinishedAt = m.now().UTC()
		_ = m.writeOutcome(queued)
		return Handle{}, fmt.Errorf("failed to start task %s: %w", t.ID, err)
	}
	pid := cmd.Process.Pid

	// With the PID on record, a child that dies before writing its own
	// outcome shows up as interrupted instead of queued forever.
	queued.PID = pid
	if _, err := m.storeOutcome(queued, stillQueued(t.ID)); err != nil {
		log.WarnContext(ctx, "failed to record task pid", "task", t.ID, "error", err)
	}

	// Reaping the child keeps a long-lived caller from holding a zombie
	// whose PID still looks alive. A child that exits non-zero before
	// recording anything is marked failed here.
	go func() {
		werr := cmd.Wait()
		if werr == nil {
			return
		}
		failed := queued
		failed.Status = StatusFailed
		failed.Error = fmt.Sprintf("task process exited before running: %v", werr)
		failed.FinishedAt = m.now().UTC()
		_, _ = m.storeOutcome(failed, stillQueued(t.ID))
	}()

	log.InfoContext(ctx, "task spawned", "task", t.ID, "kind", string(t.Kind), "branch", t.Branch, "pid", pid)
	return Handle{ID: t.ID, Kind: t.Kind, Branch: t.Branch, PID: pid, LogPath: logPath}, nil
}

// SpawnHook implements hook.Spawner.
func (m *Manager) SpawnHook(ctx context.Context, h model.Hook, tctx tmpl.Context) (string, error) {
	handle, err := m.Spawn(ctx, Task{
		Kind:   KindHook,
		Branch: tctx.Branch,
		Hook: &HookTask{
			Hook:      h,
			Context:   tctx,
			Timeout:   m.HookTimeout,
			Allowlist: m.Allowlist,
		},
	})
	if err != nil {
		return "", err
	}
	return handle.ID, nil
}

// RunTask executes a recorded task. It is the entry point of the detached
// child process. The task record is removed once an outcome is written.
func (m *Manager) RunTask(ctx context.Context, id string) error {
	var t Task
	if err := readJSON(m.taskPath(id), &t); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("task %s: %w", id, model.ErrNotFound)
		} else {
			err = fmt.Errorf("failed to read task %s: %w", id, err)
		}
		m.failQueued(id, err)
		return err
	}
	if err := t.validate(); err != nil {
		m.failQueued(id, err)
		_ = os.Remove(m.taskPath(id))
		return err
	}
	err := m.execute(ctx, t, os.Stdout)
	_ = os.Remove(m.taskPath(id))
	return err
}

// Inline runs t in the current process, writing progress to out. Used when
// the caller asked to stay in the foreground.
func (m *Manager) Inline(ctx context.Context, t Task, out io.Writer) error {
	if err := m.prepare(&t); err != nil {
		return err
	}
	return m.execute(ctx, t, out)
}

func (m *Manager) execute(ctx context.Context, t Task, out io.Writer) error {
	log := logger.WithComponent("task").With("task", t.ID, "kind", string(t.Kind), "branch", t.Branch)
	if out == nil {
		out = io.Discard
	}

	o := Outcome{
		TaskID:    t.ID,
		Kind:      t.Kind,
		Branch:    t.Branch,
		Name:      t.name(),
		Status:    StatusRunning,
		PID:       os.Getpid(),
		LogPath:   m.LogPath(t.ID),
		StartedAt: m.now().UTC(),
	}
	if err := m.writeOutcome(o); err != nil {
		log.Warn("failed to record running task", "error", err)
	}

	var err error
	switch t.Kind {
	case KindHook:
		err = m.runHook(ctx, t.Hook, out)
	case KindCleanup:
		err = m.runCleanup(ctx, t.Cleanup, out)
	}

	o.FinishedAt = m.now().UTC()
	var skipped *model.CleanupSkippedError
	var hookErr *model.HookFailedError
	switch {
	case err == nil:
		o.Status = StatusSucceeded
	case errors.As(err, &skipped):
		o.Status = StatusSkipped
		o.Error = skipped.Reason
	default:
		o.Status = StatusFailed
		o.Error = err.Error()
		if errors.As(err, &hookErr) {
			o.ExitCode = hookErr.ExitCode
		}
	}
	if werr := m.writeOutcome(o); werr != nil {
		log.Error("failed to record task outcome", "error", werr)
	}
	if err != nil {
		log.Warn("task did not succeed", "status", string(o.Status), "error", err)
	} else {
		log.Info("task succeeded", "duration", o.FinishedAt.Sub(o.StartedAt))
	}
	return err
}

func (m *Manager) runHook(ctx context.Context, ht *HookTask, out io.Writer) error {
	h := ht.Hook
	// The task itself is the background; inside it the hook blocks so its
	// failure reaches the outcome.
	h.Mode = model.ModeBlocking
	e := &hook.Executor{
		Runners:   m.Runners,
		Timeout:   ht.Timeout,
		Allowlist: ht.Allowlist,
		Output:    out,
	}
	_, err := e.Run(ctx, h.Event, []model.Hook{h}, ht.Context, nil)
	return err
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
