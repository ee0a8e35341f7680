package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shinji-kodama/worktree-flow/internal/filelock"
	"github.com/shinji-kodama/worktree-flow/internal/logger"
	"github.com/shinji-kodama/worktree-flow/internal/model"
)

// Status is the state of a task run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"

	// StatusSkipped means a cleanup declined to delete anything unsafe.
	StatusSkipped Status = "skipped"

	// StatusInterrupted is reported for a queued or running task whose
	// process is gone.
	StatusInterrupted Status = "interrupted"
)

// Outcome is the durable record of the latest run for a
// (branch, kind, name) key. A later run of the same key replaces it.
type Outcome struct {
	TaskID     string    `json:"taskId"`
	Kind       Kind      `json:"kind"`
	Branch     string    `json:"branch"`
	Name       string    `json:"name,omitempty"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	ExitCode   int       `json:"exitCode,omitempty"`
	PID        int       `json:"pid,omitempty"`
	LogPath    string    `json:"logPath,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
}

// Failed reports whether the outcome should be surfaced as a failure.
func (o Outcome) Failed() bool {
	return o.Status == StatusFailed || o.Status == StatusInterrupted
}

// Key returns "<kind>" or "<kind>.<name>".
func (o Outcome) Key() string {
	if o.Name == "" {
		return string(o.Kind)
	}
	return string(o.Kind) + "." + o.Name
}

func (m *Manager) outcomeDir(branch string) string {
	return filepath.Join(m.dir, "outcomes", model.BranchFileName(branch))
}

func (m *Manager) outcomePath(o Outcome) string {
	return filepath.Join(m.outcomeDir(o.Branch), o.Key()+".json")
}

// outcomeLockTimeout bounds how long an outcome write waits for another
// writer of the same key.
const outcomeLockTimeout = 5 * time.Second

func (m *Manager) writeOutcome(o Outcome) error {
	_, err := m.storeOutcome(o, nil)
	return err
}

// storeOutcome replaces the record of o's key under the key's lock. With a
// non-nil accept, the write only happens when accept approves the current
// record; it reports whether o was written.
func (m *Manager) storeOutcome(o Outcome, accept func(cur Outcome) bool) (bool, error) {
	path := m.outcomePath(o)
	if accept != nil {
		if _, err := os.Stat(path); err != nil {
			return false, nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), outcomeLockTimeout)
	defer cancel()
	lock, err := filelock.Acquire(ctx, path+".lock")
	if err != nil {
		return false, err
	}
	defer lock.Unlock()

	if accept != nil {
		var cur Outcome
		if err := readJSON(path, &cur); err != nil || !accept(cur) {
			return false, nil
		}
	}
	if err := writeJSON(path, o); err != nil {
		return false, err
	}
	return true, nil
}

// stillQueued accepts a record only while task id has not started.
func stillQueued(id string) func(Outcome) bool {
	return func(cur Outcome) bool {
		return cur.TaskID == id && cur.Status == StatusQueued
	}
}

// failQueued marks the queued outcome of task id as failed. It is used when
// the task record itself cannot be run, so the kind and branch are only
// known from the outcome written at spawn time.
func (m *Manager) failQueued(id string, cause error) {
	matches, _ := filepath.Glob(filepath.Join(m.dir, "outcomes", "*", "*.json"))
	for _, path := range matches {
		var o Outcome
		if err := readJSON(path, &o); err != nil || o.TaskID != id || o.Status != StatusQueued {
			continue
		}
		o.Status = StatusFailed
		o.Error = cause.Error()
		o.PID = os.Getpid()
		o.FinishedAt = m.now().UTC()
		if _, err := m.storeOutcome(o, stillQueued(id)); err != nil {
			logger.WithComponent("task").Warn("failed to record task failure", "task", id, "error", err)
		}
	}
}

// Outcomes returns the latest outcome of every task key recorded for
// branch, ordered by start time.
func (m *Manager) Outcomes(branch string) ([]Outcome, error) {
	outcomes, err := m.readOutcomes(m.outcomeDir(branch))
	if err != nil {
		return nil, err
	}
	// Records are keyed by directory; the branch field is authoritative.
	filtered := outcomes[:0]
	for _, o := range outcomes {
		if o.Branch == branch {
			filtered = append(filtered, o)
		}
	}
	return filtered, nil
}

// AllOutcomes returns the outcomes of every branch.
func (m *Manager) AllOutcomes() ([]Outcome, error) {
	root := filepath.Join(m.dir, "outcomes")
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var all []Outcome
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		outcomes, err := m.readOutcomes(filepath.Join(root, e.Name()))
		if err != nil {
			return nil, err
		}
		all = append(all, outcomes...)
	}
	sortOutcomes(all)
	return all, nil
}

// Failures returns the failed or interrupted outcomes of branch.
func (m *Manager) Failures(branch string) ([]Outcome, error) {
	outcomes, err := m.Outcomes(branch)
	if err != nil {
		return nil, err
	}
	var failed []Outcome
	for _, o := range outcomes {
		if o.Failed() {
			failed = append(failed, o)
		}
	}
	return failed, nil
}

// ClearOutcomes forgets every outcome recorded for branch.
func (m *Manager) ClearOutcomes(branch string) error {
	err := os.RemoveAll(m.outcomeDir(branch))
	if err != nil {
		return fmt.Errorf("failed to clear outcomes of %s: %w", branch, err)
	}
	return nil
}

func (m *Manager) readOutcomes(dir string) ([]Outcome, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var outcomes []Outcome
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var o Outcome
		if err := readJSON(filepath.Join(dir, e.Name()), &o); err != nil {
			// Half-written files cannot exist (writes rename into place),
			// so anything unreadable is foreign and skipped.
			continue
		}
		if (o.Status == StatusRunning || o.Status == StatusQueued) && o.PID > 0 && !processAlive(o.PID) {
			if o.Status == StatusQueued {
				o.Error = "task process exited before running"
			} else {
				o.Error = "task process exited without recording an outcome"
			}
			o.Status = StatusInterrupted
		}
		outcomes = append(outcomes, o)
	}
	sortOutcomes(outcomes)
	return outcomes, nil
}

func sortOutcomes(outcomes []Outcome) {
	sort.SliceStable(outcomes, func(i, j int) bool {
		if !outcomes[i].StartedAt.Equal(outcomes[j].StartedAt) {
			return outcomes[i].StartedAt.Before(outcomes[j].StartedAt)
		}
		return outcomes[i].Key() < outcomes[j].Key()
	})
}
