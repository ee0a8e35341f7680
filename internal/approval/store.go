// Package approval decides whether project hook commands may run.
//
// Project hooks come from a file checked into the repository, so a command
// runs without prompting only if the user has approved that exact command
// string before for that project and hook. Any edit to the command
// invalidates the approval.
//
// Approvals persist in a JSON file shared by all worktree-flow processes.
// Readers never lock (the file is replaced atomically by rename); writers
// run a read-modify-write cycle under an advisory lock on "<file>.lock" and
// always re-read inside the lock, so concurrent approvals are never lost.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shinji-kodama/worktree-flow/internal/filelock"
	"github.com/shinji-kodama/worktree-flow/internal/logger"
	"github.com/shinji-kodama/worktree-flow/internal/model"
)

// lockTimeout bounds how long a writer waits for the store lock when the
// caller's context has no deadline.
const lockTimeout = 10 * time.Second

// fileVersion is written into the store for future migrations.
const fileVersion = 1

// Decision is the outcome of checking one command against the store.
type Decision int

const (
	// NeedsPrompt means the command is not approved and must be confirmed.
	NeedsPrompt Decision = iota

	// Approved means the exact command string was approved before.
	Approved

	// Denied means the user declined the command earlier in this session.
	Denied
)

func (d Decision) String() string {
	switch d {
	case Approved:
		return "approved"
	case Denied:
		return "denied"
	default:
		return "needs-prompt"
	}
}

// fileData is the on-disk layout:
//
//	{"version": 1, "projects": {"github.com/acme/app": {"pre-merge.test": {...}}}}
type fileData struct {
	Version  int                              `json:"version"`
	Projects map[string]map[string]fileRecord `json:"projects"`
}

type fileRecord struct {
	Command    string    `json:"command"`
	ApprovedAt time.Time `json:"approvedAt"`
}

// Store is the approval store. The zero value is not usable; use NewStore.
//
// Besides the persisted approvals, a Store carries session state: commands
// approved with --force and commands denied at a prompt. Session state is
// never written to disk.
type Store struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	session map[string]string
	denied  map[string]string
}

// NewStore creates a store backed by the JSON file at path. The file is
// created on first write.
func NewStore(path string) *Store {
	return &Store{
		path:    path,
		now:     time.Now,
		session: map[string]string{},
		denied:  map[string]string{},
	}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

func sessionKey(project string, event model.HookEvent, name string) string {
	return project + "\x00" + event.String() + "." + name
}

// CheckOrRequest decides whether command may run for the project hook
// (event, name). Only a byte-identical stored command counts as approved.
func (s *Store) CheckOrRequest(project string, event model.HookEvent, name, command string) (Decision, error) {
	key := sessionKey(project, event, name)

	s.mu.Lock()
	deniedCmd, isDenied := s.denied[key]
	sessionCmd, isSession := s.session[key]
	s.mu.Unlock()

	if isDenied && deniedCmd == command {
		return Denied, nil
	}
	if isSession && sessionCmd == command {
		return Approved, nil
	}

	data, err := s.read()
	if err != nil {
		return NeedsPrompt, err
	}
	if rec, ok := data.Projects[project][event.String()+"."+name]; ok && rec.Command == command {
		return Approved, nil
	}
	return NeedsPrompt, nil
}

// Record persists one approval.
func (s *Store) Record(ctx context.Context, rec model.ApprovalRecord) error {
	return s.RecordAll(ctx, []model.ApprovalRecord{rec})
}

// RecordAll persists a batch of approvals in a single locked
// read-modify-write cycle. Records without ApprovedAt get the current time.
func (s *Store) RecordAll(ctx context.Context, recs []model.ApprovalRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.update(ctx, func(data *fileData) {
		for _, rec := range recs {
			at := rec.ApprovedAt
			if at.IsZero() {
				at = s.now().UTC()
			}
			project := data.Projects[rec.Project]
			if project == nil {
				project = map[string]fileRecord{}
				data.Projects[rec.Project] = project
			}
			project[rec.Key()] = fileRecord{Command: rec.Command, ApprovedAt: at}
		}
	})
}

// ApproveForSession approves a command for the lifetime of this Store only.
func (s *Store) ApproveForSession(project string, event model.HookEvent, name, command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(project, event, name)
	s.session[key] = command
	delete(s.denied, key)
}

// Deny records an explicit denial for the lifetime of this Store. Later
// checks of the same command return Denied without prompting again.
func (s *Store) Deny(project string, event model.HookEvent, name, command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denied[sessionKey(project, event, name)] = command
}

// List returns the persisted approvals, sorted by project and key. An empty
// project lists every project.
func (s *Store) List(project string) ([]model.ApprovalRecord, error) {
	data, err := s.read()
	if err != nil {
		return nil, err
	}
	var out []model.ApprovalRecord
	for proj, hooks := range data.Projects {
		if project != "" && proj != project {
			continue
		}
		for key, rec := range hooks {
			event, name := splitKey(key)
			out = append(out, model.ApprovalRecord{
				Project:    proj,
				Event:      event,
				Name:       name,
				Command:    rec.Command,
				ApprovedAt: rec.ApprovedAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Project != out[j].Project {
			return out[i].Project < out[j].Project
		}
		return out[i].Key() < out[j].Key()
	})
	return out, nil
}

// Revoke removes every approval of project and returns how many were removed.
func (s *Store) Revoke(ctx context.Context, project string) (int, error) {
	removed := 0
	err := s.update(ctx, func(data *fileData) {
		removed = len(data.Projects[project])
		delete(data.Projects, project)
	})
	return removed, err
}

// RevokeHook removes the approval of a single hook. It reports whether an
// approval existed.
func (s *Store) RevokeHook(ctx context.Context, project string, event model.HookEvent, name string) (bool, error) {
	found := false
	err := s.update(ctx, func(data *fileData) {
		hooks := data.Projects[project]
		key := event.String() + "." + name
		if _, ok := hooks[key]; ok {
			found = true
			delete(hooks, key)
			if len(hooks) == 0 {
				delete(data.Projects, project)
			}
		}
	})
	return found, err
}

func splitKey(key string) (model.HookEvent, string) {
	for _, e := range model.AllHookEvents {
		prefix := e.String() + "."
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			return e, key[len(prefix):]
		}
	}
	return "", key
}

// update runs fn on a freshly read copy of the store while holding the
// store lock, then writes the result atomically.
func (s *Store) update(ctx context.Context, fn func(*fileData)) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, lockTimeout)
		defer cancel()
	}

	lock, err := filelock.Acquire(ctx, s.path+".lock")
	if err != nil {
		return fmt.Errorf("failed to lock approval store: %w", err)
	}
	defer lock.Unlock()

	data, err := s.read()
	if err != nil {
		return err
	}
	fn(data)
	if err := s.write(data); err != nil {
		return err
	}
	logger.WithComponent("approval").Debug("approval store updated", "path", s.path)
	return nil
}

func (s *Store) read() (*fileData, error) {
	data := &fileData{Version: fileVersion, Projects: map[string]map[string]fileRecord{}}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return data, nil
		}
		return nil, fmt.Errorf("failed to read approval store: %w", err)
	}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, data); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("approval store %s is corrupt", s.path), err)
	}
	if data.Projects == nil {
		data.Projects = map[string]map[string]fileRecord{}
	}
	return data, nil
}

// write replaces the store file atomically: temp file in the same
// directory, fsync, rename.
func (s *Store) write(data *fileData) error {
	data.Version = fileVersion
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode approval store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create approval store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".approvals-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write approval store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync approval store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close approval store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace approval store: %w", err)
	}
	return nil
}
