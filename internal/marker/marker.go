// Package marker stores advisory per-branch status markers in the
// repository's git config, under "worktree-flow.<branch>.marker".
//
// Markers are shared by every worktree of the repository and survive across
// processes. Concurrent writers are serialized by git's config.lock; the
// last write wins.
package marker

import (
	"context"
	"fmt"
	"os"
	"sort"

	gitconfig "github.com/go-git/go-git/v5/plumbing/format/config"

	"github.com/shinji-kodama/worktree-flow/internal/model"
	"github.com/shinji-kodama/worktree-flow/internal/worktree"
)

const (
	section = "worktree-flow"
	option  = "marker"
)

// Key returns the git config key holding branch's marker.
func Key(branch string) string {
	return section + "." + branch + "." + option
}

// Store reads and writes markers of one repository.
type Store struct {
	git      *worktree.Manager
	repoPath string
}

// NewStore creates a Store for the repository containing repoPath.
func NewStore(git *worktree.Manager, repoPath string) *Store {
	return &Store{git: git, repoPath: repoPath}
}

// Get returns branch's marker. The second result is false when none is set.
func (s *Store) Get(ctx context.Context, branch string) (string, bool, error) {
	if branch == "" {
		return "", false, fmt.Errorf("branch name is required")
	}
	return s.git.ConfigGet(ctx, s.repoPath, Key(branch))
}

// Set stores marker for branch. An empty marker clears it.
func (s *Store) Set(ctx context.Context, branch, marker string) error {
	if branch == "" {
		return fmt.Errorf("branch name is required")
	}
	if marker == "" {
		return s.Clear(ctx, branch)
	}
	return s.git.ConfigSet(ctx, s.repoPath, Key(branch), marker)
}

// Clear removes branch's marker. Clearing a missing marker is not an error.
func (s *Store) Clear(ctx context.Context, branch string) error {
	return s.git.ConfigUnset(ctx, s.repoPath, Key(branch))
}

// All returns every marker of the repository sorted by branch. It decodes
// the config file in one read instead of running git per branch.
func (s *Store) All(ctx context.Context) ([]model.StatusMarker, error) {
	path, err := s.git.ConfigPath(ctx, s.repoPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open repository config: %w", err)
	}
	defer f.Close()

	cfg := gitconfig.New()
	if err := gitconfig.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	var markers []model.StatusMarker
	for _, sec := range cfg.Sections {
		if !sec.IsName(section) {
			continue
		}
		for _, sub := range sec.Subsections {
			if v := sub.Options.Get(option); v != "" {
				markers = append(markers, model.StatusMarker{Branch: sub.Name, Marker: v})
			}
		}
	}
	sort.Slice(markers, func(i, j int) bool { return markers[i].Branch < markers[j].Branch })
	return markers, nil
}
