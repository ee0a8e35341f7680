package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shinji-kodama/worktree-flow/internal/model"
	"github.com/shinji-kodama/worktree-flow/internal/tmpl"
)

// Special identifiers accepted by Resolve.
const (
	// CurrentIdentifier names the worktree containing the working directory.
	CurrentIdentifier = "@"

	// DefaultIdentifier names the worktree of the default branch.
	DefaultIdentifier = "^"
)

// DefaultPathTemplate places worktrees next to the main repository as
// "<repo>.<branch>".
const DefaultPathTemplate = "{{ repo_root }}/../{{ repo }}.{{ branch }}"

// Resolver maps user-facing identifiers onto worktrees.
//
// Resolution is path-first: the identifier is expanded through the path
// template, and a worktree living at that path wins even when it has a
// different branch checked out. Only then is the identifier compared with
// branch names. The same identifier against the same worktree set always
// yields the same result.
type Resolver struct {
	manager      *Manager
	repoPath     string
	pathTemplate string
}

// NewResolver creates a Resolver for the repository containing repoPath.
// An empty pathTemplate selects DefaultPathTemplate.
func NewResolver(m *Manager, repoPath, pathTemplate string) *Resolver {
	if pathTemplate == "" {
		pathTemplate = DefaultPathTemplate
	}
	return &Resolver{manager: m, repoPath: repoPath, pathTemplate: pathTemplate}
}

// RepoPath returns the directory the resolver was created for.
func (r *Resolver) RepoPath() string {
	return r.repoPath
}

// Resolve returns the worktree addressed by identifier.
// It returns model.ErrNotFound when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (model.Worktree, error) {
	switch identifier {
	case CurrentIdentifier:
		return r.Current(ctx, r.repoPath)
	case DefaultIdentifier:
		def, err := r.manager.DefaultBranch(ctx, r.repoPath)
		if err != nil {
			return model.Worktree{}, err
		}
		identifier = def
	}

	worktrees, err := r.manager.Worktrees(ctx, r.repoPath)
	if err != nil {
		return model.Worktree{}, err
	}
	expected, err := r.expectedPath(worktrees, identifier)
	if err != nil {
		return model.Worktree{}, err
	}
	return ResolveAt(worktrees, expected, identifier)
}

// ExpectedPath returns where the worktree for branch lives according to the
// path template.
func (r *Resolver) ExpectedPath(ctx context.Context, branch string) (string, error) {
	worktrees, err := r.manager.Worktrees(ctx, r.repoPath)
	if err != nil {
		return "", err
	}
	return r.expectedPath(worktrees, branch)
}

func (r *Resolver) expectedPath(worktrees []model.Worktree, branch string) (string, error) {
	if len(worktrees) == 0 {
		return "", fmt.Errorf("repository at %s has no worktrees", r.repoPath)
	}
	root := worktrees[0].Path
	c := tmpl.New(filepath.Base(root), root, branch, "")
	p, err := tmpl.ExpandPath(r.pathTemplate, c)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	return canonicalPath(p), nil
}

// Current returns the worktree containing dir.
func (r *Resolver) Current(ctx context.Context, dir string) (model.Worktree, error) {
	top, err := r.manager.RepoRoot(ctx, dir)
	if err != nil {
		return model.Worktree{}, err
	}
	worktrees, err := r.manager.Worktrees(ctx, dir)
	if err != nil {
		return model.Worktree{}, err
	}
	top = canonicalPath(top)
	for _, wt := range worktrees {
		if canonicalPath(wt.Path) == top {
			return wt, nil
		}
	}
	return model.Worktree{}, fmt.Errorf("%s: %w", dir, model.ErrNotFound)
}

// ResolveAt applies the resolution rules to a known worktree set:
//  1. a worktree whose path equals expectedPath wins, whatever its branch;
//  2. otherwise a worktree whose branch equals identifier;
//  3. otherwise model.ErrNotFound.
func ResolveAt(worktrees []model.Worktree, expectedPath, identifier string) (model.Worktree, error) {
	if expectedPath != "" {
		want := filepath.Clean(expectedPath)
		for _, wt := range worktrees {
			if filepath.Clean(canonicalPath(wt.Path)) == want {
				return wt, nil
			}
		}
	}
	for _, wt := range worktrees {
		if wt.Branch != "" && wt.Branch == identifier {
			return wt, nil
		}
	}
	return model.Worktree{}, fmt.Errorf("%q: %w", identifier, model.ErrNotFound)
}

// canonicalPath returns an absolute, symlink-free form of p. Components that
// do not exist yet are kept as written below the deepest existing ancestor.
func canonicalPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	parent := filepath.Dir(abs)
	if parent == abs {
		return abs
	}
	return filepath.Join(canonicalPath(parent), filepath.Base(abs))
}

// SamePath reports whether two paths name the same location.
func SamePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	ca, cb := canonicalPath(a), canonicalPath(b)
	if ca == cb {
		return true
	}
	// Case-insensitive filesystems (macOS, Windows) report the same stat.
	ia, errA := os.Stat(ca)
	ib, errB := os.Stat(cb)
	return errA == nil && errB == nil && os.SameFile(ia, ib) && strings.EqualFold(ca, cb)
}
