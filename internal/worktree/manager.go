package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/shinji-kodama/worktree-flow/internal/logger"
	"github.com/shinji-kodama/worktree-flow/internal/model"
)

// refreshConcurrency caps the number of git processes List runs at once
// while refreshing ahead/behind and dirty state.
const refreshConcurrency = 8

func log() *slog.Logger {
	return logger.WithComponent("git")
}

// Manager provides git operations by invoking the git CLI.
//
// It is stateless: every method receives the directory to operate in, which
// may be the main repository or any linked worktree. Git resolves the shared
// repository from there.
type Manager struct{}

// NewManager creates a new Manager instance.
func NewManager() *Manager {
	return &Manager{}
}

// Add creates a new worktree at worktreePath checking out branch.
//
// This method handles two cases:
//  1. If the branch does NOT already exist: creates it from base using
//     `git worktree add -b <branch> <worktreePath> [base]`.
//  2. If the branch already exists: checks it out into the new worktree
//     using `git worktree add <worktreePath> <branch>`.
//
// If base is empty, HEAD is used as the starting point for the new branch.
func (m *Manager) Add(ctx context.Context, repoPath, branch, worktreePath, base string) error {
	if m.BranchExists(ctx, repoPath, branch) {
		_, err := runGit(ctx, repoPath, "worktree", "add", worktreePath, branch)
		return err
	}

	args := []string{"worktree", "add", "-b", branch, worktreePath}
	if base != "" {
		args = append(args, base)
	}
	_, err := runGit(ctx, repoPath, args...)
	return err
}

// Worktrees returns every worktree of the repository as reported by
// `git worktree list --porcelain`, without refreshing status. The first
// entry is always the main worktree.
func (m *Manager) Worktrees(ctx context.Context, repoPath string) ([]model.Worktree, error) {
	output, err := runGit(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parsePorcelainOutput(output), nil
}

// List returns every worktree with ahead/behind counts (relative to the
// branch's upstream) and the dirty flag read fresh from git. When base is
// set, worktrees on other branches also get their comparison with base.
//
// Status is refreshed concurrently, one git process per question, bounded by
// refreshConcurrency. Prunable worktrees (directory gone) are returned as-is.
func (m *Manager) List(ctx context.Context, repoPath, base string) ([]model.Worktree, error) {
	worktrees, err := m.Worktrees(ctx, repoPath)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for i := range worktrees {
		wt := &worktrees[i]
		if wt.Bare || wt.Prunable {
			continue
		}
		g.Go(func() error {
			dirty, err := m.IsDirty(gctx, wt.Path)
			if err != nil {
				return err
			}
			wt.Dirty = dirty
			return nil
		})
		if wt.Branch == "" {
			continue
		}
		g.Go(func() error {
			ahead, behind, err := m.AheadBehindUpstream(gctx, wt.Path)
			if err != nil {
				return err
			}
			wt.Ahead, wt.Behind = ahead, behind
			return nil
		})
		if base == "" || wt.Branch == base {
			continue
		}
		g.Go(func() error {
			stats, err := m.CompareToBase(gctx, wt.Path, base, "HEAD")
			if err != nil {
				return err
			}
			wt.Base = stats
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return worktrees, nil
}

// Branches lists the local branches, sorted by name.
func (m *Manager) Branches(ctx context.Context, repoPath string) ([]model.Branch, error) {
	out, err := runGit(ctx, repoPath, "for-each-ref", "--sort=refname",
		"--format=%(refname:short)%00%(objectname)%00%(upstream:short)", "refs/heads/")
	if err != nil {
		return nil, err
	}
	var branches []model.Branch
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Split(line, "\x00")
		if len(fields) != 3 {
			continue
		}
		branches = append(branches, model.Branch{Name: fields[0], Head: fields[1], Upstream: fields[2]})
	}
	return branches, nil
}

// CompareToBase counts the commits rev and base have on their own and
// totals the lines rev changed since their merge base.
func (m *Manager) CompareToBase(ctx context.Context, path, base, rev string) (*model.BaseStats, error) {
	ahead, behind, err := m.AheadBehind(ctx, path, rev, base)
	if err != nil {
		return nil, err
	}
	out, err := runGit(ctx, path, "diff", "--numstat", "--no-renames", base+"..."+rev)
	if err != nil {
		return nil, err
	}
	added, removed := parseNumstat(out)
	return &model.BaseStats{Branch: base, Ahead: ahead, Behind: behind, Added: added, Removed: removed}, nil
}

// parseNumstat totals `git diff --numstat` output. Binary files, reported
// as "-", count as zero lines.
func parseNumstat(out string) (added, removed int) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if n, err := strconv.Atoi(fields[0]); err == nil {
			added += n
		}
		if n, err := strconv.Atoi(fields[1]); err == nil {
			removed += n
		}
	}
	return added, removed
}

// Remove deletes the worktree at worktreePath. With force, worktrees with
// uncommitted changes or untracked files are removed too.
func (m *Manager) Remove(ctx context.Context, repoPath, worktreePath string, force bool) error {
	args := []string{"worktree", "remove", worktreePath}
	if force {
		args = []string{"worktree", "remove", "--force", worktreePath}
	}
	_, err := runGit(ctx, repoPath, args...)
	return err
}

// Prune removes administrative entries of worktrees whose directory is gone.
func (m *Manager) Prune(ctx context.Context, repoPath string) error {
	_, err := runGit(ctx, repoPath, "worktree", "prune")
	return err
}

// IsWorktree reports whether path is a linked worktree (as opposed to the
// main working directory).
//
// Linked worktrees have a .git FILE containing a "gitdir:" pointer; the main
// working directory has a .git DIRECTORY.
func (m *Manager) IsWorktree(path string) bool {
	info, err := os.Lstat(filepath.Join(path, ".git"))
	if err != nil || info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// RepoRoot returns the top-level directory of the working tree containing
// path. For a linked worktree this is the worktree root, not the main one.
func (m *Manager) RepoRoot(ctx context.Context, path string) (string, error) {
	output, err := runGit(ctx, path, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// CommonDir returns the absolute path of the git directory shared by all
// worktrees (the main repository's .git).
func (m *Manager) CommonDir(ctx context.Context, path string) (string, error) {
	output, err := runGit(ctx, path, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", err
	}
	dir := strings.TrimSpace(output)
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(path, dir)
	}
	return filepath.Clean(dir), nil
}

// CurrentBranch returns the branch checked out at path.
// It returns model.ErrDetachedHead when HEAD is detached.
func (m *Manager) CurrentBranch(ctx context.Context, path string) (string, error) {
	output, err := runGit(ctx, path, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err != nil {
		var gitErr *GitError
		if errors.As(err, &gitErr) && gitErr.ExitCode == 1 {
			return "", model.ErrDetachedHead
		}
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// BranchExists reports whether refs/heads/<branch> exists.
func (m *Manager) BranchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := runGit(ctx, repoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// DefaultBranch returns the repository's default branch: the target of
// origin/HEAD when configured, else "main" or "master" when present, else
// the branch of the main worktree.
func (m *Manager) DefaultBranch(ctx context.Context, repoPath string) (string, error) {
	if out, err := runGit(ctx, repoPath, "symbolic-ref", "--quiet", "--short", "refs/remotes/origin/HEAD"); err == nil {
		if name := strings.TrimPrefix(strings.TrimSpace(out), "origin/"); name != "" {
			return name, nil
		}
	}
	for _, candidate := range []string{"main", "master"} {
		if m.BranchExists(ctx, repoPath, candidate) {
			return candidate, nil
		}
	}
	worktrees, err := m.Worktrees(ctx, repoPath)
	if err != nil {
		return "", err
	}
	if len(worktrees) > 0 && worktrees[0].Branch != "" {
		return worktrees[0].Branch, nil
	}
	return "", fmt.Errorf("cannot determine default branch: %w", model.ErrDetachedHead)
}

// DeleteBranch deletes a local branch. Without force git refuses to delete a
// branch that is not merged into HEAD or its upstream.
func (m *Manager) DeleteBranch(ctx context.Context, repoPath, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := runGit(ctx, repoPath, "branch", flag, branch)
	return err
}

// Upstream returns the upstream of the branch checked out at path, or ""
// when none is configured.
func (m *Manager) Upstream(ctx context.Context, path string) (string, error) {
	out, err := runGit(ctx, path, "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{upstream}")
	if err != nil {
		var gitErr *GitError
		if errors.As(err, &gitErr) && gitErr.ExitCode > 0 {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// AheadBehindUpstream counts commits of HEAD at path that are not on its
// upstream (ahead) and vice versa (behind). Both are zero without upstream.
func (m *Manager) AheadBehindUpstream(ctx context.Context, path string) (int, int, error) {
	upstream, err := m.Upstream(ctx, path)
	if err != nil || upstream == "" {
		return 0, 0, err
	}
	return m.AheadBehind(ctx, path, "HEAD", upstream)
}

// AheadBehind counts commits reachable from left but not right (ahead) and
// from right but not left (behind).
func (m *Manager) AheadBehind(ctx context.Context, path, left, right string) (int, int, error) {
	out, err := runGit(ctx, path, "rev-list", "--left-right", "--count", left+"..."+right)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q", out)
	}
	ahead, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, err
	}
	behind, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, err
	}
	return ahead, behind, nil
}

// parsePorcelainOutput parses `git worktree list --porcelain` into
// model.Worktree values.
//
// Blocks are separated by blank lines. Within a block each line is a
// "key value" pair or a bare marker ("bare", "detached", "locked",
// "prunable"; the last two may carry a reason). The first block is the main
// worktree.
//
//	worktree /path/to/main
//	HEAD abc123
//	branch refs/heads/main
//
//	worktree /path/to/feature
//	HEAD def456
//	detached
func parsePorcelainOutput(output string) []model.Worktree {
	var worktrees []model.Worktree

	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")

	var current *model.Worktree
	flush := func() {
		if current != nil {
			current.IsMain = len(worktrees) == 0
			worktrees = append(worktrees, *current)
			current = nil
		}
	}
	for _, line := range lines {
		if line == "" {
			flush()
			continue
		}

		key, value, _ := strings.Cut(line, " ")
		if key == "worktree" {
			flush()
			current = &model.Worktree{Path: value}
			continue
		}
		if current == nil {
			continue
		}
		switch key {
		case "HEAD":
			current.Head = value
		case "branch":
			current.Branch = strings.TrimPrefix(value, "refs/heads/")
		case "bare":
			current.Bare = true
		case "detached":
			current.Detached = true
		case "locked":
			current.Locked = true
		case "prunable":
			current.Prunable = true
		}
	}
	flush()

	return worktrees
}
