package task

import (
	"context"
	"fmt"
	"io"

	"github.com/shinji-kodama/worktree-flow/internal/marker"
	"github.com/shinji-kodama/worktree-flow/internal/model"
	"github.com/shinji-kodama/worktree-flow/internal/worktree"
)

// Merged reports whether every commit of branch is reachable from target.
// A branch that no longer exists counts as merged.
func Merged(ctx context.Context, git *worktree.Manager, repoPath, branch, target string) (bool, error) {
	if !git.BranchExists(ctx, repoPath, branch) {
		return true, nil
	}
	return git.IsAncestor(ctx, repoPath, "refs/heads/"+branch, "refs/heads/"+target)
}

// runCleanup removes the worktree and branch of c. The merge check is
// repeated on every run, so a re-run after a crash or a branch that gained
// commits since the task was queued never deletes unmerged work.
func (m *Manager) runCleanup(ctx context.Context, c *CleanupTask, out io.Writer) error {
	merged, err := Merged(ctx, m.git, m.repoRoot, c.Branch, c.Target)
	if err != nil {
		return fmt.Errorf("failed to check whether %s is merged into %s: %w", c.Branch, c.Target, err)
	}
	if !merged && c.AcceptSameTree {
		merged, err = m.git.SameTree(ctx, m.repoRoot, "refs/heads/"+c.Branch, "refs/heads/"+c.Target)
		if err != nil {
			return fmt.Errorf("failed to compare %s with %s: %w", c.Branch, c.Target, err)
		}
	}
	if c.RequireMerged && !merged {
		return &model.CleanupSkippedError{
			Reason: fmt.Sprintf("%s has commits not reachable from %s", c.Branch, c.Target),
		}
	}

	if c.WorktreePath != "" {
		if err := m.removeWorktree(ctx, c, out); err != nil {
			return err
		}
	}

	if !c.DeleteBranch || !m.git.BranchExists(ctx, m.repoRoot, c.Branch) {
		return nil
	}
	if !merged && !c.ForceDeleteBranch {
		fmt.Fprintf(out, "Kept branch %s: not merged into %s\n", c.Branch, c.Target)
		return &model.CleanupSkippedError{
			Reason: fmt.Sprintf("branch %s kept: not merged into %s", c.Branch, c.Target),
		}
	}
	// Merge state was verified above against the target rather than HEAD,
	// which is what `branch -d` would check.
	if err := m.git.DeleteBranch(ctx, m.repoRoot, c.Branch, true); err != nil {
		return err
	}
	if merged {
		fmt.Fprintf(out, "Deleted branch %s\n", c.Branch)
	} else {
		fmt.Fprintf(out, "Deleted unmerged branch %s\n", c.Branch)
	}

	if err := marker.NewStore(m.git, m.repoRoot).Clear(ctx, c.Branch); err != nil {
		fmt.Fprintf(out, "Warning: failed to clear marker of %s: %v\n", c.Branch, err)
	}
	return nil
}

func (m *Manager) removeWorktree(ctx context.Context, c *CleanupTask, out io.Writer) error {
	worktrees, err := m.git.Worktrees(ctx, m.repoRoot)
	if err != nil {
		return err
	}
	for _, wt := range worktrees {
		if !worktree.SamePath(wt.Path, c.WorktreePath) {
			continue
		}
		if wt.IsMain {
			return fmt.Errorf("%s: %w", wt.Path, model.ErrMainWorktree)
		}
		if wt.Branch != "" && c.Branch != "" && wt.Branch != c.Branch {
			return &model.CleanupSkippedError{
				Reason: fmt.Sprintf("%s now has %s checked out, not %s", wt.Path, wt.Branch, c.Branch),
			}
		}
		if err := m.git.Remove(ctx, m.repoRoot, wt.Path, c.Force); err != nil {
			return err
		}
		fmt.Fprintf(out, "Removed worktree %s\n", wt.Path)
		return nil
	}

	fmt.Fprintf(out, "Worktree %s already removed\n", c.WorktreePath)
	return m.git.Prune(ctx, m.repoRoot)
}
