// Package cli — remove.go implements the "worktree-flow remove" command.
//
// The remove command deletes worktrees and their branches. Removal runs as
// a detached background task so the shell that issued it is free at once,
// even when the worktree being removed is the current one. Branches are
// deleted only when merged into the default branch, either by ancestry or
// because their tree matches it after a squash merge. Unmerged branches are
// kept and reported unless --force-delete is given. A branch without a
// worktree can be named too, and only the branch is deleted.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-flow/internal/model"
	"github.com/shinji-kodama/worktree-flow/internal/task"
	"github.com/shinji-kodama/worktree-flow/internal/worktree"
)

// removeFlags holds the flag values for the remove command.
type removeFlags struct {
	// force removes worktrees with uncommitted changes.
	force bool

	// noDeleteBranch keeps the branch after removing its worktree.
	noDeleteBranch bool

	// forceDelete deletes branches that are not merged.
	forceDelete bool

	// foreground runs removal in this process.
	foreground bool
}

// NewRemoveCommand creates the "remove" cobra command.
func NewRemoveCommand() *cobra.Command {
	flags := &removeFlags{}

	cmd := &cobra.Command{
		Use:   "remove [branch...]",
		Short: "Remove worktrees and their merged branches",
		Long: `Remove one or more worktrees (default: the current one).

The branch is deleted as well when every one of its commits is reachable
from the default branch, or when its tree matches the default branch after
a squash merge. Use --force-delete to delete unmerged branches. A branch
with no worktree is deleted on its own. The main worktree can never be
removed.

Examples:
  worktree-flow remove
  worktree-flow remove feature/auth fix/login
  worktree-flow remove --force-delete abandoned-spike
  worktree-flow remove --no-delete-branch --foreground spike`,

		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{worktree.CurrentIdentifier}
			}
			return runRemove(cmd.Context(), args, flags, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "Remove worktrees with uncommitted changes")
	cmd.Flags().BoolVar(&flags.noDeleteBranch, "no-delete-branch", false, "Keep the branch")
	cmd.Flags().BoolVarP(&flags.forceDelete, "force-delete", "D", false, "Delete branches even when not merged")
	cmd.Flags().BoolVar(&flags.foreground, "foreground", false, "Remove in this process instead of the background")

	return cmd
}

// removeResult is the JSON output for one removed worktree.
type removeResult struct {
	Branch string `json:"branch"`
	Path   string `json:"path,omitempty"`

	// Status is "spawned", "removed" or "skipped".
	Status  string `json:"status"`
	TaskID  string `json:"taskId,omitempty"`
	LogPath string `json:"logPath,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// runRemove validates every identifier before removing anything, so a typo
// in the last argument does not leave the first ones half-processed.
func runRemove(ctx context.Context, identifiers []string, flags *removeFlags, out, progress io.Writer) error {
	// Step 1: Load configuration and wire the engine.
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}
	target, err := e.git.DefaultBranch(ctx, e.repoRoot)
	if err != nil {
		return err
	}

	// Step 2: Resolve and check every worktree.
	var tasks []task.Task
	for _, id := range identifiers {
		wt, err := e.resolver.Resolve(ctx, id)
		if errors.Is(err, model.ErrNotFound) && isBranchName(id) && e.git.BranchExists(ctx, e.repoRoot, id) {
			t, err := branchOnlyTask(id, target, flags)
			if err != nil {
				return err
			}
			VerboseLog("Removing branch %q (no worktree)", id)
			tasks = append(tasks, t)
			continue
		}
		if err != nil {
			return err
		}
		if wt.IsMain {
			return model.WrapCLIError(model.ExitGeneralError, wt.Path, model.ErrMainWorktree)
		}
		if !flags.force {
			dirty, err := e.git.IsDirty(ctx, wt.Path)
			if err != nil {
				return err
			}
			if dirty {
				return &model.CLIError{
					Code:    model.ExitGeneralError,
					Message: fmt.Sprintf("cannot remove %s", wt.Path),
					Hint:    "commit or stash the changes, or use --force",
					Err:     model.ErrDirty,
				}
			}
		}
		VerboseLog("Removing %s (branch %q)", wt.Path, wt.Branch)
		tasks = append(tasks, task.Task{
			Kind:   task.KindCleanup,
			Branch: wt.Branch,
			Cleanup: &task.CleanupTask{
				WorktreePath:      wt.Path,
				Branch:            wt.Branch,
				Target:            target,
				DeleteBranch:      !flags.noDeleteBranch && wt.Branch != "",
				ForceDeleteBranch: flags.forceDelete,
				AcceptSameTree:    true,
				Force:             flags.force,
			},
		})
	}

	// Step 3: Remove them, in the background unless asked otherwise.
	results := make([]removeResult, 0, len(tasks))
	for _, t := range tasks {
		res := removeResult{Branch: t.Branch, Path: t.Cleanup.WorktreePath}
		if flags.foreground {
			err := e.tasks.Inline(ctx, t, progress)
			var skipped *model.CleanupSkippedError
			switch {
			case errors.As(err, &skipped):
				res.Status, res.Reason = "skipped", skipped.Reason
			case err != nil:
				return err
			default:
				res.Status = "removed"
			}
		} else {
			h, err := e.tasks.Spawn(ctx, t)
			if err != nil {
				return err
			}
			res.Status, res.TaskID, res.LogPath = "spawned", h.ID, h.LogPath
		}
		results = append(results, res)
	}

	return printRemoveResult(out, results)
}

// isBranchName reports whether id can name a branch rather than one of the
// special worktree identifiers.
func isBranchName(id string) bool {
	return id != worktree.CurrentIdentifier && id != worktree.DefaultIdentifier
}

// branchOnlyTask builds the task deleting branch, which has no worktree.
func branchOnlyTask(branch, target string, flags *removeFlags) (task.Task, error) {
	if branch == target {
		return task.Task{}, model.NewCLIError(model.ExitGeneralError,
			fmt.Sprintf("cannot delete the default branch %s", branch))
	}
	if flags.noDeleteBranch {
		return task.Task{}, &model.CLIError{
			Code:    model.ExitNotFound,
			Message: fmt.Sprintf("no worktree for branch %s", branch),
			Hint:    "drop --no-delete-branch to delete the branch",
		}
	}
	return task.Task{
		Kind:   task.KindCleanup,
		Branch: branch,
		Cleanup: &task.CleanupTask{
			Branch:            branch,
			Target:            target,
			DeleteBranch:      true,
			ForceDeleteBranch: flags.forceDelete,
			AcceptSameTree:    true,
		},
	}, nil
}

// printRemoveResult outputs the remove command result in text or JSON format.
func printRemoveResult(out io.Writer, results []removeResult) error {
	if IsJSONOutput() {
		return printJSON(out, map[string]interface{}{"removed": results})
	}
	for _, r := range results {
		subject := r.Path
		if subject == "" {
			subject = "branch " + r.Branch
		}
		switch r.Status {
		case "spawned":
			fmt.Fprintf(out, "Removing %s in the background (task %s)\n", subject, r.TaskID)
		case "skipped":
			fmt.Fprintf(out, "%s %s\n", warnStyle.Render("Kept:"), r.Reason)
		default:
			fmt.Fprintf(out, "%s %s\n", okStyle.Render("Removed"), subject)
		}
	}
	return nil
}
