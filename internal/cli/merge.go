package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-flow/internal/merge"
)

// mergeFlags holds the flag values for the merge command.
type mergeFlags struct {
	hookFlags

	source     string
	noSquash   bool
	noRemove   bool
	foreground bool
	message    string
}

// NewMergeCommand creates the "merge" cobra command.
func NewMergeCommand() *cobra.Command {
	flags := &mergeFlags{}

	cmd := &cobra.Command{
		Use:   "merge [target]",
		Short: "Merge the current worktree into its target branch",
		Long: `Squash, rebase and fast-forward the current worktree's branch into the
target branch (default: the repository's default branch).

The merge runs as a sequence of stages: staging, squashing, message
generation, pre-merge hooks, rebasing, merging, post-merge hooks and
cleanup. Progress is saved after every stage; when a pre-merge hook or a
rebase fails, running merge again resumes after the squash commit.

After a successful merge the worktree and branch are removed in the
background, but only when every commit of the branch is reachable from the
target.

Examples:
  worktree-flow merge
  worktree-flow merge release --no-squash
  worktree-flow merge -m "Add login form" --foreground`,

		Args: cobra.MaximumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			return runMerge(cmd.Context(), target, flags, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&flags.source, "source", "", "Worktree to merge (default: current)")
	cmd.Flags().BoolVar(&flags.noSquash, "no-squash", false, "Keep the branch's commits instead of squashing")
	cmd.Flags().BoolVar(&flags.noRemove, "no-remove", false, "Keep the worktree and branch after merging")
	cmd.Flags().BoolVar(&flags.foreground, "foreground", false, "Remove the worktree in this process instead of the background")
	cmd.Flags().StringVarP(&flags.message, "message", "m", "", "Commit message for the squash commit")
	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "Approve hook commands without prompting")
	cmd.Flags().BoolVar(&flags.noVerify, "no-verify", false, "Skip hooks")

	return cmd
}

// runMerge wires a merge pipeline and runs it.
func runMerge(ctx context.Context, target string, flags *mergeFlags, out, progress io.Writer) error {
	// Step 1: Load configuration and wire the engine.
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}

	// Step 2: Build the pipeline. The manual message prompt is only offered
	// when someone can answer it.
	p := &merge.Pipeline{
		Git:       e.git,
		Resolver:  e.resolver,
		Hooks:     e.hooks,
		Executor:  e.executor(flags.hookFlags, progress),
		Generator: e.generator(),
		Tasks:     e.tasks,
		Output:    progress,
	}
	if stdinIsTerminal() && !IsJSONOutput() {
		p.ManualMessage = promptCommitMessage(os.Stdin, progress)
	}

	opts := merge.Options{
		Source:     flags.source,
		Target:     target,
		Squash:     e.user.SquashByDefault() && !flags.noSquash,
		Remove:     e.user.RemoveByDefault() && !flags.noRemove,
		NoVerify:   flags.noVerify,
		Foreground: flags.foreground,
		Message:    flags.message,
	}
	VerboseLog("Merge options: %+v", opts)

	// Step 3: Run it.
	session, err := p.Run(ctx, opts)
	if err != nil {
		var failed *merge.FailedError
		if errors.As(err, &failed) {
			VerboseLog("Merge session %s failed during %s (last completed: %s)",
				failed.SessionID, failed.State, failed.LastCompleted)
		}
		if session != nil && IsJSONOutput() {
			_ = printJSON(out, session)
		}
		return err
	}

	return printMergeResult(out, progress, session)
}

// printMergeResult outputs the finished session in text or JSON format.
func printMergeResult(out, progress io.Writer, s *merge.Session) error {
	if IsJSONOutput() {
		return printJSON(out, s)
	}

	for _, w := range s.Warnings {
		fmt.Fprintf(progress, "%s %s\n", warnStyle.Render("warning:"), w)
	}
	_, err := fmt.Fprintf(out, "%s %s into %s at %s\n",
		okStyle.Render("Merged"), s.Source, s.Target, shortHead(s.MergedHead))
	if err != nil {
		return err
	}

	switch s.Cleanup {
	case merge.CleanupSpawned:
		fmt.Fprintf(out, "Removing worktree in the background (task %s); see 'worktree-flow tasks %s'\n", s.CleanupTaskID, s.Source)
	case merge.CleanupDone:
		fmt.Fprintf(out, "Removed worktree and branch %s\n", s.Source)
	case merge.CleanupSkipped:
		fmt.Fprintf(out, "Kept worktree and branch %s\n", s.Source)
	}
	return nil
}

func shortHead(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
