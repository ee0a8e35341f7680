package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-flow/internal/task"
)

// tasksFlags holds the flag values for the tasks command.
type tasksFlags struct {
	failed bool
	clear  bool
}

// NewTasksCommand creates the "tasks" cobra command, which reports the
// outcomes of background hooks and cleanups.
func NewTasksCommand() *cobra.Command {
	flags := &tasksFlags{}

	cmd := &cobra.Command{
		Use:   "tasks [branch]",
		Short: "Show background task outcomes",
		Long: `Show the latest outcome of every background task, or of one branch.

Background hooks and worktree removals run detached from the command that
started them. Their status, exit code and log file are recorded here, so
failures are not lost when nobody is watching.

Examples:
  worktree-flow tasks
  worktree-flow tasks feature/auth --failed
  worktree-flow tasks feature/auth --clear`,

		Args: cobra.MaximumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(cmd.Context(), optionalArg(args), flags, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&flags.failed, "failed", false, "Only show failed and interrupted tasks")
	cmd.Flags().BoolVar(&flags.clear, "clear", false, "Forget the outcomes of the branch")

	return cmd
}

func runTasks(ctx context.Context, branch string, flags *tasksFlags, out io.Writer) error {
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}

	if flags.clear {
		if branch == "" {
			if branch, err = e.currentBranch(ctx); err != nil {
				return err
			}
		}
		if err := e.tasks.ClearOutcomes(branch); err != nil {
			return err
		}
		fmt.Fprintf(out, "Cleared task outcomes of %s\n", branch)
		return nil
	}

	var outcomes []task.Outcome
	switch {
	case branch == "":
		outcomes, err = e.tasks.AllOutcomes()
	case flags.failed:
		outcomes, err = e.tasks.Failures(branch)
	default:
		outcomes, err = e.tasks.Outcomes(branch)
	}
	if err != nil {
		return err
	}
	if flags.failed && branch == "" {
		outcomes = filterFailed(outcomes)
	}

	if IsJSONOutput() {
		if outcomes == nil {
			outcomes = []task.Outcome{}
		}
		return printJSON(out, map[string]interface{}{"tasks": outcomes})
	}
	if len(outcomes) == 0 {
		fmt.Fprintln(out, "No background tasks.")
		return nil
	}
	fmt.Fprintf(out, "%-24s %-28s %-12s %-20s %s\n", "BRANCH", "TASK", "STATUS", "STARTED", "LOG")
	for _, o := range outcomes {
		fmt.Fprintf(out, "%-24s %-28s %-12s %-20s %s\n",
			o.Branch, o.Key(), FormatTaskStatus(o), o.StartedAt.Local().Format(time.DateTime), o.LogPath)
	}
	return nil
}

func filterFailed(outcomes []task.Outcome) []task.Outcome {
	var failed []task.Outcome
	for _, o := range outcomes {
		if o.Failed() {
			failed = append(failed, o)
		}
	}
	return failed
}

// FormatTaskStatus renders a status with the exit code of failed hooks.
func FormatTaskStatus(o task.Outcome) string {
	if o.Status == task.StatusFailed && o.ExitCode > 0 {
		return fmt.Sprintf("%s(%d)", o.Status, o.ExitCode)
	}
	return string(o.Status)
}
