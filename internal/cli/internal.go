package cli

import (
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-flow/internal/task"
	"github.com/shinji-kodama/worktree-flow/internal/worktree"
)

// NewInternalCommand creates the hidden "internal" command group used by
// worktree-flow to re-enter itself in detached processes.
func NewInternalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "internal",
		Hidden: true,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run-task <id>",
		Short: "Run a recorded background task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := workDir()
			if err != nil {
				return err
			}
			// Only what the task record needs is loaded: the task already
			// carries its approved command, timeout and allow-list.
			m, err := task.NewManager(cmd.Context(), worktree.NewManager(), dir)
			if err != nil {
				return err
			}
			m.Runners = runners()
			return m.RunTask(cmd.Context(), args[0])
		},
	})
	return cmd
}
