package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewResolveCommand creates the "resolve" cobra command.
func NewResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <branch|@|^>",
		Short: "Print the worktree path for an identifier",
		Long: `Resolve an identifier to a worktree without creating anything.

A worktree at the path template location for the identifier wins over a
worktree with the identifier checked out elsewhere.

Examples:
  worktree-flow resolve feature/auth
  worktree-flow resolve @ --json`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	}
}

func runResolve(ctx context.Context, identifier string, out io.Writer) error {
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}
	wt, err := e.resolver.Resolve(ctx, identifier)
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(out, wt)
	}
	_, err = fmt.Fprintln(out, wt.Path)
	return err
}
