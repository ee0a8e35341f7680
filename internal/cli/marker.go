package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-flow/internal/model"
)

// NewMarkerCommand creates the "marker" command group. Markers are short
// advisory strings attached to branches ("🚧 wip", "needs review") and shown
// by list.
func NewMarkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "marker",
		Short: "Get or set branch status markers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get [branch]",
		Short: "Print the marker of a branch (default: current)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMarkerGet(cmd.Context(), optionalArg(args), cmd.OutOrStdout())
		},
	})

	var branch string
	set := &cobra.Command{
		Use:   "set <marker>",
		Short: "Set the marker of a branch (default: current)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMarkerSet(cmd.Context(), branch, args[0], cmd.OutOrStdout())
		},
	}
	set.Flags().StringVar(&branch, "branch", "", "Branch to mark (default: current)")
	cmd.AddCommand(set)

	cmd.AddCommand(&cobra.Command{
		Use:   "clear [branch]",
		Short: "Remove the marker of a branch (default: current)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMarkerSet(cmd.Context(), optionalArg(args), "", cmd.OutOrStdout())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every branch marker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMarkerList(cmd.Context(), cmd.OutOrStdout())
		},
	})
	return cmd
}

func optionalArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// markerBranch defaults an empty branch to the current one.
func markerBranch(ctx context.Context, e *env, branch string) (string, error) {
	if branch != "" {
		return branch, nil
	}
	return e.currentBranch(ctx)
}

func runMarkerGet(ctx context.Context, branch string, out io.Writer) error {
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}
	if branch, err = markerBranch(ctx, e, branch); err != nil {
		return err
	}
	value, _, err := e.markers.Get(ctx, branch)
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(out, model.StatusMarker{Branch: branch, Marker: value})
	}
	if value != "" {
		fmt.Fprintln(out, value)
	}
	return nil
}

// runMarkerSet sets or, with an empty value, clears a marker.
func runMarkerSet(ctx context.Context, branch, value string, out io.Writer) error {
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}
	if branch, err = markerBranch(ctx, e, branch); err != nil {
		return err
	}
	if err := e.markers.Set(ctx, branch, value); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(out, model.StatusMarker{Branch: branch, Marker: value})
	}
	if value == "" {
		fmt.Fprintf(out, "Cleared marker of %s\n", branch)
	} else {
		fmt.Fprintf(out, "Marked %s: %s\n", branch, value)
	}
	return nil
}

func runMarkerList(ctx context.Context, out io.Writer) error {
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}
	markers, err := e.markers.All(ctx)
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		if markers == nil {
			markers = []model.StatusMarker{}
		}
		return printJSON(out, map[string]interface{}{"markers": markers})
	}
	for _, m := range markers {
		fmt.Fprintf(out, "%-24s %s\n", m.Branch, m.Marker)
	}
	return nil
}
