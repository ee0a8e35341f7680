package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-flow/internal/model"
)

// NewApprovalsCommand creates the "approvals" command group.
func NewApprovalsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Manage approved hook commands",
		Long: `Project hooks run only after their exact command string has been
approved. Approvals are stored per project and per hook; editing a hook's
command in the project config requires approving it again.`,
	}
	cmd.AddCommand(newApprovalsListCommand())
	cmd.AddCommand(newApprovalsAddCommand())
	cmd.AddCommand(newApprovalsRevokeCommand())
	return cmd
}

func newApprovalsListCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approved commands of this project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprovalsList(cmd.Context(), all, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "List approvals of every project")
	return cmd
}

func runApprovalsList(ctx context.Context, all bool, out io.Writer) error {
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}
	project := e.project
	if all {
		project = ""
	}
	recs, err := e.store.List(project)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		if recs == nil {
			recs = []model.ApprovalRecord{}
		}
		return printJSON(out, map[string]interface{}{"approvals": recs})
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "No approved commands.")
		return nil
	}
	current := ""
	for _, r := range recs {
		if r.Project != current {
			current = r.Project
			fmt.Fprintln(out, headStyle.Render(current))
		}
		fmt.Fprintf(out, "  %-30s %s\n", r.Key(), firstCommandLine(r.Command))
	}
	return nil
}

func newApprovalsAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add [event...]",
		Short: "Approve the project's hook commands without running them",
		Long: `Approve every hook command of the project config (or of the given
events) as currently written. Use this in setup scripts and CI instead of
--force.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			events := make([]model.HookEvent, 0, len(args))
			for _, a := range args {
				ev, err := model.ParseHookEvent(a)
				if err != nil {
					return model.WrapCLIError(model.ExitGeneralError, "invalid event", err)
				}
				events = append(events, ev)
			}
			if len(events) == 0 {
				events = model.AllHookEvents
			}
			return runApprovalsAdd(cmd.Context(), events, cmd.OutOrStdout())
		},
	}
}

func runApprovalsAdd(ctx context.Context, events []model.HookEvent, out io.Writer) error {
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}

	var recs []model.ApprovalRecord
	for _, ev := range events {
		for _, h := range e.hooks.For(ev) {
			recs = append(recs, model.ApprovalRecord{
				Project: e.project,
				Event:   h.Event,
				Name:    h.Name,
				Command: h.Command,
			})
		}
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "No hooks to approve.")
		return nil
	}
	if err := e.store.RecordAll(ctx, recs); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(out, map[string]interface{}{"approved": recs})
	}
	for _, r := range recs {
		fmt.Fprintf(out, "%s %s\n", okStyle.Render("Approved"), r.Key())
	}
	return nil
}

func newApprovalsRevokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke [event.name]",
		Short: "Revoke one approval, or all approvals of this project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 1 {
				key = args[0]
			}
			return runApprovalsRevoke(cmd.Context(), key, cmd.OutOrStdout())
		},
	}
}

func runApprovalsRevoke(ctx context.Context, key string, out io.Writer) error {
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}

	if key == "" {
		n, err := e.store.Revoke(ctx, e.project)
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(out, map[string]interface{}{"project": e.project, "revoked": n})
		}
		fmt.Fprintf(out, "Revoked %d approval(s) of %s\n", n, e.project)
		return nil
	}

	evName, name, ok := strings.Cut(key, ".")
	if !ok || name == "" {
		return model.NewCLIError(model.ExitGeneralError,
			fmt.Sprintf("invalid hook key %q: expected <event>.<name>", key))
	}
	event, err := model.ParseHookEvent(evName)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "invalid hook key", err)
	}
	found, err := e.store.RevokeHook(ctx, e.project, event, name)
	if err != nil {
		return err
	}
	if !found {
		return model.NewCLIError(model.ExitNotFound, fmt.Sprintf("%s is not approved", key))
	}
	if IsJSONOutput() {
		return printJSON(out, map[string]interface{}{"project": e.project, "revoked": 1})
	}
	fmt.Fprintf(out, "Revoked %s\n", key)
	return nil
}
