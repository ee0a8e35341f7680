package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-flow/internal/docker"
	"github.com/shinji-kodama/worktree-flow/internal/hook"
	"github.com/shinji-kodama/worktree-flow/internal/model"
	"github.com/shinji-kodama/worktree-flow/internal/worktree"
)

// NewHookCommand creates the "hook" command group.
func NewHookCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Inspect and run project hooks",
	}
	cmd.AddCommand(newHookRunCommand())
	cmd.AddCommand(newHookListCommand())
	cmd.AddCommand(newHookLabelsCommand())
	return cmd
}

func newHookRunCommand() *cobra.Command {
	flags := &hookFlags{}

	cmd := &cobra.Command{
		Use:   "run <event> [name...]",
		Short: "Run the hooks of an event in the current worktree",
		Long: `Run the project hooks configured for an event, as the lifecycle
commands would. Naming hooks restricts the run to those hooks.

Events: post-create, post-start, pre-commit, pre-merge, post-merge.

Examples:
  worktree-flow hook run pre-merge
  worktree-flow hook run post-create install --force`,

		Args: cobra.MinimumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			event, err := model.ParseHookEvent(args[0])
			if err != nil {
				return model.WrapCLIError(model.ExitGeneralError, "invalid event", err)
			}
			return runHookRun(cmd.Context(), event, args[1:], flags, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "Approve hook commands without prompting")
	return cmd
}

func runHookRun(ctx context.Context, event model.HookEvent, names []string, flags *hookFlags, out, progress io.Writer) error {
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}
	wt, err := e.resolver.Resolve(ctx, worktree.CurrentIdentifier)
	if err != nil {
		return err
	}

	hooks := e.hooks.For(event)
	if len(hooks) == 0 {
		return model.NewCLIError(model.ExitNotFound, fmt.Sprintf("no %s hooks configured", event))
	}

	tctx := e.templateContext(wt)
	if event == model.EventPreMerge || event == model.EventPostMerge {
		target, err := e.git.DefaultBranch(ctx, e.repoRoot)
		if err != nil {
			return err
		}
		tctx = tctx.WithTarget(target)
	}

	results, err := e.executor(*flags, progress).Run(ctx, event, hooks, tctx, hook.ByName(names...))
	if err != nil {
		return err
	}
	if len(names) > 0 && len(results) == 0 {
		return model.NewCLIError(model.ExitNotFound, fmt.Sprintf("no %s hook named %v", event, names))
	}

	if IsJSONOutput() {
		return printJSON(out, map[string]interface{}{"results": results})
	}
	for _, r := range results {
		if r.TaskID != "" {
			fmt.Fprintf(out, "%s.%s started in the background (task %s)\n", r.Event, r.Name, r.TaskID)
			continue
		}
		fmt.Fprintf(out, "%s %s.%s (%s)\n", okStyle.Render("✓"), r.Event, r.Name, r.Duration.Round(time.Millisecond))
	}
	return nil
}

func newHookListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured hooks and their approval state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHookList(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

// hookListEntry is one configured hook with its approval decision.
type hookListEntry struct {
	model.Hook
	Approval string `json:"approval"`
}

func runHookList(ctx context.Context, out io.Writer) error {
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}

	var entries []hookListEntry
	for _, event := range model.AllHookEvents {
		for _, h := range e.hooks.For(event) {
			decision, err := e.store.CheckOrRequest(e.project, h.Event, h.Name, h.Command)
			if err != nil {
				return err
			}
			entries = append(entries, hookListEntry{Hook: h, Approval: decision.String()})
		}
	}

	if IsJSONOutput() {
		if entries == nil {
			entries = []hookListEntry{}
		}
		return printJSON(out, map[string]interface{}{"project": e.project, "hooks": entries})
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No hooks configured.")
		return nil
	}
	fmt.Fprintf(out, "%-32s %-11s %-13s %s\n", "HOOK", "MODE", "APPROVAL", "COMMAND")
	for _, h := range entries {
		fmt.Fprintf(out, "%-32s %-11s %-13s %s\n", h.Key(), h.Mode, h.Approval, firstCommandLine(h.Command))
	}
	return nil
}

func newHookLabelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "labels [branch]",
		Short: "Print the container labels that route container hooks to a worktree",
		Long: `Print the labels a container must carry for "runner: container" hooks of
a worktree (default: the current one) to run inside it. Add them to the
service in your compose file or pass them to docker run.

Containers opened by Dev Container tooling are found without extra labels.

Examples:
  worktree-flow hook labels
  docker run $(worktree-flow hook labels feature/auth) my-image`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := optionalArg(args)
			if id == "" {
				id = worktree.CurrentIdentifier
			}
			return runHookLabels(cmd.Context(), id, cmd.OutOrStdout())
		},
	}
}

func runHookLabels(ctx context.Context, identifier string, out io.Writer) error {
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}
	wt, err := e.resolver.Resolve(ctx, identifier)
	if err != nil {
		return err
	}

	labels := docker.BuildLabels(wt.Path, wt.Branch)
	if IsJSONOutput() {
		return printJSON(out, map[string]interface{}{"path": wt.Path, "labels": labels})
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "--label %s=%s\n", k, labels[k])
	}
	return nil
}

func firstCommandLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i] + " …"
		}
	}
	return s
}
