package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-flow/internal/hook"
	"github.com/shinji-kodama/worktree-flow/internal/model"
	"github.com/shinji-kodama/worktree-flow/internal/worktree"
)

// switchFlags holds the flag values for the switch command.
type switchFlags struct {
	hookFlags

	// create allows creating a new branch when none exists.
	create bool

	// base is the starting point of a newly created branch.
	base string
}

// NewSwitchCommand creates the "switch" cobra command.
func NewSwitchCommand() *cobra.Command {
	flags := &switchFlags{}

	cmd := &cobra.Command{
		Use:   "switch <branch>",
		Short: "Switch to a worktree, creating it if needed",
		Long: `Resolve a branch to its worktree and print the worktree path.

When the branch has no worktree yet, one is created at the path given by
the worktree path template. New worktrees run the project's post-create
hooks (blocking) and post-start hooks (in the background).

Special identifiers: "@" is the current worktree, "^" the default branch.

Examples:
  cd "$(worktree-flow switch feature/auth)"
  worktree-flow switch --create fix/login --base main
  worktree-flow switch ^`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return runSwitch(cmd.Context(), args[0], flags, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().BoolVarP(&flags.create, "create", "c", false, "Create the branch if it does not exist")
	cmd.Flags().StringVarP(&flags.base, "base", "b", "", "Starting point for a new branch (default: HEAD)")
	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "Approve hook commands without prompting")
	cmd.Flags().BoolVar(&flags.noVerify, "no-verify", false, "Skip hooks")

	return cmd
}

// switchResult is the JSON output of the switch command.
type switchResult struct {
	Branch  string        `json:"branch"`
	Path    string        `json:"path"`
	Created bool          `json:"created"`
	Hooks   []hook.Result `json:"hooks,omitempty"`
}

// runSwitch resolves or creates the worktree for identifier.
func runSwitch(ctx context.Context, identifier string, flags *switchFlags, out, progress io.Writer) error {
	// Step 1: Load configuration and wire the engine.
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}

	// Step 2: An existing worktree wins. Resolution is path-first, so a
	// worktree at the template path is returned whatever its branch.
	wt, err := e.resolver.Resolve(ctx, identifier)
	if err == nil {
		VerboseLog("Resolved %q to %s", identifier, wt.Path)
		return printSwitchResult(out, progress, switchResult{Branch: wt.Branch, Path: wt.Path})
	}
	if !errors.Is(err, model.ErrNotFound) || identifier == worktree.CurrentIdentifier || identifier == worktree.DefaultIdentifier {
		return err
	}

	// Step 3: Decide whether a worktree may be created.
	branch := identifier
	if !flags.create && !e.git.BranchExists(ctx, e.repoRoot, branch) {
		return &model.CLIError{
			Code:    model.ExitNotFound,
			Message: fmt.Sprintf("no worktree or branch named %q", branch),
			Hint:    "use --create to create a new branch",
			Err:     model.ErrNotFound,
		}
	}
	path, err := e.resolver.ExpectedPath(ctx, branch)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return model.NewCLIError(model.ExitGeneralError,
			fmt.Sprintf("path occupied: %s exists but is not a worktree of this repository", path))
	}

	// Step 4: Create the worktree.
	VerboseLog("Creating worktree for %s at %s", branch, path)
	if err := e.git.Add(ctx, e.repoRoot, branch, path, flags.base); err != nil {
		return model.WrapCLIError(model.ExitGitError,
			fmt.Sprintf("failed to create worktree for %s", branch), err)
	}
	fmt.Fprintf(progress, "%s worktree for %s at %s\n", okStyle.Render("Created"), branch, path)

	// Step 5: Run the lifecycle hooks of a new worktree.
	created := model.Worktree{Path: path, Branch: branch}
	results, err := runCreateHooks(ctx, e, created, flags.hookFlags, progress)
	if err != nil {
		return err
	}

	return printSwitchResult(out, progress, switchResult{Branch: branch, Path: path, Created: true, Hooks: results})
}

// runCreateHooks runs post-create (blocking) and then post-start hooks for
// a newly created worktree.
func runCreateHooks(ctx context.Context, e *env, wt model.Worktree, flags hookFlags, progress io.Writer) ([]hook.Result, error) {
	exec := e.executor(flags, progress)
	tctx := e.templateContext(wt)

	var all []hook.Result
	for _, event := range []model.HookEvent{model.EventPostCreate, model.EventPostStart} {
		results, err := exec.Run(ctx, event, e.hooks.For(event), tctx, nil)
		all = append(all, results...)
		if err != nil {
			return all, err
		}
		for _, r := range results {
			if r.TaskID != "" {
				fmt.Fprintf(progress, "Started %s.%s in the background (task %s)\n", r.Event, r.Name, r.TaskID)
			}
		}
	}
	return all, nil
}

// printSwitchResult prints the worktree path on stdout so shells can cd
// into it.
func printSwitchResult(out, progress io.Writer, res switchResult) error {
	if IsJSONOutput() {
		return printJSON(out, res)
	}
	if !res.Created {
		fmt.Fprintf(progress, "Worktree for %s is at %s\n", res.Branch, res.Path)
	}
	_, err := fmt.Fprintln(out, res.Path)
	return err
}
