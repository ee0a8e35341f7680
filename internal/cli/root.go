// Package cli implements the cobra-based CLI commands for worktree-flow.
//
// Each subcommand (switch, merge, remove, list, hook, approvals, marker,
// tasks, resolve) is defined in its own file within this package. This file
// defines the root command that serves as the parent for all subcommands and
// handles global flags.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-flow/internal/logger"
	"github.com/shinji-kodama/worktree-flow/internal/model"
)

// Global flag variables shared across all subcommands.
// These are bound to cobra persistent flags on the root command,
// which makes them available to every subcommand automatically.
var (
	// jsonOutput controls whether command output is formatted as JSON.
	// When true, all output uses structured JSON format for machine consumption.
	jsonOutput bool

	// verbose enables detailed output on stderr and debug-level log entries.
	verbose bool

	// chdir is the -C flag: run as if started in this directory.
	chdir string
)

// errOut is where errors and verbose traces are written.
var errOut io.Writer = os.Stderr

// version, commit, and date are set at build time via ldflags.
// They are injected from the main package to display version information.
var (
	// Version is the semantic version of the binary (e.g., "1.0.0").
	Version = "dev"

	// Commit is the Git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// NewRootCommand creates and configures the root cobra command.
// This is the entry point for the entire CLI application.
//
// The root command itself does not perform any action. It provides help
// text and global flags, and opens the log file before any subcommand runs.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "worktree-flow",
		Short: "Git worktree workflow manager",
		Long: `worktree-flow manages parallel git worktrees of one repository.

It resolves worktrees by branch or path, runs project-defined lifecycle
hooks after explicit approval, and merges a worktree back into its target
with a resumable squash/rebase/fast-forward pipeline that cleans up after
itself in the background.`,

		// SilenceUsage prevents cobra from printing usage on every error.
		// We handle error output ourselves for cleaner UX.
		SilenceUsage: true,

		// SilenceErrors prevents cobra from printing errors automatically.
		// We format errors ourselves (text or JSON based on --json flag).
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initLogging()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Close()
		},
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&chdir, "directory", "C", "", "Run as if started in `path`")

	rootCmd.AddCommand(NewSwitchCommand())
	rootCmd.AddCommand(NewMergeCommand())
	rootCmd.AddCommand(NewRemoveCommand())
	rootCmd.AddCommand(NewListCommand())
	rootCmd.AddCommand(NewResolveCommand())
	rootCmd.AddCommand(NewHookCommand())
	rootCmd.AddCommand(NewApprovalsCommand())
	rootCmd.AddCommand(NewMarkerCommand())
	rootCmd.AddCommand(NewTasksCommand())
	rootCmd.AddCommand(NewInternalCommand())

	return rootCmd
}

// initLogging opens the shared log file. A log file that cannot be opened
// is not fatal; the process keeps running with logging discarded.
func initLogging() {
	logger.SetDebug(verbose)
	path, err := logger.DefaultLogPath()
	if err == nil {
		err = logger.Init(path)
	}
	if err != nil {
		VerboseLog("logging disabled: %v", err)
	}
}

// Execute runs the root command and handles exit codes.
// This is the main entry point called from main.go.
//
// Errors are translated into exit codes by model.ExitCodeFor, so engine
// errors keep their meaning (not found, hook failed, conflict, ...) without
// every command wrapping them in a CLIError.
//
// SIGINT and SIGTERM cancel the command's context, so a merge stops between
// git operations and keeps its last completed stage.
func Execute(rootCmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(int(reportError(err)))
	}
}

// reportError prints err and returns the exit code it maps to.
func reportError(err error) model.ExitCode {
	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		hint := cliErr.Hint
		if hint == "" {
			hint = hintFor(cliErr.Err)
		}
		printError(cliErr.Message, cliErr.Err, hint)
		return model.ExitCodeFor(err)
	}
	printError(err.Error(), nil, hintFor(err))
	return model.ExitCodeFor(err)
}

// hintFor suggests a follow-up for well-known failures.
func hintFor(err error) string {
	var conflict *model.ConflictError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, model.ErrHookFailed):
		return "fix the hook or re-run with --no-verify to skip hooks"
	case errors.Is(err, model.ErrNotInteractive):
		return "re-run with --force to approve the commands, or approve them with 'worktree-flow approvals add'"
	case errors.As(err, &conflict):
		return "resolve the conflict in the worktree (see git status), then run merge again"
	case errors.Is(err, model.ErrConcurrentOperation):
		return "wait for the other merge of this branch to finish"
	}
	return ""
}

// printError outputs an error message in the appropriate format
// (JSON or text) based on the --json global flag.
func printError(message string, underlying error, hint string) {
	if jsonOutput {
		errObj := map[string]interface{}{
			"message": message,
		}
		if underlying != nil {
			errObj["detail"] = underlying.Error()
		}
		if hint != "" {
			errObj["hint"] = hint
		}
		// stdout is reserved for successful command output, so JSON errors
		// also go to stderr.
		data, _ := json.MarshalIndent(map[string]interface{}{"error": errObj}, "", "  ")
		fmt.Fprintln(errOut, string(data))
		return
	}

	if underlying != nil {
		fmt.Fprintf(errOut, "%s %s: %v\n", errorStyle.Render("Error:"), message, underlying)
	} else {
		fmt.Fprintf(errOut, "%s %s\n", errorStyle.Render("Error:"), message)
	}
	if hint != "" {
		fmt.Fprintf(errOut, "%s %s\n", hintStyle.Render("hint:"), hint)
	}
}

// VerboseLog prints a message to stderr only when verbose mode is enabled.
// This is used throughout the CLI for trace output that helps users
// understand what operations are being performed.
func VerboseLog(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(errOut, "[verbose] "+format+"\n", args...)
	}
}

// IsJSONOutput returns whether the --json flag is set.
// Subcommands use this to decide their output format.
func IsJSONOutput() bool {
	return jsonOutput
}

// printJSON writes v as indented JSON to w.
func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
