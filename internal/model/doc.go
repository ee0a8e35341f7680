// Package model defines the domain types and value objects for the
// worktree-flow CLI.
//
// This package contains pure data structures with no external dependencies.
// Worktrees, branches and hooks are transient representations rebuilt from
// git and configuration on every command. The persisted records (approvals,
// merge sessions, task outcomes) are owned by their respective packages.
//
// The package also defines the error taxonomy shared by the engine
// (sentinels plus typed errors matched with errors.Is/errors.As), the exit
// codes (ExitCode) and a custom error type (CLIError) that carries exit codes
// for proper OS process exit handling.
package model
