// Package cli — list.go implements the "worktree-flow list" command.
//
// The list command displays every worktree of the repository with its
// branch, ahead/behind counts against the upstream, the dirty flag, how far
// the branch has moved from the default branch, the branch's status marker,
// and failures reported by background tasks. With --branches, branches that
// have no worktree are listed as well. Results are presented as a text
// table or JSON, depending on the --json flag.
package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-flow/internal/logger"
	"github.com/shinji-kodama/worktree-flow/internal/model"
	"github.com/shinji-kodama/worktree-flow/internal/task"
	"github.com/shinji-kodama/worktree-flow/internal/worktree"
)

// NewListCommand creates the "list" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewListCommand() *cobra.Command {
	var showBranches bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List worktrees with their status",
		Long: `List every worktree of the repository.

Each worktree is shown with its branch, commits ahead/behind its upstream,
whether it has uncommitted changes, its commits and changed lines relative
to the default branch, its status marker, and the number of failed
background tasks.

Examples:
  worktree-flow list
  worktree-flow list --branches
  worktree-flow list --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), showBranches, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&showBranches, "branches", false, "Include branches without a worktree")
	return cmd
}

// Entry types of the list output.
const (
	entryWorktree = "worktree"
	entryBranch   = "branch"
)

// listEntry is one row of the list output. Branch entries have no path.
type listEntry struct {
	Type string `json:"type"`
	model.Worktree
	Marker   string         `json:"marker,omitempty"`
	Failures []task.Outcome `json:"failures,omitempty"`
}

// runList gathers worktrees, markers and task failures and prints them.
func runList(ctx context.Context, showBranches bool, out io.Writer) error {
	// Step 1: Load configuration and wire the engine.
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}

	// Step 2: List worktrees with fresh dirty and ahead/behind state. A
	// repository without a default branch is listed without comparisons.
	log := logger.WithComponent("cli")
	base, err := e.git.DefaultBranch(ctx, e.repoRoot)
	if err != nil {
		log.Debug("listing without a default branch", "error", err)
		base = ""
	}
	worktrees, err := e.git.List(ctx, e.repoRoot, base)
	if err != nil {
		return err
	}
	VerboseLog("Found %d worktrees", len(worktrees))

	if showBranches {
		extra, err := branchesWithoutWorktree(ctx, e.git, e.repoRoot, base, worktrees)
		if err != nil {
			return err
		}
		worktrees = append(worktrees, extra...)
	}

	// Step 3: Markers and failures are advisory; a broken store does not
	// hide the worktrees.
	markers, err := e.markers.All(ctx)
	if err != nil {
		log.Warn("failed to read status markers", "error", err)
	}
	outcomes, err := e.tasks.AllOutcomes()
	if err != nil {
		log.Warn("failed to read task outcomes", "error", err)
	}

	entries := buildListEntries(worktrees, markers, outcomes)
	return printListResult(out, entries)
}

// branchesWithoutWorktree returns the local branches no worktree has
// checked out, as path-less worktree values compared with base.
func branchesWithoutWorktree(ctx context.Context, git *worktree.Manager, repoRoot, base string, worktrees []model.Worktree) ([]model.Worktree, error) {
	branches, err := git.Branches(ctx, repoRoot)
	if err != nil {
		return nil, err
	}
	checkedOut := make(map[string]bool, len(worktrees))
	for _, wt := range worktrees {
		checkedOut[wt.Branch] = true
	}

	var extra []model.Worktree
	for _, b := range branches {
		if checkedOut[b.Name] {
			continue
		}
		wt := model.Worktree{Branch: b.Name, Head: b.Head}
		if base != "" && b.Name != base {
			if wt.Base, err = git.CompareToBase(ctx, repoRoot, base, "refs/heads/"+b.Name); err != nil {
				return nil, err
			}
		}
		extra = append(extra, wt)
	}
	return extra, nil
}

// buildListEntries joins worktrees with markers and failed outcomes by
// branch name.
func buildListEntries(worktrees []model.Worktree, markers []model.StatusMarker, outcomes []task.Outcome) []listEntry {
	byBranch := make(map[string]string, len(markers))
	for _, m := range markers {
		byBranch[m.Branch] = m.Marker
	}
	failures := make(map[string][]task.Outcome)
	for _, o := range outcomes {
		if o.Failed() {
			failures[o.Branch] = append(failures[o.Branch], o)
		}
	}

	entries := make([]listEntry, 0, len(worktrees))
	for _, wt := range worktrees {
		e := listEntry{Type: entryWorktree, Worktree: wt}
		if wt.Path == "" {
			e.Type = entryBranch
		}
		if wt.Branch != "" {
			e.Marker = byBranch[wt.Branch]
			e.Failures = failures[wt.Branch]
		}
		entries = append(entries, e)
	}
	return entries
}

// printListResult outputs the worktree list in text or JSON format,
// depending on the global --json flag.
func printListResult(out io.Writer, entries []listEntry) error {
	if IsJSONOutput() {
		// An empty slice renders as [] rather than null.
		return printJSON(out, map[string]interface{}{"worktrees": entries})
	}
	printListResultText(out, entries)
	return nil
}

// printListResultText outputs the worktree list as a text table with
// aligned columns:
//
//	BRANCH          STATUS   BASE             MARKER   PATH
//	main            ✓        -                -        /src/repo
//	feature/auth    ↑2 *     ↑3 ↓1 +40 -12    🚧 wip   /src/repo.feature-auth
//	spike           -        ↑1 +5            -        (no worktree)
func printListResultText(out io.Writer, entries []listEntry) {
	fmt.Fprintf(out, "%-24s %-10s %-18s %-12s %s\n", "BRANCH", "STATUS", "BASE", "MARKER", "PATH")
	for _, e := range entries {
		marker := e.Marker
		if marker == "" {
			marker = "-"
		}
		status, path := FormatStatus(e.Worktree), e.Path
		if e.Type == entryBranch {
			status, path = "-", "(no worktree)"
		}
		fmt.Fprintf(out, "%-24s %-10s %-18s %-12s %s\n",
			FormatBranch(e.Worktree), status, FormatBase(e.Base), marker, path)
	}

	for _, e := range entries {
		for _, f := range e.Failures {
			fmt.Fprintf(out, "%s %s %s %s", warnStyle.Render("!"), e.Branch, f.Key(), f.Status)
			if f.Error != "" {
				fmt.Fprintf(out, ": %s", f.Error)
			}
			if f.LogPath != "" {
				fmt.Fprintf(out, " (log: %s)", filepath.Base(f.LogPath))
			}
			fmt.Fprintln(out)
		}
	}
}

// FormatBranch returns the branch column: the branch name, "(detached)" or
// "(bare)".
func FormatBranch(wt model.Worktree) string {
	switch {
	case wt.Bare:
		return "(bare)"
	case wt.Branch == "":
		return "(detached)"
	default:
		return wt.Branch
	}
}

// FormatBase summarizes a comparison with the default branch.
//
// Examples:
//
//	ahead 3, behind 1, 40 added, 12 removed → "↑3 ↓1 +40 -12"
//	ahead 1, 5 added                        → "↑1 +5"
//	no commits of its own                   → "✓"
//	not compared                            → "-"
func FormatBase(b *model.BaseStats) string {
	if b == nil {
		return "-"
	}
	var parts []string
	if b.Ahead > 0 {
		parts = append(parts, "↑"+strconv.Itoa(b.Ahead))
	}
	if b.Behind > 0 {
		parts = append(parts, "↓"+strconv.Itoa(b.Behind))
	}
	if b.Added > 0 {
		parts = append(parts, "+"+strconv.Itoa(b.Added))
	}
	if b.Removed > 0 {
		parts = append(parts, "-"+strconv.Itoa(b.Removed))
	}
	if len(parts) == 0 {
		return "✓"
	}
	return strings.Join(parts, " ")
}

// FormatStatus summarizes ahead/behind counts and the dirty flag.
//
// Examples:
//
//	ahead 2, clean     → "↑2"
//	ahead 1, behind 3  → "↑1 ↓3"
//	dirty, in sync     → "*"
//	clean, in sync     → "✓"
//	directory missing  → "prunable"
func FormatStatus(wt model.Worktree) string {
	if wt.Prunable {
		return "prunable"
	}
	var parts []string
	if wt.Ahead > 0 {
		parts = append(parts, "↑"+strconv.Itoa(wt.Ahead))
	}
	if wt.Behind > 0 {
		parts = append(parts, "↓"+strconv.Itoa(wt.Behind))
	}
	if wt.Dirty {
		parts = append(parts, "*")
	}
	if len(parts) == 0 {
		return "✓"
	}
	return strings.Join(parts, " ")
}
