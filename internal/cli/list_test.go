// Package cli — list_test.go contains unit tests for the pure formatting
// functions used by the list and tasks commands.
//
// These tests verify data transformation logic without requiring a git
// repository.
package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/worktree-flow/internal/model"
	"github.com/shinji-kodama/worktree-flow/internal/task"
)

// TestFormatStatus verifies the compact ahead/behind/dirty column.
func TestFormatStatus(t *testing.T) {
	tests := []struct {
		name string
		wt   model.Worktree
		want string
	}{
		{
			name: "clean and in sync",
			wt:   model.Worktree{},
			want: "✓",
		},
		{
			name: "ahead only",
			wt:   model.Worktree{Ahead: 2},
			want: "↑2",
		},
		{
			name: "ahead and behind",
			wt:   model.Worktree{Ahead: 1, Behind: 3},
			want: "↑1 ↓3",
		},
		{
			name: "dirty",
			wt:   model.Worktree{Dirty: true},
			want: "*",
		},
		{
			name: "behind and dirty",
			wt:   model.Worktree{Behind: 4, Dirty: true},
			want: "↓4 *",
		},
		{
			name: "prunable wins",
			wt:   model.Worktree{Prunable: true, Dirty: true},
			want: "prunable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatStatus(tt.wt))
		})
	}
}

func TestFormatBranch(t *testing.T) {
	assert.Equal(t, "feature/auth", FormatBranch(model.Worktree{Branch: "feature/auth"}))
	assert.Equal(t, "(detached)", FormatBranch(model.Worktree{Detached: true}))
	assert.Equal(t, "(bare)", FormatBranch(model.Worktree{Bare: true}))
}

func TestFormatTaskStatus(t *testing.T) {
	assert.Equal(t, "failed(2)", FormatTaskStatus(task.Outcome{Status: task.StatusFailed, ExitCode: 2}))
	assert.Equal(t, "failed", FormatTaskStatus(task.Outcome{Status: task.StatusFailed}))
	assert.Equal(t, "succeeded", FormatTaskStatus(task.Outcome{Status: task.StatusSucceeded}))
}

// TestBuildListEntries verifies that markers and failed outcomes are joined
// onto worktrees by branch, and that successful outcomes are left out.
func TestBuildListEntries(t *testing.T) {
	worktrees := []model.Worktree{
		{Path: "/r", Branch: "main", IsMain: true},
		{Path: "/r.feature", Branch: "feature"},
		{Path: "/r.detached", Detached: true},
		{Branch: "spike", Head: "abc"},
	}
	markers := []model.StatusMarker{
		{Branch: "feature", Marker: "🚧 wip"},
		{Branch: "gone", Marker: "orphan"},
		{Branch: "spike", Marker: "parked"},
	}
	outcomes := []task.Outcome{
		{Branch: "feature", Kind: task.KindHook, Name: "post-start.dev", Status: task.StatusFailed, ExitCode: 1},
		{Branch: "feature", Kind: task.KindHook, Name: "post-start.watch", Status: task.StatusSucceeded},
		{Branch: "main", Kind: task.KindCleanup, Status: task.StatusInterrupted},
	}

	entries := buildListEntries(worktrees, markers, outcomes)
	require.Len(t, entries, 4)
	assert.Equal(t, entryWorktree, entries[0].Type)

	assert.Empty(t, entries[0].Marker)
	require.Len(t, entries[0].Failures, 1)
	assert.Equal(t, task.StatusInterrupted, entries[0].Failures[0].Status)

	assert.Equal(t, "🚧 wip", entries[1].Marker)
	require.Len(t, entries[1].Failures, 1)
	assert.Equal(t, "hook.post-start.dev", entries[1].Failures[0].Key())

	assert.Empty(t, entries[2].Marker)
	assert.Empty(t, entries[2].Failures)

	assert.Equal(t, entryBranch, entries[3].Type)
	assert.Equal(t, "parked", entries[3].Marker)
}

func TestFormatBase(t *testing.T) {
	tests := []struct {
		name  string
		stats *model.BaseStats
		want  string
	}{
		{"not compared", nil, "-"},
		{"in sync", &model.BaseStats{Branch: "main"}, "✓"},
		{"ahead with changes", &model.BaseStats{Ahead: 1, Added: 5}, "↑1 +5"},
		{"diverged", &model.BaseStats{Ahead: 3, Behind: 1, Added: 40, Removed: 12}, "↑3 ↓1 +40 -12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatBase(tt.stats))
		})
	}
}

func TestPrintListResultText(t *testing.T) {
	jsonOutput = false
	entries := []listEntry{
		{Type: entryWorktree, Worktree: model.Worktree{Path: "/r", Branch: "main"}},
		{Type: entryBranch, Worktree: model.Worktree{Branch: "spike", Base: &model.BaseStats{Ahead: 2, Removed: 4}}},
		{
			Type:     entryWorktree,
			Worktree: model.Worktree{Path: "/r.feature", Branch: "feature", Ahead: 1},
			Marker:   "review",
			Failures: []task.Outcome{{
				Kind: task.KindHook, Name: "post-start.dev", Status: task.StatusFailed,
				Error: "exit status 1", LogPath: "/x/logs/abc.log", StartedAt: time.Now(),
			}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, printListResult(&buf, entries))
	out := buf.String()
	assert.Contains(t, out, "BRANCH")
	assert.Contains(t, out, "/r.feature")
	assert.Contains(t, out, "review")
	assert.Contains(t, out, "↑1")
	assert.Contains(t, out, "↑2 -4")
	assert.Contains(t, out, "(no worktree)")
	assert.Contains(t, out, "hook.post-start.dev failed: exit status 1 (log: abc.log)")
}

func TestPrintListResultJSON(t *testing.T) {
	jsonOutput = true
	t.Cleanup(func() { jsonOutput = false })

	var buf bytes.Buffer
	require.NoError(t, printListResult(&buf, []listEntry{}))
	assert.JSONEq(t, `{"worktrees": []}`, buf.String())

	buf.Reset()
	require.NoError(t, printListResult(&buf, []listEntry{{
		Type:     entryWorktree,
		Worktree: model.Worktree{Path: "/r", Branch: "main", IsMain: true, Head: "abc"},
		Marker:   "ok",
	}}))
	assert.JSONEq(t, `{"worktrees": [{
		"type": "worktree",
		"path": "/r", "branch": "main", "isMain": true, "head": "abc",
		"ahead": 0, "behind": 0, "dirty": false, "marker": "ok"
	}]}`, buf.String())

	buf.Reset()
	require.NoError(t, printListResult(&buf, []listEntry{{
		Type:     entryBranch,
		Worktree: model.Worktree{Branch: "spike", Head: "def", Base: &model.BaseStats{Branch: "main", Ahead: 1, Added: 2}},
	}}))
	assert.JSONEq(t, `{"worktrees": [{
		"type": "branch",
		"path": "", "branch": "spike", "isMain": false, "head": "def",
		"ahead": 0, "behind": 0, "dirty": false,
		"base": {"branch": "main", "ahead": 1, "behind": 0, "added": 2, "removed": 0}
	}]}`, buf.String())
}
