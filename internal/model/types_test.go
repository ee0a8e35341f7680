package model

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHookEvent covers parsing, validation and default modes of hook events.
func TestHookEvent(t *testing.T) {
	tests := []struct {
		input   string
		want    HookEvent
		wantErr bool
	}{
		{"post-create", EventPostCreate, false},
		{"post-start", EventPostStart, false},
		{"pre-commit", EventPreCommit, false},
		{"pre-merge", EventPreMerge, false},
		{"post-merge", EventPostMerge, false},
		{"  PRE-MERGE ", EventPreMerge, false},
		{"post-remove", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseHookEvent(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.IsValid())
		})
	}

	t.Run("default modes", func(t *testing.T) {
		assert.Equal(t, ModeBackground, EventPostStart.DefaultMode())
		for _, e := range []HookEvent{EventPostCreate, EventPreCommit, EventPreMerge, EventPostMerge} {
			assert.Equal(t, ModeBlocking, e.DefaultMode(), e.String())
		}
	})
}

func TestHookSet(t *testing.T) {
	var set HookSet
	assert.Empty(t, set.For(EventPreMerge))
	assert.Equal(t, 0, set.Len())

	set.Set(EventPreMerge, []Hook{
		{Event: EventPreMerge, Name: "test", Command: "go test ./..."},
		{Event: EventPreMerge, Name: "lint", Command: "golangci-lint run"},
	})
	set.Set(EventPostStart, []Hook{{Event: EventPostStart, Name: "post-start", Command: "npm install"}})

	hooks := set.For(EventPreMerge)
	require.Len(t, hooks, 2)
	assert.Equal(t, "test", hooks[0].Name, "declared order is kept")
	assert.Equal(t, "pre-merge.lint", hooks[1].Key())
	assert.Empty(t, set.For(EventPostMerge), "events do not share hooks")
	assert.Equal(t, 3, set.Len())

	var nilSet *HookSet
	assert.Nil(t, nilSet.For(EventPreMerge))
}

func TestSanitizeBranchName(t *testing.T) {
	tests := map[string]string{
		"main":             "main",
		"feature/foo":      "feature-foo",
		"user/feature/bar": "user-feature-bar",
		`win\path`:         "win-path",
		"fix-123":          "fix-123",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeBranchName(in), in)
	}
}

func TestBranchFileNameDistinguishesBranches(t *testing.T) {
	names := []string{"fix/x", "fix-x", "Fix/x", `fix\x`}
	seen := map[string]string{}
	for _, b := range names {
		name := BranchFileName(b)
		assert.True(t, strings.HasPrefix(name, SanitizeBranchName(b)+"-"), name)
		assert.NotContains(t, name, "/")
		if other, ok := seen[name]; ok {
			t.Fatalf("%q and %q share file name %q", b, other, name)
		}
		seen[name] = b
	}
	assert.Equal(t, BranchFileName("fix/x"), BranchFileName("fix/x"), "stable")
}

// TestCLIError verifies the custom error type used for exit code mapping.
func TestCLIError(t *testing.T) {
	t.Run("simple error", func(t *testing.T) {
		err := NewCLIError(ExitNotFound, "worktree not found")
		assert.Equal(t, ExitNotFound, err.Code)
		assert.Equal(t, "worktree not found", err.Error())
		assert.Nil(t, err.Unwrap())
	})

	t.Run("wrapped error", func(t *testing.T) {
		inner := errors.New("exit status 128")
		err := WrapCLIError(ExitGitError, "git worktree add failed", inner)
		assert.Equal(t, ExitGitError, err.Code)
		assert.Contains(t, err.Error(), "exit status 128")
		assert.Equal(t, inner, err.Unwrap())
		assert.True(t, errors.Is(err, inner))
	})
}

func TestErrorTaxonomy(t *testing.T) {
	t.Run("hook failure", func(t *testing.T) {
		err := fmt.Errorf("pre-merge: %w", &HookFailedError{Event: EventPreMerge, Name: "test", ExitCode: 2})
		assert.ErrorIs(t, err, ErrHookFailed)

		var hf *HookFailedError
		require.ErrorAs(t, err, &hf)
		assert.Equal(t, 2, hf.ExitCode)
		assert.Contains(t, err.Error(), "pre-merge command failed: test (exit code 2)")
	})

	t.Run("hook failure without exit code", func(t *testing.T) {
		err := &HookFailedError{Event: EventPostCreate, Name: "setup", ExitCode: -1, Err: errors.New("timed out")}
		assert.Equal(t, "post-create command failed: setup: timed out", err.Error())
	})

	t.Run("conflict", func(t *testing.T) {
		err := &ConflictError{Stage: "rebase", Target: "main"}
		assert.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, "rebase onto main incomplete: conflict", err.Error())
	})

	t.Run("cleanup skipped", func(t *testing.T) {
		err := &CleanupSkippedError{Reason: "branch has unmerged commits"}
		assert.ErrorIs(t, err, ErrCleanupSkipped)
		assert.NotErrorIs(t, err, ErrConflict)
	})
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ExitCode
	}{
		{"nil", nil, ExitSuccess},
		{"cli error wins", WrapCLIError(ExitConfigError, "bad config", ErrNotFound), ExitConfigError},
		{"not found", fmt.Errorf("resolve: %w", ErrNotFound), ExitNotFound},
		{"hook failed", &HookFailedError{Event: EventPreMerge, Name: "x", ExitCode: 1}, ExitHookFailed},
		{"approval denied", ErrApprovalDenied, ExitUserCancelled},
		{"conflict", &ConflictError{Stage: "rebase", Target: "main"}, ExitConflict},
		{"concurrent", ErrConcurrentOperation, ExitConcurrentOperation},
		{"nothing to merge", ErrNothingToMerge, ExitNothingToMerge},
		{"template", fmt.Errorf("%w: unknown variable", ErrTemplate), ExitConfigError},
		{"other", errors.New("boom"), ExitGeneralError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCodeFor(tt.err))
		})
	}
}
