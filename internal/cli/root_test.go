package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/worktree-flow/internal/model"
)

// captureErrors redirects error output for the duration of a test.
func captureErrors(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := errOut
	errOut = &buf
	t.Cleanup(func() { errOut = old })
	return &buf
}

func TestReportErrorExitCodes(t *testing.T) {
	captureErrors(t)

	tests := []struct {
		name string
		err  error
		want model.ExitCode
	}{
		{"generic", errors.New("boom"), model.ExitGeneralError},
		{"not found", fmt.Errorf("%q: %w", "x", model.ErrNotFound), model.ExitNotFound},
		{"hook failed", &model.HookFailedError{Event: model.EventPreMerge, Name: "test", ExitCode: 1}, model.ExitHookFailed},
		{"conflict", &model.ConflictError{Stage: "rebase", Target: "main"}, model.ExitConflict},
		{"concurrent", model.ErrConcurrentOperation, model.ExitConcurrentOperation},
		{"denied", model.ErrApprovalDenied, model.ExitUserCancelled},
		{"cli error", model.NewCLIError(model.ExitConfigError, "bad config"), model.ExitConfigError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reportError(tt.err))
		})
	}
}

func TestReportErrorHints(t *testing.T) {
	buf := captureErrors(t)
	jsonOutput = false

	reportError(&model.HookFailedError{Event: model.EventPreMerge, Name: "test", ExitCode: 2})
	assert.Contains(t, buf.String(), "pre-merge command failed: test (exit code 2)")
	assert.Contains(t, buf.String(), "--no-verify")

	buf.Reset()
	reportError(&model.CLIError{Code: model.ExitNotFound, Message: "no branch", Hint: "use --create", Err: model.ErrNotFound})
	assert.Contains(t, buf.String(), "no branch: worktree not found")
	assert.Contains(t, buf.String(), "use --create")

	buf.Reset()
	reportError(errors.New("plain"))
	assert.NotContains(t, buf.String(), "hint:")
}

func TestPrintErrorJSON(t *testing.T) {
	buf := captureErrors(t)
	jsonOutput = true
	t.Cleanup(func() { jsonOutput = false })

	printError("merge failed", errors.New("conflict"), "resolve it")

	var got struct {
		Error struct {
			Message string `json:"message"`
			Detail  string `json:"detail"`
			Hint    string `json:"hint"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "merge failed", got.Error.Message)
	assert.Equal(t, "conflict", got.Error.Detail)
	assert.Equal(t, "resolve it", got.Error.Hint)
}

func TestVerboseLog(t *testing.T) {
	buf := captureErrors(t)

	verbose = false
	VerboseLog("hidden %d", 1)
	assert.Empty(t, buf.String())

	verbose = true
	t.Cleanup(func() { verbose = false })
	VerboseLog("shown %d", 2)
	assert.Equal(t, "[verbose] shown 2\n", buf.String())
}

// TestRootCommandRegistersSubcommands guards the command tree, including
// the hidden re-entry command detached tasks depend on.
func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := NewRootCommand()
	for _, path := range [][]string{
		{"switch"}, {"merge"}, {"remove"}, {"list"}, {"resolve"},
		{"hook", "run"}, {"hook", "list"}, {"hook", "labels"},
		{"approvals", "list"}, {"approvals", "add"}, {"approvals", "revoke"},
		{"marker", "get"}, {"marker", "set"}, {"marker", "clear"}, {"marker", "list"},
		{"tasks"}, {"internal", "run-task"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, "%v", path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	internal, _, err := root.Find([]string{"internal"})
	require.NoError(t, err)
	assert.True(t, internal.Hidden)

	assert.NotNil(t, root.PersistentFlags().Lookup("directory"))
	assert.Equal(t, "C", root.PersistentFlags().Lookup("directory").Shorthand)
}
