package cli

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/worktree-flow/internal/approval"
	"github.com/shinji-kodama/worktree-flow/internal/model"
)

var testRequests = []approval.Request{
	{Event: model.EventPostCreate, Name: "install", Command: "npm ci"},
	{Event: model.EventPreMerge, Name: "test", Command: "go test ./...\ngo vet ./..."},
}

func TestTerminalApproverNotInteractive(t *testing.T) {
	a := &terminalApprover{in: strings.NewReader("y\n"), out: io.Discard, interactive: func() bool { return false }}
	ok, err := a.Approve(context.Background(), "github.com/acme/app", testRequests)
	assert.False(t, ok)
	assert.ErrorIs(t, err, model.ErrNotInteractive)
}

func TestTerminalApproverAnswers(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"  y  \r\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
		{"maybe\n", false},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			var out bytes.Buffer
			a := &terminalApprover{in: strings.NewReader(tt.input), out: &out, interactive: func() bool { return true }}
			ok, err := a.Approve(context.Background(), "github.com/acme/app", testRequests)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

// TestTerminalApproverShowsBatch verifies that every pending command is
// shown in one prompt, multi-line commands included.
func TestTerminalApproverShowsBatch(t *testing.T) {
	var out bytes.Buffer
	a := &terminalApprover{in: strings.NewReader("n\n"), out: &out, interactive: func() bool { return true }}
	_, err := a.Approve(context.Background(), "github.com/acme/app", testRequests)
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "github.com/acme/app wants to run 2 command(s)")
	assert.Contains(t, text, "post-create.install")
	assert.Contains(t, text, "npm ci")
	assert.Contains(t, text, "go vet ./...")
	assert.Equal(t, 1, strings.Count(text, "[y/N]"))
}

func TestReadLineHonorsContext(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := readLine(ctx, r)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPromptCommitMessage(t *testing.T) {
	ctx := context.Background()

	var out bytes.Buffer
	prompt := promptCommitMessage(strings.NewReader("Fix login redirect\n"), &out)
	msg, err := prompt(ctx, "Merge feature into main")
	require.NoError(t, err)
	assert.Equal(t, "Fix login redirect", msg)
	assert.Contains(t, out.String(), "Merge feature into main")

	prompt = promptCommitMessage(strings.NewReader("\n"), io.Discard)
	msg, err = prompt(ctx, "Merge feature into main")
	require.NoError(t, err)
	assert.Equal(t, "Merge feature into main", msg, "empty answer keeps the suggestion")
}
