package message

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/worktree-flow/internal/model"
	"github.com/shinji-kodama/worktree-flow/internal/tmpl"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("generator commands in these tests use POSIX sh")
	}
}

func testContext(t *testing.T) tmpl.Context {
	dir := t.TempDir()
	return tmpl.New("app", dir, "feature/login", dir).WithTarget("main")
}

func TestCommandGeneratorReadsStdout(t *testing.T) {
	skipOnWindows(t)
	tctx := testContext(t)
	promptFile := filepath.Join(tctx.Worktree, "prompt.txt")

	g := &CommandGenerator{
		Command: "sh",
		Args:    []string{"-c", "cat > " + promptFile + "; printf '\\n  Add login form\\n\\nBody line.\\n'"},
		Prompt:  "branch={{ branch }} target={{ target }}\n{{ diff }}",
	}
	msg, err := g.Generate(context.Background(), "+hello", tctx)
	require.NoError(t, err)
	assert.Equal(t, "Add login form\n\nBody line.", msg)

	prompt, err := os.ReadFile(promptFile)
	require.NoError(t, err)
	assert.Equal(t, "branch=feature/login target=main\n+hello", string(prompt))
}

func TestCommandGeneratorFailures(t *testing.T) {
	skipOnWindows(t)
	tctx := testContext(t)

	tests := []struct {
		name string
		gen  *CommandGenerator
		want string
	}{
		{"unconfigured", &CommandGenerator{}, "no commit generation command"},
		{"non-zero exit", &CommandGenerator{Command: "sh", Args: []string{"-c", "echo quota exceeded >&2; exit 1"}}, "quota exceeded"},
		{"empty output", &CommandGenerator{Command: "sh", Args: []string{"-c", "cat >/dev/null; echo '   '"}}, "no output"},
		{"timeout", &CommandGenerator{Command: "sh", Args: []string{"-c", "sleep 5"}, Timeout: 100 * time.Millisecond}, "timed out"},
		{"missing binary", &CommandGenerator{Command: "definitely-not-a-real-binary-xyz"}, "definitely-not-a-real-binary-xyz"},
		{"bad prompt", &CommandGenerator{Command: "cat", Prompt: "{{ nope }}"}, "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.gen.Generate(context.Background(), "diff", tctx)
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrLLMGenerationFailed)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRenderPromptDefault(t *testing.T) {
	tctx := testContext(t)
	prompt, err := RenderPrompt("", "+line", tctx)
	require.NoError(t, err)
	assert.Contains(t, prompt, "Branch: feature/login")
	assert.Contains(t, prompt, "Target: main")
	assert.Contains(t, prompt, "<diff>\n+line\n</diff>")
}

func TestRenderPromptTruncatesLargeDiff(t *testing.T) {
	tctx := testContext(t)
	diff := strings.Repeat("x", maxDiffBytes+100)
	prompt, err := RenderPrompt("{{ diff }}", diff, tctx)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(prompt, "[diff truncated]"))
	assert.Less(t, len(prompt), len(diff))
}

func TestRenderPromptTruncatesAtCharacterBoundary(t *testing.T) {
	tctx := testContext(t)
	// "é" is two bytes, so the cut lands inside a character.
	diff := "x" + strings.Repeat("é", maxDiffBytes/2+10)
	prompt, err := RenderPrompt("{{ diff }}", diff, tctx)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(prompt))
	assert.True(t, strings.HasSuffix(prompt, "é\n[diff truncated]"))
}

func TestClean(t *testing.T) {
	assert.Equal(t, "Fix bug", Clean("  Fix bug \n"))
	assert.Equal(t, "Fix bug\n\nBody", Clean("```text\nFix bug\n\nBody\n```"))
	assert.Equal(t, "", Clean("\n\n"))
}

func TestStubGenerator(t *testing.T) {
	tctx := testContext(t)
	g := &StubGenerator{Message: "fixed"}
	msg, err := g.Generate(context.Background(), "", tctx)
	require.NoError(t, err)
	assert.Equal(t, "fixed", msg)

	g = &StubGenerator{Err: model.ErrLLMGenerationFailed}
	_, err = g.Generate(context.Background(), "", tctx)
	assert.ErrorIs(t, err, model.ErrLLMGenerationFailed)
	assert.Equal(t, 1, g.Calls)

	g = &StubGenerator{}
	msg, err = g.Generate(context.Background(), "", tctx)
	require.NoError(t, err)
	assert.Equal(t, "Merge feature/login into main", msg)
}

func TestFallback(t *testing.T) {
	tctx := testContext(t)
	assert.Equal(t, "only one", Fallback([]string{"only one"}, tctx))
	assert.Equal(t, "Merge feature/login into main\n\n* a\n* b", Fallback([]string{"a", "b"}, tctx))
}
