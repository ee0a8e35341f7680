// Package message produces commit messages for squashed merges.
//
// A Generator turns the diff being committed into a message. The production
// implementation pipes a rendered prompt into a user-configured command
// (typically an LLM CLI); tests use StubGenerator.
package message

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shinji-kodama/worktree-flow/internal/logger"
	"github.com/shinji-kodama/worktree-flow/internal/model"
	"github.com/shinji-kodama/worktree-flow/internal/tmpl"
)

// VarDiff is the prompt variable holding the diff.
const VarDiff = "diff"

// DefaultTimeout bounds a generator command when none is configured.
const DefaultTimeout = 2 * time.Minute

// maxDiffBytes caps the diff embedded in the prompt.
const maxDiffBytes = 256 * 1024

// DefaultPrompt is the prompt used when the user config sets none.
const DefaultPrompt = `Write a git commit message for the following changes.

The first line is a concise summary in the imperative mood, at most 72
characters. If the change needs more explanation, add a blank line and a
short body. Output only the commit message, without quotes or code fences.

Repository: {{ repo }}
Branch: {{ branch }}
Target: {{ target }}

<diff>
{{ diff }}
</diff>
`

// Generator produces a commit message for diff.
type Generator interface {
	Generate(ctx context.Context, diff string, tctx tmpl.Context) (string, error)
}

// CommandGenerator runs an external command with the rendered prompt on
// stdin and uses its stdout as the message.
type CommandGenerator struct {
	Command string
	Args    []string

	// Prompt is the prompt template; empty selects DefaultPrompt.
	Prompt  string
	Timeout time.Duration
}

// Generate implements Generator. Every failure wraps
// model.ErrLLMGenerationFailed.
func (g *CommandGenerator) Generate(ctx context.Context, diff string, tctx tmpl.Context) (string, error) {
	log := logger.WithComponent("message")

	if g.Command == "" {
		return "", fmt.Errorf("%w: no commit generation command configured", model.ErrLLMGenerationFailed)
	}
	prompt, err := RenderPrompt(g.Prompt, diff, tctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrLLMGenerationFailed, err)
	}

	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.Command, g.Args...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Dir = tctx.Worktree
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	log.Debug("generating commit message", "command", g.Command, "promptBytes", len(prompt))
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %s timed out after %s", model.ErrLLMGenerationFailed, g.Command, timeout)
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("%w: %s: %s", model.ErrLLMGenerationFailed, g.Command, detail)
	}

	msg := Clean(stdout.String())
	if msg == "" {
		return "", fmt.Errorf("%w: %s produced no output", model.ErrLLMGenerationFailed, g.Command)
	}
	log.Info("commit message generated", "command", g.Command, "duration", time.Since(start))
	return msg, nil
}

// RenderPrompt expands prompt (or DefaultPrompt) with the template
// variables of tctx and the diff.
func RenderPrompt(prompt, diff string, tctx tmpl.Context) (string, error) {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	if len(diff) > maxDiffBytes {
		n := maxDiffBytes
		for n > 0 && !utf8.RuneStart(diff[n]) {
			n--
		}
		diff = diff[:n] + "\n[diff truncated]"
	}
	return tmpl.ExpandText(prompt, tctx.WithExtra(VarDiff, diff))
}

// Clean trims surrounding whitespace and a wrapping code fence from
// generated text.
func Clean(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") && strings.HasSuffix(s, "```") && len(s) >= 6 {
		s = strings.TrimSuffix(s, "```")
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		s = strings.TrimSpace(s)
	}
	return s
}

// StubGenerator returns a fixed message, or Err when set.
type StubGenerator struct {
	Message string
	Err     error

	// Calls counts Generate invocations.
	Calls int
}

func (g *StubGenerator) Generate(_ context.Context, _ string, tctx tmpl.Context) (string, error) {
	g.Calls++
	if g.Err != nil {
		return "", g.Err
	}
	if g.Message != "" {
		return g.Message, nil
	}
	return Fallback(nil, tctx), nil
}

// Fallback builds a deterministic message from the squashed commit
// subjects, used when no generated or manual message is available.
func Fallback(subjects []string, tctx tmpl.Context) string {
	title := fmt.Sprintf("Merge %s", tctx.Branch)
	if tctx.Target != "" {
		title += " into " + tctx.Target
	}
	switch len(subjects) {
	case 0:
		return title
	case 1:
		return subjects[0]
	}
	var b strings.Builder
	b.WriteString(title)
	b.WriteString("\n\n")
	for _, s := range subjects {
		b.WriteString("* ")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
