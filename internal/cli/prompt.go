package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/shinji-kodama/worktree-flow/internal/approval"
	"github.com/shinji-kodama/worktree-flow/internal/model"
)

var (
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	hintStyle    = lipgloss.NewStyle().Faint(true)
	headStyle    = lipgloss.NewStyle().Bold(true)
	commandStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
)

// stdinIsTerminal reports whether a user can answer prompts.
var stdinIsTerminal = func() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// terminalApprover asks for approval of a batch of hook commands on the
// terminal. All pending commands of one invocation are shown together and
// approved or declined with a single answer.
type terminalApprover struct {
	in          io.Reader
	out         io.Writer
	interactive func() bool
}

func newTerminalApprover() *terminalApprover {
	return &terminalApprover{in: os.Stdin, out: os.Stderr, interactive: stdinIsTerminal}
}

var _ approval.Approver = (*terminalApprover)(nil)

func (a *terminalApprover) Approve(ctx context.Context, project string, requests []approval.Request) (bool, error) {
	if !a.interactive() {
		return false, model.ErrNotInteractive
	}

	fmt.Fprintf(a.out, "%s\n", headStyle.Render(fmt.Sprintf("%s wants to run %d command(s):", project, len(requests))))
	for _, r := range requests {
		fmt.Fprintf(a.out, "  %s.%s\n", r.Event, r.Name)
		for _, line := range strings.Split(r.Command, "\n") {
			fmt.Fprintf(a.out, "    %s\n", commandStyle.Render(line))
		}
	}
	fmt.Fprint(a.out, "\nAllow and remember? [y/N] ")
	return readYes(ctx, a.in)
}

// readYes reads one line and reports whether it was "y" or "yes".
// A closed stdin counts as "no".
func readYes(ctx context.Context, in io.Reader) (bool, error) {
	line, err := readLine(ctx, in)
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// readLine reads a single line from in, giving up when ctx is cancelled.
func readLine(ctx context.Context, in io.Reader) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		// bufio.Scanner handles different line endings across platforms
		// (LF on Unix, CRLF on Windows).
		scanner := bufio.NewScanner(in)
		if scanner.Scan() {
			ch <- result{line: scanner.Text()}
			return
		}
		ch <- result{err: scanner.Err()}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.line, r.err
	}
}

// promptCommitMessage asks for a commit message after generation failed.
// An empty answer accepts the suggestion.
func promptCommitMessage(in io.Reader, out io.Writer) func(ctx context.Context, suggestion string) (string, error) {
	return func(ctx context.Context, suggestion string) (string, error) {
		fmt.Fprintf(out, "%s\n", warnStyle.Render("Commit message generation failed."))
		fmt.Fprintf(out, "Suggested message:\n  %s\n", strings.ReplaceAll(suggestion, "\n", "\n  "))
		fmt.Fprint(out, "Enter a commit subject (empty keeps the suggestion): ")
		line, err := readLine(ctx, in)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(line) == "" {
			return suggestion, nil
		}
		return line, nil
	}
}
