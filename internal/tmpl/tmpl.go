// Package tmpl expands the user-authored templates of worktree-flow: hook
// commands, worktree path templates and the commit message prompt.
//
// Templates use Go text/template syntax with each variable exposed as a
// function, so `{{ branch }}` and `{{ branch | sanitize }}` both work.
// Referencing a variable that does not exist fails when the template is
// parsed, never silently expands to an empty string.
package tmpl

import (
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/shinji-kodama/worktree-flow/internal/model"
)

// Variable names available to every template.
const (
	VarRepo     = "repo"
	VarBranch   = "branch"
	VarWorktree = "worktree"
	VarRepoRoot = "repo_root"
	VarTarget   = "target"
)

// EnvPrefix prefixes the environment variables exported to hook processes.
const EnvPrefix = "WORKTREE_FLOW_"

// Context is the immutable variable set of one template expansion.
// Build it once per operation with New or the With* helpers; the value is
// copied, never mutated in place.
type Context struct {
	Repo     string
	Branch   string
	Worktree string
	RepoRoot string
	Target   string

	extra map[string]string
}

// New builds a Context for a branch checked out at worktree.
func New(repo, repoRoot, branch, worktree string) Context {
	return Context{Repo: repo, RepoRoot: repoRoot, Branch: branch, Worktree: worktree}
}

// WithTarget returns a copy of c with the merge target set.
func (c Context) WithTarget(target string) Context {
	c.Target = target
	return c
}

// WithExtra returns a copy of c with an additional variable, used for
// per-template values such as the prompt's diff.
func (c Context) WithExtra(name, value string) Context {
	extra := make(map[string]string, len(c.extra)+1)
	for k, v := range c.extra {
		extra[k] = v
	}
	extra[name] = value
	c.extra = extra
	return c
}

// Vars returns every variable of the context by name.
func (c Context) Vars() map[string]string {
	vars := map[string]string{
		VarRepo:     c.Repo,
		VarBranch:   c.Branch,
		VarWorktree: c.Worktree,
		VarRepoRoot: c.RepoRoot,
		VarTarget:   c.Target,
	}
	for k, v := range c.extra {
		vars[k] = v
	}
	return vars
}

// Env returns the variables as WORKTREE_FLOW_* environment entries in a
// stable order. Extra variables are not exported.
func (c Context) Env() []string {
	pairs := []struct{ name, value string }{
		{VarRepo, c.Repo},
		{VarBranch, c.Branch},
		{VarWorktree, c.Worktree},
		{VarRepoRoot, c.RepoRoot},
		{VarTarget, c.Target},
	}
	env := make([]string, 0, len(pairs))
	for _, p := range pairs {
		env = append(env, EnvPrefix+strings.ToUpper(p.name)+"="+p.value)
	}
	return env
}

type mode int

const (
	modeLiteral mode = iota
	modeShell
	modePath
)

// ExpandCommand expands a hook command. Values are shell-quoted so a branch
// name can never inject shell syntax.
func ExpandCommand(text string, c Context) (string, error) {
	return expand(text, c, modeShell)
}

// ExpandPath expands a filesystem path template. The branch is sanitized
// (path separators replaced) and no quoting is applied.
func ExpandPath(text string, c Context) (string, error) {
	return expand(text, c, modePath)
}

// ExpandText expands a template with literal values (prompts, messages).
func ExpandText(text string, c Context) (string, error) {
	return expand(text, c, modeLiteral)
}

// Validate parses text against the variables of c without executing it.
func Validate(text string, c Context) error {
	_, err := parse(text, c, modeLiteral)
	return err
}

func expand(text string, c Context, m mode) (string, error) {
	t, err := parse(text, c, m)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := t.Execute(&b, nil); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrTemplate, err)
	}
	return b.String(), nil
}

func parse(text string, c Context, m mode) (*template.Template, error) {
	funcs := template.FuncMap{
		"sanitize": model.SanitizeBranchName,
	}
	for name, value := range c.Vars() {
		switch {
		case m == modePath && name == VarBranch:
			value = model.SanitizeBranchName(value)
		case m == modeShell:
			value = ShellQuote(value)
		}
		v := value
		funcs[name] = func() string { return v }
	}

	t, err := template.New("template").Option("missingkey=error").Funcs(funcs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTemplate, err)
	}
	return t, nil
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// ShellQuote quotes s for POSIX shells. Strings made only of safe
// characters are returned unchanged.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
