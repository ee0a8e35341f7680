// Package hook runs the commands configured for lifecycle events.
//
// For each event the Executor expands every command template first, asks
// the approval gate once for the whole batch, then runs the hooks in
// declared order. A blocking hook that fails stops the batch; a background
// hook is handed to the background task manager and never blocks or fails
// the caller.
package hook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shinji-kodama/worktree-flow/internal/approval"
	"github.com/shinji-kodama/worktree-flow/internal/config"
	"github.com/shinji-kodama/worktree-flow/internal/logger"
	"github.com/shinji-kodama/worktree-flow/internal/model"
	"github.com/shinji-kodama/worktree-flow/internal/tmpl"
)

// DefaultTimeout bounds a blocking hook when the Executor has no timeout.
const DefaultTimeout = 10 * time.Minute

// outputLimit is how much trailing output is kept per hook for reporting.
const outputLimit = 64 * 1024

// Spawner hands a background hook to the task manager and returns its task ID.
type Spawner interface {
	SpawnHook(ctx context.Context, h model.Hook, tctx tmpl.Context) (string, error)
}

// Filter selects the hooks to run. A nil Filter selects every hook.
type Filter func(model.Hook) bool

// ByName returns a Filter selecting hooks with the given names. No names
// selects every hook.
func ByName(names ...string) Filter {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(h model.Hook) bool { return set[h.Name] }
}

// Result reports one hook execution.
type Result struct {
	Event    model.HookEvent `json:"event"`
	Name     string          `json:"name"`
	Command  string          `json:"command"`
	Mode     model.HookMode  `json:"mode"`
	ExitCode int             `json:"exitCode"`
	Output   string          `json:"output,omitempty"`
	Duration time.Duration   `json:"duration"`

	// TaskID is set for hooks handed to the background task manager.
	TaskID string `json:"taskId,omitempty"`
}

// Executor runs hooks. The zero value runs blocking hooks on the host with
// DefaultTimeout, without approval checks and without output streaming.
type Executor struct {
	// Gate authorizes project hook commands. Nil skips approval (hooks from
	// trusted sources, or already approved by a parent process).
	Gate *approval.Gate

	// Runners maps runner kinds to implementations. Missing entries fall
	// back to HostRunner for host hooks and fail for container hooks.
	Runners map[model.RunnerKind]Runner

	// Spawner receives background hooks. Without one they run inline and
	// their failures are logged, not returned.
	Spawner Spawner

	Timeout time.Duration

	// Allowlist names the parent environment variables passed to hooks.
	// Nil selects config.DefaultEnvAllowlist.
	Allowlist []string

	// Output, when set, receives the live output of blocking hooks.
	Output io.Writer

	// NoVerify skips all hooks without consulting the approval store.
	NoVerify bool
}

type prepared struct {
	hook    model.Hook
	command string
	dir     string
}

// Run executes the hooks of event selected by filter.
//
// It returns the results of the hooks that ran. On a blocking failure the
// error is a *model.HookFailedError and the results end with the failed hook.
func (e *Executor) Run(ctx context.Context, event model.HookEvent, hooks []model.Hook, tctx tmpl.Context, filter Filter) ([]Result, error) {
	log := logger.WithComponent("hook").With("event", event.String(), "branch", tctx.Branch)

	if e.NoVerify {
		if len(hooks) > 0 {
			log.Info("hooks skipped by --no-verify", "count", len(hooks))
		}
		return nil, nil
	}

	var selected []prepared
	for _, h := range hooks {
		if filter != nil && !filter(h) {
			continue
		}
		command, err := tmpl.ExpandCommand(h.Command, tctx)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", event, h.Name, err)
		}
		dir := tctx.Worktree
		if h.Dir != "" {
			dir, err = tmpl.ExpandPath(h.Dir, tctx)
			if err != nil {
				return nil, fmt.Errorf("%s.%s dir: %w", event, h.Name, err)
			}
		}
		selected = append(selected, prepared{hook: h, command: command, dir: dir})
	}
	if len(selected) == 0 {
		return nil, nil
	}

	if e.Gate != nil {
		requests := make([]approval.Request, 0, len(selected))
		for _, p := range selected {
			requests = append(requests, approval.Request{Event: event, Name: p.hook.Name, Command: p.hook.Command})
		}
		if err := e.Gate.Authorize(ctx, requests); err != nil {
			return nil, err
		}
	}

	results := make([]Result, 0, len(selected))
	for _, p := range selected {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if p.hook.Mode == model.ModeBackground && e.Spawner != nil {
			id, err := e.Spawner.SpawnHook(ctx, p.hook, tctx)
			if err != nil {
				// A background hook never fails the caller.
				log.Warn("failed to start background hook", "hook", p.hook.Name, "error", err)
				continue
			}
			log.Info("background hook started", "hook", p.hook.Name, "task", id)
			results = append(results, Result{
				Event: event, Name: p.hook.Name, Command: p.command,
				Mode: model.ModeBackground, TaskID: id,
			})
			continue
		}

		res, err := e.runOne(ctx, event, p, tctx)
		results = append(results, res)
		if err == nil {
			continue
		}
		if p.hook.Mode == model.ModeBackground {
			log.Warn("background hook failed", "hook", p.hook.Name, "error", err)
			continue
		}
		return results, err
	}
	return results, nil
}

func (e *Executor) runOne(ctx context.Context, event model.HookEvent, p prepared, tctx tmpl.Context) (Result, error) {
	log := logger.WithComponent("hook")
	res := Result{Event: event, Name: p.hook.Name, Command: p.command, Mode: p.hook.Mode}

	runner, err := e.runner(p.hook.Runner)
	if err != nil {
		res.ExitCode = -1
		return res, &model.HookFailedError{Event: event, Name: p.hook.Name, ExitCode: -1, Err: err}
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tail := &tailBuffer{limit: outputLimit}
	var out io.Writer = tail
	if e.Output != nil {
		out = io.MultiWriter(tail, e.Output)
	}

	start := time.Now()
	log.Debug("running hook", "event", event.String(), "hook", p.hook.Name, "command", p.command, "dir", p.dir)
	code, runErr := runner.Run(runCtx, Command{
		Shell:        p.command,
		Dir:          p.dir,
		Env:          BuildEnv(e.allowlist(), tctx),
		WorktreePath: tctx.Worktree,
		Stdout:       out,
		Stderr:       out,
	})
	res.Duration = time.Since(start)
	res.ExitCode = code
	res.Output = tail.String()

	switch {
	case runErr != nil && errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == nil:
		runErr = fmt.Errorf("timed out after %s", timeout)
	case runErr == nil && code == 0:
		log.Info("hook succeeded", "event", event.String(), "hook", p.hook.Name, "duration", res.Duration)
		return res, nil
	}

	log.Warn("hook failed", "event", event.String(), "hook", p.hook.Name, "exitCode", code, "error", runErr)
	return res, &model.HookFailedError{
		Event:    event,
		Name:     p.hook.Name,
		ExitCode: code,
		Output:   res.Output,
		Err:      runErr,
	}
}

func (e *Executor) allowlist() []string {
	if e.Allowlist == nil {
		return config.DefaultEnvAllowlist
	}
	return e.Allowlist
}

func (e *Executor) runner(kind model.RunnerKind) (Runner, error) {
	if r, ok := e.Runners[kind]; ok && r != nil {
		return r, nil
	}
	if kind == "" || kind == model.RunnerHost {
		return HostRunner{}, nil
	}
	return nil, fmt.Errorf("no runner configured for %q hooks", kind)
}

// BuildEnv returns the parent environment filtered to allowlist, followed by
// the WORKTREE_FLOW_* variables of tctx.
func BuildEnv(allowlist []string, tctx tmpl.Context) []string {
	allowed := make(map[string]bool, len(allowlist))
	for _, k := range allowlist {
		allowed[normalizeEnvKey(k)] = true
	}
	var env []string
	for _, kv := range os.Environ() {
		k, _, ok := strings.Cut(kv, "=")
		if !ok || strings.HasPrefix(k, tmpl.EnvPrefix) {
			continue
		}
		if allowed[normalizeEnvKey(k)] {
			env = append(env, kv)
		}
	}
	return append(env, tctx.Env()...)
}

// normalizeEnvKey folds case on Windows, where variable names are
// case-insensitive.
func normalizeEnvKey(k string) string {
	if runtime.GOOS == "windows" {
		return strings.ToUpper(k)
	}
	return k
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
