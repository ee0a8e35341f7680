package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/shinji-kodama/worktree-flow/internal/approval"
	"github.com/shinji-kodama/worktree-flow/internal/config"
	"github.com/shinji-kodama/worktree-flow/internal/hook"
	"github.com/shinji-kodama/worktree-flow/internal/marker"
	"github.com/shinji-kodama/worktree-flow/internal/message"
	"github.com/shinji-kodama/worktree-flow/internal/model"
	"github.com/shinji-kodama/worktree-flow/internal/task"
	"github.com/shinji-kodama/worktree-flow/internal/tmpl"
	"github.com/shinji-kodama/worktree-flow/internal/worktree"
)

// env bundles the collaborators a command needs for one repository.
type env struct {
	git      *worktree.Manager
	dir      string
	repoRoot string
	user     *config.UserConfig
	hooks    *model.HookSet
	project  string
	resolver *worktree.Resolver
	tasks    *task.Manager
	store    *approval.Store
	markers  *marker.Store
}

// workDir returns the -C directory, or the process working directory.
func workDir() (string, error) {
	if chdir != "" {
		return filepath.Abs(chdir)
	}
	return os.Getwd()
}

// loadEnv loads the user and project configuration and wires the engine
// for the repository containing the working directory.
func loadEnv(ctx context.Context) (*env, error) {
	dir, err := workDir()
	if err != nil {
		return nil, err
	}
	VerboseLog("Working directory: %s", dir)

	cfgPath, err := config.DefaultUserConfigPath()
	if err != nil {
		return nil, err
	}
	user, err := config.LoadUser(cfgPath)
	if err != nil {
		return nil, err
	}
	VerboseLog("User config: %s", cfgPath)

	git := worktree.NewManager()
	worktrees, err := git.Worktrees(ctx, dir)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGitError,
			fmt.Sprintf("%s is not inside a git repository", dir), err)
	}
	if len(worktrees) == 0 {
		return nil, model.NewCLIError(model.ExitGitError, "repository has no worktrees")
	}
	repoRoot := worktrees[0].Path

	// Project hooks come from the checkout the command runs in, so a branch
	// that edits its hooks sees its own version.
	top, err := git.RepoRoot(ctx, dir)
	if err != nil {
		top = repoRoot
	}
	hooks, err := config.LoadProject(top)
	if err != nil {
		return nil, err
	}
	VerboseLog("Loaded %d project hook(s) from %s", hooks.Len(), top)

	remote, _, _ := git.ConfigGet(ctx, repoRoot, "remote.origin.url")

	approvalsPath := user.ApprovalsFile
	if approvalsPath == "" {
		approvalsPath, err = config.DefaultApprovalsPath()
		if err != nil {
			return nil, err
		}
	}

	tasks, err := task.NewManager(ctx, git, dir)
	if err != nil {
		return nil, err
	}
	tasks.Runners = runners()
	tasks.HookTimeout = user.HookTimeoutDuration()
	tasks.Allowlist = user.Allowlist()

	return &env{
		git:      git,
		dir:      dir,
		repoRoot: repoRoot,
		user:     user,
		hooks:    hooks,
		project:  config.ProjectIdentifier(remote, repoRoot),
		resolver: worktree.NewResolver(git, dir, user.PathTemplate()),
		tasks:    tasks,
		store:    approval.NewStore(approvalsPath),
		markers:  marker.NewStore(git, repoRoot),
	}, nil
}

func runners() map[model.RunnerKind]hook.Runner {
	return map[model.RunnerKind]hook.Runner{
		model.RunnerHost:      hook.HostRunner{},
		model.RunnerContainer: hook.NewDockerRunner(),
	}
}

// hookFlags are the approval-related flags shared by commands that run hooks.
type hookFlags struct {
	force    bool
	noVerify bool
}

// executor returns a hook executor that asks for approval on the terminal
// and hands background hooks to the task manager.
func (e *env) executor(f hookFlags, out io.Writer) *hook.Executor {
	return &hook.Executor{
		Gate: &approval.Gate{
			Store:         e.store,
			Approver:      newTerminalApprover(),
			Project:       e.project,
			Force:         f.force,
			PersistForced: e.user.PersistForcedApprovals,
		},
		Runners:   runners(),
		Spawner:   e.tasks,
		Timeout:   e.user.HookTimeoutDuration(),
		Allowlist: e.user.Allowlist(),
		Output:    out,
		NoVerify:  f.noVerify,
	}
}

// generator returns the configured commit message generator, or nil when
// none is configured.
func (e *env) generator() message.Generator {
	gen := e.user.CommitGeneration
	if gen.Command == "" {
		return nil
	}
	return &message.CommandGenerator{
		Command: gen.Command,
		Args:    gen.Args,
		Prompt:  gen.Prompt,
		Timeout: e.user.MessageTimeout(),
	}
}

// templateContext returns the hook template variables for wt.
func (e *env) templateContext(wt model.Worktree) tmpl.Context {
	return tmpl.New(filepath.Base(e.repoRoot), e.repoRoot, wt.Branch, wt.Path)
}

// currentBranch returns the branch checked out in the working directory.
func (e *env) currentBranch(ctx context.Context) (string, error) {
	return e.git.CurrentBranch(ctx, e.dir)
}
