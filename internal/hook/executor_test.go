package hook

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/worktree-flow/internal/approval"
	"github.com/shinji-kodama/worktree-flow/internal/docker"
	"github.com/shinji-kodama/worktree-flow/internal/model"
	"github.com/shinji-kodama/worktree-flow/internal/tmpl"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("hook commands in these tests use POSIX sh")
	}
}

func testContext(t *testing.T) tmpl.Context {
	dir := t.TempDir()
	return tmpl.New("repo", dir, "feature/x", dir)
}

func blocking(event model.HookEvent, name, command string) model.Hook {
	return model.Hook{Event: event, Name: name, Command: command, Mode: model.ModeBlocking}
}

func TestRunInOrderWithVariables(t *testing.T) {
	skipOnWindows(t)
	tctx := testContext(t)
	var out bytes.Buffer
	e := &Executor{Output: &out}

	hooks := []model.Hook{
		blocking(model.EventPostCreate, "first", "echo one {{ branch }} > order.txt"),
		blocking(model.EventPostCreate, "second", `echo two "$WORKTREE_FLOW_BRANCH" >> order.txt; echo done`),
	}
	results, err := e.Run(context.Background(), model.EventPostCreate, hooks, tctx, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "first", results[0].Name)
	assert.Equal(t, 0, results[1].ExitCode)
	assert.Equal(t, "done\n", results[1].Output)
	assert.Contains(t, out.String(), "done")

	data, err := os.ReadFile(filepath.Join(tctx.Worktree, "order.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one feature/x\ntwo feature/x\n", string(data))
}

func TestBranchNameCannotInjectShell(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	tctx := tmpl.New("repo", dir, "x; touch pwned", dir)
	e := &Executor{}

	_, err := e.Run(context.Background(), model.EventPostCreate,
		[]model.Hook{blocking(model.EventPostCreate, "echo", "echo {{ branch }}")}, tctx, nil)
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "pwned"))
}

func TestBlockingFailureStopsBatch(t *testing.T) {
	skipOnWindows(t)
	tctx := testContext(t)
	e := &Executor{}

	hooks := []model.Hook{
		blocking(model.EventPreMerge, "lint", "echo lint output; exit 3"),
		blocking(model.EventPreMerge, "test", "touch ran-test"),
	}
	results, err := e.Run(context.Background(), model.EventPreMerge, hooks, tctx, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrHookFailed)
	assert.Equal(t, model.ExitHookFailed, model.ExitCodeFor(err))

	var hf *model.HookFailedError
	require.ErrorAs(t, err, &hf)
	assert.Equal(t, "lint", hf.Name)
	assert.Equal(t, 3, hf.ExitCode)
	assert.Contains(t, hf.Output, "lint output")

	require.Len(t, results, 1)
	assert.NoFileExists(t, filepath.Join(tctx.Worktree, "ran-test"))
}

func TestTimeoutKillsHook(t *testing.T) {
	skipOnWindows(t)
	tctx := testContext(t)
	e := &Executor{Timeout: 200 * time.Millisecond}

	start := time.Now()
	_, err := e.Run(context.Background(), model.EventPreCommit,
		[]model.Hook{blocking(model.EventPreCommit, "slow", "sleep 30")}, tctx, nil)
	var hf *model.HookFailedError
	require.ErrorAs(t, err, &hf)
	assert.Equal(t, -1, hf.ExitCode)
	assert.Contains(t, hf.Error(), "timed out")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestNoVerifySkipsEverything(t *testing.T) {
	tctx := testContext(t)
	store := approval.NewStore(filepath.Join(t.TempDir(), "approvals.json"))
	e := &Executor{
		NoVerify: true,
		Gate:     &approval.Gate{Store: store, Project: "p"},
	}
	results, err := e.Run(context.Background(), model.EventPreMerge,
		[]model.Hook{blocking(model.EventPreMerge, "fail", "exit 1")}, tctx, nil)
	require.NoError(t, err, "no approval prompt and no execution")
	assert.Empty(t, results)
}

func TestFilterByName(t *testing.T) {
	skipOnWindows(t)
	tctx := testContext(t)
	e := &Executor{}
	hooks := []model.Hook{
		blocking(model.EventPostCreate, "a", "touch a"),
		blocking(model.EventPostCreate, "b", "touch b"),
	}
	results, err := e.Run(context.Background(), model.EventPostCreate, hooks, tctx, ByName("b"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoFileExists(t, filepath.Join(tctx.Worktree, "a"))
	assert.FileExists(t, filepath.Join(tctx.Worktree, "b"))

	assert.Nil(t, ByName())
}

func TestApprovalDeniedRunsNothing(t *testing.T) {
	tctx := testContext(t)
	store := approval.NewStore(filepath.Join(t.TempDir(), "approvals.json"))
	prompts := 0
	e := &Executor{Gate: &approval.Gate{
		Store:   store,
		Project: "github.com/acme/app",
		Approver: approval.ApproverFunc(func(_ context.Context, _ string, reqs []approval.Request) (bool, error) {
			prompts++
			assert.Len(t, reqs, 2, "one prompt for the whole batch")
			assert.Equal(t, "touch {{ branch }}", reqs[0].Command, "approval keys on the unexpanded command")
			return false, nil
		}),
	}}
	hooks := []model.Hook{
		blocking(model.EventPostCreate, "one", "touch {{ branch }}"),
		blocking(model.EventPostCreate, "two", "touch two"),
	}
	results, err := e.Run(context.Background(), model.EventPostCreate, hooks, tctx, nil)
	assert.ErrorIs(t, err, model.ErrApprovalDenied)
	assert.Empty(t, results)
	assert.Equal(t, 1, prompts)
	assert.NoFileExists(t, filepath.Join(tctx.Worktree, "two"))
}

type fakeSpawner struct {
	hooks []model.Hook
	err   error
}

func (s *fakeSpawner) SpawnHook(_ context.Context, h model.Hook, _ tmpl.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.hooks = append(s.hooks, h)
	return "task-" + h.Name, nil
}

func TestBackgroundHooksGoToSpawner(t *testing.T) {
	skipOnWindows(t)
	tctx := testContext(t)
	spawner := &fakeSpawner{}
	e := &Executor{Spawner: spawner}

	hooks := []model.Hook{
		{Event: model.EventPostStart, Name: "server", Command: "exit 1", Mode: model.ModeBackground},
		blocking(model.EventPostStart, "sync", "touch synced"),
	}
	results, err := e.Run(context.Background(), model.EventPostStart, hooks, tctx, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "task-server", results[0].TaskID)
	assert.Len(t, spawner.hooks, 1)
	assert.FileExists(t, filepath.Join(tctx.Worktree, "synced"))

	spawner.err = errors.New("spawn failed")
	_, err = e.Run(context.Background(), model.EventPostStart, hooks[:1], tctx, nil)
	assert.NoError(t, err, "background failures never fail the caller")
}

func TestBackgroundHookWithoutSpawnerNeverFails(t *testing.T) {
	skipOnWindows(t)
	tctx := testContext(t)
	e := &Executor{}
	results, err := e.Run(context.Background(), model.EventPostStart,
		[]model.Hook{{Event: model.EventPostStart, Name: "bg", Command: "exit 7", Mode: model.ModeBackground}}, tctx, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 7, results[0].ExitCode)
}

func TestTemplateErrorFailsBeforeRunning(t *testing.T) {
	tctx := testContext(t)
	e := &Executor{}
	hooks := []model.Hook{
		blocking(model.EventPostCreate, "ok", "touch ok"),
		blocking(model.EventPostCreate, "bad", "echo {{ nope }}"),
	}
	_, err := e.Run(context.Background(), model.EventPostCreate, hooks, tctx, nil)
	assert.ErrorIs(t, err, model.ErrTemplate)
	assert.NoFileExists(t, filepath.Join(tctx.Worktree, "ok"))
}

func TestBuildEnv(t *testing.T) {
	t.Setenv("WF_TEST_ALLOWED", "yes")
	t.Setenv("WF_TEST_SECRET", "no")
	t.Setenv("WORKTREE_FLOW_BRANCH", "stale")

	env := BuildEnv([]string{"WF_TEST_ALLOWED"}, tmpl.New("repo", "/r", "b", "/w"))
	joined := strings.Join(env, "\n")
	assert.Contains(t, joined, "WF_TEST_ALLOWED=yes")
	assert.NotContains(t, joined, "WF_TEST_SECRET")
	assert.NotContains(t, joined, "stale")
	assert.Contains(t, env, "WORKTREE_FLOW_BRANCH=b")
	assert.Contains(t, env, "WORKTREE_FLOW_WORKTREE=/w")
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{limit: 4}
	_, _ = tb.Write([]byte("abc"))
	_, _ = tb.Write([]byte("defg"))
	assert.Equal(t, "defg", tb.String())
}

type fakeExecer struct {
	ref    docker.ContainerRef
	err    error
	gotReq docker.ExecRequest
	code   int
}

func (f *fakeExecer) FindWorktreeContainer(context.Context, string) (docker.ContainerRef, error) {
	return f.ref, f.err
}

func (f *fakeExecer) Exec(_ context.Context, _ string, req docker.ExecRequest, stdout, _ io.Writer) (int, error) {
	f.gotReq = req
	_, _ = io.WriteString(stdout, "from container\n")
	return f.code, nil
}

func TestContainerRunner(t *testing.T) {
	tctx := testContext(t)
	execer := &fakeExecer{ref: docker.ContainerRef{ID: "abc", Name: "dev", WorkingDir: "/workspaces/app"}, code: 2}
	connects := 0
	runner := NewContainerRunner(func(context.Context) (ContainerExecer, error) {
		connects++
		return execer, nil
	})
	e := &Executor{Runners: map[model.RunnerKind]Runner{model.RunnerContainer: runner}}

	hook := model.Hook{Event: model.EventPostStart, Name: "migrate", Command: "make migrate", Mode: model.ModeBlocking, Runner: model.RunnerContainer}
	_, err := e.Run(context.Background(), model.EventPostStart, []model.Hook{hook}, tctx, nil)
	var hf *model.HookFailedError
	require.ErrorAs(t, err, &hf)
	assert.Equal(t, 2, hf.ExitCode)
	assert.Equal(t, "from container\n", hf.Output)
	assert.Equal(t, []string{"sh", "-c", "make migrate"}, execer.gotReq.Cmd)
	assert.Equal(t, "/workspaces/app", execer.gotReq.WorkingDir)

	execer.code = 0
	_, err = e.Run(context.Background(), model.EventPostStart, []model.Hook{hook}, tctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, connects, "connection is reused")
}

// TestContainerRunnerUsesDevcontainer verifies that a worktree's
// devcontainer.json decides the exec directory, user, and extra environment
// when the container carries no working directory label.
func TestContainerRunnerUsesDevcontainer(t *testing.T) {
	tctx := testContext(t)
	require.NoError(t, os.MkdirAll(filepath.Join(tctx.Worktree, ".devcontainer"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tctx.Worktree, ".devcontainer", "devcontainer.json"), []byte(`{
		// comments are allowed
		"workspaceFolder": "/src/${localWorkspaceFolderBasename}",
		"remoteUser": "node",
		"remoteEnv": {"NODE_ENV": "development"},
	}`), 0o644))

	execer := &fakeExecer{ref: docker.ContainerRef{ID: "abc", Name: "dev"}}
	runner := NewContainerRunner(func(context.Context) (ContainerExecer, error) { return execer, nil })

	code, err := runner.Run(context.Background(), Command{
		Shell:        "npm test",
		Dir:          filepath.Join(tctx.Worktree, "web"),
		Env:          []string{"WORKTREE_FLOW_BRANCH=feature/x"},
		WorktreePath: tctx.Worktree,
		Stdout:       io.Discard,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "/src/"+filepath.Base(tctx.Worktree)+"/web", execer.gotReq.WorkingDir)
	assert.Equal(t, "node", execer.gotReq.User)
	assert.Equal(t, []string{"WORKTREE_FLOW_BRANCH=feature/x", "NODE_ENV=development"}, execer.gotReq.Env)
}

func TestContainerRunnerWithoutContainer(t *testing.T) {
	tctx := testContext(t)
	runner := NewContainerRunner(func(context.Context) (ContainerExecer, error) {
		return &fakeExecer{err: docker.ErrNoContainer}, nil
	})
	e := &Executor{Runners: map[model.RunnerKind]Runner{model.RunnerContainer: runner}}
	hook := model.Hook{Event: model.EventPostStart, Name: "x", Command: "true", Mode: model.ModeBlocking, Runner: model.RunnerContainer}
	_, err := e.Run(context.Background(), model.EventPostStart, []model.Hook{hook}, tctx, nil)
	assert.ErrorIs(t, err, model.ErrHookFailed)
	assert.ErrorIs(t, err, docker.ErrNoContainer)
}

func TestContainerRunnerDaemonDown(t *testing.T) {
	tctx := testContext(t)
	attempts := 0
	runner := NewContainerRunner(func(context.Context) (ContainerExecer, error) {
		attempts++
		return nil, docker.ErrUnavailable
	})
	cmd := Command{Shell: "true", Dir: tctx.Worktree, WorktreePath: tctx.Worktree}

	_, err := runner.Run(context.Background(), cmd)
	assert.ErrorIs(t, err, docker.ErrUnavailable)
	_, err = runner.Run(context.Background(), cmd)
	assert.ErrorIs(t, err, docker.ErrUnavailable)
	assert.Equal(t, 2, attempts, "a failed connection is not cached")
}

func TestMissingContainerRunner(t *testing.T) {
	tctx := testContext(t)
	e := &Executor{}
	hook := model.Hook{Event: model.EventPostStart, Name: "x", Command: "true", Mode: model.ModeBlocking, Runner: model.RunnerContainer}
	_, err := e.Run(context.Background(), model.EventPostStart, []model.Hook{hook}, tctx, nil)
	assert.ErrorIs(t, err, model.ErrHookFailed)
}
