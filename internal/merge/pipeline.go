// Package merge implements the merge pipeline: an explicit state machine
// that folds a worktree's branch into its target.
//
//	start → staging → squashing → generating-message → pre-merge-hooks →
//	rebasing → merging → post-merge-hooks → cleanup → done
//
// Any stage may end in failed. The session is persisted after every stage
// under <git-common-dir>/worktree-flow/sessions, and a per-branch lock file
// next to it keeps two pipelines from running on the same source branch.
// Completed stages are never rolled back. When a run fails after its squash
// commit was made and the branch still points at it, the next run resumes
// at the pre-merge hooks.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shinji-kodama/worktree-flow/internal/filelock"
	"github.com/shinji-kodama/worktree-flow/internal/hook"
	"github.com/shinji-kodama/worktree-flow/internal/logger"
	"github.com/shinji-kodama/worktree-flow/internal/message"
	"github.com/shinji-kodama/worktree-flow/internal/model"
	"github.com/shinji-kodama/worktree-flow/internal/task"
	"github.com/shinji-kodama/worktree-flow/internal/tmpl"
	"github.com/shinji-kodama/worktree-flow/internal/worktree"
)

// Options are the per-invocation parameters of a merge.
type Options struct {
	// Source identifies the worktree to merge. Empty means the worktree
	// containing the resolver's directory.
	Source string

	// Target is the branch to merge into. Empty means the default branch.
	Target string

	// Squash collapses the source's commits into one.
	Squash bool

	// Remove deletes the source worktree and branch after merging.
	Remove bool

	// NoVerify skips every hook.
	NoVerify bool

	// Foreground runs cleanup in this process instead of detaching it.
	Foreground bool

	// Message is used verbatim for the squash commit when set.
	Message string
}

// ManualMessageFunc asks the user for a commit message. suggestion is a
// deterministic default the user may accept.
type ManualMessageFunc func(ctx context.Context, suggestion string) (string, error)

// Pipeline holds the collaborators of the merge state machine.
type Pipeline struct {
	Git      *worktree.Manager
	Resolver *worktree.Resolver
	Hooks    *model.HookSet

	// Executor runs hooks. Its Gate and runners are set by the caller.
	Executor *hook.Executor

	Generator     message.Generator
	ManualMessage ManualMessageFunc

	Tasks *task.Manager

	// Output receives progress lines. Nil discards them.
	Output io.Writer

	now func() time.Time
}

// run is the state of one pipeline invocation.
type run struct {
	p     *Pipeline
	opts  Options
	s     *Session
	store sessionStore
	lock  *filelock.Lock
	log   *slog.Logger

	repoRoot string
	source   model.Worktree
	tctx     tmpl.Context
	resumed  bool

	// prev is the unfinished session this run replaces, if any.
	prev *Session

	staged      bool
	needsCommit bool
}

type step struct {
	state State
	fn    func(context.Context) error
}

// Run drives one merge to completion or failure. The returned session is
// non-nil whenever a session was started, including on failure; stage
// failures are reported as *FailedError.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Session, error) {
	r, err := p.start(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer r.lock.Unlock()

	from := StateStaging
	if r.resumed {
		from = StatePreMergeHooks
		r.printf("Resuming merge of %s into %s at %s\n", r.s.Source, r.s.Target, from)
	}

	for _, st := range r.steps() {
		if st.state.order() < from.order() {
			continue
		}
		r.s.State = st.state
		if err := r.save(); err != nil {
			return r.s, err
		}
		r.log.Debug("stage started", "state", st.state.String())
		if err := st.fn(ctx); err != nil {
			return r.s, r.fail(st.state, err)
		}
		r.s.LastCompleted = st.state
	}

	r.s.State = StateDone
	r.s.UpdatedAt = p.clock().UTC()
	if err := r.store.remove(r.s.Source); err != nil {
		r.log.Warn("failed to remove finished session", "error", err)
	}
	r.log.Info("merge done", "mergedHead", r.s.MergedHead, "cleanup", string(r.s.Cleanup))
	return r.s, nil
}

func (r *run) steps() []step {
	return []step{
		{StateStaging, r.staging},
		{StateSquashing, r.squashing},
		{StateGeneratingMessage, r.generatingMessage},
		{StatePreMergeHooks, r.preMergeHooks},
		{StateRebasing, r.rebasing},
		{StateMerging, r.merging},
		{StatePostMergeHooks, r.postMergeHooks},
		{StateCleanup, r.cleanup},
	}
}

func (p *Pipeline) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

// start resolves source and target, takes the merge lock and loads or
// creates the session.
func (p *Pipeline) start(ctx context.Context, opts Options) (*run, error) {
	id := opts.Source
	if id == "" {
		id = worktree.CurrentIdentifier
	}
	source, err := p.Resolver.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if source.Branch == "" {
		return nil, fmt.Errorf("%s: %w", source.Path, model.ErrDetachedHead)
	}

	target := opts.Target
	if target == "" || target == worktree.DefaultIdentifier {
		target, err = p.Git.DefaultBranch(ctx, source.Path)
		if err != nil {
			return nil, err
		}
	}
	if !p.Git.BranchExists(ctx, source.Path, target) {
		return nil, fmt.Errorf("target branch %q: %w", target, model.ErrNotFound)
	}
	if target == source.Branch {
		return nil, fmt.Errorf("%s is the target branch: %w", target, model.ErrNothingToMerge)
	}

	worktrees, err := p.Git.Worktrees(ctx, source.Path)
	if err != nil {
		return nil, err
	}
	common, err := p.Git.CommonDir(ctx, source.Path)
	if err != nil {
		return nil, err
	}

	r := &run{
		p:        p,
		opts:     opts,
		store:    sessionStore{dir: filepath.Join(common, "worktree-flow", "sessions")},
		repoRoot: worktrees[0].Path,
		source:   source,
		log:      logger.WithComponent("merge").With("source", source.Branch, "target", target),
	}
	r.tctx = tmpl.New(filepath.Base(r.repoRoot), r.repoRoot, source.Branch, source.Path).WithTarget(target)

	r.lock, err = r.store.lock(source.Branch)
	if err != nil {
		return nil, err
	}

	prev, err := r.store.load(source.Branch)
	if err != nil {
		r.log.Warn("ignoring unreadable merge session", "error", err)
		prev = nil
	}
	if r.canResume(ctx, prev, target) {
		r.s = prev
		r.s.FailedState, r.s.Reason = "", ""
		r.s.Hooks = nil
		r.s.Warnings = nil
		r.resumed = true
		r.log.Info("resuming merge session", "session", r.s.ID, "squashCommit", r.s.SquashCommit)
		return r, nil
	}

	r.prev = prev
	now := p.clock().UTC()
	r.s = &Session{
		ID:         uuid.NewString(),
		Source:     source.Branch,
		SourcePath: source.Path,
		Target:     target,
		State:      StateStart,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	r.log.Info("merge session started", "session", r.s.ID)
	return r, nil
}

// canResume reports whether prev's squash commit is still the untouched
// head of the source worktree.
func (r *run) canResume(ctx context.Context, prev *Session, target string) bool {
	if !prev.Resumable() || prev.Target != target || !worktree.SamePath(prev.SourcePath, r.source.Path) {
		return false
	}
	head, err := r.p.Git.RevParse(ctx, r.source.Path, "HEAD")
	if err != nil || head != prev.SquashCommit {
		return false
	}
	dirty, err := r.p.Git.IsDirty(ctx, r.source.Path)
	return err == nil && !dirty
}

func (r *run) save() error {
	r.s.UpdatedAt = r.p.clock().UTC()
	if err := r.store.save(r.s); err != nil {
		return fmt.Errorf("failed to save merge session: %w", err)
	}
	return nil
}

func (r *run) fail(state State, err error) error {
	r.s.State = StateFailed
	r.s.FailedState = state
	r.s.Reason = err.Error()
	if serr := r.save(); serr != nil {
		r.log.Error("failed to save failed session", "error", serr)
	}
	r.log.Warn("merge failed", "state", state.String(), "lastCompleted", r.s.LastCompleted.String(), "error", err)
	return &FailedError{
		SessionID:     r.s.ID,
		State:         state,
		LastCompleted: r.s.LastCompleted,
		Err:           err,
	}
}

func (r *run) printf(format string, args ...any) {
	if r.p.Output != nil {
		fmt.Fprintf(r.p.Output, format, args...)
	}
}

func (r *run) warnf(format string, args ...any) {
	r.s.warn(format, args...)
	r.log.Warn(fmt.Sprintf(format, args...))
	r.printf("Warning: "+format+"\n", args...)
}

func targetRef(branch string) string {
	return "refs/heads/" + branch
}

// staging runs pre-commit hooks when a commit will be made and stages all
// changes of the source worktree.
func (r *run) staging(ctx context.Context) error {
	git, path := r.p.Git, r.source.Path

	base, err := git.MergeBase(ctx, path, targetRef(r.s.Target), "HEAD")
	if err != nil {
		return err
	}
	commits, err := git.CommitsBetween(ctx, path, base, "HEAD")
	if err != nil {
		return err
	}
	subjects, err := git.Subjects(ctx, path, base, "HEAD")
	if err != nil {
		return err
	}
	if len(commits) == 0 && r.interruptedSquash(base) {
		subjects = r.prev.Subjects
		r.log.Info("reusing commit subjects of interrupted squash", "session", r.prev.ID, "subjects", len(subjects))
	}
	r.s.Base, r.s.Commits, r.s.Subjects = base, commits, subjects

	dirty, err := git.IsDirty(ctx, path)
	if err != nil {
		return err
	}
	if dirty || (r.opts.Squash && len(commits) > 1) {
		if err := r.runHooks(ctx, model.EventPreCommit, r.tctx); err != nil {
			return err
		}
		// Hooks such as formatters may have touched files.
		if dirty, err = git.IsDirty(ctx, path); err != nil {
			return err
		}
	}
	if dirty {
		if err := git.StageAll(ctx, path); err != nil {
			return err
		}
	}

	r.staged, err = git.HasStagedChanges(ctx, path)
	if err != nil {
		return err
	}
	if len(commits) == 0 && !r.staged {
		return fmt.Errorf("%s has no changes relative to %s: %w", r.s.Source, r.s.Target, model.ErrNothingToMerge)
	}
	return nil
}

// interruptedSquash reports whether the previous run of this merge reset the
// source to base and stopped before committing, so its staged changes are
// the squashed commits.
func (r *run) interruptedSquash(base string) bool {
	prev := r.prev
	return prev.squashPending() &&
		prev.Base == base &&
		prev.Target == r.s.Target &&
		worktree.SamePath(prev.SourcePath, r.source.Path)
}

// squashing folds the source commits into the index. The commit itself is
// made once the message is known.
func (r *run) squashing(ctx context.Context) error {
	n := len(r.s.Commits)
	switch {
	case r.opts.Squash && (n > 1 || (n == 1 && r.staged)):
		if err := r.p.Git.ResetSoft(ctx, r.source.Path, r.s.Base); err != nil {
			return err
		}
		r.needsCommit = true
		r.printf("Squashing %d commit(s) on %s\n", n, r.s.Source)
	case r.staged:
		r.needsCommit = true
	default:
		r.log.Debug("nothing to squash", "commits", n)
	}
	return nil
}

// generatingMessage commits the index with a generated, manual or fallback
// message. Message generation failures are warnings, never fatal.
func (r *run) generatingMessage(ctx context.Context) error {
	git, path := r.p.Git, r.source.Path
	if !r.needsCommit {
		head, err := git.RevParse(ctx, path, "HEAD")
		if err != nil {
			return err
		}
		r.s.SquashCommit = head
		return nil
	}

	msg := strings.TrimSpace(r.opts.Message)
	if msg == "" {
		msg = r.generateMessage(ctx)
	}
	sha, err := git.Commit(ctx, path, msg)
	if err != nil {
		return err
	}
	r.s.SquashCommit, r.s.Message = sha, msg
	r.printf("Committed %s: %s\n", shortSHA(sha), firstLine(msg))
	return nil
}

func (r *run) generateMessage(ctx context.Context) string {
	fallback := message.Fallback(r.s.Subjects, r.tctx)

	if r.p.Generator != nil {
		diff, err := r.p.Git.Diff(ctx, r.source.Path, "HEAD", "")
		if err != nil {
			r.warnf("could not read staged diff: %v", err)
		} else {
			r.printf("Generating commit message...\n")
			msg, err := r.p.Generator.Generate(ctx, diff, r.tctx)
			if err == nil {
				return msg
			}
			r.warnf("%v", err)
		}
	}

	if r.p.ManualMessage != nil {
		msg, err := r.p.ManualMessage(ctx, fallback)
		switch {
		case err != nil:
			r.warnf("no manual commit message: %v", err)
		case strings.TrimSpace(msg) != "":
			return strings.TrimSpace(msg)
		}
	}
	return fallback
}

func (r *run) preMergeHooks(ctx context.Context) error {
	return r.runHooks(ctx, model.EventPreMerge, r.tctx)
}

// rebasing replays the source onto the target when the target has moved
// past the merge-base.
func (r *run) rebasing(ctx context.Context) error {
	git, path := r.p.Git, r.source.Path
	targetHead, err := git.RevParse(ctx, path, targetRef(r.s.Target))
	if err != nil {
		return err
	}
	upToDate, err := git.IsAncestor(ctx, path, targetHead, "HEAD")
	if err != nil {
		return err
	}
	if upToDate {
		return nil
	}
	return r.rebase(ctx)
}

func (r *run) rebase(ctx context.Context) error {
	git, path := r.p.Git, r.source.Path
	r.printf("Rebasing %s onto %s\n", r.s.Source, r.s.Target)
	if err := git.Rebase(ctx, path, r.s.Target); err != nil {
		return err
	}
	head, err := git.RevParse(ctx, path, "HEAD")
	if err != nil {
		return err
	}
	r.s.Rebased = true
	r.s.SquashCommit = head
	return nil
}

// merging fast-forwards the target to the source. If the target moved
// again since rebasing, the rebase is retried exactly once.
func (r *run) merging(ctx context.Context) error {
	err := r.fastForward(ctx)
	if !errors.Is(err, worktree.ErrNotFastForward) {
		return err
	}
	r.log.Info("target moved during merge, rebasing again")
	if err := r.rebase(ctx); err != nil {
		return err
	}
	err = r.fastForward(ctx)
	if errors.Is(err, worktree.ErrNotFastForward) {
		return &model.ConflictError{Stage: string(StateMerging), Target: r.s.Target, Output: err.Error()}
	}
	return err
}

func (r *run) fastForward(ctx context.Context) error {
	git := r.p.Git
	head, err := git.RevParse(ctx, r.source.Path, "HEAD")
	if err != nil {
		return err
	}

	if targetPath := r.targetPath(ctx); targetPath != "" {
		if err := git.MergeFastForward(ctx, targetPath, r.s.Source); err != nil {
			return err
		}
	} else {
		old, err := git.RevParse(ctx, r.repoRoot, targetRef(r.s.Target))
		if err != nil {
			return err
		}
		if err := git.UpdateBranchRef(ctx, r.repoRoot, r.s.Target, head, old); err != nil {
			return err
		}
	}

	r.s.MergedHead = head
	r.printf("Merged %s into %s at %s\n", r.s.Source, r.s.Target, shortSHA(head))
	return nil
}

// targetPath returns the worktree with the target branch checked out, or "".
func (r *run) targetPath(ctx context.Context) string {
	worktrees, err := r.p.Git.Worktrees(ctx, r.repoRoot)
	if err != nil {
		return ""
	}
	for _, wt := range worktrees {
		if wt.Branch == r.s.Target {
			return wt.Path
		}
	}
	return ""
}

// postMergeHooks run in the target's worktree (or the main worktree).
func (r *run) postMergeHooks(ctx context.Context) error {
	tctx := r.tctx
	if p := r.targetPath(ctx); p != "" {
		tctx.Worktree = p
	} else {
		tctx.Worktree = r.repoRoot
	}
	return r.runHooks(ctx, model.EventPostMerge, tctx)
}

// cleanup removes the source worktree and branch once every source commit
// is reachable from the target. Deletion runs as a background task, which
// checks again before deleting anything.
func (r *run) cleanup(ctx context.Context) error {
	if !r.opts.Remove {
		r.s.Cleanup = CleanupDisabled
		return nil
	}
	if r.source.IsMain {
		r.warnf("%s is the main worktree and is kept", r.source.Path)
		r.s.Cleanup = CleanupDisabled
		return nil
	}

	merged, err := task.Merged(ctx, r.p.Git, r.repoRoot, r.s.Source, r.s.Target)
	if err != nil {
		return err
	}
	if !merged {
		skip := &model.CleanupSkippedError{
			Reason: fmt.Sprintf("%s has commits not reachable from %s", r.s.Source, r.s.Target),
		}
		r.s.Cleanup = CleanupSkipped
		r.warnf("%v", skip)
		return nil
	}

	t := task.Task{
		Kind:   task.KindCleanup,
		Branch: r.s.Source,
		Cleanup: &task.CleanupTask{
			WorktreePath:  r.source.Path,
			Branch:        r.s.Source,
			Target:        r.s.Target,
			RequireMerged: true,
			DeleteBranch:  true,
		},
	}

	if r.opts.Foreground {
		out := r.p.Output
		if out == nil {
			out = io.Discard
		}
		err := r.p.Tasks.Inline(ctx, t, out)
		if errors.Is(err, model.ErrCleanupSkipped) {
			r.s.Cleanup = CleanupSkipped
			r.warnf("%v", err)
			return nil
		}
		if err != nil {
			return err
		}
		r.s.Cleanup = CleanupDone
		return nil
	}

	h, err := r.p.Tasks.Spawn(ctx, t)
	if err != nil {
		return err
	}
	r.s.Cleanup = CleanupSpawned
	r.s.CleanupTaskID = h.ID
	r.printf("Removing %s in the background (task %s)\n", r.source.Path, h.ID)
	return nil
}

func (r *run) runHooks(ctx context.Context, event model.HookEvent, tctx tmpl.Context) error {
	hooks := r.p.Hooks.For(event)
	if len(hooks) == 0 {
		return nil
	}
	e := hook.Executor{}
	if r.p.Executor != nil {
		e = *r.p.Executor
	}
	e.NoVerify = e.NoVerify || r.opts.NoVerify

	results, err := e.Run(ctx, event, hooks, tctx, nil)
	r.s.Hooks = append(r.s.Hooks, results...)
	return err
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
