package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shinji-kodama/worktree-flow/internal/model"
)

// ErrNotFastForward is returned by MergeFastForward and UpdateBranchRef when
// the target cannot move to the source without a real merge.
var ErrNotFastForward = errors.New("not a fast-forward")

// IsDirty reports uncommitted changes at path, including untracked files.
func (m *Manager) IsDirty(ctx context.Context, path string) (bool, error) {
	out, err := runGit(ctx, path, "status", "--porcelain", "--untracked-files=normal")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// StageAll stages every change at path (`git add -A`).
func (m *Manager) StageAll(ctx context.Context, path string) error {
	_, err := runGit(ctx, path, "add", "-A")
	return err
}

// HasStagedChanges reports whether the index differs from HEAD.
func (m *Manager) HasStagedChanges(ctx context.Context, path string) (bool, error) {
	_, err := runGit(ctx, path, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	var gitErr *GitError
	if errors.As(err, &gitErr) && gitErr.ExitCode == 1 {
		return true, nil
	}
	return false, err
}

// Commit records the index at path with message. The message is passed on
// stdin so multi-line bodies survive untouched. Repository commit hooks are
// skipped; worktree-flow runs its own pre-commit hooks before this point.
func (m *Manager) Commit(ctx context.Context, path, message string) (string, error) {
	if _, err := runGitOpts(ctx, path, gitOpts{stdin: strings.NewReader(message)},
		"commit", "--no-verify", "--file=-"); err != nil {
		return "", err
	}
	return m.RevParse(ctx, path, "HEAD")
}

// RevParse resolves a revision to its full commit SHA.
func (m *Manager) RevParse(ctx context.Context, path, rev string) (string, error) {
	out, err := runGit(ctx, path, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", rev, err)
	}
	return strings.TrimSpace(out), nil
}

// MergeBase returns the best common ancestor of a and b.
func (m *Manager) MergeBase(ctx context.Context, path, a, b string) (string, error) {
	out, err := runGit(ctx, path, "merge-base", a, b)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CommitsBetween lists the commits reachable from head but not from base,
// oldest first.
func (m *Manager) CommitsBetween(ctx context.Context, path, base, head string) ([]string, error) {
	out, err := runGit(ctx, path, "rev-list", "--reverse", base+".."+head)
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

// Subjects returns the subject lines of the commits in base..head, oldest
// first.
func (m *Manager) Subjects(ctx context.Context, path, base, head string) ([]string, error) {
	out, err := runGit(ctx, path, "log", "--reverse", "--format=%s", base+".."+head)
	if err != nil {
		return nil, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (m *Manager) IsAncestor(ctx context.Context, path, ancestor, descendant string) (bool, error) {
	_, err := runGit(ctx, path, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	var gitErr *GitError
	if errors.As(err, &gitErr) && gitErr.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

// SameTree reports whether revisions a and b record identical content. A
// branch squash-merged into its target, with nothing landed on the target
// since, has the target's tree without being its ancestor.
func (m *Manager) SameTree(ctx context.Context, path, a, b string) (bool, error) {
	out, err := runGit(ctx, path, "rev-parse", "--verify", "--quiet", a+"^{tree}", b+"^{tree}")
	if err != nil {
		return false, err
	}
	trees := strings.Fields(out)
	return len(trees) == 2 && trees[0] == trees[1], nil
}

// ResetSoft moves HEAD at path to rev, keeping index and working tree.
func (m *Manager) ResetSoft(ctx context.Context, path, rev string) error {
	_, err := runGit(ctx, path, "reset", "--soft", rev)
	return err
}

// Diff returns the patch between two revisions. An empty head diffs the
// index against base.
func (m *Manager) Diff(ctx context.Context, path, base, head string) (string, error) {
	args := []string{"diff", "--no-color", "--no-ext-diff"}
	if head == "" {
		args = append(args, "--cached", base)
	} else {
		args = append(args, base, head)
	}
	return runGit(ctx, path, args...)
}

// Rebase replays the branch checked out at path onto onto.
//
// On conflict the rebase is left in progress, in git's native state, and a
// *model.ConflictError is returned.
func (m *Manager) Rebase(ctx context.Context, path, onto string) error {
	_, err := runGit(ctx, path, "rebase", onto)
	if err == nil {
		return nil
	}
	if m.RebaseInProgress(ctx, path) {
		var gitErr *GitError
		output := ""
		if errors.As(err, &gitErr) {
			output = strings.TrimSpace(gitErr.Stdout + "\n" + gitErr.Stderr)
		}
		return &model.ConflictError{Stage: "rebase", Target: onto, Output: output}
	}
	return err
}

// RebaseInProgress reports whether a rebase is stopped at path.
func (m *Manager) RebaseInProgress(ctx context.Context, path string) bool {
	for _, name := range []string{"rebase-merge", "rebase-apply"} {
		out, err := runGit(ctx, path, "rev-parse", "--git-path", name)
		if err != nil {
			continue
		}
		p := strings.TrimSpace(out)
		if !filepath.IsAbs(p) {
			p = filepath.Join(path, p)
		}
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// MergeFastForward fast-forwards the branch checked out at targetPath to
// source. It returns ErrNotFastForward when histories have diverged.
func (m *Manager) MergeFastForward(ctx context.Context, targetPath, source string) error {
	_, err := runGit(ctx, targetPath, "merge", "--ff-only", "--no-edit", source)
	if err == nil {
		return nil
	}
	var gitErr *GitError
	if errors.As(err, &gitErr) && strings.Contains(strings.ToLower(gitErr.Stderr), "fast-forward") {
		return fmt.Errorf("%w: %s", ErrNotFastForward, gitErr.Stderr)
	}
	return err
}

// UpdateBranchRef moves refs/heads/<branch> from oldSHA to newSHA with a
// compare-and-swap, for targets that are not checked out anywhere.
// newSHA must descend from oldSHA.
func (m *Manager) UpdateBranchRef(ctx context.Context, repoPath, branch, newSHA, oldSHA string) error {
	ok, err := m.IsAncestor(ctx, repoPath, oldSHA, newSHA)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFastForward
	}
	_, err = runGit(ctx, repoPath, "update-ref", "-m", "worktree-flow: fast-forward", "refs/heads/"+branch, newSHA, oldSHA)
	return err
}
