// Package testutil holds git fixtures shared by package tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// NewRepo creates a temporary directory with an initialized Git repository
// on branch "main" containing a single commit. Most worktree commands need
// at least one commit, because a worktree needs a branch and a branch needs
// a commit to point to.
//
// User identity is configured at the repo level so `git commit` works in
// environments without a global Git configuration (e.g., CI). The returned
// path has symlinks resolved, matching what git reports (macOS maps /var to
// /private/var).
func NewRepo(t *testing.T) string {
	t.Helper()

	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	dir = filepath.Join(dir, "repo")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	Git(t, dir, "init", "--initial-branch=main")
	Git(t, dir, "config", "user.email", "test@example.com")
	Git(t, dir, "config", "user.name", "Test User")
	Git(t, dir, "config", "commit.gpgsign", "false")

	Commit(t, dir, "README.md", "# Test Repo\n", "initial commit")
	return dir
}

// Git runs a git command in dir and fails the test immediately if it exits
// with a non-zero status. It returns trimmed combined output.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v failed: %s", args, string(output))
	return strings.TrimSpace(string(output))
}

// WriteFile writes content to name below dir, creating parent directories.
func WriteFile(t *testing.T, dir, name, content string) {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// Commit writes a file, commits it and returns the new HEAD SHA.
func Commit(t *testing.T, dir, name, content, message string) string {
	t.Helper()

	WriteFile(t, dir, name, content)
	Git(t, dir, "add", name)
	Git(t, dir, "commit", "-m", message)
	return Git(t, dir, "rev-parse", "HEAD")
}

// AddWorktree creates a worktree for a new branch at path.
func AddWorktree(t *testing.T, repo, branch, path string) string {
	t.Helper()

	Git(t, repo, "worktree", "add", "-b", branch, path)
	resolved, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)
	return resolved
}
