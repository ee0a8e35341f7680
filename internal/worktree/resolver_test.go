package worktree

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/worktree-flow/internal/model"
	"github.com/shinji-kodama/worktree-flow/internal/testutil"
)

func TestResolveAt(t *testing.T) {
	worktrees := []model.Worktree{
		{Path: "/src/repo", Branch: "main", IsMain: true},
		{Path: "/src/repo.feature-x", Branch: "other"},
		{Path: "/elsewhere/feature-x", Branch: "feature/x"},
	}

	tests := []struct {
		name     string
		expected string
		id       string
		wantPath string
		wantErr  error
	}{
		{"path wins over branch", "/src/repo.feature-x", "feature/x", "/src/repo.feature-x", nil},
		{"branch fallback", "/src/repo.nothing-here", "feature/x", "/elsewhere/feature-x", nil},
		{"main by branch", "/src/repo.main", "main", "/src/repo", nil},
		{"not found", "/src/repo.missing", "missing", "", model.ErrNotFound},
		{"no expected path", "", "other", "/src/repo.feature-x", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wt, err := ResolveAt(worktrees, tt.expected, tt.id)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, wt.Path)
		})
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	worktrees := []model.Worktree{
		{Path: "/r", Branch: "main"},
		{Path: "/r.a", Branch: "a"},
	}
	first, err := ResolveAt(worktrees, "/r.a", "a")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := ResolveAt(worktrees, "/r.a", "a")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

// TestResolvePathFirst is the path-over-branch scenario on a real repo:
// the worktree at the template path for "feature/x" has since switched to
// "other", while "feature/x" itself is checked out somewhere else.
func TestResolvePathFirst(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewRepo(t)
	m := NewManager()
	r := NewResolver(m, repo, "")

	expected, err := r.ExpectedPath(ctx, "feature/x")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(repo), "repo.feature-x"), expected)

	atTemplate := testutil.AddWorktree(t, repo, "other", expected)
	elsewhere := testutil.AddWorktree(t, repo, "feature/x", filepath.Join(filepath.Dir(repo), "elsewhere"))

	wt, err := r.Resolve(ctx, "feature/x")
	require.NoError(t, err)
	assert.Equal(t, atTemplate, wt.Path)
	assert.Equal(t, "other", wt.Branch)

	wt, err = r.Resolve(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, atTemplate, wt.Path, "branch match for other")

	// Once the template path is gone, the branch match takes over.
	testutil.Git(t, repo, "worktree", "remove", atTemplate)
	wt, err = r.Resolve(ctx, "feature/x")
	require.NoError(t, err)
	assert.Equal(t, elsewhere, wt.Path)

	_, err = r.Resolve(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestResolveSpecialIdentifiers(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewRepo(t)
	m := NewManager()
	feature := testutil.AddWorktree(t, repo, "feature", filepath.Join(filepath.Dir(repo), "repo.feature"))

	r := NewResolver(m, filepath.Join(feature), "")
	wt, err := r.Resolve(ctx, CurrentIdentifier)
	require.NoError(t, err)
	assert.Equal(t, feature, wt.Path)

	wt, err = r.Resolve(ctx, DefaultIdentifier)
	require.NoError(t, err)
	assert.Equal(t, repo, wt.Path)
	assert.True(t, wt.IsMain)
}

func TestResolveCustomTemplate(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewRepo(t)
	m := NewManager()
	r := NewResolver(m, repo, "{{ repo_root }}/.worktrees/{{ branch }}")

	expected, err := r.ExpectedPath(ctx, "fix/bug")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo, ".worktrees", "fix-bug"), expected)

	bad := NewResolver(m, repo, "{{ nope }}")
	_, err = bad.Resolve(ctx, "x")
	assert.ErrorIs(t, err, model.ErrTemplate)
}

func TestSamePath(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, SamePath(dir, filepath.Join(dir, "sub", "..")))
	assert.False(t, SamePath(dir, filepath.Join(dir, "sub")))
	assert.False(t, SamePath("", dir))
}
