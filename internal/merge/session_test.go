package merge

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/worktree-flow/internal/model"
)

func TestSessionResumable(t *testing.T) {
	tests := []struct {
		name    string
		session *Session
		want    bool
	}{
		{"nil", nil, false},
		{"running", &Session{State: StateMerging, SquashCommit: "abc"}, false},
		{"failed in staging", &Session{State: StateFailed, FailedState: StateStaging}, false},
		{"failed in pre-merge hooks", &Session{State: StateFailed, FailedState: StatePreMergeHooks, SquashCommit: "abc"}, true},
		{"failed in merging", &Session{State: StateFailed, FailedState: StateMerging, SquashCommit: "abc"}, true},
		{"failed after merge", &Session{State: StateFailed, FailedState: StatePostMergeHooks, SquashCommit: "abc"}, false},
		{"no squash commit", &Session{State: StateFailed, FailedState: StatePreMergeHooks}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.session.Resumable())
		})
	}
}

func TestSessionSquashPending(t *testing.T) {
	tests := []struct {
		name    string
		session *Session
		want    bool
	}{
		{"nil", nil, false},
		{"interrupted while squashing", &Session{State: StateSquashing, Base: "b"}, true},
		{"failed generating message", &Session{State: StateFailed, FailedState: StateGeneratingMessage, Base: "b"}, true},
		{"committed", &Session{State: StateFailed, FailedState: StateGeneratingMessage, Base: "b", SquashCommit: "c"}, false},
		{"failed in staging", &Session{State: StateFailed, FailedState: StateStaging, Base: "b"}, false},
		{"no base", &Session{State: StateGeneratingMessage}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.session.squashPending())
		})
	}
}

func TestStateOrder(t *testing.T) {
	assert.Less(t, StateStaging.order(), StateSquashing.order())
	assert.Less(t, StatePreMergeHooks.order(), StateRebasing.order())
	assert.Equal(t, -1, StateDone.order())
	assert.Equal(t, -1, StateFailed.order())
}

func TestSessionStoreRoundTrip(t *testing.T) {
	st := sessionStore{dir: t.TempDir()}

	s, err := st.load("feature/x")
	require.NoError(t, err)
	assert.Nil(t, s)

	require.NoError(t, st.save(&Session{ID: "1", Source: "feature/x", Target: "main", State: StateSquashing}))
	s, err = st.load("feature/x")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, StateSquashing, s.State)

	// "feature-x" sanitizes to the same readable prefix but is a
	// different branch.
	other, err := st.load("feature-x")
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, st.remove("feature/x"))
	require.NoError(t, st.remove("feature/x"))
}

func TestSessionStoreCorrupt(t *testing.T) {
	st := sessionStore{dir: t.TempDir()}
	require.NoError(t, os.WriteFile(st.path("b"), []byte("{"), 0o644))
	_, err := st.load("b")
	assert.Error(t, err)
}

func TestSessionLock(t *testing.T) {
	st := sessionStore{dir: t.TempDir()}
	l, err := st.lock("feature")
	require.NoError(t, err)

	_, err = st.lock("feature")
	assert.ErrorIs(t, err, model.ErrConcurrentOperation)

	other, err := st.lock("other")
	require.NoError(t, err, "different branches merge concurrently")
	require.NoError(t, other.Unlock())

	require.NoError(t, l.Unlock())
	again, err := st.lock("feature")
	require.NoError(t, err)
	require.NoError(t, again.Unlock())
}

// TestSessionFilesOfSimilarBranches verifies that branches whose names
// sanitize alike neither block each other nor overwrite each other's session.
func TestSessionFilesOfSimilarBranches(t *testing.T) {
	st := sessionStore{dir: t.TempDir()}

	held, err := st.lock("fix/x")
	require.NoError(t, err)
	defer held.Unlock()

	other, err := st.lock("fix-x")
	require.NoError(t, err, "fix-x is not fix/x")
	require.NoError(t, other.Unlock())

	require.NoError(t, st.save(&Session{ID: "slash", Source: "fix/x", State: StateFailed, FailedState: StatePreMergeHooks}))
	require.NoError(t, st.save(&Session{ID: "dash", Source: "fix-x", State: StateFailed, FailedState: StateRebasing}))
	assert.NotEqual(t, st.path("fix/x"), st.path("fix-x"))

	s, err := st.load("fix/x")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "slash", s.ID)

	s, err = st.load("fix-x")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "dash", s.ID)
}

func TestFailedError(t *testing.T) {
	err := &FailedError{SessionID: "s", State: StateRebasing, LastCompleted: StatePreMergeHooks, Err: &model.ConflictError{Stage: "rebase", Target: "main"}}
	assert.ErrorIs(t, err, model.ErrConflict)
	assert.Contains(t, err.Error(), "merge failed during rebasing")
}
