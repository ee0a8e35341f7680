package worktree

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
)

// ConfigGet reads a repository config value. The second result is false when
// the key is unset.
func (m *Manager) ConfigGet(ctx context.Context, repoPath, key string) (string, bool, error) {
	out, err := runGit(ctx, repoPath, "config", "--local", "--get", key)
	if err != nil {
		var gitErr *GitError
		if errors.As(err, &gitErr) && gitErr.ExitCode == 1 {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimRight(out, "\n"), true, nil
}

// ConfigSet writes a repository config value. Git serializes config writers
// with its own config.lock; contention is retried once by runGit.
func (m *Manager) ConfigSet(ctx context.Context, repoPath, key, value string) error {
	_, err := runGit(ctx, repoPath, "config", "--local", key, value)
	return err
}

// ConfigUnset removes a repository config value. Unsetting a missing key is
// not an error.
func (m *Manager) ConfigUnset(ctx context.Context, repoPath, key string) error {
	_, err := runGit(ctx, repoPath, "config", "--local", "--unset-all", key)
	var gitErr *GitError
	if errors.As(err, &gitErr) && gitErr.ExitCode == 5 {
		return nil
	}
	return err
}

// ConfigPath returns the path of the repository's shared config file.
func (m *Manager) ConfigPath(ctx context.Context, repoPath string) (string, error) {
	common, err := m.CommonDir(ctx, repoPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(common, "config"), nil
}
