// Package devcontainer reads the parts of a worktree's devcontainer.json
// that decide how container hooks run: the workspace folder the worktree is
// mounted at, the user to run as, and the extra environment.
//
// devcontainer.json is JSONC (JSON with Comments), so files are passed
// through github.com/tidwall/jsonc before encoding/json parses them.
package devcontainer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/shinji-kodama/worktree-flow/internal/model"
)

// workspaceRoot is where Dev Container tooling mounts a folder when
// workspaceFolder is not set.
const workspaceRoot = "/workspaces"

// Config is the subset of devcontainer.json used for hook execution.
// Unknown fields are ignored.
type Config struct {
	Name string `json:"name"`

	// WorkspaceFolder is the path inside the container where the worktree
	// is mounted. It may reference ${localWorkspaceFolderBasename}.
	WorkspaceFolder string `json:"workspaceFolder,omitempty"`

	// RemoteUser takes precedence over ContainerUser for commands run by
	// tooling, matching how Dev Container clients pick the exec user.
	RemoteUser    string `json:"remoteUser,omitempty"`
	ContainerUser string `json:"containerUser,omitempty"`

	ContainerEnv map[string]string `json:"containerEnv,omitempty"`
	RemoteEnv    map[string]string `json:"remoteEnv,omitempty"`
}

// Find returns the devcontainer.json of the project at projectPath,
// checking .devcontainer/devcontainer.json before .devcontainer.json.
// It wraps model.ErrNotFound when neither exists.
func Find(projectPath string) (string, error) {
	candidates := []string{
		filepath.Join(projectPath, ".devcontainer", "devcontainer.json"),
		filepath.Join(projectPath, ".devcontainer.json"),
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("devcontainer.json in %s: %w", projectPath, model.ErrNotFound)
}

// Load reads and parses the devcontainer.json at p.
func Load(p string) (*Config, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read devcontainer.json: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("invalid devcontainer.json at %s", p), err)
	}
	return &cfg, nil
}

// LoadForWorktree loads the devcontainer.json checked out in worktreePath.
// A worktree without one yields (nil, nil).
func LoadForWorktree(worktreePath string) (*Config, error) {
	p, err := Find(worktreePath)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return Load(p)
}

// Workspace returns the container path the worktree at worktreePath is
// mounted at.
func (c *Config) Workspace(worktreePath string) string {
	base := filepath.Base(filepath.Clean(worktreePath))
	if c == nil || c.WorkspaceFolder == "" {
		return path.Join(workspaceRoot, base)
	}
	return strings.ReplaceAll(c.WorkspaceFolder, "${localWorkspaceFolderBasename}", base)
}

// User returns the user container commands should run as, or "" for the
// container default.
func (c *Config) User() string {
	if c == nil {
		return ""
	}
	if c.RemoteUser != "" {
		return c.RemoteUser
	}
	return c.ContainerUser
}

// Env returns remoteEnv as sorted KEY=VALUE pairs. Values referencing
// ${containerEnv:...} are left to the container shell.
func (c *Config) Env() []string {
	if c == nil || len(c.RemoteEnv) == 0 {
		return nil
	}
	env := make([]string, 0, len(c.RemoteEnv))
	for k, v := range c.RemoteEnv {
		env = append(env, k+"="+v)
	}
	slices.Sort(env)
	return env
}

// ContainerPath maps hostDir, a directory inside the worktree at
// worktreePath, to the matching directory under workspace. Directories
// outside the worktree map to workspace itself.
func ContainerPath(hostDir, worktreePath, workspace string) string {
	rel, err := filepath.Rel(filepath.Clean(worktreePath), filepath.Clean(hostDir))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return workspace
	}
	return path.Join(workspace, filepath.ToSlash(rel))
}
