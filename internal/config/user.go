// Package config loads worktree-flow configuration.
//
// Two files are involved:
//   - The user config (JSONC) at $XDG_CONFIG_HOME/worktree-flow/config.jsonc
//     holds personal settings: the worktree path template, the commit message
//     generator command, timeouts and the hook environment allow-list.
//   - The project config (YAML) at <repo>/.config/worktree-flow.yaml is
//     checked into the repository and declares lifecycle hooks. Project hooks
//     are untrusted until approved, see package approval.
//
// Both loaders treat a missing file as "use defaults" and return a CLIError
// with ExitConfigError for files that exist but cannot be parsed.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/shinji-kodama/worktree-flow/internal/model"
	"github.com/shinji-kodama/worktree-flow/internal/worktree"
)

// Defaults applied when the user config leaves a setting out.
const (
	DefaultWorktreePath   = worktree.DefaultPathTemplate
	DefaultHookTimeout    = 10 * time.Minute
	DefaultMessageTimeout = 2 * time.Minute
)

// DefaultEnvAllowlist lists the parent environment variables passed through
// to hook processes. Everything else is dropped; WORKTREE_FLOW_* variables
// are always added.
var DefaultEnvAllowlist = []string{
	"PATH", "HOME", "USER", "LOGNAME", "SHELL", "LANG", "LC_ALL", "LC_CTYPE",
	"TERM", "TMPDIR", "TZ", "SSH_AUTH_SOCK", "GOPATH", "GOCACHE", "GOMODCACHE",
	"SYSTEMROOT", "COMSPEC", "PATHEXT", "TEMP", "TMP", "USERPROFILE", "APPDATA", "LOCALAPPDATA",
	"DOCKER_HOST",
}

// UserConfig is the parsed user configuration file.
//
// Durations are written as Go duration strings ("90s", "10m") so the file
// stays readable; an empty string means the default.
type UserConfig struct {
	// WorktreePath is the path template for new worktrees. Relative results
	// are taken relative to the main worktree.
	WorktreePath string `json:"worktreePath,omitempty"`

	// CommitGeneration configures the external commit message generator.
	CommitGeneration CommitGeneration `json:"commitGeneration"`

	// HookTimeout bounds each blocking hook.
	HookTimeout string `json:"hookTimeout,omitempty"`

	// EnvAllowlist replaces DefaultEnvAllowlist when set.
	EnvAllowlist []string `json:"envAllowlist,omitempty"`

	// ApprovalsFile overrides the location of the approval store.
	ApprovalsFile string `json:"approvalsFile,omitempty"`

	// PersistForcedApprovals makes --force record its approvals.
	PersistForcedApprovals bool `json:"persistForcedApprovals,omitempty"`

	// Merge holds defaults for the merge command.
	Merge MergeDefaults `json:"merge"`
}

// CommitGeneration describes the command that turns a diff into a message.
// The rendered prompt is written to the command's stdin.
type CommitGeneration struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`

	// Prompt overrides the built-in prompt template.
	Prompt string `json:"prompt,omitempty"`

	Timeout string `json:"timeout,omitempty"`
}

// MergeDefaults are the user's defaults for `worktree-flow merge`.
type MergeDefaults struct {
	// Squash collapses the branch into one commit. Defaults to true.
	Squash *bool `json:"squash,omitempty"`

	// Remove deletes the worktree and branch after a merge. Defaults to true.
	Remove *bool `json:"remove,omitempty"`
}

// DefaultUserConfigPath returns $XDG_CONFIG_HOME/worktree-flow/config.jsonc,
// falling back to the OS user config directory.
func DefaultUserConfigPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		var err error
		dir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("failed to determine config directory: %w", err)
		}
	}
	return filepath.Join(dir, "worktree-flow", "config.jsonc"), nil
}

// DefaultApprovalsPath returns the approval store location next to the user
// config file.
func DefaultApprovalsPath() (string, error) {
	cfgPath, err := DefaultUserConfigPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(cfgPath), "approvals.json"), nil
}

// LoadUser reads the user config, stripping JSONC comments and trailing
// commas before parsing with encoding/json. A missing file yields defaults.
func LoadUser(path string) (*UserConfig, error) {
	cfg := &UserConfig{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read user config: %w", err)
	}

	if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to parse user config at %s", path), err)
	}
	if err := cfg.validate(); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("invalid user config at %s", path), err)
	}
	return cfg, nil
}

func (c *UserConfig) validate() error {
	if _, err := parseDuration(c.HookTimeout, DefaultHookTimeout); err != nil {
		return fmt.Errorf("hookTimeout: %w", err)
	}
	if _, err := parseDuration(c.CommitGeneration.Timeout, DefaultMessageTimeout); err != nil {
		return fmt.Errorf("commitGeneration.timeout: %w", err)
	}
	return nil
}

// PathTemplate returns the configured worktree path template or the default.
func (c *UserConfig) PathTemplate() string {
	if c.WorktreePath == "" {
		return DefaultWorktreePath
	}
	return c.WorktreePath
}

// HookTimeoutDuration returns the per-hook timeout.
func (c *UserConfig) HookTimeoutDuration() time.Duration {
	d, _ := parseDuration(c.HookTimeout, DefaultHookTimeout)
	return d
}

// MessageTimeout returns the commit message generator timeout.
func (c *UserConfig) MessageTimeout() time.Duration {
	d, _ := parseDuration(c.CommitGeneration.Timeout, DefaultMessageTimeout)
	return d
}

// Allowlist returns the hook environment allow-list.
func (c *UserConfig) Allowlist() []string {
	if len(c.EnvAllowlist) == 0 {
		return DefaultEnvAllowlist
	}
	return c.EnvAllowlist
}

// SquashByDefault reports whether merge squashes unless told otherwise.
func (c *UserConfig) SquashByDefault() bool {
	return c.Merge.Squash == nil || *c.Merge.Squash
}

// RemoveByDefault reports whether merge removes the worktree afterwards.
func (c *UserConfig) RemoveByDefault() bool {
	return c.Merge.Remove == nil || *c.Merge.Remove
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", s)
	}
	return d, nil
}
