package docker

import (
	"path/filepath"
)

// Label keys used to associate containers with worktrees.
//
// All worktree-flow keys share the "worktree." prefix to avoid collisions
// with labels set by other tools (Docker Compose, VS Code, etc.).
const (
	// LabelPrefix is the common prefix for all worktree-flow labels.
	LabelPrefix = "worktree."

	// LabelManagedBy marks containers started for worktree-flow hooks.
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelBranch stores the branch checked out in the worktree.
	LabelBranch = LabelPrefix + "branch"

	// LabelWorktreePath stores the absolute path of the worktree the
	// container serves. This is the primary lookup key.
	LabelWorktreePath = LabelPrefix + "worktree-path"

	// LabelDevcontainerFolder is set by Dev Container tooling to the host
	// folder a container was opened from.
	LabelDevcontainerFolder = "devcontainer.local_folder"
)

// ManagedByValue is the value of LabelManagedBy.
const ManagedByValue = "worktree-flow"

// BuildLabels returns the labels a container should carry to be picked up
// by `runner: container` hooks of the worktree at worktreePath. Users add
// them to their compose file or `docker run --label` invocation.
func BuildLabels(worktreePath, branch string) map[string]string {
	labels := map[string]string{
		LabelManagedBy:    ManagedByValue,
		LabelWorktreePath: filepath.Clean(worktreePath),
	}
	if branch != "" {
		labels[LabelBranch] = branch
	}
	return labels
}

// lookupLabels returns the label selectors tried, in order, when locating the
// container of a worktree.
func lookupLabels(worktreePath string) []string {
	p := filepath.Clean(worktreePath)
	return []string{
		LabelWorktreePath + "=" + p,
		LabelDevcontainerFolder + "=" + p,
	}
}
