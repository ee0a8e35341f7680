package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
)

// ErrNoContainer means no running container is labelled for the worktree.
var ErrNoContainer = errors.New("no running container for worktree")

// ContainerRef identifies a container found for a worktree.
type ContainerRef struct {
	ID   string
	Name string

	// WorkingDir is the workspace folder inside the container, taken from
	// the "worktree.workdir" label when present.
	WorkingDir string
}

// LabelWorkdir optionally names the worktree's mount point in the container.
const LabelWorkdir = LabelPrefix + "workdir"

// FindWorktreeContainer returns the running container serving worktreePath.
//
// Label selectors are tried in order (worktree-flow label first, then the
// Dev Container label) and filtering happens server-side. When several
// containers match one selector (compose projects), the first one reported
// by the daemon is used.
func (c *Client) FindWorktreeContainer(ctx context.Context, worktreePath string) (ContainerRef, error) {
	for _, selector := range lookupLabels(worktreePath) {
		containers, err := c.inner.ContainerList(ctx, container.ListOptions{
			Filters: filters.NewArgs(
				filters.Arg("label", selector),
				filters.Arg("status", "running"),
			),
		})
		if err != nil {
			return ContainerRef{}, fmt.Errorf("failed to list containers: %w", err)
		}
		for _, ctr := range containers {
			name := ""
			if len(ctr.Names) > 0 {
				// The API reports names with a leading "/".
				name = strings.TrimPrefix(ctr.Names[0], "/")
			}
			return ContainerRef{ID: ctr.ID, Name: name, WorkingDir: ctr.Labels[LabelWorkdir]}, nil
		}
	}
	return ContainerRef{}, fmt.Errorf("%w: %s", ErrNoContainer, worktreePath)
}
