// Package worktree is the git integration layer of worktree-flow.
//
// All version-control work is delegated to the git binary via os/exec,
// rather than reimplemented with a Git library. This approach:
//   - Uses the exact same Git behavior the user sees in their terminal
//   - Leaves conflicts and in-progress rebases in git's native state, so
//     users resolve them with the tools they already know
//   - Requires Git >= 2.17 (worktree porcelain with locked/prunable markers)
//
// Manager runs the individual git operations (worktree add/list/remove,
// staging, committing, rebasing, fast-forwarding, config). Resolver maps
// user-facing identifiers (branch names, "@", "^") onto worktrees.
package worktree
