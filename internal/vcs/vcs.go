// Package vcs is the version-control collaborator boundary. The core
// only records lifecycle transitions; worktree creation, PR management,
// rebase, and merge are delegated through the VCS interface. The Git
// implementation shells out to git and gh.
package vcs

import (
	"context"

	"github.com/cawdev/caw/internal/domain"
)

// Status reports a workspace branch's mergeability.
type Status struct {
	Mergeable bool
	Conflicts []string // paths with conflicts when not mergeable
}

// VCS is the capability the runner pool and the PR cycle consume.
type VCS interface {
	// CreateWorktree provisions an isolated worktree at path on a new
	// branch cut from base. An empty base uses the repository's HEAD.
	CreateWorktree(ctx context.Context, path, branch, base string) error

	// AbandonWorktree removes the worktree at path.
	AbandonWorktree(path string) error

	// OpenOrRefreshPR opens a pull request for the workspace branch, or
	// pushes the branch to refresh an existing one. Returns the PR URL.
	OpenOrRefreshPR(ctx context.Context, ws *domain.Workspace) (string, error)

	// CheckStatus reports whether the workspace branch merges cleanly
	// into its base.
	CheckStatus(ctx context.Context, ws *domain.Workspace) (*Status, error)

	// Rebase replays the workspace branch onto its base.
	Rebase(ctx context.Context, ws *domain.Workspace) error

	// Merge merges the workspace branch and returns the merge commit.
	Merge(ctx context.Context, ws *domain.Workspace) (string, error)
}
