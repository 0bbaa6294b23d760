package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/log"
)

// Git-specific errors parsed from stderr.
var (
	// ErrBranchAlreadyCheckedOut indicates the branch is checked out in another worktree.
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another worktree")

	// ErrPathAlreadyExists indicates the worktree path already exists.
	ErrPathAlreadyExists = errors.New("worktree path already exists")

	// ErrWorktreeLocked indicates the worktree is locked.
	ErrWorktreeLocked = errors.New("worktree is locked")

	// ErrNotGitRepo indicates the directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrMergeConflict indicates a rebase or merge stopped on conflicts.
	ErrMergeConflict = errors.New("merge conflict")
)

// Compile-time check that Git implements VCS.
var _ VCS = (*Git)(nil)

// Cache keys for stable repository lookups.
const (
	cacheKeyMainBranch = "main-branch"
	cacheKeyRepoRoot   = "repo-root"
	cacheKeyRemoteURL  = "remote-url"
)

// Git implements VCS by executing git and gh commands. Lookups that do
// not change during a run (main branch, repo root, remote URL) are
// cached with a TTL.
type Git struct {
	repoDir string
	lookups *gocache.Cache
}

// NewGit creates a Git executor rooted at repoDir.
func NewGit(repoDir string) *Git {
	return &Git{
		repoDir: repoDir,
		lookups: gocache.New(10*time.Minute, 30*time.Minute),
	}
}

// run executes a git command in dir (repoDir when empty) and returns
// trimmed stdout.
func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	if dir == "" {
		dir = g.repoDir
	}
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", parseGitError(msg, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// runGH executes a gh command in the workspace directory.
func (g *Git) runGH(ctx context.Context, dir string, args ...string) (string, error) {
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("gh %s: %s", strings.Join(args, " "), msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to sentinel errors.
func parseGitError(stderr string, originalErr error) error {
	lower := strings.ToLower(stderr)

	if strings.Contains(lower, "is already checked out") ||
		strings.Contains(lower, "already checked out at") {
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, stderr)
	}
	if strings.Contains(lower, "already exists") {
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	}
	if strings.Contains(lower, "is locked") {
		return fmt.Errorf("%w: %s", ErrWorktreeLocked, stderr)
	}
	if strings.Contains(lower, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	}
	if strings.Contains(lower, "conflict") {
		return fmt.Errorf("%w: %s", ErrMergeConflict, stderr)
	}
	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// CreateWorktree provisions a worktree on a new branch.
func (g *Git) CreateWorktree(ctx context.Context, path, branch, base string) error {
	args := []string{"worktree", "add", "-b", branch, path}
	if base != "" {
		args = append(args, base)
	}
	if _, err := g.run(ctx, "", args...); err != nil {
		return err
	}
	log.Info(log.CatVCS, "worktree created", "path", path, "branch", branch, "base", base)
	return nil
}

// AbandonWorktree removes a worktree, forcing if a plain remove fails.
func (g *Git) AbandonWorktree(path string) error {
	ctx := context.Background()
	if _, err := g.run(ctx, "", "worktree", "remove", path); err != nil {
		if _, err := g.run(ctx, "", "worktree", "remove", "--force", path); err != nil {
			return err
		}
	}
	_, _ = g.run(ctx, "", "worktree", "prune")
	log.Info(log.CatVCS, "worktree abandoned", "path", path)
	return nil
}

// OpenOrRefreshPR pushes the branch and opens a PR if none exists yet.
func (g *Git) OpenOrRefreshPR(ctx context.Context, ws *domain.Workspace) (string, error) {
	if _, err := g.run(ctx, ws.Path, "push", "--set-upstream", "origin", ws.Branch); err != nil {
		return "", fmt.Errorf("push branch %s: %w", ws.Branch, err)
	}

	// An existing PR for this head branch only needed the push.
	if url, err := g.runGH(ctx, ws.Path, "pr", "view", ws.Branch, "--json", "url", "--jq", ".url"); err == nil && url != "" {
		log.Info(log.CatVCS, "pr refreshed", "branch", ws.Branch, "url", url)
		return url, nil
	}

	base := g.baseBranch(ctx, ws)
	url, err := g.runGH(ctx, ws.Path, "pr", "create", "--head", ws.Branch, "--base", base, "--fill")
	if err != nil {
		return "", fmt.Errorf("create pr for %s: %w", ws.Branch, err)
	}
	log.Info(log.CatVCS, "pr opened", "branch", ws.Branch, "url", url)
	return url, nil
}

// CheckStatus reports mergeability by test-merging the base into a
// temporary index.
func (g *Git) CheckStatus(ctx context.Context, ws *domain.Workspace) (*Status, error) {
	base := g.baseBranch(ctx, ws)
	if _, err := g.run(ctx, ws.Path, "fetch", "origin", base); err != nil {
		return nil, err
	}

	out, err := g.run(ctx, ws.Path, "merge-tree", "--write-tree", "--name-only", "origin/"+base, ws.Branch)
	if err != nil {
		if errors.Is(err, ErrMergeConflict) {
			return &Status{Mergeable: false}, nil
		}
		return nil, err
	}

	// merge-tree prints the tree oid, then conflicted paths when the
	// merge is not clean.
	lines := strings.Split(out, "\n")
	if len(lines) <= 1 {
		return &Status{Mergeable: true}, nil
	}
	status := &Status{Mergeable: false}
	for _, line := range lines[1:] {
		if line = strings.TrimSpace(line); line != "" {
			status.Conflicts = append(status.Conflicts, line)
		}
	}
	return status, nil
}

// Rebase replays the workspace branch onto its base. A conflicted
// rebase is aborted and reported as ErrMergeConflict.
func (g *Git) Rebase(ctx context.Context, ws *domain.Workspace) error {
	base := g.baseBranch(ctx, ws)
	if _, err := g.run(ctx, ws.Path, "fetch", "origin", base); err != nil {
		return err
	}
	if _, err := g.run(ctx, ws.Path, "rebase", "origin/"+base); err != nil {
		_, _ = g.run(ctx, ws.Path, "rebase", "--abort")
		return err
	}
	return nil
}

// Merge merges the PR for the workspace branch and returns the merge
// commit sha.
func (g *Git) Merge(ctx context.Context, ws *domain.Workspace) (string, error) {
	if _, err := g.runGH(ctx, ws.Path, "pr", "merge", ws.Branch, "--merge", "--delete-branch=false"); err != nil {
		return "", err
	}
	base := g.baseBranch(ctx, ws)
	if _, err := g.run(ctx, ws.Path, "fetch", "origin", base); err != nil {
		return "", err
	}
	sha, err := g.run(ctx, ws.Path, "rev-parse", "origin/"+base)
	if err != nil {
		return "", err
	}
	log.Info(log.CatVCS, "branch merged", "branch", ws.Branch, "commit", sha)
	return sha, nil
}

// FileAtRef reads a file's contents at a ref inside the workspace.
func (g *Git) FileAtRef(ctx context.Context, ws *domain.Workspace, ref, path string) (string, error) {
	return g.run(ctx, ws.Path, "show", ref+":"+path)
}

// baseBranch resolves the merge target for a workspace, falling back to
// the repository's main branch.
func (g *Git) baseBranch(ctx context.Context, ws *domain.Workspace) string {
	if ws.BaseBranch != nil && *ws.BaseBranch != "" {
		return *ws.BaseBranch
	}
	return g.MainBranch(ctx)
}

// MainBranch detects the repository's main branch: config, then remote
// HEAD, then main/master existence, then "main". The result is cached.
func (g *Git) MainBranch(ctx context.Context) string {
	if v, ok := g.lookups.Get(cacheKeyMainBranch); ok {
		return v.(string)
	}

	branch := "main"
	switch {
	case g.tryLookup(ctx, &branch, "config", "init.defaultBranch"):
	case g.remoteHeadBranch(ctx, &branch):
	case g.refExists(ctx, "refs/heads/main"):
		branch = "main"
	case g.refExists(ctx, "refs/heads/master"):
		branch = "master"
	}

	g.lookups.Set(cacheKeyMainBranch, branch, gocache.DefaultExpiration)
	return branch
}

// RepoRoot returns the repository's top-level directory, cached.
func (g *Git) RepoRoot(ctx context.Context) (string, error) {
	if v, ok := g.lookups.Get(cacheKeyRepoRoot); ok {
		return v.(string), nil
	}
	root, err := g.run(ctx, "", "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	g.lookups.Set(cacheKeyRepoRoot, root, gocache.DefaultExpiration)
	return root, nil
}

// RemoteURL returns the origin URL, cached.
func (g *Git) RemoteURL(ctx context.Context) (string, error) {
	if v, ok := g.lookups.Get(cacheKeyRemoteURL); ok {
		return v.(string), nil
	}
	url, err := g.run(ctx, "", "remote", "get-url", "origin")
	if err != nil {
		return "", err
	}
	g.lookups.Set(cacheKeyRemoteURL, url, gocache.DefaultExpiration)
	return url, nil
}

func (g *Git) tryLookup(ctx context.Context, out *string, args ...string) bool {
	v, err := g.run(ctx, "", args...)
	if err != nil || v == "" {
		return false
	}
	*out = v
	return true
}

func (g *Git) remoteHeadBranch(ctx context.Context, out *string) bool {
	ref, err := g.run(ctx, "", "symbolic-ref", "refs/remotes/origin/HEAD")
	if err != nil || ref == "" {
		return false
	}
	parts := strings.Split(ref, "/")
	*out = parts[len(parts)-1]
	return true
}

func (g *Git) refExists(ctx context.Context, ref string) bool {
	_, err := g.run(ctx, "", "show-ref", "--verify", "--quiet", ref)
	return err == nil
}
