package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/store"
)

const workspaceColumns = `id, workflow_id, repository_id, path, branch, base_branch,
	status, merge_commit, pr_url, config, created_at, updated_at`

// WorkspaceRepo persists on-disk worktree records.
type WorkspaceRepo struct {
	store *store.Store
	clock ids.Clock
}

// NewWorkspaceRepo creates a WorkspaceRepo.
func NewWorkspaceRepo(s *store.Store, clock ids.Clock) *WorkspaceRepo {
	return &WorkspaceRepo{store: s, clock: clock}
}

func scanWorkspace(sc scanner) (*domain.Workspace, error) {
	var w domain.Workspace
	var config *string
	err := sc.Scan(
		&w.ID, &w.WorkflowID, &w.RepositoryID, &w.Path, &w.Branch, &w.BaseBranch,
		&w.Status, &w.MergeCommit, &w.PRURL, &config, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Config = decodeMap(config)
	return &w, nil
}

// Create inserts a new active workspace.
func (r *WorkspaceRepo) Create(ws *domain.Workspace) error {
	return r.CreateIn(r.store.DB(), ws)
}

// CreateIn inserts a workspace over an arbitrary handle.
func (r *WorkspaceRepo) CreateIn(q DBTX, ws *domain.Workspace) error {
	if ws.ID == "" {
		ws.ID = ids.New(ids.PrefixWorkspace)
	}
	if ws.Status == "" {
		ws.Status = domain.WorkspaceActive
	}
	now := r.clock.NowMillis()
	ws.CreatedAt, ws.UpdatedAt = now, now

	config, err := jsonMap(ws.Config)
	if err != nil {
		return err
	}
	_, err = q.Exec(
		`INSERT INTO workspaces (`+workspaceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ws.ID, ws.WorkflowID, ws.RepositoryID, ws.Path, ws.Branch, ws.BaseBranch,
		ws.Status, ws.MergeCommit, ws.PRURL, config, ws.CreatedAt, ws.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

// Get retrieves a workspace by id.
func (r *WorkspaceRepo) Get(id string) (*domain.Workspace, error) {
	row := r.store.DB().QueryRow(`SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?`, id)
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("workspace", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return ws, nil
}

// ListByWorkflow returns a workflow's workspaces, newest first.
func (r *WorkspaceRepo) ListByWorkflow(workflowID string) ([]*domain.Workspace, error) {
	rows, err := r.store.DB().Query(
		`SELECT `+workspaceColumns+` FROM workspaces WHERE workflow_id = ? ORDER BY created_at DESC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// UpdateStatus transitions a workspace, optionally recording the merge
// commit and PR URL produced by the cycle.
func (r *WorkspaceRepo) UpdateStatus(id string, status domain.WorkspaceStatus, mergeCommit, prURL *string) error {
	query := `UPDATE workspaces SET status = ?, updated_at = ?`
	args := []any{status, r.clock.NowMillis()}
	if mergeCommit != nil {
		query += `, merge_commit = ?`
		args = append(args, *mergeCommit)
	}
	if prURL != nil {
		query += `, pr_url = ?`
		args = append(args, *prURL)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := r.store.DB().Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update workspace: %w", err)
	}
	return requireRow(res, "workspace", id)
}
