package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/store"
)

// workflowColumns is the column list for workflow queries.
const workflowColumns = `id, name, source_type, source_ref, source_content, status,
	initial_plan, plan_summary, max_parallel_tasks, auto_create_workspaces, config,
	locked_by_session_id, locked_at, created_at, updated_at`

// WorkflowRepo persists workflows and their repository associations.
type WorkflowRepo struct {
	store *store.Store
	clock ids.Clock
}

// NewWorkflowRepo creates a WorkflowRepo.
func NewWorkflowRepo(s *store.Store, clock ids.Clock) *WorkflowRepo {
	return &WorkflowRepo{store: s, clock: clock}
}

func scanWorkflow(sc scanner) (*domain.Workflow, error) {
	var w domain.Workflow
	var autoWS int
	var config *string
	err := sc.Scan(
		&w.ID, &w.Name, &w.SourceType, &w.SourceRef, &w.SourceContent, &w.Status,
		&w.InitialPlan, &w.PlanSummary, &w.MaxParallelTasks, &autoWS, &config,
		&w.LockedBySessionID, &w.LockedAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.AutoCreateWS = autoWS != 0
	w.Config = decodeMap(config)
	return &w, nil
}

// InsertIn writes a new workflow row inside an existing transaction.
func (r *WorkflowRepo) InsertIn(q DBTX, w *domain.Workflow) error {
	config, err := jsonMap(w.Config)
	if err != nil {
		return err
	}
	_, err = q.Exec(
		`INSERT INTO workflows (`+workflowColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.SourceType, w.SourceRef, w.SourceContent, w.Status,
		w.InitialPlan, w.PlanSummary, w.MaxParallelTasks, boolToInt(w.AutoCreateWS), config,
		w.LockedBySessionID, w.LockedAt, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// Get retrieves a workflow by id.
func (r *WorkflowRepo) Get(id string) (*domain.Workflow, error) {
	return r.GetIn(r.store.DB(), id)
}

// GetIn retrieves a workflow by id using the given handle.
func (r *WorkflowRepo) GetIn(q DBTX, id string) (*domain.Workflow, error) {
	row := q.QueryRow(`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	w, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("workflow", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return w, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status       domain.WorkflowStatus
	RepositoryID string
	Limit        int
	Offset       int
}

// List returns workflow summaries ordered by updated_at descending.
func (r *WorkflowRepo) List(filter ListFilter) ([]*domain.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	var args []any
	var where []string

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.RepositoryID != "" {
		where = append(where, "id IN (SELECT workflow_id FROM workflow_repositories WHERE repository_id = ?)")
		args = append(args, filter.RepositoryID)
	}
	for i, cond := range where {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY updated_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.store.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateStatusIn writes a new status. Legality is the workflow service's
// responsibility; the repository only records the change.
func (r *WorkflowRepo) UpdateStatusIn(q DBTX, id string, status domain.WorkflowStatus) error {
	res, err := q.Exec(
		`UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?`,
		status, r.clock.NowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("update workflow status: %w", err)
	}
	return requireRow(res, "workflow", id)
}

// UpdateConfigIn replaces the config blob.
func (r *WorkflowRepo) UpdateConfigIn(q DBTX, id string, config map[string]any) error {
	blob, err := jsonMap(config)
	if err != nil {
		return err
	}
	res, err := q.Exec(
		`UPDATE workflows SET config = ?, updated_at = ? WHERE id = ?`,
		blob, r.clock.NowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("update workflow config: %w", err)
	}
	return requireRow(res, "workflow", id)
}

// SetPlanSummaryIn records the admitted plan's summary.
func (r *WorkflowRepo) SetPlanSummaryIn(q DBTX, id string, summary *string) error {
	res, err := q.Exec(
		`UPDATE workflows SET plan_summary = ?, updated_at = ? WHERE id = ?`,
		summary, r.clock.NowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("set plan summary: %w", err)
	}
	return requireRow(res, "workflow", id)
}

// SetMaxParallelIn writes the parallelism limit.
func (r *WorkflowRepo) SetMaxParallelIn(q DBTX, id string, n int) error {
	res, err := q.Exec(
		`UPDATE workflows SET max_parallel_tasks = ?, updated_at = ? WHERE id = ?`,
		n, r.clock.NowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("set max parallel: %w", err)
	}
	return requireRow(res, "workflow", id)
}

// TryLockIn is an atomic compare-and-set of the lock columns. It succeeds
// when the lock is free or already held by sessionID, and reports the
// holder otherwise.
func (r *WorkflowRepo) TryLockIn(q DBTX, id, sessionID string) (acquired bool, holder string, err error) {
	res, err := q.Exec(
		`UPDATE workflows SET locked_by_session_id = ?, locked_at = ?
		 WHERE id = ? AND (locked_by_session_id IS NULL OR locked_by_session_id = ?)`,
		sessionID, r.clock.NowMillis(), id, sessionID,
	)
	if err != nil {
		return false, "", fmt.Errorf("lock workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, "", err
	}
	if n > 0 {
		return true, sessionID, nil
	}

	w, err := r.GetIn(q, id)
	if err != nil {
		return false, "", err
	}
	if w.LockedBySessionID != nil {
		return false, *w.LockedBySessionID, nil
	}
	// Holder raced away between the update and the read; caller may retry.
	return false, "", nil
}

// UnlockIn clears the lock when held by sessionID. Returns true if a lock
// was released.
func (r *WorkflowRepo) UnlockIn(q DBTX, id, sessionID string) (bool, error) {
	res, err := q.Exec(
		`UPDATE workflows SET locked_by_session_id = NULL, locked_at = NULL
		 WHERE id = ? AND locked_by_session_id = ?`,
		id, sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("unlock workflow: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseLocksHeldByIn clears every workflow lock held by the given
// sessions. Used by the stale-actor reaper.
func (r *WorkflowRepo) ReleaseLocksHeldByIn(q DBTX, sessionIDs []string) (int, error) {
	released := 0
	for _, sid := range sessionIDs {
		res, err := q.Exec(
			`UPDATE workflows SET locked_by_session_id = NULL, locked_at = NULL
			 WHERE locked_by_session_id = ?`, sid)
		if err != nil {
			return released, fmt.Errorf("release locks for session %s: %w", sid, err)
		}
		n, _ := res.RowsAffected()
		released += int(n)
	}
	return released, nil
}

// AddRepositoryIn associates a repository with the workflow.
func (r *WorkflowRepo) AddRepositoryIn(q DBTX, workflowID, repositoryID string) error {
	_, err := q.Exec(
		`INSERT OR IGNORE INTO workflow_repositories (workflow_id, repository_id, added_at)
		 VALUES (?, ?, ?)`,
		workflowID, repositoryID, r.clock.NowMillis(),
	)
	if err != nil {
		return fmt.Errorf("add workflow repository: %w", err)
	}
	return nil
}

// RepositoryIDs returns the repositories associated with a workflow.
func (r *WorkflowRepo) RepositoryIDs(workflowID string) ([]string, error) {
	rows, err := r.store.DB().Query(
		`SELECT repository_id FROM workflow_repositories WHERE workflow_id = ? ORDER BY added_at`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list workflow repositories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Delete removes a workflow; the schema cascades to tasks, dependencies,
// checkpoints, and workspaces.
func (r *WorkflowRepo) Delete(id string) error {
	res, err := r.store.DB().Exec(`DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return requireRow(res, "workflow", id)
}

// requireRow converts a zero-rows-affected result into NotFound.
func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NewNotFound(kind, id)
	}
	return nil
}
