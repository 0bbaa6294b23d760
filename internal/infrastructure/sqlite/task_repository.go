package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/store"
)

// taskColumns is the column list for task queries.
const taskColumns = `id, workflow_id, name, description, status, sequence, parallel_group,
	plan, plan_summary, context, context_from, outcome, outcome_detail,
	workspace_id, repository_id, assigned_agent_id, claimed_at, created_at, updated_at`

// TaskRepo persists tasks.
type TaskRepo struct {
	store *store.Store
	clock ids.Clock
}

// NewTaskRepo creates a TaskRepo.
func NewTaskRepo(s *store.Store, clock ids.Clock) *TaskRepo {
	return &TaskRepo{store: s, clock: clock}
}

func scanTask(sc scanner) (*domain.Task, error) {
	var t domain.Task
	var context, contextFrom *string
	err := sc.Scan(
		&t.ID, &t.WorkflowID, &t.Name, &t.Description, &t.Status, &t.Sequence, &t.ParallelGroup,
		&t.Plan, &t.PlanSummary, &context, &contextFrom, &t.Outcome, &t.OutcomeDetail,
		&t.WorkspaceID, &t.RepositoryID, &t.AssignedAgentID, &t.ClaimedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Context = decodeMap(context)
	t.ContextFrom = decodeList(contextFrom)
	return &t, nil
}

// InsertIn writes a new task row inside an existing transaction.
func (r *TaskRepo) InsertIn(q DBTX, t *domain.Task) error {
	context, err := jsonMap(t.Context)
	if err != nil {
		return err
	}
	contextFrom, err := jsonList(t.ContextFrom)
	if err != nil {
		return err
	}
	_, err = q.Exec(
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkflowID, t.Name, t.Description, t.Status, t.Sequence, t.ParallelGroup,
		t.Plan, t.PlanSummary, context, contextFrom, t.Outcome, t.OutcomeDetail,
		t.WorkspaceID, t.RepositoryID, t.AssignedAgentID, t.ClaimedAt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get retrieves a task by id.
func (r *TaskRepo) Get(id string) (*domain.Task, error) {
	return r.GetIn(r.store.DB(), id)
}

// GetIn retrieves a task by id using the given handle.
func (r *TaskRepo) GetIn(q DBTX, id string) (*domain.Task, error) {
	row := q.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListByWorkflow returns all tasks of a workflow ordered by sequence.
func (r *TaskRepo) ListByWorkflow(workflowID string) ([]*domain.Task, error) {
	return r.ListByWorkflowIn(r.store.DB(), workflowID)
}

// ListByWorkflowIn is ListByWorkflow over an arbitrary handle.
func (r *TaskRepo) ListByWorkflowIn(q DBTX, workflowID string) ([]*domain.Task, error) {
	rows, err := q.Query(
		`SELECT `+taskColumns+` FROM tasks WHERE workflow_id = ? ORDER BY sequence`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteByWorkflowIn removes every task of a workflow. Dependencies and
// checkpoints cascade.
func (r *TaskRepo) DeleteByWorkflowIn(q DBTX, workflowID string) error {
	_, err := q.Exec(`DELETE FROM tasks WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return fmt.Errorf("delete workflow tasks: %w", err)
	}
	return nil
}

// DeleteIn removes a single task.
func (r *TaskRepo) DeleteIn(q DBTX, id string) error {
	res, err := q.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return requireRow(res, "task", id)
}

// UpdateStatusIn writes status together with outcome fields. Nil
// pointers leave the outcome columns untouched; clearing them is
// ReplanIn's job.
func (r *TaskRepo) UpdateStatusIn(q DBTX, id string, status domain.TaskStatus, outcome, outcomeDetail *string) error {
	query := `UPDATE tasks SET status = ?, updated_at = ?`
	args := []any{status, r.clock.NowMillis()}
	if outcome != nil {
		query += `, outcome = ?`
		args = append(args, *outcome)
	}
	if outcomeDetail != nil {
		query += `, outcome_detail = ?`
		args = append(args, *outcomeDetail)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := q.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return requireRow(res, "task", id)
}

// SetPlanIn writes the task plan and a merged context blob.
func (r *TaskRepo) SetPlanIn(q DBTX, id string, plan *string, context map[string]any) error {
	blob, err := jsonMap(context)
	if err != nil {
		return err
	}
	res, err := q.Exec(
		`UPDATE tasks SET plan = ?, context = ?, updated_at = ? WHERE id = ?`,
		plan, blob, r.clock.NowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("set task plan: %w", err)
	}
	return requireRow(res, "task", id)
}

// ReplanIn atomically writes a new plan, clears the outcome columns, and
// resets status to pending.
func (r *TaskRepo) ReplanIn(q DBTX, id string, plan string) error {
	res, err := q.Exec(
		`UPDATE tasks SET plan = ?, outcome = NULL, outcome_detail = NULL,
		 status = ?, updated_at = ? WHERE id = ?`,
		plan, domain.TaskPending, r.clock.NowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("replan task: %w", err)
	}
	return requireRow(res, "task", id)
}

// ClaimIn is the atomic compare-and-set that assigns a task to an agent.
// It succeeds only when the task is currently unclaimed; the idempotent
// re-claim case is handled by the task service.
func (r *TaskRepo) ClaimIn(q DBTX, id, agentID string) (bool, error) {
	res, err := q.Exec(
		`UPDATE tasks SET assigned_agent_id = ?, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND assigned_agent_id IS NULL`,
		agentID, r.clock.NowMillis(), r.clock.NowMillis(), id,
	)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseIn clears the claim when held by agentID.
func (r *TaskRepo) ReleaseIn(q DBTX, id, agentID string) (bool, error) {
	res, err := q.Exec(
		`UPDATE tasks SET assigned_agent_id = NULL, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND assigned_agent_id = ?`,
		r.clock.NowMillis(), id, agentID,
	)
	if err != nil {
		return false, fmt.Errorf("release task: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseClaimsOfIn clears claims held by an agent on non-terminal tasks
// and resets in-flight tasks to pending. Used by the stale-actor reaper.
func (r *TaskRepo) ReleaseClaimsOfIn(q DBTX, agentID string) (int, error) {
	now := r.clock.NowMillis()
	res, err := q.Exec(
		`UPDATE tasks SET assigned_agent_id = NULL, claimed_at = NULL,
		 status = CASE WHEN status IN (?, ?) THEN ? ELSE status END,
		 updated_at = ?
		 WHERE assigned_agent_id = ? AND status NOT IN (?, ?)`,
		domain.TaskPlanning, domain.TaskInProgress, domain.TaskPending,
		now, agentID, domain.TaskCompleted, domain.TaskSkipped,
	)
	if err != nil {
		return 0, fmt.Errorf("release claims of agent %s: %w", agentID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// MaxSequenceIn returns the highest task sequence in a workflow, or 0.
func (r *TaskRepo) MaxSequenceIn(q DBTX, workflowID string) (int, error) {
	var max int
	err := q.QueryRow(
		`SELECT COALESCE(MAX(sequence), 0) FROM tasks WHERE workflow_id = ?`,
		workflowID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max task sequence: %w", err)
	}
	return max, nil
}

// CloseSequenceGapIn shifts every task after the removed sequence down by
// one, keeping sequences dense. Rows are updated in ascending order so
// the UNIQUE (workflow_id, sequence) constraint never trips.
func (r *TaskRepo) CloseSequenceGapIn(q DBTX, workflowID string, removedSeq int) error {
	rows, err := q.Query(
		`SELECT id, sequence FROM tasks WHERE workflow_id = ? AND sequence > ? ORDER BY sequence`,
		workflowID, removedSeq,
	)
	if err != nil {
		return fmt.Errorf("resequence tasks: %w", err)
	}
	type pair struct {
		id  string
		seq int
	}
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.id, &p.seq); err != nil {
			_ = rows.Close()
			return err
		}
		pairs = append(pairs, p)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range pairs {
		if _, err := q.Exec(
			`UPDATE tasks SET sequence = ?, updated_at = ? WHERE id = ?`,
			p.seq-1, r.clock.NowMillis(), p.id,
		); err != nil {
			return fmt.Errorf("resequence task %s: %w", p.id, err)
		}
	}
	return nil
}

// SetWorkspaceIn links a task to its provisioned workspace.
func (r *TaskRepo) SetWorkspaceIn(q DBTX, id, workspaceID string) error {
	res, err := q.Exec(
		`UPDATE tasks SET workspace_id = ?, updated_at = ? WHERE id = ?`,
		workspaceID, r.clock.NowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("set task workspace: %w", err)
	}
	return requireRow(res, "task", id)
}

// availableCondition selects returnable tasks: pending (or failed when
// includeFailed), unclaimed, with no unsatisfied blocking dependency.
const availableCondition = `
	AND assigned_agent_id IS NULL
	AND NOT EXISTS (
		SELECT 1 FROM task_dependencies d
		JOIN tasks dep ON dep.id = d.depends_on_id
		WHERE d.task_id = tasks.id
		  AND d.dependency_type = 'blocks'
		  AND dep.status NOT IN ('completed', 'skipped')
	)`

// ListAvailable returns unclaimed, unblocked tasks ordered by
// (workflow_id, sequence).
func (r *TaskRepo) ListAvailable(workflowID string, includeFailed bool, limit int) ([]*domain.Task, error) {
	statuses := []any{string(domain.TaskPending)}
	placeholder := "?"
	if includeFailed {
		statuses = append(statuses, string(domain.TaskFailed))
		placeholder = "?, ?"
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN (` + placeholder + `)` + availableCondition
	args := statuses
	if workflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY workflow_id, sequence, name`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.store.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list available tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// IsBlocked reports whether any blocking dependency of the task is not
// yet completed or skipped.
func (r *TaskRepo) IsBlocked(id string) (bool, error) {
	return r.IsBlockedIn(r.store.DB(), id)
}

// IsBlockedIn is IsBlocked over an arbitrary handle.
func (r *TaskRepo) IsBlockedIn(q DBTX, id string) (bool, error) {
	var n int
	err := q.QueryRow(
		`SELECT COUNT(*) FROM task_dependencies d
		 JOIN tasks dep ON dep.id = d.depends_on_id
		 WHERE d.task_id = ? AND d.dependency_type = 'blocks'
		   AND dep.status NOT IN ('completed', 'skipped')`,
		id,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check blocked: %w", err)
	}
	return n > 0, nil
}
