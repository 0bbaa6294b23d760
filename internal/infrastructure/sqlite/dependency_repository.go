package sqlite

import (
	"fmt"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/store"
)

// DependencyRepo persists task dependency edges.
type DependencyRepo struct {
	store *store.Store
}

// NewDependencyRepo creates a DependencyRepo.
func NewDependencyRepo(s *store.Store) *DependencyRepo {
	return &DependencyRepo{store: s}
}

// AddIn inserts an edge, ignoring duplicates.
func (r *DependencyRepo) AddIn(q DBTX, taskID, dependsOnID string, depType domain.DependencyType) error {
	_, err := q.Exec(
		`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_id, dependency_type)
		 VALUES (?, ?, ?)`,
		taskID, dependsOnID, depType,
	)
	if err != nil {
		return fmt.Errorf("add dependency: %w", err)
	}
	return nil
}

// DependenciesOf returns the edges where taskID is the dependent
// (taskID depends on the returned targets).
func (r *DependencyRepo) DependenciesOf(taskID string) ([]domain.TaskDependency, error) {
	return r.queryEdges(r.store.DB(), `SELECT task_id, depends_on_id, dependency_type
		FROM task_dependencies WHERE task_id = ?`, taskID)
}

// DependentsOf returns the edges where taskID is depended upon.
func (r *DependencyRepo) DependentsOf(taskID string) ([]domain.TaskDependency, error) {
	return r.queryEdges(r.store.DB(), `SELECT task_id, depends_on_id, dependency_type
		FROM task_dependencies WHERE depends_on_id = ?`, taskID)
}

// DependenciesOfIn is DependenciesOf over an arbitrary handle.
func (r *DependencyRepo) DependenciesOfIn(q DBTX, taskID string) ([]domain.TaskDependency, error) {
	return r.queryEdges(q, `SELECT task_id, depends_on_id, dependency_type
		FROM task_dependencies WHERE task_id = ?`, taskID)
}

// DependentsOfIn is DependentsOf over an arbitrary handle.
func (r *DependencyRepo) DependentsOfIn(q DBTX, taskID string) ([]domain.TaskDependency, error) {
	return r.queryEdges(q, `SELECT task_id, depends_on_id, dependency_type
		FROM task_dependencies WHERE depends_on_id = ?`, taskID)
}

// ListByWorkflowIn returns every edge in a workflow's graph.
func (r *DependencyRepo) ListByWorkflowIn(q DBTX, workflowID string) ([]domain.TaskDependency, error) {
	return r.queryEdges(q, `SELECT d.task_id, d.depends_on_id, d.dependency_type
		FROM task_dependencies d
		JOIN tasks t ON t.id = d.task_id
		WHERE t.workflow_id = ?`, workflowID)
}

// ListByWorkflow is ListByWorkflowIn on the shared handle.
func (r *DependencyRepo) ListByWorkflow(workflowID string) ([]domain.TaskDependency, error) {
	return r.ListByWorkflowIn(r.store.DB(), workflowID)
}

// DeleteIncidentIn removes every edge touching the task, both directions.
func (r *DependencyRepo) DeleteIncidentIn(q DBTX, taskID string) error {
	_, err := q.Exec(
		`DELETE FROM task_dependencies WHERE task_id = ? OR depends_on_id = ?`,
		taskID, taskID,
	)
	if err != nil {
		return fmt.Errorf("delete incident edges: %w", err)
	}
	return nil
}

func (r *DependencyRepo) queryEdges(q DBTX, query string, args ...any) ([]domain.TaskDependency, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.TaskDependency
	for rows.Next() {
		var d domain.TaskDependency
		if err := rows.Scan(&d.TaskID, &d.DependsOnID, &d.Type); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
