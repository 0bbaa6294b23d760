// Package workflow implements workflow-level operations: creation, plan
// admission, status transitions, task graph edits, and config patching.
// Plan admission is the only place the task graph is built wholesale; it
// validates names and rejects dependency cycles before any row is
// written, and commits the whole graph in one transaction.
package workflow

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/infrastructure/sqlite"
	"github.com/cawdev/caw/internal/log"
	"github.com/cawdev/caw/internal/store"
)

// Service owns workflow mutations. All multi-row writes run inside
// store.Tx so readers never observe a half-applied plan.
type Service struct {
	store     *store.Store
	clock     ids.Clock
	workflows *sqlite.WorkflowRepo
	tasks     *sqlite.TaskRepo
	deps      *sqlite.DependencyRepo
	repos     *sqlite.RepositoryRepo

	// Resizer, when set, is notified after SetParallelism so a live
	// runner pool can adjust its slot count.
	Resizer PoolResizer
}

// PoolResizer is implemented by the runner pool registry.
type PoolResizer interface {
	Resize(workflowID string, maxParallel int)
}

// NewService creates a workflow Service.
func NewService(s *store.Store, clock ids.Clock) *Service {
	return &Service{
		store:     s,
		clock:     clock,
		workflows: sqlite.NewWorkflowRepo(s, clock),
		tasks:     sqlite.NewTaskRepo(s, clock),
		deps:      sqlite.NewDependencyRepo(s),
		repos:     sqlite.NewRepositoryRepo(s, clock),
	}
}

// CreateParams are the inputs for Create.
type CreateParams struct {
	Name             string
	SourceType       domain.SourceType
	SourceRef        *string
	SourceContent    *string
	RepositoryPaths  []string
	MaxParallelTasks int
	AutoCreateWS     bool
	Config           map[string]any
}

// Create registers a new workflow in planning, creating repository rows
// for any unknown paths.
func (s *Service) Create(ctx context.Context, p CreateParams) (*domain.Workflow, error) {
	if p.Name == "" {
		return nil, domain.Preconditionf("workflow name is required")
	}
	if p.SourceType == "" {
		p.SourceType = domain.SourcePrompt
	}
	if p.MaxParallelTasks < 1 {
		p.MaxParallelTasks = 1
	}

	now := s.clock.NowMillis()
	w := &domain.Workflow{
		ID:               ids.New(ids.PrefixWorkflow),
		Name:             p.Name,
		SourceType:       p.SourceType,
		SourceRef:        p.SourceRef,
		SourceContent:    p.SourceContent,
		Status:           domain.WorkflowPlanning,
		MaxParallelTasks: p.MaxParallelTasks,
		AutoCreateWS:     p.AutoCreateWS,
		Config:           p.Config,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := s.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := s.workflows.InsertIn(tx, w); err != nil {
			return err
		}
		for _, path := range p.RepositoryPaths {
			repo, err := s.repos.EnsureIn(tx, path, nil)
			if err != nil {
				return err
			}
			if err := s.workflows.AddRepositoryIn(tx, w.ID, repo.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info(log.CatWorkflow, "workflow created", "id", w.ID, "name", w.Name)
	return w, nil
}

// PlanTask is one task in a plan input. DependsOn names sibling tasks
// within the same plan.
type PlanTask struct {
	Name          string
	Description   *string
	DependsOn     []string
	ParallelGroup *string
	Plan          *string
	Context       map[string]any
	ContextFrom   []string
}

// Plan is the full plan input for SetPlan.
type Plan struct {
	Summary *string
	Tasks   []PlanTask
}

// PlanResult reports what SetPlan created.
type PlanResult struct {
	TasksCreated        int
	DependenciesCreated int
}

// SetPlan admits a plan: replaces any existing task graph, inserts tasks
// in input order with dense sequences, resolves depends_on names to
// sibling ids, and moves the workflow to ready when at least one task
// exists. The whole admission is one transaction.
func (s *Service) SetPlan(ctx context.Context, workflowID string, plan Plan) (*PlanResult, error) {
	if err := validatePlan(plan); err != nil {
		return nil, err
	}

	var result PlanResult
	err := s.store.Tx(ctx, func(tx *sql.Tx) error {
		w, err := s.workflows.GetIn(tx, workflowID)
		if err != nil {
			return err
		}
		if w.Status != domain.WorkflowPlanning {
			return domain.Preconditionf("setPlan requires status planning, workflow %s is %s", workflowID, w.Status)
		}

		if err := s.tasks.DeleteByWorkflowIn(tx, workflowID); err != nil {
			return err
		}

		now := s.clock.NowMillis()
		idByName := make(map[string]string, len(plan.Tasks))
		for i, pt := range plan.Tasks {
			t := &domain.Task{
				ID:            ids.New(ids.PrefixTask),
				WorkflowID:    workflowID,
				Name:          pt.Name,
				Description:   pt.Description,
				Status:        domain.TaskPending,
				Sequence:      i + 1,
				ParallelGroup: pt.ParallelGroup,
				Plan:          pt.Plan,
				Context:       pt.Context,
				ContextFrom:   pt.ContextFrom,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := s.tasks.InsertIn(tx, t); err != nil {
				return err
			}
			idByName[pt.Name] = t.ID
		}

		for _, pt := range plan.Tasks {
			for _, depName := range pt.DependsOn {
				if err := s.deps.AddIn(tx, idByName[pt.Name], idByName[depName], domain.DepBlocks); err != nil {
					return err
				}
				result.DependenciesCreated++
			}
		}

		if plan.Summary != nil {
			if err := s.workflows.SetPlanSummaryIn(tx, workflowID, plan.Summary); err != nil {
				return err
			}
		}
		if len(plan.Tasks) > 0 {
			if err := s.workflows.UpdateStatusIn(tx, workflowID, domain.WorkflowReady); err != nil {
				return err
			}
		}
		result.TasksCreated = len(plan.Tasks)
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info(log.CatWorkflow, "plan admitted",
		"workflow", workflowID, "tasks", result.TasksCreated, "deps", result.DependenciesCreated)
	return &result, nil
}

// validatePlan rejects duplicate names, unknown depends_on targets,
// self-dependencies, and dependency cycles before any write happens.
func validatePlan(plan Plan) error {
	names := make(map[string]struct{}, len(plan.Tasks))
	for _, pt := range plan.Tasks {
		if pt.Name == "" {
			return &domain.InvalidPlanError{Reason: "task with empty name"}
		}
		if _, dup := names[pt.Name]; dup {
			return &domain.InvalidPlanError{Reason: fmt.Sprintf("duplicate task name %q", pt.Name)}
		}
		names[pt.Name] = struct{}{}
	}

	adjacency := make(map[string][]string, len(plan.Tasks))
	for _, pt := range plan.Tasks {
		for _, dep := range pt.DependsOn {
			if _, ok := names[dep]; !ok {
				return &domain.InvalidPlanError{Reason: fmt.Sprintf("task %q depends on unknown task %q", pt.Name, dep)}
			}
			if dep == pt.Name {
				return &domain.InvalidPlanError{Reason: fmt.Sprintf("task %q depends on itself", pt.Name)}
			}
			adjacency[pt.Name] = append(adjacency[pt.Name], dep)
		}
	}

	// DFS coloring: white=unvisited, gray=on stack, black=done.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(plan.Tasks))
	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = gray
		for _, dep := range adjacency[name] {
			switch color[dep] {
			case gray:
				return false
			case white:
				if !visit(dep) {
					return false
				}
			}
		}
		color[name] = black
		return true
	}
	for _, pt := range plan.Tasks {
		if color[pt.Name] == white && !visit(pt.Name) {
			return &domain.InvalidPlanError{Reason: "dependency cycle detected"}
		}
	}
	return nil
}

// UpdateStatus transitions a workflow after checking the transition
// table. planning to ready additionally requires at least one task.
func (s *Service) UpdateStatus(ctx context.Context, workflowID string, next domain.WorkflowStatus) error {
	return s.store.Tx(ctx, func(tx *sql.Tx) error {
		w, err := s.workflows.GetIn(tx, workflowID)
		if err != nil {
			return err
		}
		if !domain.IsValidWorkflowTransition(w.Status, next) {
			return &domain.InvalidTransitionError{
				Kind: "workflow", ID: workflowID,
				From: string(w.Status), To: string(next),
			}
		}
		if w.Status == domain.WorkflowPlanning && next == domain.WorkflowReady {
			tasks, err := s.tasks.ListByWorkflowIn(tx, workflowID)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				return domain.Preconditionf("workflow %s has no tasks, cannot become ready", workflowID)
			}
		}
		return s.workflows.UpdateStatusIn(tx, workflowID, next)
	})
}

// AddTaskParams are the inputs for AddTask. DependsOn names existing
// tasks of the workflow.
type AddTaskParams struct {
	Name          string
	Description   *string
	DependsOn     []string
	ParallelGroup *string
}

// AddTask appends a task at sequence max+1. Legal while the workflow is
// planning, ready, or in progress.
func (s *Service) AddTask(ctx context.Context, workflowID string, p AddTaskParams) (*domain.Task, error) {
	if p.Name == "" {
		return nil, domain.Preconditionf("task name is required")
	}

	var created *domain.Task
	err := s.store.Tx(ctx, func(tx *sql.Tx) error {
		w, err := s.workflows.GetIn(tx, workflowID)
		if err != nil {
			return err
		}
		switch w.Status {
		case domain.WorkflowPlanning, domain.WorkflowReady, domain.WorkflowInProgress:
		default:
			return domain.Preconditionf("cannot add task to workflow in status %s", w.Status)
		}

		existing, err := s.tasks.ListByWorkflowIn(tx, workflowID)
		if err != nil {
			return err
		}
		idByName := make(map[string]string, len(existing))
		for _, t := range existing {
			idByName[t.Name] = t.ID
		}
		for _, dep := range p.DependsOn {
			if _, ok := idByName[dep]; !ok {
				return &domain.InvalidPlanError{Reason: fmt.Sprintf("depends_on references unknown task %q", dep)}
			}
		}

		maxSeq, err := s.tasks.MaxSequenceIn(tx, workflowID)
		if err != nil {
			return err
		}
		now := s.clock.NowMillis()
		created = &domain.Task{
			ID:            ids.New(ids.PrefixTask),
			WorkflowID:    workflowID,
			Name:          p.Name,
			Description:   p.Description,
			Status:        domain.TaskPending,
			Sequence:      maxSeq + 1,
			ParallelGroup: p.ParallelGroup,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.tasks.InsertIn(tx, created); err != nil {
			return err
		}
		for _, dep := range p.DependsOn {
			if err := s.deps.AddIn(tx, created.ID, idByName[dep], domain.DepBlocks); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// RemoveResult reports what RemoveTask did.
type RemoveResult struct {
	RemovedTaskID       string
	DependenciesRewired int
}

// RemoveTask deletes a pending or skipped task. Incident dependency
// edges are rewired transitively first: for every predecessor x and
// successor y of the removed task, an x -> y blocks edge is ensured, so
// every predecessor stays an ancestor of every successor.
func (s *Service) RemoveTask(ctx context.Context, workflowID, taskID string) (*RemoveResult, error) {
	result := &RemoveResult{RemovedTaskID: taskID}
	err := s.store.Tx(ctx, func(tx *sql.Tx) error {
		t, err := s.tasks.GetIn(tx, taskID)
		if err != nil {
			return err
		}
		if t.WorkflowID != workflowID {
			return domain.NewNotFound("task", taskID)
		}
		if t.Status != domain.TaskPending && t.Status != domain.TaskSkipped {
			return domain.Preconditionf("removeTask requires pending or skipped, task %s is %s", taskID, t.Status)
		}

		preds, err := s.deps.DependenciesOfIn(tx, taskID)
		if err != nil {
			return err
		}
		succs, err := s.deps.DependentsOfIn(tx, taskID)
		if err != nil {
			return err
		}
		for _, succ := range succs {
			if succ.Type != domain.DepBlocks {
				continue
			}
			for _, pred := range preds {
				if pred.Type != domain.DepBlocks {
					continue
				}
				if err := s.deps.AddIn(tx, succ.TaskID, pred.DependsOnID, domain.DepBlocks); err != nil {
					return err
				}
				result.DependenciesRewired++
			}
		}

		if err := s.deps.DeleteIncidentIn(tx, taskID); err != nil {
			return err
		}
		if err := s.tasks.DeleteIn(tx, taskID); err != nil {
			return err
		}
		return s.tasks.CloseSequenceGapIn(tx, workflowID, t.Sequence)
	})
	if err != nil {
		return nil, err
	}
	log.Debug(log.CatWorkflow, "task removed",
		"workflow", workflowID, "task", taskID, "rewired", result.DependenciesRewired)
	return result, nil
}

// SetParallelism writes the workflow's concurrency limit and nudges any
// live pool to resize.
func (s *Service) SetParallelism(ctx context.Context, workflowID string, n int) error {
	if n < 1 {
		return domain.Preconditionf("max_parallel_tasks must be >= 1, got %d", n)
	}
	err := s.store.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := s.workflows.GetIn(tx, workflowID); err != nil {
			return err
		}
		return s.workflows.SetMaxParallelIn(tx, workflowID, n)
	})
	if err != nil {
		return err
	}
	if s.Resizer != nil {
		s.Resizer.Resize(workflowID, n)
	}
	return nil
}

// PatchConfig deep-merges partial into the workflow's config blob.
// Nested maps merge recursively; scalar values in partial win.
func (s *Service) PatchConfig(ctx context.Context, workflowID string, partial map[string]any) error {
	return s.store.Tx(ctx, func(tx *sql.Tx) error {
		w, err := s.workflows.GetIn(tx, workflowID)
		if err != nil {
			return err
		}
		merged := deepMerge(w.Config, partial)
		return s.workflows.UpdateConfigIn(tx, workflowID, merged)
	})
}

// deepMerge merges src into a copy of dst. Map values merge
// recursively; everything else is overwritten by src.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := out[k].(map[string]any)
		if srcIsMap && dstIsMap {
			out[k] = deepMerge(dstMap, srcMap)
			continue
		}
		out[k] = v
	}
	return out
}

// Get returns a workflow, optionally with its tasks eager-loaded in
// sequence order.
func (s *Service) Get(workflowID string, includeTasks bool) (*domain.Workflow, error) {
	w, err := s.workflows.Get(workflowID)
	if err != nil {
		return nil, err
	}
	if includeTasks {
		tasks, err := s.tasks.ListByWorkflow(workflowID)
		if err != nil {
			return nil, err
		}
		w.Tasks = tasks
	}
	return w, nil
}

// List returns workflow summaries ordered by recency.
func (s *Service) List(filter sqlite.ListFilter) ([]*domain.Workflow, error) {
	return s.workflows.List(filter)
}

// Delete removes a workflow and everything under it.
func (s *Service) Delete(workflowID string) error {
	return s.workflows.Delete(workflowID)
}
