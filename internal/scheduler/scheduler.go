// Package scheduler computes readiness, progress, and dependency status
// from the persisted task graph. It is read-mostly: every method is a
// snapshot over the store, and the runner pool polls it rather than
// subscribing to events.
package scheduler

import (
	"sort"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/infrastructure/sqlite"
	"github.com/cawdev/caw/internal/store"
)

// Scheduler answers "what should run next" for a workflow.
type Scheduler struct {
	workflows *sqlite.WorkflowRepo
	tasks     *sqlite.TaskRepo
	deps      *sqlite.DependencyRepo
}

// New creates a Scheduler.
func New(s *store.Store, clock ids.Clock) *Scheduler {
	return &Scheduler{
		workflows: sqlite.NewWorkflowRepo(s, clock),
		tasks:     sqlite.NewTaskRepo(s, clock),
		deps:      sqlite.NewDependencyRepo(s),
	}
}

// NextTask is a returnable task enriched with parallelism hints.
type NextTask struct {
	Task                  *domain.Task
	CanParallelize        bool
	ParallelWith          []string // sibling task ids in the same group
	DependenciesCompleted []string // names of terminal predecessors
}

// NextTasks is the result of GetNextTasks.
type NextTasks struct {
	Tasks            []NextTask
	AllComplete      bool
	WorkflowStatus   domain.WorkflowStatus
	MaxParallel      int
	RecommendedCount int
}

// GetNextTasks returns the tasks that may start now: pending (or failed,
// when includeFailed), unclaimed, with every blocking dependency
// satisfied. Tasks on a dependency cycle are never returned, and the
// computation terminates even on a cyclic graph.
func (s *Scheduler) GetNextTasks(workflowID string, includeFailed bool) (*NextTasks, error) {
	w, err := s.workflows.Get(workflowID)
	if err != nil {
		return nil, err
	}
	all, err := s.tasks.ListByWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	edges, err := s.deps.ListByWorkflow(workflowID)
	if err != nil {
		return nil, err
	}

	out := &NextTasks{
		WorkflowStatus: w.Status,
		MaxParallel:    w.MaxParallelTasks,
	}
	if len(all) == 0 {
		return out, nil
	}

	byID := make(map[string]*domain.Task, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}
	blocking := blockingAdjacency(edges)
	cyclic := cycleMembers(blocking)

	group := make(map[string][]string)
	for _, t := range all {
		if t.ParallelGroup != nil {
			group[*t.ParallelGroup] = append(group[*t.ParallelGroup], t.ID)
		}
	}

	allComplete := true
	for _, t := range all {
		if !t.Status.IsDone() {
			allComplete = false
		}

		eligible := t.Status == domain.TaskPending || (includeFailed && t.Status == domain.TaskFailed)
		if !eligible || t.AssignedAgentID != nil {
			continue
		}
		if _, onCycle := cyclic[t.ID]; onCycle {
			continue
		}

		ready := true
		var completedDeps []string
		for _, depID := range blocking[t.ID] {
			dep, ok := byID[depID]
			if !ok {
				continue
			}
			if dep.Status.IsDone() {
				completedDeps = append(completedDeps, dep.Name)
			} else {
				ready = false
			}
		}
		if !ready {
			continue
		}

		nt := NextTask{
			Task:                  t,
			CanParallelize:        t.ParallelGroup != nil,
			DependenciesCompleted: completedDeps,
		}
		if t.ParallelGroup != nil {
			for _, sibling := range group[*t.ParallelGroup] {
				if sibling != t.ID {
					nt.ParallelWith = append(nt.ParallelWith, sibling)
				}
			}
		}
		out.Tasks = append(out.Tasks, nt)
	}

	sort.Slice(out.Tasks, func(i, j int) bool {
		a, b := out.Tasks[i].Task, out.Tasks[j].Task
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return a.Name < b.Name
	})

	out.AllComplete = allComplete
	out.RecommendedCount = len(out.Tasks)
	if out.RecommendedCount > w.MaxParallelTasks {
		out.RecommendedCount = w.MaxParallelTasks
	}
	return out, nil
}

// BlockedTask describes a task waiting on incomplete predecessors.
type BlockedTask struct {
	ID        string
	Name      string
	BlockedBy []string // names of incomplete blocking predecessors
}

// GroupProgress summarizes one parallel group.
type GroupProgress struct {
	TaskCount int
	Completed int
}

// Progress is the result of GetProgress.
type Progress struct {
	TotalTasks         int
	ByStatus           map[domain.TaskStatus]int
	CompletedSequence  int
	CurrentSequence    int
	BlockedTasks       []BlockedTask
	ParallelGroups     map[string]GroupProgress
	EstimatedRemaining int
}

// GetProgress summarizes a workflow's execution state.
// CompletedSequence is the largest s such that every task with sequence
// <= s is done (skipped counts as done).
func (s *Scheduler) GetProgress(workflowID string) (*Progress, error) {
	if _, err := s.workflows.Get(workflowID); err != nil {
		return nil, err
	}
	all, err := s.tasks.ListByWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	edges, err := s.deps.ListByWorkflow(workflowID)
	if err != nil {
		return nil, err
	}

	p := &Progress{
		TotalTasks:     len(all),
		ByStatus:       make(map[domain.TaskStatus]int),
		ParallelGroups: make(map[string]GroupProgress),
	}

	byID := make(map[string]*domain.Task, len(all))
	for _, t := range all {
		byID[t.ID] = t
		p.ByStatus[t.Status]++
		if !t.Status.IsDone() {
			p.EstimatedRemaining++
		}
		if t.ParallelGroup != nil {
			g := p.ParallelGroups[*t.ParallelGroup]
			g.TaskCount++
			if t.Status == domain.TaskCompleted {
				g.Completed++
			}
			p.ParallelGroups[*t.ParallelGroup] = g
		}
	}

	// Tasks come back ordered by sequence, so the first unfinished task
	// ends the completed prefix.
	for _, t := range all {
		if !t.Status.IsDone() {
			break
		}
		p.CompletedSequence = t.Sequence
	}
	p.CurrentSequence = p.CompletedSequence + 1

	blocking := blockingAdjacency(edges)
	for _, t := range all {
		if t.Status.IsDone() {
			continue
		}
		var waiting []string
		for _, depID := range blocking[t.ID] {
			if dep, ok := byID[depID]; ok && !dep.Status.IsDone() {
				waiting = append(waiting, dep.Name)
			}
		}
		if len(waiting) > 0 {
			sort.Strings(waiting)
			p.BlockedTasks = append(p.BlockedTasks, BlockedTask{ID: t.ID, Name: t.Name, BlockedBy: waiting})
		}
	}
	return p, nil
}

// DependencyCheck is the result of CheckDependencies.
type DependencyCheck struct {
	Satisfied bool
	Completed []string // names of done blocking predecessors
	Pending   []string // names of not-yet-done blocking predecessors
}

// CheckDependencies reports how far a task's blocking predecessors are.
func (s *Scheduler) CheckDependencies(taskID string) (*DependencyCheck, error) {
	t, err := s.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	edges, err := s.deps.DependenciesOf(taskID)
	if err != nil {
		return nil, err
	}
	all, err := s.tasks.ListByWorkflow(t.WorkflowID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*domain.Task, len(all))
	for _, task := range all {
		byID[task.ID] = task
	}

	check := &DependencyCheck{Satisfied: true}
	for _, e := range edges {
		if e.Type != domain.DepBlocks {
			continue
		}
		dep, ok := byID[e.DependsOnID]
		if !ok {
			continue
		}
		if dep.Status.IsDone() {
			check.Completed = append(check.Completed, dep.Name)
		} else {
			check.Pending = append(check.Pending, dep.Name)
			check.Satisfied = false
		}
	}
	sort.Strings(check.Completed)
	sort.Strings(check.Pending)
	return check, nil
}

// blockingAdjacency maps task id to the ids it blocks on.
func blockingAdjacency(edges []domain.TaskDependency) map[string][]string {
	adj := make(map[string][]string)
	for _, e := range edges {
		if e.Type == domain.DepBlocks {
			adj[e.TaskID] = append(adj[e.TaskID], e.DependsOnID)
		}
	}
	return adj
}

// cycleMembers returns the ids of tasks on a directed blocking cycle.
// Plans admitted through setPlan are acyclic; this guards against rows
// inserted by hand.
func cycleMembers(adj map[string][]string) map[string]struct{} {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	onCycle := make(map[string]struct{})

	var stack []string
	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range adj[id] {
			switch color[dep] {
			case white:
				visit(dep)
			case gray:
				// Every node from dep to the top of the stack is cyclic.
				for i := len(stack) - 1; i >= 0; i-- {
					onCycle[stack[i]] = struct{}{}
					if stack[i] == dep {
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}
	for id := range adj {
		if color[id] == white {
			visit(id)
		}
	}
	return onCycle
}
