// Package task implements task-level operations: status transitions with
// their preconditions, plan and replan writes, and the claim/release
// protocol that gives each task at-most-one agent.
package task

import (
	"context"
	"database/sql"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/infrastructure/sqlite"
	"github.com/cawdev/caw/internal/log"
	"github.com/cawdev/caw/internal/store"
)

// Service owns task mutations.
type Service struct {
	store  *store.Store
	clock  ids.Clock
	tasks  *sqlite.TaskRepo
	deps   *sqlite.DependencyRepo
	cps    *sqlite.CheckpointRepo
	agents *sqlite.AgentRepo
}

// NewService creates a task Service.
func NewService(s *store.Store, clock ids.Clock) *Service {
	return &Service{
		store:  s,
		clock:  clock,
		tasks:  sqlite.NewTaskRepo(s, clock),
		deps:   sqlite.NewDependencyRepo(s),
		cps:    sqlite.NewCheckpointRepo(s, clock),
		agents: sqlite.NewAgentRepo(s, clock),
	}
}

// TaskWithCheckpoints bundles a task with its recent checkpoints.
type TaskWithCheckpoints struct {
	Task        *domain.Task
	Checkpoints []*domain.Checkpoint
}

// Get returns a task, optionally with its checkpoints. A positive
// checkpointLimit keeps only the most recent entries.
func (s *Service) Get(taskID string, includeCheckpoints bool, checkpointLimit int) (*TaskWithCheckpoints, error) {
	t, err := s.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	out := &TaskWithCheckpoints{Task: t}
	if includeCheckpoints {
		out.Checkpoints, err = s.cps.ListByTask(taskID, checkpointLimit)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// StatusChange carries the optional payloads of UpdateStatus.
type StatusChange struct {
	Outcome *string
	Error   *string
}

// UpdateStatus transitions a task after checking the transition table
// and the per-transition preconditions: planning requires no blocking
// dependency outstanding, completed requires an outcome, failed requires
// an error (stored into outcome_detail).
func (s *Service) UpdateStatus(ctx context.Context, taskID string, next domain.TaskStatus, change StatusChange) error {
	return s.store.Tx(ctx, func(tx *sql.Tx) error {
		t, err := s.tasks.GetIn(tx, taskID)
		if err != nil {
			return err
		}
		if !domain.IsValidTaskTransition(t.Status, next) {
			return &domain.InvalidTransitionError{
				Kind: "task", ID: taskID,
				From: string(t.Status), To: string(next),
			}
		}

		switch next {
		case domain.TaskPlanning:
			blocked, err := s.tasks.IsBlockedIn(tx, taskID)
			if err != nil {
				return err
			}
			if blocked {
				return domain.Preconditionf("task %s has unsatisfied blocking dependencies", taskID)
			}
		case domain.TaskCompleted:
			if change.Outcome == nil || *change.Outcome == "" {
				return domain.Preconditionf("completing task %s requires a non-empty outcome", taskID)
			}
		case domain.TaskFailed:
			if change.Error == nil || *change.Error == "" {
				return domain.Preconditionf("failing task %s requires a non-empty error", taskID)
			}
		}

		return s.tasks.UpdateStatusIn(tx, taskID, next, change.Outcome, change.Error)
	})
}

// SetPlan writes the task plan. Legal only while the task is planning.
// Context is deep-merged into the existing context so prior keys survive.
func (s *Service) SetPlan(ctx context.Context, taskID string, plan string, extra map[string]any) error {
	return s.store.Tx(ctx, func(tx *sql.Tx) error {
		t, err := s.tasks.GetIn(tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskPlanning {
			return domain.Preconditionf("setPlan requires status planning, task %s is %s", taskID, t.Status)
		}
		merged := mergeContext(t.Context, extra)
		return s.tasks.SetPlanIn(tx, taskID, &plan, merged)
	})
}

func mergeContext(existing, incoming map[string]any) map[string]any {
	if incoming == nil {
		return existing
	}
	out := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		inMap, inIsMap := v.(map[string]any)
		exMap, exIsMap := out[k].(map[string]any)
		if inIsMap && exIsMap {
			out[k] = mergeContext(exMap, inMap)
			continue
		}
		out[k] = v
	}
	return out
}

// Replan resets a failed or in-progress task with a fresh plan: the new
// plan is written, outcome columns are cleared, the task goes back to
// pending, and a replan checkpoint records the reason.
func (s *Service) Replan(ctx context.Context, taskID, reason, newPlan string) error {
	err := s.store.Tx(ctx, func(tx *sql.Tx) error {
		t, err := s.tasks.GetIn(tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskFailed && t.Status != domain.TaskInProgress {
			return domain.Preconditionf("replan requires failed or in_progress, task %s is %s", taskID, t.Status)
		}
		if err := s.tasks.ReplanIn(tx, taskID, newPlan); err != nil {
			return err
		}
		_, err = s.cps.AppendIn(tx, taskID, domain.CheckpointReplan, reason, nil, nil)
		return err
	})
	if err != nil {
		return err
	}
	log.Info(log.CatTask, "task replanned", "task", taskID, "reason", reason)
	return nil
}

// ClaimResult is the structured outcome of Claim. A lost race is normal
// control flow, not an error.
type ClaimResult struct {
	Success          bool
	AlreadyClaimedBy string
}

// Claim atomically assigns the task to an agent and marks the agent
// busy. Claiming a task you already hold is an idempotent success;
// terminal tasks are rejected.
func (s *Service) Claim(ctx context.Context, taskID, agentID string) (*ClaimResult, error) {
	result := &ClaimResult{}
	err := s.store.Tx(ctx, func(tx *sql.Tx) error {
		t, err := s.tasks.GetIn(tx, taskID)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return domain.Preconditionf("cannot claim %s task %s", t.Status, taskID)
		}
		if t.AssignedAgentID != nil {
			if *t.AssignedAgentID == agentID {
				result.Success = true
				return nil
			}
			result.AlreadyClaimedBy = *t.AssignedAgentID
			return nil
		}

		ok, err := s.tasks.ClaimIn(tx, taskID, agentID)
		if err != nil {
			return err
		}
		if !ok {
			// Lost the race inside this transaction window.
			fresh, err := s.tasks.GetIn(tx, taskID)
			if err != nil {
				return err
			}
			if fresh.AssignedAgentID != nil {
				result.AlreadyClaimedBy = *fresh.AssignedAgentID
			}
			return nil
		}
		result.Success = true
		return s.agents.SetBusyIn(tx, agentID, taskID)
	})
	if err != nil {
		return nil, err
	}
	if result.Success {
		log.Debug(log.CatTask, "task claimed", "task", taskID, "agent", agentID)
	}
	return result, nil
}

// Release clears the claim if held by agentID and returns the agent to
// online. Releasing a task the agent does not hold is ErrNotClaimed.
func (s *Service) Release(ctx context.Context, taskID, agentID string) error {
	err := s.store.Tx(ctx, func(tx *sql.Tx) error {
		ok, err := s.tasks.ReleaseIn(tx, taskID, agentID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotClaimed
		}
		return s.agents.SetOnlineIn(tx, agentID)
	})
	if err != nil {
		return err
	}
	log.Debug(log.CatTask, "task released", "task", taskID, "agent", agentID)
	return nil
}

// GetAvailable returns pending, unclaimed, unblocked tasks ordered by
// (workflow_id, sequence).
func (s *Service) GetAvailable(workflowID string, limit int) ([]*domain.Task, error) {
	return s.tasks.ListAvailable(workflowID, false, limit)
}

// IsBlocked reports whether any blocking predecessor of the task is not
// completed or skipped.
func (s *Service) IsBlocked(taskID string) (bool, error) {
	return s.tasks.IsBlocked(taskID)
}

// Dependencies is both adjacency directions of a task.
type Dependencies struct {
	DependsOn  []domain.TaskDependency
	Dependents []domain.TaskDependency
}

// GetDependencies returns the task's incident edges in both directions.
func (s *Service) GetDependencies(taskID string) (*Dependencies, error) {
	dependsOn, err := s.deps.DependenciesOf(taskID)
	if err != nil {
		return nil, err
	}
	dependents, err := s.deps.DependentsOf(taskID)
	if err != nil {
		return nil, err
	}
	return &Dependencies{DependsOn: dependsOn, Dependents: dependents}, nil
}

// AppendCheckpoint records a typed progress entry for a task.
func (s *Service) AppendCheckpoint(ctx context.Context, taskID string, cpType domain.CheckpointType, summary string, detail map[string]any, filesChanged []string) (*domain.Checkpoint, error) {
	var cp *domain.Checkpoint
	err := s.store.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := s.tasks.GetIn(tx, taskID); err != nil {
			return err
		}
		var err error
		cp, err = s.cps.AppendIn(tx, taskID, cpType, summary, detail, filesChanged)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}
