package task

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/infrastructure/sqlite"
	"github.com/cawdev/caw/internal/store"
)

type fixture struct {
	svc    *Service
	store  *store.Store
	clock  *ids.FakeClock
	tasks  *sqlite.TaskRepo
	deps   *sqlite.DependencyRepo
	agents *sqlite.AgentRepo
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), store.DBFileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clock := ids.NewFakeClock(1_000_000)
	return &fixture{
		svc:    NewService(s, clock),
		store:  s,
		clock:  clock,
		tasks:  sqlite.NewTaskRepo(s, clock),
		deps:   sqlite.NewDependencyRepo(s),
		agents: sqlite.NewAgentRepo(s, clock),
	}
}

func (f *fixture) mustWorkflow(t *testing.T) *domain.Workflow {
	t.Helper()
	w := &domain.Workflow{
		ID:               ids.New(ids.PrefixWorkflow),
		Name:             "test workflow",
		SourceType:       domain.SourcePrompt,
		Status:           domain.WorkflowInProgress,
		MaxParallelTasks: 1,
		CreatedAt:        f.clock.NowMillis(),
		UpdatedAt:        f.clock.NowMillis(),
	}
	require.NoError(t, sqlite.NewWorkflowRepo(f.store, f.clock).InsertIn(f.store.DB(), w))
	return w
}

func (f *fixture) mustTask(t *testing.T, workflowID string, seq int, status domain.TaskStatus) *domain.Task {
	t.Helper()
	tk := &domain.Task{
		ID:         ids.New(ids.PrefixTask),
		WorkflowID: workflowID,
		Name:       ids.New("t"),
		Status:     status,
		Sequence:   seq,
		CreatedAt:  f.clock.NowMillis(),
		UpdatedAt:  f.clock.NowMillis(),
	}
	require.NoError(t, f.tasks.InsertIn(f.store.DB(), tk))
	return tk
}

func (f *fixture) mustAgent(t *testing.T, workflowID string) *domain.Agent {
	t.Helper()
	a := &domain.Agent{
		ID:         ids.New(ids.PrefixAgent),
		WorkflowID: &workflowID,
		Name:       "worker",
		Runtime:    "claude",
		Role:       domain.RoleWorker,
		Status:     domain.AgentOnline,
		CreatedAt:  f.clock.NowMillis(),
		UpdatedAt:  f.clock.NowMillis(),
	}
	require.NoError(t, f.agents.Create(a))
	return a
}

func str(s string) *string { return &s }

func TestUpdateStatusWalksTheTable(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.mustWorkflow(t)
	tk := f.mustTask(t, w.ID, 1, domain.TaskPending)

	require.NoError(t, f.svc.UpdateStatus(ctx, tk.ID, domain.TaskPlanning, StatusChange{}))
	require.NoError(t, f.svc.UpdateStatus(ctx, tk.ID, domain.TaskInProgress, StatusChange{}))
	require.NoError(t, f.svc.UpdateStatus(ctx, tk.ID, domain.TaskCompleted, StatusChange{Outcome: str("done")}))

	got, err := f.svc.Get(tk.ID, false, 0)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, got.Task.Status)
	require.Equal(t, "done", *got.Task.Outcome)

	// Terminal: no way out.
	err = f.svc.UpdateStatus(ctx, tk.ID, domain.TaskPending, StatusChange{})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestUpdateStatusRejectsSkippedEdges(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.mustWorkflow(t)
	tk := f.mustTask(t, w.ID, 1, domain.TaskPending)

	// pending -> in_progress skips planning.
	err := f.svc.UpdateStatus(ctx, tk.ID, domain.TaskInProgress, StatusChange{})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCompletionRequiresOutcome(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.mustWorkflow(t)
	tk := f.mustTask(t, w.ID, 1, domain.TaskInProgress)

	err := f.svc.UpdateStatus(ctx, tk.ID, domain.TaskCompleted, StatusChange{})
	require.ErrorIs(t, err, domain.ErrPrecondition)
	err = f.svc.UpdateStatus(ctx, tk.ID, domain.TaskCompleted, StatusChange{Outcome: str("")})
	require.ErrorIs(t, err, domain.ErrPrecondition)

	require.NoError(t, f.svc.UpdateStatus(ctx, tk.ID, domain.TaskCompleted, StatusChange{Outcome: str("shipped")}))
}

func TestFailureRequiresError(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.mustWorkflow(t)
	tk := f.mustTask(t, w.ID, 1, domain.TaskInProgress)

	err := f.svc.UpdateStatus(ctx, tk.ID, domain.TaskFailed, StatusChange{})
	require.ErrorIs(t, err, domain.ErrPrecondition)

	require.NoError(t, f.svc.UpdateStatus(ctx, tk.ID, domain.TaskFailed, StatusChange{Error: str("tests broke")}))
	got, err := f.svc.Get(tk.ID, false, 0)
	require.NoError(t, err)
	require.Equal(t, "tests broke", *got.Task.OutcomeDetail)
}

func TestPlanningBlockedByUnmetDependency(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.mustWorkflow(t)
	dep := f.mustTask(t, w.ID, 1, domain.TaskPending)
	tk := f.mustTask(t, w.ID, 2, domain.TaskPending)
	require.NoError(t, f.deps.AddIn(f.store.DB(), tk.ID, dep.ID, domain.DepBlocks))

	err := f.svc.UpdateStatus(ctx, tk.ID, domain.TaskPlanning, StatusChange{})
	require.ErrorIs(t, err, domain.ErrPrecondition)

	// A skipped predecessor satisfies the edge just like a completed one.
	require.NoError(t, f.tasks.UpdateStatusIn(f.store.DB(), dep.ID, domain.TaskSkipped, nil, nil))
	require.NoError(t, f.svc.UpdateStatus(ctx, tk.ID, domain.TaskPlanning, StatusChange{}))
}

func TestSetPlanMergesContext(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.mustWorkflow(t)
	tk := f.mustTask(t, w.ID, 1, domain.TaskPending)

	// Plan writes are only legal while planning.
	err := f.svc.SetPlan(ctx, tk.ID, "step one", nil)
	require.ErrorIs(t, err, domain.ErrPrecondition)

	require.NoError(t, f.svc.UpdateStatus(ctx, tk.ID, domain.TaskPlanning, StatusChange{}))
	require.NoError(t, f.svc.SetPlan(ctx, tk.ID, "step one", map[string]any{
		"files": map[string]any{"a.go": "edit"},
	}))
	require.NoError(t, f.svc.SetPlan(ctx, tk.ID, "step two", map[string]any{
		"files": map[string]any{"b.go": "add"},
		"hint":  "small diffs",
	}))

	got, err := f.svc.Get(tk.ID, false, 0)
	require.NoError(t, err)
	require.Equal(t, "step two", *got.Task.Plan)
	files, ok := got.Task.Context["files"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "edit", files["a.go"])
	require.Equal(t, "add", files["b.go"])
	require.Equal(t, "small diffs", got.Task.Context["hint"])
}

func TestReplanResetsFailedTask(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.mustWorkflow(t)
	tk := f.mustTask(t, w.ID, 1, domain.TaskInProgress)
	require.NoError(t, f.svc.UpdateStatus(ctx, tk.ID, domain.TaskFailed, StatusChange{Error: str("flaky")}))

	require.NoError(t, f.svc.Replan(ctx, tk.ID, "retry with pinned deps", "pin the versions first"))

	got, err := f.svc.Get(tk.ID, true, 0)
	require.NoError(t, err)
	require.Equal(t, domain.TaskPending, got.Task.Status)
	require.Nil(t, got.Task.Outcome)
	require.Nil(t, got.Task.OutcomeDetail)
	require.Equal(t, "pin the versions first", *got.Task.Plan)
	require.Len(t, got.Checkpoints, 1)
	require.Equal(t, domain.CheckpointReplan, got.Checkpoints[0].Type)
	require.Equal(t, "retry with pinned deps", got.Checkpoints[0].Summary)
}

func TestReplanRejectsPendingTask(t *testing.T) {
	f := setup(t)
	w := f.mustWorkflow(t)
	tk := f.mustTask(t, w.ID, 1, domain.TaskPending)

	err := f.svc.Replan(context.Background(), tk.ID, "nope", "plan")
	require.ErrorIs(t, err, domain.ErrPrecondition)
}

func TestClaimAssignsAndMarksBusy(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.mustWorkflow(t)
	tk := f.mustTask(t, w.ID, 1, domain.TaskPending)
	agent := f.mustAgent(t, w.ID)

	result, err := f.svc.Claim(ctx, tk.ID, agent.ID)
	require.NoError(t, err)
	require.True(t, result.Success)

	got, err := f.svc.Get(tk.ID, false, 0)
	require.NoError(t, err)
	require.Equal(t, agent.ID, *got.Task.AssignedAgentID)

	a, err := f.agents.Get(agent.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AgentBusy, a.Status)
	require.Equal(t, tk.ID, *a.CurrentTaskID)
}

func TestClaimIsIdempotentForHolder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.mustWorkflow(t)
	tk := f.mustTask(t, w.ID, 1, domain.TaskPending)
	agent := f.mustAgent(t, w.ID)

	first, err := f.svc.Claim(ctx, tk.ID, agent.ID)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := f.svc.Claim(ctx, tk.ID, agent.ID)
	require.NoError(t, err)
	require.True(t, second.Success)
}

func TestClaimReportsHolderOnConflict(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.mustWorkflow(t)
	tk := f.mustTask(t, w.ID, 1, domain.TaskPending)
	holder := f.mustAgent(t, w.ID)
	rival := f.mustAgent(t, w.ID)

	_, err := f.svc.Claim(ctx, tk.ID, holder.ID)
	require.NoError(t, err)

	result, err := f.svc.Claim(ctx, tk.ID, rival.ID)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, holder.ID, result.AlreadyClaimedBy)
}

func TestClaimRejectsTerminalTask(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.mustWorkflow(t)
	tk := f.mustTask(t, w.ID, 1, domain.TaskCompleted)
	agent := f.mustAgent(t, w.ID)

	_, err := f.svc.Claim(ctx, tk.ID, agent.ID)
	require.ErrorIs(t, err, domain.ErrPrecondition)
}

func TestReleaseReturnsAgentOnline(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.mustWorkflow(t)
	tk := f.mustTask(t, w.ID, 1, domain.TaskPending)
	agent := f.mustAgent(t, w.ID)

	_, err := f.svc.Claim(ctx, tk.ID, agent.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Release(ctx, tk.ID, agent.ID))

	got, err := f.svc.Get(tk.ID, false, 0)
	require.NoError(t, err)
	require.Nil(t, got.Task.AssignedAgentID)

	a, err := f.agents.Get(agent.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AgentOnline, a.Status)
	require.Nil(t, a.CurrentTaskID)
}

func TestReleaseByNonHolderFails(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.mustWorkflow(t)
	tk := f.mustTask(t, w.ID, 1, domain.TaskPending)
	holder := f.mustAgent(t, w.ID)
	rival := f.mustAgent(t, w.ID)

	_, err := f.svc.Claim(ctx, tk.ID, holder.ID)
	require.NoError(t, err)

	err = f.svc.Release(ctx, tk.ID, rival.ID)
	require.ErrorIs(t, err, domain.ErrNotClaimed)

	// The original claim is untouched.
	got, err := f.svc.Get(tk.ID, false, 0)
	require.NoError(t, err)
	require.Equal(t, holder.ID, *got.Task.AssignedAgentID)
}

func TestGetAvailableSkipsClaimedAndBlocked(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.mustWorkflow(t)
	free := f.mustTask(t, w.ID, 1, domain.TaskPending)
	claimed := f.mustTask(t, w.ID, 2, domain.TaskPending)
	blocked := f.mustTask(t, w.ID, 3, domain.TaskPending)
	require.NoError(t, f.deps.AddIn(f.store.DB(), blocked.ID, claimed.ID, domain.DepBlocks))

	agent := f.mustAgent(t, w.ID)
	_, err := f.svc.Claim(ctx, claimed.ID, agent.ID)
	require.NoError(t, err)

	available, err := f.svc.GetAvailable(w.ID, 10)
	require.NoError(t, err)
	require.Len(t, available, 1)
	require.Equal(t, free.ID, available[0].ID)
}

func TestAppendCheckpointRequiresTask(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.mustWorkflow(t)
	tk := f.mustTask(t, w.ID, 1, domain.TaskInProgress)

	cp, err := f.svc.AppendCheckpoint(ctx, tk.ID, domain.CheckpointProgress, "halfway",
		map[string]any{"turn": 3}, []string{"main.go"})
	require.NoError(t, err)
	require.Equal(t, tk.ID, cp.TaskID)
	require.Equal(t, 1, cp.Sequence)

	_, err = f.svc.AppendCheckpoint(ctx, "tk_missing", domain.CheckpointProgress, "x", nil, nil)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
