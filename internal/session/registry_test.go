package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/infrastructure/sqlite"
	"github.com/cawdev/caw/internal/store"
)

const timeoutMillis = 60_000

type fixture struct {
	reg       *Registry
	store     *store.Store
	clock     *ids.FakeClock
	workflows *sqlite.WorkflowRepo
	tasks     *sqlite.TaskRepo
	agents    *sqlite.AgentRepo
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), store.DBFileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clock := ids.NewFakeClock(1_000_000)
	return &fixture{
		reg:       NewRegistry(s, clock),
		store:     s,
		clock:     clock,
		workflows: sqlite.NewWorkflowRepo(s, clock),
		tasks:     sqlite.NewTaskRepo(s, clock),
		agents:    sqlite.NewAgentRepo(s, clock),
	}
}

func (f *fixture) mustWorkflow(t *testing.T) *domain.Workflow {
	t.Helper()
	w := &domain.Workflow{
		ID:               ids.New(ids.PrefixWorkflow),
		Name:             "w",
		SourceType:       domain.SourcePrompt,
		Status:           domain.WorkflowInProgress,
		MaxParallelTasks: 1,
		CreatedAt:        f.clock.NowMillis(),
		UpdatedAt:        f.clock.NowMillis(),
	}
	require.NoError(t, f.workflows.InsertIn(f.store.DB(), w))
	return w
}

func (f *fixture) mustTask(t *testing.T, workflowID string, status domain.TaskStatus) *domain.Task {
	t.Helper()
	tk := &domain.Task{
		ID:         ids.New(ids.PrefixTask),
		WorkflowID: workflowID,
		Name:       ids.New("t"),
		Status:     status,
		Sequence:   1,
		CreatedAt:  f.clock.NowMillis(),
		UpdatedAt:  f.clock.NowMillis(),
	}
	require.NoError(t, f.tasks.InsertIn(f.store.DB(), tk))
	return tk
}

func (f *fixture) mustAgent(t *testing.T, workflowID string) *domain.Agent {
	t.Helper()
	hb := f.clock.NowMillis()
	a := &domain.Agent{
		ID:            ids.New(ids.PrefixAgent),
		WorkflowID:    &workflowID,
		Name:          "worker",
		Runtime:       "claude",
		Role:          domain.RoleWorker,
		Status:        domain.AgentOnline,
		LastHeartbeat: &hb,
		CreatedAt:     hb,
		UpdatedAt:     hb,
	}
	require.NoError(t, f.agents.Create(a))
	return a
}

func TestRegisterAssignsIdentity(t *testing.T) {
	f := setup(t)

	s, err := f.reg.Register(context.Background(), RegisterParams{PID: 4242})
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)
	require.False(t, s.IsDaemon)

	got, err := f.reg.Get(s.ID)
	require.NoError(t, err)
	require.Equal(t, 4242, got.PID)
	require.Equal(t, f.clock.NowMillis(), got.LastHeartbeat)
}

func TestDaemonRegistrationDemotesPriorDaemon(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.reg.Register(ctx, RegisterParams{PID: 1, IsDaemon: true})
	require.NoError(t, err)
	second, err := f.reg.Register(ctx, RegisterParams{PID: 2, IsDaemon: true})
	require.NoError(t, err)

	daemon, err := f.reg.GetDaemon()
	require.NoError(t, err)
	require.Equal(t, second.ID, daemon.ID)

	demoted, err := f.reg.Get(first.ID)
	require.NoError(t, err)
	require.False(t, demoted.IsDaemon)
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s, err := f.reg.Register(ctx, RegisterParams{PID: 1})
	require.NoError(t, err)

	f.clock.Advance(50 * time.Second)
	require.NoError(t, f.reg.Heartbeat(s.ID))
	f.clock.Advance(50 * time.Second)

	report, err := f.reg.CleanupStale(ctx, timeoutMillis)
	require.NoError(t, err)
	require.Zero(t, report.SessionsRemoved)

	_, err = f.reg.Get(s.ID)
	require.NoError(t, err)
}

func TestDeregisterReleasesHeldLocks(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.mustWorkflow(t)

	s, err := f.reg.Register(ctx, RegisterParams{PID: 1})
	require.NoError(t, err)
	acquired, _, err := f.workflows.TryLockIn(f.store.DB(), w.ID, s.ID)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, f.reg.Deregister(ctx, s.ID))

	_, err = f.reg.Get(s.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	got, err := f.workflows.Get(w.ID)
	require.NoError(t, err)
	require.Nil(t, got.LockedBySessionID)
}

func TestCleanupStaleReapsDeadActors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.mustWorkflow(t)

	stale, err := f.reg.Register(ctx, RegisterParams{PID: 1})
	require.NoError(t, err)
	acquired, _, err := f.workflows.TryLockIn(f.store.DB(), w.ID, stale.ID)
	require.NoError(t, err)
	require.True(t, acquired)

	agent := f.mustAgent(t, w.ID)
	tk := f.mustTask(t, w.ID, domain.TaskPending)
	ok, err := f.tasks.ClaimIn(f.store.DB(), tk.ID, agent.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.tasks.UpdateStatusIn(f.store.DB(), tk.ID, domain.TaskPlanning, nil, nil))
	require.NoError(t, f.tasks.UpdateStatusIn(f.store.DB(), tk.ID, domain.TaskInProgress, nil, nil))

	// Everyone goes quiet past the timeout, except a fresh session.
	f.clock.Advance(2 * time.Minute)
	fresh, err := f.reg.Register(ctx, RegisterParams{PID: 2})
	require.NoError(t, err)

	report, err := f.reg.CleanupStale(ctx, timeoutMillis)
	require.NoError(t, err)
	require.Equal(t, 1, report.SessionsRemoved)
	require.Equal(t, 1, report.LocksReleased)
	require.Equal(t, 1, report.AgentsOfflined)
	require.Equal(t, 1, report.ClaimsReleased)

	_, err = f.reg.Get(stale.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.reg.Get(fresh.ID)
	require.NoError(t, err)

	// The orphaned task is pending and unclaimed again.
	gotTask, err := f.tasks.Get(tk.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskPending, gotTask.Status)
	require.Nil(t, gotTask.AssignedAgentID)

	gotAgent, err := f.agents.Get(agent.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AgentOffline, gotAgent.Status)
}

func TestCleanupStaleKeepsCompletedWork(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.mustWorkflow(t)

	agent := f.mustAgent(t, w.ID)
	tk := f.mustTask(t, w.ID, domain.TaskPending)
	ok, err := f.tasks.ClaimIn(f.store.DB(), tk.ID, agent.ID)
	require.NoError(t, err)
	require.True(t, ok)
	outcome := "done"
	require.NoError(t, f.tasks.UpdateStatusIn(f.store.DB(), tk.ID, domain.TaskPlanning, nil, nil))
	require.NoError(t, f.tasks.UpdateStatusIn(f.store.DB(), tk.ID, domain.TaskInProgress, nil, nil))
	require.NoError(t, f.tasks.UpdateStatusIn(f.store.DB(), tk.ID, domain.TaskCompleted, &outcome, nil))

	f.clock.Advance(2 * time.Minute)
	report, err := f.reg.CleanupStale(ctx, timeoutMillis)
	require.NoError(t, err)
	require.Equal(t, 1, report.AgentsOfflined)
	require.Zero(t, report.ClaimsReleased)

	got, err := f.tasks.Get(tk.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, got.Status)
	require.Equal(t, "done", *got.Outcome)
}

func TestCleanupStaleNoopWhenAllFresh(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.reg.Register(ctx, RegisterParams{PID: 1})
	require.NoError(t, err)

	report, err := f.reg.CleanupStale(ctx, timeoutMillis)
	require.NoError(t, err)
	require.Zero(t, report.SessionsRemoved)
	require.Zero(t, report.LocksReleased)
	require.Zero(t, report.AgentsOfflined)
	require.Zero(t, report.ClaimsReleased)
}
