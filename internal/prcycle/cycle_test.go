package prcycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/infrastructure/sqlite"
	"github.com/cawdev/caw/internal/runner"
	"github.com/cawdev/caw/internal/store"
	"github.com/cawdev/caw/internal/vcs"
)

// fakeVCS scripts PR status responses and records the calls the cycle
// makes.
type fakeVCS struct {
	statuses []*vcs.Status
	prURL    string
	commit   string

	opened  int
	rebases int
	merges  int
}

func (f *fakeVCS) CreateWorktree(context.Context, string, string, string) error { return nil }
func (f *fakeVCS) AbandonWorktree(string) error                                 { return nil }

func (f *fakeVCS) OpenOrRefreshPR(context.Context, *domain.Workspace) (string, error) {
	f.opened++
	return f.prURL, nil
}

func (f *fakeVCS) CheckStatus(context.Context, *domain.Workspace) (*vcs.Status, error) {
	if len(f.statuses) == 0 {
		return &vcs.Status{Mergeable: true}, nil
	}
	next := f.statuses[0]
	f.statuses = f.statuses[1:]
	return next, nil
}

func (f *fakeVCS) Rebase(context.Context, *domain.Workspace) error {
	f.rebases++
	return nil
}

func (f *fakeVCS) Merge(context.Context, *domain.Workspace) (string, error) {
	f.merges++
	return f.commit, nil
}

// okSpawner answers every run with a single successful result.
type okSpawner struct {
	runs int
	fail error
}

func (s *okSpawner) Run(ctx context.Context, req runner.SpawnRequest) (<-chan runner.AgentEvent, error) {
	s.runs++
	ch := make(chan runner.AgentEvent, 1)
	ch <- runner.AgentEvent{Kind: runner.EventResult, Outcome: "resolved", Err: s.fail}
	close(ch)
	return ch, nil
}

type fixture struct {
	cycle      *Cycle
	store      *store.Store
	clock      *ids.FakeClock
	workflows  *sqlite.WorkflowRepo
	workspaces *sqlite.WorkspaceRepo
	vcs        *fakeVCS
	spawner    *okSpawner
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), store.DBFileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clock := ids.NewFakeClock(1_000_000)
	v := &fakeVCS{prURL: "https://example.com/pr/7", commit: "abc123"}
	sp := &okSpawner{}
	return &fixture{
		cycle:      New(s, clock, v, sp),
		store:      s,
		clock:      clock,
		workflows:  sqlite.NewWorkflowRepo(s, clock),
		workspaces: sqlite.NewWorkspaceRepo(s, clock),
		vcs:        v,
		spawner:    sp,
	}
}

func (f *fixture) mustWorkflow(t *testing.T, config map[string]any) *domain.Workflow {
	t.Helper()
	w := &domain.Workflow{
		ID:               ids.New(ids.PrefixWorkflow),
		Name:             "w",
		SourceType:       domain.SourcePrompt,
		Status:           domain.WorkflowInProgress,
		MaxParallelTasks: 1,
		Config:           config,
		CreatedAt:        f.clock.NowMillis(),
		UpdatedAt:        f.clock.NowMillis(),
	}
	require.NoError(t, f.workflows.InsertIn(f.store.DB(), w))
	return w
}

func (f *fixture) mustWorkspace(t *testing.T, workflowID string) *domain.Workspace {
	t.Helper()
	ws := &domain.Workspace{
		ID:         ids.New(ids.PrefixWorkspace),
		WorkflowID: workflowID,
		Path:       "/tmp/ws",
		Branch:     "caw/wf/task",
		Status:     domain.WorkspaceActive,
	}
	require.NoError(t, f.workspaces.Create(ws))
	return ws
}

func TestHITLParksAtAwaitingMerge(t *testing.T) {
	f := setup(t)
	w := f.mustWorkflow(t, nil)

	status, err := f.cycle.OnTasksComplete(context.Background(), w.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowAwaitingMerge, status)
	require.Zero(t, f.vcs.opened)
}

func TestOffCompletesWithoutTouchingVCS(t *testing.T) {
	f := setup(t)
	w := f.mustWorkflow(t, nested("off"))
	f.mustWorkspace(t, w.ID)

	status, err := f.cycle.OnTasksComplete(context.Background(), w.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, status)
	require.Zero(t, f.vcs.opened)
	require.Zero(t, f.vcs.merges)
}

func TestAutoWithoutWorkspaceCompletes(t *testing.T) {
	f := setup(t)
	w := f.mustWorkflow(t, nested("auto"))

	status, err := f.cycle.OnTasksComplete(context.Background(), w.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, status)
	require.Zero(t, f.vcs.opened)
}

func TestAutoMergesCleanWorkspace(t *testing.T) {
	f := setup(t)
	w := f.mustWorkflow(t, nested("auto"))
	ws := f.mustWorkspace(t, w.ID)

	status, err := f.cycle.OnTasksComplete(context.Background(), w.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, status)
	require.Equal(t, 1, f.vcs.opened)
	require.Equal(t, 1, f.vcs.merges)
	require.Zero(t, f.vcs.rebases)

	got, err := f.workspaces.Get(ws.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkspaceMerged, got.Status)
	require.Equal(t, "abc123", *got.MergeCommit)
	require.Equal(t, "https://example.com/pr/7", *got.PRURL)
}

func TestAutoResolvesConflictsThroughRebaseAgent(t *testing.T) {
	f := setup(t)
	w := f.mustWorkflow(t, nested("auto"))
	f.mustWorkspace(t, w.ID)
	f.vcs.statuses = []*vcs.Status{
		{Mergeable: false, Conflicts: []string{"internal/api/server.go"}},
		{Mergeable: true},
	}

	status, err := f.cycle.OnTasksComplete(context.Background(), w.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, status)
	require.Equal(t, 1, f.spawner.runs)
	require.Equal(t, 1, f.vcs.rebases)
	require.Equal(t, 1, f.vcs.merges)
}

func TestAutoGivesUpAfterRepeatedConflicts(t *testing.T) {
	f := setup(t)
	w := f.mustWorkflow(t, nested("auto"))
	f.mustWorkspace(t, w.ID)
	conflicted := &vcs.Status{Mergeable: false, Conflicts: []string{"go.mod"}}
	f.vcs.statuses = []*vcs.Status{conflicted, conflicted, conflicted}

	_, err := f.cycle.OnTasksComplete(context.Background(), w.ID)
	require.Error(t, err)
	require.Zero(t, f.vcs.merges)
}

func TestAutoFailsWhenRebaseAgentFails(t *testing.T) {
	f := setup(t)
	w := f.mustWorkflow(t, nested("auto"))
	f.mustWorkspace(t, w.ID)
	f.vcs.statuses = []*vcs.Status{{Mergeable: false, Conflicts: []string{"go.sum"}}}
	f.spawner.fail = errors.New("could not reconcile lockfile")

	_, err := f.cycle.OnTasksComplete(context.Background(), w.ID)
	require.Error(t, err)
	require.Zero(t, f.vcs.merges)
}

func TestWorkspaceConfigOverridesWorkflow(t *testing.T) {
	f := setup(t)
	w := f.mustWorkflow(t, nested("auto"))
	ws := &domain.Workspace{
		ID:         ids.New(ids.PrefixWorkspace),
		WorkflowID: w.ID,
		Path:       "/tmp/ws",
		Branch:     "caw/wf/task",
		Status:     domain.WorkspaceActive,
		Config:     nested("hitl"),
	}
	require.NoError(t, f.workspaces.Create(ws))

	status, err := f.cycle.OnTasksComplete(context.Background(), w.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowAwaitingMerge, status)
}

func TestOnTasksCompleteMissingWorkflow(t *testing.T) {
	f := setup(t)
	_, err := f.cycle.OnTasksComplete(context.Background(), "wf_missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
