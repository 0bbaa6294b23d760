package sqlite

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/store"
)

type testRepos struct {
	store     *store.Store
	clock     *ids.FakeClock
	workflows *WorkflowRepo
	tasks     *TaskRepo
	deps      *DependencyRepo
	cps       *CheckpointRepo
	agents    *AgentRepo
	messages  *MessageRepo
	sessions  *SessionRepo
	memories  *MemoryRepo
	repos     *RepositoryRepo
	templates *TemplateRepo
	spaces    *WorkspaceRepo
}

func setupRepos(t *testing.T) *testRepos {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), store.DBFileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clock := ids.NewFakeClock(1_000_000)
	return &testRepos{
		store:     s,
		clock:     clock,
		workflows: NewWorkflowRepo(s, clock),
		tasks:     NewTaskRepo(s, clock),
		deps:      NewDependencyRepo(s),
		cps:       NewCheckpointRepo(s, clock),
		agents:    NewAgentRepo(s, clock),
		messages:  NewMessageRepo(s, clock),
		sessions:  NewSessionRepo(s, clock),
		memories:  NewMemoryRepo(s, clock),
		repos:     NewRepositoryRepo(s, clock),
		templates: NewTemplateRepo(s, clock),
		spaces:    NewWorkspaceRepo(s, clock),
	}
}

func (r *testRepos) mustWorkflow(t *testing.T, name string) *domain.Workflow {
	t.Helper()
	w := &domain.Workflow{
		ID:               ids.New(ids.PrefixWorkflow),
		Name:             name,
		SourceType:       domain.SourcePrompt,
		Status:           domain.WorkflowPlanning,
		MaxParallelTasks: 1,
		CreatedAt:        r.clock.NowMillis(),
		UpdatedAt:        r.clock.NowMillis(),
	}
	require.NoError(t, r.workflows.InsertIn(r.store.DB(), w))
	return w
}

func (r *testRepos) mustTask(t *testing.T, workflowID, name string, seq int) *domain.Task {
	t.Helper()
	tk := &domain.Task{
		ID:         ids.New(ids.PrefixTask),
		WorkflowID: workflowID,
		Name:       name,
		Status:     domain.TaskPending,
		Sequence:   seq,
		CreatedAt:  r.clock.NowMillis(),
		UpdatedAt:  r.clock.NowMillis(),
	}
	require.NoError(t, r.tasks.InsertIn(r.store.DB(), tk))
	return tk
}

func TestWorkflowRepoRoundTrip(t *testing.T) {
	r := setupRepos(t)

	ref := "issue-42"
	w := &domain.Workflow{
		ID:               ids.New(ids.PrefixWorkflow),
		Name:             "add caching layer",
		SourceType:       domain.SourceIssue,
		SourceRef:        &ref,
		Status:           domain.WorkflowPlanning,
		MaxParallelTasks: 3,
		AutoCreateWS:     true,
		Config:           map[string]any{"cycle_mode": "auto"},
		CreatedAt:        r.clock.NowMillis(),
		UpdatedAt:        r.clock.NowMillis(),
	}
	require.NoError(t, r.workflows.InsertIn(r.store.DB(), w))

	got, err := r.workflows.Get(w.ID)
	require.NoError(t, err)
	require.Equal(t, w.Name, got.Name)
	require.Equal(t, domain.SourceIssue, got.SourceType)
	require.Equal(t, "issue-42", *got.SourceRef)
	require.True(t, got.AutoCreateWS)
	require.Equal(t, "auto", got.Config["cycle_mode"])
}

func TestWorkflowRepoGetMissing(t *testing.T) {
	r := setupRepos(t)

	_, err := r.workflows.Get("wf_missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWorkflowRepoListFilters(t *testing.T) {
	r := setupRepos(t)

	w1 := r.mustWorkflow(t, "one")
	w2 := r.mustWorkflow(t, "two")
	require.NoError(t, r.workflows.UpdateStatusIn(r.store.DB(), w2.ID, domain.WorkflowReady))

	ready, err := r.workflows.List(ListFilter{Status: domain.WorkflowReady})
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, w2.ID, ready[0].ID)

	all, err := r.workflows.List(ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	_ = w1
}

func TestWorkflowRepoTryLock(t *testing.T) {
	r := setupRepos(t)
	w := r.mustWorkflow(t, "locked")

	acquired, holder, err := r.workflows.TryLockIn(r.store.DB(), w.ID, "ss_a")
	require.NoError(t, err)
	require.True(t, acquired)
	require.Equal(t, "ss_a", holder)

	// Re-entrant for the same session.
	acquired, _, err = r.workflows.TryLockIn(r.store.DB(), w.ID, "ss_a")
	require.NoError(t, err)
	require.True(t, acquired)

	// Denied for another session, holder reported.
	acquired, holder, err = r.workflows.TryLockIn(r.store.DB(), w.ID, "ss_b")
	require.NoError(t, err)
	require.False(t, acquired)
	require.Equal(t, "ss_a", holder)

	// Unlock by non-holder is a no-op.
	released, err := r.workflows.UnlockIn(r.store.DB(), w.ID, "ss_b")
	require.NoError(t, err)
	require.False(t, released)

	released, err = r.workflows.UnlockIn(r.store.DB(), w.ID, "ss_a")
	require.NoError(t, err)
	require.True(t, released)

	acquired, _, err = r.workflows.TryLockIn(r.store.DB(), w.ID, "ss_b")
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestTaskRepoClaimIsExclusive(t *testing.T) {
	r := setupRepos(t)
	w := r.mustWorkflow(t, "wf")
	tk := r.mustTask(t, w.ID, "build", 1)

	ok, err := r.tasks.ClaimIn(r.store.DB(), tk.ID, "ag_one")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.tasks.ClaimIn(r.store.DB(), tk.ID, "ag_two")
	require.NoError(t, err)
	require.False(t, ok)

	got, err := r.tasks.Get(tk.ID)
	require.NoError(t, err)
	require.Equal(t, "ag_one", *got.AssignedAgentID)
	require.NotNil(t, got.ClaimedAt)

	ok, err = r.tasks.ReleaseIn(r.store.DB(), tk.ID, "ag_two")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = r.tasks.ReleaseIn(r.store.DB(), tk.ID, "ag_one")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTaskRepoListAvailableHonorsBlockingDeps(t *testing.T) {
	r := setupRepos(t)
	w := r.mustWorkflow(t, "wf")
	a := r.mustTask(t, w.ID, "schema", 1)
	b := r.mustTask(t, w.ID, "api", 2)
	c := r.mustTask(t, w.ID, "docs", 3)

	require.NoError(t, r.deps.AddIn(r.store.DB(), b.ID, a.ID, domain.DepBlocks))
	require.NoError(t, r.deps.AddIn(r.store.DB(), c.ID, a.ID, domain.DepInforms))

	avail, err := r.tasks.ListAvailable(w.ID, false, 0)
	require.NoError(t, err)
	require.Len(t, avail, 2)
	require.Equal(t, a.ID, avail[0].ID)
	require.Equal(t, c.ID, avail[1].ID)

	// Skipped satisfies dependents the same as completed.
	require.NoError(t, r.tasks.UpdateStatusIn(r.store.DB(), a.ID, domain.TaskSkipped, nil, nil))
	avail, err = r.tasks.ListAvailable(w.ID, false, 0)
	require.NoError(t, err)
	require.Len(t, avail, 2)
	require.Equal(t, b.ID, avail[0].ID)
}

func TestTaskRepoCloseSequenceGap(t *testing.T) {
	r := setupRepos(t)
	w := r.mustWorkflow(t, "wf")
	r.mustTask(t, w.ID, "one", 1)
	two := r.mustTask(t, w.ID, "two", 2)
	r.mustTask(t, w.ID, "three", 3)
	r.mustTask(t, w.ID, "four", 4)

	err := r.store.Tx(t.Context(), func(tx *sql.Tx) error {
		if err := r.deps.DeleteIncidentIn(tx, two.ID); err != nil {
			return err
		}
		if err := r.tasks.DeleteIn(tx, two.ID); err != nil {
			return err
		}
		return r.tasks.CloseSequenceGapIn(tx, w.ID, two.Sequence)
	})
	require.NoError(t, err)

	remaining, err := r.tasks.ListByWorkflow(w.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 3)
	for i, tk := range remaining {
		require.Equal(t, i+1, tk.Sequence)
	}
}

func TestCheckpointRepoDenseSequence(t *testing.T) {
	r := setupRepos(t)
	w := r.mustWorkflow(t, "wf")
	tk := r.mustTask(t, w.ID, "build", 1)

	for i := 0; i < 3; i++ {
		_, err := r.cps.AppendIn(r.store.DB(), tk.ID, domain.CheckpointProgress, "step", nil, nil)
		require.NoError(t, err)
	}
	cps, err := r.cps.ListByTask(tk.ID, 0)
	require.NoError(t, err)
	require.Len(t, cps, 3)
	for i, cp := range cps {
		require.Equal(t, i+1, cp.Sequence)
	}

	// Limit keeps the most recent entries, still oldest first.
	recent, err := r.cps.ListByTask(tk.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, 2, recent[0].Sequence)
	require.Equal(t, 3, recent[1].Sequence)
}

func TestAgentRepoLifecycle(t *testing.T) {
	r := setupRepos(t)

	a := &domain.Agent{Name: "worker-1", Runtime: "claude"}
	require.NoError(t, r.agents.Create(a))
	require.Equal(t, domain.RoleWorker, a.Role)
	require.Equal(t, domain.AgentOnline, a.Status)

	require.NoError(t, r.agents.SetBusyIn(r.store.DB(), a.ID, "tk_x"))
	got, err := r.agents.Get(a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AgentBusy, got.Status)
	require.Equal(t, "tk_x", *got.CurrentTaskID)

	require.NoError(t, r.agents.SetOnlineIn(r.store.DB(), a.ID))
	got, err = r.agents.Get(a.ID)
	require.NoError(t, err)
	require.Nil(t, got.CurrentTaskID)

	r.clock.Advance(time.Minute)
	stale, err := r.agents.StaleIn(r.store.DB(), r.clock.NowMillis())
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.NoError(t, r.agents.Heartbeat(a.ID))
	stale, err = r.agents.StaleIn(r.store.DB(), r.clock.NowMillis()-1)
	require.NoError(t, err)
	require.Empty(t, stale)
}

func TestMessageRepoThreadAndRead(t *testing.T) {
	r := setupRepos(t)

	first := &domain.Message{RecipientID: "ag_a", Type: domain.MsgQuery, Body: "which branch?"}
	require.NoError(t, r.messages.InsertIn(r.store.DB(), first))
	require.Equal(t, first.ID, first.ThreadID)

	reply := &domain.Message{
		RecipientID: "ag_b",
		Type:        domain.MsgResponse,
		Body:        "main",
		ReplyToID:   &first.ID,
		ThreadID:    first.ThreadID,
	}
	require.NoError(t, r.messages.InsertIn(r.store.DB(), reply))

	thread, err := r.messages.ListThread(first.ThreadID)
	require.NoError(t, err)
	require.Len(t, thread, 2)

	n, err := r.messages.MarkRead([]string{first.ID, "msg_missing"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Marking read twice changes nothing.
	n, err = r.messages.MarkRead([]string{first.ID})
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := r.messages.Get(first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MessageRead, got.Status)
	require.NotNil(t, got.ReadAt)
}

func TestMessageRepoExpiry(t *testing.T) {
	r := setupRepos(t)

	expires := r.clock.NowMillis() + 1000
	m := &domain.Message{RecipientID: "ag_a", Type: domain.MsgBroadcast, Body: "hi", ExpiresAt: &expires}
	require.NoError(t, r.messages.InsertIn(r.store.DB(), m))

	inbox, err := r.messages.List(MessageFilter{RecipientID: "ag_a"})
	require.NoError(t, err)
	require.Len(t, inbox, 1)

	r.clock.Advance(2 * time.Second)
	inbox, err = r.messages.List(MessageFilter{RecipientID: "ag_a"})
	require.NoError(t, err)
	require.Empty(t, inbox)

	deleted, err := r.messages.DeleteExpired()
	require.NoError(t, err)
	require.Equal(t, 1, deleted)
}

func TestMessageRepoCountUnread(t *testing.T) {
	r := setupRepos(t)

	for _, p := range []domain.MessagePriority{domain.PriorityNormal, domain.PriorityNormal, domain.PriorityUrgent} {
		m := &domain.Message{RecipientID: "ag_a", Type: domain.MsgStatusUpdate, Body: "x", Priority: p}
		require.NoError(t, r.messages.InsertIn(r.store.DB(), m))
	}
	counts, err := r.messages.CountUnread("ag_a")
	require.NoError(t, err)
	require.Equal(t, 2, counts[domain.PriorityNormal])
	require.Equal(t, 1, counts[domain.PriorityUrgent])
}

func TestSessionRepoDaemonPromotion(t *testing.T) {
	r := setupRepos(t)

	s1 := &domain.Session{PID: 100}
	s2 := &domain.Session{PID: 200}
	require.NoError(t, r.sessions.Create(s1))
	require.NoError(t, r.sessions.Create(s2))

	_, err := r.sessions.GetDaemon()
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, r.sessions.PromoteToDaemonIn(r.store.DB(), s1.ID))
	d, err := r.sessions.GetDaemon()
	require.NoError(t, err)
	require.Equal(t, s1.ID, d.ID)

	// Promotion moves the flag, never duplicates it.
	require.NoError(t, r.sessions.PromoteToDaemonIn(r.store.DB(), s2.ID))
	d, err = r.sessions.GetDaemon()
	require.NoError(t, err)
	require.Equal(t, s2.ID, d.ID)

	all, err := r.sessions.List()
	require.NoError(t, err)
	daemons := 0
	for _, s := range all {
		if s.IsDaemon {
			daemons++
		}
	}
	require.Equal(t, 1, daemons)
}

func TestSessionRepoStaleAndDelete(t *testing.T) {
	r := setupRepos(t)

	s1 := &domain.Session{PID: 100}
	require.NoError(t, r.sessions.Create(s1))
	r.clock.Advance(2 * time.Minute)
	s2 := &domain.Session{PID: 200}
	require.NoError(t, r.sessions.Create(s2))

	stale, err := r.sessions.StaleIn(r.store.DB(), r.clock.NowMillis()-60_000)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, s1.ID, stale[0].ID)

	require.NoError(t, r.sessions.DeleteIn(r.store.DB(), []string{s1.ID}))
	_, err = r.sessions.Get(s1.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryRepoDuplicateAndReinforce(t *testing.T) {
	r := setupRepos(t)

	m := &domain.Memory{Topic: "testing", Content: "use table tests"}
	require.NoError(t, r.memories.InsertIn(r.store.DB(), m))
	require.Equal(t, 1.0, m.Confidence)
	require.Equal(t, 0.05, m.DecayRate)

	dup, err := r.memories.FindDuplicateIn(r.store.DB(), nil, "testing", "use table tests")
	require.NoError(t, err)
	require.NotNil(t, dup)
	require.Equal(t, m.ID, dup.ID)

	none, err := r.memories.FindDuplicateIn(r.store.DB(), nil, "testing", "something else")
	require.NoError(t, err)
	require.Nil(t, none)

	require.NoError(t, r.memories.ReinforceIn(r.store.DB(), m.ID, 0.9))
	got, err := r.memories.Get(m.ID)
	require.NoError(t, err)
	require.Equal(t, 0.9, got.Confidence)
	require.Equal(t, 1, got.ReinforcementCount)
}

func TestMemoryRepoRepoScopedListIncludesGlobal(t *testing.T) {
	r := setupRepos(t)

	repo, err := r.repos.Ensure("/tmp/project", nil)
	require.NoError(t, err)

	scoped := &domain.Memory{RepositoryID: &repo.ID, Topic: "build", Content: "make lint first"}
	global := &domain.Memory{Topic: "build", Content: "prefer small commits"}
	other := &domain.Memory{Topic: "deploy", Content: "staging first"}
	for _, m := range []*domain.Memory{scoped, global, other} {
		require.NoError(t, r.memories.InsertIn(r.store.DB(), m))
	}

	got, err := r.memories.List(MemoryFilter{RepositoryID: &repo.ID, ScopeToRepo: true, Topic: "build"})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestRepositoryRepoEnsureIdempotent(t *testing.T) {
	r := setupRepos(t)

	first, err := r.repos.Ensure("/tmp/project", nil)
	require.NoError(t, err)
	second, err := r.repos.Ensure("/tmp/project", nil)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	byPath, err := r.repos.GetByPath("/tmp/project")
	require.NoError(t, err)
	require.Equal(t, first.ID, byPath.ID)
}

func TestTemplateRepoUpsert(t *testing.T) {
	r := setupRepos(t)

	tpl := &domain.Template{Name: "release", Template: `{"tasks":[]}`}
	require.NoError(t, r.templates.Upsert(tpl))

	updated := &domain.Template{Name: "release", Template: `{"tasks":[{"name":"tag"}]}`}
	require.NoError(t, r.templates.Upsert(updated))
	require.Equal(t, tpl.ID, updated.ID)

	got, err := r.templates.GetByName("release")
	require.NoError(t, err)
	require.Contains(t, got.Template, "tag")

	list, err := r.templates.List()
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, r.templates.Delete(tpl.ID))
	_, err = r.templates.GetByName("release")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWorkspaceRepoStatus(t *testing.T) {
	r := setupRepos(t)
	w := r.mustWorkflow(t, "wf")

	ws := &domain.Workspace{WorkflowID: w.ID, Path: "/tmp/ws", Branch: "caw/wf-1"}
	require.NoError(t, r.spaces.Create(ws))
	require.Equal(t, domain.WorkspaceActive, ws.Status)

	commit := "abc123"
	require.NoError(t, r.spaces.UpdateStatus(ws.ID, domain.WorkspaceMerged, &commit, nil))

	got, err := r.spaces.Get(ws.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkspaceMerged, got.Status)
	require.Equal(t, "abc123", *got.MergeCommit)
}
