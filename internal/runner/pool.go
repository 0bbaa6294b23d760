package runner

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cawdev/caw/internal/contextpack"
	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/infrastructure/sqlite"
	"github.com/cawdev/caw/internal/log"
	"github.com/cawdev/caw/internal/pubsub"
	"github.com/cawdev/caw/internal/scheduler"
	"github.com/cawdev/caw/internal/store"
	"github.com/cawdev/caw/internal/tracing"
	"github.com/cawdev/caw/internal/vcs"
)

// stagnationAbortError is the outcome_detail recorded when the monitor
// kills an agent.
const stagnationAbortError = "aborted by stagnation monitor"

// PostCompletionHook runs once every task of the workflow is done and
// returns the status the workflow should finish in (completed or
// awaiting_merge).
type PostCompletionHook interface {
	OnTasksComplete(ctx context.Context, workflowID string) (domain.WorkflowStatus, error)
}

// PoolEventKind discriminates pool events.
type PoolEventKind string

const (
	PoolTaskClaimed  PoolEventKind = "task_claimed"
	PoolAgentSpawned PoolEventKind = "agent_spawned"
	PoolStagnation   PoolEventKind = "stagnation"
	PoolTaskDone     PoolEventKind = "task_done"
	PoolStopped      PoolEventKind = "stopped"
)

// PoolEvent is published on the pool's broker for front-ends.
type PoolEvent struct {
	Kind       PoolEventKind
	WorkflowID string
	TaskID     string
	AgentID    string
	Level      StagnationLevel
	Err        error
}

// PoolConfig parameterizes a pool.
type PoolConfig struct {
	PollInterval  time.Duration
	Monitor       MonitorConfig
	WorkspaceRoot string         // parent directory for provisioned worktrees
	AgentRuntime  string         // recorded on agent rows
	SpawnerConfig map[string]any // passed through to the spawner
	Tracer        trace.Tracer   // nil disables slot spans
}

// DefaultPoolConfig returns the pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		PollInterval: 2 * time.Second,
		Monitor:      DefaultMonitorConfig(),
		AgentRuntime: "claude",
	}
}

// Pool runs one workflow's tasks on a bounded set of agent slots.
type Pool struct {
	workflowID string
	store      *store.Store
	clock      ids.Clock
	workflows  *sqlite.WorkflowRepo
	tasks      *sqlite.TaskRepo
	agents     *sqlite.AgentRepo
	workspaces *sqlite.WorkspaceRepo
	cps        *sqlite.CheckpointRepo
	sched      *scheduler.Scheduler
	assembler  *contextpack.Assembler
	spawner    AgentSpawner
	vcs        vcs.VCS
	hook       PostCompletionHook
	cfg        PoolConfig
	events     *pubsub.Broker[PoolEvent]

	mu        sync.Mutex
	maxAgents int
	running   map[string]context.CancelFunc // task id -> slot cancel
	stopped   bool
	wake      chan struct{}
	wg        sync.WaitGroup
}

// NewPool creates a pool for one workflow.
func NewPool(workflowID string, s *store.Store, clock ids.Clock, spawner AgentSpawner, v vcs.VCS, hook PostCompletionHook, cfg PoolConfig) *Pool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Pool{
		workflowID: workflowID,
		store:      s,
		clock:      clock,
		workflows:  sqlite.NewWorkflowRepo(s, clock),
		tasks:      sqlite.NewTaskRepo(s, clock),
		agents:     sqlite.NewAgentRepo(s, clock),
		workspaces: sqlite.NewWorkspaceRepo(s, clock),
		cps:        sqlite.NewCheckpointRepo(s, clock),
		sched:      scheduler.New(s, clock),
		assembler:  contextpack.New(s, clock),
		spawner:    spawner,
		vcs:        v,
		hook:       hook,
		cfg:        cfg,
		events:     pubsub.NewBroker[PoolEvent](),
		maxAgents:  1,
		running:    make(map[string]context.CancelFunc),
		wake:       make(chan struct{}, 1),
	}
}

// Events is the broker carrying pool lifecycle events.
func (p *Pool) Events() *pubsub.Broker[PoolEvent] {
	return p.events
}

// SetMaxAgents adjusts the concurrency limit of a live pool. Shrinking
// never cancels running slots; it only stops new claims.
func (p *Pool) SetMaxAgents(n int) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	p.maxAgents = n
	p.mu.Unlock()
	p.Wake()
}

// Wake nudges the poll loop without waiting for the next tick.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run executes the poll loop until the workflow finishes, Stop is
// called, or ctx is cancelled. The workflow is moved to in_progress on
// the first claim and to the hook's terminal status once every task is
// done.
func (p *Pool) Run(ctx context.Context) error {
	log.Info(log.CatPool, "pool started", "workflow", p.workflowID)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	defer p.events.Close()

	for {
		done, err := p.tick(ctx)
		if err != nil {
			log.ErrorErr(log.CatPool, "pool tick failed", err, "workflow", p.workflowID)
		}
		if done {
			p.wg.Wait()
			p.publish(PoolEvent{Kind: PoolStopped, WorkflowID: p.workflowID})
			log.Info(log.CatPool, "pool finished", "workflow", p.workflowID)
			return nil
		}

		select {
		case <-ctx.Done():
			p.Stop()
			p.wg.Wait()
			p.publish(PoolEvent{Kind: PoolStopped, WorkflowID: p.workflowID})
			return ctx.Err()
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// Stop cancels every running slot and prevents new claims. Run returns
// after the slots drain.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	for _, cancel := range p.running {
		cancel()
	}
	p.mu.Unlock()
	p.Wake()
}

// tick runs one scheduling pass. It returns true when the pool is done.
func (p *Pool) tick(ctx context.Context) (bool, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return true, nil
	}
	runningCount := len(p.running)
	p.mu.Unlock()

	w, err := p.workflows.Get(p.workflowID)
	if err != nil {
		return true, err
	}
	if w.Status.IsTerminal() {
		return runningCount == 0, nil
	}
	p.mu.Lock()
	p.maxAgents = w.MaxParallelTasks
	limit := p.maxAgents
	p.mu.Unlock()

	if w.Status == domain.WorkflowPaused {
		return false, nil
	}

	next, err := p.sched.GetNextTasks(p.workflowID, false)
	if err != nil {
		return false, err
	}

	if next.AllComplete && runningCount == 0 {
		return true, p.finish(ctx, w)
	}

	for _, candidate := range next.Tasks {
		p.mu.Lock()
		slots := limit - len(p.running)
		_, alreadyRunning := p.running[candidate.Task.ID]
		p.mu.Unlock()
		if slots <= 0 {
			break
		}
		if alreadyRunning {
			continue
		}
		if err := p.startSlot(ctx, w, candidate.Task); err != nil {
			log.ErrorErr(log.CatPool, "slot start failed", err,
				"workflow", p.workflowID, "task", candidate.Task.ID)
		}
	}
	return false, nil
}

// startSlot claims the task, moves the workflow to in_progress when
// needed, and launches the slot goroutine.
func (p *Pool) startSlot(ctx context.Context, w *domain.Workflow, t *domain.Task) error {
	agent := &domain.Agent{
		WorkflowID: &p.workflowID,
		Name:       fmt.Sprintf("%s-agent", t.Name),
		Runtime:    p.cfg.AgentRuntime,
		Role:       domain.RoleWorker,
	}

	claimed := false
	err := p.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := p.agents.CreateIn(tx, agent); err != nil {
			return err
		}
		ok, err := p.tasks.ClaimIn(tx, t.ID, agent.ID)
		if err != nil {
			return err
		}
		if !ok {
			// Lost to a concurrent pool; drop the unused agent row.
			return domain.ErrNotClaimed
		}
		claimed = true
		if err := p.agents.SetBusyIn(tx, agent.ID, t.ID); err != nil {
			return err
		}
		if w.Status == domain.WorkflowReady {
			if err := p.workflows.UpdateStatusIn(tx, p.workflowID, domain.WorkflowInProgress); err != nil {
				return err
			}
			w.Status = domain.WorkflowInProgress
		}
		return nil
	})
	if err != nil {
		if claimed {
			return err
		}
		// A lost claim is normal contention, not a slot failure.
		if err == domain.ErrNotClaimed {
			return nil
		}
		return err
	}

	p.publish(PoolEvent{Kind: PoolTaskClaimed, WorkflowID: p.workflowID, TaskID: t.ID, AgentID: agent.ID})

	slotCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		cancel()
		return nil
	}
	p.running[t.ID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			cancel()
			p.mu.Lock()
			delete(p.running, t.ID)
			p.mu.Unlock()
			p.Wake()
		}()
		p.runSlot(slotCtx, w, t, agent)
	}()
	return nil
}

// runSlot drives one claimed task to a terminal state.
func (p *Pool) runSlot(ctx context.Context, w *domain.Workflow, t *domain.Task, agent *domain.Agent) {
	if p.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = p.cfg.Tracer.Start(ctx, "pool.run_task",
			trace.WithAttributes(
				attribute.String(tracing.AttrWorkflowID, p.workflowID),
				attribute.String(tracing.AttrTaskID, t.ID),
				attribute.String(tracing.AttrAgentID, agent.ID),
			),
		)
		defer span.End()
	}

	workspacePath, err := p.provisionWorkspace(ctx, w, t)
	if err != nil {
		p.completeTask(t, agent, "", fmt.Sprintf("workspace provisioning failed: %v", err))
		return
	}

	pack, err := p.assembler.Load(t.ID, contextpack.Options{})
	if err != nil {
		p.completeTask(t, agent, "", fmt.Sprintf("context assembly failed: %v", err))
		return
	}

	if err := p.tasks.UpdateStatusIn(p.store.DB(), t.ID, domain.TaskPlanning, nil, nil); err != nil {
		p.completeTask(t, agent, "", fmt.Sprintf("transition to planning failed: %v", err))
		return
	}

	events, err := p.spawner.Run(ctx, SpawnRequest{
		WorkflowID:    p.workflowID,
		TaskID:        t.ID,
		AgentID:       agent.ID,
		WorkspacePath: workspacePath,
		Context:       pack,
		SpawnerConfig: p.cfg.SpawnerConfig,
	})
	if err != nil {
		p.completeTask(t, agent, "", fmt.Sprintf("spawn failed: %v", err))
		return
	}
	p.publish(PoolEvent{Kind: PoolAgentSpawned, WorkflowID: p.workflowID, TaskID: t.ID, AgentID: agent.ID})

	monitor := NewMonitor(p.cfg.Monitor, p.clock)
	started := false
	lastLevel := StagnationNone

	for ev := range events {
		switch ev.Kind {
		case EventProgress:
			if !started {
				_ = p.tasks.UpdateStatusIn(p.store.DB(), t.ID, domain.TaskInProgress, nil, nil)
				started = true
			}
			level := monitor.Check(ev.Turns, ev.Fingerprint)
			if level != lastLevel {
				lastLevel = level
				log.Warn(log.CatPool, "stagnation level changed",
					"task", t.ID, "level", level.String(), "turns", ev.Turns)
				p.publish(PoolEvent{Kind: PoolStagnation, WorkflowID: p.workflowID, TaskID: t.ID, AgentID: agent.ID, Level: level})
			}
			if level == StagnationAbort {
				// Cancel the child; the stream will end with an error
				// result which we override with the abort reason.
				p.abortSlot(t.ID)
				for range events {
					// drain
				}
				p.completeTask(t, agent, "", stagnationAbortError)
				return
			}
		case EventResult:
			if ev.Err != nil {
				p.completeTask(t, agent, "", ev.Err.Error())
			} else {
				p.completeTask(t, agent, ev.Outcome, "")
			}
			return
		}
	}

	// Stream closed without a result: treat as failure unless the slot
	// was cancelled by Stop.
	if ctx.Err() != nil {
		p.completeTask(t, agent, "", "cancelled")
		return
	}
	p.completeTask(t, agent, "", "agent stream ended without a result")
}

func (p *Pool) abortSlot(taskID string) {
	p.mu.Lock()
	if cancel, ok := p.running[taskID]; ok {
		cancel()
	}
	p.mu.Unlock()
}

// provisionWorkspace creates a worktree for the task when the workflow
// asks for one, recording the workspace row and linking the task.
func (p *Pool) provisionWorkspace(ctx context.Context, w *domain.Workflow, t *domain.Task) (string, error) {
	if t.WorkspaceID != nil {
		if ws, err := p.workspaces.Get(*t.WorkspaceID); err == nil {
			return ws.Path, nil
		}
	}
	if !w.AutoCreateWS || p.vcs == nil {
		return p.cfg.WorkspaceRoot, nil
	}

	branch := fmt.Sprintf("caw/%s/%s", p.workflowID, t.ID)
	path := filepath.Join(p.cfg.WorkspaceRoot, fmt.Sprintf("%s-%s", p.workflowID, t.ID))
	if err := p.vcs.CreateWorktree(ctx, path, branch, ""); err != nil {
		return "", err
	}

	ws := &domain.Workspace{
		WorkflowID:   p.workflowID,
		RepositoryID: t.RepositoryID,
		Path:         path,
		Branch:       branch,
	}
	err := p.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := p.workspaces.CreateIn(tx, ws); err != nil {
			return err
		}
		return p.tasks.SetWorkspaceIn(tx, t.ID, ws.ID)
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// taskStatusPath returns the legal transition chain from one status to
// a terminal target, stepping through the working states when the
// direct edge does not exist. Nil means no chain reaches the target.
func taskStatusPath(from, to domain.TaskStatus) []domain.TaskStatus {
	if from == to {
		return nil
	}
	if domain.IsValidTaskTransition(from, to) {
		return []domain.TaskStatus{to}
	}
	forward := map[domain.TaskStatus]domain.TaskStatus{
		domain.TaskPending:  domain.TaskPlanning,
		domain.TaskPlanning: domain.TaskInProgress,
	}
	var path []domain.TaskStatus
	for cur := from; ; {
		next, ok := forward[cur]
		if !ok {
			return nil
		}
		path = append(path, next)
		cur = next
		if cur == to {
			return path
		}
		if domain.IsValidTaskTransition(cur, to) {
			return append(path, to)
		}
	}
}

/// completeTask finishes one task in a single transaction: terminal
// checkpoint, status walk to the terminal state, claim release, agent
// back online. A task that failed before its agent ever progressed sits
// in pending or planning, so the walk passes through the intermediate
// working states rather than jumping the transition table.
func (p *Pool) completeTask(t *domain.Task, agent *domain.Agent, outcome, errDetail string) {
	failed := errDetail != ""
	err := p.store.Tx(context.Background(), func(tx *sql.Tx) error {
		cur, err := p.tasks.GetIn(tx, t.ID)
		if err != nil {
			return err
		}
		target := domain.TaskCompleted
		if failed {
			target = domain.TaskFailed
		}
		path := taskStatusPath(cur.Status, target)
		if path == nil && cur.Status != target {
			return &domain.InvalidTransitionError{
				Kind: "task", ID: t.ID,
				From: string(cur.Status), To: string(target),
			}
		}
		cpType, cpSummary := domain.CheckpointComplete, outcome
		if failed {
			cpType, cpSummary = domain.CheckpointError, errDetail
		}
		if _, err := p.cps.AppendIn(tx, t.ID, cpType, cpSummary, nil, nil); err != nil {
			return err
		}
		for i, status := range path {
			var out, detail *string
			if i == len(path)-1 {
				if failed {
					detail = &errDetail
				} else {
					out = &outcome
				}
			}
			if err := p.tasks.UpdateStatusIn(tx, t.ID, status, out, detail); err != nil {
				return err
			}
		}
		if _, err := p.tasks.ReleaseIn(tx, t.ID, agent.ID); err != nil {
			return err
		}
		return p.agents.SetOnlineIn(tx, agent.ID)
	})
	if err != nil {
		log.ErrorErr(log.CatPool, "task completion write failed", err, "task", t.ID)
	}

	var evErr error
	if failed {
		evErr = fmt.Errorf("%s", errDetail)
	}
	p.publish(PoolEvent{Kind: PoolTaskDone, WorkflowID: p.workflowID, TaskID: t.ID, AgentID: agent.ID, Err: evErr})
	log.Info(log.CatPool, "task finished", "task", t.ID, "failed", failed)
}

// finish runs the post-completion hook and writes the workflow's final
// status.
func (p *Pool) finish(ctx context.Context, w *domain.Workflow) error {
	final := domain.WorkflowCompleted
	if p.hook != nil {
		status, err := p.hook.OnTasksComplete(ctx, p.workflowID)
		if err != nil {
			return fmt.Errorf("post-completion hook: %w", err)
		}
		if status != "" {
			final = status
		}
	}
	if w.Status == final {
		return nil
	}
	if !domain.IsValidWorkflowTransition(w.Status, final) {
		// A ready workflow whose tasks were all finished externally
		// never started; walk it through in_progress.
		if !domain.IsValidWorkflowTransition(w.Status, domain.WorkflowInProgress) ||
			!domain.IsValidWorkflowTransition(domain.WorkflowInProgress, final) {
			return &domain.InvalidTransitionError{
				Kind: "workflow", ID: p.workflowID,
				From: string(w.Status), To: string(final),
			}
		}
		if err := p.workflows.UpdateStatusIn(p.store.DB(), p.workflowID, domain.WorkflowInProgress); err != nil {
			return err
		}
		w.Status = domain.WorkflowInProgress
	}
	return p.workflows.UpdateStatusIn(p.store.DB(), p.workflowID, final)
}

func (p *Pool) publish(ev PoolEvent) {
	p.events.Publish(pubsub.CreatedEvent, ev)
}
