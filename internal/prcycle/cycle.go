package prcycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/cawdev/caw/internal/contextpack"
	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/infrastructure/sqlite"
	"github.com/cawdev/caw/internal/log"
	"github.com/cawdev/caw/internal/runner"
	"github.com/cawdev/caw/internal/store"
	"github.com/cawdev/caw/internal/vcs"
)

// maxConflictSummaryChars bounds the diff text handed to the rebase
// agent per file.
const maxConflictSummaryChars = 4000

// rebaseAttempts bounds how many rebase-agent rounds one cycle runs.
const rebaseAttempts = 2

// FileReader is implemented by VCS backends that can read a file at a
// ref; conflict summaries degrade to path lists without it.
type FileReader interface {
	FileAtRef(ctx context.Context, ws *domain.Workspace, ref, path string) (string, error)
}

// Cycle is the post-completion hook the runner pool invokes once every
// task of a workflow is done.
type Cycle struct {
	clock      ids.Clock
	workflows  *sqlite.WorkflowRepo
	workspaces *sqlite.WorkspaceRepo
	vcs        vcs.VCS
	spawner    runner.AgentSpawner

	// CLIMode and FileConfig are the outer config layers; the daemon
	// refreshes FileConfig when .caw/config.json changes.
	CLIMode    string
	FileConfig map[string]any
}

// New creates a Cycle.
func New(s *store.Store, clock ids.Clock, v vcs.VCS, spawner runner.AgentSpawner) *Cycle {
	return &Cycle{
		clock:      clock,
		workflows:  sqlite.NewWorkflowRepo(s, clock),
		workspaces: sqlite.NewWorkspaceRepo(s, clock),
		vcs:        v,
		spawner:    spawner,
	}
}

// OnTasksComplete resolves the cycle mode and returns the status the
// workflow should finish in: awaiting_merge for hitl, completed for off
// and for a successful auto cycle.
func (c *Cycle) OnTasksComplete(ctx context.Context, workflowID string) (domain.WorkflowStatus, error) {
	w, err := c.workflows.Get(workflowID)
	if err != nil {
		return "", err
	}
	ws := c.activeWorkspace(workflowID)

	var wsConfig map[string]any
	if ws != nil {
		wsConfig = ws.Config
	}
	mode := Resolve(ResolveInput{
		CLI:             c.CLIMode,
		WorkspaceConfig: wsConfig,
		WorkflowConfig:  w.Config,
		FileConfig:      c.FileConfig,
	})
	log.Info(log.CatCycle, "cycle mode resolved", "workflow", workflowID, "mode", mode)

	switch mode {
	case ModeOff:
		return domain.WorkflowCompleted, nil
	case ModeHITL:
		return domain.WorkflowAwaitingMerge, nil
	}

	if ws == nil {
		// Nothing to merge without a workspace.
		return domain.WorkflowCompleted, nil
	}
	if err := c.runAuto(ctx, workflowID, ws); err != nil {
		return "", err
	}
	return domain.WorkflowCompleted, nil
}

// runAuto drives the open/rebase/merge loop for one workspace.
func (c *Cycle) runAuto(ctx context.Context, workflowID string, ws *domain.Workspace) error {
	url, err := c.vcs.OpenOrRefreshPR(ctx, ws)
	if err != nil {
		return fmt.Errorf("open pr: %w", err)
	}
	if err := c.workspaces.UpdateStatus(ws.ID, ws.Status, nil, &url); err != nil {
		return err
	}
	ws.PRURL = &url

	for attempt := 0; ; attempt++ {
		status, err := c.vcs.CheckStatus(ctx, ws)
		if err != nil {
			return fmt.Errorf("check pr status: %w", err)
		}
		if status.Mergeable {
			break
		}
		if attempt >= rebaseAttempts {
			return fmt.Errorf("workspace %s still conflicted after %d rebase attempts", ws.ID, attempt)
		}
		log.Warn(log.CatCycle, "pr has conflicts",
			"workflow", workflowID, "workspace", ws.ID, "files", len(status.Conflicts))
		if err := c.resolveConflicts(ctx, workflowID, ws, status.Conflicts); err != nil {
			return err
		}
		if err := c.vcs.Rebase(ctx, ws); err != nil {
			return fmt.Errorf("rebase: %w", err)
		}
	}

	commit, err := c.vcs.Merge(ctx, ws)
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	if err := c.workspaces.UpdateStatus(ws.ID, domain.WorkspaceMerged, &commit, nil); err != nil {
		return err
	}
	log.Info(log.CatCycle, "workspace merged", "workflow", workflowID, "workspace", ws.ID, "commit", commit)
	return nil
}

// resolveConflicts spawns a short-lived rebase agent with per-file
// conflict summaries and waits for it to finish.
func (c *Cycle) resolveConflicts(ctx context.Context, workflowID string, ws *domain.Workspace, conflicts []string) error {
	summary := c.conflictSummaries(ctx, ws, conflicts)

	events, err := c.spawner.Run(ctx, runner.SpawnRequest{
		WorkflowID:    workflowID,
		TaskID:        "rebase",
		WorkspacePath: ws.Path,
		Context: &contextpack.Pack{
			CurrentTask: &contextpack.CurrentTaskSection{
				Name:        "resolve merge conflicts",
				Description: &summary,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("spawn rebase agent: %w", err)
	}
	for ev := range events {
		if ev.Kind == runner.EventResult {
			if ev.Err != nil {
				return fmt.Errorf("rebase agent: %w", ev.Err)
			}
			return nil
		}
	}
	return fmt.Errorf("rebase agent stream ended without a result")
}

// conflictSummaries renders each conflicted file as a compact diff of
// the base version against the branch version. Backends that cannot
// read files at a ref get a bare path list.
func (c *Cycle) conflictSummaries(ctx context.Context, ws *domain.Workspace, conflicts []string) string {
	var b strings.Builder
	b.WriteString("Conflicting files:\n")

	reader, canRead := c.vcs.(FileReader)
	base := "origin/main"
	if ws.BaseBranch != nil && *ws.BaseBranch != "" {
		base = "origin/" + *ws.BaseBranch
	}

	dmp := diffmatchpatch.New()
	for _, path := range conflicts {
		b.WriteString("- " + path + "\n")
		if !canRead {
			continue
		}
		ours, err1 := reader.FileAtRef(ctx, ws, ws.Branch, path)
		theirs, err2 := reader.FileAtRef(ctx, ws, base, path)
		if err1 != nil || err2 != nil {
			continue
		}
		diffs := dmp.DiffMain(theirs, ours, true)
		dmp.DiffCleanupSemantic(diffs)
		patch := dmp.PatchToText(dmp.PatchMake(theirs, diffs))
		if len(patch) > maxConflictSummaryChars {
			patch = patch[:maxConflictSummaryChars] + "\n... (truncated)"
		}
		b.WriteString(patch)
		b.WriteString("\n")
	}
	return b.String()
}

// activeWorkspace returns the newest active workspace, or nil.
func (c *Cycle) activeWorkspace(workflowID string) *domain.Workspace {
	spaces, err := c.workspaces.ListByWorkflow(workflowID)
	if err != nil {
		return nil
	}
	for _, ws := range spaces {
		if ws.Status == domain.WorkspaceActive {
			return ws
		}
	}
	return nil
}
