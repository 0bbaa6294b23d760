// Package contextpack assembles the bounded-token payload handed to an
// agent invocation: workflow framing, the current task with its recent
// checkpoints, prior task outcomes, and sibling/dependency summaries.
// Token counts are estimated as ceil(len/4); budgets are fractions of
// the caller's max and a single rebalancing pass trims overruns.
package contextpack

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/infrastructure/sqlite"
	"github.com/cawdev/caw/internal/log"
	"github.com/cawdev/caw/internal/store"
)

// DefaultMaxTokens bounds the assembled payload when the caller does not
// specify a budget.
const DefaultMaxTokens = 8000

// Section budget fractions of max_tokens.
const (
	workflowShare = 0.15
	currentShare  = 0.55
	priorShare    = 0.20
	siblingShare  = 0.10
)

// recentCheckpoints is how many checkpoints the current-task section
// carries unless the caller asks for all of them.
const recentCheckpoints = 5

// maxFileEntries truncates checkpoint file lists.
const maxFileEntries = 10

// Assembler builds context packs from the store.
type Assembler struct {
	workflows *sqlite.WorkflowRepo
	tasks     *sqlite.TaskRepo
	deps      *sqlite.DependencyRepo
	cps       *sqlite.CheckpointRepo
}

// New creates an Assembler.
func New(s *store.Store, clock ids.Clock) *Assembler {
	return &Assembler{
		workflows: sqlite.NewWorkflowRepo(s, clock),
		tasks:     sqlite.NewTaskRepo(s, clock),
		deps:      sqlite.NewDependencyRepo(s),
		cps:       sqlite.NewCheckpointRepo(s, clock),
	}
}

// Options adjust what Load includes.
type Options struct {
	MaxTokens      int
	AllCheckpoints bool
	SkipWorkflow   bool
	SkipPrior      bool
	SkipSiblings   bool
}

// WorkflowSection frames the workflow for the agent.
type WorkflowSection struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Status        string  `json:"status"`
	PlanSummary   *string `json:"plan_summary,omitempty"`
	SourceSummary string  `json:"source_summary,omitempty"`
}

// CheckpointSection is one checkpoint entry.
type CheckpointSection struct {
	Sequence     int            `json:"sequence"`
	Type         string         `json:"type"`
	Summary      string         `json:"summary"`
	Detail       map[string]any `json:"detail,omitempty"`
	FilesChanged []string       `json:"files_changed,omitempty"`
}

// CurrentTaskSection carries the task under execution.
type CurrentTaskSection struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description *string             `json:"description,omitempty"`
	Status      string              `json:"status"`
	Plan        *string             `json:"plan,omitempty"`
	Context     map[string]any      `json:"context,omitempty"`
	Checkpoints []CheckpointSection `json:"checkpoints,omitempty"`
}

// TaskSummary is a compact prior/sibling task entry.
type TaskSummary struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Status  string  `json:"status"`
	Outcome *string `json:"outcome,omitempty"`
}

// Pack is the assembled payload.
type Pack struct {
	Workflow           *WorkflowSection    `json:"workflow,omitempty"`
	CurrentTask        *CurrentTaskSection `json:"current_task,omitempty"`
	PriorTasks         []TaskSummary       `json:"prior_tasks,omitempty"`
	SiblingTasks       []TaskSummary       `json:"sibling_tasks,omitempty"`
	DependencyOutcomes []TaskSummary       `json:"dependency_outcomes,omitempty"`
	TokenEstimate      int                 `json:"token_estimate"`
}

// Load assembles the context pack for a task.
func (a *Assembler) Load(taskID string, opts Options) (*Pack, error) {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}

	t, err := a.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	w, err := a.workflows.Get(t.WorkflowID)
	if err != nil {
		return nil, err
	}
	siblings, err := a.tasks.ListByWorkflow(t.WorkflowID)
	if err != nil {
		return nil, err
	}
	edges, err := a.deps.DependenciesOf(taskID)
	if err != nil {
		return nil, err
	}

	pack := &Pack{}

	if !opts.SkipWorkflow {
		ws := &WorkflowSection{
			ID:          w.ID,
			Name:        w.Name,
			Status:      string(w.Status),
			PlanSummary: w.PlanSummary,
		}
		if w.SourceContent != nil {
			ws.SourceSummary = *w.SourceContent
		}
		pack.Workflow = ws
	}

	limit := recentCheckpoints
	if opts.AllCheckpoints {
		limit = 0
	}
	cps, err := a.cps.ListByTask(taskID, limit)
	if err != nil {
		return nil, err
	}
	cur := &CurrentTaskSection{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		Status:      string(t.Status),
		Plan:        t.Plan,
		Context:     t.Context,
	}
	for _, cp := range cps {
		cur.Checkpoints = append(cur.Checkpoints, CheckpointSection{
			Sequence:     cp.Sequence,
			Type:         string(cp.Type),
			Summary:      cp.Summary,
			Detail:       cp.Detail,
			FilesChanged: truncateFiles(cp.FilesChanged),
		})
	}
	pack.CurrentTask = cur

	byID := make(map[string]*domain.Task, len(siblings))
	for _, st := range siblings {
		byID[st.ID] = st
	}

	if !opts.SkipPrior {
		pack.PriorTasks = priorTasks(t, siblings, byID)
	}

	if !opts.SkipSiblings {
		if t.ParallelGroup != nil {
			for _, st := range siblings {
				if st.ID != t.ID && st.ParallelGroup != nil && *st.ParallelGroup == *t.ParallelGroup {
					pack.SiblingTasks = append(pack.SiblingTasks, summarize(st))
				}
			}
		}
		for _, e := range edges {
			if dep, ok := byID[e.DependsOnID]; ok {
				pack.DependencyOutcomes = append(pack.DependencyOutcomes, summarize(dep))
			}
		}
	}

	a.rebalance(pack, opts.MaxTokens)
	pack.TokenEstimate = estimatePack(pack)
	log.Debug(log.CatContext, "context assembled",
		"task", taskID, "tokens", pack.TokenEstimate, "budget", opts.MaxTokens)
	return pack, nil
}

// priorTasks selects the chronological history. An explicit context_from
// list restricts it; otherwise every earlier-sequence task qualifies.
func priorTasks(t *domain.Task, all []*domain.Task, byID map[string]*domain.Task) []TaskSummary {
	var out []TaskSummary
	if len(t.ContextFrom) > 0 {
		for _, id := range t.ContextFrom {
			if prior, ok := byID[id]; ok {
				out = append(out, summarize(prior))
			}
		}
		return out
	}
	for _, prior := range all {
		if prior.Sequence < t.Sequence {
			out = append(out, summarize(prior))
		}
	}
	return out
}

func summarize(t *domain.Task) TaskSummary {
	return TaskSummary{ID: t.ID, Name: t.Name, Status: string(t.Status), Outcome: t.Outcome}
}

func truncateFiles(files []string) []string {
	if len(files) <= maxFileEntries {
		return files
	}
	out := make([]string, maxFileEntries, maxFileEntries+1)
	copy(out, files[:maxFileEntries])
	out = append(out, fmt.Sprintf("... and %d more files", len(files)-maxFileEntries))
	return out
}

// EstimateTokens is the char/4 rule, rounded up.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

func estimateJSON(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return EstimateTokens(string(b))
}

func estimatePack(p *Pack) int {
	total := 0
	if p.Workflow != nil {
		total += estimateJSON(p.Workflow)
	}
	if p.CurrentTask != nil {
		total += estimateJSON(p.CurrentTask)
	}
	total += estimateJSON(p.PriorTasks)
	total += estimateJSON(p.SiblingTasks)
	total += estimateJSON(p.DependencyOutcomes)
	return total
}

// rebalance applies per-section budgets in one pass. Each overweight
// section sheds content its own way: the workflow section shrinks its
// source summary, the current-task section drops older checkpoints, and
// array sections drop entries from the tail.
func (a *Assembler) rebalance(p *Pack, maxTokens int) {
	if estimatePack(p) <= maxTokens {
		return
	}

	if p.Workflow != nil {
		budget := int(float64(maxTokens) * workflowShare)
		for estimateJSON(p.Workflow) > budget && len(p.Workflow.SourceSummary) > 0 {
			keep := len(p.Workflow.SourceSummary) / 2
			for keep > 0 && !utf8.RuneStart(p.Workflow.SourceSummary[keep]) {
				keep--
			}
			p.Workflow.SourceSummary = p.Workflow.SourceSummary[:keep]
		}
	}

	if p.CurrentTask != nil {
		budget := int(float64(maxTokens) * currentShare)
		for estimateJSON(p.CurrentTask) > budget && len(p.CurrentTask.Checkpoints) > 1 {
			p.CurrentTask.Checkpoints = p.CurrentTask.Checkpoints[1:]
		}
	}

	priorBudget := int(float64(maxTokens) * priorShare)
	for estimateJSON(p.PriorTasks) > priorBudget && len(p.PriorTasks) > 0 {
		p.PriorTasks = p.PriorTasks[:len(p.PriorTasks)-1]
	}

	siblingBudget := int(float64(maxTokens) * siblingShare)
	for estimateJSON(p.SiblingTasks)+estimateJSON(p.DependencyOutcomes) > siblingBudget {
		switch {
		case len(p.SiblingTasks) > 0:
			p.SiblingTasks = p.SiblingTasks[:len(p.SiblingTasks)-1]
		case len(p.DependencyOutcomes) > 0:
			p.DependencyOutcomes = p.DependencyOutcomes[:len(p.DependencyOutcomes)-1]
		default:
			return
		}
	}
}
