package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/infrastructure/sqlite"
	"github.com/cawdev/caw/internal/scheduler"
	"github.com/cawdev/caw/internal/workflow"
)

var (
	flagPrompt      string
	flagTemplate    string
	flagMaxParallel int
	flagAutoWS      bool
	flagRepoPaths   []string
	flagPlanFile    string
	flagStatus      string
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Create, plan, and inspect workflows",
}

var workflowCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a workflow in planning",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowCreate,
}

var workflowPlanCmd = &cobra.Command{
	Use:   "plan <workflow-id>",
	Short: "Admit a task plan from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowPlan,
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status <workflow-id>",
	Short: "Show workflow progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowStatus,
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	Args:  cobra.NoArgs,
	RunE:  runWorkflowList,
}

func init() {
	workflowCreateCmd.Flags().StringVar(&flagPrompt, "prompt", "", "source prompt for the workflow")
	workflowCreateCmd.Flags().StringVar(&flagTemplate, "template", "", "admit the stored plan of a named template")
	workflowCreateCmd.Flags().IntVar(&flagMaxParallel, "max-parallel", 1, "maximum concurrently running tasks")
	workflowCreateCmd.Flags().BoolVar(&flagAutoWS, "auto-workspace", false, "provision a worktree per task")
	workflowCreateCmd.Flags().StringSliceVar(&flagRepoPaths, "repo-path", nil, "repository path (repeatable)")

	workflowPlanCmd.Flags().StringVarP(&flagPlanFile, "file", "f", "", "YAML plan file (required)")
	_ = workflowPlanCmd.MarkFlagRequired("file")

	workflowListCmd.Flags().StringVar(&flagStatus, "status", "", "filter by workflow status")

	workflowCmd.AddCommand(workflowCreateCmd, workflowPlanCmd, workflowStatusCmd, workflowListCmd)
	rootCmd.AddCommand(workflowCmd)
}

// planFile is the on-disk plan shape, shared between YAML plan files
// and JSON template bodies.
type planFile struct {
	Summary string         `yaml:"summary" json:"summary"`
	Tasks   []planFileTask `yaml:"tasks" json:"tasks"`
}

type planFileTask struct {
	Name          string         `yaml:"name" json:"name"`
	Description   string         `yaml:"description" json:"description"`
	DependsOn     []string       `yaml:"depends_on" json:"depends_on"`
	ParallelGroup string         `yaml:"parallel_group" json:"parallel_group"`
	Plan          string         `yaml:"plan" json:"plan"`
	Context       map[string]any `yaml:"context" json:"context"`
	ContextFrom   []string       `yaml:"context_from" json:"context_from"`
}

func (p planFile) toPlan() workflow.Plan {
	plan := workflow.Plan{}
	if p.Summary != "" {
		plan.Summary = &p.Summary
	}
	for i := range p.Tasks {
		t := p.Tasks[i]
		pt := workflow.PlanTask{
			Name:        t.Name,
			DependsOn:   t.DependsOn,
			Context:     t.Context,
			ContextFrom: t.ContextFrom,
		}
		if t.Description != "" {
			pt.Description = &t.Description
		}
		if t.ParallelGroup != "" {
			pt.ParallelGroup = &t.ParallelGroup
		}
		if t.Plan != "" {
			pt.Plan = &t.Plan
		}
		plan.Tasks = append(plan.Tasks, pt)
	}
	return plan
}

func runWorkflowCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cleanupLog := initLogging(cfg)
	defer cleanupLog()

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	clock := ids.NewClock()
	svc := workflow.NewService(s, clock)

	params := workflow.CreateParams{
		Name:             args[0],
		SourceType:       domain.SourcePrompt,
		MaxParallelTasks: flagMaxParallel,
		AutoCreateWS:     flagAutoWS,
		RepositoryPaths:  flagRepoPaths,
	}
	if flagPrompt != "" {
		params.SourceContent = &flagPrompt
	}

	var tmplPlan *workflow.Plan
	if flagTemplate != "" {
		tmpl, err := sqlite.NewTemplateRepo(s, clock).GetByName(flagTemplate)
		if err != nil {
			return err
		}
		var pf planFile
		if err := json.Unmarshal([]byte(tmpl.Template), &pf); err != nil {
			return fmt.Errorf("template %s has a malformed plan: %w", flagTemplate, err)
		}
		plan := pf.toPlan()
		tmplPlan = &plan
		params.SourceType = domain.SourceTemplate
		params.SourceRef = &tmpl.ID
	}

	w, err := svc.Create(cmd.Context(), params)
	if err != nil {
		return err
	}

	if tmplPlan != nil {
		result, err := svc.SetPlan(cmd.Context(), w.ID, *tmplPlan)
		if err != nil {
			return err
		}
		fmt.Printf("%s created with %d tasks from template %s\n", w.ID, result.TasksCreated, flagTemplate)
		return nil
	}

	fmt.Printf("%s created (planning)\n", w.ID)
	return nil
}

func runWorkflowPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cleanupLog := initLogging(cfg)
	defer cleanupLog()

	data, err := os.ReadFile(flagPlanFile) //nolint:gosec // G304: user-supplied plan file
	if err != nil {
		return err
	}
	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse plan %s: %w", flagPlanFile, err)
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	svc := workflow.NewService(s, ids.NewClock())
	result, err := svc.SetPlan(cmd.Context(), args[0], pf.toPlan())
	if err != nil {
		return err
	}
	fmt.Printf("%s planned: %d tasks, %d dependencies\n", args[0], result.TasksCreated, result.DependenciesCreated)
	return nil
}

func runWorkflowStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cleanupLog := initLogging(cfg)
	defer cleanupLog()

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	clock := ids.NewClock()
	w, err := workflow.NewService(s, clock).Get(args[0], false)
	if err != nil {
		return err
	}
	progress, err := scheduler.New(s, clock).GetProgress(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("%s  %s  (%s)\n", w.ID, w.Name, w.Status)
	fmt.Printf("tasks: %d total", progress.TotalTasks)
	statuses := make([]string, 0, len(progress.ByStatus))
	for status, n := range progress.ByStatus {
		statuses = append(statuses, fmt.Sprintf("%s=%d", status, n))
	}
	sort.Strings(statuses)
	if len(statuses) > 0 {
		fmt.Printf("  %s", strings.Join(statuses, " "))
	}
	fmt.Println()
	for _, blocked := range progress.BlockedTasks {
		fmt.Printf("blocked: %s (waiting on %s)\n", blocked.Name, strings.Join(blocked.BlockedBy, ", "))
	}
	return nil
}

func runWorkflowList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cleanupLog := initLogging(cfg)
	defer cleanupLog()

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	svc := workflow.NewService(s, ids.NewClock())
	list, err := svc.List(sqlite.ListFilter{Status: domain.WorkflowStatus(flagStatus)})
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no workflows")
		return nil
	}
	for _, w := range list {
		fmt.Printf("%s  %-12s  %s\n", w.ID, w.Status, w.Name)
	}
	return nil
}
