// Package domain defines the entities the orchestrator persists and the
// rules that constrain them: status enums, the legal transition tables,
// and the error kinds services raise. Repositories in
// internal/infrastructure/sqlite map these entities to rows; services
// enforce the invariants declared here before any status write.
package domain

// SourceType describes where a workflow came from.
type SourceType string

const (
	SourcePrompt   SourceType = "prompt"
	SourceIssue    SourceType = "issue"
	SourceTemplate SourceType = "template"
	SourceManual   SourceType = "manual"
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowPlanning      WorkflowStatus = "planning"
	WorkflowReady         WorkflowStatus = "ready"
	WorkflowInProgress    WorkflowStatus = "in_progress"
	WorkflowPaused        WorkflowStatus = "paused"
	WorkflowAwaitingMerge WorkflowStatus = "awaiting_merge"
	WorkflowCompleted     WorkflowStatus = "completed"
	WorkflowFailed        WorkflowStatus = "failed"
	WorkflowAbandoned     WorkflowStatus = "abandoned"
)

// IsTerminal reports whether no further transitions are legal.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowAbandoned
}

// Workflow is a user-level unit of work producing a plan and task graph.
type Workflow struct {
	ID                 string
	Name               string
	SourceType         SourceType
	SourceRef          *string
	SourceContent      *string
	Status             WorkflowStatus
	InitialPlan        *string
	PlanSummary        *string
	MaxParallelTasks   int
	AutoCreateWS       bool
	Config             map[string]any
	LockedBySessionID  *string
	LockedAt           *int64
	CreatedAt          int64
	UpdatedAt          int64

	// Tasks is populated only when the caller asks for an eager load.
	Tasks []*Task
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskBlocked    TaskStatus = "blocked" // advisory; derived from dependencies
	TaskPlanning   TaskStatus = "planning"
	TaskInProgress TaskStatus = "in_progress"
	TaskPaused     TaskStatus = "paused"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
)

// IsTerminal reports whether the task can never run again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskSkipped
}

// IsDone reports whether the task counts as satisfied for dependency
// purposes. Skipped tasks satisfy their dependents.
func (s TaskStatus) IsDone() bool {
	return s == TaskCompleted || s == TaskSkipped
}

// Task is a single unit of work assignable to one agent.
type Task struct {
	ID              string
	WorkflowID      string
	Name            string
	Description     *string
	Status          TaskStatus
	Sequence        int
	ParallelGroup   *string
	Plan            *string
	PlanSummary     *string
	Context         map[string]any
	ContextFrom     []string
	Outcome         *string
	OutcomeDetail   *string
	WorkspaceID     *string
	RepositoryID    *string
	AssignedAgentID *string
	ClaimedAt       *int64
	CreatedAt       int64
	UpdatedAt       int64
}

// DependencyType distinguishes blocking edges from informational ones.
type DependencyType string

const (
	// DepBlocks gates readiness: the dependent may not start until the
	// dependency is completed or skipped.
	DepBlocks DependencyType = "blocks"
	// DepInforms is metadata only and never affects readiness.
	DepInforms DependencyType = "informs"
)

// TaskDependency is an edge in a workflow's task graph.
type TaskDependency struct {
	TaskID      string
	DependsOnID string
	Type        DependencyType
}

// CheckpointType classifies an append-only task progress record.
type CheckpointType string

const (
	CheckpointPlan     CheckpointType = "plan"
	CheckpointReplan   CheckpointType = "replan"
	CheckpointProgress CheckpointType = "progress"
	CheckpointDecision CheckpointType = "decision"
	CheckpointError    CheckpointType = "error"
	CheckpointRecovery CheckpointType = "recovery"
	CheckpointComplete CheckpointType = "complete"
)

// Checkpoint is a typed progress record attached to a task. Sequence is
// per-task, 1-based, and dense.
type Checkpoint struct {
	ID           string
	TaskID       string
	Sequence     int
	Type         CheckpointType
	Summary      string
	Detail       map[string]any
	FilesChanged []string
	CreatedAt    int64
}

// WorkspaceStatus is the lifecycle state of an on-disk worktree.
type WorkspaceStatus string

const (
	WorkspaceActive    WorkspaceStatus = "active"
	WorkspaceMerged    WorkspaceStatus = "merged"
	WorkspaceAbandoned WorkspaceStatus = "abandoned"
)

// Workspace is an isolated source-tree copy a task mutates.
type Workspace struct {
	ID           string
	WorkflowID   string
	RepositoryID *string
	Path         string
	Branch       string
	BaseBranch   *string
	Status       WorkspaceStatus
	MergeCommit  *string
	PRURL        *string
	Config       map[string]any
	CreatedAt    int64
	UpdatedAt    int64
}

// AgentRole distinguishes the coordinator from workers.
type AgentRole string

const (
	RoleCoordinator AgentRole = "coordinator"
	RoleWorker      AgentRole = "worker"
)

// AgentStatus is the operational state of an agent.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// Agent is an external worker process supervised by the runner pool.
type Agent struct {
	ID            string
	WorkflowID    *string
	Name          string
	Runtime       string
	Role          AgentRole
	Status        AgentStatus
	Capabilities  map[string]any
	CurrentTaskID *string
	WorkspacePath *string
	LastHeartbeat *int64
	Metadata      map[string]any
	CreatedAt     int64
	UpdatedAt     int64
}

// MessageType categorizes an inter-agent message.
type MessageType string

const (
	MsgTaskAssignment MessageType = "task_assignment"
	MsgStatusUpdate   MessageType = "status_update"
	MsgQuery          MessageType = "query"
	MsgResponse       MessageType = "response"
	MsgBroadcast      MessageType = "broadcast"
)

// MessagePriority orders message urgency.
type MessagePriority string

const (
	PriorityLow    MessagePriority = "low"
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
	PriorityUrgent MessagePriority = "urgent"
)

// MessageStatus tracks the read/archive lifecycle of a message.
type MessageStatus string

const (
	MessageUnread   MessageStatus = "unread"
	MessageRead     MessageStatus = "read"
	MessageArchived MessageStatus = "archived"
)

// Message is one entry in the inter-agent communication log. A nil
// SenderID means the system sent it.
type Message struct {
	ID          string
	SenderID    *string
	RecipientID string
	Type        MessageType
	Subject     *string
	Body        string
	Priority    MessagePriority
	Status      MessageStatus
	WorkflowID  *string
	TaskID      *string
	ReplyToID   *string
	ThreadID    string
	CreatedAt   int64
	ReadAt      *int64
	ExpiresAt   *int64
}

// Session is one instance of the host process. At most one session is
// the daemon at any time.
type Session struct {
	ID            string
	PID           int
	StartedAt     int64
	LastHeartbeat int64
	IsDaemon      bool
	Metadata      map[string]any
}

// MemoryType classifies a learning record.
type MemoryType string

const (
	MemoryPattern  MemoryType = "pattern"
	MemoryPitfall  MemoryType = "pitfall"
	MemoryDecision MemoryType = "decision"
	MemoryLearning MemoryType = "learning"
)

// Memory is a topic-keyed learning record whose confidence decays over
// time and is reinforced on repeated observation.
type Memory struct {
	ID                 string
	RepositoryID       *string
	Topic              string
	Type               MemoryType
	Content            string
	Confidence         float64
	ReinforcementCount int
	LastReinforcedAt   int64
	DecayRate          float64
	Metadata           map[string]any
	CreatedAt          int64
	UpdatedAt          int64
}

// Repository identifies a source tree on disk.
type Repository struct {
	ID        string
	Path      string
	Name      *string
	CreatedAt int64
	UpdatedAt int64
}

// Template is a reusable named plan.
type Template struct {
	ID          string
	Name        string
	Description *string
	Template    string // JSON plan
	CreatedAt   int64
	UpdatedAt   int64
}
