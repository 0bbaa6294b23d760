package domain

// WorkflowTransitions is the declarative set of legal workflow status
// transitions. IsValidWorkflowTransition is the only place workflow
// transitions are decided; services must consult it before any status
// write.
var WorkflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowPlanning:   {WorkflowReady, WorkflowAbandoned},
	WorkflowReady:      {WorkflowInProgress, WorkflowAbandoned},
	WorkflowInProgress: {WorkflowPaused, WorkflowCompleted, WorkflowFailed, WorkflowAwaitingMerge, WorkflowAbandoned},
	WorkflowPaused:     {WorkflowInProgress, WorkflowAbandoned},
	WorkflowFailed:     {WorkflowInProgress, WorkflowAbandoned},
	// awaiting_merge can resume (rebase agent), finish, or fail the merge.
	WorkflowAwaitingMerge: {WorkflowInProgress, WorkflowCompleted, WorkflowFailed},
	WorkflowCompleted:     {},
	WorkflowAbandoned:     {},
}

// TaskTransitions is the declarative set of legal task status
// transitions. Preconditions beyond the table (blocked dependencies,
// required outcome/error) are enforced by the task service.
var TaskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskPlanning},
	TaskPlanning:   {TaskInProgress, TaskCompleted, TaskPending},
	TaskInProgress: {TaskPaused, TaskCompleted, TaskFailed, TaskPending},
	TaskPaused:     {TaskInProgress, TaskFailed},
	TaskFailed:     {TaskPending, TaskSkipped},
	TaskCompleted:  {},
	TaskSkipped:    {},
}

// IsValidWorkflowTransition reports whether from → to is a legal
// workflow status transition.
func IsValidWorkflowTransition(from, to WorkflowStatus) bool {
	for _, next := range WorkflowTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValidTaskTransition reports whether from → to is a legal task
// status transition.
func IsValidTaskTransition(from, to TaskStatus) bool {
	for _, next := range TaskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
