package api

import "time"

// TaskStatus is the scheduling state of a task.
type TaskStatus string

const (
	// TaskBlocked means at least one dependency has not completed yet.
	TaskBlocked TaskStatus = "BLOCKED"
	// TaskPending means the task is eligible to be claimed by a worker.
	TaskPending TaskStatus = "PENDING"
	// TaskInProgress means a worker holds the task's lock.
	TaskInProgress TaskStatus = "IN_PROGRESS"
	// TaskCompleted is terminal; the task produced an artifact.
	TaskCompleted TaskStatus = "COMPLETED"
	// TaskFailed is terminal; retries were exhausted or a dependency failed.
	TaskFailed TaskStatus = "FAILED"
)

// Terminal reports whether the status permits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskType tags a task with the handler that can execute it.
// The set is open: workers declare the types they serve and the
// registry maps each tag to a HandlerFunc.
type TaskType string

const (
	TaskTypePlan           TaskType = "PLAN"
	TaskTypeSearch         TaskType = "SEARCH"
	TaskTypeSummarize      TaskType = "SUMMARIZE"
	TaskTypeCodeGenerate   TaskType = "CODE_GENERATE"
	TaskTypeValidate       TaskType = "VALIDATE"
	TaskTypeAnalyze        TaskType = "ANALYZE"
	TaskTypeProvisionInfra TaskType = "PROVISION_INFRA"
	TaskTypeSynthesize     TaskType = "SYNTHESIZE"
)

// KnownTaskTypes lists the task types shipped with this repo. Custom
// deployments may register additional tags.
func KnownTaskTypes() []TaskType {
	return []TaskType{
		TaskTypePlan,
		TaskTypeSearch,
		TaskTypeSummarize,
		TaskTypeCodeGenerate,
		TaskTypeValidate,
		TaskTypeAnalyze,
		TaskTypeProvisionInfra,
		TaskTypeSynthesize,
	}
}

// Artifact is the structured output a handler produces on success.
// It is stored verbatim on the task document.
type Artifact = map[string]any

// DependencyOutputsKey is the input_context key under which the
// orchestrator merges the artifacts of completed dependencies.
const DependencyOutputsKey = "dependency_outputs"

// DefaultMaxRetries applies when a task is inserted without an explicit limit.
const DefaultMaxRetries = 3

// Task is the unit of scheduling. All coordination happens through
// conditional updates of this document in the shared store; no process
// keeps an authoritative copy in memory.
type Task struct {
	// ID is unique across the store; by convention "<workflow_id>_<local_id>".
	ID         string   `bson:"_id" json:"id"`
	WorkflowID string   `bson:"workflow_id" json:"workflow_id"`
	Type       TaskType `bson:"type" json:"type"`

	Status TaskStatus `bson:"status" json:"status"`

	// Description is a human-readable statement of what the handler
	// should do; handlers are free to ignore it.
	Description string `bson:"description,omitempty" json:"description,omitempty"`

	// Dependencies lists task ids in the same workflow that must be
	// COMPLETED before this task may leave BLOCKED.
	Dependencies []string `bson:"dependencies" json:"dependencies"`

	RetryCount int `bson:"retry_count" json:"retry_count"`
	MaxRetries int `bson:"max_retries" json:"max_retries"`

	// WorkerLock is the id of the worker holding the task, empty when
	// unlocked. WorkerLock != "" iff Status == IN_PROGRESS.
	WorkerLock string     `bson:"worker_lock,omitempty" json:"worker_lock,omitempty"`
	LockedAt   *time.Time `bson:"locked_at,omitempty" json:"locked_at,omitempty"`

	InputContext   map[string]any `bson:"input_context,omitempty" json:"input_context,omitempty"`
	OutputArtifact Artifact       `bson:"output_artifact,omitempty" json:"output_artifact,omitempty"`

	LastError string `bson:"last_error,omitempty" json:"last_error,omitempty"`

	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	FailedAt    *time.Time `bson:"failed_at,omitempty" json:"failed_at,omitempty"`
}

// DependencyOutputs returns the merged dependency artifacts from the
// input context, or nil if the orchestrator has not populated them.
func (t *Task) DependencyOutputs() map[string]any {
	if t.InputContext == nil {
		return nil
	}
	outs, _ := t.InputContext[DependencyOutputsKey].(map[string]any)
	return outs
}

// Goal returns input_context.goal as a string, empty when absent.
// It is the input consumed by the PLAN handler.
func (t *Task) Goal() string {
	if t.InputContext == nil {
		return ""
	}
	goal, _ := t.InputContext["goal"].(string)
	return goal
}
