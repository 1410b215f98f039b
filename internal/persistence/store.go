package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/phoenix/pkg/api"
)

var (
	// ErrDuplicateID is returned when inserting a document whose id
	// already exists.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrTaskNotFound is returned when a task id does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrWorkflowNotFound is returned when a workflow id does not exist.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrLockLost is returned by the task state writes that require the
	// caller to still own the lock (complete, retry-release, fail) when
	// the task is no longer IN_PROGRESS under that owner. The usual
	// cause is lease reclamation racing a slow worker.
	ErrLockLost = errors.New("task lock lost")
)

// TaskFilter selects tasks. Zero values mean "no filter".
type TaskFilter struct {
	WorkflowID string
	Status     api.TaskStatus
}

// LogFilter selects log entries. Limit <= 0 means no limit.
type LogFilter struct {
	WorkflowID string
	Limit      int
}

// TaskStore is the scheduling substrate's contract with the store.
//
// Every method that transitions task state must be atomic against
// concurrent callers at document granularity: implementations express
// the (filter, update) pair as a single conditional update. That
// atomicity is the cornerstone correctness assumption of the whole
// system; everything above this interface is free to crash at any
// point.
type TaskStore interface {
	// InsertTask stores a new task document. ErrDuplicateID when the id
	// exists.
	InsertTask(ctx context.Context, t *api.Task) error

	// GetTask fetches a task by id.
	GetTask(ctx context.Context, id string) (*api.Task, error)

	// ListTasks scans tasks matching the filter, ordered by created_at
	// then id.
	ListTasks(ctx context.Context, f TaskFilter) ([]*api.Task, error)

	// ClaimTask atomically selects one PENDING task whose type is in
	// types (FIFO by created_at), marks it IN_PROGRESS locked by
	// workerID with locked_at = now, and returns the post-image.
	// Returns (nil, nil) when no task is eligible. At most one caller
	// can win a given task.
	ClaimTask(ctx context.Context, workerID string, types []api.TaskType) (*api.Task, error)

	// CompleteTask transitions IN_PROGRESS -> COMPLETED, recording the
	// artifact and clearing the lock, provided the task is still locked
	// by owner. ErrLockLost otherwise.
	CompleteTask(ctx context.Context, id, owner string, artifact api.Artifact) error

	// ReleaseTaskForRetry transitions IN_PROGRESS -> PENDING with the
	// new retry count and error, clearing the lock, provided the task
	// is still locked by owner. ErrLockLost otherwise.
	ReleaseTaskForRetry(ctx context.Context, id, owner string, retryCount int, lastError string) error

	// FailTask transitions IN_PROGRESS -> FAILED terminally, provided
	// the task is still locked by owner. ErrLockLost otherwise.
	FailTask(ctx context.Context, id, owner string, retryCount int, lastError string) error

	// UnblockTask transitions BLOCKED -> PENDING and merges depOutputs
	// into input_context.dependency_outputs. A task no longer BLOCKED
	// is a no-op: another orchestrator already got there.
	UnblockTask(ctx context.Context, id string, depOutputs map[string]any) error

	// FailBlockedTask transitions BLOCKED -> FAILED with the given
	// reason. No-op when the task is no longer BLOCKED.
	FailBlockedTask(ctx context.Context, id, reason string) error

	// ExpiredLeases lists IN_PROGRESS tasks whose locked_at is strictly
	// before threshold.
	ExpiredLeases(ctx context.Context, threshold time.Time) ([]*api.Task, error)
}

// WorkflowStore stores workflow documents.
type WorkflowStore interface {
	InsertWorkflow(ctx context.Context, w *api.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*api.Workflow, error)

	// ListWorkflows returns workflows whose status is one of statuses;
	// all workflows when statuses is empty. Ordered by created_at.
	ListWorkflows(ctx context.Context, statuses ...api.WorkflowStatus) ([]*api.Workflow, error)

	// SetWorkflowStatus updates a workflow's status. Terminal workflows
	// are never modified (administrative resets bypass this interface).
	SetWorkflowStatus(ctx context.Context, id string, status api.WorkflowStatus) error
}

// WorkerStore stores worker heartbeat registrations.
type WorkerStore interface {
	UpsertWorker(ctx context.Context, reg *api.WorkerRegistration) error
	SetWorkerStatus(ctx context.Context, workerID string, status api.WorkerStatus) error
	ListWorkers(ctx context.Context) ([]*api.WorkerRegistration, error)
}

// LogStore appends and reads immutable log events.
type LogStore interface {
	AppendLog(ctx context.Context, e *api.LogEntry) error

	// ListLogs returns entries most recent first.
	ListLogs(ctx context.Context, f LogFilter) ([]*api.LogEntry, error)
}

// HeartbeatStore maintains the singleton orchestrator heartbeat
// document consumed by the watchdog.
type HeartbeatStore interface {
	// BeatOrchestrator upserts last_heartbeat = now, status = RUNNING.
	BeatOrchestrator(ctx context.Context) error

	// OrchestratorHeartbeat reads the heartbeat document; nil when the
	// orchestrator never started.
	OrchestratorHeartbeat(ctx context.Context) (*api.OrchestratorHeartbeat, error)

	// MarkOrchestratorRestarting increments the restart counter, sets
	// status = RESTARTING, and returns the new counter value.
	MarkOrchestratorRestarting(ctx context.Context) (int, error)
}

// Store bundles the five store facets. Backends implement all of them
// over one shared database so components can share a single handle.
type Store interface {
	TaskStore
	WorkflowStore
	WorkerStore
	LogStore
	HeartbeatStore
}

// NormalizeTask fills insertion defaults shared by all backends:
// created_at, max_retries, and the BLOCKED/PENDING split on status.
func NormalizeTask(t *api.Task) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = api.DefaultMaxRetries
	}
	if t.Status == "" {
		if len(t.Dependencies) > 0 {
			t.Status = api.TaskBlocked
		} else {
			t.Status = api.TaskPending
		}
	}
}
