package phoenix

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/phoenix/internal/persistence"
	"github.com/petrijr/phoenix/pkg/api"
)

// Re-export the store contract and common types so users don't need to
// dig into internal packages.

type (
	Store         = persistence.Store
	TaskStore     = persistence.TaskStore
	WorkflowStore = persistence.WorkflowStore
	TaskFilter    = persistence.TaskFilter
	LogFilter     = persistence.LogFilter
)

// Re-export the store error sentinels.

var (
	ErrDuplicateID      = persistence.ErrDuplicateID
	ErrTaskNotFound     = persistence.ErrTaskNotFound
	ErrWorkflowNotFound = persistence.ErrWorkflowNotFound
	ErrLockLost         = persistence.ErrLockLost
)

// Store constructors. These wrap the internal persistence package so
// external callers never need to import it. The Mongo-backed store
// lives in the mongo subpackage.

// NewInMemoryStore returns a Store backed entirely by process memory.
// Non-durable; intended for tests and the LocalRunner.
func NewInMemoryStore() Store {
	return persistence.NewInMemoryStore()
}

// NewSQLiteStore returns a Store that persists in a SQLite database.
func NewSQLiteStore(db *sql.DB) (Store, error) {
	return persistence.NewSQLiteStore(db)
}

// SubmitGoal creates a workflow for the goal and seeds it with a single
// PLAN task. This is the write operation the control plane exposes to
// kick off a workflow; everything after it is driven by workers and the
// orchestrator.
func SubmitGoal(ctx context.Context, store Store, goal string) (*api.Workflow, error) {
	wf := &api.Workflow{
		ID:        uuid.NewString(),
		Goal:      goal,
		Status:    api.WorkflowPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.InsertWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	plan := &api.Task{
		ID:           wf.ID + "_plan",
		WorkflowID:   wf.ID,
		Type:         api.TaskTypePlan,
		Description:  "decompose the goal into a task graph",
		InputContext: map[string]any{"goal": goal},
	}
	if err := store.InsertTask(ctx, plan); err != nil {
		return nil, err
	}
	return wf, nil
}
