// Package orchestrator implements the dependency-resolution loop: the
// singleton (but safely replicable) process that unblocks tasks, reclaims
// expired leases, and aggregates workflow status. Every pass is
// idempotent, so running two orchestrators, or re-running a tick after
// a crash, converges to the same store state.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/petrijr/phoenix/internal/logging"
	"github.com/petrijr/phoenix/internal/persistence"
	"github.com/petrijr/phoenix/pkg/api"
)

// Store is the slice of the persistence contract the orchestrator needs.
type Store interface {
	persistence.TaskStore
	persistence.WorkflowStore
	persistence.HeartbeatStore
}

// Config parameterizes an Orchestrator.
type Config struct {
	// PollInterval is the tick cadence. Default 1s.
	PollInterval time.Duration

	// LeaseTTL is the maximum IN_PROGRESS age before a task is
	// reclaimed from its worker. It must exceed the largest handler
	// runtime with margin; it also bounds recovery latency. Default 5m.
	LeaseTTL time.Duration

	// Logger receives structured events; slog.Default() when nil.
	Logger *slog.Logger
}

const (
	defaultPollInterval = time.Second
	defaultLeaseTTL     = 5 * time.Minute
)

// Orchestrator runs the three scheduling passes in order on every tick:
// dependency resolution, lease reclamation, workflow aggregation. It
// then writes its own heartbeat for the watchdog.
type Orchestrator struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

// New returns an Orchestrator with defaults applied.
func New(store Store, cfg Config) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Orchestrator{
		store:  store,
		cfg:    cfg,
		logger: cfg.Logger.With(logging.ComponentKey, "Orchestrator"),
	}
}

// Run ticks until ctx is cancelled. Transient store errors are logged
// and the loop continues: killing the process is how operators handle
// unrecoverable local state, not something the loop does to itself.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.InfoContext(ctx, "orchestrator started",
		slog.Duration("poll_interval", o.cfg.PollInterval),
		slog.Duration("lease_ttl", o.cfg.LeaseTTL))

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := o.Tick(ctx); err != nil && ctx.Err() == nil {
			o.logger.WarnContext(ctx, "tick error", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one full scheduling pass. The pass order matters: newly
// unblocked tasks should be claimable before aggregation reads the
// workflow, and reclamation must see leases as of this tick.
func (o *Orchestrator) Tick(ctx context.Context) error {
	if err := o.resolveDependencies(ctx); err != nil {
		return err
	}
	if err := o.reclaimExpiredLeases(ctx); err != nil {
		return err
	}
	if err := o.aggregateWorkflows(ctx); err != nil {
		return err
	}
	return o.store.BeatOrchestrator(ctx)
}

// resolveDependencies promotes BLOCKED tasks whose dependencies all
// completed, merging the dependency artifacts into their input context.
// This is the sole mechanism by which artifacts flow downstream. A
// dependency in FAILED state propagates failure instead.
func (o *Orchestrator) resolveDependencies(ctx context.Context) error {
	blocked, err := o.store.ListTasks(ctx, persistence.TaskFilter{Status: api.TaskBlocked})
	if err != nil {
		return err
	}

	for _, task := range blocked {
		logger := o.logger.With(
			slog.String(logging.WorkflowIDKey, task.WorkflowID),
			slog.String(logging.TaskIDKey, task.ID),
		)

		if len(task.Dependencies) == 0 {
			// The planner should never insert these as BLOCKED; handle
			// it anyway rather than strand the task.
			if err := o.store.UnblockTask(ctx, task.ID, nil); err != nil {
				return err
			}
			logger.InfoContext(ctx, "unblocked task with no dependencies")
			continue
		}

		if err := o.resolveOne(ctx, logger, task); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) resolveOne(ctx context.Context, logger *slog.Logger, task *api.Task) error {
	outputs := make(map[string]any, len(task.Dependencies))
	waiting := false
	for _, depID := range task.Dependencies {
		dep, err := o.store.GetTask(ctx, depID)
		if errors.Is(err, persistence.ErrTaskNotFound) {
			// A dangling dependency can only come from a manual insert;
			// leave the task BLOCKED rather than wedge the whole pass.
			logger.ErrorContext(ctx, "task references missing dependency",
				slog.String("dependency", depID))
			return nil
		}
		if err != nil {
			return err
		}

		switch dep.Status {
		case api.TaskFailed:
			// One failed dependency dooms the task regardless of the rest.
			if err := o.store.FailBlockedTask(ctx, task.ID, "dependency failed"); err != nil {
				return err
			}
			logger.WarnContext(ctx, "task failed: dependency failed")
			return nil
		case api.TaskCompleted:
			outputs[dep.ID] = dep.OutputArtifact
		default:
			waiting = true
		}
	}
	if waiting {
		return nil
	}

	if err := o.store.UnblockTask(ctx, task.ID, outputs); err != nil {
		return err
	}
	logger.InfoContext(ctx, "task unblocked, dependencies complete")
	return nil
}

// reclaimExpiredLeases recovers tasks from workers that died, hung, or
// were partitioned. The retry accounting is identical to a handler
// failure, with "lock timeout" as the recorded error.
func (o *Orchestrator) reclaimExpiredLeases(ctx context.Context) error {
	threshold := time.Now().UTC().Add(-o.cfg.LeaseTTL)
	expired, err := o.store.ExpiredLeases(ctx, threshold)
	if err != nil {
		return err
	}

	for _, task := range expired {
		logger := o.logger.With(
			slog.String(logging.WorkflowIDKey, task.WorkflowID),
			slog.String(logging.TaskIDKey, task.ID),
		)

		retry := task.RetryCount + 1
		if retry <= task.MaxRetries {
			err = o.store.ReleaseTaskForRetry(ctx, task.ID, task.WorkerLock, retry, "lock timeout")
		} else {
			err = o.store.FailTask(ctx, task.ID, task.WorkerLock, retry, "lock timeout")
		}
		if err != nil {
			// The worker resurfaced and finished between our scan and
			// the write; its outcome stands.
			logger.WarnContext(ctx, "lease reclamation lost race",
				slog.String("error", err.Error()))
			continue
		}
		logger.WarnContext(ctx, "recovered task from expired lease",
			slog.String("worker_lock", task.WorkerLock),
			slog.Int("retry_count", retry))
	}
	return nil
}

// aggregateWorkflows derives each non-terminal workflow's status from
// its tasks.
func (o *Orchestrator) aggregateWorkflows(ctx context.Context) error {
	open, err := o.store.ListWorkflows(ctx, api.WorkflowPending, api.WorkflowRunning)
	if err != nil {
		return err
	}

	for _, wf := range open {
		tasks, err := o.store.ListTasks(ctx, persistence.TaskFilter{WorkflowID: wf.ID})
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			continue
		}

		var completed, failedCount, active int
		for _, t := range tasks {
			switch t.Status {
			case api.TaskCompleted:
				completed++
			case api.TaskFailed:
				failedCount++
			case api.TaskPending, api.TaskInProgress:
				active++
			}
		}

		var next api.WorkflowStatus
		switch {
		case completed == len(tasks):
			next = api.WorkflowCompleted
		case failedCount > 0 && active == 0:
			next = api.WorkflowFailed
		case active > 0:
			next = api.WorkflowRunning
		default:
			continue
		}

		if next == wf.Status {
			continue
		}
		if err := o.store.SetWorkflowStatus(ctx, wf.ID, next); err != nil {
			return err
		}
		o.logger.InfoContext(ctx, "workflow status changed",
			slog.String(logging.WorkflowIDKey, wf.ID),
			slog.String("status", string(next)))
	}
	return nil
}
