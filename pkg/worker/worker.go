// Package worker implements the polling loop that claims and executes
// tasks. A worker is mutually blind to every other worker and to the
// orchestrator; its only contract is with the store.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/phoenix/internal/logging"
	"github.com/petrijr/phoenix/internal/persistence"
	"github.com/petrijr/phoenix/pkg/api"
)

// Store is the slice of the persistence contract a worker needs.
type Store interface {
	persistence.TaskStore
	persistence.WorkerStore
}

// Config parameterizes a Worker.
type Config struct {
	// WorkerID is a stable identifier; a fresh uuid is generated when
	// empty.
	WorkerID string

	// Name is a human label for the registration record; defaults to
	// WorkerID.
	Name string

	// TaskTypes is the non-empty set of tags this worker claims.
	TaskTypes []api.TaskType

	// PollInterval is the sleep between claim attempts that found no
	// work. Default 1s.
	PollInterval time.Duration

	// BackoffOnError is the sleep after a loop error (typically a
	// transient store failure). Default 5s.
	BackoffOnError time.Duration

	// Logger receives structured events; slog.Default() when nil.
	Logger *slog.Logger
}

const (
	defaultPollInterval   = time.Second
	defaultBackoffOnError = 5 * time.Second
)

// Worker runs one cooperative loop, a single task at a time. It never
// attempts local crash recovery: if the process dies mid-handler, the
// orchestrator's lease reclamation is the single source of truth.
type Worker struct {
	store    Store
	registry *api.Registry
	cfg      Config
	logger   *slog.Logger
}

// New validates the configuration and returns a Worker. Every declared
// task type must have a registered handler.
func New(store Store, registry *api.Registry, cfg Config) (*Worker, error) {
	if len(cfg.TaskTypes) == 0 {
		return nil, fmt.Errorf("worker: at least one task type is required")
	}
	for _, t := range cfg.TaskTypes {
		if _, ok := registry.Get(t); !ok {
			return nil, fmt.Errorf("worker: no handler registered for task type %q", t)
		}
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.WorkerID
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BackoffOnError <= 0 {
		cfg.BackoffOnError = defaultBackoffOnError
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Worker{
		store:    store,
		registry: registry,
		cfg:      cfg,
		logger: cfg.Logger.With(
			logging.ComponentKey, "Worker",
			slog.String("worker_id", cfg.WorkerID),
		),
	}, nil
}

// ID returns the worker's stable identifier.
func (w *Worker) ID() string {
	return w.cfg.WorkerID
}

// Run polls until ctx is cancelled. On cancellation the registration is
// set OFFLINE; a task held at that moment is deliberately NOT unlocked,
// it finishes via lease reclamation so the crash path and the shutdown
// path are the same code path.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker started",
		slog.Any("task_types", w.cfg.TaskTypes))

	for {
		processed, err := w.ProcessOne(ctx)

		var wait time.Duration
		switch {
		case err != nil && ctx.Err() == nil:
			w.logger.WarnContext(ctx, "worker loop error", slog.String("error", err.Error()))
			wait = w.cfg.BackoffOnError
		case !processed:
			wait = w.cfg.PollInterval
		}

		if wait > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
		}

		if ctx.Err() != nil {
			w.shutdown()
			return ctx.Err()
		}
	}
}

// ProcessOne performs one iteration: refresh the registration, attempt
// a claim, and execute the claimed task if any. Returns whether a task
// was processed.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	if err := w.heartbeat(ctx); err != nil {
		return false, err
	}

	task, err := w.store.ClaimTask(ctx, w.cfg.WorkerID, w.cfg.TaskTypes)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	w.execute(ctx, task)
	return true, nil
}

func (w *Worker) heartbeat(ctx context.Context) error {
	return w.store.UpsertWorker(ctx, &api.WorkerRegistration{
		WorkerID:      w.cfg.WorkerID,
		Name:          w.cfg.Name,
		TaskTypes:     w.cfg.TaskTypes,
		Status:        api.WorkerOnline,
		LastHeartbeat: time.Now().UTC(),
	})
}

func (w *Worker) execute(ctx context.Context, task *api.Task) {
	logger := w.logger.With(
		slog.String(logging.WorkflowIDKey, task.WorkflowID),
		slog.String(logging.TaskIDKey, task.ID),
	)

	handler, ok := w.handlerFor(task.Type)
	if !ok {
		// Should be impossible: the claim filter only matches our
		// declared types. Release the task so another worker can have it.
		logger.ErrorContext(ctx, "claimed task outside declared task types",
			slog.String("type", string(task.Type)))
		w.release(ctx, logger, task, fmt.Errorf("no handler for task type %s", task.Type))
		return
	}

	logger.InfoContext(ctx, "executing task", slog.String("type", string(task.Type)))

	artifact, err := runHandler(ctx, handler, task)
	if err != nil {
		w.release(ctx, logger, task, err)
		return
	}
	if artifact == nil {
		// A task is COMPLETED iff it has an artifact; an empty one
		// keeps that invariant for handlers with nothing to say.
		artifact = api.Artifact{}
	}

	if err := w.store.CompleteTask(ctx, task.ID, w.cfg.WorkerID, artifact); err != nil {
		// Lost the lease mid-handler; reclamation owns the task now and
		// the artifact will be recomputed on the retry.
		logger.WarnContext(ctx, "could not commit completion",
			slog.String("error", err.Error()))
		return
	}
	logger.InfoContext(ctx, "task completed")
}

func (w *Worker) handlerFor(t api.TaskType) (api.HandlerFunc, bool) {
	declared := false
	for _, mine := range w.cfg.TaskTypes {
		if mine == t {
			declared = true
			break
		}
	}
	if !declared {
		return nil, false
	}
	return w.registry.Get(t)
}

// release applies the retry policy after a handler failure: back to
// PENDING while retries remain, terminal FAILED once exhausted.
func (w *Worker) release(ctx context.Context, logger *slog.Logger, task *api.Task, cause error) {
	retry := task.RetryCount + 1
	msg := cause.Error()

	var err error
	if retry <= task.MaxRetries {
		logger.WarnContext(ctx, "task failed, will retry",
			slog.Int("retry_count", retry),
			slog.Int("max_retries", task.MaxRetries),
			slog.String("error", msg))
		err = w.store.ReleaseTaskForRetry(ctx, task.ID, w.cfg.WorkerID, retry, msg)
	} else {
		logger.ErrorContext(ctx, "task failed terminally",
			slog.Int("retry_count", retry),
			slog.String("error", msg))
		err = w.store.FailTask(ctx, task.ID, w.cfg.WorkerID, retry, msg)
	}
	if err != nil {
		logger.WarnContext(ctx, "could not commit failure state",
			slog.String("error", err.Error()))
	}
}

// runHandler invokes the handler, converting panics into ordinary
// errors so one bad handler cannot take the loop down.
func runHandler(ctx context.Context, h api.HandlerFunc, task *api.Task) (artifact api.Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, task)
}

// shutdown marks the registration OFFLINE. The run context is already
// cancelled, so a short detached context bounds the write.
func (w *Worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := w.store.SetWorkerStatus(ctx, w.cfg.WorkerID, api.WorkerOffline); err != nil {
		w.logger.Warn("could not mark worker offline", slog.String("error", err.Error()))
		return
	}
	w.logger.Info("worker stopped")
}
