package phoenix

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/petrijr/phoenix/internal/logging"
	"github.com/petrijr/phoenix/pkg/api"
	"github.com/petrijr/phoenix/pkg/orchestrator"
	"github.com/petrijr/phoenix/pkg/worker"
)

// LocalRunnerConfig tunes the in-process deployment.
type LocalRunnerConfig struct {
	// PollInterval for workers and the orchestrator. Default 20ms: the
	// runner exists for development and tests, where tight cadence
	// beats efficiency.
	PollInterval time.Duration

	// LeaseTTL before the orchestrator reclaims an IN_PROGRESS task.
	// Default 5m.
	LeaseTTL time.Duration

	// Logger for all components. When nil, a WARN-level text logger on
	// stderr is wrapped so WARN and ERROR records also land in the store's
	// logs collection; INFO records are dropped.
	Logger *slog.Logger
}

// LocalRunner bundles an in-memory store, an orchestrator, and a pool
// of workers into a single process. It is the development and test
// harness; production runs the same components as separate processes
// against a shared MongoDB.
type LocalRunner struct {
	// Store is the in-memory store shared by every component.
	Store Store

	// Registry maps task types to handlers. Register handlers before
	// calling Start.
	Registry *api.Registry

	cfg LocalRunnerConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner with an empty handler registry.
func NewLocalRunner(cfg LocalRunnerConfig) *LocalRunner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}

	store := NewInMemoryStore()
	if cfg.Logger == nil {
		base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})
		cfg.Logger = slog.New(logging.NewStoreHandler(base, store))
	}

	return &LocalRunner{
		Store:    store,
		Registry: api.NewRegistry(),
		cfg:      cfg,
	}
}

// Start launches the orchestrator and 'workers' worker goroutines, each
// claiming the given task types (all registered types when empty).
// Calling Start twice without Stop is an error.
func (r *LocalRunner) Start(ctx context.Context, workers int, types ...api.TaskType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("phoenix: LocalRunner already started")
	}
	if workers <= 0 {
		workers = 1
	}
	if len(types) == 0 {
		types = r.Registry.Types()
	}

	ctx, cancel := context.WithCancel(ctx)

	o := orchestrator.New(r.Store, orchestrator.Config{
		PollInterval: r.cfg.PollInterval,
		LeaseTTL:     r.cfg.LeaseTTL,
		Logger:       r.cfg.Logger,
	})

	ws := make([]*worker.Worker, 0, workers)
	for i := 0; i < workers; i++ {
		w, err := worker.New(r.Store, r.Registry, worker.Config{
			TaskTypes:    types,
			PollInterval: r.cfg.PollInterval,
			Logger:       r.cfg.Logger,
		})
		if err != nil {
			cancel()
			return err
		}
		ws = append(ws, w)
	}

	r.cancel = cancel
	r.running = true

	r.wg.Add(1 + len(ws))
	go func() {
		defer r.wg.Done()
		_ = o.Run(ctx)
	}()
	for _, w := range ws {
		go func(w *worker.Worker) {
			defer r.wg.Done()
			_ = w.Run(ctx)
		}(w)
	}
	return nil
}

// StartWorkersOnly launches worker goroutines without an orchestrator,
// for exercising the scheduler's behavior when dependency resolution is
// down.
func (r *LocalRunner) StartWorkersOnly(ctx context.Context, workers int, types ...api.TaskType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("phoenix: LocalRunner already started")
	}
	if workers <= 0 {
		workers = 1
	}
	if len(types) == 0 {
		types = r.Registry.Types()
	}

	ctx, cancel := context.WithCancel(ctx)

	for i := 0; i < workers; i++ {
		w, err := worker.New(r.Store, r.Registry, worker.Config{
			TaskTypes:    types,
			PollInterval: r.cfg.PollInterval,
			Logger:       r.cfg.Logger,
		})
		if err != nil {
			cancel()
			return err
		}
		r.wg.Add(1)
		go func(w *worker.Worker) {
			defer r.wg.Done()
			_ = w.Run(ctx)
		}(w)
	}

	r.cancel = cancel
	r.running = true
	return nil
}

// Stop cancels every goroutine started by Start and waits for them to
// exit. The store and its contents survive, so a runner can be started
// again to model process restarts.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
