package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petrijr/phoenix/internal/logging"
	"github.com/petrijr/phoenix/internal/persistence"
)

// Defaults mirror a conservative supervision cadence: check often,
// give up only after sustained failure.
const (
	DefaultCheckInterval = 5 * time.Second
	DefaultMaxRestarts   = 10
)

// process is the slice of a child process the watchdog needs; the
// exec-based implementation is swapped for a fake in tests.
type process interface {
	Kill() error
	Exited() bool
}

// StartFunc launches one orchestrator process.
type StartFunc func() (process, error)

// Config parameterizes a Watchdog.
type Config struct {
	// Command is the argv used to launch the orchestrator subprocess.
	Command []string

	// CheckInterval between liveness checks. Default 5s.
	CheckInterval time.Duration

	// HeartbeatTimeout before a silent orchestrator counts as dead.
	// Default 30s.
	HeartbeatTimeout time.Duration

	// MaxRestarts before the watchdog gives up. Default 10.
	MaxRestarts int

	// Logger receives structured events; slog.Default() when nil.
	Logger *slog.Logger

	// start overrides process launching in tests.
	start StartFunc
}

// Watchdog monitors and restarts the orchestrator.
type Watchdog struct {
	store   persistence.HeartbeatStore
	monitor *Monitor
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	current  process
	restarts int
}

// New creates a Watchdog. Command is required unless a custom start
// function is injected.
func New(store persistence.HeartbeatStore, cfg Config) (*Watchdog, error) {
	if len(cfg.Command) == 0 && cfg.start == nil {
		return nil, fmt.Errorf("watchdog: orchestrator command is required")
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.start == nil {
		command := cfg.Command
		cfg.start = func() (process, error) { return startCommand(command) }
	}

	return &Watchdog{
		store:   store,
		monitor: NewMonitor(store, cfg.HeartbeatTimeout),
		cfg:     cfg,
		logger:  cfg.Logger.With(logging.ComponentKey, "Watchdog"),
	}, nil
}

// Run starts the orchestrator and supervises it until ctx is cancelled
// or it has given up after MaxRestarts resurrections.
func (w *Watchdog) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "watchdog started",
		slog.Duration("check_interval", w.cfg.CheckInterval),
		slog.Int("max_restarts", w.cfg.MaxRestarts))

	if err := w.startOrchestrator(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Kill()
			w.logger.Info("watchdog stopped")
			return ctx.Err()
		case <-ticker.C:
		}

		alive, err := w.monitor.Alive(ctx)
		if err != nil {
			w.logger.WarnContext(ctx, "heartbeat check failed", slog.String("error", err.Error()))
			continue
		}

		switch {
		case !alive:
			w.logger.ErrorContext(ctx, "orchestrator heartbeat timeout detected")
		case w.exited():
			w.logger.ErrorContext(ctx, "orchestrator process died unexpectedly")
		default:
			continue
		}

		if restarts := w.Restarts(); restarts >= w.cfg.MaxRestarts {
			w.logger.ErrorContext(ctx, "max restart attempts reached, giving up",
				slog.Int("restarts", restarts))
			return fmt.Errorf("watchdog: gave up after %d restarts", restarts)
		}
		if err := w.restartOrchestrator(ctx); err != nil {
			return err
		}
	}
}

// Kill terminates the current orchestrator process. The next check
// notices the death and restarts it; the admin kill switch uses this to
// demonstrate recovery.
func (w *Watchdog) Kill() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil {
		return nil
	}
	err := w.current.Kill()
	w.current = nil
	return err
}

// Restarts returns how many resurrections this watchdog performed.
func (w *Watchdog) Restarts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restarts
}

func (w *Watchdog) startOrchestrator(ctx context.Context) error {
	proc, err := w.cfg.start()
	if err != nil {
		return fmt.Errorf("watchdog: start orchestrator: %w", err)
	}

	w.mu.Lock()
	w.current = proc
	w.mu.Unlock()

	w.logger.InfoContext(ctx, "started orchestrator")
	return nil
}

func (w *Watchdog) restartOrchestrator(ctx context.Context) error {
	_ = w.Kill()

	w.mu.Lock()
	w.restarts++
	count := w.restarts
	w.mu.Unlock()

	// Persist the resurrection so operators can see flapping across
	// watchdog lifetimes.
	if _, err := w.store.MarkOrchestratorRestarting(ctx); err != nil {
		w.logger.WarnContext(ctx, "could not record restart", slog.String("error", err.Error()))
	}

	w.logger.InfoContext(ctx, "restarting orchestrator", slog.Int("restart", count))
	return w.startOrchestrator(ctx)
}

func (w *Watchdog) exited() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current == nil || w.current.Exited()
}

// execProcess wraps exec.Cmd as a process, tracking exit in the
// background.
type execProcess struct {
	cmd  *exec.Cmd
	done atomic.Bool
}

func startCommand(argv []string) (process, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{cmd: cmd}
	go func() {
		_ = cmd.Wait()
		p.done.Store(true)
	}()
	return p, nil
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	// Wait happens in the background goroutine; killing twice is fine.
	return err
}

func (p *execProcess) Exited() bool {
	return p.done.Load()
}
