// Package watchdog supervises the orchestrator process. It knows
// nothing about workflow semantics: it watches the heartbeat document
// in the store and the health of the child process, and restarts the
// orchestrator when either goes bad.
package watchdog

import (
	"context"
	"time"

	"github.com/petrijr/phoenix/internal/persistence"
)

// DefaultHeartbeatTimeout is how stale a heartbeat may be before the
// orchestrator is considered dead.
const DefaultHeartbeatTimeout = 30 * time.Second

// Monitor decides orchestrator liveness from the heartbeat document.
type Monitor struct {
	store   persistence.HeartbeatStore
	timeout time.Duration
}

// NewMonitor creates a Monitor; timeout defaults to 30s when <= 0.
func NewMonitor(store persistence.HeartbeatStore, timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &Monitor{store: store, timeout: timeout}
}

// Alive reports whether the orchestrator's last heartbeat is fresh. No
// heartbeat document means the orchestrator never started or is dead.
func (m *Monitor) Alive(ctx context.Context) (bool, error) {
	hb, err := m.store.OrchestratorHeartbeat(ctx)
	if err != nil {
		return false, err
	}
	if hb == nil || hb.LastHeartbeat.IsZero() {
		return false, nil
	}
	return time.Since(hb.LastHeartbeat) < m.timeout, nil
}
