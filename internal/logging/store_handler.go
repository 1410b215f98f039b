// Package logging mirrors structured log records into the shared
// store's logs collection, so operators can diagnose a workflow from
// the same database that holds its state.
package logging

import (
	"context"
	"log/slog"

	"github.com/petrijr/phoenix/internal/persistence"
	"github.com/petrijr/phoenix/pkg/api"
)

// Attribute keys the handler lifts onto the log document.
const (
	ComponentKey  = "component"
	WorkflowIDKey = "workflow_id"
	TaskIDKey     = "task_id"
)

// StoreHandler is a slog.Handler that forwards every record to a base
// handler and appends a copy to the store. Store writes are
// best-effort: a failing log write must never disturb scheduling, and
// no read path depends on logs existing.
type StoreHandler struct {
	base  slog.Handler
	logs  persistence.LogStore
	attrs []slog.Attr
}

// NewStoreHandler wraps base so records are mirrored into logs.
func NewStoreHandler(base slog.Handler, logs persistence.LogStore) *StoreHandler {
	return &StoreHandler{base: base, logs: logs}
}

var _ slog.Handler = (*StoreHandler)(nil)

func (h *StoreHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *StoreHandler) Handle(ctx context.Context, rec slog.Record) error {
	entry := &api.LogEntry{
		Timestamp: rec.Time.UTC(),
		Level:     levelFor(rec.Level),
		Message:   rec.Message,
	}

	assign := func(a slog.Attr) {
		switch a.Key {
		case ComponentKey:
			entry.Component = a.Value.String()
		case WorkflowIDKey:
			entry.WorkflowID = a.Value.String()
		case TaskIDKey:
			entry.TaskID = a.Value.String()
		}
	}
	for _, a := range h.attrs {
		assign(a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		assign(a)
		return true
	})

	// Best-effort; the base handler still sees the record either way.
	_ = h.logs.AppendLog(ctx, entry)

	return h.base.Handle(ctx, rec)
}

func (h *StoreHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &StoreHandler{
		base:  h.base.WithAttrs(attrs),
		logs:  h.logs,
		attrs: merged,
	}
}

func (h *StoreHandler) WithGroup(name string) slog.Handler {
	// Groups only affect the base handler's rendering; the store entry
	// keys stay flat.
	return &StoreHandler{
		base:  h.base.WithGroup(name),
		logs:  h.logs,
		attrs: h.attrs,
	}
}

func levelFor(l slog.Level) api.LogLevel {
	switch {
	case l >= slog.LevelError:
		return api.LogError
	case l >= slog.LevelWarn:
		return api.LogWarn
	default:
		return api.LogInfo
	}
}
