package api

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc is the unit of pluggable computation: it consumes a
// claimed task and returns an artifact, or an error to drive the retry
// policy. Handlers may be invoked more than once for the same task id
// when a worker crashes between handler success and the state write, so
// side effects on external systems must be idempotent or safe-on-retry.
//
// A handler must not mutate the store except through its returned
// artifact; the PLAN handler, which inserts child tasks, is the one
// sanctioned exception.
type HandlerFunc func(ctx context.Context, task *Task) (Artifact, error)

// Registry maps task type tags to handlers. Workers consult it to
// execute the tasks they claim.
type Registry struct {
	mu       sync.RWMutex
	handlers map[TaskType]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[TaskType]HandlerFunc)}
}

// Register binds a handler to a task type. Registering the same type
// twice is an error; replacing a handler at runtime is not a supported
// extension point.
func (r *Registry) Register(t TaskType, h HandlerFunc) error {
	if t == "" {
		return fmt.Errorf("task type must not be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for %q must not be nil", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler for %q already registered", t)
	}
	r.handlers[t] = h
	return nil
}

// MustRegister is Register that panics on error, for wiring at startup.
func (r *Registry) MustRegister(t TaskType, h HandlerFunc) {
	if err := r.Register(t, h); err != nil {
		panic(err)
	}
}

// Get returns the handler for a task type.
func (r *Registry) Get(t TaskType) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[t]
	return h, ok
}

// Types returns the registered task types in stable order.
func (r *Registry) Types() []TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TaskType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
