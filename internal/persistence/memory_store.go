package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/phoenix/pkg/api"
)

// InMemoryStore is a goroutine-safe Store backed by maps. It is
// non-durable and exists for tests, the LocalRunner, and single-process
// development. The mutex stands in for the document-level atomicity a
// real backend provides.
type InMemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]*api.Task
	workflows map[string]*api.Workflow
	workers   map[string]*api.WorkerRegistration
	logs      []*api.LogEntry
	heartbeat *api.OrchestratorHeartbeat
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tasks:     make(map[string]*api.Task),
		workflows: make(map[string]*api.Workflow),
		workers:   make(map[string]*api.WorkerRegistration),
	}
}

// Ensure InMemoryStore implements the full Store contract.
var _ Store = (*InMemoryStore)(nil)

func cloneTask(t *api.Task) *api.Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.InputContext != nil {
		cp.InputContext = make(map[string]any, len(t.InputContext))
		for k, v := range t.InputContext {
			cp.InputContext[k] = v
		}
	}
	if t.OutputArtifact != nil {
		cp.OutputArtifact = make(api.Artifact, len(t.OutputArtifact))
		for k, v := range t.OutputArtifact {
			cp.OutputArtifact[k] = v
		}
	}
	if t.LockedAt != nil {
		locked := *t.LockedAt
		cp.LockedAt = &locked
	}
	if t.CompletedAt != nil {
		done := *t.CompletedAt
		cp.CompletedAt = &done
	}
	if t.FailedAt != nil {
		failed := *t.FailedAt
		cp.FailedAt = &failed
	}
	return &cp
}

func (s *InMemoryStore) InsertTask(ctx context.Context, t *api.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return ErrDuplicateID
	}

	cp := cloneTask(t)
	NormalizeTask(cp)
	s.tasks[t.ID] = cp
	return nil
}

func (s *InMemoryStore) GetTask(ctx context.Context, id string) (*api.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (s *InMemoryStore) ListTasks(ctx context.Context, f TaskFilter) ([]*api.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.Task
	for _, t := range s.tasks {
		if f.WorkflowID != "" && t.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sortTasks(out)
	return out, nil
}

func sortTasks(tasks []*api.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

func (s *InMemoryStore) ClaimTask(ctx context.Context, workerID string, types []api.TaskType) (*api.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := make(map[api.TaskType]bool, len(types))
	for _, t := range types {
		eligible[t] = true
	}

	var candidates []*api.Task
	for _, t := range s.tasks {
		if t.Status == api.TaskPending && eligible[t.Type] {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sortTasks(candidates)

	t := candidates[0]
	now := time.Now().UTC()
	t.Status = api.TaskInProgress
	t.WorkerLock = workerID
	t.LockedAt = &now
	return cloneTask(t), nil
}

func (s *InMemoryStore) CompleteTask(ctx context.Context, id, owner string, artifact api.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != api.TaskInProgress || t.WorkerLock != owner {
		return ErrLockLost
	}

	now := time.Now().UTC()
	t.Status = api.TaskCompleted
	t.OutputArtifact = artifact
	t.WorkerLock = ""
	t.LockedAt = nil
	t.CompletedAt = &now
	return nil
}

func (s *InMemoryStore) ReleaseTaskForRetry(ctx context.Context, id, owner string, retryCount int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != api.TaskInProgress || t.WorkerLock != owner {
		return ErrLockLost
	}

	t.Status = api.TaskPending
	t.WorkerLock = ""
	t.LockedAt = nil
	t.RetryCount = retryCount
	t.LastError = lastError
	return nil
}

func (s *InMemoryStore) FailTask(ctx context.Context, id, owner string, retryCount int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != api.TaskInProgress || t.WorkerLock != owner {
		return ErrLockLost
	}

	now := time.Now().UTC()
	t.Status = api.TaskFailed
	t.WorkerLock = ""
	t.LockedAt = nil
	t.RetryCount = retryCount
	t.LastError = lastError
	t.FailedAt = &now
	return nil
}

func (s *InMemoryStore) UnblockTask(ctx context.Context, id string, depOutputs map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status != api.TaskBlocked {
		return nil
	}

	t.Status = api.TaskPending
	if depOutputs != nil {
		if t.InputContext == nil {
			t.InputContext = make(map[string]any, 1)
		}
		t.InputContext[api.DependencyOutputsKey] = depOutputs
	}
	return nil
}

func (s *InMemoryStore) FailBlockedTask(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status != api.TaskBlocked {
		return nil
	}

	now := time.Now().UTC()
	t.Status = api.TaskFailed
	t.LastError = reason
	t.FailedAt = &now
	return nil
}

func (s *InMemoryStore) ExpiredLeases(ctx context.Context, threshold time.Time) ([]*api.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.Task
	for _, t := range s.tasks {
		if t.Status == api.TaskInProgress && t.LockedAt != nil && t.LockedAt.Before(threshold) {
			out = append(out, cloneTask(t))
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *InMemoryStore) InsertWorkflow(ctx context.Context, w *api.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[w.ID]; exists {
		return ErrDuplicateID
	}

	cp := *w
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.Status == "" {
		cp.Status = api.WorkflowPending
	}
	s.workflows[w.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *InMemoryStore) ListWorkflows(ctx context.Context, statuses ...api.WorkflowStatus) ([]*api.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[api.WorkflowStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	var out []*api.Workflow
	for _, w := range s.workflows {
		if len(wanted) > 0 && !wanted[w.Status] {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) SetWorkflowStatus(ctx context.Context, id string, status api.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[id]
	if !ok {
		return ErrWorkflowNotFound
	}
	if w.Status.Terminal() {
		return nil
	}
	w.Status = status
	return nil
}

func (s *InMemoryStore) UpsertWorker(ctx context.Context, reg *api.WorkerRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *reg
	if cp.TaskTypes != nil {
		cp.TaskTypes = append([]api.TaskType(nil), reg.TaskTypes...)
	}
	s.workers[reg.WorkerID] = &cp
	return nil
}

func (s *InMemoryStore) SetWorkerStatus(ctx context.Context, workerID string, status api.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return nil
	}
	w.Status = status
	return nil
}

func (s *InMemoryStore) ListWorkers(ctx context.Context) ([]*api.WorkerRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*api.WorkerRegistration, 0, len(s.workers))
	for _, w := range s.workers {
		cp := *w
		cp.TaskTypes = append([]api.TaskType(nil), w.TaskTypes...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (s *InMemoryStore) AppendLog(ctx context.Context, e *api.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	s.logs = append(s.logs, &cp)
	return nil
}

func (s *InMemoryStore) ListLogs(ctx context.Context, f LogFilter) ([]*api.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.LogEntry
	for _, e := range s.logs {
		if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	// Most recent first; append order breaks timestamp ties.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) BeatOrchestrator(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.heartbeat == nil {
		s.heartbeat = &api.OrchestratorHeartbeat{ID: api.OrchestratorHeartbeatID}
	}
	s.heartbeat.LastHeartbeat = time.Now().UTC()
	s.heartbeat.Status = api.HeartbeatRunning
	return nil
}

func (s *InMemoryStore) OrchestratorHeartbeat(ctx context.Context) (*api.OrchestratorHeartbeat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.heartbeat == nil {
		return nil, nil
	}
	cp := *s.heartbeat
	return &cp, nil
}

func (s *InMemoryStore) MarkOrchestratorRestarting(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.heartbeat == nil {
		s.heartbeat = &api.OrchestratorHeartbeat{ID: api.OrchestratorHeartbeatID}
	}
	s.heartbeat.Restarts++
	s.heartbeat.Status = api.HeartbeatRestarting
	return s.heartbeat.Restarts, nil
}
