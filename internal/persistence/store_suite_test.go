package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/phoenix/pkg/api"
)

// StoreSuite is the conformance suite every Store backend must pass.
// Backends embed it and supply a fresh store per test via SetupTest.
type StoreSuite struct {
	suite.Suite
	store Store
}

func (s *StoreSuite) ctx() context.Context {
	return context.Background()
}

func (s *StoreSuite) insertPending(id string, typ api.TaskType) *api.Task {
	t := &api.Task{
		ID:         id,
		WorkflowID: "wf1",
		Type:       typ,
		Status:     api.TaskPending,
	}
	s.Require().NoError(s.store.InsertTask(s.ctx(), t))
	return t
}

func (s *StoreSuite) TestInsertAndGetTask() {
	in := &api.Task{
		ID:           "wf1_A",
		WorkflowID:   "wf1",
		Type:         api.TaskTypeSearch,
		Dependencies: []string{},
		InputContext: map[string]any{"goal": "find things"},
	}
	s.Require().NoError(s.store.InsertTask(s.ctx(), in))

	got, err := s.store.GetTask(s.ctx(), "wf1_A")
	s.Require().NoError(err)
	s.Equal("wf1", got.WorkflowID)
	s.Equal(api.TaskTypeSearch, got.Type)
	// Defaults filled on insert.
	s.Equal(api.TaskPending, got.Status)
	s.Equal(api.DefaultMaxRetries, got.MaxRetries)
	s.False(got.CreatedAt.IsZero())
	s.Equal("find things", got.InputContext["goal"])

	_, err = s.store.GetTask(s.ctx(), "nope")
	s.ErrorIs(err, ErrTaskNotFound)
}

func (s *StoreSuite) TestInsertTaskDuplicateID() {
	s.insertPending("wf1_A", api.TaskTypeSearch)
	err := s.store.InsertTask(s.ctx(), &api.Task{ID: "wf1_A", WorkflowID: "wf1", Type: api.TaskTypeSearch})
	s.ErrorIs(err, ErrDuplicateID)
}

func (s *StoreSuite) TestInsertTaskWithDepsStartsBlocked() {
	t := &api.Task{
		ID:           "wf1_B",
		WorkflowID:   "wf1",
		Type:         api.TaskTypeSummarize,
		Dependencies: []string{"wf1_A"},
	}
	s.Require().NoError(s.store.InsertTask(s.ctx(), t))

	got, err := s.store.GetTask(s.ctx(), "wf1_B")
	s.Require().NoError(err)
	s.Equal(api.TaskBlocked, got.Status)
	s.Equal([]string{"wf1_A"}, got.Dependencies)
}

func (s *StoreSuite) TestClaimTaskFIFOAndTypeFilter() {
	older := &api.Task{
		ID: "wf1_A", WorkflowID: "wf1", Type: api.TaskTypeSearch,
		Status: api.TaskPending, CreatedAt: time.Now().UTC().Add(-2 * time.Second),
	}
	newer := &api.Task{
		ID: "wf1_B", WorkflowID: "wf1", Type: api.TaskTypeSearch,
		Status: api.TaskPending, CreatedAt: time.Now().UTC().Add(-1 * time.Second),
	}
	other := &api.Task{
		ID: "wf1_C", WorkflowID: "wf1", Type: api.TaskTypeAnalyze,
		Status: api.TaskPending, CreatedAt: time.Now().UTC().Add(-3 * time.Second),
	}
	for _, t := range []*api.Task{newer, older, other} {
		s.Require().NoError(s.store.InsertTask(s.ctx(), t))
	}

	got, err := s.store.ClaimTask(s.ctx(), "w1", []api.TaskType{api.TaskTypeSearch})
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal("wf1_A", got.ID)
	s.Equal(api.TaskInProgress, got.Status)
	s.Equal("w1", got.WorkerLock)
	s.Require().NotNil(got.LockedAt)

	got2, err := s.store.ClaimTask(s.ctx(), "w2", []api.TaskType{api.TaskTypeSearch})
	s.Require().NoError(err)
	s.Require().NotNil(got2)
	s.Equal("wf1_B", got2.ID)

	got3, err := s.store.ClaimTask(s.ctx(), "w3", []api.TaskType{api.TaskTypeSearch})
	s.Require().NoError(err)
	s.Nil(got3)
}

func (s *StoreSuite) TestClaimTaskIgnoresBlocked() {
	s.Require().NoError(s.store.InsertTask(s.ctx(), &api.Task{
		ID: "wf1_A", WorkflowID: "wf1", Type: api.TaskTypeSearch,
		Dependencies: []string{"wf1_Z"},
	}))

	got, err := s.store.ClaimTask(s.ctx(), "w1", []api.TaskType{api.TaskTypeSearch})
	s.Require().NoError(err)
	s.Nil(got)
}

func (s *StoreSuite) TestClaimConcurrentOnlyOneWinner() {
	s.insertPending("wf1_A", api.TaskTypeSearch)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for _, worker := range []string{"w1", "w2", "w3", "w4"} {
		wg.Add(1)
		go func(w string) {
			defer wg.Done()
			got, err := s.store.ClaimTask(s.ctx(), w, []api.TaskType{api.TaskTypeSearch})
			if err != nil || got == nil {
				return
			}
			mu.Lock()
			winners = append(winners, w)
			mu.Unlock()
		}(worker)
	}
	wg.Wait()

	s.Require().Len(winners, 1, "expected exactly one claimer, got %v", winners)

	got, err := s.store.GetTask(s.ctx(), "wf1_A")
	s.Require().NoError(err)
	s.Equal(api.TaskInProgress, got.Status)
	s.Equal(winners[0], got.WorkerLock)
}

func (s *StoreSuite) TestCompleteTask() {
	s.insertPending("wf1_A", api.TaskTypeSearch)
	claimed, err := s.store.ClaimTask(s.ctx(), "w1", []api.TaskType{api.TaskTypeSearch})
	s.Require().NoError(err)
	s.Require().NotNil(claimed)

	s.Require().NoError(s.store.CompleteTask(s.ctx(), "wf1_A", "w1", api.Artifact{"ok": "wf1_A"}))

	got, err := s.store.GetTask(s.ctx(), "wf1_A")
	s.Require().NoError(err)
	s.Equal(api.TaskCompleted, got.Status)
	s.Equal("wf1_A", got.OutputArtifact["ok"])
	s.Empty(got.WorkerLock)
	s.Nil(got.LockedAt)
	s.NotNil(got.CompletedAt)
}

func (s *StoreSuite) TestCompleteTaskWrongOwnerLosesLock() {
	s.insertPending("wf1_A", api.TaskTypeSearch)
	_, err := s.store.ClaimTask(s.ctx(), "w1", []api.TaskType{api.TaskTypeSearch})
	s.Require().NoError(err)

	err = s.store.CompleteTask(s.ctx(), "wf1_A", "w2", api.Artifact{"ok": true})
	s.ErrorIs(err, ErrLockLost)

	got, err := s.store.GetTask(s.ctx(), "wf1_A")
	s.Require().NoError(err)
	s.Equal(api.TaskInProgress, got.Status)
	s.Equal("w1", got.WorkerLock)
}

func (s *StoreSuite) TestReleaseTaskForRetry() {
	s.insertPending("wf1_A", api.TaskTypeSearch)
	_, err := s.store.ClaimTask(s.ctx(), "w1", []api.TaskType{api.TaskTypeSearch})
	s.Require().NoError(err)

	s.Require().NoError(s.store.ReleaseTaskForRetry(s.ctx(), "wf1_A", "w1", 1, "boom"))

	got, err := s.store.GetTask(s.ctx(), "wf1_A")
	s.Require().NoError(err)
	s.Equal(api.TaskPending, got.Status)
	s.Equal(1, got.RetryCount)
	s.Equal("boom", got.LastError)
	s.Empty(got.WorkerLock)
	s.Nil(got.LockedAt)

	// Releasing again must not double-apply.
	s.ErrorIs(s.store.ReleaseTaskForRetry(s.ctx(), "wf1_A", "w1", 2, "boom"), ErrLockLost)
}

func (s *StoreSuite) TestFailTaskTerminal() {
	s.insertPending("wf1_A", api.TaskTypeSearch)
	_, err := s.store.ClaimTask(s.ctx(), "w1", []api.TaskType{api.TaskTypeSearch})
	s.Require().NoError(err)

	s.Require().NoError(s.store.FailTask(s.ctx(), "wf1_A", "w1", 4, "boom"))

	got, err := s.store.GetTask(s.ctx(), "wf1_A")
	s.Require().NoError(err)
	s.Equal(api.TaskFailed, got.Status)
	s.Equal(4, got.RetryCount)
	s.Equal("boom", got.LastError)
	s.NotNil(got.FailedAt)

	// Terminal: no further claims.
	claimed, err := s.store.ClaimTask(s.ctx(), "w2", []api.TaskType{api.TaskTypeSearch})
	s.Require().NoError(err)
	s.Nil(claimed)
}

func (s *StoreSuite) TestUnblockTaskMergesDependencyOutputs() {
	s.Require().NoError(s.store.InsertTask(s.ctx(), &api.Task{
		ID: "wf1_D", WorkflowID: "wf1", Type: api.TaskTypeSynthesize,
		Dependencies: []string{"wf1_B", "wf1_C"},
		InputContext: map[string]any{"goal": "combine"},
	}))

	outs := map[string]any{
		"wf1_B": map[string]any{"ok": "wf1_B"},
		"wf1_C": map[string]any{"ok": "wf1_C"},
	}
	s.Require().NoError(s.store.UnblockTask(s.ctx(), "wf1_D", outs))

	got, err := s.store.GetTask(s.ctx(), "wf1_D")
	s.Require().NoError(err)
	s.Equal(api.TaskPending, got.Status)
	s.Equal("combine", got.InputContext["goal"])

	merged := got.DependencyOutputs()
	s.Require().NotNil(merged)
	s.Contains(merged, "wf1_B")
	s.Contains(merged, "wf1_C")

	// Idempotent once no longer BLOCKED.
	s.Require().NoError(s.store.UnblockTask(s.ctx(), "wf1_D", outs))
	got, err = s.store.GetTask(s.ctx(), "wf1_D")
	s.Require().NoError(err)
	s.Equal(api.TaskPending, got.Status)
}

func (s *StoreSuite) TestFailBlockedTask() {
	s.Require().NoError(s.store.InsertTask(s.ctx(), &api.Task{
		ID: "wf1_B", WorkflowID: "wf1", Type: api.TaskTypeSummarize,
		Dependencies: []string{"wf1_A"},
	}))

	s.Require().NoError(s.store.FailBlockedTask(s.ctx(), "wf1_B", "dependency failed"))

	got, err := s.store.GetTask(s.ctx(), "wf1_B")
	s.Require().NoError(err)
	s.Equal(api.TaskFailed, got.Status)
	s.Equal("dependency failed", got.LastError)

	// No-op on a task that already left BLOCKED.
	s.Require().NoError(s.store.FailBlockedTask(s.ctx(), "wf1_B", "again"))
	got, err = s.store.GetTask(s.ctx(), "wf1_B")
	s.Require().NoError(err)
	s.Equal("dependency failed", got.LastError)
}

func (s *StoreSuite) TestExpiredLeases() {
	s.insertPending("wf1_A", api.TaskTypeSearch)
	s.insertPending("wf1_B", api.TaskTypeSearch)

	_, err := s.store.ClaimTask(s.ctx(), "w1", []api.TaskType{api.TaskTypeSearch})
	s.Require().NoError(err)

	// Not expired against a threshold in the past.
	expired, err := s.store.ExpiredLeases(s.ctx(), time.Now().UTC().Add(-time.Minute))
	s.Require().NoError(err)
	s.Empty(expired)

	// Expired against a threshold in the future.
	expired, err = s.store.ExpiredLeases(s.ctx(), time.Now().UTC().Add(time.Minute))
	s.Require().NoError(err)
	s.Require().Len(expired, 1)
	s.Equal("wf1_A", expired[0].ID)
	s.Equal("w1", expired[0].WorkerLock)
}

func (s *StoreSuite) TestListTasksFilters() {
	s.insertPending("wf1_A", api.TaskTypeSearch)
	s.insertPending("wf1_B", api.TaskTypeSearch)
	s.Require().NoError(s.store.InsertTask(s.ctx(), &api.Task{
		ID: "wf2_A", WorkflowID: "wf2", Type: api.TaskTypeSearch,
	}))

	all, err := s.store.ListTasks(s.ctx(), TaskFilter{})
	s.Require().NoError(err)
	s.Len(all, 3)

	wf1, err := s.store.ListTasks(s.ctx(), TaskFilter{WorkflowID: "wf1"})
	s.Require().NoError(err)
	s.Len(wf1, 2)

	_, err = s.store.ClaimTask(s.ctx(), "w1", []api.TaskType{api.TaskTypeSearch})
	s.Require().NoError(err)

	pending, err := s.store.ListTasks(s.ctx(), TaskFilter{Status: api.TaskPending})
	s.Require().NoError(err)
	s.Len(pending, 2)
}

func (s *StoreSuite) TestWorkflowLifecycle() {
	wf := &api.Workflow{ID: "wf1", Goal: "build the thing"}
	s.Require().NoError(s.store.InsertWorkflow(s.ctx(), wf))
	s.ErrorIs(s.store.InsertWorkflow(s.ctx(), wf), ErrDuplicateID)

	got, err := s.store.GetWorkflow(s.ctx(), "wf1")
	s.Require().NoError(err)
	s.Equal(api.WorkflowPending, got.Status)
	s.Equal("build the thing", got.Goal)

	s.Require().NoError(s.store.SetWorkflowStatus(s.ctx(), "wf1", api.WorkflowRunning))
	s.Require().NoError(s.store.SetWorkflowStatus(s.ctx(), "wf1", api.WorkflowCompleted))

	// Terminal status sticks.
	s.Require().NoError(s.store.SetWorkflowStatus(s.ctx(), "wf1", api.WorkflowRunning))
	got, err = s.store.GetWorkflow(s.ctx(), "wf1")
	s.Require().NoError(err)
	s.Equal(api.WorkflowCompleted, got.Status)

	s.ErrorIs(s.store.SetWorkflowStatus(s.ctx(), "missing", api.WorkflowRunning), ErrWorkflowNotFound)
}

func (s *StoreSuite) TestListWorkflowsByStatus() {
	s.Require().NoError(s.store.InsertWorkflow(s.ctx(), &api.Workflow{ID: "wf1", Goal: "a"}))
	s.Require().NoError(s.store.InsertWorkflow(s.ctx(), &api.Workflow{ID: "wf2", Goal: "b"}))
	s.Require().NoError(s.store.SetWorkflowStatus(s.ctx(), "wf2", api.WorkflowRunning))

	running, err := s.store.ListWorkflows(s.ctx(), api.WorkflowRunning)
	s.Require().NoError(err)
	s.Require().Len(running, 1)
	s.Equal("wf2", running[0].ID)

	open, err := s.store.ListWorkflows(s.ctx(), api.WorkflowPending, api.WorkflowRunning)
	s.Require().NoError(err)
	s.Len(open, 2)

	all, err := s.store.ListWorkflows(s.ctx())
	s.Require().NoError(err)
	s.Len(all, 2)
}

func (s *StoreSuite) TestWorkerRegistration() {
	reg := &api.WorkerRegistration{
		WorkerID:      "w1",
		Name:          "search-worker",
		TaskTypes:     []api.TaskType{api.TaskTypeSearch, api.TaskTypeAnalyze},
		Status:        api.WorkerOnline,
		LastHeartbeat: time.Now().UTC(),
	}
	s.Require().NoError(s.store.UpsertWorker(s.ctx(), reg))

	// Heartbeat refresh is an upsert.
	reg.LastHeartbeat = time.Now().UTC().Add(time.Second)
	s.Require().NoError(s.store.UpsertWorker(s.ctx(), reg))

	workers, err := s.store.ListWorkers(s.ctx())
	s.Require().NoError(err)
	s.Require().Len(workers, 1)
	s.Equal("search-worker", workers[0].Name)
	s.Equal([]api.TaskType{api.TaskTypeSearch, api.TaskTypeAnalyze}, workers[0].TaskTypes)

	s.Require().NoError(s.store.SetWorkerStatus(s.ctx(), "w1", api.WorkerOffline))
	workers, err = s.store.ListWorkers(s.ctx())
	s.Require().NoError(err)
	s.Equal(api.WorkerOffline, workers[0].Status)
}

func (s *StoreSuite) TestLogsMostRecentFirst() {
	base := time.Now().UTC()
	entries := []*api.LogEntry{
		{Timestamp: base.Add(-3 * time.Second), Level: api.LogInfo, Component: "Worker", Message: "one", WorkflowID: "wf1"},
		{Timestamp: base.Add(-2 * time.Second), Level: api.LogWarn, Component: "Orchestrator", Message: "two", WorkflowID: "wf1"},
		{Timestamp: base.Add(-1 * time.Second), Level: api.LogError, Component: "Worker", Message: "three", WorkflowID: "wf2"},
	}
	for _, e := range entries {
		s.Require().NoError(s.store.AppendLog(s.ctx(), e))
	}

	all, err := s.store.ListLogs(s.ctx(), LogFilter{})
	s.Require().NoError(err)
	s.Require().Len(all, 3)
	s.Equal("three", all[0].Message)
	s.Equal("one", all[2].Message)

	wf1, err := s.store.ListLogs(s.ctx(), LogFilter{WorkflowID: "wf1", Limit: 1})
	s.Require().NoError(err)
	s.Require().Len(wf1, 1)
	s.Equal("two", wf1[0].Message)
}

func (s *StoreSuite) TestOrchestratorHeartbeat() {
	hb, err := s.store.OrchestratorHeartbeat(s.ctx())
	s.Require().NoError(err)
	s.Nil(hb)

	s.Require().NoError(s.store.BeatOrchestrator(s.ctx()))

	hb, err = s.store.OrchestratorHeartbeat(s.ctx())
	s.Require().NoError(err)
	s.Require().NotNil(hb)
	s.Equal(api.HeartbeatRunning, hb.Status)
	s.False(hb.LastHeartbeat.IsZero())
	s.Equal(0, hb.Restarts)

	n, err := s.store.MarkOrchestratorRestarting(s.ctx())
	s.Require().NoError(err)
	s.Equal(1, n)

	n, err = s.store.MarkOrchestratorRestarting(s.ctx())
	s.Require().NoError(err)
	s.Equal(2, n)

	// The next beat flips status back to RUNNING but keeps the counter.
	s.Require().NoError(s.store.BeatOrchestrator(s.ctx()))
	hb, err = s.store.OrchestratorHeartbeat(s.ctx())
	s.Require().NoError(err)
	s.Equal(api.HeartbeatRunning, hb.Status)
	s.Equal(2, hb.Restarts)
}
