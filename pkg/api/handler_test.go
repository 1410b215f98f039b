package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()

	called := false
	err := r.Register(TaskTypeSearch, func(ctx context.Context, task *Task) (Artifact, error) {
		called = true
		return Artifact{"ok": task.ID}, nil
	})
	require.NoError(t, err)

	h, ok := r.Get(TaskTypeSearch)
	require.True(t, ok)

	art, err := h(context.Background(), &Task{ID: "t1"})
	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, "t1", art["ok"])

	_, ok = r.Get(TaskTypeSummarize)
	require.False(t, ok)
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry()
	noop := func(ctx context.Context, task *Task) (Artifact, error) { return nil, nil }

	require.NoError(t, r.Register(TaskTypePlan, noop))
	require.Error(t, r.Register(TaskTypePlan, noop))
}

func TestRegistry_RejectsEmptyTypeAndNilHandler(t *testing.T) {
	r := NewRegistry()
	noop := func(ctx context.Context, task *Task) (Artifact, error) { return nil, nil }

	require.Error(t, r.Register("", noop))
	require.Error(t, r.Register(TaskTypeSearch, nil))
}

func TestRegistry_TypesStableOrder(t *testing.T) {
	r := NewRegistry()
	noop := func(ctx context.Context, task *Task) (Artifact, error) { return nil, nil }

	r.MustRegister(TaskTypeSummarize, noop)
	r.MustRegister(TaskTypePlan, noop)
	r.MustRegister(TaskTypeAnalyze, noop)

	require.Equal(t, []TaskType{TaskTypeAnalyze, TaskTypePlan, TaskTypeSummarize}, r.Types())
}

func TestTask_DependencyOutputs(t *testing.T) {
	task := &Task{}
	require.Nil(t, task.DependencyOutputs())

	task.InputContext = map[string]any{
		DependencyOutputsKey: map[string]any{
			"wf1_A": map[string]any{"ok": "wf1_A"},
		},
	}
	outs := task.DependencyOutputs()
	require.Len(t, outs, 1)
	require.Contains(t, outs, "wf1_A")
}

func TestStatusTerminal(t *testing.T) {
	require.True(t, TaskCompleted.Terminal())
	require.True(t, TaskFailed.Terminal())
	require.False(t, TaskPending.Terminal())
	require.False(t, TaskInProgress.Terminal())
	require.False(t, TaskBlocked.Terminal())

	require.True(t, WorkflowCompleted.Terminal())
	require.False(t, WorkflowRunning.Terminal())
}
