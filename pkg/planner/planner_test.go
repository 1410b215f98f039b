package planner

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/phoenix/internal/persistence"
	"github.com/petrijr/phoenix/pkg/api"
)

func planTask() *api.Task {
	return &api.Task{
		ID:           "wf1_plan",
		WorkflowID:   "wf1",
		Type:         api.TaskTypePlan,
		InputContext: map[string]any{"goal": "research and report"},
	}
}

func newTestPlanner(store persistence.TaskStore, dec Decomposer) *Planner {
	return New(store, dec, Config{Logger: slog.New(slog.DiscardHandler)})
}

func TestPlanner_MaterializesDAG(t *testing.T) {
	store := persistence.NewInMemoryStore()
	ctx := context.Background()

	dec := &StaticDecomposer{Tasks: []PlannedTask{
		{ID: "report", Type: api.TaskTypeSynthesize, Description: "write it up", DependsOn: []string{"search"}},
		{ID: "search", Type: api.TaskTypeSearch, Description: "find sources"},
	}}

	p := newTestPlanner(store, dec)
	artifact, err := p.Handler()(ctx, planTask())
	require.NoError(t, err)

	require.Equal(t, 2, artifact["task_count"])
	require.Equal(t, []any{"wf1_search", "wf1_report"}, artifact["task_ids"])
	require.Equal(t, []any{
		map[string]any{"from": "wf1_search", "to": "wf1_report"},
	}, artifact["edges"])

	search, err := store.GetTask(ctx, "wf1_search")
	require.NoError(t, err)
	require.Equal(t, api.TaskPending, search.Status)
	require.Equal(t, "wf1", search.WorkflowID)
	require.Empty(t, search.Dependencies)
	require.Equal(t, "research and report", search.InputContext["goal"])
	require.Equal(t, api.DefaultMaxRetries, search.MaxRetries)
	require.Zero(t, search.RetryCount)

	report, err := store.GetTask(ctx, "wf1_report")
	require.NoError(t, err)
	require.Equal(t, api.TaskBlocked, report.Status)
	require.Equal(t, []string{"wf1_search"}, report.Dependencies)
}

func TestPlanner_RejectsCycleBeforeAnyInsert(t *testing.T) {
	store := persistence.NewInMemoryStore()
	ctx := context.Background()

	dec := &StaticDecomposer{Tasks: []PlannedTask{
		{ID: "a", Type: api.TaskTypeSearch, DependsOn: []string{"b"}},
		{ID: "b", Type: api.TaskTypeAnalyze, DependsOn: []string{"a"}},
	}}

	p := newTestPlanner(store, dec)
	_, err := p.Handler()(ctx, planTask())
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle")

	// Partial insertion of a cyclic plan would be permanent corruption.
	tasks, listErr := store.ListTasks(ctx, persistence.TaskFilter{WorkflowID: "wf1"})
	require.NoError(t, listErr)
	require.Empty(t, tasks)
}

func TestPlanner_RejectsBadPlans(t *testing.T) {
	cases := []struct {
		name string
		plan []PlannedTask
		want string
	}{
		{"empty plan", nil, "plan is empty"},
		{"empty id", []PlannedTask{{ID: "", Type: api.TaskTypeSearch}}, "empty id"},
		{"duplicate id", []PlannedTask{
			{ID: "a", Type: api.TaskTypeSearch},
			{ID: "a", Type: api.TaskTypeAnalyze},
		}, "duplicate task id"},
		{"unknown dependency", []PlannedTask{
			{ID: "a", Type: api.TaskTypeSearch, DependsOn: []string{"ghost"}},
		}, "unknown task"},
		{"self dependency", []PlannedTask{
			{ID: "a", Type: api.TaskTypeSearch, DependsOn: []string{"a"}},
		}, "depends on itself"},
		{"missing type", []PlannedTask{{ID: "a"}}, "no type"},
		{"unknown type", []PlannedTask{{ID: "a", Type: "JUGGLE"}}, "unknown type"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := persistence.NewInMemoryStore()
			p := newTestPlanner(store, &StaticDecomposer{Tasks: tc.plan})

			_, err := p.Handler()(context.Background(), planTask())
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)

			tasks, listErr := store.ListTasks(context.Background(), persistence.TaskFilter{})
			require.NoError(t, listErr)
			require.Empty(t, tasks)
		})
	}
}

func TestPlanner_DecomposerErrorPropagates(t *testing.T) {
	store := persistence.NewInMemoryStore()
	p := newTestPlanner(store, &StaticDecomposer{Err: errors.New("model returned garbage")})

	_, err := p.Handler()(context.Background(), planTask())
	require.Error(t, err)
	require.Contains(t, err.Error(), "model returned garbage")
}

func TestPlanner_MissingGoalFails(t *testing.T) {
	store := persistence.NewInMemoryStore()
	p := newTestPlanner(store, &StaticDecomposer{Tasks: []PlannedTask{
		{ID: "a", Type: api.TaskTypeSearch},
	}})

	task := planTask()
	task.InputContext = nil
	_, err := p.Handler()(context.Background(), task)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no goal")
}

func TestPlanner_RerunTolerantOfExistingChildren(t *testing.T) {
	store := persistence.NewInMemoryStore()
	ctx := context.Background()

	dec := &StaticDecomposer{Tasks: []PlannedTask{
		{ID: "x", Type: api.TaskTypeSearch},
		{ID: "y", Type: api.TaskTypeSummarize, DependsOn: []string{"x"}},
	}}
	p := newTestPlanner(store, dec)

	_, err := p.Handler()(ctx, planTask())
	require.NoError(t, err)

	// A worker crash after handler success re-runs the handler; the
	// duplicate inserts must be tolerated.
	artifact, err := p.Handler()(ctx, planTask())
	require.NoError(t, err)
	require.Equal(t, 2, artifact["task_count"])

	tasks, err := store.ListTasks(ctx, persistence.TaskFilter{WorkflowID: "wf1"})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
}
