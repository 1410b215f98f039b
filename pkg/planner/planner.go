// Package planner implements the PLAN task handler: the one component
// that materializes DAGs. It decomposes a goal into child tasks,
// proves the result acyclic, and inserts the children into the store.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gammazero/toposort"

	"github.com/petrijr/phoenix/internal/logging"
	"github.com/petrijr/phoenix/internal/persistence"
	"github.com/petrijr/phoenix/pkg/api"
)

// PlannedTask is one node of a decomposed plan, identified by a local
// id that is unique within the plan.
type PlannedTask struct {
	ID          string       `json:"id"`
	Type        api.TaskType `json:"type"`
	Description string       `json:"description"`
	DependsOn   []string     `json:"depends_on"`
}

// Decomposer turns a goal into a plan. Implementations include the
// LLM-backed decomposer and the static decomposer used in tests and
// demos.
type Decomposer interface {
	Decompose(ctx context.Context, goal string) ([]PlannedTask, error)
}

// Config parameterizes a Planner.
type Config struct {
	// MaxRetries assigned to each child task. Default 3.
	MaxRetries int

	// AllowedTypes restricts child task types; KnownTaskTypes() when nil.
	AllowedTypes []api.TaskType

	// Logger receives structured events; slog.Default() when nil.
	Logger *slog.Logger
}

// Planner wraps a Decomposer with the DAG contract: unique ids,
// dependencies inside the plan, acyclicity proven before any insertion.
type Planner struct {
	store   persistence.TaskStore
	dec     Decomposer
	cfg     Config
	allowed map[api.TaskType]bool
	logger  *slog.Logger
}

// New creates a Planner writing children through store.
func New(store persistence.TaskStore, dec Decomposer, cfg Config) *Planner {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = api.DefaultMaxRetries
	}
	if cfg.AllowedTypes == nil {
		cfg.AllowedTypes = api.KnownTaskTypes()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	allowed := make(map[api.TaskType]bool, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[t] = true
	}

	return &Planner{
		store:   store,
		dec:     dec,
		cfg:     cfg,
		allowed: allowed,
		logger:  cfg.Logger.With(logging.ComponentKey, "Planner"),
	}
}

// Handler returns the HandlerFunc to register under the PLAN task type.
func (p *Planner) Handler() api.HandlerFunc {
	return p.plan
}

func (p *Planner) plan(ctx context.Context, task *api.Task) (api.Artifact, error) {
	goal := task.Goal()
	if goal == "" {
		return nil, errors.New("plan task has no goal in input_context")
	}

	logger := p.logger.With(
		slog.String(logging.WorkflowIDKey, task.WorkflowID),
		slog.String(logging.TaskIDKey, task.ID),
	)
	logger.InfoContext(ctx, "decomposing goal")

	planned, err := p.dec.Decompose(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("decompose goal: %w", err)
	}

	order, err := p.validate(planned)
	if err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	byID := make(map[string]PlannedTask, len(planned))
	for _, pt := range planned {
		byID[pt.ID] = pt
	}

	// Insert in topological order so a crash mid-insertion leaves a
	// prefix whose dependencies all exist; the re-planned run fills in
	// the rest idempotently.
	taskIDs := make([]string, 0, len(order))
	edges := make([]any, 0, len(order))
	for _, localID := range order {
		pt := byID[localID]

		deps := make([]string, len(pt.DependsOn))
		for i, dep := range pt.DependsOn {
			deps[i] = childTaskID(task.WorkflowID, dep)
			edges = append(edges, map[string]any{
				"from": childTaskID(task.WorkflowID, dep),
				"to":   childTaskID(task.WorkflowID, pt.ID),
			})
		}

		child := &api.Task{
			ID:           childTaskID(task.WorkflowID, pt.ID),
			WorkflowID:   task.WorkflowID,
			Type:         pt.Type,
			Description:  pt.Description,
			Dependencies: deps,
			MaxRetries:   p.cfg.MaxRetries,
			InputContext: map[string]any{"goal": goal},
		}
		// Status left empty: the store derives BLOCKED/PENDING from
		// the dependency set.

		err := p.store.InsertTask(ctx, child)
		if errors.Is(err, persistence.ErrDuplicateID) {
			// A previous attempt of this PLAN task inserted it already.
			logger.WarnContext(ctx, "child task already exists, keeping it",
				slog.String("child", child.ID))
		} else if err != nil {
			return nil, fmt.Errorf("insert child task %s: %w", child.ID, err)
		}
		taskIDs = append(taskIDs, child.ID)
	}

	logger.InfoContext(ctx, "plan materialized", slog.Int("task_count", len(taskIDs)))

	ids := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		ids[i] = id
	}
	return api.Artifact{
		"task_count": len(taskIDs),
		"task_ids":   ids,
		"edges":      edges,
	}, nil
}

// validate checks the plan's structural contract and returns the local
// ids in topological order. Nothing is inserted unless the whole plan
// passes: a partially inserted cyclic plan would be a permanent
// corruption the scheduler cannot self-repair.
func (p *Planner) validate(planned []PlannedTask) ([]string, error) {
	if len(planned) == 0 {
		return nil, errors.New("plan is empty")
	}

	byID := make(map[string]PlannedTask, len(planned))
	for _, pt := range planned {
		if pt.ID == "" {
			return nil, errors.New("planned task with empty id")
		}
		if _, dup := byID[pt.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", pt.ID)
		}
		if pt.Type == "" {
			return nil, fmt.Errorf("task %q has no type", pt.ID)
		}
		if len(p.allowed) > 0 && !p.allowed[pt.Type] {
			return nil, fmt.Errorf("task %q has unknown type %q", pt.ID, pt.Type)
		}
		byID[pt.ID] = pt
	}

	var edges []toposort.Edge
	for _, pt := range planned {
		if len(pt.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, pt.ID})
			continue
		}
		for _, dep := range pt.DependsOn {
			if dep == pt.ID {
				return nil, fmt.Errorf("task %q depends on itself", pt.ID)
			}
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", pt.ID, dep)
			}
			edges = append(edges, toposort.Edge{dep, pt.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("plan contains a cycle: %w", err)
	}

	order := make([]string, 0, len(planned))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(planned) {
		return nil, fmt.Errorf("topological sort lost tasks: got %d of %d", len(order), len(planned))
	}
	return order, nil
}

func childTaskID(workflowID, localID string) string {
	return workflowID + "_" + localID
}
