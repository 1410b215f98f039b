package planner

import "context"

// StaticDecomposer returns a fixed plan regardless of the goal. It
// backs tests and demos that need deterministic DAGs.
type StaticDecomposer struct {
	Tasks []PlannedTask
	Err   error
}

var _ Decomposer = (*StaticDecomposer)(nil)

func (d *StaticDecomposer) Decompose(ctx context.Context, goal string) ([]PlannedTask, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	return d.Tasks, nil
}
