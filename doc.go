// Package phoenix is a crash-resilient multi-agent workflow engine.
//
// A user submits a high-level goal; a planner decomposes it into a
// directed acyclic graph of typed tasks; workers claim tasks one at a
// time and produce artifacts; the orchestrator propagates artifacts
// along the graph's edges until the workflow terminates. The defining
// property is that all execution state lives in a shared durable store:
// every process is stateless and may be killed, restarted, or added at
// any time without losing progress.
//
// # Components
//
//  1. Store: durable document store with atomic conditional updates
//     (in-memory, SQLite, or MongoDB).
//  2. Worker: polling loop that claims one ready task at a time and
//     runs the handler registered for its type (pkg/worker).
//  3. Orchestrator: singleton loop performing dependency resolution,
//     lease reclamation, and workflow-status aggregation
//     (pkg/orchestrator).
//  4. Planner: the PLAN task handler that materializes DAGs
//     (pkg/planner).
//
// # The claim protocol
//
// Workers coordinate exclusively through the store. A claim is one
// conditional update: select a PENDING task of an eligible type, mark
// it IN_PROGRESS with the worker's lock and a timestamp, return the
// post-image. At most one worker can win a given task. A worker that
// dies mid-task simply stops heartbeating; once the lease (locked_at +
// lease_ttl) expires, the orchestrator returns the task to PENDING with
// its retry counter incremented, or fails it terminally when retries
// are exhausted. Handlers therefore run at-least-once and must be
// idempotent or safe-on-retry.
//
// # Quick start
//
// The LocalRunner bundles an in-memory store, workers, and an
// orchestrator for single-process use:
//
//	runner := phoenix.NewLocalRunner(phoenix.LocalRunnerConfig{})
//	p := planner.New(runner.Store, myDecomposer, planner.Config{})
//	runner.Registry.MustRegister(api.TaskTypePlan, p.Handler())
//	runner.Registry.MustRegister(api.TaskTypeSearch, myHandler)
//
//	ctx := context.Background()
//	_ = runner.Start(ctx, 2) // claims every registered type
//	wf, _ := phoenix.SubmitGoal(ctx, runner.Store, "research the topic")
//	...
//	runner.Stop()
//
// Production deployments run `phoenix worker` and `phoenix orchestrator`
// processes against a shared MongoDB, plus `phoenix serve` for the HTTP
// control plane and optionally `phoenix watchdog` to supervise the
// orchestrator.
package phoenix
