// Package agent provides the stock LLM-backed task handlers. Each
// handler prompts a model with the task's description, the workflow
// goal, and the artifacts of completed dependencies, and stores the
// model's answer as the task artifact.
//
// These handlers are deliberately thin: the scheduling substrate does
// not care what a handler computes, only that it returns an artifact or
// an error.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/petrijr/phoenix/pkg/api"
)

// Completer produces a text completion for a system + user prompt
// pair. It is satisfied by llm.Client and by test fakes.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// rolePrompts give each task type its own system prompt.
var rolePrompts = map[api.TaskType]string{
	api.TaskTypeSearch:         "You are a research agent. Gather the most relevant facts for the task and list them with sources where possible.",
	api.TaskTypeSummarize:      "You are a summarization agent. Condense the provided material into a faithful, compact summary.",
	api.TaskTypeCodeGenerate:   "You are a code generation agent. Produce working code for the task, with a short usage note.",
	api.TaskTypeValidate:       "You are a validation agent. Check the provided inputs for correctness and report problems explicitly.",
	api.TaskTypeAnalyze:        "You are an analysis agent. Examine the provided material and report findings and their implications.",
	api.TaskTypeProvisionInfra: "You are an infrastructure planning agent. Describe the resources to provision and the steps to do it safely.",
	api.TaskTypeSynthesize:     "You are a synthesis agent. Combine the dependency outputs into a single coherent result.",
}

// NewHandler returns an LLM-backed handler for the given task type.
// Handler runs are safe on retry: the only side effect is the returned
// artifact.
func NewHandler(completer Completer, taskType api.TaskType) api.HandlerFunc {
	system, ok := rolePrompts[taskType]
	if !ok {
		system = "You are a diligent agent. Complete the task described below."
	}

	return func(ctx context.Context, task *api.Task) (api.Artifact, error) {
		user, err := buildPrompt(task)
		if err != nil {
			return nil, err
		}

		content, err := completer.Complete(ctx, system, user)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(content) == "" {
			return nil, fmt.Errorf("model returned empty output for task %s", task.ID)
		}

		return api.Artifact{
			"content": content,
			"type":    string(task.Type),
		}, nil
	}
}

// Register wires an LLM handler for every known non-PLAN task type.
func Register(registry *api.Registry, completer Completer) error {
	for _, t := range api.KnownTaskTypes() {
		if t == api.TaskTypePlan {
			continue
		}
		if err := registry.Register(t, NewHandler(completer, t)); err != nil {
			return err
		}
	}
	return nil
}

func buildPrompt(task *api.Task) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "Task: %s\n", task.Description)
	if goal := task.Goal(); goal != "" {
		fmt.Fprintf(&b, "Overall goal: %s\n", goal)
	}

	if outs := task.DependencyOutputs(); len(outs) > 0 {
		encoded, err := json.MarshalIndent(outs, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode dependency outputs: %w", err)
		}
		fmt.Fprintf(&b, "\nOutputs of completed upstream tasks:\n%s\n", encoded)
	}
	return b.String(), nil
}
