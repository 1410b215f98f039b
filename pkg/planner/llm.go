package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Completer produces a text completion for a system + user prompt
// pair. It is satisfied by llm.Client and by test fakes.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

const decomposeSystemPrompt = `You are a workflow planner. Decompose the user's goal into a small set of tasks forming a directed acyclic graph.

Respond with ONLY a JSON array. Each element:
  {"id": "<short_snake_case_id>", "type": "<TASK_TYPE>", "description": "<what to do>", "depends_on": ["<id>", ...]}

Rules:
- "type" must be one of: SEARCH, SUMMARIZE, CODE_GENERATE, VALIDATE, ANALYZE, PROVISION_INFRA, SYNTHESIZE.
- "depends_on" may only reference ids from this same array.
- The graph must be acyclic. Do not include a planning task.`

// LLMDecomposer asks a language model to break a goal into a task DAG.
// Unparseable output is returned as an error, which sends the PLAN task
// through the normal retry policy.
type LLMDecomposer struct {
	completer Completer
}

// NewLLMDecomposer wraps a Completer.
func NewLLMDecomposer(completer Completer) *LLMDecomposer {
	return &LLMDecomposer{completer: completer}
}

var _ Decomposer = (*LLMDecomposer)(nil)

func (d *LLMDecomposer) Decompose(ctx context.Context, goal string) ([]PlannedTask, error) {
	content, err := d.completer.Complete(ctx, decomposeSystemPrompt, "Goal: "+goal)
	if err != nil {
		return nil, err
	}
	return parsePlan(content)
}

// Models wrap JSON in markdown fences or chat around it; fish the array
// out before unmarshalling.
var (
	fencedArrayPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	rawArrayPattern    = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
	trailingComma      = regexp.MustCompile(`,\s*([}\]])`)
)

func extractJSONArray(content string) string {
	raw := ""
	if m := fencedArrayPattern.FindStringSubmatch(content); len(m) > 1 {
		raw = m[1]
	} else if m := rawArrayPattern.FindString(content); m != "" {
		raw = m
	}
	if raw == "" {
		return ""
	}
	return trailingComma.ReplaceAllString(raw, "$1")
}

func parsePlan(content string) ([]PlannedTask, error) {
	raw := extractJSONArray(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON array in model output: %s", truncate(content, 200))
	}

	var planned []PlannedTask
	if err := json.Unmarshal([]byte(raw), &planned); err != nil {
		return nil, fmt.Errorf("decode plan JSON: %w", err)
	}

	for i := range planned {
		planned[i].ID = strings.TrimSpace(planned[i].ID)
	}
	return planned, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
