// ABOUTME: Built-in in-process tools registered with every session router.
// ABOUTME: Provides get_datetime and a plan-tracking tool; each parses its own arguments.

package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// RegisterBuiltins adds the in-process tools to a router.
func RegisterBuiltins(r *Router) error {
	builtins := []*ToolSpec{
		datetimeSpec(),
		NewPlanTool().Spec(),
	}
	for _, spec := range builtins {
		if err := r.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

func datetimeSpec() *ToolSpec {
	return &ToolSpec{
		Name:        "get_datetime",
		Description: "Returns the current date and time in UTC.",
		Parameters:  []byte(`{"type":"object","properties":{},"required":[]}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return time.Now().UTC().Format("2006-01-02 15:04:05 UTC"), nil
		},
	}
}

// PlanTool tracks a simple step plan for the current session. The LLM writes
// the plan and checks steps off; the state lives only in memory.
type PlanTool struct {
	mu    sync.Mutex
	steps []planStep
}

type planStep struct {
	Text string
	Done bool
}

// NewPlanTool creates an empty plan tracker.
func NewPlanTool() *PlanTool {
	return &PlanTool{}
}

// Spec returns the router spec for the plan tool.
func (p *PlanTool) Spec() *ToolSpec {
	return &ToolSpec{
		Name:        "plan",
		Description: "Tracks a step-by-step plan. Operations: set (replace the plan), check (mark a step done), show.",
		Parameters: []byte(`{
			"type": "object",
			"properties": {
				"operation": {"type": "string", "enum": ["set", "check", "show"]},
				"steps": {"type": "array", "items": {"type": "string"}},
				"step": {"type": "integer", "description": "1-based index of the step to check off"}
			},
			"required": ["operation"]
		}`),
		Handler: p.handle,
	}
}

func (p *PlanTool) handle(ctx context.Context, args map[string]any) (string, error) {
	op, _ := args["operation"].(string)

	p.mu.Lock()
	defer p.mu.Unlock()

	switch op {
	case "set":
		raw, ok := args["steps"].([]any)
		if !ok {
			return "", fmt.Errorf("'set' requires a steps array")
		}
		p.steps = p.steps[:0]
		for _, item := range raw {
			text, ok := item.(string)
			if !ok {
				return "", fmt.Errorf("plan steps must be strings")
			}
			p.steps = append(p.steps, planStep{Text: text})
		}
		return p.renderLocked(), nil

	case "check":
		idx, ok := toInt(args["step"])
		if !ok || idx < 1 || idx > len(p.steps) {
			return "", fmt.Errorf("'check' requires a valid 1-based step index")
		}
		p.steps[idx-1].Done = true
		return p.renderLocked(), nil

	case "show":
		return p.renderLocked(), nil

	default:
		return "", fmt.Errorf("unknown operation %q", op)
	}
}

func (p *PlanTool) renderLocked() string {
	if len(p.steps) == 0 {
		return "(no plan)"
	}
	var b strings.Builder
	for i, step := range p.steps {
		mark := " "
		if step.Done {
			mark = "x"
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, mark, step.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// toInt coerces JSON numbers (float64 after unmarshal) to int.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
