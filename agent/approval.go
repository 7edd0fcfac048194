// ABOUTME: Pure approval policy deciding which tool calls need a human decision before execution.
// ABOUTME: Data-driven per tool and operation, with numeric thresholds and a YOLO bypass.

package agent

import (
	"strings"
	"unicode"
)

// Rule marks a tool call as requiring approval. An empty Operation matches
// every call to the tool; otherwise the call's "operation" argument must
// match. When Field is set, approval is required only when that numeric
// argument exceeds Above.
type Rule struct {
	Tool      string
	Operation string
	Field     string
	Above     float64
}

// Policy is the approval decision table. It performs no I/O.
type Policy struct {
	yolo  bool
	rules []Rule
}

// NewPolicy creates a Policy. With yolo set, nothing requires approval.
func NewPolicy(yolo bool, rules []Rule) *Policy {
	return &Policy{yolo: yolo, rules: rules}
}

// DefaultRules gates mutating and costly operations: shell execution, file
// writes and deletions, repo mutations, PR merges, and compute-job
// submissions that request accelerators.
func DefaultRules() []Rule {
	return []Rule{
		{Tool: "shell_exec"},
		{Tool: "write_file"},
		{Tool: "delete_file"},
		{Tool: "git", Operation: "commit"},
		{Tool: "git", Operation: "push"},
		{Tool: "git", Operation: "delete_branch"},
		{Tool: "pull_request", Operation: "merge"},
		{Tool: "submit_job", Field: "gpu_count", Above: 0},
	}
}

// RequiresApproval reports whether the named call with the given parsed
// arguments needs a human decision.
func (p *Policy) RequiresApproval(toolName string, args map[string]any) bool {
	if p.yolo {
		return false
	}
	for _, rule := range p.rules {
		if rule.Tool != toolName {
			continue
		}
		if rule.Operation != "" {
			op, _ := args["operation"].(string)
			if op != rule.Operation {
				continue
			}
		}
		if rule.Field != "" {
			val, ok := numericArg(args[rule.Field])
			if !ok || val <= rule.Above {
				continue
			}
		}
		return true
	}
	return false
}

func numericArg(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// SanitizeFeedback strips control characters from operator feedback before it
// enters the message log. Newline and tab survive.
func SanitizeFeedback(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
