// ABOUTME: Context manager holding the ordered message log with token-budgeted compaction.
// ABOUTME: Provides Append, Messages, Compact, Undo, and snapshot/restore for persistence.

package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/2389-research/mahout/llm"
)

// Summarizer produces a compact natural-language summary of a message prefix.
// It is typically backed by an LLM call.
type Summarizer func(ctx context.Context, head []llm.Message) (string, error)

// ContextManager owns the session's ordered message log and its running token
// estimate. Mutations come only from the session's submission loop, but
// snapshot and transport goroutines read concurrently, so a RWMutex guards
// the log.
type ContextManager struct {
	mu       sync.RWMutex
	messages []llm.Message
	tokens   int

	counter         llm.TokenCounter
	maxContext      int
	compactFraction float64
	untouchedTail   int

	summary string
}

// ContextConfig configures a ContextManager.
type ContextConfig struct {
	MaxContext      int     // token budget; compaction triggers above MaxContext * CompactFraction
	CompactFraction float64 // target post-compaction size as a fraction of MaxContext
	UntouchedTail   int     // trailing messages never compacted
	Counter         llm.TokenCounter
}

// DefaultContextConfig returns the runtime defaults.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		MaxContext:      128000,
		CompactFraction: 0.1,
		UntouchedTail:   10,
		Counter:         llm.HeuristicCounter{},
	}
}

// NewContextManager creates an empty ContextManager.
func NewContextManager(cfg ContextConfig) *ContextManager {
	if cfg.Counter == nil {
		cfg.Counter = llm.HeuristicCounter{}
	}
	if cfg.CompactFraction <= 0 || cfg.CompactFraction >= 1 {
		cfg.CompactFraction = 0.1
	}
	if cfg.UntouchedTail <= 0 {
		cfg.UntouchedTail = 10
	}
	return &ContextManager{
		counter:         cfg.Counter,
		maxContext:      cfg.MaxContext,
		compactFraction: cfg.CompactFraction,
		untouchedTail:   cfg.UntouchedTail,
	}
}

// Append adds a message and updates the token estimate.
func (cm *ContextManager) Append(msg llm.Message) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.messages = append(cm.messages, msg)
	cm.tokens += cm.counter.CountMessage(msg)
}

// AppendWithCount adds a message using a provider-reported token count
// instead of the local estimate.
func (cm *ContextManager) AppendWithCount(msg llm.Message, tokens int) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.messages = append(cm.messages, msg)
	cm.tokens += tokens
}

// Messages returns a copy of the ordered message list.
func (cm *ContextManager) Messages() []llm.Message {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]llm.Message, len(cm.messages))
	copy(out, cm.messages)
	return out
}

// Len returns the number of messages in the log.
func (cm *ContextManager) Len() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.messages)
}

// TokenCount returns the running token estimate.
func (cm *ContextManager) TokenCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.tokens
}

// Summary returns the most recent compaction summary, if any.
func (cm *ContextManager) Summary() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.summary
}

// LastPreview returns a short preview of the last message's text content.
func (cm *ContextManager) LastPreview(maxLen int) string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for i := len(cm.messages) - 1; i >= 0; i-- {
		text := cm.messages[i].TextContent()
		if text == "" {
			continue
		}
		return trimToRune(strings.TrimSpace(text), maxLen)
	}
	return ""
}

// NeedsCompaction reports whether the estimate exceeds the compaction trigger.
func (cm *ContextManager) NeedsCompaction() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.needsCompaction()
}

func (cm *ContextManager) needsCompaction() bool {
	if cm.maxContext <= 0 {
		return false
	}
	return float64(cm.tokens) > float64(cm.maxContext)*cm.compactFraction
}

// Compact summarizes the head of the log and replaces it with a single
// system message. The last UntouchedTail messages are preserved, extended
// leftward so a tool_call/tool_result pair is never split. A leading system
// prompt is always preserved. Returns (oldTokens, newTokens, true) when the
// log changed. Compaction is best-effort: a summarizer failure leaves the
// history untouched and is returned to the caller. When force is set the
// token-threshold gate is skipped.
//
// The lock is dropped while the summarizer runs: only the submission loop
// mutates the log, and it is the one blocked here, so the cut stays valid.
func (cm *ContextManager) Compact(ctx context.Context, summarize Summarizer, force bool) (int, int, bool, error) {
	cm.mu.RLock()
	tokens := cm.tokens
	if !force && !cm.needsCompaction() {
		cm.mu.RUnlock()
		return tokens, tokens, false, nil
	}

	start := 0
	if len(cm.messages) > 0 && cm.messages[0].Role == llm.RoleSystem {
		start = 1
	}

	cut := len(cm.messages) - cm.untouchedTail
	if cut <= start {
		cm.mu.RUnlock()
		return tokens, tokens, false, nil
	}

	// Extend the tail leftward until no tool pair straddles the cut: the
	// message at the cut must not be a tool result, and the message before it
	// must not be an unanswered assistant tool call.
	for cut > start {
		if cm.messages[cut].Role == llm.RoleTool {
			cut--
			continue
		}
		if prev := cm.messages[cut-1]; prev.Role == llm.RoleAssistant && len(prev.ToolCalls()) > 0 {
			cut--
			continue
		}
		break
	}
	if cut <= start {
		cm.mu.RUnlock()
		return tokens, tokens, false, nil
	}

	head := make([]llm.Message, cut-start)
	copy(head, cm.messages[start:cut])
	cm.mu.RUnlock()

	summary, err := summarize(ctx, head)
	if err != nil {
		return tokens, tokens, false, fmt.Errorf("summarize head: %w", err)
	}

	summaryMsg := llm.SystemMessage("Summary of the conversation so far:\n\n" + summary)

	cm.mu.Lock()
	defer cm.mu.Unlock()

	rebuilt := make([]llm.Message, 0, 1+1+len(cm.messages)-cut)
	rebuilt = append(rebuilt, cm.messages[:start]...)
	rebuilt = append(rebuilt, summaryMsg)
	rebuilt = append(rebuilt, cm.messages[cut:]...)

	oldTokens := cm.tokens
	cm.messages = rebuilt
	cm.summary = summary
	cm.recount()

	return oldTokens, cm.tokens, true, nil
}

// Undo pops messages from the tail until (and including) the most recent user
// message. Returns false, leaving the log unchanged, when no user message exists.
func (cm *ContextManager) Undo() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	idx := -1
	for i := len(cm.messages) - 1; i >= 0; i-- {
		if cm.messages[i].Role == llm.RoleUser {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	cm.messages = cm.messages[:idx]
	cm.recount()
	return true
}

// Restore replaces the log with the given messages, recomputing the estimate.
// Used when resuming a persisted session.
func (cm *ContextManager) Restore(messages []llm.Message, summary string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.messages = make([]llm.Message, len(messages))
	copy(cm.messages, messages)
	cm.summary = summary
	cm.recount()
}

// recount recomputes the estimate. Callers hold the write lock.
func (cm *ContextManager) recount() {
	total := 0
	for _, msg := range cm.messages {
		total += cm.counter.CountMessage(msg)
	}
	cm.tokens = total
}
