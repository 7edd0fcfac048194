// ABOUTME: Session state for a single conversation: message log, pending approval, router, events.
// ABOUTME: Also carries per-session config, tool output truncation, and repeated-call detection.

package agent

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/2389-research/mahout/llm"
	"github.com/2389-research/mahout/tools"
)

const (
	defaultMaxIterations   = 10
	defaultToolOutputLimit = 10000
	loopThreshold          = 3
)

// Config holds per-session settings.
type Config struct {
	Model        string
	Provider     string
	SystemPrompt string

	// MaxIterations bounds the LLM-call-then-tool-execute cycles per turn.
	MaxIterations int

	// YOLO disables the approval gate entirely.
	YOLO bool

	Context ContextConfig

	// ToolOutputLimit caps tool output fed back to the LLM, in bytes.
	// Per-tool overrides win. Zero means the default limit.
	ToolOutputLimit  int
	ToolOutputLimits map[string]int
}

func (c *Config) normalize() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaultMaxIterations
	}
	if c.ToolOutputLimit <= 0 {
		c.ToolOutputLimit = defaultToolOutputLimit
	}
	if c.Context.MaxContext <= 0 {
		c.Context = DefaultContextConfig()
	}
}

// PendingApproval is the batch of tool calls awaiting a human decision.
type PendingApproval struct {
	Calls []llm.ToolCallData
}

// Session is the per-conversation state. The submission loop is the only
// writer to the message log and pending approval; the title is additionally
// read by snapshot goroutines, so it sits behind its own lock.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	titleMu sync.Mutex
	title   string

	Config  Config
	Context *ContextManager
	Router  *tools.Router
	Events  *Emitter

	Running bool
	Pending *PendingApproval

	lastCallSig   string
	lastCallCount int
}

// NewSession creates a session with an empty log and a running loop state.
// The system prompt, when configured, becomes the first message.
func NewSession(id, userID string, cfg Config, router *tools.Router) *Session {
	cfg.normalize()
	cm := NewContextManager(cfg.Context)
	if cfg.SystemPrompt != "" {
		cm.Append(llm.SystemMessage(cfg.SystemPrompt))
	}
	return &Session{
		ID:        id,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
		Config:    cfg,
		Context:   cm,
		Router:    router,
		Events:    NewEmitter(),
		Running:   true,
	}
}

// Title returns the session title.
func (s *Session) Title() string {
	s.titleMu.Lock()
	defer s.titleMu.Unlock()
	return s.title
}

// SetTitle sets the session title.
func (s *Session) SetTitle(title string) {
	s.titleMu.Lock()
	s.title = title
	s.titleMu.Unlock()
}

func (s *Session) emit(t EventType, data map[string]any) {
	s.Events.Emit(Event{
		Type:      t,
		Data:      data,
		SessionID: s.ID,
		Timestamp: time.Now().UTC(),
	})
}

// noteToolCalls records the iteration's tool-call signature and reports
// whether the model has repeated the identical batch loopThreshold times.
func (s *Session) noteToolCalls(calls []llm.ToolCallData) bool {
	var b strings.Builder
	for _, c := range calls {
		fmt.Fprintf(&b, "%s(%s);", c.Name, string(c.Arguments))
	}
	sig := b.String()

	if sig == s.lastCallSig {
		s.lastCallCount++
	} else {
		s.lastCallSig = sig
		s.lastCallCount = 1
	}
	return s.lastCallCount >= loopThreshold
}

func (s *Session) resetLoopDetection() {
	s.lastCallSig = ""
	s.lastCallCount = 0
}

// truncateOutput caps tool output before it is fed back to the LLM. The full
// output still reaches the event stream.
func (s *Session) truncateOutput(toolName, output string) string {
	limit := s.Config.ToolOutputLimit
	if override, ok := s.Config.ToolOutputLimits[toolName]; ok && override > 0 {
		limit = override
	}
	if len(output) <= limit {
		return output
	}
	return fmt.Sprintf("%s\n[output truncated: showing %d of %d bytes]", output[:limit], limit, len(output))
}

// deriveTitle builds a session title from the first user message.
func deriveTitle(text string) string {
	line := strings.TrimSpace(text)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if len(line) > 60 {
		line = strings.TrimSpace(trimToRune(line, 60))
	}
	return line
}

// trimToRune cuts s to at most max bytes without splitting a UTF-8 sequence.
func trimToRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
