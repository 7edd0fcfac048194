// ABOUTME: Token counting for context budgeting, backed by tiktoken with a heuristic fallback.
// ABOUTME: Provides TokenCounter, NewTiktokenCounter, and message-level estimation helpers.

package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token counts for text and messages.
type TokenCounter interface {
	// CountText returns the estimated token count for a text fragment.
	CountText(text string) int

	// CountMessage returns the estimated token count for a full message,
	// including tool call arguments and tool results.
	CountMessage(msg Message) int
}

// messageOverheadTokens approximates the per-message framing cost
// (role markers, separators) in the provider's chat format.
const messageOverheadTokens = 4

// TiktokenCounter counts tokens using the model's BPE encoding. When the
// encoding cannot be loaded (offline, unknown model), it falls back to a
// bytes/4 heuristic.
type TiktokenCounter struct {
	once     sync.Once
	model    string
	encoding *tiktoken.Tiktoken
}

// NewTiktokenCounter creates a counter for the given model name.
func NewTiktokenCounter(model string) *TiktokenCounter {
	return &TiktokenCounter{model: model}
}

func (c *TiktokenCounter) load() {
	c.once.Do(func() {
		enc, err := tiktoken.EncodingForModel(c.model)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
			if err != nil {
				return
			}
		}
		c.encoding = enc
	})
}

// CountText returns the token count for a text fragment.
func (c *TiktokenCounter) CountText(text string) int {
	c.load()
	if c.encoding == nil {
		return heuristicCount(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessage returns the token count for a full message.
func (c *TiktokenCounter) CountMessage(msg Message) int {
	return countMessageWith(c, msg)
}

// HeuristicCounter estimates tokens as bytes/4 without any encoding data.
// Used in tests and as an explicit fallback.
type HeuristicCounter struct{}

// CountText returns the heuristic token count for a text fragment.
func (HeuristicCounter) CountText(text string) int { return heuristicCount(text) }

// CountMessage returns the heuristic token count for a full message.
func (h HeuristicCounter) CountMessage(msg Message) int {
	return countMessageWith(h, msg)
}

func heuristicCount(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

func countMessageWith(c TokenCounter, msg Message) int {
	total := messageOverheadTokens
	for _, part := range msg.Content {
		switch part.Kind {
		case ContentText:
			total += c.CountText(part.Text)
		case ContentToolCall:
			if part.ToolCall != nil {
				total += c.CountText(part.ToolCall.Name)
				total += c.CountText(string(part.ToolCall.Arguments))
			}
		case ContentToolResult:
			if part.ToolResult != nil {
				total += c.CountText(part.ToolResult.Content)
			}
		}
	}
	return total
}
