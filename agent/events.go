// ABOUTME: Event system for the agent runtime, enabling real-time observation of engine actions.
// ABOUTME: Provides the closed event-type set and an Emitter with subscribe/emit/close semantics.

package agent

import (
	"sync"
	"time"
)

// EventType discriminates the type of session event. The set is closed:
// transports switch exhaustively on it.
type EventType string

const (
	EventReady              EventType = "ready"
	EventProcessing         EventType = "processing"
	EventAssistantChunk     EventType = "assistant_chunk"
	EventAssistantStreamEnd EventType = "assistant_stream_end"
	EventAssistantMessage   EventType = "assistant_message"
	EventToolCall           EventType = "tool_call"
	EventToolStateChange    EventType = "tool_state_change"
	EventToolOutput         EventType = "tool_output"
	EventToolLog            EventType = "tool_log"
	EventApprovalRequired   EventType = "approval_required"
	EventTurnComplete       EventType = "turn_complete"
	EventCompacted          EventType = "compacted"
	EventError              EventType = "error"
	EventInterrupted        EventType = "interrupted"
	EventShutdown           EventType = "shutdown"
	EventLogStream          EventType = "log_stream"
	EventSystemMessage      EventType = "system_message"
)

// Event is a typed record sent from the engine to the transport.
// Events are fire-and-forget; the engine never awaits acknowledgement.
type Event struct {
	Type      EventType      `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
	SessionID string         `json:"-"`
	Timestamp time.Time      `json:"-"`
}

// Emitter delivers session events to subscribed channels.
type Emitter struct {
	mu          sync.RWMutex
	subscribers []chan Event
	closed      bool
}

// NewEmitter creates a new Emitter.
func NewEmitter() *Emitter {
	return &Emitter{subscribers: make([]chan Event, 0)}
}

// Subscribe registers a new subscriber channel and returns it.
// The channel is buffered to reduce the likelihood of blocking the engine.
func (e *Emitter) Subscribe() <-chan Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan Event, 256)
	e.subscribers = append(e.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (e *Emitter) Unsubscribe(ch <-chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, sub := range e.subscribers {
		if (<-chan Event)(sub) == ch {
			close(sub)
			e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
			return
		}
	}
}

// Emit sends an event to all subscribers. Non-blocking: if a subscriber's
// buffer is full, the event is dropped for that subscriber.
func (e *Emitter) Emit(event Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return
	}
	for _, ch := range e.subscribers {
		select {
		case ch <- event:
		default:
			// Drop for slow subscribers rather than blocking the engine.
		}
	}
}

// Close closes the emitter and all subscriber channels.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	for _, ch := range e.subscribers {
		close(ch)
	}
	e.subscribers = nil
}
