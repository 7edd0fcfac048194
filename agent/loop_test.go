// ABOUTME: Submission loop tests: ready handshake, serialized turns, interrupt, undo, shutdown flush.
// ABOUTME: Uses the scripted adapter and channel assertions with timeouts.

package agent

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/2389-research/mahout/llm"
)

func waitEvent(t *testing.T, ch <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func startLoop(t *testing.T, adapter *scriptedAdapter) (*Loop, *Session, <-chan Event) {
	t.Helper()
	engine := newTestEngine(adapter, false)
	s := NewSession("s1", "u1", Config{Model: "test-model"}, echoRouter(t))
	ch := s.Events.Subscribe()
	loop := NewLoop(s, engine, 16)

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-loop.Done():
		case <-time.After(2 * time.Second):
			t.Error("loop did not exit")
		}
	})
	return loop, s, ch
}

func userInput(text string) Operation {
	data, _ := json.Marshal(UserInputData{Text: text})
	return Operation{Type: OpUserInput, Data: data}
}

func TestLoopReadyThenChat(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*llm.Response{textResponse("hello back")}}
	loop, s, ch := startLoop(t, adapter)

	waitEvent(t, ch, EventReady)

	if !loop.Submit(userInput("hello")) {
		t.Fatal("Submit returned false on a live loop")
	}
	waitEvent(t, ch, EventProcessing)
	waitEvent(t, ch, EventTurnComplete)

	if s.Title() != "hello" {
		t.Errorf("title = %q, want derived from first input", s.Title())
	}
}

func TestLoopInterruptMidTurn(t *testing.T) {
	adapter := &scriptedAdapter{
		blockFirst: true,
		responses:  []*llm.Response{textResponse("after interrupt")},
	}
	loop, _, ch := startLoop(t, adapter)
	waitEvent(t, ch, EventReady)

	loop.Submit(userInput("think"))
	waitEvent(t, ch, EventProcessing)

	loop.Submit(Operation{Type: OpInterrupt})
	waitEvent(t, ch, EventInterrupted)

	// The loop keeps serving after an interrupt.
	loop.Submit(userInput("again"))
	waitEvent(t, ch, EventTurnComplete)
}

func TestLoopQueuesInputDuringTurn(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*llm.Response{
		textResponse("first answer"),
		textResponse("second answer"),
	}}
	loop, s, ch := startLoop(t, adapter)
	waitEvent(t, ch, EventReady)

	loop.Submit(userInput("one"))
	loop.Submit(userInput("two"))

	waitEvent(t, ch, EventTurnComplete)
	waitEvent(t, ch, EventTurnComplete)

	users := 0
	for _, msg := range s.Context.Messages() {
		if msg.Role == llm.RoleUser {
			users++
		}
	}
	if users != 2 {
		t.Errorf("user messages = %d, want 2", users)
	}
}

func TestLoopNewInputAbandonsPending(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*llm.Response{
		toolResponse(call("c1", "shell_exec", `{"script":"x"}`)),
		textResponse("moving on"),
	}}
	loop, s, ch := startLoop(t, adapter)
	waitEvent(t, ch, EventReady)

	loop.Submit(userInput("dangerous thing"))
	waitEvent(t, ch, EventApprovalRequired)

	loop.Submit(userInput("never mind, something else"))
	ev := waitEvent(t, ch, EventToolStateChange)
	if ev.Data["state"] != "abandoned" {
		t.Errorf("state = %v, want abandoned", ev.Data["state"])
	}
	waitEvent(t, ch, EventTurnComplete)

	if s.Pending != nil {
		t.Error("pending approval should be cleared")
	}
	assertToolPairing(t, s.Context.Messages())
}

func TestLoopUndo(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*llm.Response{textResponse("answer")}}
	loop, s, ch := startLoop(t, adapter)
	waitEvent(t, ch, EventReady)

	loop.Submit(userInput("question"))
	waitEvent(t, ch, EventTurnComplete)

	loop.Submit(Operation{Type: OpUndo})
	waitEvent(t, ch, EventSystemMessage)

	if n := s.Context.Len(); n != 0 {
		t.Errorf("messages after undo = %d, want 0", n)
	}
}

func TestLoopShutdownFlushesOnce(t *testing.T) {
	var saves atomic.Int32
	adapter := &scriptedAdapter{}
	engine := newTestEngine(adapter, false)
	engine.SaveHook = func(s *Session) { saves.Add(1) }

	s := NewSession("s1", "u1", Config{Model: "test-model"}, echoRouter(t))
	ch := s.Events.Subscribe()
	loop := NewLoop(s, engine, 16)
	go loop.Run(context.Background())

	waitEvent(t, ch, EventReady)
	loop.Submit(Operation{Type: OpShutdown})
	waitEvent(t, ch, EventShutdown)

	select {
	case <-loop.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after shutdown")
	}
	if got := saves.Load(); got != 1 {
		t.Errorf("final flushes = %d, want exactly 1", got)
	}
	if loop.Submit(userInput("late")) {
		t.Error("Submit should fail after shutdown")
	}
}

func TestLoopMalformedPayload(t *testing.T) {
	adapter := &scriptedAdapter{}
	loop, _, ch := startLoop(t, adapter)
	waitEvent(t, ch, EventReady)

	loop.Submit(Operation{Type: OpUserInput, Data: json.RawMessage(`{broken`)})
	waitEvent(t, ch, EventError)

	// Loop survives the bad payload.
	adapter.mu.Lock()
	adapter.responses = append(adapter.responses, textResponse("fine"))
	adapter.mu.Unlock()
	loop.Submit(userInput("still alive?"))
	waitEvent(t, ch, EventTurnComplete)
}
