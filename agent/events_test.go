// ABOUTME: Emitter tests: subscribe/emit delivery, slow-subscriber drop, unsubscribe, close.

package agent

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEmitterDeliversToSubscribers(t *testing.T) {
	e := NewEmitter()
	a := e.Subscribe()
	b := e.Subscribe()

	e.Emit(Event{Type: EventReady})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			if ev.Type != EventReady {
				t.Errorf("got %s, want ready", ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestEmitterDropsWhenBufferFull(t *testing.T) {
	e := NewEmitter()
	ch := e.Subscribe()

	// Never read; emits beyond the buffer must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			e.Emit(Event{Type: EventToolLog})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}
	_ = ch
}

func TestEmitterUnsubscribeCloses(t *testing.T) {
	e := NewEmitter()
	ch := e.Subscribe()
	e.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("unsubscribed channel should be closed")
	}
	e.Emit(Event{Type: EventReady})
}

func TestEmitterCloseIdempotent(t *testing.T) {
	e := NewEmitter()
	ch := e.Subscribe()
	e.Close()
	e.Close()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Close")
	}
	e.Emit(Event{Type: EventReady})
}

func TestEventJSONShape(t *testing.T) {
	ev := Event{
		Type:      EventAssistantChunk,
		Data:      map[string]any{"text": "hi"},
		SessionID: "hidden",
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["event_type"] != "assistant_chunk" {
		t.Errorf("event_type = %v", m["event_type"])
	}
	if _, leaked := m["SessionID"]; leaked {
		t.Error("session id must not serialize")
	}
}
