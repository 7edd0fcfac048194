// ABOUTME: Snapshot/restore round-trip tests between live sessions and storage records.

package server

import (
	"fmt"
	"testing"

	"github.com/2389-research/mahout/agent"
	"github.com/2389-research/mahout/llm"
	"github.com/2389-research/mahout/tools"
)

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	router := tools.NewRouter()
	cfg := agent.Config{Model: "test-model", SystemPrompt: "be helpful"}
	s := agent.NewSession("s1", "alice", cfg, router)
	s.SetTitle("a chat about storage")
	s.Context.Append(llm.UserMessage("how does persistence work?"))
	s.Context.Append(llm.AssistantMessage("snapshots go to parquet batches"))

	rec := SnapshotSession(s)
	if rec.SessionID != "s1" || rec.UserID != "alice" {
		t.Errorf("identity mismatch: %+v", rec)
	}
	if rec.MessageCount != 3 {
		t.Errorf("message count = %d, want 3", rec.MessageCount)
	}
	if rec.LastMessagePreview == "" {
		t.Error("preview should not be empty")
	}

	restored, err := RestoreSession(rec, cfg, tools.NewRouter())
	if err != nil {
		t.Fatalf("RestoreSession: %v", err)
	}
	if restored.ID != "s1" || restored.UserID != "alice" || restored.Title() != s.Title() {
		t.Errorf("restored identity mismatch")
	}

	orig := s.Context.Messages()
	back := restored.Context.Messages()
	if len(back) != len(orig) {
		t.Fatalf("restored %d messages, want %d", len(back), len(orig))
	}
	for i := range orig {
		if back[i].Role != orig[i].Role || back[i].TextContent() != orig[i].TextContent() {
			t.Errorf("message %d mismatch", i)
		}
	}
}

func TestSnapshotPreservesToolCalls(t *testing.T) {
	router := tools.NewRouter()
	s := agent.NewSession("s1", "alice", agent.Config{Model: "m"}, router)
	s.Context.Append(llm.UserMessage("run the tool"))
	s.Context.Append(llm.Message{Role: llm.RoleAssistant, Content: []llm.ContentPart{
		llm.ToolCallPart("c1", "echo", []byte(`{"text":"hi"}`)),
	}})
	s.Context.Append(llm.ToolResultMessage("c1", "echo", "hi", false))

	rec := SnapshotSession(s)
	restored, err := RestoreSession(rec, agent.Config{Model: "m"}, tools.NewRouter())
	if err != nil {
		t.Fatalf("RestoreSession: %v", err)
	}

	msgs := restored.Context.Messages()
	calls := msgs[1].ToolCalls()
	if len(calls) != 1 || calls[0].ID != "c1" || calls[0].Name != "echo" {
		t.Fatalf("tool calls lost in round trip: %+v", calls)
	}
	if msgs[2].Role != llm.RoleTool || msgs[2].ToolCallID != "c1" {
		t.Error("tool result lost in round trip")
	}
}

func TestSnapshotDuringLiveAppends(t *testing.T) {
	s := agent.NewSession("s1", "alice", agent.Config{Model: "m"}, tools.NewRouter())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			s.Context.Append(llm.UserMessage(fmt.Sprintf("message %d", i)))
		}
	}()

	for {
		select {
		case <-done:
			rec := SnapshotSession(s)
			if rec.MessageCount != 200 {
				t.Errorf("final snapshot has %d messages, want 200", rec.MessageCount)
			}
			return
		default:
			rec := SnapshotSession(s)
			if rec.MessageCount > 0 && rec.LastMessagePreview == "" {
				t.Fatal("snapshot of a non-empty log lost its preview")
			}
		}
	}
}
