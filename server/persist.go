// ABOUTME: Glue between live sessions and storage records: snapshot on save, restore on resume.

package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389-research/mahout/agent"
	"github.com/2389-research/mahout/llm"
	"github.com/2389-research/mahout/store"
	"github.com/2389-research/mahout/tools"
)

// SnapshotSession serializes a live session into a storage record. The
// version is assigned by the syncer on MarkDirty.
func SnapshotSession(s *agent.Session) store.PersistedSession {
	messages := s.Context.Messages()
	raw, err := json.Marshal(messages)
	if err != nil {
		// Message types marshal cleanly by construction; an empty log is the
		// only sane fallback.
		raw = json.RawMessage(`[]`)
	}
	return store.PersistedSession{
		SessionID:          s.ID,
		UserID:             s.UserID,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          time.Now().UTC(),
		Title:              s.Title(),
		ModelName:          s.Config.Model,
		Status:             store.StatusActive,
		Messages:           raw,
		Summary:            s.Context.Summary(),
		MessageCount:       len(messages),
		LastMessagePreview: s.Context.LastPreview(120),
	}
}

// RestoreSession rebuilds a live session from a storage record.
func RestoreSession(rec store.PersistedSession, cfg agent.Config, router *tools.Router) (*agent.Session, error) {
	var messages []llm.Message
	if len(rec.Messages) > 0 {
		if err := json.Unmarshal(rec.Messages, &messages); err != nil {
			return nil, fmt.Errorf("decode messages for %s: %w", rec.SessionID, err)
		}
	}

	if rec.ModelName != "" {
		cfg.Model = rec.ModelName
	}
	s := agent.NewSession(rec.SessionID, rec.UserID, cfg, router)
	s.SetTitle(rec.Title)
	s.CreatedAt = rec.CreatedAt
	s.Context.Restore(messages, rec.Summary)
	return s, nil
}
