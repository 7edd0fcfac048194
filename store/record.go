// ABOUTME: Storage records for session persistence: the full snapshot and the listing entry.
// ABOUTME: Messages travel as serialized JSON so the storage layer stays decoupled from the engine.

package store

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a persisted session.
type SessionStatus string

const (
	StatusActive   SessionStatus = "active"
	StatusArchived SessionStatus = "archived"
	StatusDeleted  SessionStatus = "deleted"
)

// PersistedSession is a full session snapshot. Version strictly increases on
// every write for a given session id.
type PersistedSession struct {
	SessionID          string          `json:"session_id"`
	UserID             string          `json:"user_id"`
	Version            int64           `json:"version"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	Title              string          `json:"title"`
	ModelName          string          `json:"model_name"`
	Status             SessionStatus   `json:"status"`
	Messages           json.RawMessage `json:"messages"`
	Summary            string          `json:"summary,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	MessageCount       int             `json:"message_count"`
	LastMessagePreview string          `json:"last_message_preview,omitempty"`
}

// SessionIndexEntry is the lightweight listing row returned to clients.
type SessionIndexEntry struct {
	SessionID    string        `json:"session_id"`
	Title        string        `json:"title"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	MessageCount int           `json:"message_count"`
	Preview      string        `json:"preview,omitempty"`
}
