// ABOUTME: Local sqlite index: the fast lookup layer holding session rows and their dirty flags.
// ABOUTME: All user-facing queries are scoped by user id; deletes are soft.

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id   TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	version      INTEGER NOT NULL,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	model_name   TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'active',
	messages     TEXT NOT NULL DEFAULT '[]',
	summary      TEXT NOT NULL DEFAULT '',
	metadata     TEXT NOT NULL DEFAULT '{}',
	message_count INTEGER NOT NULL DEFAULT 0,
	last_preview TEXT NOT NULL DEFAULT '',
	is_dirty     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_sessions_dirty ON sessions(is_dirty);
`

// Index is the local lookup layer for persisted sessions.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if needed) the sqlite index at path. Use
// ":memory:" for an ephemeral index.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	// A single writer keeps sqlite happy.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Upsert writes a full session row, setting or clearing its dirty flag.
func (ix *Index) Upsert(rec PersistedSession, dirty bool) error {
	metadata := rec.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	messages := rec.Messages
	if len(messages) == 0 {
		messages = json.RawMessage(`[]`)
	}
	dirtyFlag := 0
	if dirty {
		dirtyFlag = 1
	}

	_, err := ix.db.Exec(`
		INSERT INTO sessions
			(session_id, user_id, version, created_at, updated_at, title, model_name,
			 status, messages, summary, metadata, message_count, last_preview, is_dirty)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			user_id = excluded.user_id,
			version = excluded.version,
			updated_at = excluded.updated_at,
			title = excluded.title,
			model_name = excluded.model_name,
			status = excluded.status,
			messages = excluded.messages,
			summary = excluded.summary,
			metadata = excluded.metadata,
			message_count = excluded.message_count,
			last_preview = excluded.last_preview,
			is_dirty = excluded.is_dirty`,
		rec.SessionID, rec.UserID, rec.Version,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		rec.Title, rec.ModelName, string(rec.Status),
		string(messages), rec.Summary, string(metadata),
		rec.MessageCount, rec.LastMessagePreview, dirtyFlag)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.SessionID, err)
	}
	return nil
}

// Get loads the full row for a session id.
func (ix *Index) Get(sessionID string) (PersistedSession, bool, error) {
	row := ix.db.QueryRow(`
		SELECT session_id, user_id, version, created_at, updated_at, title, model_name,
		       status, messages, summary, metadata, message_count, last_preview
		FROM sessions WHERE session_id = ?`, sessionID)

	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return PersistedSession{}, false, nil
	}
	if err != nil {
		return PersistedSession{}, false, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return rec, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (PersistedSession, error) {
	var rec PersistedSession
	var createdAt, updatedAt, status, messages, metadata string
	err := row.Scan(&rec.SessionID, &rec.UserID, &rec.Version, &createdAt, &updatedAt,
		&rec.Title, &rec.ModelName, &status, &messages, &rec.Summary, &metadata,
		&rec.MessageCount, &rec.LastMessagePreview)
	if err != nil {
		return rec, err
	}
	rec.Status = SessionStatus(status)
	rec.Messages = json.RawMessage(messages)
	rec.Metadata = json.RawMessage(metadata)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return rec, nil
}

// ListByUser returns listing entries for a user's sessions, newest first.
// Deleted rows never appear; archived rows appear only when includeArchived
// is set. A non-positive limit means no limit.
func (ix *Index) ListByUser(userID string, limit, offset int, includeArchived bool) ([]SessionIndexEntry, error) {
	statuses := []any{string(StatusActive), string(StatusActive)}
	if includeArchived {
		statuses[1] = string(StatusArchived)
	}
	if limit <= 0 {
		// sqlite treats a negative LIMIT as unbounded.
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}

	args := append([]any{userID}, statuses...)
	args = append(args, limit, offset)
	rows, err := ix.db.Query(`
		SELECT session_id, title, status, created_at, updated_at, message_count, last_preview
		FROM sessions
		WHERE user_id = ? AND status IN (?, ?)
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions for %s: %w", userID, err)
	}
	defer rows.Close()

	var entries []SessionIndexEntry
	for rows.Next() {
		var e SessionIndexEntry
		var status, createdAt, updatedAt string
		if err := rows.Scan(&e.SessionID, &e.Title, &status, &createdAt, &updatedAt, &e.MessageCount, &e.Preview); err != nil {
			return nil, fmt.Errorf("scan listing row: %w", err)
		}
		e.Status = SessionStatus(status)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SoftDelete marks a session deleted and dirty, bumping its version. Returns
// false when the session does not exist or belongs to another user.
func (ix *Index) SoftDelete(sessionID, userID string) (bool, error) {
	res, err := ix.db.Exec(`
		UPDATE sessions
		SET status = ?, version = version + 1, is_dirty = 1, updated_at = ?
		WHERE session_id = ? AND user_id = ?`,
		string(StatusDeleted), time.Now().UTC().Format(time.RFC3339Nano), sessionID, userID)
	if err != nil {
		return false, fmt.Errorf("soft delete %s: %w", sessionID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DirtyRecords returns all rows currently flagged dirty.
func (ix *Index) DirtyRecords() ([]PersistedSession, error) {
	rows, err := ix.db.Query(`
		SELECT session_id, user_id, version, created_at, updated_at, title, model_name,
		       status, messages, summary, metadata, message_count, last_preview
		FROM sessions WHERE is_dirty = 1`)
	if err != nil {
		return nil, fmt.Errorf("query dirty rows: %w", err)
	}
	defer rows.Close()

	var out []PersistedSession
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dirty row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ClearDirty drops the dirty flag only when the row still carries the flushed
// version. A concurrent re-mark with a newer version stays dirty.
func (ix *Index) ClearDirty(sessionID string, version int64) error {
	_, err := ix.db.Exec(
		`UPDATE sessions SET is_dirty = 0 WHERE session_id = ? AND version = ?`,
		sessionID, version)
	if err != nil {
		return fmt.Errorf("clear dirty %s: %w", sessionID, err)
	}
	return nil
}

// Version returns the current stored version for a session, zero when absent.
func (ix *Index) Version(sessionID string) (int64, error) {
	var v int64
	err := ix.db.QueryRow(`SELECT version FROM sessions WHERE session_id = ?`, sessionID).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("version of %s: %w", sessionID, err)
	}
	return v, nil
}
