// ABOUTME: Parquet codec for session batches written to the object store.
// ABOUTME: One row per session snapshot; message logs travel as JSON strings inside the column.

package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"
)

type sessionRow struct {
	SessionID          string `parquet:"session_id"`
	UserID             string `parquet:"user_id"`
	Version            int64  `parquet:"version"`
	CreatedAtUnixMs    int64  `parquet:"created_at_unix_ms"`
	UpdatedAtUnixMs    int64  `parquet:"updated_at_unix_ms"`
	Title              string `parquet:"title"`
	ModelName          string `parquet:"model_name"`
	Status             string `parquet:"status"`
	MessagesJSON       string `parquet:"messages_json"`
	Summary            string `parquet:"summary"`
	MetadataJSON       string `parquet:"metadata_json"`
	MessageCount       int32  `parquet:"message_count"`
	LastMessagePreview string `parquet:"last_message_preview"`
}

func toRow(rec PersistedSession) sessionRow {
	messages := rec.Messages
	if len(messages) == 0 {
		messages = json.RawMessage(`[]`)
	}
	metadata := rec.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	return sessionRow{
		SessionID:          rec.SessionID,
		UserID:             rec.UserID,
		Version:            rec.Version,
		CreatedAtUnixMs:    rec.CreatedAt.UTC().UnixMilli(),
		UpdatedAtUnixMs:    rec.UpdatedAt.UTC().UnixMilli(),
		Title:              rec.Title,
		ModelName:          rec.ModelName,
		Status:             string(rec.Status),
		MessagesJSON:       string(messages),
		Summary:            rec.Summary,
		MetadataJSON:       string(metadata),
		MessageCount:       int32(rec.MessageCount),
		LastMessagePreview: rec.LastMessagePreview,
	}
}

func fromRow(row sessionRow) PersistedSession {
	return PersistedSession{
		SessionID:          row.SessionID,
		UserID:             row.UserID,
		Version:            row.Version,
		CreatedAt:          time.UnixMilli(row.CreatedAtUnixMs).UTC(),
		UpdatedAt:          time.UnixMilli(row.UpdatedAtUnixMs).UTC(),
		Title:              row.Title,
		ModelName:          row.ModelName,
		Status:             SessionStatus(row.Status),
		Messages:           json.RawMessage(row.MessagesJSON),
		Summary:            row.Summary,
		Metadata:           json.RawMessage(row.MetadataJSON),
		MessageCount:       int(row.MessageCount),
		LastMessagePreview: row.LastMessagePreview,
	}
}

// EncodeBatch serializes session snapshots into a single parquet file.
func EncodeBatch(records []PersistedSession) ([]byte, error) {
	rows := make([]sessionRow, len(records))
	for i, rec := range records {
		rows[i] = toRow(rec)
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[sessionRow](&buf)
	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBatch parses a parquet batch back into session snapshots.
func DecodeBatch(data []byte) ([]PersistedSession, error) {
	rows, err := parquet.Read[sessionRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	out := make([]PersistedSession, len(rows))
	for i, row := range rows {
		out[i] = fromRow(row)
	}
	return out, nil
}
