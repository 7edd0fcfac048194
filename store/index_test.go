// ABOUTME: Tests for the sqlite index: upsert/get, user scoping, soft delete, dirty flag handling.

package store

import (
	"encoding/json"
	"testing"
	"time"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := OpenIndex(":memory:")
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func sampleRecord(sessionID, userID string, version int64) PersistedSession {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return PersistedSession{
		SessionID:          sessionID,
		UserID:             userID,
		Version:            version,
		CreatedAt:          now,
		UpdatedAt:          now,
		Title:              "test session",
		ModelName:          "test-model",
		Status:             StatusActive,
		Messages:           json.RawMessage(`[{"role":"user","content":[{"kind":"text","text":"hi"}]}]`),
		MessageCount:       1,
		LastMessagePreview: "hi",
	}
}

func TestIndexUpsertAndGet(t *testing.T) {
	ix := openTestIndex(t)
	rec := sampleRecord("s1", "u1", 1)

	if err := ix.Upsert(rec, false); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, found, err := ix.Get("s1")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if got.UserID != "u1" || got.Version != 1 || got.Title != "test session" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if string(got.Messages) != string(rec.Messages) {
		t.Errorf("messages mismatch: %s", got.Messages)
	}

	if _, found, _ := ix.Get("missing"); found {
		t.Error("Get should miss on an unknown id")
	}
}

func TestIndexListScopedByUser(t *testing.T) {
	ix := openTestIndex(t)
	_ = ix.Upsert(sampleRecord("s1", "alice", 1), false)
	_ = ix.Upsert(sampleRecord("s2", "alice", 1), false)
	_ = ix.Upsert(sampleRecord("s3", "bob", 1), false)

	entries, err := ix.ListByUser("alice", 0, 0, false)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("alice sees %d sessions, want 2", len(entries))
	}
	for _, e := range entries {
		if e.SessionID == "s3" {
			t.Error("alice must never see bob's session")
		}
		if e.CreatedAt.IsZero() {
			t.Errorf("listing row %s should carry created_at", e.SessionID)
		}
	}
}

func TestIndexListLimitAndOffset(t *testing.T) {
	ix := openTestIndex(t)
	base := time.Now().UTC()
	for i, id := range []string{"s1", "s2", "s3", "s4"} {
		rec := sampleRecord(id, "alice", 1)
		rec.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		_ = ix.Upsert(rec, false)
	}

	page, err := ix.ListByUser("alice", 2, 0, false)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(page) != 2 || page[0].SessionID != "s4" || page[1].SessionID != "s3" {
		t.Fatalf("first page = %+v, want s4 then s3", page)
	}

	page, _ = ix.ListByUser("alice", 2, 2, false)
	if len(page) != 2 || page[0].SessionID != "s2" || page[1].SessionID != "s1" {
		t.Fatalf("second page = %+v, want s2 then s1", page)
	}

	page, _ = ix.ListByUser("alice", 2, 4, false)
	if len(page) != 0 {
		t.Errorf("offset past the end should return nothing, got %+v", page)
	}
}

func TestIndexListArchivedFilter(t *testing.T) {
	ix := openTestIndex(t)
	_ = ix.Upsert(sampleRecord("s1", "alice", 1), false)
	archived := sampleRecord("s2", "alice", 1)
	archived.Status = StatusArchived
	_ = ix.Upsert(archived, false)
	deleted := sampleRecord("s3", "alice", 1)
	deleted.Status = StatusDeleted
	_ = ix.Upsert(deleted, false)

	entries, err := ix.ListByUser("alice", 0, 0, false)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(entries) != 1 || entries[0].SessionID != "s1" {
		t.Fatalf("default listing = %+v, want only the active session", entries)
	}

	entries, _ = ix.ListByUser("alice", 0, 0, true)
	if len(entries) != 2 {
		t.Fatalf("archived listing has %d rows, want 2", len(entries))
	}
	for _, e := range entries {
		if e.SessionID == "s3" {
			t.Error("deleted sessions must never appear, even with include_archived")
		}
	}
}

func TestIndexSoftDelete(t *testing.T) {
	ix := openTestIndex(t)
	_ = ix.Upsert(sampleRecord("s1", "alice", 1), false)

	ok, err := ix.SoftDelete("s1", "bob")
	if err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if ok {
		t.Error("another user must not delete the session")
	}

	ok, err = ix.SoftDelete("s1", "alice")
	if err != nil || !ok {
		t.Fatalf("SoftDelete by owner: ok=%v err=%v", ok, err)
	}

	entries, _ := ix.ListByUser("alice", 0, 0, true)
	if len(entries) != 0 {
		t.Error("deleted sessions must not appear in listings")
	}

	rec, found, _ := ix.Get("s1")
	if !found || rec.Status != StatusDeleted {
		t.Errorf("row should remain with deleted status, got %+v", rec)
	}
	if rec.Version != 2 {
		t.Errorf("soft delete should bump the version, got %d", rec.Version)
	}

	dirty, _ := ix.DirtyRecords()
	if len(dirty) != 1 {
		t.Error("soft delete should mark the row dirty")
	}
}

func TestIndexClearDirtyVersionGuard(t *testing.T) {
	ix := openTestIndex(t)
	_ = ix.Upsert(sampleRecord("s1", "u1", 3), true)

	// A newer write landed since the flush captured version 2.
	if err := ix.ClearDirty("s1", 2); err != nil {
		t.Fatalf("ClearDirty: %v", err)
	}
	dirty, _ := ix.DirtyRecords()
	if len(dirty) != 1 {
		t.Error("stale clear must leave the row dirty")
	}

	if err := ix.ClearDirty("s1", 3); err != nil {
		t.Fatalf("ClearDirty: %v", err)
	}
	dirty, _ = ix.DirtyRecords()
	if len(dirty) != 0 {
		t.Error("matching clear should drop the flag")
	}
}

func TestIndexVersion(t *testing.T) {
	ix := openTestIndex(t)
	if v, err := ix.Version("absent"); err != nil || v != 0 {
		t.Errorf("Version(absent) = %d, %v; want 0, nil", v, err)
	}
	_ = ix.Upsert(sampleRecord("s1", "u1", 7), false)
	if v, _ := ix.Version("s1"); v != 7 {
		t.Errorf("Version = %d, want 7", v)
	}
}
