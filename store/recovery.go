// ABOUTME: Startup recovery: rebuilds the local index from parquet batches in the object store.
// ABOUTME: Keeps the highest version per session; legacy per-session JSON objects are folded in.

package store

import (
	"context"
	"encoding/json"
	"log"
	"strings"
)

// RebuildIndex scans sessions/ in the object store and repopulates the local
// index with the newest snapshot of every session. Corrupt objects are
// skipped with a log line so one bad batch never blocks recovery. Returns the
// number of sessions recovered.
func RebuildIndex(ctx context.Context, objects ObjectStore, index *Index) (int, error) {
	keys, err := objects.List(ctx, "sessions/")
	if err != nil {
		return 0, err
	}

	latest := make(map[string]PersistedSession)
	merge := func(rec PersistedSession) {
		prev, seen := latest[rec.SessionID]
		if !seen || rec.Version > prev.Version ||
			(rec.Version == prev.Version && rec.UpdatedAt.After(prev.UpdatedAt)) {
			latest[rec.SessionID] = rec
		}
	}

	for _, key := range keys {
		data, err := objects.Get(ctx, key)
		if err != nil {
			log.Printf("[sync] recovery: skipping %s: %v", key, err)
			continue
		}
		switch {
		case strings.HasSuffix(key, ".parquet"):
			recs, err := DecodeBatch(data)
			if err != nil {
				log.Printf("[sync] recovery: corrupt batch %s: %v", key, err)
				continue
			}
			for _, rec := range recs {
				merge(rec)
			}
		case strings.HasSuffix(key, ".json"):
			// Legacy single-session snapshot format.
			var rec PersistedSession
			if err := json.Unmarshal(data, &rec); err != nil {
				log.Printf("[sync] recovery: corrupt record %s: %v", key, err)
				continue
			}
			merge(rec)
		}
	}

	for _, rec := range latest {
		if err := index.Upsert(rec, false); err != nil {
			return 0, err
		}
	}
	return len(latest), nil
}
