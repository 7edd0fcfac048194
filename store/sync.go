// ABOUTME: Dirty-flag write-back syncer: marks session rows dirty and flushes them as parquet batches.
// ABOUTME: Background loop with exponential backoff; rate-limited puts retry on a short ladder.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/smithy-go"
	"github.com/oklog/ulid/v2"
)

// ErrThrottled marks a rate-limited object-store write.
var ErrThrottled = errors.New("store: rate limited")

// SyncConfig tunes the background syncer.
type SyncConfig struct {
	// Interval between flush passes.
	Interval time.Duration
	// MaxBackoff caps the growth of the retry interval after failures.
	MaxBackoff time.Duration
	// RetryDelays is the in-attempt ladder used when a put is rate limited.
	RetryDelays []time.Duration
}

func (c *SyncConfig) normalize() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 300 * time.Second
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	}
}

// Syncer owns the dirty flags. Sessions are marked dirty on every
// state-changing event and flushed in batches.
type Syncer struct {
	index   *Index
	objects ObjectStore
	cfg     SyncConfig

	markMu   chMutex
	failures int
}

// chMutex is a channel-based mutex so MarkDirty stays cheap to call from
// save-hook goroutines.
type chMutex chan struct{}

func (m chMutex) lock()   { m <- struct{}{} }
func (m chMutex) unlock() { <-m }

// NewSyncer creates a syncer over the given index and object store.
func NewSyncer(index *Index, objects ObjectStore, cfg SyncConfig) *Syncer {
	cfg.normalize()
	return &Syncer{
		index:   index,
		objects: objects,
		cfg:     cfg,
		markMu:  make(chMutex, 1),
	}
}

// MarkDirty writes a snapshot with the next version for its session and flags
// the row for the next flush. Marking twice before a flush leaves a single
// dirty row carrying the latest snapshot.
func (s *Syncer) MarkDirty(rec PersistedSession) error {
	s.markMu.lock()
	defer s.markMu.unlock()

	current, err := s.index.Version(rec.SessionID)
	if err != nil {
		return err
	}
	rec.Version = current + 1
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	return s.index.Upsert(rec, true)
}

// Flush writes all dirty rows to the object store as one parquet batch,
// refreshes the per-user listing indexes, and clears the flags. Rows
// re-marked during the flush stay dirty.
func (s *Syncer) Flush(ctx context.Context) error {
	dirty, err := s.index.DirtyRecords()
	if err != nil {
		return err
	}
	if len(dirty) == 0 {
		return nil
	}

	data, err := EncodeBatch(dirty)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	key := fmt.Sprintf("sessions/%s/batch_%s_%s.parquet",
		now.Format("2006-01"), now.Format("20060102_150405"), ulid.Make().String())
	if err := s.putWithRetry(ctx, key, data); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}

	users := make(map[string]bool)
	for _, rec := range dirty {
		users[rec.UserID] = true
	}
	for userID := range users {
		if err := s.writeUserIndex(ctx, userID); err != nil {
			// Dirty flags stay set; the next flush retries everything.
			return fmt.Errorf("write user index: %w", err)
		}
	}

	for _, rec := range dirty {
		if err := s.index.ClearDirty(rec.SessionID, rec.Version); err != nil {
			return err
		}
	}
	log.Printf("[sync] flushed %d sessions to %s", len(dirty), key)
	return nil
}

func (s *Syncer) writeUserIndex(ctx context.Context, userID string) error {
	// The durable mirror keeps archived sessions; only deletes drop out.
	entries, err := s.index.ListByUser(userID, 0, 0, true)
	if err != nil {
		return err
	}
	var b strings.Builder
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return err
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return s.putWithRetry(ctx, "index/users/"+userID+".jsonl", []byte(b.String()))
}

// putWithRetry retries rate-limited writes on the configured ladder. Other
// failures return immediately.
func (s *Syncer) putWithRetry(ctx context.Context, key string, data []byte) error {
	err := s.objects.Put(ctx, key, data)
	for _, delay := range s.cfg.RetryDelays {
		if err == nil || !isThrottle(err) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		err = s.objects.Put(ctx, key, data)
	}
	return err
}

func isThrottle(err error) bool {
	if errors.Is(err, ErrThrottled) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "Throttling", "ThrottlingException", "TooManyRequests", "RequestLimitExceeded":
			return true
		}
	}
	return false
}

// Run flushes on the configured interval until the context is cancelled.
// Failures never propagate past the loop; they grow the interval instead,
// capped at MaxBackoff, and dirty rows are simply retained.
func (s *Syncer) Run(ctx context.Context) {
	delay := s.cfg.Interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := s.Flush(ctx); err != nil {
			s.failures++
			delay = s.cfg.Interval << s.failures
			if delay > s.cfg.MaxBackoff || delay <= 0 {
				delay = s.cfg.MaxBackoff
			}
			log.Printf("[sync] flush failed (attempt %d, next in %s): %v", s.failures, delay, err)
			continue
		}
		s.failures = 0
		delay = s.cfg.Interval
	}
}

// FinalFlush runs one last flush with a hard deadline. Used on shutdown;
// failure is logged, never fatal.
func (s *Syncer) FinalFlush(parent context.Context, deadline time.Duration) {
	ctx, cancel := context.WithTimeout(parent, deadline)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		log.Printf("[sync] final flush failed: %v", err)
	}
}
