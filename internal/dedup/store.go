// Package dedup keeps the set of already-reported signal fingerprints.
//
// Filtering and persistence are split: Filter reserves new fingerprints in
// memory under a single lock so that concurrent workers never both treat the
// same event as new, and Commit flushes them to the backend only after the
// batch carrying them was delivered. Release hands reservations back when a
// batch was not delivered (cooldown skip or total dispatch failure).
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"signal-radar/internal/model"
)

// Store is the Dedup & State Store. Safe for concurrent use.
type Store struct {
	backend model.StateBackend
	maxSize int
	now     func() time.Time

	mu       sync.Mutex
	seen     map[string]time.Time // committed fingerprint → first_seen_at
	reserved map[string]struct{}  // filtered this run, not yet committed
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store over backend. maxSize <= 0 disables pruning.
func New(backend model.StateBackend, maxSize int, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		maxSize:  maxSize,
		now:      time.Now,
		seen:     make(map[string]time.Time),
		reserved: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load replaces the in-memory set with the persisted one. Backend decode
// failures are returned wrapped in model.ErrCorruptState by the backend.
func (s *Store) Load(ctx context.Context) error {
	records, err := s.backend.LoadSeen(ctx)
	if err != nil {
		return fmt.Errorf("dedup: load: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = make(map[string]time.Time, len(records))
	for _, r := range records {
		if prev, ok := s.seen[r.Fingerprint]; ok && prev.Before(r.FirstSeenAt) {
			continue
		}
		s.seen[r.Fingerprint] = r.FirstSeenAt
	}
	s.reserved = make(map[string]struct{})
	return nil
}

// Reset drops all state in memory. Used when the operator allows running
// over corrupt state.
func (s *Store) Reset() {
	s.mu.Lock()
	s.seen = make(map[string]time.Time)
	s.reserved = make(map[string]struct{})
	s.mu.Unlock()
}

// Filter returns the events whose fingerprints are neither committed nor
// already reserved, and reserves them. Duplicates are dropped silently,
// including duplicates within events itself.
func (s *Store) Filter(events []model.SignalEvent) []model.SignalEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fresh []model.SignalEvent
	for _, e := range events {
		if _, ok := s.seen[e.Fingerprint]; ok {
			continue
		}
		if _, ok := s.reserved[e.Fingerprint]; ok {
			continue
		}
		s.reserved[e.Fingerprint] = struct{}{}
		fresh = append(fresh, e)
	}
	return fresh
}

// Release frees reservations so the events are new again on a later run.
func (s *Store) Release(events []model.SignalEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		delete(s.reserved, e.Fingerprint)
	}
}

// Commit records events as seen, prunes to the configured maximum and
// flushes the whole set to the backend. Writes are idempotent: committing an
// already seen fingerprint keeps its original first_seen_at.
func (s *Store) Commit(ctx context.Context, events []model.SignalEvent) error {
	s.mu.Lock()
	now := s.now().UTC()
	for _, e := range events {
		delete(s.reserved, e.Fingerprint)
		if _, ok := s.seen[e.Fingerprint]; !ok {
			s.seen[e.Fingerprint] = now
		}
	}
	if pruned := s.pruneLocked(s.maxSize); pruned > 0 {
		slog.Debug("[dedup] pruned oldest fingerprints", "count", pruned, "max_size", s.maxSize)
	}
	records := s.recordsLocked()
	s.mu.Unlock()

	if err := s.backend.SaveSeen(ctx, records); err != nil {
		return fmt.Errorf("dedup: save %d records: %w", len(records), err)
	}
	return nil
}

// Prune evicts the oldest first_seen_at entries until at most maxSize remain.
// Returns the number evicted. Does not flush.
func (s *Store) Prune(maxSize int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(maxSize)
}

func (s *Store) pruneLocked(maxSize int) int {
	if maxSize <= 0 || len(s.seen) <= maxSize {
		return 0
	}
	records := s.recordsLocked()
	excess := len(records) - maxSize
	for _, r := range records[:excess] {
		delete(s.seen, r.Fingerprint)
	}
	return excess
}

// recordsLocked returns the committed set ordered by first_seen_at, then
// fingerprint for a stable order among equal timestamps.
func (s *Store) recordsLocked() []model.DedupRecord {
	records := make([]model.DedupRecord, 0, len(s.seen))
	for fp, ts := range s.seen {
		records = append(records, model.DedupRecord{Fingerprint: fp, FirstSeenAt: ts})
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].FirstSeenAt.Equal(records[j].FirstSeenAt) {
			return records[i].FirstSeenAt.Before(records[j].FirstSeenAt)
		}
		return records[i].Fingerprint < records[j].Fingerprint
	})
	return records
}

// Seen reports whether fp is committed.
func (s *Store) Seen(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[fp]
	return ok
}

// Len returns the number of committed fingerprints.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Pending returns the number of reserved, uncommitted fingerprints.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reserved)
}

// Records returns a copy of the committed set, oldest first.
func (s *Store) Records() []model.DedupRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordsLocked()
}
