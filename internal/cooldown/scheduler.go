// Package cooldown enforces a minimum interval between sends per bucket.
//
// A bucket in cooldown simply does not dispatch this run; nothing is queued.
package cooldown

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"signal-radar/internal/model"
)

// Scheduler tracks last_sent_at per bucket and persists it through the backend.
type Scheduler struct {
	backend model.StateBackend
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]model.ChannelBucket
}

// New creates a scheduler. now defaults to time.Now when nil.
func New(backend model.StateBackend, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		backend: backend,
		now:     now,
		buckets: make(map[string]model.ChannelBucket),
	}
}

// Load replaces the in-memory bucket map with the persisted one.
func (s *Scheduler) Load(ctx context.Context) error {
	buckets, err := s.backend.LoadBuckets(ctx)
	if err != nil {
		return fmt.Errorf("cooldown: load: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets = make(map[string]model.ChannelBucket, len(buckets))
	for _, b := range buckets {
		s.buckets[b.Key] = b
	}
	return nil
}

// Reset forgets every bucket in memory.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.buckets = make(map[string]model.ChannelBucket)
	s.mu.Unlock()
}

// ShouldSend reports whether bucket may dispatch now: it has never sent,
// cooldownSeconds is zero, or at least cooldownSeconds have elapsed.
func (s *Scheduler) ShouldSend(bucket string, cooldownSeconds int) bool {
	if cooldownSeconds <= 0 {
		return true
	}
	s.mu.Lock()
	b, ok := s.buckets[bucket]
	s.mu.Unlock()
	if !ok || b.LastSentAt.IsZero() {
		return true
	}
	return s.now().Sub(b.LastSentAt) >= time.Duration(cooldownSeconds)*time.Second
}

// Remaining returns how long bucket stays in cooldown (0 when it may send).
func (s *Scheduler) Remaining(bucket string, cooldownSeconds int) time.Duration {
	if cooldownSeconds <= 0 {
		return 0
	}
	s.mu.Lock()
	b, ok := s.buckets[bucket]
	s.mu.Unlock()
	if !ok || b.LastSentAt.IsZero() {
		return 0
	}
	left := time.Duration(cooldownSeconds)*time.Second - s.now().Sub(b.LastSentAt)
	if left < 0 {
		return 0
	}
	return left
}

// MarkSent records now as last_sent_at for bucket and persists the bucket map.
// The in-memory update stands even if the flush fails.
func (s *Scheduler) MarkSent(ctx context.Context, bucket string, cooldownSeconds int) error {
	s.mu.Lock()
	s.buckets[bucket] = model.ChannelBucket{
		Key:             bucket,
		LastSentAt:      s.now().UTC(),
		CooldownSeconds: cooldownSeconds,
	}
	snapshot := s.bucketsLocked()
	s.mu.Unlock()

	if err := s.backend.SaveBuckets(ctx, snapshot); err != nil {
		return fmt.Errorf("cooldown: save buckets: %w", err)
	}
	return nil
}

// Buckets returns every known bucket sorted by key.
func (s *Scheduler) Buckets() []model.ChannelBucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bucketsLocked()
}

func (s *Scheduler) bucketsLocked() []model.ChannelBucket {
	out := make([]model.ChannelBucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
