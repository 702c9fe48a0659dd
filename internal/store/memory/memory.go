// Package memory is a process-local StateBackend, used for dry runs and tests.
package memory

import (
	"context"
	"sync"

	"signal-radar/internal/model"
)

// Backend keeps state in memory. Nothing survives a restart.
type Backend struct {
	mu      sync.Mutex
	seen    []model.DedupRecord
	buckets []model.ChannelBucket

	// Err, when set, is returned by every call.
	Err error
	// Saves counts SaveSeen + SaveBuckets calls.
	Saves int
}

// New creates an empty backend.
func New() *Backend { return &Backend{} }

func (b *Backend) LoadSeen(_ context.Context) ([]model.DedupRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return nil, b.Err
	}
	return append([]model.DedupRecord(nil), b.seen...), nil
}

func (b *Backend) SaveSeen(_ context.Context, records []model.DedupRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.Saves++
	b.seen = append([]model.DedupRecord(nil), records...)
	return nil
}

func (b *Backend) LoadBuckets(_ context.Context) ([]model.ChannelBucket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return nil, b.Err
	}
	return append([]model.ChannelBucket(nil), b.buckets...), nil
}

func (b *Backend) SaveBuckets(_ context.Context, buckets []model.ChannelBucket) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.Saves++
	b.buckets = append([]model.ChannelBucket(nil), buckets...)
	return nil
}

func (b *Backend) Close() error { return nil }

// SetErr sets the error returned by subsequent calls.
func (b *Backend) SetErr(err error) {
	b.mu.Lock()
	b.Err = err
	b.mu.Unlock()
}

// SaveCount returns how many saves succeeded.
func (b *Backend) SaveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Saves
}
