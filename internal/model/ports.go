package model

import (
	"context"
	"errors"
	"fmt"
)

// ── Ports ──
// These interfaces decouple the pipeline from concrete data providers and
// storage implementations (CSV, SQLite, Redis, JSON file).

// BarSource supplies normalized bar history for one symbol.
// Implementations return ErrNoData for unknown/delisted symbols and wrap
// retryable failures in *TransientError.
type BarSource interface {
	GetBars(ctx context.Context, symbol string, lookbackDays int) ([]Bar, error)
}

// Universe lists the instruments to scan.
type Universe interface {
	Instruments(ctx context.Context) ([]Instrument, error)
}

// StateBackend persists the dedup set and the cooldown bucket map.
// Save* calls replace the stored set atomically.
type StateBackend interface {
	LoadSeen(ctx context.Context) ([]DedupRecord, error)
	SaveSeen(ctx context.Context, records []DedupRecord) error
	LoadBuckets(ctx context.Context) ([]ChannelBucket, error)
	SaveBuckets(ctx context.Context, buckets []ChannelBucket) error
	Close() error
}

// ErrNoData means the source has no bars for the symbol. Not retried.
var ErrNoData = errors.New("bar source: no data")

// ErrCorruptState means persisted state exists but cannot be decoded.
var ErrCorruptState = errors.New("state: corrupt or unreadable")

// TransientError wraps a retryable fetch failure (timeout, 5xx, rate limit).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
