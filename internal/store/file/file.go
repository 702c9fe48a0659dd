// Package file stores dedup and cooldown state as JSON files in a directory.
// Every save writes a temp file, fsyncs it and renames it over the old one.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"signal-radar/internal/model"
)

const (
	seenFile    = "seen.json"
	bucketsFile = "buckets.json"
)

// Backend is a model.StateBackend over two JSON files.
//
//	seen.json     {"<fingerprint>": "<first_seen_at RFC3339Nano>", ...}
//	buckets.json  {"<bucket>": {"last_sent_at": ..., "cooldown_seconds": N}, ...}
type Backend struct {
	mu  sync.Mutex
	dir string
}

// New creates dir if needed.
func New(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state dir %s: %w", dir, err)
	}
	return &Backend{dir: dir}, nil
}

// Dir returns the state directory.
func (b *Backend) Dir() string { return b.dir }

func (b *Backend) LoadSeen(_ context.Context) ([]model.DedupRecord, error) {
	var raw map[string]time.Time
	if err := b.read(seenFile, &raw); err != nil {
		return nil, err
	}
	out := make([]model.DedupRecord, 0, len(raw))
	for fp, ts := range raw {
		out = append(out, model.DedupRecord{Fingerprint: fp, FirstSeenAt: ts.UTC()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeenAt.Equal(out[j].FirstSeenAt) {
			return out[i].Fingerprint < out[j].Fingerprint
		}
		return out[i].FirstSeenAt.Before(out[j].FirstSeenAt)
	})
	return out, nil
}

func (b *Backend) SaveSeen(_ context.Context, records []model.DedupRecord) error {
	raw := make(map[string]time.Time, len(records))
	for _, r := range records {
		raw[r.Fingerprint] = r.FirstSeenAt.UTC()
	}
	return b.write(seenFile, raw)
}

type bucketEntry struct {
	LastSentAt      time.Time `json:"last_sent_at"`
	CooldownSeconds int       `json:"cooldown_seconds"`
}

func (b *Backend) LoadBuckets(_ context.Context) ([]model.ChannelBucket, error) {
	var raw map[string]bucketEntry
	if err := b.read(bucketsFile, &raw); err != nil {
		return nil, err
	}
	out := make([]model.ChannelBucket, 0, len(raw))
	for k, e := range raw {
		out = append(out, model.ChannelBucket{Key: k, LastSentAt: e.LastSentAt.UTC(), CooldownSeconds: e.CooldownSeconds})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *Backend) SaveBuckets(_ context.Context, buckets []model.ChannelBucket) error {
	raw := make(map[string]bucketEntry, len(buckets))
	for _, bk := range buckets {
		raw[bk.Key] = bucketEntry{LastSentAt: bk.LastSentAt.UTC(), CooldownSeconds: bk.CooldownSeconds}
	}
	return b.write(bucketsFile, raw)
}

func (b *Backend) Close() error { return nil }

// read decodes name into v. A missing file leaves v empty.
func (b *Backend) read(name string, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := filepath.Join(b.dir, name)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", model.ErrCorruptState, path, err)
	}
	return nil
}

func (b *Backend) write(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	path := filepath.Join(b.dir, name)
	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	slog.Debug("[state] saved", "file", path, "bytes", len(data))
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
