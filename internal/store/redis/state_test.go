package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"signal-radar/internal/model"
)

func TestSeenCodec(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	enc := encodeSeen([]model.DedupRecord{
		{Fingerprint: "late", FirstSeenAt: t0.Add(time.Minute)},
		{Fingerprint: "early", FirstSeenAt: t0},
	})
	raw := make(map[string]string, len(enc))
	for k, v := range enc {
		raw[k] = v.(string)
	}

	got, err := decodeSeen(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Fingerprint != "early" || !got[1].FirstSeenAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("unexpected decode: %+v", got)
	}
}

func TestDecodeSeenCorrupt(t *testing.T) {
	_, err := decodeSeen(map[string]string{"fp": "not-a-number"})
	if !errors.Is(err, model.ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState, got %v", err)
	}
}

func TestBucketsCodec(t *testing.T) {
	ts := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	enc, err := encodeBuckets([]model.ChannelBucket{
		{Key: "spikes", LastSentAt: ts, CooldownSeconds: 0},
		{Key: "US", LastSentAt: ts, CooldownSeconds: 3600},
	})
	if err != nil {
		t.Fatal(err)
	}
	raw := make(map[string]string, len(enc))
	for k, v := range enc {
		raw[k] = v.(string)
	}
	got, err := decodeBuckets(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Key != "US" || got[0].CooldownSeconds != 3600 || !got[1].LastSentAt.Equal(ts) {
		t.Fatalf("unexpected decode: %+v", got)
	}

	if _, err := decodeBuckets(map[string]string{"US": "{"}); !errors.Is(err, model.ErrCorruptState) {
		t.Errorf("expected ErrCorruptState, got %v", err)
	}
}

func TestNewUnreachableFailsOnLoad(t *testing.T) {
	b := New(Config{Addr: "127.0.0.1:1", Prefix: "t", MaxFailures: 3, OpenFor: time.Second})
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := b.LoadSeen(ctx)
	if err == nil {
		t.Fatal("expected a load error from an unreachable server")
	}
	if errors.Is(err, model.ErrCorruptState) {
		t.Fatalf("unreachable is not corrupt: %v", err)
	}
}
