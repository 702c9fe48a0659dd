package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"signal-radar/internal/model"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSeenRoundTripReplaces(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	if err := s.SaveSeen(ctx, []model.DedupRecord{
		{Fingerprint: "b", FirstSeenAt: t0.Add(time.Hour)},
		{Fingerprint: "a", FirstSeenAt: t0},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.LoadSeen(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[0].Fingerprint != "a" || !got[0].FirstSeenAt.Equal(t0) {
		t.Fatalf("unexpected records: %+v", got)
	}

	if err := s.SaveSeen(ctx, []model.DedupRecord{{Fingerprint: "c", FirstSeenAt: t0}}); err != nil {
		t.Fatalf("save 2: %v", err)
	}
	got, _ = s.LoadSeen(ctx)
	if len(got) != 1 || got[0].Fingerprint != "c" {
		t.Fatalf("expected replaced set, got %+v", got)
	}
}

func TestBucketsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	ts := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	if err := s.SaveBuckets(ctx, []model.ChannelBucket{{Key: "US", LastSentAt: ts, CooldownSeconds: 3600}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.LoadBuckets(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0].Key != "US" || got[0].CooldownSeconds != 3600 || !got[0].LastSentAt.Equal(ts) {
		t.Fatalf("unexpected buckets: %+v", got)
	}
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSeen(ctx, []model.DedupRecord{{Fingerprint: "x", FirstSeenAt: time.Now()}}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, _ := s.LoadSeen(ctx)
	if len(got) != 1 {
		t.Fatalf("expected 1 record after reopen, got %d", len(got))
	}
}

func writeJunk(t *testing.T, path string) {
	t.Helper()
	junk := make([]byte, 4096)
	for i := range junk {
		junk[i] = byte(i*7 + 3)
	}
	if err := os.WriteFile(path, junk, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestGarbageFileIsCorruptOnFirstUse(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "junk.db")
	writeJunk(t, path)

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open must not touch the file: %v", err)
	}
	defer s.Close()

	if _, err := s.LoadSeen(ctx); !errors.Is(err, model.ErrCorruptState) {
		t.Fatalf("LoadSeen: expected ErrCorruptState, got %v", err)
	}
	if _, err := s.LoadBuckets(ctx); !errors.Is(err, model.ErrCorruptState) {
		t.Fatalf("LoadBuckets: expected ErrCorruptState, got %v", err)
	}
}

func TestResetMovesCorruptFileAside(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	writeJunk(t, path)

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.LoadSeen(ctx); !errors.Is(err, model.ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState, got %v", err)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, err := s.LoadSeen(ctx)
	if err != nil || len(got) != 0 {
		t.Fatalf("after reset: %d records, err %v", len(got), err)
	}
	rec := []model.DedupRecord{{Fingerprint: "f1", FirstSeenAt: time.Unix(10, 0).UTC()}}
	if err := s.SaveSeen(ctx, rec); err != nil {
		t.Fatalf("save after reset: %v", err)
	}

	aside, _ := filepath.Glob(path + ".corrupt-*")
	if len(aside) != 1 {
		t.Fatalf("expected the damaged file kept aside, found %v", aside)
	}
}

func TestGetBarsLatestN(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var bars []model.Bar
	for i := 0; i < 10; i++ {
		c := float64(100 + i)
		bars = append(bars, model.Bar{Symbol: "AAPL", Market: "US", TS: t0.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c, Volume: 1000})
	}
	if err := s.InsertBars(ctx, bars); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.GetBars(ctx, "AAPL", 3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 bars, got %d", len(got))
	}
	if got[0].Close != 107 || got[2].Close != 109 {
		t.Errorf("expected oldest-first 107..109, got %v..%v", got[0].Close, got[2].Close)
	}
	if err := model.ValidateSeries(got); err != nil {
		t.Errorf("series invalid: %v", err)
	}

	if _, err := s.GetBars(ctx, "NOPE", 3); !errors.Is(err, model.ErrNoData) {
		t.Errorf("expected ErrNoData, got %v", err)
	}
}

func TestInstrumentsFallsBackToBars(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.InsertBars(ctx, []model.Bar{
		{Symbol: "MSFT", Market: "US", TS: t0, Close: 1},
		{Symbol: "005930", Market: "KR", TS: t0, Close: 1},
	})

	got, err := s.Instruments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Symbol != "005930" || got[0].Market != "KR" {
		t.Fatalf("unexpected universe: %+v", got)
	}

	s.UpsertInstruments(ctx, []model.Instrument{{Symbol: "MSFT", Market: "US", Name: "Microsoft"}})
	got, _ = s.Instruments(ctx)
	if len(got) != 1 || got[0].Name != "Microsoft" {
		t.Fatalf("expected instruments table to win, got %+v", got)
	}
}
