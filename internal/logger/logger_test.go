package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestInit(t *testing.T) {
	logger := Init("test-service", slog.LevelInfo)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestRunID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if rid := RunID(ctx); rid != "" {
		t.Errorf("expected empty run id, got %q", rid)
	}

	ctx = WithRunID(ctx, "run-123")
	if rid := RunID(ctx); rid != "run-123" {
		t.Errorf("expected 'run-123', got %q", rid)
	}
}

func TestNewRunIDUnique(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == "" || a == b {
		t.Errorf("run ids not unique: %q %q", a, b)
	}
}

func TestHandlerInjectsRunID(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	log := InitTo(&buf, "scanner", slog.LevelDebug)
	ctx := WithRunID(context.Background(), "abc")
	log.InfoContext(ctx, "[pipeline] run started", "symbols", 3)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if rec["run_id"] != "abc" || rec["service"] != "scanner" {
		t.Errorf("record missing attrs: %v", rec)
	}

	buf.Reset()
	log.Info("no context")
	rec = nil
	json.Unmarshal(buf.Bytes(), &rec)
	if _, ok := rec["run_id"]; ok {
		t.Errorf("run_id present without context: %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "": slog.LevelInfo, "WARN": slog.LevelWarn, "error": slog.LevelError}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestAttrs(t *testing.T) {
	if Attrs(context.Background()) != nil {
		t.Error("expected nil attrs without run id")
	}
	if len(Attrs(WithRunID(context.Background(), "x"))) != 1 {
		t.Error("expected one attr")
	}
}
