package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"signal-radar/internal/markethours"
	"signal-radar/internal/pipeline"
)

type countingRunner struct {
	runs int
	err  error
}

func (r *countingRunner) Run(context.Context) (*pipeline.RunReport, error) {
	r.runs++
	return &pipeline.RunReport{Status: pipeline.RunOK}, r.err
}

func calendar(t *testing.T) *markethours.Calendar {
	t.Helper()
	cal, err := markethours.New(markethours.Config{Timezone: "America/New_York", Holidays: []string{"2024-07-04"}})
	if err != nil {
		t.Fatal(err)
	}
	return cal
}

func TestTickTradingDayGate(t *testing.T) {
	r := &countingRunner{}
	s, err := New(Config{At: []string{"16:30"}, TradingDaysOnly: true}, calendar(t), r)
	if err != nil {
		t.Fatal(err)
	}
	ny := s.cal.Location()

	s.now = func() time.Time { return time.Date(2024, 7, 4, 16, 30, 0, 0, ny) }
	if s.Tick(context.Background()) || r.runs != 0 {
		t.Error("holiday must be skipped")
	}
	s.now = func() time.Time { return time.Date(2024, 7, 6, 16, 30, 0, 0, ny) }
	if s.Tick(context.Background()) {
		t.Error("saturday must be skipped")
	}
	s.now = func() time.Time { return time.Date(2024, 7, 5, 16, 30, 0, 0, ny) }
	if !s.Tick(context.Background()) || r.runs != 1 {
		t.Error("friday should run")
	}
}

func TestTickReportsRun(t *testing.T) {
	r := &countingRunner{err: errors.New("boom")}
	s, _ := New(Config{Every: time.Hour}, calendar(t), r)

	var gotErr error
	s.OnRun = func(_ *pipeline.RunReport, err error) { gotErr = err }
	if !s.Tick(context.Background()) || gotErr == nil {
		t.Errorf("expected run with error reported, got %v", gotErr)
	}

	r.err = pipeline.ErrRunInProgress
	if s.Tick(context.Background()) {
		t.Error("overlapping run should count as skipped")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if s.Tick(ctx) {
		t.Error("cancelled context must not run")
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{}, calendar(t), &countingRunner{}); err == nil {
		t.Error("empty schedule should fail")
	}
	if _, err := New(Config{At: []string{"4pm"}}, calendar(t), &countingRunner{}); err == nil {
		t.Error("bad at should fail")
	}
}

func TestStartRegistersJobs(t *testing.T) {
	s, err := New(Config{At: []string{"16:30", "09:05"}}, calendar(t), &countingRunner{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if s.NextRun().IsZero() {
		t.Error("expected a next run time")
	}
}
