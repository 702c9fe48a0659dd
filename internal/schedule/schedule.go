// Package schedule triggers pipeline runs periodically in daemon mode.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"signal-radar/internal/markethours"
	"signal-radar/internal/pipeline"
)

// Config selects when runs happen. At times are local to the calendar's
// timezone; Every adds an interval trigger. At least one must be set.
type Config struct {
	At              []string      `yaml:"at"` // "HH:MM"
	Every           time.Duration `yaml:"every" validate:"omitempty,min=1m"`
	TradingDaysOnly bool          `yaml:"trading_days_only"`
	RunOnStart      bool          `yaml:"run_on_start"`
}

// Runner runs one pass.
type Runner interface {
	Run(ctx context.Context) (*pipeline.RunReport, error)
}

// Scheduler wraps a gocron scheduler around a Runner.
type Scheduler struct {
	cfg    Config
	cal    *markethours.Calendar
	runner Runner
	cron   *gocron.Scheduler
	now    func() time.Time

	// OnRun, when set, receives every finished run.
	OnRun func(rep *pipeline.RunReport, err error)
}

// New creates a scheduler in cal's timezone.
func New(cfg Config, cal *markethours.Calendar, runner Runner) (*Scheduler, error) {
	if len(cfg.At) == 0 && cfg.Every <= 0 {
		return nil, errors.New("schedule: need at least one of at / every")
	}
	for _, at := range cfg.At {
		if _, err := time.Parse("15:04", at); err != nil {
			return nil, fmt.Errorf("schedule: at %q: %w", at, err)
		}
	}
	return &Scheduler{
		cfg:    cfg,
		cal:    cal,
		runner: runner,
		cron:   gocron.NewScheduler(cal.Location()),
		now:    time.Now,
	}, nil
}

// Start registers the jobs and starts the scheduler asynchronously. Jobs
// never overlap: a trigger that fires while a run is active is skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.SingletonModeAll()

	job := func() { s.Tick(ctx) }
	for _, at := range s.cfg.At {
		if _, err := s.cron.Every(1).Day().At(at).Do(job); err != nil {
			return fmt.Errorf("schedule: at %s: %w", at, err)
		}
	}
	if s.cfg.Every > 0 {
		if _, err := s.cron.Every(s.cfg.Every).WaitForSchedule().Do(job); err != nil {
			return fmt.Errorf("schedule: every %s: %w", s.cfg.Every, err)
		}
	}

	s.cron.StartAsync()
	slog.Info("[schedule] started", "at", s.cfg.At, "every", s.cfg.Every,
		"tz", s.cal.Location().String(), "market", s.cal.StatusString(s.now()))

	if s.cfg.RunOnStart {
		go s.Tick(ctx)
	}
	return nil
}

// Stop stops the scheduler; a run in progress keeps going until its context ends.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	slog.Info("[schedule] stopped")
}

// NextRun returns the next scheduled trigger, zero when none.
func (s *Scheduler) NextRun() time.Time {
	_, t := s.cron.NextRun()
	return t
}

// Tick runs one pass unless the trading-day gate says otherwise. It reports
// whether a run was attempted.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	now := s.now()
	if s.cfg.TradingDaysOnly && !s.cal.IsTradingDay(now) {
		slog.Info("[schedule] not a trading day, skipping", "date", now.In(s.cal.Location()).Format("2006-01-02"))
		return false
	}

	rep, err := s.runner.Run(ctx)
	if errors.Is(err, pipeline.ErrRunInProgress) {
		slog.Warn("[schedule] previous run still active, skipping")
		return false
	}
	if err != nil {
		slog.Error("[schedule] run failed", "error", err)
	}
	if s.OnRun != nil {
		s.OnRun(rep, err)
	}
	return true
}
