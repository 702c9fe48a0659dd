// Package markethours answers "is today a trading day" for a market calendar
// given as a timezone, a session window and a holiday list.
package markethours

import (
	"fmt"
	"time"
)

// Config describes one market's calendar.
type Config struct {
	Timezone string   `yaml:"timezone" default:"UTC"`
	Open     string   `yaml:"open" default:"09:00"`  // HH:MM local
	Close    string   `yaml:"close" default:"16:00"` // HH:MM local
	Holidays []string `yaml:"holidays"`              // YYYY-MM-DD local
}

// Calendar is a parsed Config.
type Calendar struct {
	loc      *time.Location
	openMin  int
	closeMin int
	holidays map[string]bool
}

// New parses cfg.
func New(cfg Config) (*Calendar, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("markethours: timezone %q: %w", tz, err)
	}
	open, err := parseHM(cfg.Open, 9*60)
	if err != nil {
		return nil, fmt.Errorf("markethours: open: %w", err)
	}
	closeAt, err := parseHM(cfg.Close, 16*60)
	if err != nil {
		return nil, fmt.Errorf("markethours: close: %w", err)
	}
	if closeAt <= open {
		return nil, fmt.Errorf("markethours: close %s not after open %s", cfg.Close, cfg.Open)
	}

	c := &Calendar{loc: loc, openMin: open, closeMin: closeAt, holidays: make(map[string]bool, len(cfg.Holidays))}
	for _, h := range cfg.Holidays {
		d, err := time.ParseInLocation("2006-01-02", h, loc)
		if err != nil {
			return nil, fmt.Errorf("markethours: holiday %q: %w", h, err)
		}
		c.holidays[d.Format("2006-01-02")] = true
	}
	return c, nil
}

func parseHM(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Location returns the calendar's timezone.
func (c *Calendar) Location() *time.Location { return c.loc }

// IsHoliday reports whether t's local date is a configured holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	return c.holidays[t.In(c.loc).Format("2006-01-02")]
}

// IsWeekday returns true if t is Mon–Fri in the calendar's timezone.
func (c *Calendar) IsWeekday(t time.Time) bool {
	wd := t.In(c.loc).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	return c.IsWeekday(t) && !c.IsHoliday(t)
}

// IsMarketOpen returns true if t falls inside the session on a trading day.
func (c *Calendar) IsMarketOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	lt := t.In(c.loc)
	hm := lt.Hour()*60 + lt.Minute()
	return hm >= c.openMin && hm < c.closeMin
}

// TodayClose returns the session close on t's local date.
func (c *Calendar) TodayClose(t time.Time) time.Time {
	lt := t.In(c.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), c.closeMin/60, c.closeMin%60, 0, 0, c.loc)
}

// NextOpen returns the next session open at or after t.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	lt := t.In(c.loc)
	todayOpen := time.Date(lt.Year(), lt.Month(), lt.Day(), c.openMin/60, c.openMin%60, 0, 0, c.loc)
	if !lt.After(todayOpen) && c.IsTradingDay(lt) {
		return todayOpen
	}

	d := todayOpen.AddDate(0, 0, 1)
	for i := 0; i < 30; i++ { // weekends + holiday runs
		if c.IsTradingDay(d) {
			return d
		}
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// StatusString returns a human-readable market status.
func (c *Calendar) StatusString(t time.Time) string {
	if c.IsMarketOpen(t) {
		return fmt.Sprintf("Market Open, closes in %s", fmtDur(c.TodayClose(t).Sub(t)))
	}
	next := c.NextOpen(t)
	return fmt.Sprintf("Market Closed, opens %s %s (%s)",
		next.Weekday().String()[:3], next.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
