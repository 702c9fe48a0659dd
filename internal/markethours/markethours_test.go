package markethours

import (
	"strings"
	"testing"
	"time"
)

func newCal(t *testing.T) *Calendar {
	t.Helper()
	c, err := New(Config{
		Timezone: "Asia/Seoul",
		Open:     "09:00",
		Close:    "15:30",
		Holidays: []string{"2024-03-01"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestTradingDay(t *testing.T) {
	c := newCal(t)
	kst := c.Location()

	cases := []struct {
		when time.Time
		want bool
	}{
		{time.Date(2024, 2, 29, 10, 0, 0, 0, kst), true},     // Thursday
		{time.Date(2024, 3, 1, 10, 0, 0, 0, kst), false},     // holiday
		{time.Date(2024, 3, 2, 10, 0, 0, 0, kst), false},     // Saturday
		{time.Date(2024, 3, 4, 0, 30, 0, 0, kst), true},      // Monday early
		{time.Date(2024, 3, 3, 16, 0, 0, 0, time.UTC), true}, // Monday 01:00 KST
	}
	for _, tc := range cases {
		if got := c.IsTradingDay(tc.when); got != tc.want {
			t.Errorf("IsTradingDay(%v) = %v, want %v", tc.when, got, tc.want)
		}
	}
}

func TestMarketOpenWindow(t *testing.T) {
	c := newCal(t)
	kst := c.Location()
	if !c.IsMarketOpen(time.Date(2024, 2, 29, 9, 0, 0, 0, kst)) {
		t.Error("09:00 should be open")
	}
	if c.IsMarketOpen(time.Date(2024, 2, 29, 15, 30, 0, 0, kst)) {
		t.Error("15:30 should be closed")
	}
}

func TestNextOpenSkipsHolidayAndWeekend(t *testing.T) {
	c := newCal(t)
	kst := c.Location()
	got := c.NextOpen(time.Date(2024, 2, 29, 16, 0, 0, 0, kst))
	want := time.Date(2024, 3, 4, 9, 0, 0, 0, kst)
	if !got.Equal(want) {
		t.Errorf("NextOpen = %v, want %v", got, want)
	}
	if s := c.StatusString(time.Date(2024, 2, 29, 16, 0, 0, 0, kst)); !strings.Contains(s, "Mon 09:00") {
		t.Errorf("status = %q", s)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	bad := []Config{
		{Timezone: "Mars/Olympus"},
		{Open: "25:00"},
		{Open: "10:00", Close: "09:00"},
		{Holidays: []string{"03/01/2024"}},
	}
	for i, cfg := range bad {
		if _, err := New(cfg); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}
