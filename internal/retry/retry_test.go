package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	n, err := Do(context.Background(), Policy{Attempts: 4, Sleep: noSleep}, func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil || n != 3 || calls != 3 {
		t.Fatalf("n=%d calls=%d err=%v, want 3/3/nil", n, calls, err)
	}
}

func TestDo_BoundedAttempts(t *testing.T) {
	boom := errors.New("boom")
	var slept []time.Duration
	p := Policy{Attempts: 3, Base: time.Second, Max: 4 * time.Second, Sleep: func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}}
	n, err := Do(context.Background(), p, func(context.Context, int) error { return boom })
	if !errors.Is(err, boom) || n != 3 {
		t.Fatalf("n=%d err=%v, want 3/boom", n, err)
	}
	if len(slept) != 2 {
		t.Fatalf("slept %d times, want 2 (no sleep after last attempt)", len(slept))
	}
}

func TestDo_PermanentStops(t *testing.T) {
	denied := errors.New("401")
	n, err := Do(context.Background(), Policy{Attempts: 5, Sleep: noSleep}, func(context.Context, int) error {
		return Stop(denied)
	})
	if n != 1 || err != denied {
		t.Fatalf("n=%d err=%v, want 1/denied", n, err)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	n, err := Do(ctx, Policy{Attempts: 3}, func(context.Context, int) error {
		calls++
		return nil
	})
	if calls != 0 || n != 0 || !errors.Is(err, context.Canceled) {
		t.Fatalf("calls=%d n=%d err=%v", calls, n, err)
	}
}

func TestDo_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	flaky := errors.New("flaky")
	start := time.Now()
	n, err := Do(ctx, Policy{Attempts: 5, Base: time.Minute, Max: time.Minute}, func(context.Context, int) error {
		return flaky
	})
	if time.Since(start) > 5*time.Second {
		t.Fatal("backoff sleep ignored context deadline")
	}
	if n != 1 || !errors.Is(err, flaky) {
		t.Fatalf("n=%d err=%v, want 1/flaky", n, err)
	}
}

func TestBackoff_Bounds(t *testing.T) {
	min, max := time.Second, 8*time.Second
	for attempt := 1; attempt <= 10; attempt++ {
		exp := min << uint(attempt-1)
		if exp > max {
			exp = max
		}
		for i := 0; i < 50; i++ {
			d := Backoff(min, max, attempt)
			if d > exp || d <= exp/2 {
				t.Fatalf("attempt %d: backoff %v outside (%v, %v]", attempt, d, exp/2, exp)
			}
		}
	}
	if d := Backoff(0, 0, 1); d <= 0 || d > 50*time.Millisecond {
		t.Errorf("zero policy backoff = %v", d)
	}
}
