package notification

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"signal-radar/internal/model"
	"signal-radar/internal/retry"
)

// fakeChannel fails the first failN sends (or always when failN < 0).
type fakeChannel struct {
	name  string
	failN int
	err   error
	calls atomic.Int32
	mu    sync.Mutex
	got   []Message
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(_ context.Context, msg Message) error {
	n := int(f.calls.Add(1))
	if f.failN < 0 || n <= f.failN {
		if f.err != nil {
			return f.err
		}
		return errors.New(f.name + " down")
	}
	f.mu.Lock()
	f.got = append(f.got, msg)
	f.mu.Unlock()
	return nil
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{
		Attempts: attempts,
		Base:     time.Millisecond,
		Max:      time.Millisecond,
		Sleep:    func(context.Context, time.Duration) error { return nil },
	}
}

func testBatch() model.NotificationBatch {
	ts := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	return model.NotificationBatch{
		Bucket:  "US",
		Subject: "[US] 1 signal",
		Body:    "X breakout",
		Events:  []model.SignalEvent{model.NewSignalEvent(model.KindBreakout, "X", "US", ts, "v1", nil)},
	}
}

func TestDispatch_PartialFailureIsolation(t *testing.T) {
	a := &fakeChannel{name: "A", failN: -1}
	b := &fakeChannel{name: "B"}

	var observed atomic.Int32
	d := NewDispatcher(fastPolicy(3), WithObserver(func(string, Result) { observed.Add(1) }))
	out := d.Dispatch(context.Background(), testBatch(), []Channel{a, b})

	if len(out.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(out.Results))
	}
	if out.Results[0].Channel != "A" || out.Results[0].OK() {
		t.Errorf("A should have failed: %+v", out.Results[0])
	}
	if out.Results[0].Attempts != 3 {
		t.Errorf("A attempts = %d, want 3", out.Results[0].Attempts)
	}
	if out.Results[1].Channel != "B" || !out.Results[1].OK() {
		t.Errorf("B should have succeeded: %+v", out.Results[1])
	}
	if !out.AnySucceeded() {
		t.Error("AnySucceeded should be true")
	}
	if len(out.Failed()) != 1 || out.Err() == nil {
		t.Error("Failed/Err should report channel A")
	}
	if observed.Load() != 2 {
		t.Errorf("observer called %d times, want 2", observed.Load())
	}
	if len(b.got) != 1 || b.got[0].Subject != "[US] 1 signal" || len(b.got[0].Events) != 1 {
		t.Errorf("B received %+v", b.got)
	}
}

func TestDispatch_RetriesTransient(t *testing.T) {
	ch := &fakeChannel{name: "flaky", failN: 2}
	out := NewDispatcher(fastPolicy(4)).Dispatch(context.Background(), testBatch(), []Channel{ch})
	if !out.AnySucceeded() || out.Results[0].Attempts != 3 {
		t.Fatalf("expected success on attempt 3, got %+v", out.Results[0])
	}
}

func TestDispatch_PermanentNotRetried(t *testing.T) {
	ch := &fakeChannel{name: "bad", failN: -1, err: &PermanentError{Channel: "bad", Err: errors.New("401")}}
	out := NewDispatcher(fastPolicy(5)).Dispatch(context.Background(), testBatch(), []Channel{ch})
	if out.AnySucceeded() {
		t.Fatal("expected failure")
	}
	if ch.calls.Load() != 1 {
		t.Errorf("permanent error retried: %d calls", ch.calls.Load())
	}
}

func TestDispatch_TotalFailure(t *testing.T) {
	a := &fakeChannel{name: "A", failN: -1}
	b := &fakeChannel{name: "B", failN: -1}
	out := NewDispatcher(fastPolicy(2)).Dispatch(context.Background(), testBatch(), []Channel{a, b})
	if out.AnySucceeded() {
		t.Fatal("no channel delivered")
	}
	if len(out.Failed()) != 2 {
		t.Errorf("Failed() = %d, want 2", len(out.Failed()))
	}
}

type panicChannel struct{}

func (panicChannel) Name() string                         { return "panic" }
func (panicChannel) Send(context.Context, Message) error { panic("boom") }

func TestDispatch_PanicIsContained(t *testing.T) {
	ok := &fakeChannel{name: "ok"}
	out := NewDispatcher(fastPolicy(1)).Dispatch(context.Background(), testBatch(), []Channel{panicChannel{}, ok})
	if out.Results[0].OK() || !out.Results[1].OK() {
		t.Fatalf("unexpected results %+v", out.Results)
	}
}

// slowChannel blocks until ctx is done.
type slowChannel struct{}

func (slowChannel) Name() string { return "slow" }
func (slowChannel) Send(ctx context.Context, _ Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatch_ChannelsRunConcurrently(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	fast := &fakeChannel{name: "fast"}
	out := NewDispatcher(fastPolicy(1)).Dispatch(ctx, testBatch(), []Channel{slowChannel{}, fast})
	if !out.Results[1].OK() {
		t.Fatal("fast channel must deliver while slow channel blocks")
	}
	if !errors.Is(out.Results[0].Err, context.DeadlineExceeded) {
		t.Errorf("slow channel err = %v, want deadline exceeded", out.Results[0].Err)
	}
}
