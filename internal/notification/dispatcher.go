package notification

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"signal-radar/internal/model"
	"signal-radar/internal/retry"
)

// Result is the delivery outcome for one channel.
type Result struct {
	Channel  string
	Err      error
	Attempts int
	Duration time.Duration
}

// OK reports whether the channel delivered.
func (r Result) OK() bool { return r.Err == nil }

// Outcome collects the per-channel results of one dispatch, in channel order.
type Outcome struct {
	Bucket  string
	Results []Result
}

// AnySucceeded reports whether at least one channel delivered.
func (o Outcome) AnySucceeded() bool {
	for _, r := range o.Results {
		if r.OK() {
			return true
		}
	}
	return false
}

// Failed returns the results of channels that did not deliver.
func (o Outcome) Failed() []Result {
	var out []Result
	for _, r := range o.Results {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}

// Err joins all channel errors, nil when every channel delivered.
func (o Outcome) Err() error {
	var errs []error
	for _, r := range o.Failed() {
		errs = append(errs, r.Err)
	}
	return errors.Join(errs...)
}

// Observer receives every finished channel result (metrics hook).
type Observer func(bucket string, r Result)

// Dispatcher delivers a batch to several channels independently and
// concurrently, retrying each with bounded backoff. One channel's failure
// never blocks or aborts another.
type Dispatcher struct {
	policy   retry.Policy
	observer Observer
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithObserver registers a result observer.
func WithObserver(o Observer) DispatcherOption {
	return func(d *Dispatcher) { d.observer = o }
}

// NewDispatcher creates a dispatcher using the given retry policy.
func NewDispatcher(policy retry.Policy, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{policy: policy}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch renders batch into a message and sends it on every channel.
// It never panics or returns an error; failures are reported in the Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, batch model.NotificationBatch, channels []Channel) Outcome {
	return d.Send(ctx, FromBatch(batch), channels)
}

// Send delivers an already built message on every channel.
func (d *Dispatcher) Send(ctx context.Context, msg Message, channels []Channel) Outcome {
	out := Outcome{Bucket: msg.Bucket, Results: make([]Result, len(channels))}

	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			out.Results[i] = d.sendOne(ctx, msg, ch)
		}(i, ch)
	}
	wg.Wait()
	return out
}

func (d *Dispatcher) sendOne(ctx context.Context, msg Message, ch Channel) (res Result) {
	res.Channel = ch.Name()
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res.Err = errors.New("channel panicked")
			slog.ErrorContext(ctx, "[dispatch] channel panic", "channel", res.Channel, "panic", p)
		}
		res.Duration = time.Since(start)
		if d.observer != nil {
			d.observer(msg.Bucket, res)
		}
	}()

	res.Attempts, res.Err = retry.Do(ctx, d.policy, func(ctx context.Context, attempt int) error {
		err := ch.Send(ctx, msg)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return retry.Stop(err)
		}
		slog.WarnContext(ctx, "[dispatch] send failed",
			"channel", res.Channel, "bucket", msg.Bucket, "attempt", attempt, "error", err)
		return err
	})

	if res.Err != nil {
		slog.ErrorContext(ctx, "[dispatch] channel failed",
			"channel", res.Channel, "bucket", msg.Bucket, "attempts", res.Attempts, "error", res.Err)
	} else {
		slog.InfoContext(ctx, "[dispatch] delivered",
			"channel", res.Channel, "bucket", msg.Bucket, "attempts", res.Attempts)
	}
	return res
}
