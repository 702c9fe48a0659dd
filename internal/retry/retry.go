// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts int           `yaml:"attempts" default:"3" validate:"min=1,max=10"`
	Base     time.Duration `yaml:"backoff_base" default:"1s" validate:"gte=0"`
	Max      time.Duration `yaml:"backoff_max" default:"8s" validate:"gtefield=Base"`

	// Sleep waits between attempts; nil means a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error `yaml:"-"`
}

// Permanent marks an error that must not be retried.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Stop wraps err so Do returns it immediately.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the attempt budget
// is spent or ctx is done. It returns the number of attempts made and the last
// error (unwrapped from Permanent).
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return attempt - 1, err
		}
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		var perm *Permanent
		if errors.As(err, &perm) {
			return attempt, perm.Err
		}
		if attempt == attempts {
			return attempt, err
		}
		if serr := sleep(ctx, Backoff(p.Base, p.Max, attempt)); serr != nil {
			return attempt, err
		}
	}
	return attempts, err
}

// Backoff returns the delay after the given attempt (1-based): base doubled per
// attempt, capped at max, minus up to 50% jitter.
func Backoff(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	if attempt < 1 {
		attempt = 1
	}
	exp := max
	if attempt <= 30 {
		if d := min * time.Duration(1<<uint(attempt-1)); d > 0 && d < max {
			exp = d
		}
	}
	half := int64(exp) / 2
	if half <= 0 {
		return exp
	}
	// jitter up to 50%
	return exp - time.Duration(rand.Int63n(half))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
