package barsource

import (
	"context"
	"log/slog"

	"signal-radar/internal/model"
	"signal-radar/internal/retry"
)

// Retrying retries transient fetch failures of an inner source.
// ErrNoData and other non-transient errors return immediately.
type Retrying struct {
	inner  model.BarSource
	policy retry.Policy
}

// WithRetry wraps src.
func WithRetry(src model.BarSource, policy retry.Policy) *Retrying {
	return &Retrying{inner: src, policy: policy}
}

func (r *Retrying) GetBars(ctx context.Context, symbol string, lookbackDays int) ([]model.Bar, error) {
	var bars []model.Bar
	attempts, err := retry.Do(ctx, r.policy, func(ctx context.Context, attempt int) error {
		var err error
		bars, err = r.inner.GetBars(ctx, symbol, lookbackDays)
		if err != nil && !model.IsTransient(err) {
			return retry.Stop(err)
		}
		if err != nil {
			slog.DebugContext(ctx, "[barsource] transient fetch error", "symbol", symbol, "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		if attempts > 1 {
			slog.WarnContext(ctx, "[barsource] giving up", "symbol", symbol, "attempts", attempts, "error", err)
		}
		return nil, err
	}
	return bars, nil
}
