package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Bar is one normalized OHLCV observation for a symbol (daily or intraday).
// Prices are plain floats; the upstream fetchers already normalize units.
type Bar struct {
	Symbol string    `json:"symbol"`
	Market string    `json:"market"`
	TS     time.Time `json:"ts"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Key returns "market:symbol".
func (b *Bar) Key() string {
	return b.Market + ":" + b.Symbol
}

// ErrUnorderedBars is returned when a series is not strictly increasing in time.
var ErrUnorderedBars = errors.New("bars: timestamps not strictly increasing")

// ErrNonFinite is returned for a NaN or infinite price or volume.
var ErrNonFinite = errors.New("bars: non-finite value")

// Finite reports whether every OHLCV field is a real number.
func (b *Bar) Finite() bool {
	for _, v := range [...]float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ValidateSeries checks that bars belong to one symbol, carry finite values
// and that timestamps are strictly increasing with no duplicates.
func ValidateSeries(bars []Bar) error {
	for i := range bars {
		if !bars[i].Finite() {
			return fmt.Errorf("%w: %s at index %d", ErrNonFinite, bars[i].Symbol, i)
		}
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].Symbol != bars[0].Symbol {
			return fmt.Errorf("bars: mixed symbols %q and %q", bars[0].Symbol, bars[i].Symbol)
		}
		if !bars[i].TS.After(bars[i-1].TS) {
			return fmt.Errorf("%w: %s at index %d (%s <= %s)", ErrUnorderedBars,
				bars[i].Symbol, i, bars[i].TS.Format(time.RFC3339), bars[i-1].TS.Format(time.RFC3339))
		}
	}
	return nil
}
