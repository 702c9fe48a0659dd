package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Kind is the category of a signal event.
type Kind string

const (
	KindBreakout       Kind = "BREAKOUT"
	KindNearThreshold  Kind = "NEAR_THRESHOLD"
	KindSustainedAbove Kind = "SUSTAINED_ABOVE"
	KindPercentSpike   Kind = "PERCENT_SPIKE"
	KindVolumeSpike    Kind = "VOLUME_SPIKE"
)

// AllKinds lists every kind in digest priority order.
var AllKinds = []Kind{
	KindBreakout,
	KindNearThreshold,
	KindSustainedAbove,
	KindPercentSpike,
	KindVolumeSpike,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Metric names carried in SignalEvent.Metrics.
const (
	MetricClose       = "close"
	MetricMA          = "ma"
	MetricPctVsMA     = "pct_vs_ma"
	MetricVolumeRatio = "volume_ratio"
	MetricPctChange   = "pct_change"
	MetricRSI         = "rsi"
	MetricMACDHist    = "macd_hist"
	MetricNotional    = "notional"
)

// SignalEvent is one classified signal for a symbol at a bar timestamp.
type SignalEvent struct {
	Symbol      string             `json:"symbol"`
	Market      string             `json:"market"`
	Name        string             `json:"name,omitempty"`
	Kind        Kind               `json:"kind"`
	TS          time.Time          `json:"ts"`
	Metrics     map[string]float64 `json:"metrics"`
	Fingerprint string             `json:"fingerprint"`
}

// Metric returns a named metric and whether it was recorded.
func (e *SignalEvent) Metric(name string) (float64, bool) {
	v, ok := e.Metrics[name]
	return v, ok
}

// Fingerprint is the dedup identity of an event. Metric values are excluded so
// that recomputation noise never produces a new identity for the same bar.
func Fingerprint(kind Kind, symbol string, ts time.Time, version string) string {
	buf := make([]byte, 0, 96)
	buf = append(buf, kind...)
	buf = append(buf, '|')
	buf = append(buf, symbol...)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, ts.UTC().UnixNano(), 10)
	buf = append(buf, '|')
	buf = append(buf, version...)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// NewSignalEvent builds an event and stamps its fingerprint.
func NewSignalEvent(kind Kind, symbol, market string, ts time.Time, version string, metrics map[string]float64) SignalEvent {
	return SignalEvent{
		Symbol:      symbol,
		Market:      market,
		Kind:        kind,
		TS:          ts,
		Metrics:     metrics,
		Fingerprint: Fingerprint(kind, symbol, ts, version),
	}
}
