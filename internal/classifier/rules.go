package classifier

import (
	"time"

	"github.com/shopspring/decimal"

	"signal-radar/internal/indicator"
	"signal-radar/internal/model"
)

// Rule evaluates one signal kind over a window of snapshots, oldest first, the
// last element being the current bar. It returns the timestamp the event is
// anchored to and its metrics. Undefined inputs make a rule return ok=false.
type Rule interface {
	Kind() model.Kind
	Evaluate(snaps []indicator.Snapshot) (ts time.Time, metrics map[string]float64, ok bool)
}

// baseMetrics records the current bar's values that are defined.
func baseMetrics(s *indicator.Snapshot) map[string]float64 {
	m := map[string]float64{
		model.MetricClose:    s.Close,
		model.MetricNotional: s.Notional(),
	}
	put := func(name string, v indicator.NullFloat) {
		if v.Valid {
			m[name] = v.Float64
		}
	}
	put(model.MetricMA, s.MA)
	put(model.MetricPctVsMA, s.PctVsMA())
	put(model.MetricVolumeRatio, s.VolumeRatio)
	put(model.MetricPctChange, s.PctChange)
	put(model.MetricRSI, s.RSI)
	put(model.MetricMACDHist, s.MACDHist)
	return m
}

// volumeGate passes when no multiple is configured or the ratio meets it.
func volumeGate(s *indicator.Snapshot, mult float64) bool {
	if mult <= 0 {
		return true
	}
	return s.VolumeRatio.Valid && s.VolumeRatio.Float64 >= mult
}

// ── Breakout ──

type breakoutRule struct {
	lookback int
	minPrice float64
	volMult  float64
}

func (r breakoutRule) Kind() model.Kind { return model.KindBreakout }

// Evaluate scans the last lookback bar-pairs, most recent first, for a strict
// upward cross (close_prev <= ma_prev and close > ma). The event is anchored
// to the bar where the cross happened so that a multi-day lookback reports
// the same logical breakout under one fingerprint.
func (r breakoutRule) Evaluate(snaps []indicator.Snapshot) (time.Time, map[string]float64, bool) {
	n := len(snaps)
	if n < 2 {
		return time.Time{}, nil, false
	}
	cur := &snaps[n-1]
	if cur.Close < r.minPrice || !volumeGate(cur, r.volMult) {
		return time.Time{}, nil, false
	}
	for j := n - 1; j >= 1 && j >= n-r.lookback; j-- {
		prev, now := &snaps[j-1], &snaps[j]
		if !prev.MA.Valid || !now.MA.Valid {
			continue
		}
		if prev.Close <= prev.MA.Float64 && now.Close > now.MA.Float64 {
			m := baseMetrics(cur)
			m["bars_since_cross"] = float64(n - 1 - j)
			return now.TS, m, true
		}
	}
	return time.Time{}, nil, false
}

// ── NearThreshold ──

type nearRule struct {
	nearPct  float64
	minPrice float64
	volMult  float64
}

func (r nearRule) Kind() model.Kind { return model.KindNearThreshold }

func (r nearRule) Evaluate(snaps []indicator.Snapshot) (time.Time, map[string]float64, bool) {
	if len(snaps) == 0 {
		return time.Time{}, nil, false
	}
	cur := &snaps[len(snaps)-1]
	pct := cur.PctVsMA()
	if !pct.Valid || cur.Close < r.minPrice || !volumeGate(cur, r.volMult) {
		return time.Time{}, nil, false
	}
	if abs(pct.Float64) > r.nearPct+epsilon {
		return time.Time{}, nil, false
	}
	return cur.TS, baseMetrics(cur), true
}

// ── SustainedAbove ──

type sustainedRule struct {
	cfg      SustainedConfig
	minPrice float64
}

func (r sustainedRule) Kind() model.Kind { return model.KindSustainedAbove }

func (r sustainedRule) Evaluate(snaps []indicator.Snapshot) (time.Time, map[string]float64, bool) {
	if len(snaps) == 0 {
		return time.Time{}, nil, false
	}
	cur := &snaps[len(snaps)-1]
	pct := cur.PctVsMA()
	if !pct.Valid || !cur.VolumeRatio.Valid || cur.Close < r.minPrice {
		return time.Time{}, nil, false
	}
	if cur.Close < cur.MA.Float64 {
		return time.Time{}, nil, false
	}
	if pct.Float64 < r.cfg.MinPct-epsilon || pct.Float64 > r.cfg.MaxPct+epsilon {
		return time.Time{}, nil, false
	}
	if cur.VolumeRatio.Float64 < r.cfg.VolMult {
		return time.Time{}, nil, false
	}
	return cur.TS, baseMetrics(cur), true
}

// ── PercentSpike ──

type spikeRule struct {
	cfg      SpikeConfig
	minPrice float64
}

func (r spikeRule) Kind() model.Kind { return model.KindPercentSpike }

func (r spikeRule) Evaluate(snaps []indicator.Snapshot) (time.Time, map[string]float64, bool) {
	if len(snaps) == 0 {
		return time.Time{}, nil, false
	}
	cur := &snaps[len(snaps)-1]
	if !cur.PctChange.Valid || cur.Close < r.minPrice {
		return time.Time{}, nil, false
	}
	chg := cur.PctChange.Float64
	if r.cfg.TwoSided {
		chg = abs(chg)
	}
	if chg < r.cfg.PctMin {
		return time.Time{}, nil, false
	}
	if r.cfg.Momentum {
		if !cur.RSI.Valid || cur.RSI.Float64 < r.cfg.RSIMin {
			return time.Time{}, nil, false
		}
		if !cur.MACDHist.Valid || cur.MACDHist.Float64 < 0 {
			return time.Time{}, nil, false
		}
		if !cur.MA.Valid || cur.Close <= cur.MA.Float64 {
			return time.Time{}, nil, false
		}
	}
	return cur.TS, baseMetrics(cur), true
}

// ── VolumeSpike ──

type volumeSpikeRule struct {
	volMult float64
	floor   decimal.Decimal
}

func (r volumeSpikeRule) Kind() model.Kind { return model.KindVolumeSpike }

func (r volumeSpikeRule) Evaluate(snaps []indicator.Snapshot) (time.Time, map[string]float64, bool) {
	if len(snaps) == 0 {
		return time.Time{}, nil, false
	}
	cur := &snaps[len(snaps)-1]
	if !cur.VolumeRatio.Valid || cur.VolumeRatio.Float64 < r.volMult {
		return time.Time{}, nil, false
	}
	// Exact product so that a value sitting on the floor is not lost to rounding.
	notional := decimal.NewFromFloat(cur.Close).Mul(decimal.NewFromFloat(cur.Volume))
	if notional.LessThan(r.floor) {
		return time.Time{}, nil, false
	}
	return cur.TS, baseMetrics(cur), true
}

// epsilon absorbs float noise on inclusive percent-vs-MA bounds
// (101/100-1 is 0.010000000000000009).
const epsilon = 1e-12

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
