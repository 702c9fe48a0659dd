package indicator

import "time"

// Snapshot is the indicator state of one symbol at one bar. Immutable once
// computed for a given timestamp.
type Snapshot struct {
	TS          time.Time `json:"ts"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	MA          NullFloat `json:"ma"`
	RSI         NullFloat `json:"rsi"`
	MACDHist    NullFloat `json:"macd_hist"`
	VolumeMA    NullFloat `json:"volume_ma"`
	VolumeRatio NullFloat `json:"volume_ratio"`
	PctChange   NullFloat `json:"pct_change"`
}

// PctVsMA returns close/ma − 1 (a fraction, not a percentage).
func (s *Snapshot) PctVsMA() NullFloat {
	if !s.MA.Valid || s.MA.Float64 == 0 {
		return Null
	}
	return Float(s.Close/s.MA.Float64 - 1)
}

// Notional returns close × volume.
func (s *Snapshot) Notional() float64 {
	return s.Close * s.Volume
}
