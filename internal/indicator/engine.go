package indicator

import (
	"sync"

	"signal-radar/internal/model"
)

// Params selects the indicator windows the engine computes.
type Params struct {
	MAWindow     int `yaml:"ma_window" default:"20" validate:"min=2"`
	VolumeWindow int `yaml:"volume_window" default:"20" validate:"min=1"`
	RSIPeriod    int `yaml:"rsi_period" default:"14" validate:"min=2"`
	MACDFast     int `yaml:"macd_fast" default:"12" validate:"min=1"`
	MACDSlow     int `yaml:"macd_slow" default:"26" validate:"gtfield=MACDFast"`
	MACDSignal   int `yaml:"macd_signal" default:"9" validate:"min=1"`
}

// DefaultParams returns MA20 / VOL20 / RSI14 / MACD(12,26,9).
func DefaultParams() Params {
	return Params{MAWindow: 20, VolumeWindow: 20, RSIPeriod: 14, MACDFast: 12, MACDSlow: 26, MACDSignal: 9}
}

// symbolIndicators holds live indicator instances for one symbol plus the
// snapshots already produced from them.
type symbolIndicators struct {
	mu        sync.Mutex
	ma        *SMA
	volMA     *SMA
	rsi       *RSI
	macd      *MACD
	prevClose float64
	snaps     []Snapshot
}

// Engine computes indicator snapshots for many symbols. Results are cached per
// (symbol, timestamp): a later call whose bars extend an already computed
// series only feeds the new bars. Safe for concurrent use across symbols.
type Engine struct {
	params Params

	mu    sync.Mutex
	state map[string]*symbolIndicators
}

// NewEngine creates an indicator engine.
func NewEngine(params Params) *Engine {
	return &Engine{
		params: params,
		state:  make(map[string]*symbolIndicators, 256),
	}
}

func (e *Engine) reset(si *symbolIndicators) {
	si.ma = NewSMA(e.params.MAWindow)
	si.volMA = NewSMA(e.params.VolumeWindow)
	si.rsi = NewRSI(e.params.RSIPeriod)
	si.macd = NewMACD(e.params.MACDFast, e.params.MACDSlow, e.params.MACDSignal)
	si.prevClose = 0
	si.snaps = nil
}

// Compute returns one snapshot per bar. Bars must be strictly increasing in
// time, otherwise model.ErrUnorderedBars is returned. The returned slice must
// not be modified.
func (e *Engine) Compute(symbol string, bars []model.Bar) ([]Snapshot, error) {
	if err := model.ValidateSeries(bars); err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	si, ok := e.state[symbol]
	if !ok {
		si = &symbolIndicators{}
		e.reset(si)
		e.state[symbol] = si
	}
	e.mu.Unlock()

	si.mu.Lock()
	defer si.mu.Unlock()

	if !isPrefix(si.snaps, bars) {
		e.reset(si)
	}

	for i := len(si.snaps); i < len(bars); i++ {
		si.snaps = append(si.snaps, si.step(bars[i], i > 0))
	}
	return si.snaps[:len(bars):len(bars)], nil
}

// Latest returns the last k+1 snapshots (or fewer if the series is shorter):
// the current bar plus the k preceding it.
func (e *Engine) Latest(symbol string, bars []model.Bar, k int) ([]Snapshot, error) {
	snaps, err := e.Compute(symbol, bars)
	if err != nil {
		return nil, err
	}
	if k < 0 {
		k = 0
	}
	if n := k + 1; len(snaps) > n {
		snaps = snaps[len(snaps)-n:]
	}
	return snaps, nil
}

// Forget drops the cached state for a symbol.
func (e *Engine) Forget(symbol string) {
	e.mu.Lock()
	delete(e.state, symbol)
	e.mu.Unlock()
}

// Len returns the number of cached symbols.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.state)
}

// isPrefix reports whether cached snapshots were computed from a prefix of bars.
// Bars are never revised in place, so matching timestamps at the first and last
// cached position is enough.
func isPrefix(snaps []Snapshot, bars []model.Bar) bool {
	if len(snaps) == 0 {
		return true
	}
	if len(snaps) > len(bars) {
		return false
	}
	last := len(snaps) - 1
	return snaps[0].TS.Equal(bars[0].TS) && snaps[last].TS.Equal(bars[last].TS) &&
		snaps[last].Close == bars[last].Close
}

func (si *symbolIndicators) step(b model.Bar, hasPrev bool) Snapshot {
	si.ma.Update(b.Close)
	si.volMA.Update(b.Volume)
	si.rsi.Update(b.Close)
	si.macd.Update(b.Close)

	snap := Snapshot{
		TS:       b.TS,
		Close:    b.Close,
		Volume:   b.Volume,
		MA:       si.ma.Current(),
		RSI:      si.rsi.Current(),
		MACDHist: si.macd.Current(),
		VolumeMA: si.volMA.Current(),
	}
	if snap.VolumeMA.Valid && snap.VolumeMA.Float64 > 0 {
		snap.VolumeRatio = Float(b.Volume / snap.VolumeMA.Float64)
	}
	if hasPrev && si.prevClose != 0 {
		snap.PctChange = Float((b.Close/si.prevClose - 1) * 100)
	}
	si.prevClose = b.Close
	return snap
}
