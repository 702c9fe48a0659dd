package indicator

// MACD tracks the histogram: (EMA fast − EMA slow) minus the signal EMA of
// that line. The signal EMA is fed only once both averages exist, so the
// histogram needs slow+signal−1 values.
type MACD struct {
	fast, slow, signal *EMA
	line               NullFloat
}

func NewMACD(fast, slow, signal int) *MACD {
	return &MACD{fast: NewEMA(fast), slow: NewEMA(slow), signal: NewEMA(signal)}
}

func (m *MACD) Name() string { return "MACD_HIST" }

func (m *MACD) Update(price float64) {
	m.fast.Update(price)
	m.slow.Update(price)
	f, s := m.fast.Current(), m.slow.Current()
	if !f.Valid || !s.Valid {
		return
	}
	m.line = Float(f.Float64 - s.Float64)
	m.signal.Update(m.line.Float64)
}

// Line is fast − slow.
func (m *MACD) Line() NullFloat { return m.line }

func (m *MACD) Signal() NullFloat { return m.signal.Current() }

// Current is the histogram.
func (m *MACD) Current() NullFloat {
	sig := m.signal.Current()
	if !sig.Valid {
		return Null
	}
	return Float(m.line.Float64 - sig.Float64)
}
