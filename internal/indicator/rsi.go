package indicator

// RSI is Wilder's relative strength index. The first period deltas are
// averaged plainly; later ones use Wilder smoothing. It is defined from the
// (period+1)th value on.
type RSI struct {
	period  int
	prev    NullFloat
	deltas  int
	avgUp   float64
	avgDown float64
}

func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

func (r *RSI) Name() string { return name("RSI", r.period) }

func (r *RSI) Update(price float64) {
	if !r.prev.Valid {
		r.prev = Float(price)
		return
	}
	delta := price - r.prev.Float64
	r.prev = Float(price)

	up, down := 0.0, 0.0
	if delta > 0 {
		up = delta
	} else {
		down = -delta
	}

	r.deltas++
	p := float64(r.period)
	switch {
	case r.deltas < r.period:
		r.avgUp += up
		r.avgDown += down
	case r.deltas == r.period:
		r.avgUp = (r.avgUp + up) / p
		r.avgDown = (r.avgDown + down) / p
	default:
		r.avgUp = (r.avgUp*(p-1) + up) / p
		r.avgDown = (r.avgDown*(p-1) + down) / p
	}
}

// Current returns 100 when there were no down moves, including a flat series.
func (r *RSI) Current() NullFloat {
	if r.deltas < r.period {
		return Null
	}
	if r.avgDown == 0 {
		return Float(100)
	}
	return Float(100 - 100/(1+r.avgUp/r.avgDown))
}
