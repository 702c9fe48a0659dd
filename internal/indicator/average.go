package indicator

// SMA is the arithmetic mean of the last n values.
type SMA struct {
	n      int
	window []float64 // ring of the last n inputs
	seen   int
	sum    float64
}

func NewSMA(n int) *SMA {
	return &SMA{n: n, window: make([]float64, n)}
}

func (s *SMA) Name() string { return name("SMA", s.n) }

func (s *SMA) Update(v float64) {
	slot := s.seen % s.n
	if s.seen >= s.n {
		s.sum -= s.window[slot]
	}
	s.window[slot] = v
	s.sum += v
	s.seen++
}

// Current is null until n values have been seen.
func (s *SMA) Current() NullFloat {
	if s.seen < s.n {
		return Null
	}
	return Float(s.sum / float64(s.n))
}

// EMA is an exponential average with alpha 2/(n+1). The first n values only
// build the seed, which is their simple mean.
type EMA struct {
	n     int
	alpha float64
	seen  int
	acc   float64 // running sum while seeding, the average afterwards
}

func NewEMA(n int) *EMA {
	return &EMA{n: n, alpha: 2 / float64(n+1)}
}

func (e *EMA) Name() string { return name("EMA", e.n) }

func (e *EMA) Update(v float64) {
	e.seen++
	switch {
	case e.seen < e.n:
		e.acc += v
	case e.seen == e.n:
		e.acc = (e.acc + v) / float64(e.n)
	default:
		e.acc += e.alpha * (v - e.acc)
	}
}

func (e *EMA) Current() NullFloat {
	if e.seen < e.n {
		return Null
	}
	return Float(e.acc)
}
