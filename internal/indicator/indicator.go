// Package indicator provides rolling technical indicator calculations over bar
// series.
//
// Indicators are fed one value per bar and report NullFloat until they have
// seen enough input. The Engine composes them into a per-bar Snapshot, so an
// undefined value is never confused with zero.
package indicator

import (
	"math"
	"strconv"
)

// Indicator is a streaming calculation over one input series.
type Indicator interface {
	Name() string // e.g. "SMA_20"

	// Update feeds the next value, a close or a volume.
	Update(v float64)

	// Current is the value after the last Update, Null while warming up.
	Current() NullFloat
}

// NullFloat is a float64 that may be absent. The zero value is absent.
type NullFloat struct {
	Float64 float64
	Valid   bool
}

// Float wraps a defined value. NaN and ±Inf come back as Null.
func Float(v float64) NullFloat {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Null
	}
	return NullFloat{Float64: v, Valid: true}
}

// Null is the absent value.
var Null = NullFloat{}

func (n NullFloat) String() string {
	if !n.Valid {
		return "null"
	}
	return strconv.FormatFloat(n.Float64, 'f', 4, 64)
}

func name(kind string, period int) string {
	return kind + "_" + strconv.Itoa(period)
}
