package model

// Instrument is one entry of the scanned universe.
type Instrument struct {
	Symbol string `json:"symbol"`
	Market string `json:"market"` // e.g. KOSPI, KOSDAQ, US, JP
	Name   string `json:"name"`
}

// Key returns "market:symbol".
func (i *Instrument) Key() string {
	return i.Market + ":" + i.Symbol
}
