// Package classifier turns indicator snapshots into typed signal events.
//
// Rules are independent: a symbol may match several kinds in one run. Any
// rule whose inputs are undefined evaluates false.
package classifier

import (
	"github.com/shopspring/decimal"

	"signal-radar/internal/indicator"
	"signal-radar/internal/model"
)

// Classifier applies the configured rule set.
type Classifier struct {
	version string
	rules   []Rule
	window  int
}

// New builds a classifier from cfg. cfg must already be validated.
func New(cfg Config) *Classifier {
	all := []Rule{
		breakoutRule{lookback: cfg.BreakoutLookback, minPrice: cfg.MinPrice, volMult: cfg.VolMult},
		nearRule{nearPct: cfg.NearPct, minPrice: cfg.MinPrice, volMult: cfg.VolMult},
		sustainedRule{cfg: cfg.Sustained, minPrice: cfg.MinPrice},
		spikeRule{cfg: cfg.Spike, minPrice: cfg.MinPrice},
		volumeSpikeRule{volMult: cfg.VolumeSpike.VolMult, floor: decimal.NewFromFloat(cfg.VolumeSpike.NotionalFloor)},
	}
	c := &Classifier{version: cfg.Version, window: cfg.BreakoutLookback}
	for _, r := range all {
		if cfg.enabled(r.Kind()) {
			c.rules = append(c.rules, r)
		}
	}
	return c
}

// Window returns how many bars before the current one the rules look at.
// Callers pass Window()+1 snapshots to Classify.
func (c *Classifier) Window() int { return c.window }

// Version is the classifier version baked into fingerprints.
func (c *Classifier) Version() string { return c.version }

// Classify evaluates all rules against snaps (oldest first, last is current)
// and returns the matching events in rule order.
func (c *Classifier) Classify(symbol, market string, snaps []indicator.Snapshot) []model.SignalEvent {
	if len(snaps) == 0 {
		return nil
	}
	var events []model.SignalEvent
	for _, r := range c.rules {
		ts, metrics, ok := r.Evaluate(snaps)
		if !ok {
			continue
		}
		events = append(events, model.NewSignalEvent(r.Kind(), symbol, market, ts, c.version, metrics))
	}
	return events
}
