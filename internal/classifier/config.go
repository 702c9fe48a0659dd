package classifier

import (
	"fmt"

	"signal-radar/internal/model"
)

// Config holds every rule threshold. Percent-vs-MA thresholds are fractions
// (0.01 = 1%); percent-change thresholds are percentages (3 = 3%).
type Config struct {
	Version string `yaml:"version" default:"v1" validate:"required"`

	// Shared gates for the MA rules.
	MinPrice float64 `yaml:"min_price" default:"0" validate:"gte=0"`
	VolMult  float64 `yaml:"vol_mult" default:"0" validate:"gte=0"`

	BreakoutLookback int     `yaml:"breakout_lookback" default:"1" validate:"min=1,max=60"`
	NearPct          float64 `yaml:"near_pct" default:"0.01" validate:"gte=0,lt=1"`

	Sustained   SustainedConfig   `yaml:"sustained"`
	Spike       SpikeConfig       `yaml:"spike"`
	VolumeSpike VolumeSpikeConfig `yaml:"volume_spike"`

	// Disabled lists rule kinds that are never evaluated.
	Disabled []model.Kind `yaml:"disabled"`
}

type SustainedConfig struct {
	MinPct  float64 `yaml:"min_pct" default:"0.003" validate:"gte=0"`
	MaxPct  float64 `yaml:"max_pct" default:"0.05" validate:"gte=0"`
	VolMult float64 `yaml:"vol_mult" default:"0.6" validate:"gte=0"`
}

type SpikeConfig struct {
	PctMin   float64 `yaml:"pct_min" default:"8" validate:"gt=0"`
	TwoSided bool    `yaml:"two_sided"`

	// Momentum additionally requires rsi >= RSIMin, macd_hist >= 0 and close > ma.
	Momentum bool    `yaml:"momentum"`
	RSIMin   float64 `yaml:"rsi_min" default:"55" validate:"gte=0,lte=100"`
}

type VolumeSpikeConfig struct {
	VolMult       float64 `yaml:"vol_mult" default:"3" validate:"gt=0"`
	NotionalFloor float64 `yaml:"notional_floor" default:"5000000000" validate:"gte=0"`
}

// DefaultConfig mirrors the struct tag defaults.
func DefaultConfig() Config {
	return Config{
		Version:          "v1",
		BreakoutLookback: 1,
		NearPct:          0.01,
		Sustained:        SustainedConfig{MinPct: 0.003, MaxPct: 0.05, VolMult: 0.6},
		Spike:            SpikeConfig{PctMin: 8, RSIMin: 55},
		VolumeSpike:      VolumeSpikeConfig{VolMult: 3, NotionalFloor: 5e9},
	}
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	if c.Sustained.MinPct > c.Sustained.MaxPct {
		return fmt.Errorf("classifier: sustained.min_pct (%g) > sustained.max_pct (%g)", c.Sustained.MinPct, c.Sustained.MaxPct)
	}
	if c.BreakoutLookback < 1 {
		return fmt.Errorf("classifier: breakout_lookback must be >= 1, got %d", c.BreakoutLookback)
	}
	if c.NearPct < 0 {
		return fmt.Errorf("classifier: near_pct must be >= 0, got %g", c.NearPct)
	}
	for _, k := range c.Disabled {
		if !k.Valid() {
			return fmt.Errorf("classifier: unknown rule kind %q in disabled", k)
		}
	}
	active := 0
	for _, k := range model.AllKinds {
		if c.enabled(k) {
			active++
		}
	}
	if active == 0 {
		return fmt.Errorf("classifier: every rule is disabled")
	}
	return nil
}

func (c *Config) enabled(k model.Kind) bool {
	for _, d := range c.Disabled {
		if d == k {
			return false
		}
	}
	return true
}
