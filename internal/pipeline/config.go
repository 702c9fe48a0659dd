package pipeline

import "time"

// Config holds the run-level tunables.
type Config struct {
	BatchSize    int           `yaml:"batch_size" default:"200" validate:"min=1"`
	BatchDelay   time.Duration `yaml:"batch_delay" default:"0s" validate:"gte=0"`
	Workers      int           `yaml:"workers" default:"8" validate:"min=1,max=256"`
	LookbackDays int           `yaml:"lookback_days" default:"120" validate:"min=2"`
	RunTimeout   time.Duration `yaml:"run_timeout" default:"15m" validate:"gte=0"`

	// ShardIndex is 1-based; symbol i of the sorted universe belongs to
	// shard (i % ShardTotal) + 1.
	ShardIndex int `yaml:"shard_index" default:"1" validate:"min=1,ltefield=ShardTotal"`
	ShardTotal int `yaml:"shard_total" default:"1" validate:"min=1"`

	// ResetOnCorrupt runs over unreadable state as if it were empty. Set from
	// state.reset_on_corrupt.
	ResetOnCorrupt bool `yaml:"-"`
}
