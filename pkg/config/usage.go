package config

import "fmt"

// UsageConfig defines the token usage tracker settings.
type UsageConfig struct {
	// FlushIntervalMs is how often accumulated usage deltas are flushed
	// to the persistent ledger.
	FlushIntervalMs int `yaml:"flush_interval_ms,omitempty" json:"flush_interval_ms,omitempty"`
}

// SetDefaults sets default values for UsageConfig.
func (c *UsageConfig) SetDefaults() {
	if c.FlushIntervalMs == 0 {
		c.FlushIntervalMs = 15_000
	}
}

// Validate validates the UsageConfig.
func (c *UsageConfig) Validate() error {
	if c.FlushIntervalMs < 1 {
		return fmt.Errorf("flush_interval_ms must be at least 1")
	}
	return nil
}
