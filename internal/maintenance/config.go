package maintenance

import (
	"time"

	"github.com/campusfund/creditledger/internal/config"
)

// Config controls sweep cadence, batch sizing and claim retention.
type Config struct {
	RunInterval    time.Duration
	BatchSize      int
	ClaimRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:    time.Hour,
		BatchSize:      500,
		ClaimRetention: 90 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.ClaimRetention <= 0 {
		c.ClaimRetention = defaults.ClaimRetention
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:    cfg.Maintenance.Interval,
		BatchSize:      cfg.Maintenance.BatchSize,
		ClaimRetention: time.Duration(cfg.Maintenance.ClaimRetentionDays) * 24 * time.Hour,
	}.withDefaults()
}
