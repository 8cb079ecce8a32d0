package scheduler

import "time"

// Config tunes the scheduler loops. Zero values fall back to the defaults.
type Config struct {
	// BatchSize is the number of records written per store round trip on create.
	BatchSize int
	// TickInterval is the dispatcher period.
	TickInterval time.Duration
	// MaxPerTick bounds how many due entries one tick reads.
	MaxPerTick int
	// Parallelism is the number of records dispatched concurrently within a tick.
	Parallelism int
	// MaxPublishPerSecond caps transport publishes; 0 disables the cap.
	MaxPublishPerSecond float64
	// RecoverySchedule is the robfig/cron spec of the recovery sweep.
	RecoverySchedule string
	// StaleAfter is how long a record may stay sent before it is reset.
	StaleAfter time.Duration
	// MaxJitter spreads reset records over [now, now+MaxJitter].
	MaxJitter time.Duration
	// RecoveryLimit bounds how many stale entries one sweep examines.
	RecoveryLimit int
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		BatchSize:        500,
		TickInterval:     100 * time.Millisecond,
		MaxPerTick:       1000,
		Parallelism:      1,
		RecoverySchedule: "@every 5s",
		StaleAfter:       10 * time.Second,
		MaxJitter:        250 * time.Millisecond,
		RecoveryLimit:    1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.MaxPerTick <= 0 {
		c.MaxPerTick = d.MaxPerTick
	}
	if c.Parallelism <= 0 {
		c.Parallelism = d.Parallelism
	}
	if c.MaxPublishPerSecond < 0 {
		c.MaxPublishPerSecond = 0
	}
	if c.RecoverySchedule == "" {
		c.RecoverySchedule = d.RecoverySchedule
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.MaxJitter < 0 {
		c.MaxJitter = 0
	}
	if c.RecoveryLimit <= 0 {
		c.RecoveryLimit = d.RecoveryLimit
	}
	return c
}
