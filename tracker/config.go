package tracker

import "time"

// Config tunes announce timing and defaults, following the
// yaml.v2 + applyDefaults() idiom used throughout the engine.
type Config struct {
	// MinInterval is the re-announce interval used when a tracker's
	// response omits "interval", and the starting backoff on failure for a
	// tracker whose last response carried no "min interval", per
	// spec §4.8 ("exponential backoff starting at the tracker's
	// min_interval (or 30s if absent)").
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	UDPTimeout  time.Duration `yaml:"udp_timeout"`
	NumWant     int           `yaml:"num_want"`
	// DemoteAfterFailures is the number of consecutive hard failures
	// before a tracker is moved to the back of its tier (spec §4.8:
	// "Consecutive hard failures demote the tracker within its tier").
	DemoteAfterFailures int `yaml:"demote_after_failures"`
}

func (c Config) applyDefaults() Config {
	if c.MinInterval == 0 {
		c.MinInterval = 30 * time.Second
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 30 * time.Minute
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	if c.UDPTimeout == 0 {
		c.UDPTimeout = 15 * time.Second
	}
	if c.NumWant == 0 {
		c.NumWant = 50
	}
	if c.DemoteAfterFailures == 0 {
		c.DemoteAfterFailures = 3
	}
	return c
}
