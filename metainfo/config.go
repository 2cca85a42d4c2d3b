package metainfo

import "time"

// Config tunes the metadata acquirer's round-robin request pacing.
type Config struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

func (c Config) applyDefaults() Config {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	return c
}
