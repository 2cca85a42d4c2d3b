package bandwidth

import "time"

// Config configures a Tracker's token buckets. A RateBytesPerSec of 0 means
// unlimited.
type Config struct {
	DownloadRateBytesPerSec uint64 `yaml:"download_rate_bytes_per_sec"`
	UploadRateBytesPerSec   uint64 `yaml:"upload_rate_bytes_per_sec"`

	// HistoryResolutions are the tiered sampling resolutions maintained for
	// UI queries, e.g. {1s, 5s, 60s}.
	HistoryResolutions []time.Duration `yaml:"history_resolutions"`

	// HistoryLength is the number of samples retained per resolution tier.
	HistoryLength int `yaml:"history_length"`
}

func (c Config) applyDefaults() Config {
	if len(c.HistoryResolutions) == 0 {
		c.HistoryResolutions = []time.Duration{time.Second, 5 * time.Second, 60 * time.Second}
	}
	if c.HistoryLength == 0 {
		c.HistoryLength = 60
	}
	return c
}
