package swarm

import "time"

// Config tunes a Swarm's admission and timing behavior, following the
// yaml.v2 + applyDefaults() idiom used throughout the engine.
type Config struct {
	PerTorrentCap int `yaml:"per_torrent_cap"`

	BanCooldown time.Duration `yaml:"ban_cooldown"`
	// MaxFaultsBeforeBan counts protocol faults/snoozes before a peer's
	// address is added to the ban list (spec §7: ProtocolError handling
	// "do not ban unless repeated across reconnects").
	MaxFaultsBeforeBan int `yaml:"max_faults_before_ban"`

	ConnectTimingSamples    int           `yaml:"connect_timing_samples"`
	ConnectTimingMultiplier float64       `yaml:"connect_timing_multiplier"`
	ConnectTimeoutMin       time.Duration `yaml:"connect_timeout_min"`
	ConnectTimeoutMax       time.Duration `yaml:"connect_timeout_max"`
	ConnectTimeoutDefault   time.Duration `yaml:"connect_timeout_default"`
}

func (c Config) applyDefaults() Config {
	if c.PerTorrentCap == 0 {
		c.PerTorrentCap = 50
	}
	if c.BanCooldown == 0 {
		c.BanCooldown = 30 * time.Minute
	}
	if c.MaxFaultsBeforeBan == 0 {
		c.MaxFaultsBeforeBan = 3
	}
	if c.ConnectTimingSamples == 0 {
		c.ConnectTimingSamples = 50
	}
	if c.ConnectTimingMultiplier == 0 {
		c.ConnectTimingMultiplier = 2.5
	}
	if c.ConnectTimeoutMin == 0 {
		c.ConnectTimeoutMin = 3 * time.Second
	}
	if c.ConnectTimeoutMax == 0 {
		c.ConnectTimeoutMax = 30 * time.Second
	}
	if c.ConnectTimeoutDefault == 0 {
		c.ConnectTimeoutDefault = 10 * time.Second
	}
	return c
}
