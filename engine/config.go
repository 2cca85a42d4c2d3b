package engine

import (
	"time"

	"github.com/bitswarm/engine/bandwidth"
	"github.com/bitswarm/engine/metainfo"
	"github.com/bitswarm/engine/peerconn"
	"github.com/bitswarm/engine/scheduler"
	"github.com/bitswarm/engine/swarm"
	"github.com/bitswarm/engine/torrentctl"
	"github.com/bitswarm/engine/tracker"
)

// Config tunes the engine root and the defaults handed down to every
// torrent it constructs, following the yaml.v2 + applyDefaults() idiom
// used throughout this engine.
type Config struct {
	// ListenPort is the TCP port the engine accepts inbound peer
	// connections on (spec §4.9 "Accepting inbound").
	ListenPort int `yaml:"listen_port"`
	// DownloadRoot is the filesystem root new torrents are scoped under
	// when no explicit capability.Filesystem factory is supplied (spec §6
	// Filesystem: "Scoped to a download root").
	DownloadRoot string `yaml:"download_root"`

	// MaxGlobalConnections bounds total connected peers across every
	// torrent (spec §4.12 "Connection admission").
	MaxGlobalConnections int `yaml:"max_global_connections"`
	// MaxPerTorrentConnections seeds swarm.Config.PerTorrentCap for every
	// torrent the engine constructs from here on; already-running
	// torrents keep the cap they were created with (spec §4.12's
	// SetConnectionLimits only gates engine-level admission retroactively,
	// not a live torrent's own cap).
	MaxPerTorrentConnections int `yaml:"max_per_torrent_connections"`

	// DownloadRateBytesPerSec / UploadRateBytesPerSec seed the shared
	// bandwidth.Limiter every torrent's scheduler and upload path consult
	// (spec §4.2; 0 means unlimited).
	DownloadRateBytesPerSec uint64 `yaml:"download_rate_bytes_per_sec"`
	UploadRateBytesPerSec   uint64 `yaml:"upload_rate_bytes_per_sec"`

	// TickInterval drives each active torrent's Tick (scheduling,
	// announce, persistence) on a fixed timer (spec §5's event-loop model).
	TickInterval time.Duration `yaml:"tick_interval"`

	// LogRingCapacity sizes the default LogStore when the embedder
	// supplies none (spec §6: "bounded ring buffer... keep last 1000").
	LogRingCapacity int `yaml:"log_ring_capacity"`

	Torrent   torrentctl.Config `yaml:"torrent"`
	Swarm     swarm.Config      `yaml:"swarm"`
	Scheduler scheduler.Config  `yaml:"scheduler"`
	Tracker   tracker.Config    `yaml:"tracker"`
	Metainfo  metainfo.Config   `yaml:"metainfo"`
	Bandwidth bandwidth.Config  `yaml:"bandwidth"`
	PeerConn  peerconn.Config   `yaml:"peer_conn"`
}

func (c Config) applyDefaults() Config {
	if c.ListenPort == 0 {
		c.ListenPort = 6881
	}
	if c.DownloadRoot == "" {
		c.DownloadRoot = "."
	}
	if c.MaxGlobalConnections == 0 {
		c.MaxGlobalConnections = 500
	}
	if c.MaxPerTorrentConnections == 0 {
		c.MaxPerTorrentConnections = 50
	}
	if c.TickInterval == 0 {
		c.TickInterval = 250 * time.Millisecond
	}
	if c.LogRingCapacity == 0 {
		c.LogRingCapacity = 1000
	}
	if c.Swarm.PerTorrentCap == 0 {
		c.Swarm.PerTorrentCap = c.MaxPerTorrentConnections
	}
	return c
}
