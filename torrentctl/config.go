package torrentctl

import (
	"time"

	"github.com/bitswarm/engine/bandwidth"
	"github.com/bitswarm/engine/metainfo"
	"github.com/bitswarm/engine/peerconn"
	"github.com/bitswarm/engine/scheduler"
	"github.com/bitswarm/engine/swarm"
	"github.com/bitswarm/engine/tracker"
)

// Config tunes a Torrent's internal ticking and persistence cadence,
// following the yaml.v2 + applyDefaults() idiom used throughout the engine.
type Config struct {
	// ScheduleInterval is how often the piece scheduler and metadata
	// acquirer are driven forward.
	ScheduleInterval time.Duration `yaml:"schedule_interval"`
	// AnnounceRetryInterval is not consulted by the announce path: after a
	// failed announce the next attempt waits for the delay that
	// tracker.Client.Announce returns, which is always set.
	AnnounceRetryInterval time.Duration `yaml:"announce_retry_interval"`
	// UploadQueueCapacity bounds the number of queued-but-not-yet-sent
	// PIECE responses per torrent before new requests cause we-are-choking
	// for the requesting peer (spec §5's upload rate-limiter contract).
	UploadQueueCapacity int `yaml:"upload_queue_capacity"`
	// EventQueueCapacity bounds the dispatcher's pending-event queue; once
	// it is full the oldest queued event is dropped. The queue is drained
	// by the emitting call itself, not at a tick boundary.
	EventQueueCapacity int `yaml:"event_queue_capacity"`
	// MinPersistInterval rate-limits session_store.save_torrent calls
	// triggered by non-critical state (accumulated stats), so a busy
	// torrent doesn't hammer the store on every block.
	MinPersistInterval time.Duration `yaml:"min_persist_interval"`
}

func (c Config) applyDefaults() Config {
	if c.ScheduleInterval == 0 {
		c.ScheduleInterval = 250 * time.Millisecond
	}
	if c.AnnounceRetryInterval == 0 {
		c.AnnounceRetryInterval = time.Minute
	}
	if c.UploadQueueCapacity == 0 {
		c.UploadQueueCapacity = 256
	}
	if c.EventQueueCapacity == 0 {
		c.EventQueueCapacity = 1024
	}
	if c.MinPersistInterval == 0 {
		c.MinPersistInterval = 5 * time.Second
	}
	return c
}

// Configs bundles the Torrent's own Config and the per-subsystem configs it
// wires into swarm, scheduler, tracker, metainfo, bandwidth and peer
// connections, so New() takes one value instead of seven positional config
// parameters.
type Configs struct {
	Torrent   Config
	Swarm     swarm.Config
	Scheduler scheduler.Config
	Tracker   tracker.Config
	Metainfo  metainfo.Config
	Bandwidth bandwidth.Config
	PeerConn  peerconn.Config
}
