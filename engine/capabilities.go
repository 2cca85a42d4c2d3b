package engine

import (
	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/bitswarm/engine/capability"
)

// Capabilities bundles the external collaborators the engine is
// polymorphic over, per spec §6 and §9's "dynamic dispatch (mock
// adapters)" design note. Every field is optional; applyDefaults fills in
// the capability package's net/os/crypto-backed implementations for
// anything left nil, exactly as embedders are expected to do for
// production use and tests do for in-memory fakes.
//
// Filesystem is scoped once, for the whole engine, to Config.DownloadRoot
// (spec §6: "Filesystem... Scoped to a download root"); each torrent then
// namespaces itself under its own name within that root via
// storage.New's "name" parameter, rather than the engine handing out a
// separately-rooted Filesystem per torrent.
type Capabilities struct {
	Sockets      capability.SocketFactory
	Filesystem   capability.Filesystem
	Hasher       capability.Hasher
	SessionStore capability.SessionStore
	Random       capability.Random
	Clock        clock.Clock
	Logger       *zap.SugaredLogger
	LogStore     capability.LogStore
	// Stats is the root tally.Scope every sub-component's constructor
	// tags off of ("module": "engine"/"swarm"/"tracker"/...), mirroring
	// the teacher's scheduler.newScheduler convention.
	Stats tally.Scope
}

func (c Capabilities) applyDefaults(downloadRoot string, logRingCapacity int) Capabilities {
	if c.Sockets == nil {
		c.Sockets = &capability.DefaultSocketFactory{}
	}
	if c.Filesystem == nil {
		c.Filesystem = capability.NewDefaultFilesystem(downloadRoot)
	}
	if c.Hasher == nil {
		c.Hasher = capability.DefaultHasher{}
	}
	if c.Random == nil {
		c.Random = capability.CryptoRandom{}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	if c.LogStore == nil {
		c.LogStore = capability.NewRingLogStore(logRingCapacity)
	}
	if c.Stats == nil {
		c.Stats = tally.NoopScope
	}
	// SessionStore is intentionally left nil when unset: an engine with
	// no session store simply never persists or restores (torrentctl.New
	// and Torrent.Persist already treat a nil SessionStore as a no-op).
	return c
}
