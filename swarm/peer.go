// Package swarm maintains, per torrent, the three peer sets spec §4.9
// describes: known addresses (a candidate pool with score/last-attempt
// bookkeeping), the connected set (bounded by a per-torrent cap and the
// engine's global admission), and a ban set. No single teacher file owns
// this responsibility (kraken's scheduler.scheduler does it monolithically);
// swarm.Swarm is grounded on the *pattern* of that connection bookkeeping
// plus the reference pack's tracker/announceclient peer ingestion, split
// into its own package since this spec treats Swarm as a first-class
// per-torrent aggregate distinct from the scheduler.
package swarm

import (
	"fmt"
)

// Origin names where a PeerAddr was learned from, per spec §3.
type Origin int

const (
	OriginTracker Origin = iota
	OriginPEX
	OriginMagnetHint
	OriginLPD
	OriginAccepted
)

func (o Origin) String() string {
	switch o {
	case OriginTracker:
		return "tracker"
	case OriginPEX:
		return "pex"
	case OriginMagnetHint:
		return "magnet-hint"
	case OriginLPD:
		return "lpd"
	case OriginAccepted:
		return "accepted"
	default:
		return "unknown"
	}
}

// PeerAddr is a dialable peer address, keyed by "host:port" for dedup per
// spec §3.
type PeerAddr struct {
	Host   string
	Port   int
	Origin Origin
}

// Key returns the dedup key for addr.
func (a PeerAddr) Key() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

func (a PeerAddr) String() string {
	return a.Key()
}
