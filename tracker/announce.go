package tracker

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/bitswarm/engine/core"
	"github.com/bitswarm/engine/swarm"
)

// Event names the lifecycle transition an announce reports, per spec §4.8's
// "started/periodic/completed/stopped" sequence.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// Request is the torrent state an announce reports to a tracker.
type Request struct {
	InfoHash   core.InfoHash
	PeerID     core.PeerID
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
}

// Response is a parsed tracker announce reply.
type Response struct {
	Interval      int // seconds until the next re-announce
	MinInterval   int // 0 if the tracker did not specify one
	Leechers      int
	Seeders       int
	Peers         []swarm.PeerAddr
}

// parseCompactPeers decodes a compact peer list where each entry is
// ipLen bytes of network-order IP followed by a 2-byte port: ipLen=4 for
// the IPv4 "peers" field, ipLen=16 for the IPv6 "peers6" field (BEP 3/7).
// The two forms are never mixed in a single blob — a tracker reports them
// under distinct response keys — so, unlike a length-based guess, the
// caller always knows which it's decoding.
func parseCompactPeers(b []byte, ipLen int) ([]swarm.PeerAddr, error) {
	return ParseCompactPeers(b, ipLen, swarm.OriginTracker)
}

// ParseCompactPeers is parseCompactPeers with a caller-supplied Origin, so
// other compact-peer-list consumers (ut_pex's "added" field carries the same
// ipLen=4 layout as BEP 3's "peers") don't duplicate this decode.
func ParseCompactPeers(b []byte, ipLen int, origin swarm.Origin) ([]swarm.PeerAddr, error) {
	entryLen := ipLen + 2
	if len(b)%entryLen != 0 {
		return nil, fmt.Errorf("%w: length %d not a multiple of %d", ErrMalformedPeerList, len(b), entryLen)
	}
	n := len(b) / entryLen
	out := make([]swarm.PeerAddr, 0, n)
	for i := 0; i < n; i++ {
		entry := b[i*entryLen : (i+1)*entryLen]
		ip := net.IP(entry[:ipLen])
		port := int(binary.BigEndian.Uint16(entry[ipLen:]))
		out = append(out, swarm.PeerAddr{Host: ip.String(), Port: port, Origin: origin})
	}
	return out, nil
}
