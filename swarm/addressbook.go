package swarm

import (
	"sort"
	"time"
)

// knownEntry is one address in the swarm's candidate pool: the address
// itself plus a score (incremented on successful connects, decremented on
// faults) and the time of the last dial attempt, per spec §3's "Swarm"
// data model ("map addr_key -> peer entry" with score and last-attempt
// time).
type knownEntry struct {
	addr        PeerAddr
	score       int
	lastAttempt time.Time
}

// addressBook is the known-addresses candidate pool.
type addressBook struct {
	entries map[string]*knownEntry
}

func newAddressBook() *addressBook {
	return &addressBook{entries: make(map[string]*knownEntry)}
}

// add inserts addr if unseen; a duplicate key keeps its existing score and
// only updates Origin the first time, per spec's dedup-by-host:port.
func (b *addressBook) add(addr PeerAddr) {
	if _, ok := b.entries[addr.Key()]; ok {
		return
	}
	b.entries[addr.Key()] = &knownEntry{addr: addr}
}

func (b *addressBook) recordAttempt(key string, now time.Time) {
	if e, ok := b.entries[key]; ok {
		e.lastAttempt = now
	}
}

func (b *addressBook) recordSuccess(key string) {
	if e, ok := b.entries[key]; ok {
		e.score++
	}
}

func (b *addressBook) recordFault(key string) {
	if e, ok := b.entries[key]; ok {
		e.score--
	}
}

// candidates returns known addresses not present in exclude, ordered by
// spec §4.9's admission priority: origin (trackers first, since they are
// first-party), then score descending, then age (oldest last-attempt
// first, so everyone eventually gets retried).
func (b *addressBook) candidates(exclude map[string]bool, now time.Time) []PeerAddr {
	var out []*knownEntry
	for key, e := range b.entries {
		if exclude[key] {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		oi, oj := originPriority(out[i].addr.Origin), originPriority(out[j].addr.Origin)
		if oi != oj {
			return oi < oj
		}
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].lastAttempt.Before(out[j].lastAttempt)
	})
	addrs := make([]PeerAddr, len(out))
	for i, e := range out {
		addrs[i] = e.addr
	}
	return addrs
}

// originPriority ranks origins for dial ordering: first-party discovery
// (tracker, magnet hints) ahead of gossip (PEX, LPD).
func originPriority(o Origin) int {
	switch o {
	case OriginTracker:
		return 0
	case OriginMagnetHint:
		return 1
	case OriginLPD:
		return 2
	case OriginPEX:
		return 3
	default:
		return 4
	}
}

func (b *addressBook) len() int {
	return len(b.entries)
}
