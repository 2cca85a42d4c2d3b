package torrentctl

import (
	"sync"

	"github.com/bitswarm/engine/core"
)

// EventKind names one of the six occurrences spec §4.11 pushes to
// subscribers: metadata, piece, complete, error, peer-added, peer-removed.
type EventKind int

const (
	EventMetadata EventKind = iota
	EventPiece
	EventComplete
	EventError
	EventPeerAdded
	EventPeerRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventMetadata:
		return "metadata"
	case EventPiece:
		return "piece"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	case EventPeerAdded:
		return "peer-added"
	case EventPeerRemoved:
		return "peer-removed"
	default:
		return "unknown"
	}
}

// Event is one occurrence pushed to subscribers. Which fields are
// meaningful depends on Kind.
type Event struct {
	Kind     EventKind
	InfoHash core.InfoHash
	Piece    int
	PeerID   core.PeerID
	Err      error
}

// Subscriber receives pushed events; it must not block or re-enter the
// owning Torrent's public API synchronously (events are delivered on the
// goroutine that emitted them, which may be Tick, peer onboarding or a
// peer's message handling, not on a separate goroutine per subscriber).
type Subscriber func(Event)

// dispatcher fans events out to subscribers, queued and drained
// non-reentrantly: a call to emit() during an in-progress drain appends to
// the queue rather than recursing. The first emit on an idle dispatcher
// drains the queue before it returns; there is no end-of-tick drain.
// Grounded on the
// teacher's lib/torrent/networkevent.Producer shape, generalized from a
// fire-and-forget log sink into a subscriber list with queued delivery.
type dispatcher struct {
	mu       sync.Mutex
	subs     []Subscriber
	queue    []Event
	draining bool
	capacity int
}

func newDispatcher(capacity int) *dispatcher {
	return &dispatcher{capacity: capacity}
}

// Subscribe registers fn to receive all future events.
func (d *dispatcher) Subscribe(fn Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, fn)
}

// emit enqueues e. If no drain is currently in progress (on any
// goroutine), it drains immediately; otherwise the in-progress drain will
// pick it up. That covers subscriber callbacks, which run synchronously
// inside drain's loop and may themselves call emit.
func (d *dispatcher) emit(e Event) {
	d.mu.Lock()
	if len(d.queue) >= d.capacity {
		// Drop the oldest rather than block the caller or grow unbounded;
		// subscribers needing every event should keep up with the tick
		// rate themselves.
		d.queue = d.queue[1:]
	}
	d.queue = append(d.queue, e)
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	d.mu.Unlock()
	d.drain()
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.draining = false
			d.mu.Unlock()
			return
		}
		e := d.queue[0]
		d.queue = d.queue[1:]
		subs := make([]Subscriber, len(d.subs))
		copy(subs, d.subs)
		d.mu.Unlock()

		for _, sub := range subs {
			sub(e)
		}
	}
}
