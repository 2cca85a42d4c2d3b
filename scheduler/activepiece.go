package scheduler

import (
	"github.com/bitswarm/engine/core"
)

// activePiece is a piece's working set while it has at least one
// outstanding or received block: which blocks are requested (and from
// which peers — more than one in endgame), which have arrived, per spec
// §3's ActivePiece. Byte assembly itself is delegated to storage.Storage,
// which already owns the authoritative piece buffer and SHA-1 gate;
// activePiece only tracks request bookkeeping needed for pipelining,
// dedup, and endgame CANCEL/blame.
type activePiece struct {
	index         int
	defs          []core.Block
	owners        []map[core.PeerID]bool
	received      []bool
	receivedCount int

	// contributors accumulates every peer that has ever supplied a block
	// for this piece's current attempt, so a hash mismatch can distribute
	// fault across all of them (spec §4.6: "the scheduler should keep
	// per-block source attribution to assign blame").
	contributors map[core.PeerID]bool
}

func newActivePiece(index int, pieceLen int64) *activePiece {
	defs := core.BlocksInPiece(pieceLen)
	ap := &activePiece{
		index:        index,
		defs:         defs,
		owners:       make([]map[core.PeerID]bool, len(defs)),
		received:     make([]bool, len(defs)),
		contributors: make(map[core.PeerID]bool),
	}
	for i := range ap.owners {
		ap.owners[i] = make(map[core.PeerID]bool)
	}
	return ap
}

func (ap *activePiece) blockIndex(begin int64) (int, bool) {
	for i, d := range ap.defs {
		if d.Begin == begin {
			return i, true
		}
	}
	return 0, false
}

func (ap *activePiece) complete() bool {
	return ap.receivedCount == len(ap.defs)
}

// nextBlockFor returns the index of a block the given peer has neither
// requested nor received, preferring blocks nobody has requested yet;
// when allowEndgame is true it falls back to blocks already requested
// from other peers (but never re-requests from the same peer twice).
func (ap *activePiece) nextBlockFor(peerID core.PeerID, allowEndgame bool) (int, bool) {
	for i, owners := range ap.owners {
		if ap.received[i] || owners[peerID] {
			continue
		}
		if len(owners) == 0 {
			return i, true
		}
	}
	if !allowEndgame {
		return 0, false
	}
	for i, owners := range ap.owners {
		if ap.received[i] || owners[peerID] {
			continue
		}
		return i, true
	}
	return 0, false
}

func (ap *activePiece) markRequested(blockIdx int, peerID core.PeerID) {
	ap.owners[blockIdx][peerID] = true
}

// markReceived marks blockIdx as received from peerID, returning the set
// of other peers who also held an outstanding request for it (to be sent
// CANCEL, per spec §4.6's endgame "first arrival wins").
func (ap *activePiece) markReceived(blockIdx int, peerID core.PeerID) []core.PeerID {
	var others []core.PeerID
	for owner := range ap.owners[blockIdx] {
		if owner != peerID {
			others = append(others, owner)
		}
	}
	ap.contributors[peerID] = true
	ap.received[blockIdx] = true
	ap.receivedCount++
	ap.owners[blockIdx] = make(map[core.PeerID]bool)
	return others
}

// reset clears all request/received state after a hash-mismatch so the
// piece's blocks are offered for re-request from scratch, and returns the
// set of peers that contributed a block to the failed attempt.
func (ap *activePiece) reset() []core.PeerID {
	blamed := make([]core.PeerID, 0, len(ap.contributors))
	for p := range ap.contributors {
		blamed = append(blamed, p)
	}
	for i := range ap.owners {
		ap.owners[i] = make(map[core.PeerID]bool)
		ap.received[i] = false
	}
	ap.receivedCount = 0
	ap.contributors = make(map[core.PeerID]bool)
	return blamed
}

// removePeer drops peerID from every block's owner set, releasing its
// reservations back to the scheduler (spec §3: "Destroys cascade: pending
// downloads re-offered to scheduler").
func (ap *activePiece) removePeer(peerID core.PeerID) {
	for _, owners := range ap.owners {
		delete(owners, peerID)
	}
}

func (ap *activePiece) remainingBlocks() int {
	return len(ap.defs) - ap.receivedCount
}
