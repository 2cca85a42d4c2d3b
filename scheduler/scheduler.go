// Package scheduler implements piece/block request allocation: rarest-first
// candidate ordering, per-peer pipelining, bandwidth-gated REQUEST
// emission, and endgame duplicate-request handling with first-arrival-wins
// CANCEL. Grounded directly on the teacher's
// lib/torrent/scheduler/dispatch/piecerequest.Manager (Request/Status
// bookkeeping, quota, expiry, rarest-first candidate ordering), generalized
// from the teacher's whole-piece granularity to this spec's block-level
// pipelining and given an endgame mode the teacher's manager has no need
// for (kraken's swarm members already hold full content, so there is no
// rare-tail-piece problem).
package scheduler

import (
	"sort"
	"sync"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/bitswarm/engine/bandwidth"
	"github.com/bitswarm/engine/bitfield"
	"github.com/bitswarm/engine/core"
	"github.com/bitswarm/engine/storage"
)

// Peer is the subset of peerconn.PeerConn the scheduler needs to allocate
// and cancel block requests. Declared narrowly here (rather than imported
// directly) so unit tests can supply lightweight fakes.
type Peer interface {
	PeerID() core.PeerID
	RemoteBitfield() *bitfield.Bitfield
	PeerChoking() bool
	PendingRequestCount() int
	RequestBlock(piece, begin, length int) error
	CancelRequest(piece, begin, length int) error
}

// Events reports scheduler-level occurrences to the owning torrent
// controller: piece completion/failure and per-peer fault attribution.
// Weak by design (spec §9's "Peer connection lifetime relative to swarm" —
// the scheduler never stores a strong Peer reference outside of Schedule's
// call stack and AddPeer/RemovePeer).
type Events interface {
	PieceVerified(index int)
	PieceFault(index int, contributors []core.PeerID)
	DuplicateBlock(peerID core.PeerID)
}

// Scheduler allocates piece/block requests across a torrent's connected
// peers per spec §4.6.
type Scheduler struct {
	mu sync.Mutex

	manifest core.Manifest
	own      *bitfield.Bitfield
	storage  *storage.Storage
	limiter  *bandwidth.Limiter
	events   Events
	cfg      Config
	logger   *zap.SugaredLogger
	stats    tally.Scope

	peers   map[core.PeerID]Peer
	active  map[int]*activePiece
	endgame bool
}

// New creates a Scheduler for a torrent whose metadata (and therefore
// manifest/storage) is already known. stats is tagged "module": "scheduler"
// and counts piece outcomes, mirroring the teacher's
// newScheduler(..., stats tally.Scope, ...) convention.
func New(
	manifest core.Manifest,
	own *bitfield.Bitfield,
	store *storage.Storage,
	limiter *bandwidth.Limiter,
	cfg Config,
	events Events,
	logger *zap.SugaredLogger,
	stats tally.Scope,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if stats == nil {
		stats = tally.NoopScope
	}
	return &Scheduler{
		manifest: manifest,
		own:      own,
		storage:  store,
		limiter:  limiter,
		events:   events,
		cfg:      cfg.applyDefaults(),
		logger:   logger,
		stats:    stats.Tagged(map[string]string{"module": "scheduler"}),
		peers:    make(map[core.PeerID]Peer),
		active:   make(map[int]*activePiece),
	}
}

// AddPeer registers a peer as eligible for scheduling.
func (s *Scheduler) AddPeer(p Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.PeerID()] = p
}

// RemovePeer unregisters a peer and releases any blocks it held back to
// the scheduler, per spec §3's connection-destroy cascade.
func (s *Scheduler) RemovePeer(peerID core.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peerID)
	for _, ap := range s.active {
		ap.removePeer(peerID)
	}
}

// ReleaseBlock releases a single outstanding reservation held by peerID
// (piece, begin), used when a REQUEST times out (spec §4.5: "returns the
// block to the scheduler") without discarding the peer's other
// reservations the way RemovePeer does.
func (s *Scheduler) ReleaseBlock(peerID core.PeerID, piece int, begin int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ap, ok := s.active[piece]
	if !ok {
		return
	}
	if bi, ok := ap.blockIndex(begin); ok {
		delete(ap.owners[bi], peerID)
	}
}

// InEndgame reports whether the scheduler is currently in endgame mode.
func (s *Scheduler) InEndgame() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endgame
}

// candidatePieces returns piece indices we do not yet have, along with
// each candidate's availability (number of registered peers with the bit
// set), per spec §4.6 step 1-2.
func (s *Scheduler) candidatePieces() ([]int, map[int]int) {
	avail := make(map[int]int)
	var candidates []int
	for i := 0; i < s.manifest.NumPieces(); i++ {
		if s.own.Get(i) {
			continue
		}
		candidates = append(candidates, i)
		count := 0
		for _, p := range s.peers {
			rb := p.RemoteBitfield()
			if rb != nil && i < rb.Len() && rb.Get(i) {
				count++
			}
		}
		avail[i] = count
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if avail[a] != avail[b] {
			return avail[a] < avail[b]
		}
		return a < b // stable tie-break by piece index, spec §4.6 step 2
	})
	return candidates, avail
}

// remainingBlocks is the count of blocks across all candidate pieces
// (active or not yet started) that have not been received.
func (s *Scheduler) remainingBlocks(candidates []int) int {
	total := 0
	for _, i := range candidates {
		if ap, ok := s.active[i]; ok {
			total += ap.remainingBlocks()
			continue
		}
		total += len(core.BlocksInPiece(s.manifest.PieceLen(i)))
	}
	return total
}

// aggregateCapacity sums the unused pipeline slots across unchoked peers,
// realizing the endgame cutoff this spec's §9 open question decides:
// "remaining-blocks <= aggregate pipelining capacity".
func (s *Scheduler) aggregateCapacity() int {
	total := 0
	for _, p := range s.peers {
		if p.PeerChoking() {
			continue
		}
		free := s.cfg.PipelineDepth - p.PendingRequestCount()
		if free > 0 {
			total += free
		}
	}
	return total
}

// Schedule runs one allocation round: for every unchoked, non-full peer,
// issue REQUESTs for the rarest piece it can supply until its pipeline is
// full, gated by the download token bucket. Safe to call repeatedly on a
// timer; it is a no-op once every piece is owned.
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.own.Complete() {
		return
	}

	candidates, avail := s.candidatePieces()
	s.endgame = s.remainingBlocks(candidates)+s.cfg.EndgameSlack <= s.aggregateCapacity()
	if s.endgame {
		s.stats.Gauge("endgame").Update(1)
	} else {
		s.stats.Gauge("endgame").Update(0)
	}

	for _, p := range s.peers {
		if p.PeerChoking() {
			continue
		}
		for p.PendingRequestCount() < s.cfg.PipelineDepth {
			piece, blockIdx, ok := s.reserveBlockFor(p, candidates, avail)
			if !ok {
				break
			}
			def := s.active[piece].defs[blockIdx]
			if !s.limiter.TryConsume(bandwidth.Download, int(def.Length)) {
				// Release the reservation; try this peer again next round.
				delete(s.active[piece].owners[blockIdx], p.PeerID())
				break
			}
			if err := p.RequestBlock(piece, int(def.Begin), int(def.Length)); err != nil {
				delete(s.active[piece].owners[blockIdx], p.PeerID())
				break
			}
		}
	}
}

// reserveBlockFor finds (creating an activePiece if necessary) the next
// block to request from p: first among pieces already active that p can
// supply, then the rarest untouched candidate p can supply.
func (s *Scheduler) reserveBlockFor(p Peer, candidates []int, avail map[int]int) (piece, blockIdx int, ok bool) {
	rb := p.RemoteBitfield()
	if rb == nil {
		return 0, 0, false
	}
	has := func(i int) bool { return i < rb.Len() && rb.Get(i) }

	// Prefer pieces already in flight, rarest first, to minimize the
	// number of pieces open at once.
	var activeOrdered []int
	for i := range s.active {
		activeOrdered = append(activeOrdered, i)
	}
	sort.Slice(activeOrdered, func(i, j int) bool {
		a, b := activeOrdered[i], activeOrdered[j]
		if avail[a] != avail[b] {
			return avail[a] < avail[b]
		}
		return a < b
	})
	for _, i := range activeOrdered {
		if !has(i) {
			continue
		}
		if bi, ok := s.active[i].nextBlockFor(p.PeerID(), s.endgame); ok {
			s.active[i].markRequested(bi, p.PeerID())
			return i, bi, true
		}
	}

	for _, i := range candidates {
		if _, already := s.active[i]; already {
			continue
		}
		if !has(i) {
			continue
		}
		ap := newActivePiece(i, s.manifest.PieceLen(i))
		s.active[i] = ap
		bi, ok := ap.nextBlockFor(p.PeerID(), s.endgame)
		if !ok {
			continue
		}
		ap.markRequested(bi, p.PeerID())
		return i, bi, true
	}
	return 0, 0, false
}

// OnBlockReceived records an arrived block, cancels it from any other
// peers that also held it outstanding (endgame), and commits the piece to
// storage once every block has arrived. committed reports whether this
// call caused the piece to verify and commit; the caller (torrentctl) is
// responsible for broadcasting HAVE and persisting on success.
func (s *Scheduler) OnBlockReceived(peerID core.PeerID, piece int, begin int64, data []byte) (committed bool, err error) {
	s.mu.Lock()
	ap, ok := s.active[piece]
	if !ok {
		s.mu.Unlock()
		if s.events != nil {
			s.events.DuplicateBlock(peerID)
		}
		return false, nil
	}
	blockIdx, ok := ap.blockIndex(begin)
	if !ok || ap.received[blockIdx] {
		s.mu.Unlock()
		s.stats.Counter("duplicate_blocks").Inc(1)
		if s.events != nil {
			s.events.DuplicateBlock(peerID)
		}
		return false, nil
	}
	others := ap.markReceived(blockIdx, peerID)
	complete := ap.complete()
	s.mu.Unlock()

	for _, owner := range others {
		if op, ok := s.peerSnapshot(owner); ok {
			_ = op.CancelRequest(piece, int(ap.defs[blockIdx].Begin), int(ap.defs[blockIdx].Length))
		}
	}
	if len(others) > 0 {
		s.stats.Counter("endgame_cancels").Inc(int64(len(others)))
	}

	committed, err = s.storage.WriteBlock(piece, begin, data)
	if err != nil {
		s.mu.Lock()
		blamed := ap.reset()
		s.mu.Unlock()
		s.stats.Counter("piece_faults").Inc(1)
		if s.events != nil {
			s.events.PieceFault(piece, blamed)
		}
		return false, err
	}
	if committed {
		s.mu.Lock()
		delete(s.active, piece)
		s.mu.Unlock()
		s.stats.Counter("pieces_verified").Inc(1)
		if s.events != nil {
			s.events.PieceVerified(piece)
		}
	} else if complete {
		// Shouldn't happen: storage disagrees that every block arrived.
		// Leave the activePiece in place; the next Schedule round will
		// re-derive missing blocks from storage's own bitfield check
		// performed by the caller.
		s.logger.Warnw("piece blocks complete but storage did not commit", "piece", piece)
	}
	return committed, nil
}

func (s *Scheduler) peerSnapshot(id core.PeerID) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	return p, ok
}
