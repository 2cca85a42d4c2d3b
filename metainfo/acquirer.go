// Package metainfo implements the ut_metadata (BEP 9) bootstrap exchange: a
// torrent added from a magnet URI has no info dictionary until its swarm
// supplies one. The acquirer runs the scheduler's request/response dance
// over a virtual space of fixed-size metadata pieces rather than content
// blocks. No teacher file grounds this directly — kraken torrents are
// always created with metadata already known, so it never bootstraps from
// a magnet link — but the request/timeout/rotate bookkeeping mirrors
// scheduler.activePiece's ownership tracking, narrowed to whole pieces
// (BEP 9 has no sub-piece pipelining) with no endgame mode (metadata is a
// few pieces at most; duplicate requests would just waste bandwidth for no
// latency benefit).
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/bitswarm/engine/core"
	"github.com/bitswarm/engine/extension"
)

// Peer is the subset of a peer connection's ut_metadata capability the
// acquirer needs.
type Peer interface {
	PeerID() core.PeerID
	SendMetadataRequest(pieceIdx int) error
}

// Events reports acquirer outcomes to the owning torrent controller.
type Events interface {
	// MetadataReady fires once the assembled info dictionary verifies
	// against the torrent's InfoHash; infoBytes is the raw bencoded info
	// dictionary, suitable for SessionStore persistence per spec §6.
	MetadataReady(info *core.MetaInfo, infoBytes []byte)
	// MetadataFault fires on hash mismatch; contributors lists every peer
	// that supplied at least one piece of the discarded attempt (spec
	// §4.7 step 3: "ban contributors, restart from zero").
	MetadataFault(contributors []core.PeerID)
}

type pendingReq struct {
	peerID core.PeerID
	sentAt time.Time
}

// Acquirer drives one torrent's metadata bootstrap.
type Acquirer struct {
	mu     sync.Mutex
	infoHash core.InfoHash
	cfg    Config
	clk    clock.Clock
	events Events
	logger *zap.SugaredLogger

	totalSize int64
	numPieces int
	buf       []byte
	have      []bool
	remaining int

	pending      map[int]pendingReq
	contributors map[int]core.PeerID

	peers   map[core.PeerID]Peer
	rrOrder []core.PeerID
	rrIdx   int

	done bool
}

// New creates an Acquirer for infoHash. totalSize/numPieces are established
// lazily from the first peer that advertises a non-zero metadata_size.
func New(infoHash core.InfoHash, cfg Config, clk clock.Clock, events Events, logger *zap.SugaredLogger) *Acquirer {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Acquirer{
		infoHash:     infoHash,
		cfg:          cfg.applyDefaults(),
		clk:          clk,
		events:       events,
		logger:       logger,
		pending:      make(map[int]pendingReq),
		contributors: make(map[int]core.PeerID),
		peers:        make(map[core.PeerID]Peer),
		rrIdx:        -1,
	}
}

// Done reports whether metadata has already been acquired and verified.
func (a *Acquirer) Done() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// AddPeer registers a peer willing to serve ut_metadata, establishing the
// total size from the first peer to announce one and rejecting peers that
// disagree (spec §4.7 step 1: "conflicting sizes ignore the peer").
func (a *Acquirer) AddPeer(p Peer, metadataSize int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if metadataSize <= 0 {
		return nil // peer advertised ut_metadata but no usable size yet
	}
	if a.totalSize == 0 {
		a.totalSize = metadataSize
		a.numPieces = numMetadataPieces(metadataSize)
		a.buf = make([]byte, metadataSize)
		a.have = make([]bool, a.numPieces)
		a.remaining = a.numPieces
	} else if metadataSize != a.totalSize {
		return fmt.Errorf("%w: peer %s reports %d, expected %d", ErrSizeMismatch, p.PeerID(), metadataSize, a.totalSize)
	}
	if _, ok := a.peers[p.PeerID()]; !ok {
		a.rrOrder = append(a.rrOrder, p.PeerID())
	}
	a.peers[p.PeerID()] = p
	return nil
}

// RemovePeer unregisters a peer, releasing any piece it held pending back
// to the round-robin pool.
func (a *Acquirer) RemovePeer(peerID core.PeerID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.peers, peerID)
	for i, id := range a.rrOrder {
		if id == peerID {
			a.rrOrder = append(a.rrOrder[:i], a.rrOrder[i+1:]...)
			break
		}
	}
	for piece, pr := range a.pending {
		if pr.peerID == peerID {
			delete(a.pending, piece)
		}
	}
}

// RequestMore issues requests for every unmade (not received, not
// pending) piece, round-robining across registered peers, per spec §4.7
// step 2. Safe to call repeatedly; a no-op once metadata is complete or
// no size has been established yet.
func (a *Acquirer) RequestMore() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done || a.numPieces == 0 || len(a.rrOrder) == 0 {
		return
	}
	for i := 0; i < a.numPieces; i++ {
		if a.have[i] {
			continue
		}
		if _, inFlight := a.pending[i]; inFlight {
			continue
		}
		peerID, ok := a.nextPeerLocked()
		if !ok {
			return
		}
		p := a.peers[peerID]
		if err := p.SendMetadataRequest(i); err != nil {
			a.logger.Debugw("metadata request failed", "piece", i, "peer", peerID, "err", err)
			continue
		}
		a.pending[i] = pendingReq{peerID: peerID, sentAt: a.clk.Now()}
	}
}

func (a *Acquirer) nextPeerLocked() (core.PeerID, bool) {
	if len(a.rrOrder) == 0 {
		return core.PeerID{}, false
	}
	a.rrIdx = (a.rrIdx + 1) % len(a.rrOrder)
	return a.rrOrder[a.rrIdx], true
}

// Tick releases any request that has outstayed cfg.RequestTimeout so
// RequestMore rotates it to a different peer on the next call (spec §4.7
// step 2: "rejected or timed-out pieces rotate to another peer").
func (a *Acquirer) Tick() {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clk.Now()
	for piece, pr := range a.pending {
		if now.Sub(pr.sentAt) >= a.cfg.RequestTimeout {
			delete(a.pending, piece)
		}
	}
}

// OnReject handles an explicit ut_metadata reject message, immediately
// freeing the piece for reassignment rather than waiting out the timeout.
func (a *Acquirer) OnReject(peerID core.PeerID, pieceIdx int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if pr, ok := a.pending[pieceIdx]; ok && pr.peerID == peerID {
		delete(a.pending, pieceIdx)
	}
}

// OnData records a received metadata piece. When every piece has arrived
// it verifies the assembled dictionary's SHA-1 against InfoHash: on match
// it parses the info dictionary and calls Events.MetadataReady; on
// mismatch it discards everything and calls Events.MetadataFault with the
// distinct set of contributing peers, then restarts from zero (spec §4.7
// step 3).
func (a *Acquirer) OnData(peerID core.PeerID, pieceIdx int, data []byte) error {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return ErrAlreadyComplete
	}
	if pieceIdx < 0 || pieceIdx >= a.numPieces {
		a.mu.Unlock()
		return fmt.Errorf("metainfo: piece index %d out of range [0,%d)", pieceIdx, a.numPieces)
	}
	delete(a.pending, pieceIdx)
	if a.have[pieceIdx] {
		a.mu.Unlock()
		return nil // duplicate arrival, e.g. a second peer answered the same rotated request
	}

	offset := int64(pieceIdx) * extension.MetadataPieceSize
	if offset+int64(len(data)) > a.totalSize {
		a.mu.Unlock()
		return fmt.Errorf("metainfo: piece %d overruns total size", pieceIdx)
	}
	copy(a.buf[offset:], data)
	a.have[pieceIdx] = true
	a.contributors[pieceIdx] = peerID
	a.remaining--

	if a.remaining > 0 {
		a.mu.Unlock()
		return nil
	}

	sum := sha1.Sum(a.buf)
	if core.InfoHash(sum) != a.infoHash {
		blamed := a.distinctContributorsLocked()
		a.resetLocked()
		a.mu.Unlock()
		if a.events != nil {
			a.events.MetadataFault(blamed)
		}
		return ErrHashMismatch
	}

	infoBytes := append([]byte{}, a.buf...)
	a.done = true
	a.mu.Unlock()

	info, err := core.ParseInfoDict(infoBytes)
	if err != nil {
		return fmt.Errorf("metainfo: parse info dict: %w", err)
	}
	if a.events != nil {
		a.events.MetadataReady(info, infoBytes)
	}
	return nil
}

func (a *Acquirer) distinctContributorsLocked() []core.PeerID {
	seen := make(map[core.PeerID]bool)
	var out []core.PeerID
	for _, id := range a.contributors {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (a *Acquirer) resetLocked() {
	for i := range a.have {
		a.have[i] = false
	}
	for i := range a.buf {
		a.buf[i] = 0
	}
	a.remaining = a.numPieces
	a.pending = make(map[int]pendingReq)
	a.contributors = make(map[int]core.PeerID)
}

func numMetadataPieces(totalSize int64) int {
	n := totalSize / extension.MetadataPieceSize
	if totalSize%extension.MetadataPieceSize != 0 {
		n++
	}
	return int(n)
}
