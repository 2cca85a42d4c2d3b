// Package peerconn implements the per-peer BitTorrent protocol state
// machine: handshake sequencing, the choke/interest matrix, request
// pipelining with timeout-driven fault scoring, and keepalive. Grounded on
// the teacher's lib/torrent/scheduler/conn.Conn for its sender/receiver
// channel pump, clock.Clock-driven timers, atomic.Bool closed-state, and
// zap contextual logging (the `c.log()` pattern). The state machine itself
// is new relative to the teacher — kraken's Conn has no handshake-phase
// states or choking, since every peer in a kraken swarm is both seed and
// leech of the same content-addressed blob and is never choked — whereas
// spec §4.5 requires the full
// Dialing->HandshakeSent->HandshakeReceived->BitfieldSync->Running->Closing
// machine with real choke/interest bookkeeping.
package peerconn

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/bitswarm/engine/bitfield"
	"github.com/bitswarm/engine/core"
	"github.com/bitswarm/engine/wire"
)

// Events notifies the owner (swarm/scheduler) of connection-level
// occurrences that require bookkeeping outside of PeerConn itself.
type Events interface {
	ConnClosed(c *PeerConn)
	RequestTimedOut(c *PeerConn, piece, begin, length int)
	PeerSnoozed(c *PeerConn)
}

// blockKey identifies one outstanding block request.
type blockKey struct {
	Piece int
	Begin int
}

type pendingRequest struct {
	length int
	sentAt time.Time
}

// PeerConn manages one peer-wire connection for a single torrent.
type PeerConn struct {
	// connID uniquely identifies this connection instance, independent of
	// peerID. A remote peer id is not a reliable map key on its own during
	// a simultaneous-connect race (spec §4.9's "accepting side wins"):
	// the losing dial and the winning accept briefly coexist as two
	// *PeerConn values for the same peerID, and swarm needs to tell them
	// apart when unwinding the loser without disturbing the winner.
	connID         uuid.UUID
	peerID         core.PeerID
	localPeerID    core.PeerID
	infoHash       core.InfoHash
	createdAt      time.Time
	connectLatency time.Duration
	openedByRemote bool

	nc                      net.Conn
	cfg                     Config
	clk                     clock.Clock
	events                  Events
	logger                  *zap.SugaredLogger
	remoteSupportsExtension bool

	state   State
	stateMu sync.Mutex

	amChoking      *atomic.Bool
	amInterested   *atomic.Bool
	peerChoking    *atomic.Bool
	peerInterested *atomic.Bool

	remoteBitfield *bitfield.Bitfield

	sender   chan *wire.Message
	receiver chan *wire.Message
	pending  *wire.Message // stashed first non-bitfield message seen during BitfieldSync

	mu              sync.Mutex
	pendingRequests map[blockKey]pendingRequest
	uploading       map[blockKey]struct{}
	requestTimeouts int
	lastSendAt      time.Time
	lastRecvAt      time.Time

	startOnce sync.Once
	closed    *atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
}

func newConn(
	cfg Config,
	clk clock.Clock,
	localPeerID, remotePeerID core.PeerID,
	infoHash core.InfoHash,
	nc net.Conn,
	remoteSupportsExtension bool,
	openedByRemote bool,
	connectLatency time.Duration,
	events Events,
) *PeerConn {
	now := clk.Now()
	c := &PeerConn{
		connID:                  uuid.New(),
		peerID:                  remotePeerID,
		localPeerID:             localPeerID,
		infoHash:                infoHash,
		createdAt:               now,
		connectLatency:          connectLatency,
		openedByRemote:          openedByRemote,
		nc:                      nc,
		cfg:                     cfg,
		clk:                     clk,
		events:                  events,
		logger:                  zap.NewNop().Sugar(),
		remoteSupportsExtension: remoteSupportsExtension,
		state:                   HandshakeReceived,
		amChoking:       atomic.NewBool(true),
		amInterested:    atomic.NewBool(false),
		peerChoking:     atomic.NewBool(true),
		peerInterested:  atomic.NewBool(false),
		sender:          make(chan *wire.Message, cfg.SenderBufferSize),
		receiver:        make(chan *wire.Message, cfg.ReceiverBufferSize),
		pendingRequests: make(map[blockKey]pendingRequest),
		uploading:       make(map[blockKey]struct{}),
		closed:          atomic.NewBool(false),
		done:            make(chan struct{}),
		lastSendAt:      now,
		lastRecvAt:      now,
	}
	return c
}

// SetLogger attaches a contextual logger, following the teacher's `c.log()`
// pattern of binding peer/hash fields once rather than at every call site.
func (c *PeerConn) SetLogger(logger *zap.SugaredLogger) {
	if logger == nil {
		return
	}
	c.logger = logger.With("remote_peer", c.peerID.String(), "info_hash", c.infoHash.Hex(), "conn_id", c.connID.String())
}

// RemoteAddr returns the underlying socket's remote address, used by the
// swarm for address-book and ban-list bookkeeping keyed by host:port.
func (c *PeerConn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

func (c *PeerConn) PeerID() core.PeerID      { return c.peerID }
func (c *PeerConn) InfoHash() core.InfoHash  { return c.infoHash }
func (c *PeerConn) CreatedAt() time.Time     { return c.createdAt }
func (c *PeerConn) ConnectLatency() time.Duration { return c.connectLatency }
func (c *PeerConn) OpenedByRemote() bool     { return c.openedByRemote }

// ConnID returns this connection instance's unique identifier, stable for
// its lifetime and distinct across reconnects to the same peer.
func (c *PeerConn) ConnID() uuid.UUID { return c.connID }

// RemoteSupportsExtension reports whether the peer's handshake reserved
// bits advertised BEP 10 extension protocol support.
func (c *PeerConn) RemoteSupportsExtension() bool { return c.remoteSupportsExtension }

func (c *PeerConn) String() string {
	return fmt.Sprintf("PeerConn(peer=%s, hash=%s, opened_by_remote=%t)",
		c.peerID, c.infoHash, c.openedByRemote)
}

func (c *PeerConn) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *PeerConn) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// AmChoking, AmInterested, PeerChoking, and PeerInterested expose the
// choke/interest matrix (spec §4.5).
func (c *PeerConn) AmChoking() bool      { return c.amChoking.Load() }
func (c *PeerConn) AmInterested() bool   { return c.amInterested.Load() }
func (c *PeerConn) PeerChoking() bool    { return c.peerChoking.Load() }
func (c *PeerConn) PeerInterested() bool { return c.peerInterested.Load() }

// RemoteBitfield returns a snapshot of the peer's known piece set.
func (c *PeerConn) RemoteBitfield() *bitfield.Bitfield {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteBitfield == nil {
		return nil
	}
	return c.remoteBitfield.Clone()
}

func (c *PeerConn) applyHave(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteBitfield != nil && index >= 0 && index < c.remoteBitfield.Len() {
		c.remoteBitfield.Set(index)
	}
}

func (c *PeerConn) applyDontHave(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteBitfield != nil && index >= 0 && index < c.remoteBitfield.Len() {
		c.remoteBitfield.Clear(index)
	}
}

// ApplyDontHave clears index from the peer's advertised bitfield. lt_donthave
// rides over the EXTENSION message rather than a dedicated wire.MessageID, so
// unlike HAVE it is never applied by dispatch(); callers decoding the
// extension payload apply it explicitly.
func (c *PeerConn) ApplyDontHave(index int) {
	c.applyDontHave(index)
}

// SetAmChoking transmits CHOKE/UNCHOKE if the local choke state changes.
func (c *PeerConn) SetAmChoking(choking bool) error {
	if c.amChoking.Swap(choking) == choking {
		return nil
	}
	if choking {
		return c.Send(wire.NewChoke())
	}
	return c.Send(wire.NewUnchoke())
}

// SetAmInterested transmits INTERESTED/NOT_INTERESTED, deduplicated so the
// same kind is never sent twice in a row (spec §4.5).
func (c *PeerConn) SetAmInterested(interested bool) error {
	if c.amInterested.Swap(interested) == interested {
		return nil
	}
	if interested {
		return c.Send(wire.NewInterested())
	}
	return c.Send(wire.NewNotInterested())
}

// PendingRequestCount returns the number of in-flight REQUESTs, used to
// enforce spec §4.5's pipeline_depth cap.
func (c *PeerConn) PendingRequestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingRequests)
}

// RequestBlock sends a REQUEST for the given block, provided the peer
// isn't choking us and the pipeline isn't already full.
func (c *PeerConn) RequestBlock(piece, begin, length int) error {
	if c.peerChoking.Load() {
		return errors.New("peerconn: cannot request while peer is choking")
	}
	c.mu.Lock()
	if len(c.pendingRequests) >= c.cfg.PipelineDepth {
		c.mu.Unlock()
		return errors.New("peerconn: pipeline full")
	}
	key := blockKey{Piece: piece, Begin: begin}
	c.pendingRequests[key] = pendingRequest{length: length, sentAt: c.clk.Now()}
	c.mu.Unlock()

	if err := c.Send(wire.NewRequest(piece, begin, length)); err != nil {
		c.mu.Lock()
		delete(c.pendingRequests, key)
		c.mu.Unlock()
		return err
	}
	return nil
}

// CancelRequest sends a CANCEL and removes the block's pending-request
// bookkeeping.
func (c *PeerConn) CancelRequest(piece, begin, length int) error {
	c.mu.Lock()
	delete(c.pendingRequests, blockKey{Piece: piece, Begin: begin})
	c.mu.Unlock()
	return c.Send(wire.NewCancel(piece, begin, length))
}

// onPieceReceived clears the matching pending request, if any, and
// resets the consecutive-timeout counter.
func (c *PeerConn) onPieceReceived(piece, begin int) {
	c.mu.Lock()
	delete(c.pendingRequests, blockKey{Piece: piece, Begin: begin})
	c.requestTimeouts = 0
	c.mu.Unlock()
}

// SendPiece replies to a previously queued upload request.
func (c *PeerConn) SendPiece(piece, begin int, block []byte) error {
	c.mu.Lock()
	delete(c.uploading, blockKey{Piece: piece, Begin: begin})
	c.mu.Unlock()
	return c.Send(wire.NewPiece(piece, begin, block))
}

// QueueUpload records an incoming REQUEST as pending upload work (spec's
// "pending-upload queue"), returning false if it's already queued.
func (c *PeerConn) QueueUpload(piece, begin, length int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := blockKey{Piece: piece, Begin: begin}
	if _, ok := c.uploading[key]; ok {
		return false
	}
	c.uploading[key] = struct{}{}
	return true
}

// Send enqueues msg for the write loop. A nil msg sends a keep-alive.
func (c *PeerConn) Send(msg *wire.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	case c.sender <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Receiver returns the channel of messages received from the peer, once
// Start has been called.
func (c *PeerConn) Receiver() <-chan *wire.Message {
	return c.receiver
}

// Start begins the read/write pumps and transitions the connection to
// Running. Any message stashed by ReceiveBitfieldOrFirstMessage is
// delivered to the receiver channel first.
func (c *PeerConn) Start() {
	c.startOnce.Do(func() {
		c.setState(Running)
		// Handshake-phase deadlines no longer apply; the watchdog loop owns
		// idle management from here.
		_ = c.nc.SetDeadline(time.Time{})
		c.wg.Add(3)
		go c.readLoop()
		go c.writeLoop()
		go c.watchdogLoop()
	})
}

// Close begins the shutdown sequence, safe to call multiple times.
func (c *PeerConn) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	c.setState(Closing)
	go func() {
		close(c.done)
		c.nc.Close()
		c.wg.Wait()
		if c.events != nil {
			c.events.ConnClosed(c)
		}
	}()
}

// IsClosed reports whether Close has been called.
func (c *PeerConn) IsClosed() bool {
	return c.closed.Load()
}

func (c *PeerConn) readLoop() {
	defer func() {
		close(c.receiver)
		c.wg.Done()
		c.Close()
	}()

	if c.pending != nil {
		if err := c.dispatch(c.pending); err != nil {
			c.logger.Infow("protocol error, closing connection", "error", err)
			return
		}
		select {
		case c.receiver <- c.pending:
		case <-c.done:
			return
		}
	}

	for {
		select {
		case <-c.done:
			return
		default:
		}
		msg, err := wire.ReadMessage(c.nc)
		if err != nil {
			c.logger.Infow("read error, closing connection", "error", err)
			return
		}
		c.mu.Lock()
		c.lastRecvAt = c.clk.Now()
		c.mu.Unlock()

		if msg == nil {
			continue // keep-alive
		}
		if err := c.dispatch(msg); err != nil {
			c.logger.Infow("protocol error, closing connection", "error", err)
			return
		}
		select {
		case c.receiver <- msg:
		case <-c.done:
			return
		}
	}
}

// dispatch intercepts choke/interest/have/bitfield/piece messages to
// update local bookkeeping; the message is still forwarded to Receiver()
// so higher layers (scheduler, PEX) observe it too.
func (c *PeerConn) dispatch(msg *wire.Message) error {
	switch msg.ID {
	case wire.Choke:
		c.peerChoking.Store(true)
	case wire.Unchoke:
		c.peerChoking.Store(false)
	case wire.Interested:
		c.peerInterested.Store(true)
	case wire.NotInterested:
		c.peerInterested.Store(false)
	case wire.Have:
		c.applyHave(msg.Index)
	case wire.Bitfield:
		if c.State() != BitfieldSync {
			return ErrUnexpectedBitfield
		}
	case wire.Piece:
		c.onPieceReceived(msg.Index, msg.Begin)
	}
	return nil
}

func (c *PeerConn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sender:
			if err := wire.WriteMessage(c.nc, msg); err != nil {
				c.logger.Infow("write error, closing connection", "error", err)
				c.Close()
				return
			}
			c.mu.Lock()
			c.lastSendAt = c.clk.Now()
			c.mu.Unlock()
		}
	}
}

// watchdogLoop enforces keepalive and request-timeout scoring (spec
// §4.5): idle_send triggers an outgoing keep-alive, idle_recv closes the
// connection, and a stale REQUEST is returned to the scheduler via
// events.RequestTimedOut.
func (c *PeerConn) watchdogLoop() {
	defer c.wg.Done()
	interval := c.cfg.RequestTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	for {
		select {
		case <-c.done:
			return
		case <-c.clk.After(interval):
			c.tick()
		}
	}
}

func (c *PeerConn) tick() {
	now := c.clk.Now()

	type timedOutBlock struct {
		key    blockKey
		length int
	}

	c.mu.Lock()
	idleSend := now.Sub(c.lastSendAt) >= c.cfg.IdleSendTimeout
	idleRecv := now.Sub(c.lastRecvAt) >= c.cfg.IdleRecvTimeout
	var timedOut []timedOutBlock
	for key, req := range c.pendingRequests {
		if now.Sub(req.sentAt) >= c.cfg.RequestTimeout {
			timedOut = append(timedOut, timedOutBlock{key: key, length: req.length})
		}
	}
	for _, b := range timedOut {
		delete(c.pendingRequests, b.key)
	}
	if len(timedOut) > 0 {
		c.requestTimeouts += len(timedOut)
	}
	snoozeDue := c.requestTimeouts >= c.cfg.MaxRequestTimeouts
	if snoozeDue {
		c.requestTimeouts = 0
	}
	c.mu.Unlock()

	if idleRecv {
		c.logger.Infow("idle_recv timeout, closing connection")
		c.Close()
		return
	}
	if idleSend {
		_ = c.Send(nil)
	}
	for _, b := range timedOut {
		if c.events != nil {
			c.events.RequestTimedOut(c, b.key.Piece, b.key.Begin, b.length)
		}
	}
	if snoozeDue && c.events != nil {
		c.events.PeerSnoozed(c)
	}
}
