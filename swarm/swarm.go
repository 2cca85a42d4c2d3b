package swarm

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/bitswarm/engine/capability"
	"github.com/bitswarm/engine/core"
	"github.com/bitswarm/engine/peerconn"
)

// Events reports swarm-level peer lifecycle occurrences to the owning
// torrent controller. Unlike peerconn.Events (which Swarm consumes
// internally to drive its own bookkeeping), this interface only carries
// what torrentctl needs to react to: new peers to onboard (extension
// handshake, bitfield exchange, scheduler registration) and peers to
// evict from the scheduler.
type Events interface {
	PeerConnected(c *peerconn.PeerConn)
	PeerDisconnected(peerID core.PeerID)
}

// Swarm owns one torrent's peer address book, connected-peer set, and ban
// list, per spec §4.9. It is deliberately ignorant of piece selection
// (that's scheduler.Scheduler) and of metadata/content state (torrentctl);
// its only job is deciding who to dial, admitting or rejecting inbound
// connections, and keeping the connected set healthy.
type Swarm struct {
	infoHash    core.InfoHash
	localPeerID core.PeerID
	cfg         Config
	clk         clock.Clock
	sockets     capability.SocketFactory
	peerCfg     peerconn.Config
	events      Events
	logger      *zap.SugaredLogger

	book   *addressBook
	bans   *banList
	timing *connectTiming
	stats  tally.Scope

	mu        sync.Mutex
	stopped   bool
	connected map[core.PeerID]*peerconn.PeerConn
	addrOf    map[core.PeerID]string
	faults    map[string]int
}

// New creates a Swarm for a single torrent's info hash. stats is tagged
// "module": "swarm" and counts connect/accept outcomes, mirroring the
// teacher's newScheduler(..., stats tally.Scope, ...) convention.
func New(
	infoHash core.InfoHash,
	localPeerID core.PeerID,
	cfg Config,
	clk clock.Clock,
	sockets capability.SocketFactory,
	peerCfg peerconn.Config,
	events Events,
	logger *zap.SugaredLogger,
	stats tally.Scope,
) *Swarm {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if stats == nil {
		stats = tally.NoopScope
	}
	cfg = cfg.applyDefaults()
	return &Swarm{
		infoHash:    infoHash,
		localPeerID: localPeerID,
		cfg:         cfg,
		clk:         clk,
		sockets:     sockets,
		peerCfg:     peerCfg,
		events:      events,
		logger:      logger,
		stats:       stats.Tagged(map[string]string{"module": "swarm"}),
		book:        newAddressBook(),
		bans:        newBanList(clk, cfg.BanCooldown),
		timing:      newConnectTiming(cfg),
		connected:   make(map[core.PeerID]*peerconn.PeerConn),
		addrOf:      make(map[core.PeerID]string),
		faults:      make(map[string]int),
	}
}

// AddKnown merges newly learned addresses into the candidate pool (spec
// §3: tracker responses, PEX, magnet hints, and LPD all funnel here).
func (s *Swarm) AddKnown(addrs ...PeerAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range addrs {
		s.book.add(a)
	}
}

// SetStopped toggles whether new outbound dials are permitted; it does
// not close already-connected peers (spec §3: stopping a torrent is not
// the same as tearing down its swarm, callers drive that separately via
// torrentctl).
func (s *Swarm) SetStopped(stopped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = stopped
}

// Connected returns a snapshot of currently connected peers.
func (s *Swarm) Connected() []*peerconn.PeerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peerconn.PeerConn, 0, len(s.connected))
	for _, c := range s.connected {
		out = append(out, c)
	}
	return out
}

// ConnectedCount reports the size of the connected set.
func (s *Swarm) ConnectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connected)
}

// TopUp dials known, unbanned, not-already-connected addresses until the
// per-torrent cap is reached, admit returns false (the engine's global
// cap is full), or the candidate pool is exhausted. admit is consulted
// once per dial attempt so the engine can interleave admission across
// torrents fairly rather than let one torrent claim the whole budget in
// a single TopUp call.
func (s *Swarm) TopUp(admit func() bool) {
	for {
		addr, ok := s.nextCandidate()
		if !ok {
			return
		}
		if admit != nil && !admit() {
			return
		}
		if err := s.DialOne(addr); err != nil {
			s.logger.Debugw("dial failed", "addr", addr, "err", err)
		}
	}
}

func (s *Swarm) nextCandidate() (PeerAddr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return PeerAddr{}, false
	}
	if len(s.connected) >= s.cfg.PerTorrentCap {
		return PeerAddr{}, false
	}
	exclude := s.bans.asExcludeSet()
	for _, key := range s.addrOf {
		exclude[key] = true
	}
	candidates := s.book.candidates(exclude, s.clk.Now())
	if len(candidates) == 0 {
		return PeerAddr{}, false
	}
	return candidates[0], true
}

// DialOne dials a single address, completes the outbound handshake, and
// (on success) admits the resulting connection to the connected set.
func (s *Swarm) DialOne(addr PeerAddr) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrTorrentStopped
	}
	if s.bans.banned(addr.Key()) {
		s.mu.Unlock()
		return ErrBanned
	}
	if len(s.connected) >= s.cfg.PerTorrentCap {
		s.mu.Unlock()
		return ErrAdmissionDenied
	}
	timeout := s.timing.timeout()
	s.book.add(addr)
	s.book.recordAttempt(addr.Key(), s.clk.Now())
	s.mu.Unlock()

	dialStarted := s.clk.Now()
	nc, err := s.sockets.DialTCP(addr.Key(), timeout)
	if err != nil {
		s.recordFault(addr.Key())
		s.stats.Tagged(map[string]string{"reason": "unreachable"}).Counter("connect_errors").Inc(1)
		return fmt.Errorf("%w: %s", ErrUnreachable, err)
	}

	c, latency, err := peerconn.Dial(nc, s.peerCfg, s.clk, s.localPeerID, s.infoHash, true, dialStarted, s)
	if err != nil {
		nc.Close()
		s.recordFault(addr.Key())
		s.stats.Tagged(map[string]string{"reason": "handshake"}).Counter("connect_errors").Inc(1)
		return fmt.Errorf("handshake: %w", err)
	}
	s.timing.recordSuccess(latency)

	if err := s.admit(c, addr.Key()); err != nil {
		c.Close()
		return err
	}
	s.book.recordSuccess(addr.Key())
	s.stats.Counter("connects_outbound").Inc(1)
	return nil
}

// AdoptAccepted onboards a PeerConn produced by peerconn.Accept on an
// inbound socket the engine routed to this torrent by info hash. The
// engine is responsible for calling peerconn.Accept itself (it owns the
// listener and must pick the target torrent from the handshake's info
// hash before a Swarm is in the picture at all); Swarm only handles
// admission from that point on.
func (s *Swarm) AdoptAccepted(c *peerconn.PeerConn) error {
	key := addrKey(c.RemoteAddr())
	s.mu.Lock()
	if s.bans.banned(key) {
		s.mu.Unlock()
		return ErrBanned
	}
	s.mu.Unlock()
	s.book.add(PeerAddr{Host: hostOf(c.RemoteAddr()), Port: portOf(c.RemoteAddr()), Origin: OriginAccepted})
	if err := s.admit(c, key); err != nil {
		return err
	}
	s.stats.Counter("connects_inbound").Inc(1)
	return nil
}

// admit finalizes bookkeeping for a handshake-complete connection:
// duplicate peer-id rejection, registering it in the connected set and
// addrOf index, and notifying torrentctl.
func (s *Swarm) admit(c *peerconn.PeerConn, key string) error {
	s.mu.Lock()
	if existing, dup := s.connected[c.PeerID()]; dup {
		s.mu.Unlock()
		s.logger.Debugw("rejecting duplicate peer id connection",
			"peer", c.PeerID(), "losing_conn_id", c.ConnID(), "winning_conn_id", existing.ConnID())
		s.stats.Counter("duplicate_peer_id_rejections").Inc(1)
		return ErrAlreadyConnected
	}
	if len(s.connected) >= s.cfg.PerTorrentCap {
		s.mu.Unlock()
		return ErrAdmissionDenied
	}
	s.connected[c.PeerID()] = c
	s.addrOf[c.PeerID()] = key
	s.mu.Unlock()

	c.SetLogger(s.logger.With("peer", c.PeerID(), "addr", key))
	if s.events != nil {
		s.events.PeerConnected(c)
	}
	return nil
}

func (s *Swarm) recordFault(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.book.recordFault(key)
	s.faults[key]++
	if s.faults[key] >= s.cfg.MaxFaultsBeforeBan {
		s.bans.ban(key)
		delete(s.faults, key)
		s.stats.Counter("bans").Inc(1)
	}
}

// --- peerconn.Events ---

// ConnClosed implements peerconn.Events: removes the peer from the
// connected set and forwards the disconnect to torrentctl. The scheduler
// learns of the same event independently through torrentctl, which owns
// the Scheduler.RemovePeer call — Swarm has no scheduler reference,
// keeping the two packages decoupled per spec §9's weak-reference design.
func (s *Swarm) ConnClosed(c *peerconn.PeerConn) {
	s.mu.Lock()
	key, ok := s.addrOf[c.PeerID()]
	delete(s.connected, c.PeerID())
	delete(s.addrOf, c.PeerID())
	s.mu.Unlock()
	if ok {
		s.mu.Lock()
		s.book.recordAttempt(key, s.clk.Now())
		s.mu.Unlock()
	}
	if s.events != nil {
		s.events.PeerDisconnected(c.PeerID())
	}
}

// RequestTimedOut implements peerconn.Events. A single timed-out request
// is not itself fault-worthy (spec §4.5 only escalates after
// MaxRequestTimeouts consecutive ones, which PeerConn itself tracks and
// surfaces as PeerSnoozed); Swarm only counts the snooze.
func (s *Swarm) RequestTimedOut(c *peerconn.PeerConn, piece, begin, length int) {}

// PeerSnoozed implements peerconn.Events: a peer that exceeded
// MaxRequestTimeouts repeatedly is treated as a fault against its
// address, per spec §7's "ban unless repeated across reconnects" — a
// snooze alone does not ban, but accumulates toward MaxFaultsBeforeBan.
func (s *Swarm) PeerSnoozed(c *peerconn.PeerConn) {
	s.mu.Lock()
	key, ok := s.addrOf[c.PeerID()]
	s.mu.Unlock()
	if ok {
		s.recordFault(key)
	}
}

// Ban immediately bans a connected peer's address and closes the
// connection; a peer id with no current connection is ignored. Used by torrentctl on hash-mismatch piece faults
// (spec §4.3/§7).
func (s *Swarm) Ban(peerID core.PeerID) {
	s.mu.Lock()
	key, ok := s.addrOf[peerID]
	c := s.connected[peerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.bans.ban(key)
	s.stats.Counter("bans").Inc(1)
	if c != nil {
		c.Close()
	}
}

func addrKey(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func hostOf(a net.Addr) string {
	host, _, err := net.SplitHostPort(addrKey(a))
	if err != nil {
		return addrKey(a)
	}
	return host
}

func portOf(a net.Addr) int {
	_, portStr, err := net.SplitHostPort(addrKey(a))
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
