// Package engine implements the spec §4.12 engine root: the process-wide
// owner of peer identity, the inbound listener, the global connection
// admission counter, the shared bandwidth limiter, and the torrent map.
// Grounded on the teacher's scheduler.scheduler construction/shutdown
// idiom (newScheduler's capability wiring, the stopOnce/done/wg sequence
// in Stop, listenLoop's accept-and-handshake-off-goroutine shape), raised
// one layer up to own torrents rather than connections directly, since
// this spec's Scheduler (per spec §4.6) is itself a per-torrent
// sub-component here.
package engine

import (
	"encoding/base64"
	"fmt"
	"net"
	"sync"

	"go.uber.org/atomic"

	"github.com/bitswarm/engine/bandwidth"
	"github.com/bitswarm/engine/capability"
	"github.com/bitswarm/engine/core"
	"github.com/bitswarm/engine/peerconn"
	"github.com/bitswarm/engine/swarm"
	"github.com/bitswarm/engine/torrentctl"
)

// AddOpts tunes a single AddTorrentFile/AddMagnet call.
type AddOpts struct {
	// Name overrides the torrent's display name (the magnet "dn"
	// parameter or the .torrent's info "name"), used as the on-disk
	// subfolder under Config.DownloadRoot.
	Name string
	// PeerHints are additional known addresses offered alongside whatever
	// the origin itself carries (a magnet's own x.pe values, or static
	// hints the embedder already has from a prior session). Spec §8's
	// "Magnet restart" property requires these be reattached on every
	// Start, not just the first add, so callers restoring a persisted
	// magnet torrent should pass its original hints again here.
	PeerHints []swarm.PeerAddr

	// restore marks this call as replaying a persisted TorrentState
	// (spec §9 "replay saved torrents as restore source, which skips
	// re-persistence"). Unexported: only Engine's own init() sets it.
	restore bool
}

// torrentEntry wraps a constructed torrent so the torrent map can grow
// additional per-entry bookkeeping later without changing its value type.
type torrentEntry struct {
	t *torrentctl.Torrent
}

// Engine owns the process-wide state described by spec §4.12: peer-id,
// listening socket, torrents, rate buckets, connection limits, and every
// capability. It runs one background accept loop and one ticker loop;
// all torrent/swarm/scheduler/bitfield/bandwidth-tracker state is only
// ever touched from methods here or from the goroutines they spawn, per
// spec §5's single-threaded-cooperative-event-loop model realized with Go
// channels and a mutex rather than a literal single OS thread.
type Engine struct {
	cfg  Config
	caps Capabilities

	localPeerID core.PeerID
	limiter     *bandwidth.Limiter

	listener net.Listener

	maxGlobalConnections *atomic.Int64
	numConnections       *atomic.Int64

	mu       sync.Mutex
	torrents map[core.InfoHash]*torrentEntry

	completeSubs []func(core.InfoHash)

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New builds an Engine: capabilities first, then the shared peer-id and
// bandwidth limiter, then any torrents persisted from a prior session
// (loaded as restore sources, which never re-persist on load), and
// finally the inbound listener. Persisted torrents are therefore loaded,
// and those saved as active are started, before the listener is opened.
// Teardown (Shutdown) runs the reverse.
func New(cfg Config, caps Capabilities) (*Engine, error) {
	cfg = cfg.applyDefaults()
	caps = caps.applyDefaults(cfg.DownloadRoot, cfg.LogRingCapacity)

	peerID, err := core.NewPeerIDFromRandom(caps.Random)
	if err != nil {
		return nil, fmt.Errorf("%w: generate peer id: %s", ErrConfig, err)
	}

	e := &Engine{
		cfg:                   cfg,
		caps:                  caps,
		localPeerID:           peerID,
		limiter:               bandwidth.NewLimiter(caps.Clock, cfg.DownloadRateBytesPerSec, cfg.UploadRateBytesPerSec),
		maxGlobalConnections:  atomic.NewInt64(int64(cfg.MaxGlobalConnections)),
		numConnections:        atomic.NewInt64(0),
		torrents:              make(map[core.InfoHash]*torrentEntry),
		done:                  make(chan struct{}),
	}

	if caps.SessionStore != nil {
		states, err := caps.SessionStore.LoadAllTorrentStates()
		if err != nil {
			return nil, fmt.Errorf("load persisted torrents: %s", err)
		}
		for _, state := range states {
			if err := e.restoreTorrent(state); err != nil {
				e.caps.Logger.Warnw("failed to restore persisted torrent", "info_hash", state.InfoHash, "err", err)
			}
		}
	}

	l, err := caps.Sockets.ListenTCP(cfg.ListenPort)
	if err != nil {
		return nil, fmt.Errorf("listen tcp: %s", err)
	}
	e.listener = l

	e.wg.Add(2)
	go e.acceptLoop()
	go e.tickLoop()

	return e, nil
}

// PeerID returns the engine's session-wide peer id.
func (e *Engine) PeerID() core.PeerID { return e.localPeerID }

// ListenAddr returns the inbound listener's address.
func (e *Engine) ListenAddr() net.Addr { return e.listener.Addr() }

// admit implements spec §4.12's connection admission check: "a torrent's
// swarm may open a new peer connection iff engine.num_connections <
// engine.max_connections". It reserves a slot optimistically; callers
// that fail to actually establish the connection must call release.
func (e *Engine) admit() bool {
	for {
		cur := e.numConnections.Load()
		if cur >= e.maxGlobalConnections.Load() {
			return false
		}
		if e.numConnections.CAS(cur, cur+1) {
			return true
		}
	}
}

func (e *Engine) release() {
	e.numConnections.Dec()
}

// acceptLoop accepts inbound TCP sockets, performs the handshake phase far
// enough to learn the remote's info hash, routes to the right torrent (or
// closes if none matches or it is stopped, per spec §4.9 "Accepting
// inbound"), and otherwise hands off to that torrent's swarm. Races
// between a simultaneous accept and dial for the same peer are resolved
// in the accepting side's favor by swarm.AdoptAccepted's duplicate-peer-id
// admission check running after the inbound handshake already won a
// connection slot (spec §4.12: "accepting side wins when both occur
// simultaneously").
func (e *Engine) acceptLoop() {
	defer e.wg.Done()
	for {
		nc, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.done:
				return
			default:
				e.caps.Logger.Infow("accept error, exiting accept loop", "err", err)
				return
			}
		}
		go e.handleAccept(nc)
	}
}

func (e *Engine) handleAccept(nc net.Conn) {
	if !e.admit() {
		nc.Close()
		return
	}
	accepted := false
	defer func() {
		if !accepted {
			e.release()
		}
	}()

	var target *torrentctl.Torrent
	accept := func(h core.InfoHash) (bool, bool) {
		entry, ok := e.lookupTorrent(h)
		if !ok || entry.UserState() != torrentctl.UserStateActive {
			return false, false
		}
		target = entry
		return true, true
	}

	c, err := peerconn.Accept(nc, e.cfg.PeerConn, e.caps.Clock, e.localPeerID, accept, swarmEventsAdapter{})
	if err != nil {
		nc.Close()
		return
	}
	if target == nil {
		c.Close()
		return
	}
	if err := target.AdoptAccepted(c); err != nil {
		c.Close()
		return
	}
	accepted = true
}

// swarmEventsAdapter satisfies peerconn.Events for connections still in
// the handshake phase of Accept, before a Swarm has taken ownership.
// Swarm.AdoptAccepted re-registers the connection's real Events once
// admitted; these handlers only ever fire for a connection that never
// made it that far, so there is nothing to release here beyond closing
// the socket, which Accept's own error path already does.
type swarmEventsAdapter struct{}

func (swarmEventsAdapter) ConnClosed(c *peerconn.PeerConn)                                {}
func (swarmEventsAdapter) RequestTimedOut(c *peerconn.PeerConn, piece, begin, length int) {}
func (swarmEventsAdapter) PeerSnoozed(c *peerconn.PeerConn)                                {}

func (e *Engine) lookupTorrent(h core.InfoHash) (*torrentctl.Torrent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.torrents[h]
	if !ok {
		return nil, false
	}
	return entry.t, true
}

// tickLoop drives every active torrent's periodic work on a fixed timer,
// realizing spec §5's "suspension points... timers" for the scheduling/
// announce/persistence cadence torrentctl.Torrent.Tick performs.
func (e *Engine) tickLoop() {
	defer e.wg.Done()
	ticker := e.caps.Clock.Tick(e.cfg.TickInterval)
	for {
		select {
		case <-e.done:
			return
		case <-ticker:
			e.tickAll()
		}
	}
}

func (e *Engine) tickAll() {
	e.mu.Lock()
	entries := make([]*torrentEntry, 0, len(e.torrents))
	for _, entry := range e.torrents {
		entries = append(entries, entry)
	}
	e.mu.Unlock()

	for _, entry := range entries {
		entry.t.Tick()
	}
}

// addTorrent is the shared construction path for AddMagnet and
// AddTorrentFile: build Deps, construct the torrentctl.Torrent, register
// it, persist it (unless restoring), and wire its peer-added/removed
// connection-count bookkeeping and its complete event into the engine's
// global torrent-complete mirror (spec §4.11: "The engine mirrors a
// global torrent-complete on complete").
func (e *Engine) addTorrent(
	infoHash core.InfoHash,
	name, origin string,
	announceList [][]string,
	meta *core.MetaInfo,
	opts AddOpts,
) (*torrentctl.Torrent, error) {
	e.mu.Lock()
	if _, exists := e.torrents[infoHash]; exists {
		e.mu.Unlock()
		return nil, ErrAlreadyAdded
	}
	e.mu.Unlock()

	logger := e.caps.Logger.With("info_hash", infoHash.Hex())
	deps := torrentctl.Deps{
		Sockets:      e.caps.Sockets,
		Filesystem:   e.caps.Filesystem,
		Hasher:       e.caps.Hasher,
		SessionStore: e.caps.SessionStore,
		Random:       e.caps.Random,
		Clock:        e.caps.Clock,
		Logger:       logger,
		LocalPeerID:  e.localPeerID,
		ListenPort:   e.cfg.ListenPort,
		Limiter:      e.limiter,
		Admit:        e.admit,
		Stats:        e.caps.Stats,
	}
	cfgs := torrentctl.Configs{
		Torrent:   e.cfg.Torrent,
		Swarm:     e.cfg.Swarm,
		Scheduler: e.cfg.Scheduler,
		Tracker:   e.cfg.Tracker,
		Metainfo:  e.cfg.Metainfo,
		Bandwidth: e.cfg.Bandwidth,
		PeerConn:  e.cfg.PeerConn,
	}

	t, err := torrentctl.New(infoHash, name, origin, announceList, meta, deps, cfgs)
	if err != nil {
		return nil, err
	}

	if len(opts.PeerHints) > 0 {
		t.AddPeerHints(opts.PeerHints...)
	}

	t.On(func(ev torrentctl.Event) {
		if ev.Kind == torrentctl.EventComplete {
			e.notifyComplete(infoHash)
		}
	})

	e.mu.Lock()
	e.torrents[infoHash] = &torrentEntry{t: t}
	e.mu.Unlock()

	if !opts.restore {
		if err := t.Persist(); err != nil {
			logger.Warnw("initial persist failed", "err", err)
		}
	}

	e.caps.LogStore.Append(capability.LogEntry{
		Time:    e.caps.Clock.Now(),
		Level:   capability.LogInfo,
		Message: "torrent added",
		Fields:  map[string]interface{}{"info_hash": infoHash.Hex(), "name": name, "restored": opts.restore},
	})

	return t, nil
}

// AddMagnet adds a torrent from a magnet URI (spec §6's Magnet URI
// grammar, parsed by core.ParseMagnet). The torrent starts with no
// metadata; a metainfo.Acquirer begins the ut_metadata bootstrap once
// peers that advertise it connect.
func (e *Engine) AddMagnet(uri string, opts AddOpts) (*torrentctl.Torrent, error) {
	m, err := core.ParseMagnet(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: parse magnet: %s", ErrConfig, err)
	}

	name := opts.Name
	if name == "" {
		name = m.DisplayName
	}
	if name == "" {
		name = m.InfoHash.Hex()
	}

	announceList := make([][]string, 0, len(m.AnnounceList))
	for _, tr := range m.AnnounceList {
		announceList = append(announceList, []string{tr})
	}

	hints := append([]swarm.PeerAddr{}, opts.PeerHints...)
	for _, pe := range m.PeerHints {
		if addr, ok := parseHostPort(pe, swarm.OriginMagnetHint); ok {
			hints = append(hints, addr)
		}
	}
	opts.PeerHints = hints

	return e.addTorrent(m.InfoHash, name, m.MagnetURI(), announceList, nil, opts)
}

// AddTorrentFile adds a torrent from raw .torrent bytes (spec §6's
// Torrent file format, parsed by core.ParseMetaInfo). Metadata is known
// immediately, so content storage and the piece scheduler are created at
// construction time.
func (e *Engine) AddTorrentFile(data []byte, opts AddOpts) (*torrentctl.Torrent, error) {
	info, err := core.ParseMetaInfo(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parse torrent file: %s", ErrConfig, err)
	}

	name := opts.Name
	if name == "" {
		name = info.Name
	}
	origin := base64.StdEncoding.EncodeToString(data)

	return e.addTorrent(info.InfoHash, name, origin, info.AnnounceList, info, opts)
}

// restoreTorrent reconstructs a torrent from a capability.TorrentState
// loaded at init time (spec §6's "Persisted state layout" round trip:
// "load_all then add_torrent(..., source: restore) must reconstruct a
// torrent semantically equivalent to the one that produced the state").
func (e *Engine) restoreTorrent(state capability.TorrentState) error {
	opts := AddOpts{restore: true}

	var (
		t   *torrentctl.Torrent
		err error
	)
	if len(state.InfoDictionary) > 0 {
		info, parseErr := core.ParseInfoDict(state.InfoDictionary)
		if parseErr != nil {
			return fmt.Errorf("parse persisted info dictionary: %s", parseErr)
		}
		t, err = e.addTorrent(state.InfoHash, info.Name, state.Origin, state.AnnounceList, info, opts)
	} else if m, parseErr := core.ParseMagnet(state.Origin); parseErr == nil {
		for _, pe := range m.PeerHints {
			if addr, ok := parseHostPort(pe, swarm.OriginMagnetHint); ok {
				opts.PeerHints = append(opts.PeerHints, addr)
			}
		}
		t, err = e.addTorrent(state.InfoHash, m.DisplayName, state.Origin, wrapTiers(m.AnnounceList), nil, opts)
	} else {
		raw, decErr := base64.StdEncoding.DecodeString(state.Origin)
		if decErr != nil {
			return fmt.Errorf("origin is neither a magnet uri nor base64 .torrent bytes: %s", decErr)
		}
		info, parseErr := core.ParseMetaInfo(raw)
		if parseErr != nil {
			return fmt.Errorf("parse persisted .torrent bytes: %s", parseErr)
		}
		t, err = e.addTorrent(state.InfoHash, info.Name, state.Origin, info.AnnounceList, info, opts)
	}
	if err != nil {
		return err
	}

	if state.UserState == string(torrentctl.UserStateActive) {
		return t.Start()
	}
	return nil
}

func wrapTiers(flat []string) [][]string {
	out := make([][]string, 0, len(flat))
	for _, tr := range flat {
		out = append(out, []string{tr})
	}
	return out
}

func parseHostPort(hostport string, origin swarm.Origin) (swarm.PeerAddr, bool) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return swarm.PeerAddr{}, false
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return swarm.PeerAddr{}, false
	}
	return swarm.PeerAddr{Host: host, Port: port, Origin: origin}, true
}

// RemoveTorrent stops and forgets infoHash, per spec §6's
// remove_torrent(info_hash, delete_data). When deleteData is set, the
// torrent's on-disk content is removed via the Filesystem capability's
// RemoveAll; callers that want to keep completed data on disk while
// forgetting the torrent should pass false.
func (e *Engine) RemoveTorrent(infoHash core.InfoHash, deleteData bool) error {
	e.mu.Lock()
	entry, ok := e.torrents[infoHash]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownTorrent
	}
	delete(e.torrents, infoHash)
	e.mu.Unlock()

	_ = entry.t.Stop()

	if e.caps.SessionStore != nil {
		if err := e.caps.SessionStore.Remove(infoHash); err != nil {
			e.caps.Logger.Warnw("session store remove failed", "info_hash", infoHash, "err", err)
		}
	}
	if deleteData {
		if err := e.caps.Filesystem.RemoveAll(entry.t.StorageName()); err != nil {
			e.caps.Logger.Warnw("delete torrent data failed", "info_hash", infoHash, "err", err)
		}
	}
	return nil
}

// Torrent looks up a previously-added torrent by InfoHash.
func (e *Engine) Torrent(infoHash core.InfoHash) (*torrentctl.Torrent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.torrents[infoHash]
	if !ok {
		return nil, ErrUnknownTorrent
	}
	return entry.t, nil
}

// Torrents returns every torrent currently known to the engine.
func (e *Engine) Torrents() []*torrentctl.Torrent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*torrentctl.Torrent, 0, len(e.torrents))
	for _, entry := range e.torrents {
		out = append(out, entry.t)
	}
	return out
}

// GetTorrentStates returns a capability.TorrentState for every torrent,
// filled with its info hash, origin, announce list, user state and byte
// counters. BitfieldHex and InfoDictionary are left empty; only
// Torrent.Persist fills those.
func (e *Engine) GetTorrentStates() []capability.TorrentState {
	e.mu.Lock()
	entries := make([]*torrentEntry, 0, len(e.torrents))
	for _, entry := range e.torrents {
		entries = append(entries, entry)
	}
	e.mu.Unlock()

	states := make([]capability.TorrentState, 0, len(entries))
	for _, entry := range entries {
		downloaded, uploaded := entry.t.Counters()
		states = append(states, capability.TorrentState{
			InfoHash:     entry.t.InfoHash(),
			Origin:       entry.t.Origin(),
			AnnounceList: entry.t.AnnounceList(),
			UserState:    string(entry.t.UserState()),
			Downloaded:   downloaded,
			Uploaded:     uploaded,
		})
	}
	return states
}

// GetLogStore returns the engine's structured log ring buffer.
func (e *Engine) GetLogStore() capability.LogStore { return e.caps.LogStore }

// OnTorrentComplete subscribes fn to the engine-wide torrent-complete
// mirror (spec §4.11: "The engine mirrors a global torrent-complete on
// complete").
func (e *Engine) OnTorrentComplete(fn func(core.InfoHash)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completeSubs = append(e.completeSubs, fn)
}

func (e *Engine) notifyComplete(infoHash core.InfoHash) {
	e.mu.Lock()
	subs := make([]func(core.InfoHash), len(e.completeSubs))
	copy(subs, e.completeSubs)
	e.mu.Unlock()
	for _, fn := range subs {
		fn(infoHash)
	}
}

// SetDownloadLimit / SetUploadLimit update the shared bandwidth limiter
// every torrent's scheduler and upload path consult (spec §6).
func (e *Engine) SetDownloadLimit(bytesPerSec uint64) {
	e.limiter.SetLimit(bandwidth.Download, bytesPerSec)
}

func (e *Engine) SetUploadLimit(bytesPerSec uint64) {
	e.limiter.SetLimit(bandwidth.Upload, bytesPerSec)
}

// SetConnectionLimits updates the engine-wide connection cap enforced by
// admit(). perTorrent only affects torrents constructed from this point
// on (existing swarms already applied their per-torrent cap at
// construction, per spec §4.12).
func (e *Engine) SetConnectionLimits(perTorrent, global int) {
	if global > 0 {
		e.maxGlobalConnections.Store(int64(global))
	}
	if perTorrent > 0 {
		e.mu.Lock()
		e.cfg.Swarm.PerTorrentCap = perTorrent
		e.mu.Unlock()
	}
}

// Suspend calls SuspendNetwork on every torrent, which stops new outbound
// dials without altering the persisted user-state. Open connections,
// tracker announces from Tick and the listener keep running.
func (e *Engine) Suspend() {
	for _, t := range e.Torrents() {
		t.SuspendNetwork()
	}
}

// Resume restarts network activity for every torrent whose user-state is
// still active, undoing a prior Suspend.
func (e *Engine) Resume() {
	for _, t := range e.Torrents() {
		t.ResumeNetwork()
	}
}

// Shutdown stops every torrent (best-effort tracker "stopped" announce
// via Torrent.Stop), closes the listener and background loops, and
// returns once everything has wound down. Safe to call more than once.
func (e *Engine) Shutdown() error {
	var shutdownErr error
	e.stopOnce.Do(func() {
		close(e.done)
		if e.listener != nil {
			e.listener.Close()
		}

		for _, t := range e.Torrents() {
			_ = t.Stop()
			if err := t.Persist(); err != nil {
				e.caps.Logger.Warnw("final persist failed", "err", err)
			}
		}

		e.wg.Wait()
	})
	return shutdownErr
}

