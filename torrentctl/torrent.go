// Package torrentctl implements the per-torrent controller: the hub that
// owns a single torrent's storage, swarm, scheduler, metadata acquirer, and
// tracker client, and reacts to their events by wiring them to each other
// (new peer -> extension handshake -> scheduler/acquirer registration,
// verified piece -> HAVE broadcast, metadata complete -> scheduler
// creation). No single teacher file plays this role (kraken's
// torrent.Torrent is a thinner struct since scheduling and connection
// bookkeeping live in the shared scheduler.scheduler); this package is
// grounded on the *shape* of that wiring, factored out per spec §4.11 into
// its own per-torrent aggregate.
package torrentctl

import (
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/bitswarm/engine/bandwidth"
	"github.com/bitswarm/engine/bitfield"
	"github.com/bitswarm/engine/capability"
	"github.com/bitswarm/engine/core"
	"github.com/bitswarm/engine/extension"
	"github.com/bitswarm/engine/metainfo"
	"github.com/bitswarm/engine/peerconn"
	"github.com/bitswarm/engine/scheduler"
	"github.com/bitswarm/engine/storage"
	"github.com/bitswarm/engine/swarm"
	"github.com/bitswarm/engine/tracker"
	"github.com/bitswarm/engine/wire"
)

// Deps collects the collaborators a Torrent needs but does not own the
// construction of: the engine-level capabilities (spec §6), the shared
// download/upload limiter, and an Admit closure through which Torrent
// consults the engine's global connection cap without importing the
// engine package (spec §4.12's "accepting side wins" admission lives one
// layer up; Torrent only asks "may I admit one more?").
type Deps struct {
	Sockets      capability.SocketFactory
	Filesystem   capability.Filesystem
	Hasher       capability.Hasher
	SessionStore capability.SessionStore
	Random       capability.Random
	Clock        clock.Clock
	Logger       *zap.SugaredLogger
	LocalPeerID  core.PeerID
	ListenPort   int
	Limiter      *bandwidth.Limiter
	Admit        func() bool
	// Stats is the root tally.Scope this torrent's sub-components
	// (swarm, tracker, scheduler) tag off of, and that this package
	// itself tags "module": "torrentctl" for state-transition counters.
	Stats tally.Scope
}

// peerHandle pairs a connection with the extension registry negotiated
// for it; torrentctl keys its peer map by PeerID, not by *peerconn.PeerConn,
// since RemovePeer and bookkeeping elsewhere are keyed the same way.
type peerHandle struct {
	conn     *peerconn.PeerConn
	registry *extension.Registry
}

// metadataPeerAdapter satisfies metainfo.Peer by routing
// SendMetadataRequest through the connection's negotiated ut_metadata id,
// since *peerconn.PeerConn itself has no opinion on extension names.
type metadataPeerAdapter struct {
	h *peerHandle
}

func (a metadataPeerAdapter) PeerID() core.PeerID { return a.h.conn.PeerID() }

func (a metadataPeerAdapter) SendMetadataRequest(pieceIdx int) error {
	payload, err := extension.EncodeMetadataRequest(pieceIdx)
	if err != nil {
		return err
	}
	return a.h.conn.SendExtensionMessage(a.h.registry, extension.UTMetadata, payload)
}

// uploadItem is a REQUEST that could not be served immediately because the
// upload token bucket was exhausted; drainUploadQueue retries it on the
// next tick (spec §5's upload rate-limiter contract).
type uploadItem struct {
	peerID core.PeerID
	piece  int
	begin  int
	length int
}

// Torrent is the per-torrent controller: it owns storage, swarm,
// scheduler, the metadata acquirer (pre-metadata only), and the tracker
// client, and is the sole subscriber each of those packages' Events
// interfaces report to.
type Torrent struct {
	mu sync.Mutex

	infoHash     core.InfoHash
	name         string
	origin       string
	announceList [][]string

	deps    Deps
	cfg     Config
	cfgs    Configs
	events  *dispatcher

	userState  UserState
	errored    error
	rechecking bool

	meta      *core.MetaInfo
	manifest  core.Manifest
	infoBytes []byte

	storage   *storage.Storage
	sched     *scheduler.Scheduler
	own       *bitfield.Bitfield
	acquirer  *metainfo.Acquirer
	swarm     *swarm.Swarm
	trackerClient *tracker.Client
	bwTracker *bandwidth.Tracker
	stats     tally.Scope

	peers       map[core.PeerID]*peerHandle
	uploadQueue []uploadItem

	uploaded     int64
	downloaded   int64
	lastPersist  time.Time
	nextAnnounce time.Time
}

// New creates a Torrent. meta may be nil, in which case the torrent starts
// in magnet-bootstrap mode and a metainfo.Acquirer drives metadata
// discovery until MetadataReady fires.
func New(
	infoHash core.InfoHash,
	name string,
	origin string,
	announceList [][]string,
	meta *core.MetaInfo,
	deps Deps,
	cfgs Configs,
) (*Torrent, error) {
	if deps.Filesystem == nil || deps.Sockets == nil {
		return nil, fmt.Errorf("%w: missing filesystem or socket factory", ErrConfig)
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Limiter == nil {
		deps.Limiter = bandwidth.NewLimiter(deps.Clock, 0, 0)
	}
	if deps.Admit == nil {
		deps.Admit = func() bool { return true }
	}
	if deps.Stats == nil {
		deps.Stats = tally.NoopScope
	}

	t := &Torrent{
		infoHash:     infoHash,
		name:         name,
		origin:       origin,
		announceList: announceList,
		deps:         deps,
		cfg:          cfgs.Torrent.applyDefaults(),
		cfgs:         cfgs,
		events:       newDispatcher(cfgs.Torrent.applyDefaults().EventQueueCapacity),
		userState:    UserStateStopped,
		peers:        make(map[core.PeerID]*peerHandle),
		bwTracker:    bandwidth.NewTracker(deps.Clock, cfgs.Bandwidth),
		stats:        deps.Stats.Tagged(map[string]string{"module": "torrentctl", "info_hash": infoHash.Hex()}),
	}

	t.swarm = swarm.New(infoHash, deps.LocalPeerID, cfgs.Swarm, deps.Clock, deps.Sockets, cfgs.PeerConn, t, deps.Logger, deps.Stats)
	t.trackerClient = tracker.New(announceList, cfgs.Tracker, deps.Sockets, deps.Random, deps.Clock, deps.Logger, deps.Stats)

	if meta != nil {
		if err := t.installMetadataLocked(meta, nil); err != nil {
			return nil, err
		}
	} else {
		t.acquirer = metainfo.New(infoHash, cfgs.Metainfo, deps.Clock, t, deps.Logger)
	}

	return t, nil
}

// installMetadataLocked opens storage for info and wires the scheduler,
// replacing the metadata acquirer. Callers must hold t.mu, except New's
// initial call before t is shared.
func (t *Torrent) installMetadataLocked(info *core.MetaInfo, infoBytes []byte) error {
	store, err := storage.New(t.deps.Filesystem, t.deps.Hasher, t.deps.Logger, t.name, info.Manifest, info.Files)
	if err != nil {
		return err
	}
	t.meta = info
	t.manifest = info.Manifest
	t.infoBytes = infoBytes
	t.storage = store
	t.own = store.Bitfield()
	t.sched = scheduler.New(info.Manifest, t.own, store, t.deps.Limiter, t.cfgs.Scheduler, t, t.deps.Logger, t.deps.Stats)
	t.acquirer = nil
	return nil
}

// Start transitions the torrent to the active user state and lets the
// swarm dial peers again. The tracker "started" event (spec §4.8) is
// announced asynchronously so Start itself never blocks on a network
// round-trip.
func (t *Torrent) Start() error {
	t.mu.Lock()
	if t.userState == UserStateActive {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.userState = UserStateActive
	t.mu.Unlock()
	t.swarm.SetStopped(false)
	go t.announce(tracker.EventStarted)
	return nil
}

// Stop transitions the torrent to the stopped user state. Already
// connected peers are left alone; TopUp simply stops dialing new ones.
// The tracker "stopped" event is announced best-effort, asynchronously.
func (t *Torrent) Stop() error {
	t.mu.Lock()
	if t.userState == UserStateStopped {
		t.mu.Unlock()
		return ErrNotStarted
	}
	t.userState = UserStateStopped
	t.mu.Unlock()
	t.swarm.SetStopped(true)
	go t.announce(tracker.EventStopped)
	return nil
}

// SuspendNetwork pauses dialing of new peers without altering the
// persisted UserState (unlike Stop, whose state change is persisted).
// Already open connections are not closed or drained, and Tick keeps
// announcing to trackers.
func (t *Torrent) SuspendNetwork() {
	t.swarm.SetStopped(true)
}

// ResumeNetwork resumes dialing if the torrent's user state is still
// active, undoing a prior SuspendNetwork.
func (t *Torrent) ResumeNetwork() {
	t.mu.Lock()
	active := t.userState == UserStateActive
	t.mu.Unlock()
	if active {
		t.swarm.SetStopped(false)
	}
}

// Recheck rehashes every piece from disk, per spec §4.3. It runs
// synchronously but reports progress through EventPiece-less
// ActivityCheckingFiles state while in flight; a caller wanting
// asynchronous rechecks should call this from its own goroutine.
func (t *Torrent) Recheck() error {
	t.mu.Lock()
	if t.storage == nil {
		t.mu.Unlock()
		return ErrConfig
	}
	if t.rechecking {
		t.mu.Unlock()
		return ErrRecheckInProgress
	}
	t.rechecking = true
	store := t.storage
	t.mu.Unlock()

	err := store.RecheckAll(nil)

	t.mu.Lock()
	t.rechecking = false
	if err == nil {
		t.own = store.Bitfield()
	}
	t.mu.Unlock()
	return err
}

// State returns the torrent's current derived activity state (spec
// §4.11's state table).
func (t *Torrent) State() ActivityState {
	t.mu.Lock()
	defer t.mu.Unlock()
	complete := t.own != nil && t.own.Complete()
	return deriveActivityState(t.userState == UserStateActive, t.meta != nil, complete, t.rechecking, t.errored != nil)
}

// On subscribes fn to every event this torrent emits henceforth.
func (t *Torrent) On(fn Subscriber) {
	t.events.Subscribe(fn)
}

// emit records a state-transition counter tagged by event kind, then
// forwards e to the dispatcher, mirroring the teacher's
// newScheduler(..., stats tally.Scope, ...) convention of counting
// outcomes at the same point they are reported to callers.
func (t *Torrent) emit(e Event) {
	t.stats.Tagged(map[string]string{"event": e.Kind.String()}).Counter("events").Inc(1)
	t.events.emit(e)
}

// InfoHash returns the torrent's identifying hash.
func (t *Torrent) InfoHash() core.InfoHash { return t.infoHash }

// Name returns the torrent's display name, known pre-metadata from a
// magnet "dn" parameter or post-metadata from the info dictionary.
func (t *Torrent) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.meta != nil && t.meta.Name != "" {
		return t.meta.Name
	}
	return t.name
}

// StorageName returns the on-disk subdirectory name content storage was
// opened under (the name New was given, which installMetadataLocked never
// revises even once metadata names the torrent differently). Callers
// deleting a torrent's data must use this, not Name, since Name prefers
// the metadata's own name for display once it arrives.
func (t *Torrent) StorageName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// Origin returns the magnet URI or raw .torrent bytes this torrent was
// added from, as persisted in capability.TorrentState.Origin.
func (t *Torrent) Origin() string { return t.origin }

// AnnounceList returns the torrent's tracker tier list.
func (t *Torrent) AnnounceList() [][]string { return t.announceList }

// UserState returns the torrent's persisted user intent.
func (t *Torrent) UserState() UserState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userState
}

// Progress returns cardinality/piece_count, or 0 pre-metadata (spec §4.11).
func (t *Torrent) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.own == nil || t.manifest.NumPieces() == 0 {
		return 0
	}
	return float64(t.own.Cardinality()) / float64(t.manifest.NumPieces())
}

// Counters returns the torrent's lifetime downloaded/uploaded byte totals.
func (t *Torrent) Counters() (downloaded, uploaded int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.downloaded, t.uploaded
}

// Speeds samples download_speed/upload_speed over a 1s window, per spec
// §4.11.
func (t *Torrent) Speeds() (down, up float64) {
	return t.bwTracker.Speed(bandwidth.Download, time.Second), t.bwTracker.Speed(bandwidth.Upload, time.Second)
}

// AdoptAccepted onboards a peerconn.PeerConn the engine's listener has
// already handshaken on this torrent's behalf (the engine owns the
// listener and picks the target torrent from the handshake's info hash
// before a Swarm is in the picture at all, per spec §4.9).
func (t *Torrent) AdoptAccepted(c *peerconn.PeerConn) error {
	return t.swarm.AdoptAccepted(c)
}

// AddPeerHints registers additional known addresses (magnet x.pe, LPD,
// static hints) with the swarm's address book. Spec §8's "Magnet restart"
// property requires these be attached on every Start, not only the first,
// so callers should re-supply the original hint set on each restart rather
// than relying on AddKnown having been called once historically.
func (t *Torrent) AddPeerHints(addrs ...swarm.PeerAddr) {
	t.swarm.AddKnown(addrs...)
}

// Persist builds the capability.TorrentState snapshot spec §6 describes
// and asks the SessionStore to save it. Called on every completed piece
// and metadata arrival, and otherwise rate-limited by MinPersistInterval.
func (t *Torrent) Persist() error {
	if t.deps.SessionStore == nil {
		return nil
	}
	t.mu.Lock()
	state := capability.TorrentState{
		InfoHash:     t.infoHash,
		Origin:       t.origin,
		AnnounceList: t.announceList,
		UserState:    string(t.userState),
		Downloaded:   t.downloaded,
		Uploaded:     t.uploaded,
	}
	if t.own != nil {
		state.BitfieldHex = t.own.ToHex()
	}
	if t.infoBytes != nil {
		state.InfoDictionary = append([]byte{}, t.infoBytes...)
	}
	t.lastPersist = t.deps.Clock.Now()
	t.mu.Unlock()
	return t.deps.SessionStore.SaveTorrent(state)
}

// Tick drives the torrent's periodic work: piece/metadata scheduling,
// tracker re-announce, upload-queue draining, and rate-limited
// persistence. Callers (the engine's run loop) invoke this on a fixed
// timer; each step is individually cheap and idempotent when there is
// nothing to do.
func (t *Torrent) Tick() {
	t.mu.Lock()
	active := t.userState == UserStateActive
	sched := t.sched
	acq := t.acquirer
	due := t.deps.Clock.Now().After(t.nextAnnounce)
	t.mu.Unlock()

	if !active {
		return
	}

	t.swarm.TopUp(t.deps.Admit)

	if sched != nil {
		sched.Schedule()
	}
	if acq != nil {
		acq.Tick()
		acq.RequestMore()
	}

	t.drainUploadQueue()

	if due {
		t.announce(tracker.EventNone)
	}

	t.mu.Lock()
	shouldPersist := t.deps.Clock.Now().Sub(t.lastPersist) >= t.cfg.MinPersistInterval
	t.mu.Unlock()
	if shouldPersist {
		if err := t.Persist(); err != nil {
			t.deps.Logger.Warnw("persist failed", "info_hash", t.infoHash, "err", err)
		}
	}
}

func (t *Torrent) announce(ev tracker.Event) {
	numWant := t.cfgs.Tracker.NumWant
	if numWant == 0 {
		numWant = 50 // mirrors tracker.Config.applyDefaults, unexported to this package
	}

	t.mu.Lock()
	left := t.manifest.TotalLength - t.downloaded
	req := tracker.Request{
		InfoHash:   t.infoHash,
		PeerID:     t.deps.LocalPeerID,
		Port:       t.deps.ListenPort,
		Uploaded:   t.uploaded,
		Downloaded: t.downloaded,
		Left:       left,
		Event:      ev,
		NumWant:    numWant,
	}
	t.mu.Unlock()

	resp, delay, err := t.trackerClient.Announce(req)
	t.mu.Lock()
	t.nextAnnounce = t.deps.Clock.Now().Add(delay)
	t.mu.Unlock()
	if err != nil {
		t.deps.Logger.Debugw("announce failed", "info_hash", t.infoHash, "err", err)
		return
	}
	t.swarm.AddKnown(resp.Peers...)
}

// PeerConnected implements swarm.Events: it onboards newly connected peers
// off the swarm's own goroutine so extension handshake and bitfield
// exchange never block swarm's admission bookkeeping.
func (t *Torrent) PeerConnected(c *peerconn.PeerConn) {
	go t.onboardPeer(c)
}

func (t *Torrent) onboardPeer(c *peerconn.PeerConn) {
	reg := extension.NewRegistry(extension.UTMetadata, extension.UTPex, extension.LTDontHave)

	t.mu.Lock()
	var metadataSize int64
	if t.infoBytes != nil {
		metadataSize = int64(len(t.infoBytes))
	}
	numPieces := 0
	if t.meta != nil {
		numPieces = t.manifest.NumPieces()
	}
	own := t.own
	t.mu.Unlock()

	if err := c.SendExtensionHandshake(reg, t.deps.ListenPort, metadataSize); err != nil {
		c.Close()
		return
	}
	remoteMetadataSize, err := c.ReceiveExtensionHandshake(reg)
	if err != nil {
		c.Close()
		return
	}
	if err := c.SendBitfield(own); err != nil {
		c.Close()
		return
	}
	// A peer that sends a genuinely non-empty bitfield before we know
	// metadata (numPieces==0) fails here; it self-heals once metadata
	// arrives and the swarm redials.
	if err := c.ReceiveBitfieldOrFirstMessage(numPieces); err != nil {
		c.Close()
		return
	}
	c.Start()

	h := &peerHandle{conn: c, registry: reg}

	t.mu.Lock()
	t.peers[c.PeerID()] = h
	sched := t.sched
	acq := t.acquirer
	t.mu.Unlock()

	if sched != nil {
		sched.AddPeer(c)
	}
	if acq != nil && reg.RemoteSupports(extension.UTMetadata) {
		if err := acq.AddPeer(metadataPeerAdapter{h: h}, remoteMetadataSize); err != nil {
			t.deps.Logger.Debugw("metadata peer registration failed", "peer", c.PeerID(), "err", err)
		}
	}

	t.emit(Event{Kind: EventPeerAdded, InfoHash: t.infoHash, PeerID: c.PeerID()})

	t.recomputeInterest(h)
	t.pumpPeer(h)
}

// recomputeInterest evaluates spec §4.5's interest predicate ("exists p:
// remote.has(p) and !we.have(p) and torrent.wants(p)" — torrent.wants(p) is
// always true here since nothing downstream of metadata narrows candidate
// pieces) and transmits INTERESTED/NOT_INTERESTED on any change.
// SetAmInterested itself dedupes repeats, so calling this unconditionally
// on every bitfield-affecting event is cheap.
func (t *Torrent) recomputeInterest(h *peerHandle) {
	remote := h.conn.RemoteBitfield()
	if remote == nil {
		return
	}
	t.mu.Lock()
	own := t.own
	t.mu.Unlock()
	if own == nil {
		_ = h.conn.SetAmInterested(false)
		return
	}
	n := remote.Len()
	if own.Len() < n {
		n = own.Len()
	}
	interested := false
	for i := 0; i < n; i++ {
		if remote.Get(i) && !own.Get(i) {
			interested = true
			break
		}
	}
	_ = h.conn.SetAmInterested(interested)
}

// PeerDisconnected implements swarm.Events.
func (t *Torrent) PeerDisconnected(peerID core.PeerID) {
	t.mu.Lock()
	delete(t.peers, peerID)
	sched := t.sched
	acq := t.acquirer
	t.mu.Unlock()

	if sched != nil {
		sched.RemovePeer(peerID)
	}
	if acq != nil {
		acq.RemovePeer(peerID)
	}
	t.emit(Event{Kind: EventPeerRemoved, InfoHash: t.infoHash, PeerID: peerID})
}

// pumpPeer ranges over h's receive channel until it closes, dispatching
// each message to the right handler. One goroutine per peer, matching the
// one-goroutine-per-connection shape peerconn.PeerConn's own readLoop
// uses internally.
func (t *Torrent) pumpPeer(h *peerHandle) {
	for msg := range h.conn.Receiver() {
		switch msg.ID {
		case wire.Interested:
			_ = h.conn.SetAmChoking(false) // unconditional unchoke: no tit-for-tat policy
		case wire.Have:
			t.recomputeInterest(h)
		case wire.Request:
			t.onRequest(h, msg.Index, msg.Begin, msg.Length)
		case wire.Piece:
			t.onPiece(h, msg.Index, msg.Begin, msg.Block)
		case wire.Extension:
			t.onExtension(h, msg.ExtensionID, msg.ExtensionPayload)
		}
	}
}

func (t *Torrent) onRequest(h *peerHandle, piece, begin, length int) {
	if !h.conn.QueueUpload(piece, begin, length) {
		return
	}
	if t.deps.Limiter.TryConsume(bandwidth.Upload, length) {
		t.sendPiece(h, piece, begin, length)
		return
	}

	t.mu.Lock()
	if len(t.uploadQueue) >= t.cfg.UploadQueueCapacity {
		t.mu.Unlock()
		_ = h.conn.SetAmChoking(true)
		return
	}
	t.uploadQueue = append(t.uploadQueue, uploadItem{peerID: h.conn.PeerID(), piece: piece, begin: begin, length: length})
	t.mu.Unlock()
}

func (t *Torrent) sendPiece(h *peerHandle, piece, begin, length int) {
	t.mu.Lock()
	store := t.storage
	t.mu.Unlock()
	if store == nil {
		return
	}
	data, err := store.Read(piece, int64(begin), int64(length))
	if err != nil {
		t.deps.Logger.Debugw("read for upload failed", "piece", piece, "err", err)
		return
	}
	if err := h.conn.SendPiece(piece, begin, data); err != nil {
		return
	}
	t.bwTracker.Record(bandwidth.Upload, int64(len(data)))
	t.mu.Lock()
	t.uploaded += int64(len(data))
	t.mu.Unlock()
}

// drainUploadQueue retries queued uploads that previously lost the upload
// token race, dropping entries for peers that disconnected or that we
// have since choked (spec §5: "discarding entries for peers no longer
// connected").
func (t *Torrent) drainUploadQueue() {
	t.mu.Lock()
	queue := t.uploadQueue
	t.uploadQueue = nil
	t.mu.Unlock()

	var retained []uploadItem
	for _, item := range queue {
		t.mu.Lock()
		h, ok := t.peers[item.peerID]
		t.mu.Unlock()
		if !ok || h.conn.AmChoking() {
			continue
		}
		if t.deps.Limiter.TryConsume(bandwidth.Upload, item.length) {
			t.sendPiece(h, item.piece, item.begin, item.length)
			continue
		}
		retained = append(retained, item)
	}

	if len(retained) > 0 {
		t.mu.Lock()
		t.uploadQueue = append(retained, t.uploadQueue...)
		t.mu.Unlock()
	}
}

func (t *Torrent) onPiece(h *peerHandle, piece, begin int, data []byte) {
	t.mu.Lock()
	sched := t.sched
	t.mu.Unlock()
	if sched == nil {
		return
	}
	t.bwTracker.Record(bandwidth.Download, int64(len(data)))
	t.mu.Lock()
	t.downloaded += int64(len(data))
	t.mu.Unlock()
	if _, err := sched.OnBlockReceived(h.conn.PeerID(), piece, int64(begin), data); err != nil {
		t.deps.Logger.Debugw("block commit failed", "piece", piece, "err", err)
	}
}

func (t *Torrent) onExtension(h *peerHandle, id byte, payload []byte) {
	name, ok := h.registry.LocalName(id)
	if !ok {
		return
	}
	switch name {
	case extension.UTMetadata:
		t.onMetadataMessage(h, payload)
	case extension.UTPex:
		t.onPexMessage(payload)
	case extension.LTDontHave:
		if index, err := extension.DecodeDontHave(payload); err == nil {
			h.conn.ApplyDontHave(index)
		}
	}
}

func (t *Torrent) onMetadataMessage(h *peerHandle, payload []byte) {
	msg, err := extension.DecodeMetadataMessage(payload)
	if err != nil {
		return
	}

	t.mu.Lock()
	acq := t.acquirer
	infoBytes := t.infoBytes
	t.mu.Unlock()

	switch msg.Type {
	case extension.MetadataRequest:
		t.onMetadataRequest(h, msg.PieceIdx, infoBytes)
	case extension.MetadataData:
		if acq != nil {
			_ = acq.OnData(h.conn.PeerID(), msg.PieceIdx, msg.Piece)
		}
	case extension.MetadataReject:
		if acq != nil {
			acq.OnReject(h.conn.PeerID(), msg.PieceIdx)
		}
	}
}

func (t *Torrent) onMetadataRequest(h *peerHandle, pieceIdx int, infoBytes []byte) {
	total := int64(len(infoBytes))
	offset := int64(pieceIdx) * extension.MetadataPieceSize
	if infoBytes == nil || offset >= total {
		payload, err := extension.EncodeMetadataReject(pieceIdx)
		if err == nil {
			_ = h.conn.SendExtensionMessage(h.registry, extension.UTMetadata, payload)
		}
		return
	}
	end := offset + extension.MetadataPieceSize
	if end > total {
		end = total
	}
	payload, err := extension.EncodeMetadataData(pieceIdx, total, infoBytes[offset:end])
	if err != nil {
		return
	}
	_ = h.conn.SendExtensionMessage(h.registry, extension.UTMetadata, payload)
}

func (t *Torrent) onPexMessage(payload []byte) {
	msg, err := extension.DecodePex(payload)
	if err != nil || len(msg.Added) == 0 {
		return
	}
	addrs, err := tracker.ParseCompactPeers(msg.Added, 4, swarm.OriginPEX)
	if err != nil {
		return
	}
	t.swarm.AddKnown(addrs...)
}

// MetadataReady implements metainfo.Events: metadata has just been
// assembled and verified against the torrent's info hash.
func (t *Torrent) MetadataReady(info *core.MetaInfo, infoBytes []byte) {
	t.mu.Lock()
	if err := t.installMetadataLocked(info, infoBytes); err != nil {
		t.errored = err
		t.mu.Unlock()
		t.emit(Event{Kind: EventError, InfoHash: t.infoHash, Err: err})
		return
	}
	sched := t.sched
	peers := make([]*peerHandle, 0, len(t.peers))
	for _, h := range t.peers {
		peers = append(peers, h)
	}
	t.mu.Unlock()

	for _, h := range peers {
		sched.AddPeer(h.conn)
		t.recomputeInterest(h)
	}

	t.emit(Event{Kind: EventMetadata, InfoHash: t.infoHash})
	if err := t.Persist(); err != nil {
		t.deps.Logger.Warnw("persist after metadata failed", "info_hash", t.infoHash, "err", err)
	}
}

// MetadataFault implements metainfo.Events: the assembled info dictionary
// failed to verify. Every contributing peer is banned, per spec §4.7 step
// 3 ("ban contributors"); the acquirer itself already reset and will
// retry with whichever peers remain.
func (t *Torrent) MetadataFault(contributors []core.PeerID) {
	for _, id := range contributors {
		t.swarm.Ban(id)
	}
}

// PieceVerified implements scheduler.Events: piece index just committed
// to storage. own.Set mirrors storage's internal bitfield, since
// storage.Bitfield() returns a clone rather than a live reference and the
// scheduler's candidate search consults own directly on every Schedule
// call.
func (t *Torrent) PieceVerified(index int) {
	t.mu.Lock()
	if t.own != nil {
		t.own.Set(index)
	}
	complete := t.own != nil && t.own.Complete()
	peers := make([]*peerHandle, 0, len(t.peers))
	for _, h := range t.peers {
		peers = append(peers, h)
	}
	t.mu.Unlock()

	have := wire.NewHave(index)
	for _, h := range peers {
		_ = h.conn.Send(have)
		t.recomputeInterest(h)
	}

	t.emit(Event{Kind: EventPiece, InfoHash: t.infoHash, Piece: index})
	if complete {
		t.emit(Event{Kind: EventComplete, InfoHash: t.infoHash})
		t.announce(tracker.EventCompleted)
	}
	if err := t.Persist(); err != nil {
		t.deps.Logger.Warnw("persist after piece failed", "info_hash", t.infoHash, "piece", index, "err", err)
	}
}

// PieceFault implements scheduler.Events: a piece failed to verify after
// every block arrived. If exactly one peer supplied every block, ban it
// per spec §7; a mixed-contributor failure is ambiguous and nobody is
// blamed.
func (t *Torrent) PieceFault(index int, contributors []core.PeerID) {
	if len(contributors) == 1 {
		t.swarm.Ban(contributors[0])
	}
}

// DuplicateBlock implements scheduler.Events. Expected during endgame;
// purely informational.
func (t *Torrent) DuplicateBlock(peerID core.PeerID) {}
