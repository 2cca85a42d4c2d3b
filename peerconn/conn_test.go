package peerconn

import (
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/bitswarm/engine/bitfield"
	"github.com/bitswarm/engine/core"
	"github.com/bitswarm/engine/wire"
)

type noopEvents struct {
	closed    chan *PeerConn
	timedOut  chan [3]int
	snoozed   chan *PeerConn
}

func newNoopEvents() *noopEvents {
	return &noopEvents{
		closed:   make(chan *PeerConn, 8),
		timedOut: make(chan [3]int, 8),
		snoozed:  make(chan *PeerConn, 8),
	}
}

func (e *noopEvents) ConnClosed(c *PeerConn) { e.closed <- c }
func (e *noopEvents) RequestTimedOut(c *PeerConn, piece, begin, length int) {
	e.timedOut <- [3]int{piece, begin, length}
}
func (e *noopEvents) PeerSnoozed(c *PeerConn) { e.snoozed <- c }

func dialAcceptPair(t *testing.T, cfg Config) (dialer *PeerConn, acceptor *PeerConn, dialerEvents, acceptorEvents *noopEvents, infoHash core.InfoHash) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	infoHash, err := core.NewInfoHashFromHex("0102030405060708090a0b0c0d0e0f1011121314")
	require.NoError(t, err)
	dialerID, err := core.NewPeerID()
	require.NoError(t, err)
	acceptorID, err := core.NewPeerID()
	require.NoError(t, err)

	clk := clock.NewMock()
	dialerEvents = newNoopEvents()
	acceptorEvents = newNoopEvents()

	type dialResult struct {
		conn *PeerConn
		err  error
	}
	dialCh := make(chan dialResult, 1)
	go func() {
		c, _, err := Dial(clientConn, cfg, clk, dialerID, infoHash, true, clk.Now(), dialerEvents)
		dialCh <- dialResult{c, err}
	}()

	acceptor, err = Accept(serverConn, cfg, clk, acceptorID, func(h core.InfoHash) (bool, bool) {
		return true, h == infoHash
	}, acceptorEvents)
	require.NoError(t, err)

	res := <-dialCh
	require.NoError(t, res.err)
	dialer = res.conn
	return
}

func TestDialAcceptHandshakeEstablishesConn(t *testing.T) {
	dialer, acceptor, _, _, infoHash := dialAcceptPair(t, Config{})
	require.Equal(t, infoHash, dialer.InfoHash())
	require.Equal(t, infoHash, acceptor.InfoHash())
	require.Equal(t, acceptor.peerID, dialer.PeerID())
	require.Equal(t, dialer.peerID, acceptor.PeerID())
	require.True(t, dialer.RemoteSupportsExtension())
	require.Equal(t, HandshakeReceived, dialer.State())
	require.Equal(t, HandshakeReceived, acceptor.State())
}

func TestSelfConnectRejected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	id, err := core.NewPeerID()
	require.NoError(t, err)
	infoHash, err := core.NewInfoHashFromHex("0102030405060708090a0b0c0d0e0f1011121314")
	require.NoError(t, err)
	clk := clock.NewMock()

	errCh := make(chan error, 1)
	go func() {
		_, _, err := Dial(clientConn, Config{}, clk, id, infoHash, false, clk.Now(), nil)
		errCh <- err
	}()

	_, err = Accept(serverConn, Config{}, clk, id, func(core.InfoHash) (bool, bool) { return false, true }, nil)
	require.ErrorIs(t, err, ErrSelfConnect)
	<-errCh
}

func TestBitfieldExchange(t *testing.T) {
	dialer, acceptor, _, _, _ := dialAcceptPair(t, Config{})

	const numPieces = 10
	dialerBits := bitfield.New(numPieces)
	dialerBits.Set(1)
	dialerBits.Set(3)

	errCh := make(chan error, 1)
	go func() {
		errCh <- dialer.SendBitfield(dialerBits)
	}()

	require.NoError(t, acceptor.ReceiveBitfieldOrFirstMessage(numPieces))
	require.NoError(t, <-errCh)

	remote := acceptor.RemoteBitfield()
	require.True(t, remote.Get(1))
	require.True(t, remote.Get(3))
	require.False(t, remote.Get(0))
}

func TestReceiveBitfieldOrFirstMessageStashesNonBitfield(t *testing.T) {
	cfg := Config{HandshakeTimeout: 2 * time.Second}
	dialer, acceptor, _, _, _ := dialAcceptPair(t, cfg)
	defer dialer.Close()
	defer acceptor.Close()

	const numPieces = 4

	// Dialer has nothing, so SendBitfield with an empty set is a no-op on
	// the wire; its first byte on the wire post-handshake is the UNCHOKE
	// sent right after starting the pumps.
	require.NoError(t, dialer.SendBitfield(bitfield.New(numPieces)))
	dialer.Start()
	require.NoError(t, dialer.Send(wire.NewUnchoke()))

	require.NoError(t, acceptor.ReceiveBitfieldOrFirstMessage(numPieces))
	require.NotNil(t, acceptor.pending)
	require.Equal(t, wire.Unchoke, acceptor.pending.ID)

	acceptor.Start()

	select {
	case msg := <-acceptor.Receiver():
		require.NotNil(t, msg)
		require.Equal(t, wire.Unchoke, msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unchoke")
	}
	require.False(t, acceptor.PeerChoking())
}

func TestRequestPipelineDepthEnforced(t *testing.T) {
	dialer, acceptor, _, _, _ := dialAcceptPair(t, Config{PipelineDepth: 2})
	dialer.peerChoking.Store(false)

	dialer.Start()
	acceptor.Start()
	defer dialer.Close()
	defer acceptor.Close()

	require.NoError(t, dialer.RequestBlock(0, 0, 16384))
	require.NoError(t, dialer.RequestBlock(0, 16384, 16384))
	err := dialer.RequestBlock(0, 32768, 16384)
	require.Error(t, err)
	require.Equal(t, 2, dialer.PendingRequestCount())
}

func TestChokeInterestDedup(t *testing.T) {
	dialer, acceptor, _, _, _ := dialAcceptPair(t, Config{SenderBufferSize: 4})
	dialer.Start()
	acceptor.Start()
	defer dialer.Close()
	defer acceptor.Close()

	require.NoError(t, dialer.SetAmInterested(true))
	require.NoError(t, dialer.SetAmInterested(true)) // no-op, same state
	require.True(t, dialer.AmInterested())

	select {
	case msg := <-acceptor.Receiver():
		require.Equal(t, wire.Interested, msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for interested")
	}

	select {
	case msg := <-acceptor.Receiver():
		t.Fatalf("unexpected second message delivered: %v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRequestTimeoutFiresEventAndSnoozesAfterThreshold(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	id1, _ := core.NewPeerID()
	id2, _ := core.NewPeerID()
	infoHash, _ := core.NewInfoHashFromHex("0102030405060708090a0b0c0d0e0f1011121314")
	clk := clock.NewMock()
	events := newNoopEvents()

	cfg := Config{RequestTimeout: 10 * time.Second, MaxRequestTimeouts: 2}
	c := newConn(cfg.applyDefaults(), clk, id1, id2, infoHash, clientConn, false, false, 0, events)
	c.peerChoking.Store(false)
	c.Start()
	defer c.Close()
	defer serverConn.Close()
	go func() {
		for {
			if _, err := wire.ReadMessage(serverConn); err != nil {
				return
			}
		}
	}()

	require.NoError(t, c.RequestBlock(0, 0, 16384))
	require.NoError(t, c.RequestBlock(1, 0, 16384))

	// The watchdog ticks every RequestTimeout/2. The first tick finds both
	// requests only half-way to their timeout; on the second both time
	// out, requestTimeouts goes to 2 >= MaxRequestTimeouts, and
	// PeerSnoozed fires on that same tick.
	clk.Add(cfg.RequestTimeout/2 + 1)
	clk.Add(cfg.RequestTimeout/2 + 1)

	seen := map[[2]int]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events.timedOut:
			seen[[2]int{ev[0], ev[1]}] = true
			require.Equal(t, 16384, ev[2])
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for RequestTimedOut event")
		}
	}
	require.True(t, seen[[2]int{0, 0}])
	require.True(t, seen[[2]int{1, 0}])

	select {
	case <-events.snoozed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PeerSnoozed event")
	}
	require.Equal(t, 0, c.PendingRequestCount())
}

func TestIdleRecvTimeoutClosesConnection(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	id1, _ := core.NewPeerID()
	id2, _ := core.NewPeerID()
	infoHash, _ := core.NewInfoHashFromHex("0102030405060708090a0b0c0d0e0f1011121314")
	clk := clock.NewMock()
	events := newNoopEvents()

	cfg := Config{IdleRecvTimeout: 5 * time.Second, RequestTimeout: 10 * time.Second}
	c := newConn(cfg.applyDefaults(), clk, id1, id2, infoHash, clientConn, false, false, 0, events)
	c.Start()
	defer serverConn.Close()

	clk.Add(cfg.RequestTimeout/2 + 1)

	select {
	case closed := <-events.closed:
		require.Equal(t, c, closed)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ConnClosed event")
	}
	require.True(t, c.IsClosed())
}

func TestOnPieceReceivedClearsPendingAndResetsTimeouts(t *testing.T) {
	dialer, acceptor, _, _, _ := dialAcceptPair(t, Config{})
	dialer.peerChoking.Store(false)
	dialer.requestTimeouts = 2

	require.NoError(t, dialer.RequestBlock(5, 0, 16384))
	require.Equal(t, 1, dialer.PendingRequestCount())

	dialer.onPieceReceived(5, 0)
	require.Equal(t, 0, dialer.PendingRequestCount())
	require.Equal(t, 0, dialer.requestTimeouts)

	_ = acceptor
}
