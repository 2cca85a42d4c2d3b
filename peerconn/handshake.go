package peerconn

import (
	"fmt"
	"net"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/bitswarm/engine/core"
	"github.com/bitswarm/engine/wire"
)

// Dial performs the outbound handshake phase over an already-connected
// nc (see spec §4.5: "Dialing -> HandshakeSent" on TCP connect, observing
// connect latency into the torrent's timing tracker — connectLatency is
// returned here for the caller to record). It returns a PeerConn
// positioned at HandshakeReceived; the caller still owns bitfield
// exchange (SendBitfield/ReceiveBitfieldOrFirstMessage) before Start().
func Dial(
	nc net.Conn,
	cfg Config,
	clk clock.Clock,
	localPeerID core.PeerID,
	infoHash core.InfoHash,
	supportsExtension bool,
	dialStarted time.Time,
	events Events,
) (*PeerConn, time.Duration, error) {
	cfg = cfg.applyDefaults()

	out := wire.NewHandshake(infoHash, localPeerID, supportsExtension)
	if err := wire.WriteHandshakeTimeout(nc, out, cfg.HandshakeTimeout); err != nil {
		return nil, 0, fmt.Errorf("send handshake: %s", err)
	}
	in, err := wire.ReadHandshakeTimeout(nc, cfg.HandshakeTimeout)
	if err != nil {
		return nil, 0, fmt.Errorf("read handshake: %s", err)
	}
	if in.InfoHash != infoHash {
		return nil, 0, fmt.Errorf("%w: expected %s, got %s", ErrInfoHashMismatch, infoHash, in.InfoHash)
	}
	if in.PeerID == localPeerID {
		return nil, 0, ErrSelfConnect
	}
	connectLatency := clk.Now().Sub(dialStarted)

	c := newConn(cfg, clk, localPeerID, in.PeerID, infoHash, nc, in.SupportsExtension(), false, connectLatency, events)
	return c, connectLatency, nil
}

// Accept performs the inbound handshake phase: the remote dials us, so we
// read its handshake first, let the caller validate/select the info hash
// via accept, then reply with our own handshake.
func Accept(
	nc net.Conn,
	cfg Config,
	clk clock.Clock,
	localPeerID core.PeerID,
	accept func(core.InfoHash) (supportsExtension bool, ok bool),
	events Events,
) (*PeerConn, error) {
	cfg = cfg.applyDefaults()

	in, err := wire.ReadHandshakeTimeout(nc, cfg.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	if in.PeerID == localPeerID {
		return nil, ErrSelfConnect
	}
	ourExtension, ok := accept(in.InfoHash)
	if !ok {
		return nil, fmt.Errorf("peerconn: info hash %s not accepted", in.InfoHash)
	}

	out := wire.NewHandshake(in.InfoHash, localPeerID, ourExtension)
	if err := wire.WriteHandshakeTimeout(nc, out, cfg.HandshakeTimeout); err != nil {
		return nil, fmt.Errorf("send handshake: %s", err)
	}

	c := newConn(cfg, clk, localPeerID, in.PeerID, in.InfoHash, nc, in.SupportsExtension(), true, 0, events)
	return c, nil
}
