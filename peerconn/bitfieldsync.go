package peerconn

import (
	"fmt"

	"github.com/bitswarm/engine/bitfield"
	"github.com/bitswarm/engine/extension"
	"github.com/bitswarm/engine/wire"
)

// SendExtensionHandshake transmits our BEP 10 extension handshake if the
// peer advertised extension support in its wire handshake (spec §4.5:
// "HandshakeReceived -> BitfieldSync: if remote advertises extensions, we
// send our extension handshake").
func (c *PeerConn) SendExtensionHandshake(registry *extension.Registry, listenPort int, metadataSize int64) error {
	if !c.remoteSupportsExtension {
		return nil
	}
	payload, err := registry.EncodeHandshake(listenPort, metadataSize)
	if err != nil {
		return err
	}
	return wire.WriteMessageTimeout(c.nc, wire.NewExtension(0, payload), c.cfg.HandshakeTimeout)
}

// ReceiveExtensionHandshake reads and applies the peer's BEP 10 extension
// handshake, returning the metadata size it advertised (0 if absent or
// unsupported). It is a no-op when the peer never advertised extension
// support.
func (c *PeerConn) ReceiveExtensionHandshake(registry *extension.Registry) (int64, error) {
	if !c.remoteSupportsExtension {
		return 0, nil
	}
	msg, err := wire.ReadMessageTimeout(c.nc, c.cfg.HandshakeTimeout)
	if err != nil {
		return 0, fmt.Errorf("read extension handshake: %s", err)
	}
	if msg == nil || msg.ID != wire.Extension || msg.ExtensionID != 0 {
		return 0, fmt.Errorf("%w: expected extension handshake", wire.ErrProtocol)
	}
	return registry.ParseHandshake(msg.ExtensionPayload)
}

// SendExtensionMessage sends a BEP 10 extended message for name, addressed
// to the id the remote peer itself assigned to that name in its handshake
// (spec §4.15: extension ids in an EXTENSION message are always the
// receiver's own, never the sender's).
func (c *PeerConn) SendExtensionMessage(registry *extension.Registry, name string, payload []byte) error {
	id, ok := registry.RemoteID(name)
	if !ok {
		return fmt.Errorf("peerconn: remote does not support %q", name)
	}
	return c.Send(wire.NewExtension(id, payload))
}

// SendBitfield transmits our piece set, per spec §4.5: "If we have any
// pieces, we send BITFIELD; otherwise nothing." It also advances the
// connection into BitfieldSync.
func (c *PeerConn) SendBitfield(bits *bitfield.Bitfield) error {
	c.setState(BitfieldSync)
	if bits == nil || bits.Cardinality() == 0 {
		return nil
	}
	return wire.WriteMessageTimeout(c.nc, wire.NewBitfield(bits.RawBytes()), c.cfg.HandshakeTimeout)
}

// ReceiveBitfieldOrFirstMessage reads exactly one pre-Running message, per
// spec §4.5: "We then process up to one BITFIELD ... before any other
// message." If the message is a BITFIELD it is parsed against numPieces
// and returned; otherwise the message is stashed to be replayed as the
// first message Start() delivers on Receiver(), and the peer is treated
// as advertising no pieces (the BEP 3 convention when a BITFIELD is
// omitted because the peer has nothing).
func (c *PeerConn) ReceiveBitfieldOrFirstMessage(numPieces int) error {
	c.setState(BitfieldSync)
	c.remoteBitfield = bitfield.New(numPieces)

	msg, err := wire.ReadMessageTimeout(c.nc, c.cfg.HandshakeTimeout)
	if err != nil {
		return fmt.Errorf("read bitfield/first message: %s", err)
	}
	if msg != nil && msg.ID == wire.Bitfield {
		bf, err := bitfield.FromBytes(numPieces, msg.BitfieldBytes)
		if err != nil {
			return fmt.Errorf("%w: malformed bitfield: %s", wire.ErrProtocol, err)
		}
		c.remoteBitfield = bf
		return nil
	}
	c.pending = msg
	return nil
}
