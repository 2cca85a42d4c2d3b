package wire

import (
	"fmt"
	"io"

	"github.com/bitswarm/engine/core"
)

// pstr is the BEP 3 protocol string identifying the wire protocol version.
const pstr = "BitTorrent protocol"

// extensionReservedByte is the index into Handshake.Reserved whose 0x10 bit
// advertises BEP 10 extension protocol support.
const extensionReservedByte = 5
const extensionBit = 0x10

// Handshake is the fixed 68-byte BEP 3 handshake exchanged before any
// length-prefixed message.
type Handshake struct {
	Reserved [8]byte
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

// NewHandshake builds a Handshake for infoHash/peerID, setting the
// extension-protocol reserved bit when supportsExtension is true.
func NewHandshake(infoHash core.InfoHash, peerID core.PeerID, supportsExtension bool) Handshake {
	var hs Handshake
	hs.InfoHash = infoHash
	hs.PeerID = peerID
	if supportsExtension {
		hs.Reserved[extensionReservedByte] |= extensionBit
	}
	return hs
}

// SupportsExtension reports whether the remote peer advertised BEP 10
// extension protocol support.
func (h Handshake) SupportsExtension() bool {
	return h.Reserved[extensionReservedByte]&extensionBit != 0
}

// WriteHandshake writes the 68-byte handshake to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	buf := make([]byte, 0, 68)
	buf = append(buf, byte(len(pstr)))
	buf = append(buf, pstr...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash.Bytes()...)
	buf = append(buf, h.PeerID.Bytes()...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates a 68-byte handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return Handshake{}, fmt.Errorf("%w: read pstrlen: %s", ErrProtocol, err)
	}
	if int(lenByte[0]) != len(pstr) {
		return Handshake{}, fmt.Errorf("%w: unexpected pstrlen %d", ErrProtocol, lenByte[0])
	}
	pstrBuf := make([]byte, len(pstr))
	if _, err := io.ReadFull(r, pstrBuf); err != nil {
		return Handshake{}, fmt.Errorf("%w: read pstr: %s", ErrProtocol, err)
	}
	if string(pstrBuf) != pstr {
		return Handshake{}, fmt.Errorf("%w: unexpected protocol string %q", ErrProtocol, pstrBuf)
	}

	var hs Handshake
	if _, err := io.ReadFull(r, hs.Reserved[:]); err != nil {
		return Handshake{}, fmt.Errorf("%w: read reserved: %s", ErrProtocol, err)
	}
	var ihBuf [20]byte
	if _, err := io.ReadFull(r, ihBuf[:]); err != nil {
		return Handshake{}, fmt.Errorf("%w: read info_hash: %s", ErrProtocol, err)
	}
	ih, err := core.NewInfoHashFromBytes(ihBuf[:])
	if err != nil {
		return Handshake{}, fmt.Errorf("%w: info_hash: %s", ErrProtocol, err)
	}
	hs.InfoHash = ih

	var pidBuf [20]byte
	if _, err := io.ReadFull(r, pidBuf[:]); err != nil {
		return Handshake{}, fmt.Errorf("%w: read peer_id: %s", ErrProtocol, err)
	}
	pid, err := core.NewPeerIDFromBytes(pidBuf[:])
	if err != nil {
		return Handshake{}, fmt.Errorf("%w: peer_id: %s", ErrProtocol, err)
	}
	hs.PeerID = pid

	return hs, nil
}
