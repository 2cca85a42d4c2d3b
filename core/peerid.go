package core

import (
	"crypto/rand"
	"fmt"
	"io"
)

// PeerID is the 20-byte self-identifying id a client presents during the
// peer-wire handshake.
type PeerID [20]byte

// clientPrefix identifies this engine per the Azureus-style convention
// ("-XX1000-" followed by 12 random bytes).
const clientPrefix = "-BS0001-"

// NewPeerID generates a fresh, random peer id for a session.
func NewPeerID() (PeerID, error) {
	var id PeerID
	copy(id[:], clientPrefix)
	if _, err := rand.Read(id[len(clientPrefix):]); err != nil {
		return PeerID{}, fmt.Errorf("read random: %s", err)
	}
	return id, nil
}

// NewPeerIDFromRandom generates a session peer id from r, the engine's
// injected Random capability (spec §6) rather than crypto/rand directly,
// so engine construction is reproducible under a deterministic test
// source.
func NewPeerIDFromRandom(r io.Reader) (PeerID, error) {
	var id PeerID
	copy(id[:], clientPrefix)
	if _, err := io.ReadFull(r, id[len(clientPrefix):]); err != nil {
		return PeerID{}, fmt.Errorf("read random: %s", err)
	}
	return id, nil
}

// NewPeerIDFromBytes copies 20 raw bytes into a PeerID.
func NewPeerIDFromBytes(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != 20 {
		return PeerID{}, fmt.Errorf("invalid peer id: expected 20 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id PeerID) Bytes() []byte {
	return id[:]
}

func (id PeerID) String() string {
	return fmt.Sprintf("%x", id[:])
}
