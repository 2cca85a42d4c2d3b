// Package core defines identifiers and small value types shared across the
// engine: info hashes, peer ids, blocks, and piece/file manifests.
package core

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// InfoHash is the 20-byte SHA-1 hash of a torrent's bencoded info dictionary.
// It is the authoritative identifier for a torrent.
type InfoHash [20]byte

// NewInfoHashFromHex converts a 40-character hex string into an InfoHash.
func NewInfoHashFromHex(s string) (InfoHash, error) {
	if len(s) != 40 {
		return InfoHash{}, fmt.Errorf("invalid info hash: expected 40 hex characters, got %d", len(s))
	}
	var h InfoHash
	n, err := hex.Decode(h[:], []byte(s))
	if err != nil {
		return InfoHash{}, fmt.Errorf("invalid hex: %s", err)
	}
	if n != 20 {
		return InfoHash{}, fmt.Errorf("invariant violation: expected 20 bytes, got %d", n)
	}
	return h, nil
}

// NewInfoHashFromBytes copies 20 raw bytes into an InfoHash.
func NewInfoHashFromBytes(b []byte) (InfoHash, error) {
	var h InfoHash
	if len(b) != 20 {
		return InfoHash{}, fmt.Errorf("invalid info hash: expected 20 bytes, got %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HashBencodedInfo computes the InfoHash of the canonical bencoded info bytes.
func HashBencodedInfo(infoBytes []byte) InfoHash {
	var h InfoHash
	sum := sha1.Sum(infoBytes)
	copy(h[:], sum[:])
	return h
}

// Bytes returns the raw 20 bytes of h.
func (h InfoHash) Bytes() []byte {
	return h[:]
}

// Hex returns the lowercase hex-string form of h, used as a map key.
func (h InfoHash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h InfoHash) String() string {
	return h.Hex()
}
