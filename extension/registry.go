// Package extension implements the BEP 10 extension protocol: handshake
// negotiation of extended-message names to locally-assigned ids, plus the
// wire formats of the three extensions this engine supports —
// ut_metadata (BEP 9 metadata exchange), ut_pex (BEP 11 peer exchange),
// and lt_donthave. Grounded on the teacher's handshake marshal/unmarshal
// pattern (lib/torrent/scheduler/conn/handshaker.go's toP2PMessage /
// handshakeFromP2PMessage), re-expressed as BEP 10's bencoded dictionaries
// via jackpal/bencode-go instead of protobuf, since extension negotiation
// must be interoperable with standard BitTorrent clients (spec §6).
package extension

import (
	"bytes"
	"fmt"

	bencode "github.com/jackpal/bencode-go"
)

// Extension names this engine offers during the handshake.
const (
	UTMetadata = "ut_metadata"
	UTPex      = "ut_pex"
	LTDontHave = "lt_donthave"
)

// handshakeDict mirrors BEP 10's bencoded extension handshake dictionary.
type handshakeDict struct {
	M            map[string]int64 `bencode:"m"`
	P            int64            `bencode:"p,omitempty"`
	MetadataSize int64            `bencode:"metadata_size,omitempty"`
	V            string           `bencode:"v,omitempty"`
}

// Registry assigns local extended-message ids to the names this engine
// offers, and records the remote peer's own offered ids once its
// handshake is parsed. Extension messages sent TO a peer must use the id
// THAT peer assigned to the name in its own handshake: Registry separates
// "offered" (ours) from "remote" (theirs) for exactly this reason.
type Registry struct {
	offered map[string]byte
	remote  map[string]byte
}

// NewRegistry creates a Registry offering the given extension names,
// assigning sequential ids starting at 1 (id 0 is reserved by BEP 10 to
// mean "extension not supported").
func NewRegistry(names ...string) *Registry {
	offered := make(map[string]byte, len(names))
	for i, name := range names {
		offered[name] = byte(i + 1)
	}
	return &Registry{offered: offered, remote: make(map[string]byte)}
}

// LocalID returns the id this engine assigned to name in its own
// handshake, used to interpret an incoming EXTENSION message's id byte.
func (r *Registry) LocalID(name string) (byte, bool) {
	id, ok := r.offered[name]
	return id, ok
}

// LocalName is the inverse of LocalID: given the id byte of an incoming
// EXTENSION message (always one of our own offered ids, since the sender
// addresses us by the id we assigned), returns which extension it names.
func (r *Registry) LocalName(id byte) (string, bool) {
	for name, got := range r.offered {
		if got == id {
			return name, true
		}
	}
	return "", false
}

// RemoteID returns the id the remote peer assigned to name, used when
// sending an extension message to that peer.
func (r *Registry) RemoteID(name string) (byte, bool) {
	id, ok := r.remote[name]
	return id, ok
}

// RemoteSupports reports whether the remote peer's handshake offered name.
func (r *Registry) RemoteSupports(name string) bool {
	_, ok := r.remote[name]
	return ok
}

// EncodeHandshake bencodes this Registry's offered extensions into a BEP
// 10 handshake dictionary. listenPort and metadataSize are optional (0
// omits the field); metadataSize should be set once the torrent's info
// dictionary size is known, letting the remote preallocate for ut_metadata.
func (r *Registry) EncodeHandshake(listenPort int, metadataSize int64) ([]byte, error) {
	m := make(map[string]int64, len(r.offered))
	for name, id := range r.offered {
		m[name] = int64(id)
	}
	dict := handshakeDict{
		M:            m,
		P:            int64(listenPort),
		MetadataSize: metadataSize,
		V:            "bitswarm/1.0",
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, dict); err != nil {
		return nil, fmt.Errorf("extension: marshal handshake: %s", err)
	}
	return buf.Bytes(), nil
}

// ParseHandshake decodes a received BEP 10 handshake payload, updating
// r.remote and returning the peer-advertised metadata size (0 if absent).
func (r *Registry) ParseHandshake(payload []byte) (metadataSize int64, err error) {
	var dict handshakeDict
	if err := bencode.Unmarshal(bytes.NewReader(payload), &dict); err != nil {
		return 0, fmt.Errorf("extension: unmarshal handshake: %s", err)
	}
	remote := make(map[string]byte, len(dict.M))
	for name, id := range dict.M {
		if id < 0 || id > 255 {
			continue
		}
		remote[name] = byte(id)
	}
	r.remote = remote
	return dict.MetadataSize, nil
}
