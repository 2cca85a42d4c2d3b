package extension

import (
	"bytes"
	"fmt"

	bencode "github.com/jackpal/bencode-go"
)

// pexDict mirrors BEP 11's ut_pex message. Compact peer lists are raw byte
// strings (6 bytes per IPv4 peer: 4-byte address + 2-byte port), so the
// fields are Go strings rather than []byte — matching the convention
// core/metainfo.go uses for the "pieces" field, since jackpal/bencode-go
// treats a Go string as an arbitrary (non-UTF8-validated) byte string.
type pexDict struct {
	Added      string `bencode:"added,omitempty"`
	AddedFlags string `bencode:"added.f,omitempty"`
	Dropped    string `bencode:"dropped,omitempty"`
}

// PexMessage is a decoded ut_pex message.
type PexMessage struct {
	Added      []byte // compact peer list, newly-seen peers
	AddedFlags []byte // one flags byte per Added peer (bit 0x01 = prefers encryption, etc.)
	Dropped    []byte // compact peer list, peers the sender disconnected from
}

// EncodePex bencodes a PexMessage.
func EncodePex(m PexMessage) ([]byte, error) {
	d := pexDict{
		Added:      string(m.Added),
		AddedFlags: string(m.AddedFlags),
		Dropped:    string(m.Dropped),
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, d); err != nil {
		return nil, fmt.Errorf("extension: marshal ut_pex: %s", err)
	}
	return buf.Bytes(), nil
}

// DecodePex parses a ut_pex payload.
func DecodePex(payload []byte) (*PexMessage, error) {
	var d pexDict
	if err := bencode.Unmarshal(bytes.NewReader(payload), &d); err != nil {
		return nil, fmt.Errorf("extension: unmarshal ut_pex: %s", err)
	}
	return &PexMessage{
		Added:      []byte(d.Added),
		AddedFlags: []byte(d.AddedFlags),
		Dropped:    []byte(d.Dropped),
	}, nil
}
