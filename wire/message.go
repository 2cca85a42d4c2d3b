// Package wire implements the BitTorrent peer-wire protocol (BEP 3): the
// initial handshake, length-prefixed message framing, and the core message
// set (choke/interested/have/bitfield/request/piece/cancel/port) plus the
// BEP 10 EXTENSION message id used by the extension package. Grounded on
// the teacher's lib/torrent/scheduler/conn package, whose length-prefixed
// framing shape (message.go: u32 length + payload, io.ReadFull) is kept
// verbatim; the payload itself is re-expressed as the real BEP 3 binary
// message set instead of protobuf, since this engine must be "bit-exact...
// interoperable with standard BitTorrent clients".
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID identifies a peer-wire message's type. Values match BEP 3 (and
// BEP 10 for Extension).
type MessageID byte

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9
	Extension     MessageID = 20
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case Extension:
		return "extension"
	default:
		return fmt.Sprintf("unknown(%d)", byte(id))
	}
}

// maxMessageSize bounds the length prefix so a corrupt or malicious peer
// cannot force an unbounded allocation. Large enough for a full BITFIELD
// message on multi-million-piece torrents plus a comfortable margin over a
// single 16 KiB block's PIECE message.
const maxMessageSize = 1 << 20

// ErrProtocol is wrapped by any framing or decode failure, so callers can
// treat it uniformly as a fatal connection error (spec §4.6/§4.10: a codec
// failure terminates the connection as a protocol error).
var ErrProtocol = errors.New("wire: protocol error")

// Message is a decoded peer-wire message. Which fields are meaningful
// depends on ID; see the As* accessors below for well-typed conversions.
type Message struct {
	ID MessageID

	Index int // Have, Request, Piece, Cancel
	Begin int // Request, Piece, Cancel
	Length int // Request, Cancel

	Block []byte // Piece payload

	BitfieldBytes []byte // Bitfield payload

	ListenPort uint16 // Port

	ExtensionID      byte   // Extension
	ExtensionPayload []byte // Extension
}

// NewHave returns a HAVE message for piece index.
func NewHave(index int) *Message { return &Message{ID: Have, Index: index} }

// NewBitfield returns a BITFIELD message carrying raw, already
// wire-encoded bitfield bytes (bitfield.Bitfield.RawBytes()).
func NewBitfield(b []byte) *Message { return &Message{ID: Bitfield, BitfieldBytes: b} }

// NewRequest returns a REQUEST message for the block at [begin, begin+length)
// of piece index.
func NewRequest(index, begin, length int) *Message {
	return &Message{ID: Request, Index: index, Begin: begin, Length: length}
}

// NewCancel returns a CANCEL message matching a previously sent REQUEST.
func NewCancel(index, begin, length int) *Message {
	return &Message{ID: Cancel, Index: index, Begin: begin, Length: length}
}

// NewPiece returns a PIECE message carrying block at begin of piece index.
func NewPiece(index, begin int, block []byte) *Message {
	return &Message{ID: Piece, Index: index, Begin: begin, Block: block}
}

// NewPort returns a PORT message (BEP 5 DHT port announcement).
func NewPort(port uint16) *Message { return &Message{ID: Port, ListenPort: port} }

// NewExtension returns an EXTENSION message (BEP 10).
func NewExtension(id byte, payload []byte) *Message {
	return &Message{ID: Extension, ExtensionID: id, ExtensionPayload: payload}
}

func simple(id MessageID) *Message { return &Message{ID: id} }

// NewChoke, NewUnchoke, NewInterested, and NewNotInterested return their
// respective zero-payload messages.
func NewChoke() *Message         { return simple(Choke) }
func NewUnchoke() *Message       { return simple(Unchoke) }
func NewInterested() *Message    { return simple(Interested) }
func NewNotInterested() *Message { return simple(NotInterested) }

// encodePayload returns the id byte plus type-specific payload, excluding
// the length prefix.
func (m *Message) encodePayload() ([]byte, error) {
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		return []byte{byte(m.ID)}, nil
	case Have:
		buf := make([]byte, 5)
		buf[0] = byte(Have)
		binary.BigEndian.PutUint32(buf[1:], uint32(m.Index))
		return buf, nil
	case Bitfield:
		buf := make([]byte, 1+len(m.BitfieldBytes))
		buf[0] = byte(Bitfield)
		copy(buf[1:], m.BitfieldBytes)
		return buf, nil
	case Request, Cancel:
		buf := make([]byte, 13)
		buf[0] = byte(m.ID)
		binary.BigEndian.PutUint32(buf[1:5], uint32(m.Index))
		binary.BigEndian.PutUint32(buf[5:9], uint32(m.Begin))
		binary.BigEndian.PutUint32(buf[9:13], uint32(m.Length))
		return buf, nil
	case Piece:
		buf := make([]byte, 9+len(m.Block))
		buf[0] = byte(Piece)
		binary.BigEndian.PutUint32(buf[1:5], uint32(m.Index))
		binary.BigEndian.PutUint32(buf[5:9], uint32(m.Begin))
		copy(buf[9:], m.Block)
		return buf, nil
	case Port:
		buf := make([]byte, 3)
		buf[0] = byte(Port)
		binary.BigEndian.PutUint16(buf[1:], m.ListenPort)
		return buf, nil
	case Extension:
		buf := make([]byte, 2+len(m.ExtensionPayload))
		buf[0] = byte(Extension)
		buf[1] = m.ExtensionID
		copy(buf[2:], m.ExtensionPayload)
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: unknown message id %d", ErrProtocol, m.ID)
	}
}

func decodePayload(payload []byte) (*Message, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty message payload", ErrProtocol)
	}
	id := MessageID(payload[0])
	body := payload[1:]
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		return simple(id), nil
	case Have:
		if len(body) != 4 {
			return nil, fmt.Errorf("%w: have: expected 4 bytes, got %d", ErrProtocol, len(body))
		}
		return &Message{ID: Have, Index: int(binary.BigEndian.Uint32(body))}, nil
	case Bitfield:
		bf := make([]byte, len(body))
		copy(bf, body)
		return &Message{ID: Bitfield, BitfieldBytes: bf}, nil
	case Request, Cancel:
		if len(body) != 12 {
			return nil, fmt.Errorf("%w: %s: expected 12 bytes, got %d", ErrProtocol, id, len(body))
		}
		return &Message{
			ID:     id,
			Index:  int(binary.BigEndian.Uint32(body[0:4])),
			Begin:  int(binary.BigEndian.Uint32(body[4:8])),
			Length: int(binary.BigEndian.Uint32(body[8:12])),
		}, nil
	case Piece:
		if len(body) < 8 {
			return nil, fmt.Errorf("%w: piece: too short: %d bytes", ErrProtocol, len(body))
		}
		block := make([]byte, len(body)-8)
		copy(block, body[8:])
		return &Message{
			ID:    Piece,
			Index: int(binary.BigEndian.Uint32(body[0:4])),
			Begin: int(binary.BigEndian.Uint32(body[4:8])),
			Block: block,
		}, nil
	case Port:
		if len(body) != 2 {
			return nil, fmt.Errorf("%w: port: expected 2 bytes, got %d", ErrProtocol, len(body))
		}
		return &Message{ID: Port, ListenPort: binary.BigEndian.Uint16(body)}, nil
	case Extension:
		if len(body) < 1 {
			return nil, fmt.Errorf("%w: extension: missing extended message id", ErrProtocol)
		}
		payload := make([]byte, len(body)-1)
		copy(payload, body[1:])
		return &Message{ID: Extension, ExtensionID: body[0], ExtensionPayload: payload}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message id %d", ErrProtocol, id)
	}
}

// WriteMessage frames and writes m to w. A nil m writes the zero-length
// keep-alive message.
func WriteMessage(w io.Writer, m *Message) error {
	if m == nil {
		var prefix [4]byte
		_, err := w.Write(prefix[:])
		return err
	}
	payload, err := m.encodePayload()
	if err != nil {
		return err
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %s", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %s", err)
	}
	return nil
}

// ReadMessage reads and decodes one framed message from r. It returns
// (nil, nil) for a keep-alive message.
func ReadMessage(r io.Reader) (*Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return nil, nil
	}
	if length > maxMessageSize {
		return nil, fmt.Errorf("%w: message length %d exceeds max %d", ErrProtocol, length, maxMessageSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read payload: %s", err)
	}
	return decodePayload(payload)
}
