package extension

import (
	"bytes"
	"fmt"

	bencode "github.com/jackpal/bencode-go"
)

// MetadataMsgType is the ut_metadata message "msg_type" field (BEP 9).
type MetadataMsgType int64

const (
	MetadataRequest MetadataMsgType = 0
	MetadataData    MetadataMsgType = 1
	MetadataReject  MetadataMsgType = 2
)

// MetadataPieceSize is the fixed chunk size BEP 9 divides the info
// dictionary into.
const MetadataPieceSize = 16 * 1024

type metadataDict struct {
	MsgType   int64 `bencode:"msg_type"`
	Piece     int64 `bencode:"piece"`
	TotalSize int64 `bencode:"total_size,omitempty"`
}

// EncodeMetadataRequest builds a ut_metadata request for piece index pi.
func EncodeMetadataRequest(pi int) ([]byte, error) {
	return marshalMetadataDict(metadataDict{MsgType: int64(MetadataRequest), Piece: int64(pi)})
}

// EncodeMetadataReject builds a ut_metadata reject for piece index pi.
func EncodeMetadataReject(pi int) ([]byte, error) {
	return marshalMetadataDict(metadataDict{MsgType: int64(MetadataReject), Piece: int64(pi)})
}

// EncodeMetadataData builds a ut_metadata data message for piece index pi,
// with totalSize the full info dictionary length. Per BEP 9, the raw piece
// bytes are appended directly after the bencoded dictionary, not encoded
// as a bencode string.
func EncodeMetadataData(pi int, totalSize int64, piece []byte) ([]byte, error) {
	header, err := marshalMetadataDict(metadataDict{
		MsgType:   int64(MetadataData),
		Piece:     int64(pi),
		TotalSize: totalSize,
	})
	if err != nil {
		return nil, err
	}
	return append(header, piece...), nil
}

func marshalMetadataDict(d metadataDict) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, d); err != nil {
		return nil, fmt.Errorf("extension: marshal ut_metadata: %s", err)
	}
	return buf.Bytes(), nil
}

// MetadataMessage is a decoded ut_metadata message. Piece holds the raw
// piece bytes only when Type == MetadataData.
type MetadataMessage struct {
	Type      MetadataMsgType
	PieceIdx  int
	TotalSize int64
	Piece     []byte
}

// DecodeMetadataMessage parses a ut_metadata payload. Because BEP 9 appends
// raw piece bytes directly after the bencoded dictionary (no length
// prefix), the dictionary's end is found by decoding it with a Reader and
// consuming only as many bytes as the decoder actually read.
func DecodeMetadataMessage(payload []byte) (*MetadataMessage, error) {
	r := bytes.NewReader(payload)
	var d metadataDict
	if err := bencode.Unmarshal(r, &d); err != nil {
		return nil, fmt.Errorf("extension: unmarshal ut_metadata: %s", err)
	}
	msg := &MetadataMessage{
		Type:      MetadataMsgType(d.MsgType),
		PieceIdx:  int(d.Piece),
		TotalSize: d.TotalSize,
	}
	if msg.Type == MetadataData {
		rest := payload[len(payload)-r.Len():]
		msg.Piece = append([]byte{}, rest...)
	}
	return msg, nil
}
