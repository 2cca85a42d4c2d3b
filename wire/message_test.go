package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m *Message) *Message {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, m))
	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	return got
}

func TestRoundTripSimpleMessages(t *testing.T) {
	for _, m := range []*Message{NewChoke(), NewUnchoke(), NewInterested(), NewNotInterested()} {
		got := roundTrip(t, m)
		require.Equal(t, m.ID, got.ID)
	}
}

func TestRoundTripHave(t *testing.T) {
	got := roundTrip(t, NewHave(42))
	require.Equal(t, Have, got.ID)
	require.Equal(t, 42, got.Index)
}

func TestRoundTripBitfield(t *testing.T) {
	raw := []byte{0xFF, 0x80}
	got := roundTrip(t, NewBitfield(raw))
	require.Equal(t, Bitfield, got.ID)
	require.Equal(t, raw, got.BitfieldBytes)
}

func TestRoundTripRequestAndCancel(t *testing.T) {
	got := roundTrip(t, NewRequest(1, 16384, 16384))
	require.Equal(t, Request, got.ID)
	require.Equal(t, 1, got.Index)
	require.Equal(t, 16384, got.Begin)
	require.Equal(t, 16384, got.Length)

	got = roundTrip(t, NewCancel(1, 16384, 16384))
	require.Equal(t, Cancel, got.ID)
}

func TestRoundTripPiece(t *testing.T) {
	block := bytes.Repeat([]byte{0x7A}, 16384)
	got := roundTrip(t, NewPiece(3, 0, block))
	require.Equal(t, Piece, got.ID)
	require.Equal(t, 3, got.Index)
	require.Equal(t, 0, got.Begin)
	require.Equal(t, block, got.Block)
}

func TestRoundTripPort(t *testing.T) {
	got := roundTrip(t, NewPort(6881))
	require.Equal(t, Port, got.ID)
	require.Equal(t, uint16(6881), got.ListenPort)
}

func TestRoundTripExtension(t *testing.T) {
	got := roundTrip(t, NewExtension(3, []byte("d1:md11:ut_metadatai1eee")))
	require.Equal(t, Extension, got.ID)
	require.Equal(t, byte(3), got.ExtensionID)
	require.Equal(t, []byte("d1:md11:ut_metadatai1eee"), got.ExtensionPayload)
}

func TestKeepAliveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, nil))
	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	// Length prefix far beyond maxMessageSize, no payload follows.
	buf.Write([]byte{0x7F, 0xFF, 0xFF, 0xFF})
	_, err := ReadMessage(&buf)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeRejectsMalformedRequest(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &Message{ID: Request, Index: 1, Begin: 0, Length: 1}))
	// Truncate the already-framed message: rewrite with a short body.
	buf.Reset()
	buf.Write([]byte{0x00, 0x00, 0x00, 0x05}) // length=5, but request needs 13
	buf.Write([]byte{byte(Request), 0, 0, 0, 0})
	_, err := ReadMessage(&buf)
	require.ErrorIs(t, err, ErrProtocol)
}
