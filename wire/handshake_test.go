package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bitswarm/engine/core"
)

func TestHandshakeRoundTrip(t *testing.T) {
	ih, err := core.NewInfoHashFromHex("0123456789abcdef0123456789abcdef012345678")
	require.Error(t, err) // 41 chars, sanity check the fixture below is correct length.

	ih, err = core.NewInfoHashFromHex("0123456789abcdef0123456789abcdef01234567")
	require.NoError(t, err)
	pid, err := core.NewPeerID()
	require.NoError(t, err)

	hs := NewHandshake(ih, pid, true)
	require.True(t, hs.SupportsExtension())

	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf, hs))
	require.Equal(t, 68, buf.Len())

	got, err := ReadHandshake(&buf)
	require.NoError(t, err)
	require.Equal(t, ih, got.InfoHash)
	require.Equal(t, pid, got.PeerID)
	require.True(t, got.SupportsExtension())
}

func TestHandshakeWithoutExtensionBit(t *testing.T) {
	ih, err := core.NewInfoHashFromHex("0123456789abcdef0123456789abcdef01234567")
	require.NoError(t, err)
	pid, err := core.NewPeerID()
	require.NoError(t, err)
	hs := NewHandshake(ih, pid, false)
	require.False(t, hs.SupportsExtension())
}

func TestReadHandshakeRejectsWrongProtocolString(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(19)
	buf.WriteString("NotBitTorrentProto!")
	_, err := ReadHandshake(&buf)
	require.ErrorIs(t, err, ErrProtocol)
}
