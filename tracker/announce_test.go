package tracker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCompactPeersIPv4(t *testing.T) {
	b := []byte{
		192, 168, 1, 1, 0x1A, 0xE1,
		10, 0, 0, 2, 0x00, 0x50,
	}
	peers, err := parseCompactPeers(b, 4)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	require.Equal(t, "192.168.1.1", peers[0].Host)
	require.Equal(t, 6881, peers[0].Port)
	require.Equal(t, "10.0.0.2", peers[1].Host)
	require.Equal(t, 80, peers[1].Port)
}

func TestParseCompactPeersIPv6(t *testing.T) {
	ip := []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	b := append(append([]byte{}, ip...), 0x1A, 0xE1)
	peers, err := parseCompactPeers(b, 16)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, 6881, peers[0].Port)
}

func TestParseCompactPeersMalformed(t *testing.T) {
	_, err := parseCompactPeers([]byte{1, 2, 3}, 4)
	require.ErrorIs(t, err, ErrMalformedPeerList)
}
