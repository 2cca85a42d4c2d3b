package tracker

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bitswarm/engine/core"
)

// loopbackSockets implements capability.SocketFactory.DialUDP over a real
// loopback UDP socket, so AnnounceUDP can be exercised against an
// in-process fake tracker goroutine without touching the network.
type loopbackSockets struct{}

func (loopbackSockets) DialTCP(addr string, timeout time.Duration) (net.Conn, error) { return nil, nil }
func (loopbackSockets) ListenTCP(port int) (net.Listener, error)                     { return nil, nil }
func (loopbackSockets) DialUDP(addr string) (net.Conn, error) {
	return net.Dial("udp", addr)
}

type fixedRandom struct{ next uint32 }

func (r *fixedRandom) Read(b []byte) (int, error) {
	binary.BigEndian.PutUint32(b, r.next)
	r.next++
	return len(b), nil
}

// fakeUDPTracker answers one connect and one announce request, then exits.
func fakeUDPTracker(t *testing.T, pc net.PacketConn, peerBytes []byte) {
	t.Helper()
	buf := make([]byte, 1500)

	n, addr, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	txID := binary.BigEndian.Uint32(buf[12:16])

	connResp := make([]byte, 16)
	binary.BigEndian.PutUint32(connResp[0:4], udpActionConnect)
	binary.BigEndian.PutUint32(connResp[4:8], txID)
	binary.BigEndian.PutUint64(connResp[8:16], 0xABCDEF0102030405)
	_, err = pc.WriteTo(connResp, addr)
	require.NoError(t, err)

	n, addr, err = pc.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, 98, n)
	announceTxID := binary.BigEndian.Uint32(buf[12:16])

	resp := make([]byte, 20+len(peerBytes))
	binary.BigEndian.PutUint32(resp[0:4], udpActionAnnounce)
	binary.BigEndian.PutUint32(resp[4:8], announceTxID)
	binary.BigEndian.PutUint32(resp[8:12], 1800)
	binary.BigEndian.PutUint32(resp[12:16], 3)
	binary.BigEndian.PutUint32(resp[16:20], 7)
	copy(resp[20:], peerBytes)
	_, err = pc.WriteTo(resp, addr)
	require.NoError(t, err)
}

func TestAnnounceUDPHappyPath(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	peerBytes := []byte{10, 0, 0, 1, 0x1A, 0xE1} // 10.0.0.1:6881
	done := make(chan struct{})
	go func() {
		defer close(done)
		fakeUDPTracker(t, pc, peerBytes)
	}()

	req := Request{InfoHash: core.InfoHash{1}, PeerID: core.PeerID{2}, Port: 6881, Left: 100, NumWant: 50}
	resp, err := AnnounceUDP(loopbackSockets{}, &fixedRandom{next: 1}, pc.LocalAddr().String(), 2*time.Second, req)
	require.NoError(t, err)
	require.Equal(t, 1800, resp.Interval)
	require.Equal(t, 3, resp.Leechers)
	require.Equal(t, 7, resp.Seeders)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, "10.0.0.1", resp.Peers[0].Host)
	require.Equal(t, 6881, resp.Peers[0].Port)

	<-done
}

func TestUDPRetryDelaySchedule(t *testing.T) {
	require.Equal(t, 15*time.Second, udpRetryDelay(0))
	require.Equal(t, 30*time.Second, udpRetryDelay(1))
	require.Equal(t, 60*time.Second, udpRetryDelay(2))
}
