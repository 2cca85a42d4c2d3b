package tracker

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/bitswarm/engine/capability"
)

// udpProtocolID is BEP 15's magic constant identifying a connect request.
const udpProtocolID uint64 = 0x41727101980

const (
	udpActionConnect  uint32 = 0
	udpActionAnnounce uint32 = 1
	udpActionError    uint32 = 3
)

var udpEventCode = map[Event]uint32{
	EventNone:      0,
	EventCompleted: 1,
	EventStarted:   2,
	EventStopped:   3,
}

// udpMaxRetries bounds the canonical BEP 15 retransmit schedule
// (15 * 2^n seconds, n = 0..8); after 8 retries the tracker is considered
// unreachable for this attempt.
const udpMaxRetries = 8

// AnnounceUDP performs the BEP 15 connect/announce dance against a udp://
// tracker, grounded on the reference pack's SendUDPTrackerRequest (byte
// layout of connect/announce request and response) generalized to the
// canonical 15*2^n retransmit backoff instead of a fixed 3-attempt loop
// with linear timeout growth.
func AnnounceUDP(sockets capability.SocketFactory, random capability.Random, hostport string, timeout time.Duration, req Request) (*Response, error) {
	nc, err := sockets.DialUDP(hostport)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %s", ErrTracker, err)
	}
	defer nc.Close()

	connID, err := udpConnect(nc, random, timeout)
	if err != nil {
		return nil, err
	}
	return udpAnnounce(nc, random, timeout, connID, req)
}

func udpRetryDelay(n int) time.Duration {
	return time.Duration(15*(1<<uint(n))) * time.Second
}

func udpTransactionID(random capability.Random) (uint32, error) {
	var buf [4]byte
	if _, err := random.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("%w: read random: %s", ErrTracker, err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func udpConnect(nc net.Conn, random capability.Random, timeout time.Duration) (uint64, error) {
	txID, err := udpTransactionID(random)
	if err != nil {
		return 0, err
	}

	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(req[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	resp := make([]byte, 16)
	n, err := udpRoundTrip(nc, req, resp, timeout)
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, fmt.Errorf("%w: short connect response (%d bytes)", ErrTracker, n)
	}
	if action := binary.BigEndian.Uint32(resp[0:4]); action != udpActionConnect {
		return 0, fmt.Errorf("%w: unexpected connect action %d", ErrTracker, action)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != txID {
		return 0, ErrTransactionMismatch
	}
	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func udpAnnounce(nc net.Conn, random capability.Random, timeout time.Duration, connID uint64, req Request) (*Response, error) {
	txID, err := udpTransactionID(random)
	if err != nil {
		return nil, err
	}
	key, err := udpTransactionID(random)
	if err != nil {
		return nil, err
	}

	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}

	buf := make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], connID)
	binary.BigEndian.PutUint32(buf[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], txID)
	copy(buf[16:36], req.InfoHash.Bytes())
	copy(buf[36:56], req.PeerID.Bytes())
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], udpEventCode[req.Event])
	binary.BigEndian.PutUint32(buf[84:88], 0) // IP: let the tracker use the source address
	binary.BigEndian.PutUint32(buf[88:92], key)
	binary.BigEndian.PutUint32(buf[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(buf[96:98], uint16(req.Port))

	resp := make([]byte, 20+6*1024) // generous compact-peers headroom
	n, err := udpRoundTrip(nc, buf, resp, timeout)
	if err != nil {
		return nil, err
	}
	if n < 20 {
		return nil, fmt.Errorf("%w: short announce response (%d bytes)", ErrTracker, n)
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	if binary.BigEndian.Uint32(resp[4:8]) != txID {
		return nil, ErrTransactionMismatch
	}
	if action == udpActionError {
		return nil, fmt.Errorf("%w: %s", ErrTracker, string(resp[8:n]))
	}
	if action != udpActionAnnounce {
		return nil, fmt.Errorf("%w: unexpected announce action %d", ErrTracker, action)
	}

	interval := int(binary.BigEndian.Uint32(resp[8:12]))
	leechers := int(binary.BigEndian.Uint32(resp[12:16]))
	seeders := int(binary.BigEndian.Uint32(resp[16:20]))

	peers, err := parseCompactPeers(resp[20:n], 4)
	if err != nil {
		return nil, err
	}

	return &Response{Interval: interval, Leechers: leechers, Seeders: seeders, Peers: peers}, nil
}

// udpRoundTrip writes req and reads into resp, retransmitting on a read
// timeout, up to udpMaxRetries. Attempt n waits 15*2^n seconds (BEP 15's
// canonical schedule) capped at timeout when timeout is non-zero.
func udpRoundTrip(nc net.Conn, req, resp []byte, timeout time.Duration) (int, error) {
	for attempt := 0; attempt <= udpMaxRetries; attempt++ {
		if _, err := nc.Write(req); err != nil {
			return 0, fmt.Errorf("%w: write: %s", ErrTracker, err)
		}
		deadline := timeout
		if d := udpRetryDelay(attempt); d < deadline || deadline == 0 {
			deadline = d
		}
		if err := nc.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			return 0, fmt.Errorf("%w: set deadline: %s", ErrTracker, err)
		}
		n, err := nc.Read(resp)
		if err == nil {
			return n, nil
		}
		if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
			return 0, fmt.Errorf("%w: read: %s", ErrTracker, err)
		}
		// Timed out; loop retransmits with the next backoff tier.
	}
	return 0, fmt.Errorf("%w: no response after %d retries", ErrTracker, udpMaxRetries)
}
