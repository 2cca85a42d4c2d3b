package wire

import (
	"fmt"
	"net"
	"time"
)

// WriteMessageTimeout and ReadMessageTimeout apply a deadline to nc before
// delegating to WriteMessage/ReadMessage. Deadlines are set directly on the
// net.Conn rather than routed through a clock.Clock: the net package always
// evaluates SetDeadline against the system clock, so a mock clock could
// never actually influence this timeout in tests.
func WriteMessageTimeout(nc net.Conn, m *Message, timeout time.Duration) error {
	if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %s", err)
	}
	return WriteMessage(nc, m)
}

func ReadMessageTimeout(nc net.Conn, timeout time.Duration) (*Message, error) {
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %s", err)
	}
	return ReadMessage(nc)
}

// WriteHandshakeTimeout and ReadHandshakeTimeout are the handshake-phase
// equivalents, used while dialing/accepting before the connection has
// negotiated full framing.
func WriteHandshakeTimeout(nc net.Conn, h Handshake, timeout time.Duration) error {
	if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %s", err)
	}
	return WriteHandshake(nc, h)
}

func ReadHandshakeTimeout(nc net.Conn, timeout time.Duration) (Handshake, error) {
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Handshake{}, fmt.Errorf("set read deadline: %s", err)
	}
	return ReadHandshake(nc)
}
