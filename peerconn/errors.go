package peerconn

import "errors"

var (
	ErrClosed             = errors.New("peerconn: connection closed")
	ErrSendBufferFull     = errors.New("peerconn: send buffer full")
	ErrInfoHashMismatch   = errors.New("peerconn: info hash mismatch")
	ErrSelfConnect        = errors.New("peerconn: self connect")
	ErrUnexpectedBitfield = errors.New("peerconn: unexpected bitfield after bitfield sync")
)
