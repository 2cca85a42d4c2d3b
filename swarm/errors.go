package swarm

import "errors"

var (
	// ErrTorrentStopped is returned by DialOne when the torrent's
	// user-state is stopped: spec §3 forbids initiating new peer
	// connections in that state.
	ErrTorrentStopped = errors.New("swarm: torrent stopped")

	// ErrAdmissionDenied is returned by DialOne and AdoptAccepted when the
	// torrent's per-torrent connection cap is already full. A refusal from
	// the engine-wide admit callback is not reported with this error: TopUp
	// simply stops dialing.
	ErrAdmissionDenied = errors.New("swarm: connection admission denied")

	// ErrBanned is returned when DialOne targets a currently-banned
	// address.
	ErrBanned = errors.New("swarm: address is banned")

	// ErrAlreadyConnected is returned when a duplicate peer id connects a
	// second time (spec §4.5: "disallowed duplicate peer-id").
	ErrAlreadyConnected = errors.New("swarm: peer id already connected")

	// Unreachable is the spec §7 error kind for dial timeout, connection
	// refused, or DNS failure; wrapped so callers can treat it uniformly.
	ErrUnreachable = errors.New("swarm: peer unreachable")
)
