package tracker

import "errors"

var (
	// ErrTracker is the spec §7 TrackerError kind: HTTP non-2xx, bencode
	// failure, UDP transaction mismatch, or malformed peer list. Never
	// fatal to the torrent (handled by backoff, see Config).
	ErrTracker = errors.New("tracker: request failed")

	// ErrTransactionMismatch is returned when a UDP response's
	// transaction id does not match the request that elicited it.
	ErrTransactionMismatch = errors.New("tracker: transaction id mismatch")

	// ErrMalformedPeerList is returned when a compact peer list's length
	// is not a multiple of the per-peer entry size.
	ErrMalformedPeerList = errors.New("tracker: malformed compact peer list")

	// ErrUnsupportedScheme is returned for announce URLs that are
	// neither http(s):// nor udp://.
	ErrUnsupportedScheme = errors.New("tracker: unsupported announce scheme")
)
