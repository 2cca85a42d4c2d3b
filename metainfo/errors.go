package metainfo

import "errors"

var (
	// ErrSizeMismatch is returned when a peer's advertised metadata_size
	// disagrees with the size already established by an earlier peer; per
	// spec §4.7 step 1 the peer is ignored rather than torn down.
	ErrSizeMismatch = errors.New("metainfo: metadata_size disagrees with established total")

	// ErrHashMismatch is returned by OnData (alongside an
	// Events.MetadataFault call) when the assembled info dictionary's
	// SHA-1 does not equal the torrent's InfoHash.
	ErrHashMismatch = errors.New("metainfo: assembled metadata does not match info hash")

	// ErrAlreadyComplete is returned by OnData once metadata has already
	// been accepted.
	ErrAlreadyComplete = errors.New("metainfo: metadata already acquired")

	// ErrUnknownPeer names a message from a peer never registered via
	// AddPeer. No Acquirer method returns it: OnData and OnReject do not
	// check the sender against the registered peers.
	ErrUnknownPeer = errors.New("metainfo: unknown peer")
)
