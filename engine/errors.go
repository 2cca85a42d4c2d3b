package engine

import "errors"

var (
	// ErrConfig is the spec §7 ConfigError kind: the engine (or a torrent
	// it was asked to construct) is missing a required capability.
	ErrConfig = errors.New("engine: missing required configuration")

	// ErrUnknownTorrent is returned by operations addressed to an
	// InfoHash the engine has no record of.
	ErrUnknownTorrent = errors.New("engine: unknown torrent")

	// ErrAlreadyAdded is returned by AddMagnet and AddTorrentFile for an
	// InfoHash already present in the engine's torrent map.
	ErrAlreadyAdded = errors.New("engine: torrent already added")

	// ErrShuttingDown names the engine-is-shutting-down condition. No
	// Engine method returns it: calls made after Shutdown are not
	// rejected.
	ErrShuttingDown = errors.New("engine: shutting down")
)
