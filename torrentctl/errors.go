package torrentctl

import "errors"

var (
	// ErrConfig is the spec §7 ConfigError kind: returned by New when the
	// Filesystem or Sockets dependency is missing, and by Recheck when the
	// torrent has no content storage yet (metadata not known).
	ErrConfig = errors.New("torrentctl: missing required configuration")

	// ErrAlreadyStarted is returned by Start on a torrent already active.
	ErrAlreadyStarted = errors.New("torrentctl: torrent already started")

	// ErrNotStarted is returned by Stop on a torrent already stopped.
	ErrNotStarted = errors.New("torrentctl: torrent not started")

	// ErrRecheckInProgress is returned when Recheck is called while one is
	// already running.
	ErrRecheckInProgress = errors.New("torrentctl: recheck already in progress")
)
