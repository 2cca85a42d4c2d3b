package scheduler

import "errors"

var (
	// ErrNoMetadata names the no-manifest-yet condition. No Scheduler
	// method returns it: a Scheduler is only constructed once the
	// torrent's piece manifest is known.
	ErrNoMetadata = errors.New("scheduler: no metadata")
)
