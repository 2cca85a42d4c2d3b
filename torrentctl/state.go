package torrentctl

// UserState is the user-facing intent a torrent is persisted under (spec
// §4.11/§6: "user_state" round-trips through SessionStore).
type UserState string

const (
	UserStateActive  UserState = "active"
	UserStateStopped UserState = "stopped"
)

// ActivityState is derived, never stored directly, from
// (has_metadata, bitfield_complete, recheck_in_progress, error) per spec
// §4.11.
type ActivityState string

const (
	ActivityStopped             ActivityState = "stopped"
	ActivityError               ActivityState = "error"
	ActivityCheckingFiles       ActivityState = "checking_files"
	ActivityDownloadingMetadata ActivityState = "downloading_metadata"
	ActivityDownloading         ActivityState = "downloading"
	ActivitySeeding             ActivityState = "seeding"
)

// deriveActivityState realizes spec §4.11's state table. userActive is the
// torrent's UserState; the rest mirror the distilled spec's derivation
// inputs exactly.
func deriveActivityState(userActive, hasMetadata, bitfieldComplete, rechecking, errored bool) ActivityState {
	if errored {
		return ActivityError
	}
	if rechecking {
		return ActivityCheckingFiles
	}
	if !userActive {
		return ActivityStopped
	}
	if !hasMetadata {
		return ActivityDownloadingMetadata
	}
	if bitfieldComplete {
		return ActivitySeeding
	}
	return ActivityDownloading
}
