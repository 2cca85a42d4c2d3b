// Package capability declares the external collaborator interfaces the
// engine is polymorphic over, per spec §6 and §9's "dynamic dispatch (mock
// adapters)" design note: a capability struct of function-pointer-shaped
// interfaces passed at engine construction, rather than inheritance. Tests
// inject in-memory sockets, filesystems, and hashers satisfying these
// interfaces; real embedders supply implementations backed by net, os, and
// their own persistence layer.
package capability

import (
	"io"
	"net"
	"time"

	"github.com/bitswarm/engine/core"
)

// SocketFactory dials and listens for TCP/UDP connections on behalf of the
// engine. The default implementation wraps net.Dialer/net.Listen; tests
// substitute in-memory pipes.
type SocketFactory interface {
	DialTCP(addr string, timeout time.Duration) (net.Conn, error)
	ListenTCP(port int) (net.Listener, error)
	DialUDP(addr string) (net.Conn, error)
}

// FileMode names how a path is opened via Filesystem.
type FileMode int

const (
	// ReadOnly opens an existing file for reading only.
	ReadOnly FileMode = iota
	// ReadWrite opens (creating if absent) a file for reading and writing.
	ReadWrite
)

// File is a handle returned by Filesystem.Open.
type File interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Close() error
}

// Filesystem is scoped to a single download root; implementations must
// reject paths that traverse outside of it.
type Filesystem interface {
	Open(path string, mode FileMode) (File, error)
	MkdirAll(path string) error
	Stat(path string) (size int64, err error)
	// RemoveAll deletes path and everything beneath it, used by
	// remove_torrent(delete_data=true) (spec §6).
	RemoveAll(path string) error
}

// Hasher computes SHA-1 digests, potentially asynchronously / off of a
// worker pool for large inputs (see spec §5, §9 "Cooperative scheduling vs.
// hashing").
type Hasher interface {
	SHA1(r io.Reader) ([20]byte, error)
}

// TorrentState is the opaque persisted form of a torrent, per spec §6's
// "Persisted state layout".
type TorrentState struct {
	InfoHash        core.InfoHash
	Origin          string // magnet URI or base64 .torrent bytes
	AnnounceList    [][]string
	UserState       string
	Downloaded      int64
	Uploaded        int64
	BitfieldHex     string
	InfoDictionary  []byte // raw bencoded info dict, once known; nil pre-metadata
}

// SessionStore persists and restores torrent state across process restarts.
type SessionStore interface {
	SaveTorrent(state TorrentState) error
	LoadAllTorrentStates() ([]TorrentState, error)
	Remove(h core.InfoHash) error
}

// Random supplies cryptographically strong randomness for peer ids and
// tracker transaction ids.
type Random interface {
	Read(b []byte) (int, error)
}

// LogLevel names a LogStore severity.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// LogEntry is one structured event recorded to a LogStore.
type LogEntry struct {
	Time    time.Time
	Level   LogLevel
	Message string
	Fields  map[string]interface{}
}

// LogStore is a bounded ring buffer of structured log events, exposed to
// embedders for diagnostics (spec §6).
type LogStore interface {
	Append(e LogEntry)
	Recent(n int) []LogEntry
}
