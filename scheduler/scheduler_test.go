package scheduler

import (
	"crypto/sha1"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/bitswarm/engine/bandwidth"
	"github.com/bitswarm/engine/bitfield"
	"github.com/bitswarm/engine/capability"
	"github.com/bitswarm/engine/core"
	"github.com/bitswarm/engine/storage"
)

// --- fixtures: in-memory filesystem/hasher, mirroring storage's own test
// fixtures since they are unexported there. ---

type memFile struct {
	mu   sync.Mutex
	data []byte
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	return n, nil
}
func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:end], p)
	return len(p), nil
}
func (f *memFile) Truncate(size int64) error { return nil }
func (f *memFile) Close() error              { return nil }

type memFS struct {
	mu    sync.Mutex
	files map[string]*memFile
}

func newMemFS() *memFS { return &memFS{files: make(map[string]*memFile)} }

func (fs *memFS) Open(path string, mode capability.FileMode) (capability.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[path]
	if !ok {
		if mode == capability.ReadOnly {
			return nil, fmt.Errorf("no such file: %s", path)
		}
		f = &memFile{}
		fs.files[path] = f
	}
	return f, nil
}
func (fs *memFS) MkdirAll(path string) error          { return nil }
func (fs *memFS) Stat(path string) (int64, error)     { return 0, nil }
func (fs *memFS) RemoveAll(path string) error         { return nil }

type sha1Hasher struct{}

func (sha1Hasher) SHA1(r io.Reader) ([20]byte, error) {
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return [20]byte{}, err
	}
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

func sumOf(b []byte) core.PieceSum { return core.PieceSum(sha1.Sum(b)) }

// fakePeer is a minimal Peer implementation for exercising the scheduler
// without a real PeerConn/socket.
type fakePeer struct {
	id       core.PeerID
	remote   *bitfield.Bitfield
	choking  bool
	mu       sync.Mutex
	pending  map[[2]int]bool
	requests [][2]int
	canceled [][2]int
}

func newFakePeer(id core.PeerID, remote *bitfield.Bitfield) *fakePeer {
	return &fakePeer{id: id, remote: remote, pending: make(map[[2]int]bool)}
}

func (p *fakePeer) PeerID() core.PeerID                 { return p.id }
func (p *fakePeer) RemoteBitfield() *bitfield.Bitfield  { return p.remote }
func (p *fakePeer) PeerChoking() bool                   { return p.choking }
func (p *fakePeer) PendingRequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
func (p *fakePeer) RequestBlock(piece, begin, length int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[[2]int{piece, begin}] = true
	p.requests = append(p.requests, [2]int{piece, begin})
	return nil
}
func (p *fakePeer) CancelRequest(piece, begin, length int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, [2]int{piece, begin})
	p.canceled = append(p.canceled, [2]int{piece, begin})
	return nil
}

type countingEvents struct {
	mu        sync.Mutex
	verified  []int
	faults    []int
	duplicate int
}

func (e *countingEvents) PieceVerified(index int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.verified = append(e.verified, index)
}
func (e *countingEvents) PieceFault(index int, contributors []core.PeerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults = append(e.faults, index)
}
func (e *countingEvents) DuplicateBlock(peerID core.PeerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.duplicate++
}

func newTestScheduler(t *testing.T, pieceLength int64, content []byte, cfg Config) (*Scheduler, *storage.Storage, core.Manifest, *countingEvents) {
	t.Helper()
	var pieces []core.PieceSum
	for off := int64(0); off < int64(len(content)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		pieces = append(pieces, sumOf(content[off:end]))
	}
	manifest := core.Manifest{PieceLength: pieceLength, TotalLength: int64(len(content)), Pieces: pieces}
	files := []core.FileEntry{{Path: []string{"file.bin"}, Length: int64(len(content))}}

	store, err := storage.New(newMemFS(), sha1Hasher{}, nil, "t", manifest, files)
	require.NoError(t, err)

	own := bitfield.New(manifest.NumPieces())
	limiter := bandwidth.NewLimiter(clock.NewMock(), 0, 0)
	events := &countingEvents{}
	s := New(manifest, own, store, limiter, cfg, events, nil, nil)
	return s, store, manifest, events
}

func newID(t *testing.T) core.PeerID {
	t.Helper()
	id, err := core.NewPeerID()
	require.NoError(t, err)
	return id
}

func TestScheduleNoDuplicateRequestsOutsideEndgame(t *testing.T) {
	// 16 pieces of 16 KiB: 16 remaining blocks exceed the 8 free pipeline
	// slots of two depth-4 peers, so no endgame yet.
	content := make([]byte, 256*1024)
	for i := range content {
		content[i] = byte(i)
	}
	s, _, manifest, _ := newTestScheduler(t, 16*1024, content, Config{PipelineDepth: 4})

	remote := bitfield.New(manifest.NumPieces())
	remote.SetAll(true)
	peerA := newFakePeer(newID(t), remote)
	peerB := newFakePeer(newID(t), remote)
	s.AddPeer(peerA)
	s.AddPeer(peerB)

	s.Schedule()

	seen := make(map[[2]int]bool)
	for _, r := range peerA.requests {
		require.False(t, seen[r], "duplicate request across peers outside endgame")
		seen[r] = true
	}
	for _, r := range peerB.requests {
		require.False(t, seen[r], "duplicate request across peers outside endgame")
		seen[r] = true
	}
}

func TestScheduleRarestFirst(t *testing.T) {
	content := make([]byte, 32*1024) // 2 pieces
	s, _, manifest, _ := newTestScheduler(t, 16*1024, content, Config{PipelineDepth: 1})

	onlyPiece1 := bitfield.New(manifest.NumPieces())
	onlyPiece1.Set(1)
	both := bitfield.New(manifest.NumPieces())
	both.SetAll(true)

	rarePeer := newFakePeer(newID(t), onlyPiece1)
	commonPeer := newFakePeer(newID(t), both)
	s.AddPeer(rarePeer)
	s.AddPeer(commonPeer)

	s.Schedule()

	// Piece 1 is rarer (only 1 peer has it vs 2 for piece 0), so the
	// common peer should be steered toward the rarer piece if it can
	// supply it; since pipeline depth is 1 and both peers can serve piece
	// 1, at least one request for piece 1 should have been issued.
	requestedPieces := map[int]bool{}
	for _, r := range append(rarePeer.requests, commonPeer.requests...) {
		requestedPieces[r[0]] = true
	}
	require.True(t, requestedPieces[1])
}

func TestOnBlockReceivedCommitsPieceAndCancelsEndgameDuplicates(t *testing.T) {
	content := make([]byte, 16*1024)
	for i := range content {
		content[i] = byte(i)
	}
	s, _, manifest, events := newTestScheduler(t, 16*1024, content, Config{PipelineDepth: 4})

	remote := bitfield.New(manifest.NumPieces())
	remote.SetAll(true)
	peerA := newFakePeer(newID(t), remote)
	peerB := newFakePeer(newID(t), remote)
	s.AddPeer(peerA)
	s.AddPeer(peerB)

	// Force endgame manually by scheduling with only one tiny remaining
	// block and a peer pipeline capacity that exceeds it.
	s.Schedule()
	require.NotEmpty(t, peerA.requests)

	// Simulate both peers having the same block outstanding (endgame).
	s.mu.Lock()
	ap := s.active[0]
	if ap != nil {
		ap.markRequested(0, peerB.id)
	}
	s.mu.Unlock()

	committed, err := s.OnBlockReceived(peerA.id, 0, 0, content)
	require.NoError(t, err)
	require.True(t, committed)
	require.Equal(t, []int{0}, events.verified)

	// peerB's outstanding reservation for the same block should have been
	// canceled.
	require.Contains(t, peerB.canceled, [2]int{0, 0})
}

func TestOnBlockReceivedDuplicateIsIgnored(t *testing.T) {
	content := make([]byte, 16*1024)
	s, _, manifest, events := newTestScheduler(t, 16*1024, content, Config{PipelineDepth: 4})
	remote := bitfield.New(manifest.NumPieces())
	remote.SetAll(true)
	peer := newFakePeer(newID(t), remote)
	s.AddPeer(peer)
	s.Schedule()

	committed, err := s.OnBlockReceived(peer.id, 0, 0, content)
	require.NoError(t, err)
	require.True(t, committed)

	// A second arrival for a piece no longer active should be treated as
	// a harmless duplicate, not an error.
	committed, err = s.OnBlockReceived(peer.id, 0, 0, content)
	require.NoError(t, err)
	require.False(t, committed)
	require.Equal(t, 1, events.duplicate)
}

func TestRemovePeerReleasesReservations(t *testing.T) {
	content := make([]byte, 32*1024)
	s, _, manifest, _ := newTestScheduler(t, 16*1024, content, Config{PipelineDepth: 4})
	remote := bitfield.New(manifest.NumPieces())
	remote.SetAll(true)
	peer := newFakePeer(newID(t), remote)
	s.AddPeer(peer)
	s.Schedule()
	require.NotEmpty(t, peer.requests)

	s.RemovePeer(peer.id)

	s.mu.Lock()
	for _, ap := range s.active {
		for _, owners := range ap.owners {
			require.Empty(t, owners)
		}
	}
	s.mu.Unlock()
}
