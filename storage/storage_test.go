package storage

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bitswarm/engine/capability"
	"github.com/bitswarm/engine/core"
)

// memFS is an in-memory capability.Filesystem for tests, avoiding any real
// disk I/O.
type memFS struct {
	mu    sync.Mutex
	files map[string]*memFile
}

func newMemFS() *memFS {
	return &memFS{files: make(map[string]*memFile)}
}

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

func (fs *memFS) MkdirAll(path string) error {
	return nil
}

func (fs *memFS) RemoveAll(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for p := range fs.files {
		if p == path || strings.HasPrefix(p, path+"/") {
			delete(fs.files, p)
		}
	}
	return nil
}

func (fs *memFS) Stat(path string) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[path]
	if !ok {
		return 0, fmt.Errorf("no such file: %s", path)
	}
	return int64(len(f.data)), nil
}

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
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
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

func (f *memFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size <= int64(len(f.data)) {
		f.data = f.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, f.data)
	f.data = grown
	return nil
}

func (f *memFile) Close() error { return nil }

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

func sumOf(b []byte) core.PieceSum {
	return core.PieceSum(sha1.Sum(b))
}

func singleFileManifest(t *testing.T, content []byte, pieceLength int64) (core.Manifest, []core.FileEntry) {
	t.Helper()
	var pieces []core.PieceSum
	for off := int64(0); off < int64(len(content)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		pieces = append(pieces, sumOf(content[off:end]))
	}
	manifest := core.Manifest{
		PieceLength: pieceLength,
		TotalLength: int64(len(content)),
		Pieces:      pieces,
	}
	files := []core.FileEntry{{Path: []string{"file.bin"}, Length: int64(len(content))}}
	return manifest, files
}

func TestWriteBlockCommitsWholePieceSingleFile(t *testing.T) {
	content := bytes.Repeat([]byte{0xAB}, 32)
	manifest, files := singleFileManifest(t, content, 16)

	fs := newMemFS()
	s, err := New(fs, sha1Hasher{}, nil, "t", manifest, files)
	require.NoError(t, err)

	committed, err := s.WriteBlock(0, 0, content[0:16])
	require.NoError(t, err)
	require.True(t, committed)
	require.True(t, s.HasPiece(0))

	committed, err = s.WriteBlock(1, 0, content[16:32])
	require.NoError(t, err)
	require.True(t, committed)
	require.True(t, s.Complete())

	got, err := s.Read(0, 0, 16)
	require.NoError(t, err)
	require.Equal(t, content[0:16], got)
}

func TestWriteBlockPartialDoesNotCommit(t *testing.T) {
	content := bytes.Repeat([]byte{0x11}, 16)
	manifest, files := singleFileManifest(t, content, 16)

	fs := newMemFS()
	s, err := New(fs, sha1Hasher{}, nil, "t", manifest, files)
	require.NoError(t, err)

	committed, err := s.WriteBlock(0, 0, content[0:8])
	require.NoError(t, err)
	require.False(t, committed)
	require.False(t, s.HasPiece(0))
}

func TestWriteBlockHashMismatchReleasesForRetry(t *testing.T) {
	content := bytes.Repeat([]byte{0x22}, 16)
	manifest, files := singleFileManifest(t, content, 16)

	fs := newMemFS()
	s, err := New(fs, sha1Hasher{}, nil, "t", manifest, files)
	require.NoError(t, err)

	bad := bytes.Repeat([]byte{0x33}, 16)
	_, err = s.WriteBlock(0, 0, bad)
	require.ErrorIs(t, err, ErrPieceHashMismatch)
	require.False(t, s.HasPiece(0))

	// Piece was released back to empty; a correct retry must succeed.
	committed, err := s.WriteBlock(0, 0, content)
	require.NoError(t, err)
	require.True(t, committed)
}

func TestWriteBlockAlreadyCompleteRejected(t *testing.T) {
	content := bytes.Repeat([]byte{0x44}, 16)
	manifest, files := singleFileManifest(t, content, 16)

	fs := newMemFS()
	s, err := New(fs, sha1Hasher{}, nil, "t", manifest, files)
	require.NoError(t, err)

	_, err = s.WriteBlock(0, 0, content)
	require.NoError(t, err)

	_, err = s.WriteBlock(0, 0, content)
	require.ErrorIs(t, err, ErrPieceComplete)
}

func TestMultiFileFragmentMapping(t *testing.T) {
	fileA := bytes.Repeat([]byte{0x01}, 10)
	fileB := bytes.Repeat([]byte{0x02}, 10)
	combined := append(append([]byte{}, fileA...), fileB...)

	pieceLength := int64(16)
	var pieces []core.PieceSum
	pieces = append(pieces, sumOf(combined[0:16]))
	pieces = append(pieces, sumOf(combined[16:20]))
	manifest := core.Manifest{PieceLength: pieceLength, TotalLength: 20, Pieces: pieces}
	files := []core.FileEntry{
		{Path: []string{"a.bin"}, Length: 10},
		{Path: []string{"b.bin"}, Length: 10},
	}

	fs := newMemFS()
	s, err := New(fs, sha1Hasher{}, nil, "t", manifest, files)
	require.NoError(t, err)

	_, err = s.WriteBlock(0, 0, combined[0:16])
	require.NoError(t, err)
	_, err = s.WriteBlock(1, 0, combined[16:20])
	require.NoError(t, err)
	require.True(t, s.Complete())

	got, err := s.Read(0, 0, 16)
	require.NoError(t, err)
	require.Equal(t, combined[0:16], got)

	// Verify the split landed in the correct underlying files.
	require.Equal(t, fileA, fs.files["t/a.bin"].data)
	require.Equal(t, fileB, fs.files["t/b.bin"].data[:10])
}

func TestRecheckAllRestoresBitfieldFromDisk(t *testing.T) {
	content := bytes.Repeat([]byte{0x55}, 32)
	manifest, files := singleFileManifest(t, content, 16)

	fs := newMemFS()
	s, err := New(fs, sha1Hasher{}, nil, "t", manifest, files)
	require.NoError(t, err)
	_, err = s.WriteBlock(0, 0, content[0:16])
	require.NoError(t, err)

	// Simulate a restart: fresh Storage over the same backing files.
	s2, err := New(fs, sha1Hasher{}, nil, "t", manifest, files)
	require.NoError(t, err)
	require.False(t, s2.HasPiece(0))

	var progressCalls int
	err = s2.RecheckAll(func(done, total int) { progressCalls++ })
	require.NoError(t, err)
	require.Equal(t, 2, progressCalls)
	require.True(t, s2.HasPiece(0))
	require.False(t, s2.HasPiece(1))
}

func TestUnsupportedPieceSizeRejected(t *testing.T) {
	manifest := core.Manifest{PieceLength: core.MaxPieceLength + 1, TotalLength: core.MaxPieceLength + 1, Pieces: []core.PieceSum{{}}}
	files := []core.FileEntry{{Path: []string{"big.bin"}, Length: core.MaxPieceLength + 1}}

	_, err := New(newMemFS(), sha1Hasher{}, nil, "t", manifest, files)
	require.ErrorIs(t, err, ErrUnsupportedPieceSize)
}
