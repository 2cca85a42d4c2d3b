// Package storage implements per-torrent content storage: mapping the
// linear piece/block address space of a (possibly multi-file) torrent onto
// file fragments, buffering in-flight block writes, and verifying each
// piece's SHA-1 sum before committing it to disk. Grounded on the teacher's
// lib/torrent/storage/agentstorage package (storage.go, pieces.go), whose
// empty/dirty/complete piece state machine is preserved verbatim in
// piece.go; the single-file offset arithmetic there is generalized here to
// the multi-file FileEntry list of spec §3.
package storage

import (
	"bytes"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/bitswarm/engine/bitfield"
	"github.com/bitswarm/engine/capability"
	"github.com/bitswarm/engine/core"
)

// pieceBuffer accumulates block writes for a piece still in flight. filled
// tracks which block-start offsets have been written so duplicate blocks
// (endgame mode resends) don't double count toward filledBytes.
type pieceBuffer struct {
	data        []byte
	filled      map[int64]bool
	filledBytes int64
}

// Storage owns the on-disk layout and piece verification state for a
// single torrent.
type Storage struct {
	fs       capability.Filesystem
	hasher   capability.Hasher
	logger   *zap.SugaredLogger
	name     string
	manifest core.Manifest
	files    []core.FileEntry
	layout   *layout

	pieces      []*piece
	numComplete *atomic.Int32
	bf          *bitfield.Bitfield

	mu   sync.Mutex
	bufs map[int]*pieceBuffer
}

// New creates a Storage rooted at name within fs. It creates the directory
// structure for every file but does not pre-allocate file contents;
// fragments are written lazily as pieces complete.
func New(fs capability.Filesystem, hasher capability.Hasher, logger *zap.SugaredLogger, name string, manifest core.Manifest, files []core.FileEntry) (*Storage, error) {
	if manifest.PieceLength > core.MaxPieceLength {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedPieceSize, manifest.PieceLength)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	if err := fs.MkdirAll(name); err != nil {
		return nil, fmt.Errorf("mkdir torrent root: %s", err)
	}
	l := newLayout(files)
	for _, f := range files {
		if len(f.Path) > 1 {
			if err := fs.MkdirAll(joinPath(name, f.Path[:len(f.Path)-1])); err != nil {
				return nil, fmt.Errorf("mkdir parent of %v: %s", f.Path, err)
			}
		}
	}

	pieces := make([]*piece, manifest.NumPieces())
	for i := range pieces {
		pieces[i] = &piece{}
	}

	return &Storage{
		fs:          fs,
		hasher:      hasher,
		logger:      logger,
		name:        name,
		manifest:    manifest,
		files:       files,
		layout:      l,
		pieces:      pieces,
		numComplete: atomic.NewInt32(0),
		bf:          bitfield.New(manifest.NumPieces()),
		bufs:        make(map[int]*pieceBuffer),
	}, nil
}

func joinPath(root string, segments []string) string {
	path := root
	for _, s := range segments {
		path = path + "/" + s
	}
	return path
}

func (s *Storage) filePath(fileIndex int) string {
	return joinPath(s.name, s.files[fileIndex].Path)
}

func (s *Storage) getPiece(i int) (*piece, error) {
	if i < 0 || i >= len(s.pieces) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPieceIndex, i)
	}
	return s.pieces[i], nil
}

// HasPiece reports whether piece i has been verified and committed.
func (s *Storage) HasPiece(i int) bool {
	p, err := s.getPiece(i)
	if err != nil {
		return false
	}
	return p.complete()
}

// MissingPieces returns the indices of all pieces not yet complete.
func (s *Storage) MissingPieces() []int {
	var missing []int
	for i, p := range s.pieces {
		if !p.complete() {
			missing = append(missing, i)
		}
	}
	return missing
}

// Bitfield returns a snapshot of the completed-piece bitfield.
func (s *Storage) Bitfield() *bitfield.Bitfield {
	return s.bf.Clone()
}

// Complete reports whether every piece has been verified.
func (s *Storage) Complete() bool {
	return int(s.numComplete.Load()) == len(s.pieces)
}

// BytesDownloaded estimates total verified bytes, per spec §4.11's
// downloaded counter.
func (s *Storage) BytesDownloaded() int64 {
	n := int64(s.numComplete.Load())
	if n == 0 {
		return 0
	}
	if int(n) == len(s.pieces) {
		return s.manifest.TotalLength
	}
	return n * s.manifest.PieceLength
}

// WriteBlock buffers a received block and, once every block of the piece
// has arrived, verifies and commits the piece. It reports whether this
// call caused the piece to commit.
func (s *Storage) WriteBlock(pieceIndex int, begin int64, data []byte) (committed bool, err error) {
	p, err := s.getPiece(pieceIndex)
	if err != nil {
		return false, err
	}
	if p.complete() {
		return false, ErrPieceComplete
	}

	pieceLen := s.manifest.PieceLen(pieceIndex)
	if begin < 0 || int64(len(data)) == 0 || begin+int64(len(data)) > pieceLen {
		return false, ErrInvalidBlockRange
	}

	var snapshot []byte
	s.mu.Lock()
	buf, ok := s.bufs[pieceIndex]
	if !ok {
		buf = &pieceBuffer{data: make([]byte, pieceLen), filled: make(map[int64]bool)}
		s.bufs[pieceIndex] = buf
	}
	copy(buf.data[begin:], data)
	if !buf.filled[begin] {
		buf.filled[begin] = true
		buf.filledBytes += int64(len(data))
	}
	if buf.filledBytes >= pieceLen {
		snapshot = buf.data
		delete(s.bufs, pieceIndex)
	}
	s.mu.Unlock()

	if snapshot == nil {
		return false, nil
	}
	if err := s.commitPiece(pieceIndex, p, snapshot); err != nil {
		return false, err
	}
	return true, nil
}

// commitPiece verifies data against the piece's expected SHA-1 sum and, on
// success, writes it to the underlying file fragments and marks the piece
// complete. On any failure the piece is released back to empty so a future
// WriteBlock may retry it.
func (s *Storage) commitPiece(pieceIndex int, p *piece, data []byte) error {
	alreadyDirty, alreadyComplete := p.tryMarkDirty()
	if alreadyComplete {
		return ErrPieceComplete
	}
	if alreadyDirty {
		// Another commitPiece of the same piece is in flight (RecheckAll
		// never marks a piece dirty).
		return ErrPieceWriteConflict
	}

	sum, err := s.hasher.SHA1(bytes.NewReader(data))
	if err != nil {
		p.markEmpty()
		return fmt.Errorf("hash piece %d: %s", pieceIndex, err)
	}
	if sum != [20]byte(s.manifest.Pieces[pieceIndex]) {
		p.markEmpty()
		s.logger.Warnw("piece hash mismatch", "piece", pieceIndex)
		return ErrPieceHashMismatch
	}

	globalOffset := int64(pieceIndex) * s.manifest.PieceLength
	if err := s.writeFragments(globalOffset, data); err != nil {
		p.markEmpty()
		return fmt.Errorf("write piece %d: %s", pieceIndex, err)
	}

	p.markComplete()
	s.numComplete.Inc()
	s.bf.Set(pieceIndex)
	return nil
}

func (s *Storage) writeFragments(globalOffset int64, data []byte) error {
	frags, err := s.layout.fragments(globalOffset, int64(len(data)))
	if err != nil {
		return err
	}
	for _, frag := range frags {
		f, err := s.fs.Open(s.filePath(frag.fileIndex), capability.ReadWrite)
		if err != nil {
			return fmt.Errorf("open %s: %s", s.filePath(frag.fileIndex), err)
		}
		_, err = f.WriteAt(data[frag.bufOff:frag.bufOff+frag.length], frag.fileOff)
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("write %s: %s", s.filePath(frag.fileIndex), err)
		}
		if closeErr != nil {
			return fmt.Errorf("close %s: %s", s.filePath(frag.fileIndex), closeErr)
		}
	}
	return nil
}

// Read returns the bytes of piece pi starting at begin, for length bytes.
// The piece must already be complete; callers use this to serve PIECE
// messages to peers (spec §4.6).
func (s *Storage) Read(pieceIndex int, begin, length int64) ([]byte, error) {
	p, err := s.getPiece(pieceIndex)
	if err != nil {
		return nil, err
	}
	if !p.complete() {
		return nil, fmt.Errorf("storage: piece %d not complete", pieceIndex)
	}

	globalOffset := int64(pieceIndex)*s.manifest.PieceLength + begin
	frags, err := s.layout.fragments(globalOffset, length)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	for _, frag := range frags {
		f, err := s.fs.Open(s.filePath(frag.fileIndex), capability.ReadOnly)
		if err != nil {
			return nil, fmt.Errorf("open %s: %s", s.filePath(frag.fileIndex), err)
		}
		_, err = f.ReadAt(buf[frag.bufOff:frag.bufOff+frag.length], frag.fileOff)
		closeErr := f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %s", s.filePath(frag.fileIndex), err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("close %s: %s", s.filePath(frag.fileIndex), closeErr)
		}
	}
	return buf, nil
}

// RecheckAll rehashes every piece directly from disk, restoring the
// completed-piece bitfield from file contents rather than trusted
// metadata (spec §4.3's recheck_all). progress, if non-nil, is invoked
// after each piece is examined.
func (s *Storage) RecheckAll(progress func(done, total int)) error {
	total := len(s.pieces)
	for i, p := range s.pieces {
		globalOffset := int64(i) * s.manifest.PieceLength
		length := s.manifest.PieceLen(i)
		data, err := s.readForRecheck(globalOffset, length)
		if err != nil {
			if p.complete() {
				s.numComplete.Dec()
			}
			p.markEmpty()
			s.bf.Clear(i)
			if progress != nil {
				progress(i+1, total)
			}
			continue
		}
		sum, err := s.hasher.SHA1(bytes.NewReader(data))
		match := err == nil && sum == [20]byte(s.manifest.Pieces[i])
		if match {
			if !p.complete() {
				p.markComplete()
				s.numComplete.Inc()
			}
			s.bf.Set(i)
		} else {
			if p.complete() {
				s.numComplete.Dec()
			}
			p.markEmpty()
			s.bf.Clear(i)
		}
		if progress != nil {
			progress(i+1, total)
		}
	}
	return nil
}

// readForRecheck reads a piece's bytes directly from disk, tolerating
// missing files (not-yet-downloaded regions) by surfacing an error the
// caller treats as "incomplete" rather than fatal.
func (s *Storage) readForRecheck(globalOffset, length int64) ([]byte, error) {
	frags, err := s.layout.fragments(globalOffset, length)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	for _, frag := range frags {
		f, err := s.fs.Open(s.filePath(frag.fileIndex), capability.ReadOnly)
		if err != nil {
			return nil, err
		}
		_, err = f.ReadAt(buf[frag.bufOff:frag.bufOff+frag.length], frag.fileOff)
		closeErr := f.Close()
		if err != nil {
			return nil, err
		}
		if closeErr != nil {
			return nil, closeErr
		}
	}
	return buf, nil
}
