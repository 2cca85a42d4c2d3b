package storage

import (
	"fmt"
	"path/filepath"

	"github.com/bitswarm/engine/core"
)

// fragment is one contiguous slice of a single file that a piece or block
// range overlaps. bufOffset is the offset within the caller's linear
// piece/block buffer that this fragment corresponds to.
type fragment struct {
	fileIndex int
	fileOff   int64
	length    int64
	bufOff    int64
}

// layout maps the linear byte stream defined by a torrent's file list onto
// per-file fragments, generalizing the teacher's single-file
// `getFileOffset` arithmetic (agentstorage.Torrent.getFileOffset) to
// multi-file torrents per spec §3's FileEntry list.
type layout struct {
	files  []core.FileEntry
	starts []int64 // cumulative start offset of each file in the stream
	total  int64
}

func newLayout(files []core.FileEntry) *layout {
	l := &layout{files: files, starts: make([]int64, len(files))}
	var offset int64
	for i, f := range files {
		l.starts[i] = offset
		offset += f.Length
	}
	l.total = offset
	return l
}

func (l *layout) path(i int) string {
	return filepath.Join(l.files[i].Path...)
}

// fragments returns the ordered list of file fragments spanned by
// [globalOffset, globalOffset+length).
func (l *layout) fragments(globalOffset, length int64) ([]fragment, error) {
	if globalOffset < 0 || length < 0 || globalOffset+length > l.total {
		return nil, fmt.Errorf("%w: range [%d,%d) exceeds stream length %d",
			ErrInvalidBlockRange, globalOffset, globalOffset+length, l.total)
	}
	var frags []fragment
	remaining := length
	cursor := globalOffset
	bufOff := int64(0)
	for i, f := range l.files {
		fileStart := l.starts[i]
		fileEnd := fileStart + f.Length
		if cursor >= fileEnd {
			continue
		}
		if remaining <= 0 {
			break
		}
		fileOff := cursor - fileStart
		avail := fileEnd - cursor
		take := avail
		if take > remaining {
			take = remaining
		}
		frags = append(frags, fragment{
			fileIndex: i,
			fileOff:   fileOff,
			length:    take,
			bufOff:    bufOff,
		})
		cursor += take
		bufOff += take
		remaining -= take
	}
	if remaining > 0 {
		return nil, fmt.Errorf("%w: range extends past last file", ErrInvalidBlockRange)
	}
	return frags, nil
}
