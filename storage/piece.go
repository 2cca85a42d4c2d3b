package storage

import "sync"

type pieceStatus int

const (
	pieceEmpty pieceStatus = iota
	pieceDirty
	pieceComplete
)

// piece tracks the write state of a single piece, grounded on the teacher's
// agentstorage `piece` type: empty -> dirty -> complete, with dirty acting
// as a single-writer lock so concurrent WriteBlock/commitPiece calls on the
// same piece don't race.
type piece struct {
	mu     sync.RWMutex
	status pieceStatus
}

func (p *piece) complete() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status == pieceComplete
}

func (p *piece) dirty() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status == pieceDirty
}

// tryMarkDirty claims the piece for writing. It reports whether the piece
// was already dirty (another writer in flight) or already complete; only
// when both are false has the caller claimed exclusive write access.
func (p *piece) tryMarkDirty() (alreadyDirty, alreadyComplete bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.status {
	case pieceEmpty:
		p.status = pieceDirty
	case pieceDirty:
		alreadyDirty = true
	case pieceComplete:
		alreadyComplete = true
	}
	return
}

// markEmpty releases a claimed piece back to empty, used when a commit
// fails (bad hash, I/O error) so another attempt may retry.
func (p *piece) markEmpty() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = pieceEmpty
}

func (p *piece) markComplete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = pieceComplete
}
