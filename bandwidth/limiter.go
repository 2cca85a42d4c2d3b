package bandwidth

import (
	"github.com/andres-erbsen/clock"
	"golang.org/x/time/rate"
)

// Direction names a bandwidth direction.
type Direction int

const (
	// Download is inbound traffic (pieces we receive).
	Download Direction = iota
	// Upload is outbound traffic (pieces we send).
	Upload
)

func (d Direction) String() string {
	if d == Download {
		return "download"
	}
	return "upload"
}

// tokenBucket wraps golang.org/x/time/rate.Limiter to provide the exact
// semantics spec §4.2 requires: burst capacity of two seconds of the
// configured rate, lazy refill via a monotonic clock, and a rate of zero
// meaning unlimited. rate.Limiter already refills lazily against a supplied
// "now", so clk is threaded through every call instead of relying on the
// wall clock, keeping the limiter mockable in tests.
type tokenBucket struct {
	clk     clock.Clock
	limiter *rate.Limiter
	rate    uint64 // bytes/sec; 0 == unlimited
}

func newTokenBucket(clk clock.Clock, rateBytesPerSec uint64) *tokenBucket {
	tb := &tokenBucket{clk: clk}
	tb.setRate(rateBytesPerSec)
	return tb
}

func (tb *tokenBucket) setRate(rateBytesPerSec uint64) {
	tb.rate = rateBytesPerSec
	if rateBytesPerSec == 0 {
		tb.limiter = nil
		return
	}
	capacity := int(rateBytesPerSec * 2)
	if tb.limiter == nil {
		tb.limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), capacity)
		return
	}
	// Preserve current token count (clamped to the new capacity) rather
	// than resetting to zero, per spec §4.2.
	tb.limiter.SetBurstAt(tb.clk.Now(), capacity)
	tb.limiter.SetLimitAt(tb.clk.Now(), rate.Limit(rateBytesPerSec))
}

// tryConsume attempts to deduct n bytes of tokens. Always succeeds when
// unlimited.
func (tb *tokenBucket) tryConsume(n int) bool {
	if tb.limiter == nil {
		return true
	}
	return tb.limiter.AllowN(tb.clk.Now(), n)
}

// msUntil returns the number of milliseconds until n bytes of tokens would
// be available, without consuming them. 0 when unlimited.
func (tb *tokenBucket) msUntil(n int) int64 {
	if tb.limiter == nil {
		return 0
	}
	now := tb.clk.Now()
	r := tb.limiter.ReserveN(now, n)
	defer r.CancelAt(now)
	if !r.OK() {
		return 0
	}
	delay := r.DelayFrom(tb.clk.Now())
	if delay < 0 {
		return 0
	}
	return delay.Milliseconds()
}

// Limiter provides rate-limited token buckets for download and upload
// directions, grounded on lib/torrent/scheduler/conn/bandwidth.Limiter,
// generalized to both directions and to non-blocking try/estimate
// operations instead of the teacher's blocking Reserve+Sleep, since the
// scheduler (§4.6) must skip a peer for the round rather than block the
// event loop.
type Limiter struct {
	clk      clock.Clock
	download *tokenBucket
	upload   *tokenBucket
}

// NewLimiter creates a Limiter with the given rates.
func NewLimiter(clk clock.Clock, downloadRateBytesPerSec, uploadRateBytesPerSec uint64) *Limiter {
	return &Limiter{
		clk:      clk,
		download: newTokenBucket(clk, downloadRateBytesPerSec),
		upload:   newTokenBucket(clk, uploadRateBytesPerSec),
	}
}

func (l *Limiter) bucket(dir Direction) *tokenBucket {
	if dir == Download {
		return l.download
	}
	return l.upload
}

// TryConsume attempts to deduct nbytes of tokens from the given direction's
// bucket, returning whether it succeeded.
func (l *Limiter) TryConsume(dir Direction, nbytes int) bool {
	return l.bucket(dir).tryConsume(nbytes)
}

// MsUntil returns the number of milliseconds until nbytes would be
// available in the given direction, without consuming anything.
func (l *Limiter) MsUntil(dir Direction, nbytes int) int64 {
	return l.bucket(dir).msUntil(nbytes)
}

// SetLimit updates the rate (and capacity = rate*2) for a direction.
func (l *Limiter) SetLimit(dir Direction, rateBytesPerSec uint64) {
	l.bucket(dir).setRate(rateBytesPerSec)
}

// Rate returns the currently configured rate for a direction (0 = unlimited).
func (l *Limiter) Rate(dir Direction) uint64 {
	return l.bucket(dir).rate
}
