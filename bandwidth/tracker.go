package bandwidth

import (
	"time"

	"github.com/andres-erbsen/clock"
)

// Tracker combines rate-limited token buckets with tiered throughput
// history for both directions, realizing spec §4.2 in full: record,
// try_consume, ms_until, and set_limit.
type Tracker struct {
	clk     clock.Clock
	limiter *Limiter
	down    *History
	up      *History
}

// NewTracker creates a Tracker from config.
func NewTracker(clk clock.Clock, config Config) *Tracker {
	config = config.applyDefaults()
	return &Tracker{
		clk:     clk,
		limiter: NewLimiter(clk, config.DownloadRateBytesPerSec, config.UploadRateBytesPerSec),
		down:    NewHistory(clk, config.HistoryResolutions, config.HistoryLength),
		up:      NewHistory(clk, config.HistoryResolutions, config.HistoryLength),
	}
}

func (t *Tracker) history(dir Direction) *History {
	if dir == Download {
		return t.down
	}
	return t.up
}

// Record adds n bytes transferred in direction dir to the throughput
// history. It does not touch the token bucket — callers consume tokens via
// TryConsume before transferring, then Record after the transfer completes.
func (t *Tracker) Record(dir Direction, n int64) {
	t.history(dir).Record(n)
}

// TryConsume attempts to deduct nbytes of tokens for dir, returning whether
// the transfer may proceed now.
func (t *Tracker) TryConsume(dir Direction, nbytes int) bool {
	return t.limiter.TryConsume(dir, nbytes)
}

// MsUntil returns milliseconds until nbytes would be available for dir.
func (t *Tracker) MsUntil(dir Direction, nbytes int) int64 {
	return t.limiter.MsUntil(dir, nbytes)
}

// SetLimit updates the configured rate for dir.
func (t *Tracker) SetLimit(dir Direction, rateBytesPerSec uint64) {
	t.limiter.SetLimit(dir, rateBytesPerSec)
}

// Speed returns the average throughput in bytes/sec for dir over the last
// window (used by the torrent controller's download_speed/upload_speed,
// §4.11, typically sampled over a 1s window).
func (t *Tracker) Speed(dir Direction, window time.Duration) float64 {
	return t.history(dir).RateOver(window)
}
