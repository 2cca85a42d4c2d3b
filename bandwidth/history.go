package bandwidth

import (
	"time"

	"github.com/andres-erbsen/clock"
)

// ring is a fixed-capacity ring buffer of byte-counts bucketed by
// resolution, used to answer UI throughput queries at several tiers (e.g.
// 1s/5s/60s), grounded on the teacher's bounded-ring-buffer idiom used for
// log storage (utils/log), re-purposed here for throughput sampling.
type ring struct {
	resolution time.Duration
	buckets    []int64
	bucketTime []time.Time
	head       int
	filled     bool
}

func newRing(resolution time.Duration, length int) *ring {
	return &ring{
		resolution: resolution,
		buckets:    make([]int64, length),
		bucketTime: make([]time.Time, length),
	}
}

func (r *ring) add(now time.Time, n int64) {
	idx := r.currentIndex(now)
	if r.bucketTime[idx].IsZero() || now.Sub(r.bucketTime[idx]) >= r.resolution {
		r.bucketTime[idx] = now.Truncate(r.resolution)
		r.buckets[idx] = 0
	}
	r.buckets[idx] += n
}

func (r *ring) currentIndex(now time.Time) int {
	bucket := now.Truncate(r.resolution)
	if r.bucketTime[r.head].Equal(bucket) {
		return r.head
	}
	r.head = (r.head + 1) % len(r.buckets)
	if r.head == 0 {
		r.filled = true
	}
	return r.head
}

// sum returns the total bytes recorded within the last `within` duration.
func (r *ring) sum(now time.Time, within time.Duration) int64 {
	var total int64
	cutoff := now.Add(-within)
	for i, t := range r.bucketTime {
		if t.IsZero() {
			continue
		}
		if t.After(cutoff) || t.Equal(cutoff) {
			total += r.buckets[i]
		}
	}
	return total
}

// History maintains tiered RRD-style throughput history for one direction.
type History struct {
	clk   clock.Clock
	rings []*ring
}

// NewHistory creates a History with one ring per resolution tier.
func NewHistory(clk clock.Clock, resolutions []time.Duration, length int) *History {
	h := &History{clk: clk}
	for _, res := range resolutions {
		h.rings = append(h.rings, newRing(res, length))
	}
	return h
}

// Record adds n bytes to every resolution tier at the current time.
func (h *History) Record(n int64) {
	now := h.clk.Now()
	for _, r := range h.rings {
		r.add(now, n)
	}
}

// RateOver returns the average bytes/sec over the given window, using the
// coarsest ring whose resolution does not exceed the window (the first
// ring when none qualifies).
func (h *History) RateOver(window time.Duration) float64 {
	if len(h.rings) == 0 || window <= 0 {
		return 0
	}
	var best *ring
	for _, r := range h.rings {
		if best == nil || (r.resolution <= window && r.resolution > best.resolution) {
			best = r
		}
	}
	total := best.sum(h.clk.Now(), window)
	return float64(total) / window.Seconds()
}
