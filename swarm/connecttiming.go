package swarm

import (
	"sort"
	"sync"
	"time"
)

// connectTiming observes successful connect durations and derives an
// adaptive dial timeout per spec §4.10: clamp(p95(samples) * multiplier,
// MIN, MAX), defaulting to DEFAULT when fewer than 5 samples exist.
// Timeouts themselves only contribute statistics; they never shrink the
// timeout.
type connectTiming struct {
	mu      sync.Mutex
	samples []time.Duration
	maxLen  int

	multiplier float64
	min, max   time.Duration
	def        time.Duration
}

func newConnectTiming(cfg Config) *connectTiming {
	return &connectTiming{
		maxLen:     cfg.ConnectTimingSamples,
		multiplier: cfg.ConnectTimingMultiplier,
		min:        cfg.ConnectTimeoutMin,
		max:        cfg.ConnectTimeoutMax,
		def:        cfg.ConnectTimeoutDefault,
	}
}

// recordSuccess adds a successful connect duration to the rolling window.
func (t *connectTiming) recordSuccess(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, d)
	if len(t.samples) > t.maxLen {
		t.samples = t.samples[len(t.samples)-t.maxLen:]
	}
}

// timeout returns the current effective connect timeout.
func (t *connectTiming) timeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.samples) < 5 {
		return t.def
	}
	sorted := append([]time.Duration{}, t.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted))*0.95) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	p95 := sorted[idx]
	timeout := time.Duration(float64(p95) * t.multiplier)
	if timeout < t.min {
		return t.min
	}
	if timeout > t.max {
		return t.max
	}
	return timeout
}
