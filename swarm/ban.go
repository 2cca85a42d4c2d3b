package swarm

import (
	"time"

	"github.com/andres-erbsen/clock"
)

// banList tracks addresses we refuse to dial for a cooldown period after
// repeated protocol or hash faults (spec §3, §4.9).
type banList struct {
	clk      clock.Clock
	cooldown time.Duration
	until    map[string]time.Time
}

func newBanList(clk clock.Clock, cooldown time.Duration) *banList {
	return &banList{clk: clk, cooldown: cooldown, until: make(map[string]time.Time)}
}

// ban starts (or restarts) the cooldown period for key.
func (b *banList) ban(key string) {
	b.until[key] = b.clk.Now().Add(b.cooldown)
}

// banned reports whether key is currently within its cooldown period.
func (b *banList) banned(key string) bool {
	until, ok := b.until[key]
	if !ok {
		return false
	}
	if b.clk.Now().After(until) {
		delete(b.until, key)
		return false
	}
	return true
}

// asExcludeSet returns a snapshot suitable for addressBook.candidates'
// exclude parameter.
func (b *banList) asExcludeSet() map[string]bool {
	now := b.clk.Now()
	out := make(map[string]bool, len(b.until))
	for key, until := range b.until {
		if now.Before(until) {
			out[key] = true
		}
	}
	return out
}
