// Package tracker implements HTTP(S) and UDP tracker announces (BEP 3,
// BEP 15) behind a single tiered client, grounded on the reference pack's
// lvbealr-BitTorrent/torrent/tracker.go for wire-level request/response
// construction, generalized from that example's flat "announce every
// tracker, merge all peers" sweep into a BEP 12-style tiered client: try
// trackers within a tier in order, stop at the first success, and demote
// a tracker within its tier after repeated hard failures, per spec §4.8.
package tracker

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	backoffpkg "github.com/cenkalti/backoff"
	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/bitswarm/engine/capability"
)

type trackerEntry struct {
	rawURL       string
	backoff      *backoffpkg.ExponentialBackOff
	nextAnnounce time.Time
	failures     int
}

func newTrackerEntry(rawURL string, cfg Config) *trackerEntry {
	b := backoffpkg.NewExponentialBackOff()
	b.InitialInterval = cfg.MinInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0 // spec §4.8: "doubled on each consecutive failure", not jittered
	b.MaxElapsedTime = 0      // never stop retrying outright; MaxInterval caps growth instead
	return &trackerEntry{rawURL: rawURL, backoff: b}
}

// Client announces to a torrent's tiered tracker list, trying trackers
// within a tier in order and falling through to the next tier only once
// every tracker in the current one has failed or is still in its backoff
// cooldown.
type Client struct {
	mu         sync.Mutex
	cfg        Config
	httpClient *http.Client
	sockets    capability.SocketFactory
	random     capability.Random
	clk        clock.Clock
	logger     *zap.SugaredLogger
	stats      tally.Scope
	tiers      [][]*trackerEntry
}

// New builds a Client from a torrent's announce-list (§3's ordered tier
// list; a bare `announce` URL is represented as a single-tracker tier).
// stats is tagged "module": "tracker" and records announce latency
// histograms and per-outcome counters, mirroring the teacher's
// newScheduler(..., stats tally.Scope, ...) convention.
func New(
	announceList [][]string,
	cfg Config,
	sockets capability.SocketFactory,
	random capability.Random,
	clk clock.Clock,
	logger *zap.SugaredLogger,
	stats tally.Scope,
) *Client {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if stats == nil {
		stats = tally.NoopScope
	}
	cfg = cfg.applyDefaults()

	tiers := make([][]*trackerEntry, 0, len(announceList))
	for _, tier := range announceList {
		var entries []*trackerEntry
		for _, u := range tier {
			if u == "" {
				continue
			}
			entries = append(entries, newTrackerEntry(u, cfg))
		}
		if len(entries) > 0 {
			tiers = append(tiers, entries)
		}
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		sockets:    sockets,
		random:     random,
		clk:        clk,
		logger:     logger,
		stats:      stats.Tagged(map[string]string{"module": "tracker"}),
		tiers:      tiers,
	}
}

// Announce tries every tier in order, returning the first successful
// response. On success the winning tracker is promoted to the front of
// its tier (BEP 12); on failure each tried tracker's backoff advances and,
// after cfg.DemoteAfterFailures consecutive failures, it is moved to the
// back of its tier so healthier trackers are tried first next time. The
// returned duration is the delay to wait before the next announce attempt
// (the response interval on success, or the shortest pending backoff on
// total failure).
func (c *Client) Announce(req Request) (*Response, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	var errs []string
	nextDelay := c.cfg.MaxInterval

	for _, tier := range c.tiers {
		// Walk a snapshot of the tier: demote and promote reorder it in
		// place, so i is looked up afresh for each entry.
		for _, entry := range append([]*trackerEntry(nil), tier...) {
			i := 0
			for tier[i] != entry {
				i++
			}
			if now.Before(entry.nextAnnounce) {
				if d := entry.nextAnnounce.Sub(now); d < nextDelay {
					nextDelay = d
				}
				continue
			}
			announceStarted := c.clk.Now()
			resp, err := c.announceOne(entry.rawURL, req)
			c.stats.Timer("announce_latency").Record(c.clk.Now().Sub(announceStarted))
			if err != nil {
				entry.failures++
				wait := entry.backoff.NextBackOff()
				if wait <= 0 || wait > c.cfg.MaxInterval {
					wait = c.cfg.MaxInterval
				}
				entry.nextAnnounce = now.Add(wait)
				if wait < nextDelay {
					nextDelay = wait
				}
				if entry.failures >= c.cfg.DemoteAfterFailures {
					demote(tier, i)
				}
				errs = append(errs, fmt.Sprintf("%s: %s", entry.rawURL, err))
				c.stats.Counter("announce_errors").Inc(1)
				continue
			}

			if resp.MinInterval > 0 {
				entry.backoff.InitialInterval = time.Duration(resp.MinInterval) * time.Second
			} else {
				entry.backoff.InitialInterval = c.cfg.MinInterval
			}
			entry.backoff.Reset()
			entry.failures = 0
			interval := time.Duration(resp.Interval) * time.Second
			if interval <= 0 {
				interval = c.cfg.MinInterval
			}
			entry.nextAnnounce = now.Add(interval)
			promote(tier, i)
			c.stats.Counter("announce_successes").Inc(1)
			c.stats.Gauge("announce_peers").Update(float64(len(resp.Peers)))
			return resp, interval, nil
		}
	}

	if len(errs) == 0 {
		return nil, nextDelay, fmt.Errorf("%w: no trackers configured", ErrTracker)
	}
	return nil, nextDelay, fmt.Errorf("%w: all trackers failed: %s", ErrTracker, strings.Join(errs, "; "))
}

func (c *Client) announceOne(rawURL string, req Request) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %s", ErrTracker, err)
	}
	switch u.Scheme {
	case "http", "https":
		return AnnounceHTTP(c.httpClient, rawURL, req)
	case "udp":
		return AnnounceUDP(c.sockets, c.random, u.Host, c.cfg.UDPTimeout, req)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// promote moves tier[i] to the front, per BEP 12: a tracker that answers
// successfully should be tried first on the next announce.
func promote(tier []*trackerEntry, i int) {
	if i == 0 {
		return
	}
	e := tier[i]
	copy(tier[1:i+1], tier[0:i])
	tier[0] = e
}

// demote moves tier[i] to the back, giving healthier trackers in the same
// tier priority after repeated failures.
func demote(tier []*trackerEntry, i int) {
	if i == len(tier)-1 {
		return
	}
	e := tier[i]
	copy(tier[i:], tier[i+1:])
	tier[len(tier)-1] = e
}
