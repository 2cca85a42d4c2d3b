package tracker

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	bencode "github.com/jackpal/bencode-go"
)

// httpAnnounceResponse mirrors a bencoded HTTP tracker response (BEP 3).
// Peers is left as a raw string since it may be either the compact binary
// form or (rarely, non-compact trackers) a bencoded list; this client only
// implements the compact form, as mandated by compact=1 in the request.
type httpAnnounceResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int64  `bencode:"interval"`
	MinInterval   int64  `bencode:"min interval"`
	Complete      int64  `bencode:"complete"`
	Incomplete    int64  `bencode:"incomplete"`
	Peers         string `bencode:"peers"`
	Peers6        string `bencode:"peers6"`
}

// AnnounceHTTP performs one GET announce against an http(s):// tracker URL,
// grounded on the reference pack's SendHTTPTrackerRequest (query param
// construction, bencoded response decode) generalized to this spec's full
// Request/Response shape and compact-peer-only parsing.
func AnnounceHTTP(client *http.Client, announceURL string, req Request) (*Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %s", ErrTracker, err)
	}

	q := url.Values{}
	q.Set("info_hash", string(req.InfoHash.Bytes()))
	q.Set("peer_id", string(req.PeerID.Bytes()))
	q.Set("port", strconv.Itoa(req.Port))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}
	if ev := req.Event.String(); ev != "" {
		q.Set("event", ev)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %s", ErrTracker, err)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTracker, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrTracker, resp.StatusCode)
	}

	var parsed httpAnnounceResponse
	if err := bencode.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %s", ErrTracker, err)
	}
	if parsed.FailureReason != "" {
		return nil, fmt.Errorf("%w: %s", ErrTracker, parsed.FailureReason)
	}

	peers, err := parseCompactPeers([]byte(parsed.Peers), 4)
	if err != nil {
		return nil, err
	}
	if parsed.Peers6 != "" {
		peers6, err := parseCompactPeers([]byte(parsed.Peers6), 16)
		if err != nil {
			return nil, err
		}
		peers = append(peers, peers6...)
	}

	return &Response{
		Interval:    int(parsed.Interval),
		MinInterval: int(parsed.MinInterval),
		Leechers:    int(parsed.Incomplete),
		Seeders:     int(parsed.Complete),
		Peers:       peers,
	}, nil
}
