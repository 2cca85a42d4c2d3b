package core

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Magnet is the parsed form of a "magnet:?xt=urn:btih:..." URI, per BEP 9.
// Multiple "tr" and "x.pe" parameters are preserved in order, per spec §6.
type Magnet struct {
	InfoHash     InfoHash
	DisplayName  string
	AnnounceList []string
	PeerHints    []string // "host:port" pairs, origin tagged magnet-hint by the caller
}

// ParseMagnet parses a magnet URI into its constituent parts.
func ParseMagnet(uri string) (*Magnet, error) {
	const scheme = "magnet:?"
	if !strings.HasPrefix(uri, scheme) {
		return nil, fmt.Errorf("not a magnet uri: %s", uri)
	}
	q, err := url.ParseQuery(uri[len(scheme):])
	if err != nil {
		return nil, fmt.Errorf("parse query: %s", err)
	}

	xts := q["xt"]
	if len(xts) == 0 {
		return nil, fmt.Errorf("missing xt parameter")
	}
	var ih InfoHash
	found := false
	for _, xt := range xts {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(xt, prefix) {
			continue
		}
		btih := xt[len(prefix):]
		ih, err = parseBTIH(btih)
		if err != nil {
			return nil, fmt.Errorf("parse btih: %s", err)
		}
		found = true
		break
	}
	if !found {
		return nil, fmt.Errorf("no urn:btih xt parameter found")
	}

	return &Magnet{
		InfoHash:     ih,
		DisplayName:  q.Get("dn"),
		AnnounceList: q["tr"],
		PeerHints:    q["x.pe"],
	}, nil
}

// parseBTIH decodes either the 40-character hex or 32-character base32 form
// of a BitTorrent info hash.
func parseBTIH(s string) (InfoHash, error) {
	switch len(s) {
	case 40:
		return NewInfoHashFromHex(s)
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return InfoHash{}, fmt.Errorf("base32 decode: %s", err)
		}
		return NewInfoHashFromBytes(b)
	default:
		return InfoHash{}, fmt.Errorf("invalid btih length: %d", len(s))
	}
}

// MagnetURI reconstructs a magnet URI string from its parts (used when
// persisting a magnet-originated torrent's origin for restore, per §6).
func (m *Magnet) MagnetURI() string {
	v := url.Values{}
	v.Add("xt", "urn:btih:"+hex.EncodeToString(m.InfoHash.Bytes()))
	if m.DisplayName != "" {
		v.Add("dn", m.DisplayName)
	}
	for _, tr := range m.AnnounceList {
		v.Add("tr", tr)
	}
	for _, pe := range m.PeerHints {
		v.Add("x.pe", pe)
	}
	return "magnet:?" + v.Encode()
}
