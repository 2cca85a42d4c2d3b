package core

import "testing"

func TestParseMagnetHex(t *testing.T) {
	uri := "magnet:?xt=urn:btih:ad42ce8109f54c99613ce38f9b4d87e70f24a165&dn=example&tr=http%3A%2F%2Ftracker.example%2Fannounce&tr=http%3A%2F%2Ftracker2.example%2Fannounce&x.pe=1.2.3.4%3A6881"
	m, err := ParseMagnet(uri)
	if err != nil {
		t.Fatalf("ParseMagnet: %s", err)
	}
	if m.DisplayName != "example" {
		t.Fatalf("unexpected display name: %s", m.DisplayName)
	}
	if len(m.AnnounceList) != 2 {
		t.Fatalf("expected 2 trackers, got %d", len(m.AnnounceList))
	}
	if len(m.PeerHints) != 1 || m.PeerHints[0] != "1.2.3.4:6881" {
		t.Fatalf("unexpected peer hints: %v", m.PeerHints)
	}
	if m.InfoHash.Hex() != "ad42ce8109f54c99613ce38f9b4d87e70f24a165" {
		t.Fatalf("unexpected info hash: %s", m.InfoHash.Hex())
	}
}

func TestParseMagnetMissingXT(t *testing.T) {
	if _, err := ParseMagnet("magnet:?dn=foo"); err == nil {
		t.Fatal("expected error for missing xt")
	}
}

func TestMagnetURIRoundTrip(t *testing.T) {
	uri := "magnet:?xt=urn:btih:ad42ce8109f54c99613ce38f9b4d87e70f24a165&dn=example&tr=http%3A%2F%2Ftracker.example%2Fannounce"
	m, err := ParseMagnet(uri)
	if err != nil {
		t.Fatalf("ParseMagnet: %s", err)
	}
	m2, err := ParseMagnet(m.MagnetURI())
	if err != nil {
		t.Fatalf("ParseMagnet(roundtrip): %s", err)
	}
	if m2.InfoHash != m.InfoHash || m2.DisplayName != m.DisplayName {
		t.Fatalf("round trip mismatch: %+v != %+v", m2, m)
	}
}
