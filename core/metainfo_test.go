package core

import (
	"bytes"
	"crypto/sha1"
	"testing"

	bencode "github.com/jackpal/bencode-go"
)

func buildTorrentBytes(t *testing.T, info rawInfo, announce string) []byte {
	t.Helper()
	raw := rawMetaInfo{Announce: announce, Info: info}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, raw); err != nil {
		t.Fatalf("marshal: %s", err)
	}
	return buf.Bytes()
}

func TestParseMetaInfoSingleFile(t *testing.T) {
	piece := bytes.Repeat([]byte{0xAB}, 16)
	sum := sha1.Sum(piece)

	info := rawInfo{
		PieceLength: 16,
		Pieces:      string(sum[:]),
		Name:        "file.bin",
		Length:      16,
	}
	data := buildTorrentBytes(t, info, "http://tracker.example/announce")

	mi, err := ParseMetaInfo(data)
	if err != nil {
		t.Fatalf("ParseMetaInfo: %s", err)
	}
	if mi.Manifest.NumPieces() != 1 {
		t.Fatalf("expected 1 piece, got %d", mi.Manifest.NumPieces())
	}
	if mi.Manifest.Pieces[0] != PieceSum(sum) {
		t.Fatalf("piece sum mismatch")
	}
	if len(mi.Files) != 1 || mi.Files[0].Length != 16 {
		t.Fatalf("unexpected files: %+v", mi.Files)
	}
	if len(mi.AnnounceList) != 1 || mi.AnnounceList[0][0] != "http://tracker.example/announce" {
		t.Fatalf("unexpected announce list: %v", mi.AnnounceList)
	}
}

func TestParseMetaInfoMultiFile(t *testing.T) {
	pieceA := bytes.Repeat([]byte{0x01}, 8)
	pieceB := bytes.Repeat([]byte{0x02}, 8)
	sumA := sha1.Sum(pieceA)
	sumB := sha1.Sum(pieceB)

	info := rawInfo{
		PieceLength: 8,
		Pieces:      string(sumA[:]) + string(sumB[:]),
		Name:        "multi",
		Files: []rawFile{
			{Length: 8, Path: []string{"a.txt"}},
			{Length: 8, Path: []string{"sub", "b.txt"}},
		},
	}
	data := buildTorrentBytes(t, info, "")

	mi, err := ParseMetaInfo(data)
	if err != nil {
		t.Fatalf("ParseMetaInfo: %s", err)
	}
	if mi.Manifest.TotalLength != 16 {
		t.Fatalf("expected total length 16, got %d", mi.Manifest.TotalLength)
	}
	if len(mi.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(mi.Files))
	}
	if mi.Manifest.PieceLen(1) != 8 {
		t.Fatalf("expected last piece length 8, got %d", mi.Manifest.PieceLen(1))
	}
}

func TestParseMetaInfoRejectsBadPiecesLength(t *testing.T) {
	info := rawInfo{
		PieceLength: 16,
		Pieces:      "short",
		Name:        "file.bin",
		Length:      16,
	}
	data := buildTorrentBytes(t, info, "http://tracker.example/announce")
	if _, err := ParseMetaInfo(data); err == nil {
		t.Fatal("expected error for malformed pieces field")
	}
}
