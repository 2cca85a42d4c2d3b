package core

import (
	"bytes"
	"fmt"

	bencode "github.com/jackpal/bencode-go"
)

// rawFile mirrors the bencoded "files" list entry of a multi-file torrent.
type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// rawInfo mirrors the bencoded "info" dictionary.
type rawInfo struct {
	PieceLength int64     `bencode:"piece length"`
	Pieces      string    `bencode:"pieces"`
	Name        string    `bencode:"name"`
	Length      int64     `bencode:"length,omitempty"`
	Files       []rawFile `bencode:"files,omitempty"`
}

// rawMetaInfo mirrors the bencoded top-level .torrent dictionary.
type rawMetaInfo struct {
	Announce     string     `bencode:"announce,omitempty"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	Info         rawInfo    `bencode:"info"`
}

// MetaInfo is the fully-parsed contents of a .torrent file: a piece
// manifest, file list, and announce list, keyed by InfoHash.
type MetaInfo struct {
	InfoHash     InfoHash
	Name         string
	AnnounceList [][]string
	Manifest     Manifest
	Files        []FileEntry
}

// ParseMetaInfo parses raw .torrent bytes into a MetaInfo.
func ParseMetaInfo(torrentBytes []byte) (*MetaInfo, error) {
	// First decode just enough to extract the canonical bencoded "info"
	// sub-dictionary, whose bytes (not a re-encoding) are hashed to form the
	// InfoHash.
	infoBytes, err := extractInfoDict(torrentBytes)
	if err != nil {
		return nil, fmt.Errorf("extract info dict: %s", err)
	}

	var raw rawMetaInfo
	if err := bencode.Unmarshal(bytes.NewReader(torrentBytes), &raw); err != nil {
		return nil, fmt.Errorf("bencode: %s", err)
	}

	return metaInfoFromRaw(raw, infoBytes)
}

// ParseInfoDict parses the bencoded bytes of a standalone info dictionary,
// as assembled by the metadata acquirer from ut_metadata pieces. It follows
// the same field layout ParseMetaInfo uses for the "info" key of a .torrent
// file, per spec §4.7 ("initialize piece manifest and file list via the same
// path the .torrent-file flow uses").
func ParseInfoDict(infoBytes []byte) (*MetaInfo, error) {
	var info rawInfo
	if err := bencode.Unmarshal(bytes.NewReader(infoBytes), &info); err != nil {
		return nil, fmt.Errorf("bencode: %s", err)
	}
	return metaInfoFromRaw(rawMetaInfo{Info: info}, infoBytes)
}

func metaInfoFromRaw(raw rawMetaInfo, infoBytes []byte) (*MetaInfo, error) {
	if raw.Info.PieceLength <= 0 {
		return nil, fmt.Errorf("invalid piece length: %d", raw.Info.PieceLength)
	}
	if len(raw.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("invalid pieces field: length %d not a multiple of 20", len(raw.Info.Pieces))
	}

	n := len(raw.Info.Pieces) / 20
	sums := make([]PieceSum, n)
	for i := 0; i < n; i++ {
		copy(sums[i][:], raw.Info.Pieces[i*20:(i+1)*20])
	}

	var files []FileEntry
	var total int64
	if len(raw.Info.Files) > 0 {
		for _, f := range raw.Info.Files {
			files = append(files, FileEntry{Path: f.Path, Length: f.Length})
			total += f.Length
		}
	} else {
		files = append(files, FileEntry{Path: []string{raw.Info.Name}, Length: raw.Info.Length})
		total = raw.Info.Length
	}

	announceList := raw.AnnounceList
	if len(announceList) == 0 && raw.Announce != "" {
		announceList = [][]string{{raw.Announce}}
	}

	return &MetaInfo{
		InfoHash:     HashBencodedInfo(infoBytes),
		Name:         raw.Info.Name,
		AnnounceList: announceList,
		Manifest: Manifest{
			PieceLength: raw.Info.PieceLength,
			TotalLength: total,
			Pieces:      sums,
		},
		Files: files,
	}, nil
}

// extractInfoDict locates the "info" key within the top-level bencoded
// dictionary and returns the exact raw bytes of its value, as required for a
// correct InfoHash (re-encoding is not guaranteed to be byte-identical to
// what a peer computed).
func extractInfoDict(torrentBytes []byte) ([]byte, error) {
	needle := []byte("4:info")
	idx := bytes.Index(torrentBytes, needle)
	if idx < 0 {
		return nil, fmt.Errorf("no info dictionary found")
	}
	start := idx + len(needle)
	end, err := bencodeValueEnd(torrentBytes, start)
	if err != nil {
		return nil, err
	}
	return torrentBytes[start:end], nil
}

// bencodeValueEnd returns the index just past the bencoded value beginning
// at start, by structurally walking the encoding.
func bencodeValueEnd(b []byte, start int) (int, error) {
	if start >= len(b) {
		return 0, fmt.Errorf("unexpected end of input")
	}
	switch b[start] {
	case 'i':
		end := bytes.IndexByte(b[start:], 'e')
		if end < 0 {
			return 0, fmt.Errorf("malformed integer")
		}
		return start + end + 1, nil
	case 'l', 'd':
		i := start + 1
		for {
			if i >= len(b) {
				return 0, fmt.Errorf("unexpected end of input")
			}
			if b[i] == 'e' {
				return i + 1, nil
			}
			if b[start] == 'd' {
				// Dictionary: next value is a string key.
				keyEnd, err := bencodeValueEnd(b, i)
				if err != nil {
					return 0, err
				}
				i = keyEnd
				if i >= len(b) {
					return 0, fmt.Errorf("unexpected end of input")
				}
				if b[i] == 'e' {
					return i + 1, nil
				}
			}
			valEnd, err := bencodeValueEnd(b, i)
			if err != nil {
				return 0, err
			}
			i = valEnd
		}
	default:
		// String: "<len>:<bytes>"
		colon := bytes.IndexByte(b[start:], ':')
		if colon < 0 {
			return 0, fmt.Errorf("malformed string length")
		}
		var length int
		for _, c := range b[start : start+colon] {
			if c < '0' || c > '9' {
				return 0, fmt.Errorf("malformed string length")
			}
			length = length*10 + int(c-'0')
		}
		valStart := start + colon + 1
		valEnd := valStart + length
		if valEnd > len(b) {
			return 0, fmt.Errorf("string exceeds input")
		}
		return valEnd, nil
	}
}
