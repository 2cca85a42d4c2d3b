package extension

import (
	"encoding/binary"
	"fmt"
)

// EncodeDontHave builds an lt_donthave payload: a bare 4-byte big-endian
// piece index, mirroring the core HAVE message's wire shape rather than a
// bencoded dictionary (lt_donthave predates BEP 10's dictionary
// convention and was never revised to use one).
func EncodeDontHave(index int) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(index))
	return buf
}

// DecodeDontHave parses an lt_donthave payload.
func DecodeDontHave(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("extension: lt_donthave: expected 4 bytes, got %d", len(payload))
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}
