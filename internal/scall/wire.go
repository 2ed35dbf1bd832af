package scall

import (
	"encoding/binary"
	"fmt"

	"mkcore/internal/devtree"
)

// encodeSetPropRequest builds the wire body set-entry-prop expects: a
// length-prefixed UTF-8 key followed by devtree.Encode(value), matching
// the same little-endian/length-prefixed discipline as the rest of
// Kernel §6's serialization. Used by tests and by user-space stubs that
// build the request buffer before trapping in.
func encodeSetPropRequest(key string, value devtree.Value) []byte {
	var buf []byte
	var klen [4]byte
	binary.LittleEndian.PutUint32(klen[:], uint32(len(key)))
	buf = append(buf, klen[:]...)
	buf = append(buf, key...)
	buf = append(buf, devtree.Encode(value)...)
	return buf
}

// decodeSetPropRequest parses encodeSetPropRequest's wire format,
// surfacing a decode failure as the EBODY condition (Kernel §7
// "MalformedBody ... e.g., property-set request").
func decodeSetPropRequest(data []byte) (key string, value devtree.Value, err error) {
	if len(data) < 4 {
		return "", devtree.Value{}, fmt.Errorf("truncated key length")
	}
	klen := binary.LittleEndian.Uint32(data)
	if uint32(len(data)-4) < klen {
		return "", devtree.Value{}, fmt.Errorf("truncated key")
	}
	key = string(data[4 : 4+klen])
	v, _, err := devtree.Decode(data[4+klen:])
	if err != nil {
		return "", devtree.Value{}, fmt.Errorf("decoding value: %w", err)
	}
	return key, v, nil
}
