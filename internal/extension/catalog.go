// Package extension decodes the boot-supplied extension catalog and
// implements the subset-match algorithm that spawns catalog payloads as
// user processes against the device tree (Kernel §4.7, §6).
package extension

import (
	"encoding/binary"
	"fmt"

	"mkcore/internal/devtree"
)

// Info is one catalog entry's metadata (Kernel §6 "ExtensionInfo =
// { identifier: string, personalities: map from personality-name to
// property-match-map }").
type Info struct {
	Identifier    string
	Personalities map[string]map[string]devtree.Value
}

// Entry pairs an Info with its position-independent payload.
type Entry struct {
	Info    Info
	Payload []byte
}

// DecodeCatalog parses the boot-supplied catalog byte slice (Kernel §6
// "Extension catalog format") into a list of (ExtensionInfo, payload)
// pairs. The wire shape follows the same length-prefixed, little-endian
// discipline as the property encoding in internal/devtree, and reuses
// devtree.Decode/Encode for each match-map value so the two self-
// describing formats stay in lockstep.
func DecodeCatalog(data []byte) ([]Entry, error) {
	off := 0
	readU32 := func() (uint32, error) {
		if off+4 > len(data) {
			return 0, fmt.Errorf("extension: truncated catalog at offset %d", off)
		}
		v := binary.LittleEndian.Uint32(data[off:])
		off += 4
		return v, nil
	}
	readBytes := func(n uint32) ([]byte, error) {
		if off+int(n) > len(data) {
			return nil, fmt.Errorf("extension: truncated catalog payload at offset %d", off)
		}
		b := data[off : off+int(n)]
		off += int(n)
		return b, nil
	}
	readString := func() (string, error) {
		n, err := readU32()
		if err != nil {
			return "", err
		}
		b, err := readBytes(n)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	count, err := readU32()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		id, err := readString()
		if err != nil {
			return nil, err
		}
		numPersonalities, err := readU32()
		if err != nil {
			return nil, err
		}
		personalities := make(map[string]map[string]devtree.Value, numPersonalities)
		for p := uint32(0); p < numPersonalities; p++ {
			name, err := readString()
			if err != nil {
				return nil, err
			}
			numProps, err := readU32()
			if err != nil {
				return nil, err
			}
			match := make(map[string]devtree.Value, numProps)
			for k := uint32(0); k < numProps; k++ {
				key, err := readString()
				if err != nil {
					return nil, err
				}
				v, n, err := devtree.Decode(data[off:])
				if err != nil {
					return nil, fmt.Errorf("extension: decoding match-map value for %q.%q: %w", id, key, err)
				}
				off += n
				match[key] = v
			}
			personalities[name] = match
		}
		payloadLen, err := readU32()
		if err != nil {
			return nil, err
		}
		payload, err := readBytes(payloadLen)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			Info:    Info{Identifier: id, Personalities: personalities},
			Payload: payload,
		})
	}
	return entries, nil
}

// EncodeCatalog is DecodeCatalog's inverse, used by tests and by host
// tooling that builds a catalog blob to hand the kernel at boot.
func EncodeCatalog(entries []Entry) []byte {
	var buf []byte
	putU32 := func(v uint32) {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}
	putString := func(s string) {
		putU32(uint32(len(s)))
		buf = append(buf, s...)
	}

	putU32(uint32(len(entries)))
	for _, e := range entries {
		putString(e.Info.Identifier)
		putU32(uint32(len(e.Info.Personalities)))
		for name, match := range e.Info.Personalities {
			putString(name)
			putU32(uint32(len(match)))
			for k, v := range match {
				putString(k)
				buf = append(buf, devtree.Encode(v)...)
			}
		}
		putU32(uint32(len(e.Payload)))
		buf = append(buf, e.Payload...)
	}
	return buf
}
