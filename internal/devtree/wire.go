package devtree

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes v per Kernel §6's property-value wire format: a
// self-describing tagged encoding, little-endian, with length-prefixed
// UTF-8 strings and length-prefixed lists/maps. Used by the syscall that
// returns a property to a user caller.
func Encode(v Value) []byte {
	var buf []byte
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case KindBool:
		if v.B {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case KindString:
		s := []byte(v.S)
		buf = appendUint32(buf, uint32(len(s)))
		buf = append(buf, s...)
	case KindInt8:
		buf = append(buf, byte(v.I))
	case KindInt16:
		buf = appendUint16(buf, uint16(v.I))
	case KindInt32:
		buf = appendUint32(buf, uint32(v.I))
	case KindInt64:
		buf = appendUint64(buf, uint64(v.I))
	case KindList:
		buf = appendUint32(buf, uint32(len(v.List)))
		for _, e := range v.List {
			buf = append(buf, Encode(e)...)
		}
	case KindMap:
		buf = appendUint32(buf, uint32(len(v.Map)))
		for k, e := range v.Map {
			kb := []byte(k)
			buf = appendUint32(buf, uint32(len(kb)))
			buf = append(buf, kb...)
			buf = append(buf, Encode(e)...)
		}
	}
	return buf
}

func appendUint16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

// Decode parses the Encode wire format back into a Value, reporting how
// many bytes it consumed.
func Decode(data []byte) (Value, int, error) {
	if len(data) < 1 {
		return Value{}, 0, fmt.Errorf("devtree: empty property buffer")
	}
	kind := ValueKind(data[0])
	rest := data[1:]
	switch kind {
	case KindBool:
		if len(rest) < 1 {
			return Value{}, 0, fmt.Errorf("devtree: truncated bool")
		}
		return Value{Kind: KindBool, B: rest[0] != 0}, 2, nil
	case KindString:
		n, s, err := readLenPrefixed(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Kind: KindString, S: string(s)}, 1 + n, nil
	case KindInt8:
		if len(rest) < 1 {
			return Value{}, 0, fmt.Errorf("devtree: truncated int8")
		}
		return Value{Kind: KindInt8, I: int64(int8(rest[0]))}, 2, nil
	case KindInt16:
		if len(rest) < 2 {
			return Value{}, 0, fmt.Errorf("devtree: truncated int16")
		}
		return Value{Kind: KindInt16, I: int64(int16(binary.LittleEndian.Uint16(rest)))}, 3, nil
	case KindInt32:
		if len(rest) < 4 {
			return Value{}, 0, fmt.Errorf("devtree: truncated int32")
		}
		return Value{Kind: KindInt32, I: int64(int32(binary.LittleEndian.Uint32(rest)))}, 5, nil
	case KindInt64:
		if len(rest) < 8 {
			return Value{}, 0, fmt.Errorf("devtree: truncated int64")
		}
		return Value{Kind: KindInt64, I: int64(binary.LittleEndian.Uint64(rest))}, 9, nil
	case KindList:
		if len(rest) < 4 {
			return Value{}, 0, fmt.Errorf("devtree: truncated list count")
		}
		count := binary.LittleEndian.Uint32(rest)
		off := 4
		list := make([]Value, 0, count)
		for i := uint32(0); i < count; i++ {
			elem, n, err := Decode(rest[off:])
			if err != nil {
				return Value{}, 0, err
			}
			list = append(list, elem)
			off += n
		}
		return Value{Kind: KindList, List: list}, 1 + off, nil
	case KindMap:
		if len(rest) < 4 {
			return Value{}, 0, fmt.Errorf("devtree: truncated map count")
		}
		count := binary.LittleEndian.Uint32(rest)
		off := 4
		m := make(map[string]Value, count)
		for i := uint32(0); i < count; i++ {
			klen, k, err := readLenPrefixed(rest[off:])
			if err != nil {
				return Value{}, 0, err
			}
			off += klen
			elem, n, err := Decode(rest[off:])
			if err != nil {
				return Value{}, 0, err
			}
			m[string(k)] = elem
			off += n
		}
		return Value{Kind: KindMap, Map: m}, 1 + off, nil
	default:
		return Value{}, 0, fmt.Errorf("devtree: unknown tag %d", kind)
	}
}

func readLenPrefixed(data []byte) (consumed int, payload []byte, err error) {
	if len(data) < 4 {
		return 0, nil, fmt.Errorf("devtree: truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(data)
	if uint32(len(data)-4) < n {
		return 0, nil, fmt.Errorf("devtree: truncated payload")
	}
	return 4 + int(n), data[4 : 4+n], nil
}
