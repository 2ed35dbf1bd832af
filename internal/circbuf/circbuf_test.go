package circbuf

import (
	"bytes"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var cb Buf_t
	cb.Init(8)
	cb.Write([]uint8("abcd"))
	if got := cb.Len(); got != 4 {
		t.Fatalf("Len() = %d, want 4", got)
	}
	out := make([]uint8, 4)
	n := cb.Read(out)
	if n != 4 || !bytes.Equal(out, []byte("abcd")) {
		t.Fatalf("Read() = (%q, %d), want (\"abcd\", 4)", out[:n], n)
	}
	if got := cb.Len(); got != 0 {
		t.Fatalf("Len() after full read = %d, want 0", got)
	}
}

func TestWritePastCapacityOverwritesOldest(t *testing.T) {
	var cb Buf_t
	cb.Init(4)
	cb.Write([]uint8("abcdef")) // 6 bytes into a 4-byte ring: "ab" is lost
	if got := cb.Len(); got != cb.Cap() {
		t.Fatalf("Len() = %d, want Cap() = %d once overwritten", got, cb.Cap())
	}
	out := make([]uint8, cb.Cap())
	n := cb.Read(out)
	if !bytes.Equal(out[:n], []byte("cdef")) {
		t.Fatalf("Read() = %q, want \"cdef\"", out[:n])
	}
}

func TestReadDrainsPartially(t *testing.T) {
	var cb Buf_t
	cb.Init(8)
	cb.Write([]uint8("hello"))
	first := make([]uint8, 2)
	if n := cb.Read(first); n != 2 || string(first) != "he" {
		t.Fatalf("first Read() = (%q, %d), want (\"he\", 2)", first, n)
	}
	if got := cb.Len(); got != 3 {
		t.Fatalf("Len() after partial read = %d, want 3", got)
	}
	rest := make([]uint8, 8)
	n := cb.Read(rest)
	if string(rest[:n]) != "llo" {
		t.Fatalf("remaining Read() = %q, want \"llo\"", rest[:n])
	}
}
