package pfa

import "testing"

func newSmallAllocator(t *testing.T, frames int) *Allocator {
	t.Helper()
	a := NewAllocator(reservedBelow + uint64(frames)*PGSIZE)
	if a.TotalFrames() != frames {
		t.Fatalf("TotalFrames() = %d, want %d", a.TotalFrames(), frames)
	}
	return a
}

func TestAllocFirstFit(t *testing.T) {
	a := newSmallAllocator(t, 8)
	base, ok := a.Alloc(3)
	if !ok || base != reservedBelow {
		t.Fatalf("Alloc(3) = %#x,%v, want %#x,true", base, ok, reservedBelow)
	}
	if !a.IsAllocated(base, 3) {
		t.Fatalf("IsAllocated should report the run busy")
	}
}

// TestAllocWrapsWhenPrefixHasRoom exercises §8's boundary behavior:
// "when the cursor hits the top, a subsequent alloc succeeds iff a run
// exists in the prefix."
func TestAllocWrapsWhenPrefixHasRoom(t *testing.T) {
	a := newSmallAllocator(t, 8)
	if _, ok := a.Alloc(8); !ok {
		t.Fatalf("initial alloc(8) should succeed")
	}
	a.Free(reservedBelow, 2) // free frames 0-1, cursor is now at the top (frame 8)
	base, ok := a.Alloc(2)
	if !ok {
		t.Fatalf("wrapped alloc(2) should find the freed prefix run")
	}
	if base != reservedBelow {
		t.Fatalf("wrapped alloc returned %#x, want the freed prefix at %#x", base, reservedBelow)
	}
}

func TestAllocFailsWhenNoRunExistsAnywhere(t *testing.T) {
	a := newSmallAllocator(t, 4)
	if _, ok := a.Alloc(3); !ok {
		t.Fatalf("alloc(3) should succeed")
	}
	if _, ok := a.Alloc(2); ok {
		t.Fatalf("alloc(2) should fail: only 1 frame free")
	}
}

// TestFreePagesConservation exercises §8 law 4: a matched alloc/free
// pair leaves the free-page counter unchanged.
func TestFreePagesConservation(t *testing.T) {
	a := newSmallAllocator(t, 16)
	before := a.FreePages()
	base, ok := a.Alloc(5)
	if !ok {
		t.Fatalf("Alloc(5) failed")
	}
	a.Free(base, 5)
	if after := a.FreePages(); after != before {
		t.Fatalf("FreePages after matched alloc/free = %d, want %d", after, before)
	}
}

func TestMarkBusyExcludesFromAllocation(t *testing.T) {
	a := newSmallAllocator(t, 4)
	a.MarkBusy(reservedBelow, 1)
	base, ok := a.Alloc(4)
	if ok {
		t.Fatalf("Alloc(4) should fail: one frame permanently reserved, base=%#x", base)
	}
	if _, ok := a.Alloc(3); !ok {
		t.Fatalf("Alloc(3) should succeed using the remaining frames")
	}
}

func TestIndexOfPanicsOnUnaligned(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on unaligned address")
		}
	}()
	a := newSmallAllocator(t, 4)
	a.Free(reservedBelow+1, 1)
}
