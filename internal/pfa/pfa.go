// Package pfa implements the Bitmap Physical Frame Allocator (Kernel
// §4.1): one bit per 4 KiB frame, 0 free / 1 busy, first-fit allocation
// from an advancing cursor that wraps once.
//
// Field and constant naming (Pa_t, PGSIZE, PGSHIFT) gives the rest of
// this core's VM code one shared physical-address and page-size
// vocabulary.
package pfa

import (
	"sync"

	"mkcore/internal/util"
)

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT = 12

// PGSIZE is the size of a single frame in bytes.
const PGSIZE = 1 << PGSHIFT

// Pa_t is a physical address.
type Pa_t uint64

// reservedBelow is the physical address below which all frames are
// reserved BIOS/firmware data (Kernel §4.1: "All frames below 2 MiB are
// reserved").
const reservedBelow = 2 * 1024 * 1024

// Allocator is the bitmap PFA. One bit per frame index above
// reservedBelow/PGSIZE; zero means free.
type Allocator struct {
	mu        sync.Mutex
	bits      []uint64 // one bit per frame, index 0 == reservedBelow
	nframes   int
	cursor    int // next frame index to probe, advances past each success
	freePages int
}

// NewAllocator builds an allocator covering physical frames from
// reservedBelow up to (not including) highestAddr, with everything
// initially marked free. The caller is responsible for then marking any
// non-Usable regions (and the bitmap's own backing frames, per §4.1:
// "the bitmap lives in the first sufficiently large usable memory region
// above 2 MiB and marks itself busy") as allocated via MarkBusy.
func NewAllocator(highestAddr uint64) *Allocator {
	if highestAddr <= reservedBelow {
		highestAddr = reservedBelow + PGSIZE
	}
	n := int((highestAddr - reservedBelow) / PGSIZE)
	a := &Allocator{
		bits:      make([]uint64, (n+63)/64),
		nframes:   n,
		freePages: n,
	}
	return a
}

// indexOf converts a physical address to a frame index, panicking if it
// is not page-aligned or out of range — caller discipline, the same
// panic-on-programmer-error posture this core's VM code uses throughout.
func (a *Allocator) indexOf(base Pa_t) int {
	if !util.PageAligned(uint64(base), uint64(PGSIZE)) {
		panic("pfa: unaligned address")
	}
	if uint64(base) < reservedBelow {
		panic("pfa: address below reserved region")
	}
	idx := int((uint64(base) - reservedBelow) / PGSIZE)
	if idx < 0 || idx >= a.nframes {
		panic("pfa: address out of range")
	}
	return idx
}

func (a *Allocator) test(idx int) bool {
	return a.bits[idx/64]&(1<<(uint(idx)%64)) != 0
}

func (a *Allocator) set(idx int, busy bool) {
	word, bit := idx/64, uint(idx)%64
	if busy {
		a.bits[word] |= 1 << bit
	} else {
		a.bits[word] &^= 1 << bit
	}
}

// runFreeFrom reports whether a run of count free frames starts at idx,
// without going out of bounds.
func (a *Allocator) runFreeFrom(idx, count int) bool {
	if idx+count > a.nframes {
		return false
	}
	for i := idx; i < idx+count; i++ {
		if a.test(i) {
			return false
		}
	}
	return true
}

// Alloc finds a run of count contiguous free frames by first-fit from
// the cursor, wrapping at most once, and marks them busy. It returns the
// base physical address of the run, or ok=false if none exists anywhere.
func (a *Allocator) Alloc(count int) (base Pa_t, ok bool) {
	if count <= 0 {
		panic("pfa: alloc of non-positive count")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.cursor
	for idx := start; idx <= a.nframes-count; idx++ {
		if a.runFreeFrom(idx, count) {
			a.markRange(idx, count, true)
			a.cursor = idx + count
			a.freePages -= count
			return Pa_t(reservedBelow + uint64(idx)*PGSIZE), true
		}
	}
	// wrapped search of the prefix before the original cursor
	limit := start
	if limit > a.nframes-count+1 {
		limit = a.nframes - count + 1
	}
	for idx := 0; idx < limit; idx++ {
		if a.runFreeFrom(idx, count) {
			a.markRange(idx, count, true)
			a.cursor = idx + count
			a.freePages -= count
			return Pa_t(reservedBelow + uint64(idx)*PGSIZE), true
		}
	}
	return 0, false
}

func (a *Allocator) markRange(idx, count int, busy bool) {
	for i := idx; i < idx+count; i++ {
		a.set(i, busy)
	}
}

// Free marks count frames starting at base free. Double free is
// undefined behavior per §4.1 (caller discipline) — this implementation
// does not detect it, trusting the allocation ledger instead.
func (a *Allocator) Free(base Pa_t, count int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.indexOf(base)
	a.markRange(idx, count, false)
	a.freePages += count
}

// MarkBusy marks count frames starting at base busy without going
// through the cursor, used at init time to reserve the bitmap's own
// backing frames and any non-usable regions.
func (a *Allocator) MarkBusy(base Pa_t, count int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.indexOf(base)
	a.markRange(idx, count, true)
	a.freePages -= count
}

// IsAllocated reports whether every frame in [base, base+count*PGSIZE) is
// marked busy, the predicate ledger operations use to sanity-check
// themselves (Kernel §4.3).
func (a *Allocator) IsAllocated(base Pa_t, count int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.indexOf(base)
	if idx+count > a.nframes {
		return false
	}
	for i := idx; i < idx+count; i++ {
		if !a.test(i) {
			return false
		}
	}
	return true
}

// FreePages returns the free-frame counter kept for observability
// (Kernel §4.1, law 4 in §8).
func (a *Allocator) FreePages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freePages
}

// TotalFrames returns the number of frames this allocator covers.
func (a *Allocator) TotalFrames() int {
	return a.nframes
}
