// Package physmem provides the Dmap-style physical-memory view that sits
// next to the bitmap PFA: once pfa.Allocator says a frame is busy,
// something has to own the bytes. This core keeps that as a separate
// concern: pfa.Allocator tracks ownership bits, physmem.Store backs each
// allocated frame with bytes and exposes them via direct-mapped access.
package physmem

import (
	"sync"

	"mkcore/internal/pfa"
)

// PGSIZE mirrors pfa.PGSIZE; kept local so this package does not need to
// re-export pfa's constants to its own callers.
const PGSIZE = pfa.PGSIZE

// Store backs every frame pfa.Allocator has marked busy with a zeroed
// byte array, and hands out slices into it via Dmap.
type Store struct {
	alloc *pfa.Allocator

	mu     sync.Mutex
	frames map[pfa.Pa_t]*[PGSIZE]byte
}

// NewStore wraps an Allocator for bookkeeping.
func NewStore(alloc *pfa.Allocator) *Store {
	return &Store{alloc: alloc, frames: make(map[pfa.Pa_t]*[PGSIZE]byte)}
}

// Alloc allocates count contiguous frames via the underlying PFA and
// backs each individually with a zeroed page, matching how every
// mapping in this core ultimately references single 4 KiB physical
// pages even when several are allocated contiguously.
func (s *Store) Alloc(count int) (pfa.Pa_t, bool) {
	base, ok := s.alloc.Alloc(count)
	if !ok {
		return 0, false
	}
	s.mu.Lock()
	for i := 0; i < count; i++ {
		pa := base + pfa.Pa_t(i*PGSIZE)
		s.frames[pa] = &[PGSIZE]byte{}
	}
	s.mu.Unlock()
	return base, true
}

// Free releases count frames starting at base, both from the PFA and
// from this store's backing memory.
func (s *Store) Free(base pfa.Pa_t, count int) {
	s.mu.Lock()
	for i := 0; i < count; i++ {
		delete(s.frames, base+pfa.Pa_t(i*PGSIZE))
	}
	s.mu.Unlock()
	s.alloc.Free(base, count)
}

// Dmap returns the byte backing of the page-aligned frame base. It
// panics if the frame is not currently allocated — there is no
// "physical memory" behind a free frame, matching mem.Dmap's implicit
// assumption that callers only dereference owned pages.
func (s *Store) Dmap(base pfa.Pa_t) *[PGSIZE]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	pg, ok := s.frames[base]
	if !ok {
		panic("physmem: dmap of unallocated frame")
	}
	return pg
}

// Allocator exposes the underlying PFA for callers that only need
// bitmap bookkeeping (IsAllocated, FreePages).
func (s *Store) Allocator() *pfa.Allocator { return s.alloc }
