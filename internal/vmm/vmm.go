// Package vmm is the Page Table Manager (Kernel §4.2): it creates,
// mutates, and activates 4-level x86_64 page-table trees over frames
// handed out by internal/physmem.
//
// PGSHIFT, PGSIZE and the Pa_t vocabulary come from internal/pfa; the
// PTE flag bits (PTE_P, PTE_W, PTE_U) are defined here. Map/MapHuge/Unmap
// generalize a
// page-fault-time table walk from "install one leaf while handling a
// fault" to "install or remove a run of leaves on demand."
package vmm

import (
	"encoding/binary"

	"mkcore/internal/pfa"
	"mkcore/internal/physmem"
	"mkcore/internal/util"
)

const (
	PGSHIFT     = pfa.PGSHIFT
	PGSIZE      = pfa.PGSIZE
	PGSIZE_HUGE = 2 * 1024 * 1024

	PTE_P = 1 << 0 // present
	PTE_W = 1 << 1 // writable
	PTE_U = 1 << 2 // user-accessible
	PTE_A = 1 << 5 // accessed
	PTE_D = 1 << 6 // dirty
	PTE_PS = 1 << 7 // page size (huge leaf at PD level)
	PTE_G = 1 << 8 // global

	// PAT encoding bits used only by map_mmio's two allowed cache modes;
	// ordinary map/map_huge callers never see or set these directly
	// (Kernel §4.2: "forbids the write-through/cache-disable bits at
	// call site").
	pteWriteThrough = 1 << 3
	pteCacheDisable = 1 << 4
	ptePAT4k        = 1 << 7  // PAT bit position for a 4 KiB leaf
	ptePATHuge      = 1 << 12 // PAT bit position for a 2 MiB leaf

	pteAddrMask = ^uint64(0xfff)
)

// CacheMode restricts map_mmio to the two allowed non-write-back
// policies, so a caller cannot accidentally assemble a raw PWT/PCD
// combination (Kernel §4.2).
type CacheMode int

const (
	CacheUncacheable CacheMode = iota
	CacheWriteCombining
)

func (m CacheMode) bits(hugePage bool) uint64 {
	patBit := uint64(ptePAT4k)
	if hugePage {
		patBit = ptePATHuge
	}
	switch m {
	case CacheUncacheable:
		return pteCacheDisable
	case CacheWriteCombining:
		return patBit | pteWriteThrough
	default:
		panic("vmm: unknown cache mode")
	}
}

// Flags describes the permissions installed by map/map_huge/map_mmio.
type Flags struct {
	Writable bool
	User     bool
}

func (f Flags) bits() uint64 {
	b := uint64(PTE_P)
	if f.Writable {
		b |= PTE_W
	}
	if f.User {
		b |= PTE_U
	}
	return b
}

// node is a typed view over one page-table frame's raw bytes.
type node struct{ bytes *[physmem.PGSIZE]byte }

func (n node) entry(i int) uint64 {
	return binary.LittleEndian.Uint64(n.bytes[i*8 : i*8+8])
}

func (n node) setEntry(i int, v uint64) {
	binary.LittleEndian.PutUint64(n.bytes[i*8:i*8+8], v)
}

const entriesPerNode = 512

func pml4i(va uint64) int { return int((va >> 39) & 0x1ff) }
func pdpti(va uint64) int { return int((va >> 30) & 0x1ff) }
func pdi(va uint64) int   { return int((va >> 21) & 0x1ff) }
func pti(va uint64) int   { return int((va >> 12) & 0x1ff) }

// AddressSpace is a process's page-table tree (Kernel §3 "Address
// space"): a top-level node plus everything reachable from it. It is
// not safe for concurrent use — the owning process's allocation lock
// (internal/process) serializes access, matching Kernel §5.
type AddressSpace struct {
	store *physmem.Store
	pml4  pfa.Pa_t
}

// New allocates a fresh, all-zero top-level table. Every intermediate
// node installed underneath it is itself a PFA-owned frame, attributed
// to whichever process calls map/map_huge (Kernel §3: "page tables are
// themselves frames owned by the process whose address space they
// describe").
func New(store *physmem.Store) (*AddressSpace, bool) {
	pml4, ok := store.Alloc(1)
	if !ok {
		return nil, false
	}
	return &AddressSpace{store: store, pml4: pml4}, true
}

// Root returns the physical address of the top-level table, the value
// `activate` loads into CR3.
func (as *AddressSpace) Root() pfa.Pa_t { return as.pml4 }

// walkCreate walks va down to the requested level, allocating
// intermediate nodes with the given flags so that walk permissions are
// never accidentally more restrictive than what the leaf needs (Kernel
// §4.2: "tagging them with the requested flags so that walk permissions
// are not accidentally restricted"). Out-of-frames here is the fatal
// kernel condition Kernel §4.2 describes — callers must have reserved
// frames in the ledger first.
func (as *AddressSpace) walkCreate(va uint64, flags Flags) node {
	cur := node{as.store.Dmap(as.pml4)}
	for _, idx := range []int{pml4i(va), pdpti(va), pdi(va)} {
		e := cur.entry(idx)
		var childPa pfa.Pa_t
		if e&PTE_P == 0 {
			pa, ok := as.store.Alloc(1)
			if !ok {
				panic("vmm: out of frames for page-table node")
			}
			childPa = pa
			cur.setEntry(idx, uint64(pa)|flags.bits())
		} else {
			childPa = pfa.Pa_t(e & pteAddrMask)
			// widen walk permissions if this leaf needs more than the
			// existing intermediate grants.
			cur.setEntry(idx, e|flags.bits())
		}
		if idx == pdi(va) {
			return node{as.store.Dmap(childPa)}
		}
		cur = node{as.store.Dmap(childPa)}
	}
	panic("unreachable")
}

// walkToPD returns the PD node covering va without installing a
// 4 KiB table (used before the PD level so map_huge can install a
// direct PD leaf instead).
func (as *AddressSpace) walkToPD(va uint64, flags Flags) node {
	cur := node{as.store.Dmap(as.pml4)}
	for _, idx := range []int{pml4i(va), pdpti(va)} {
		e := cur.entry(idx)
		var childPa pfa.Pa_t
		if e&PTE_P == 0 {
			pa, ok := as.store.Alloc(1)
			if !ok {
				panic("vmm: out of frames for page-table node")
			}
			childPa = pa
			cur.setEntry(idx, uint64(pa)|flags.bits())
		} else {
			childPa = pfa.Pa_t(e & pteAddrMask)
			cur.setEntry(idx, e|flags.bits())
		}
		cur = node{as.store.Dmap(childPa)}
	}
	return cur
}

// Map installs count 4 KiB mappings starting at virt -> phys with the
// given permissions (Kernel §4.2 `map`).
func (as *AddressSpace) Map(virt, phys uint64, count int, flags Flags) {
	for i := 0; i < count; i++ {
		va := virt + uint64(i*PGSIZE)
		pa := phys + uint64(i*PGSIZE)
		pt := as.walkCreate(va, flags)
		pt.setEntry(pti(va), pa|flags.bits())
	}
}

// MapHuge installs count 2 MiB mappings starting at virt -> phys
// (Kernel §4.2 `map_huge`).
func (as *AddressSpace) MapHuge(virt, phys uint64, count int, flags Flags) {
	for i := 0; i < count; i++ {
		va := virt + uint64(i*PGSIZE_HUGE)
		pa := phys + uint64(i*PGSIZE_HUGE)
		pd := as.walkToPD(va, flags)
		pd.setEntry(pdi(va), pa|flags.bits()|PTE_PS)
	}
}

// MapMMIO installs count 4 KiB mappings for device memory using the
// requested cache mode, forbidding raw write-through/cache-disable bits
// at the call site by construction (Kernel §4.2 `map_mmio`).
func (as *AddressSpace) MapMMIO(virt, phys uint64, count int, flags Flags, mode CacheMode) {
	for i := 0; i < count; i++ {
		va := virt + uint64(i*PGSIZE)
		pa := phys + uint64(i*PGSIZE)
		pt := as.walkCreate(va, flags)
		pt.setEntry(pti(va), pa|flags.bits()|mode.bits(false))
	}
}

// ShootdownFunc issues the architecture's TLB-shootdown primitive for a
// single virtual address; real hardware invalidation is outside this
// module's scope (§1), so Unmap takes it as a parameter.
type ShootdownFunc func(virt uint64)

// Unmap walks the tree for count pages starting at virt, clearing any
// leaf found and invoking shootdown for it. It returns false on the
// first missing intermediate node (Kernel §4.2 `unmap`).
func (as *AddressSpace) Unmap(virt uint64, count int, shootdown ShootdownFunc) bool {
	for i := 0; i < count; i++ {
		va := virt + uint64(i*PGSIZE)
		cur := node{as.store.Dmap(as.pml4)}
		ok := true
		for _, idx := range []int{pml4i(va), pdpti(va), pdi(va)} {
			e := cur.entry(idx)
			if e&PTE_P == 0 {
				ok = false
				break
			}
			if idx == pdi(va) && e&PTE_PS != 0 {
				cur.setEntry(idx, 0)
				shootdown(va)
				ok = true
				break
			}
			cur = node{as.store.Dmap(pfa.Pa_t(e & pteAddrMask))}
			if idx == pdi(va) {
				pte := cur.entry(pti(va))
				if pte&PTE_P == 0 {
					ok = false
					break
				}
				cur.setEntry(pti(va), 0)
				shootdown(va)
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Translate returns the physical address and raw PTE bits currently
// mapped for va, or ok=false if unmapped at any level — the lookup the
// allocation ledger's region_is_mapped predicate is built on.
func (as *AddressSpace) Translate(va uint64) (pa pfa.Pa_t, pte uint64, ok bool) {
	cur := node{as.store.Dmap(as.pml4)}
	for _, idx := range []int{pml4i(va), pdpti(va), pdi(va)} {
		e := cur.entry(idx)
		if e&PTE_P == 0 {
			return 0, 0, false
		}
		if idx == pdi(va) && e&PTE_PS != 0 {
			off := va - util.Rounddown(va, uint64(PGSIZE_HUGE))
			return pfa.Pa_t(e&pteAddrMask) + pfa.Pa_t(off), e, true
		}
		cur = node{as.store.Dmap(pfa.Pa_t(e & pteAddrMask))}
	}
	e := cur.entry(pti(va))
	if e&PTE_P == 0 {
		return 0, 0, false
	}
	off := va - util.Rounddown(va, uint64(PGSIZE))
	return pfa.Pa_t(e&pteAddrMask) + pfa.Pa_t(off), e, true
}

// ActivateFunc installs an address space's root on the current CPU
// (loading CR3); architecture-specific, supplied by the caller.
type ActivateFunc func(root pfa.Pa_t)

// Activate installs this address space on the current CPU via fn
// (Kernel §4.2 `activate`).
func (as *AddressSpace) Activate(fn ActivateFunc) { fn(as.pml4) }

// HigherHalfLayout carries the two fixed regions every address space's
// upper canonical half must mirror (Kernel §3 invariant, §4.2
// `map_higher_half`): an identity map of low physical memory at the
// physical-virtual offset, and the kernel image at the kernel virtual
// offset.
type HigherHalfLayout struct {
	PhysVirtOffset   uint64
	IdentityMapBytes uint64 // how much low physical memory to identity-map

	KernelVirtOffset uint64
	KernelImagePhys  uint64
	KernelImageBytes uint64
}

// MapHigherHalf lays out the fixed kernel mapping into a fresh address
// space using 2 MiB pages, matching `map_higher_half`'s role of making
// every address space's upper half identical.
func (as *AddressSpace) MapHigherHalf(layout HigherHalfLayout) {
	flags := Flags{Writable: true, User: false}
	idCount := int(util.Roundup(layout.IdentityMapBytes, uint64(PGSIZE_HUGE)) / PGSIZE_HUGE)
	as.MapHuge(layout.PhysVirtOffset, 0, idCount, flags)

	imgCount := int(util.Roundup(layout.KernelImageBytes, uint64(PGSIZE_HUGE)) / PGSIZE_HUGE)
	as.MapHuge(layout.KernelVirtOffset, layout.KernelImagePhys, imgCount, flags)
}

// ReleaseTableTree frees every page-table-node frame owned by this
// address space — PML4, PDPT, PD, and PT nodes — but never a leaf
// target (a 4 KiB data page or a 2 MiB huge mapping's backing), since
// those are the allocation ledger's responsibility and must already be
// gone by the time this is called (Kernel §4.3: "destruction walks the
// ledger, unmaps, frees frames, then releases the page-table tree").
// It returns the number of node frames freed, so callers can check
// Kernel §8's law 2 and the S5 scenario's frame-conservation count.
func (as *AddressSpace) ReleaseTableTree(store *physmem.Store) int {
	freed := 0
	var walk func(pa pfa.Pa_t, level int)
	walk = func(pa pfa.Pa_t, level int) {
		if level == 3 {
			// a PT node: every entry is a 4 KiB data leaf, not a child
			// table, so there is nothing beneath it to free here.
			return
		}
		n := node{store.Dmap(pa)}
		for i := 0; i < entriesPerNode; i++ {
			e := n.entry(i)
			if e&PTE_P == 0 {
				continue
			}
			if level == 2 && e&PTE_PS != 0 {
				// a 2 MiB huge leaf, not a PT node.
				continue
			}
			child := pfa.Pa_t(e & pteAddrMask)
			walk(child, level+1)
			store.Free(child, 1)
			freed++
		}
	}
	walk(as.pml4, 0)
	store.Free(as.pml4, 1)
	freed++
	return freed
}
