// Package process implements the Process and its Allocation Ledger
// (Kernel §3, §4.3). Thread objects live in internal/sched instead of
// here, per design note §9: "cyclic ownership between Process and
// Thread is avoided by putting both in id-keyed tables on the
// Scheduler and using ids, not pointers, for references." Process only
// keeps the set of thread ids it owns, enough to know when its last
// thread has exited.
package process

import (
	"fmt"
	"sync"

	"mkcore/internal/defs"
	"mkcore/internal/elfimage"
	"mkcore/internal/pfa"
	"mkcore/internal/physmem"
	"mkcore/internal/util"
	"mkcore/internal/vmm"
)

// PGSIZE mirrors vmm.PGSIZE for callers that only import process.
const PGSIZE = vmm.PGSIZE

// StackBytes is the fixed 80 KiB initial user stack size (Kernel §4.3),
// in bytes.
const StackBytes = 80 * 1024

// Kind is a ledger entry's mapping kind (Kernel §3).
type Kind int

const (
	KindKernel Kind = iota // no user mapping at all
	KindRead               // mapped read-only, user-accessible
	KindWrite              // mapped read-write, user-accessible
	// KindBorrowed is a recipient-side message buffer: mapped read-only
	// like KindRead, but FreeAlloc must not return its frames to the
	// PFA, because the sender still owns them (Kernel §4.5 ack).
	KindBorrowed
)

// LedgerEntry is one live virtual allocation (Kernel §3).
type LedgerEntry struct {
	Virt  uint64
	Phys  pfa.Pa_t
	Pages int
	Kind  Kind
}

func (e LedgerEntry) end() uint64 { return e.Virt + uint64(e.Pages)*PGSIZE }

// VMLayout carries the two fixed address-space offsets every process
// shares (Kernel §3, §4.3): the physical-to-virtual offset used for the
// low-memory identity map, and the base of user-mappable virtual space.
type VMLayout struct {
	PhysVirtOffset uint64
	UserVirtOffset uint64
	HigherHalf     vmm.HigherHalfLayout
}

// Process is a single isolated user-mode process (Kernel §3).
type Process struct {
	Id        defs.Pid_t
	Path      string
	ImageBase uint64

	AS     *vmm.AddressSpace
	store  *physmem.Store
	layout VMLayout

	// mu is the per-process allocation lock (Kernel §5) guarding AS,
	// the ledger, the message bimap, and the virtual-address bump
	// cursor below.
	mu      sync.Mutex
	entries map[uint64]*LedgerEntry
	msgAddr map[defs.MsgID]uint64
	msgID   map[uint64]defs.MsgID
	vnext   uint64 // next unused user virtual address
	threads map[defs.Tid_t]struct{}
}

// New creates a process with a fresh address space mirroring the kernel
// master mapping (Kernel §4.3: "Creation allocates a fresh address
// space and runs map_higher_half on it").
func New(id defs.Pid_t, path string, store *physmem.Store, layout VMLayout) (*Process, error) {
	as, ok := vmm.New(store)
	if !ok {
		return nil, fmt.Errorf("process: out of frames creating address space")
	}
	as.MapHigherHalf(layout.HigherHalf)
	return &Process{
		Id:      id,
		Path:    path,
		AS:      as,
		store:   store,
		layout:  layout,
		entries: make(map[uint64]*LedgerEntry),
		msgAddr: make(map[defs.MsgID]uint64),
		msgID:   make(map[uint64]defs.MsgID),
		vnext:   layout.UserVirtOffset,
		threads: make(map[defs.Tid_t]struct{}),
	}, nil
}

// ---- thread-id bookkeeping (Thread objects themselves live in sched) ----

// AddThread records tid as belonging to this process.
func (p *Process) AddThread(tid defs.Tid_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads[tid] = struct{}{}
}

// RemoveThread drops tid and reports whether the process now has no
// threads left (Kernel §4.4: "if last thread of the process, the
// process is destroyed").
func (p *Process) RemoveThread(tid defs.Tid_t) (lastThread bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.threads, tid)
	return len(p.threads) == 0
}

// ThreadCount reports how many threads this process currently owns.
func (p *Process) ThreadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}

// ---- ledger ----

func pagesForBytes(size int) int {
	if size <= 0 {
		return 1 // Kernel §8: zero-byte allocations round to one page.
	}
	return int(util.Roundup(uint64(size), uint64(PGSIZE)) / PGSIZE)
}

// trackAllocLocked inserts a ledger entry and, for non-Kernel kinds,
// installs the mapping. Callers must hold mu.
func (p *Process) trackAllocLocked(virt uint64, phys pfa.Pa_t, pages int, kind Kind) {
	if !p.store.Allocator().IsAllocated(phys, pages) {
		panic("process: track_alloc of frames the PFA does not show as allocated")
	}
	p.entries[virt] = &LedgerEntry{Virt: virt, Phys: phys, Pages: pages, Kind: kind}
	if kind != KindKernel {
		p.AS.Map(virt, uint64(phys), pages, vmm.Flags{Writable: kind == KindWrite, User: true})
	}
}

// TrackAlloc records a ledger entry for an already-allocated physical
// range and maps it per kind (Kernel §4.3 track_alloc).
func (p *Process) TrackAlloc(virt uint64, phys pfa.Pa_t, pages int, kind Kind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trackAllocLocked(virt, phys, pages, kind)
}

// TrackKernelsideAlloc converts a kernel-owned physical buffer into a
// read-only user view at virt = phys - phys_virt_offset + user_virt_offset
// (Kernel §4.3 track_kernelside_alloc), used by IRQ delivery and by
// syscalls returning kernel-produced data.
func (p *Process) TrackKernelsideAlloc(phys pfa.Pa_t, size int) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	pages := pagesForBytes(size)
	virt := uint64(phys) - p.layout.PhysVirtOffset + p.layout.UserVirtOffset
	p.trackAllocLocked(virt, phys, pages, KindRead)
	return virt
}

// FreeAlloc unmaps (if mapped), frees backing frames in the PFA unless
// the entry is KindBorrowed, and removes the ledger entry (Kernel §4.3
// free_alloc). It is a no-op if virt is not tracked.
func (p *Process) FreeAlloc(virt uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeAllocLocked(virt)
}

func (p *Process) freeAllocLocked(virt uint64) {
	e, ok := p.entries[virt]
	if !ok {
		return
	}
	if e.Kind != KindKernel {
		p.AS.Unmap(virt, e.Pages, noopShootdown)
	}
	if e.Kind != KindBorrowed {
		p.store.Free(e.Phys, e.Pages)
	}
	delete(p.entries, virt)
}

func noopShootdown(uint64) {}

// entryFor finds the ledger entry whose range contains addr. Callers
// must hold mu.
func (p *Process) entryFor(addr uint64) (*LedgerEntry, bool) {
	for _, e := range p.entries {
		if addr >= e.Virt && addr < e.end() {
			return e, true
		}
	}
	return nil, false
}

// RegionIsWithinBounds reports whether [addr, addr+size) lies entirely
// inside a single ledger entry (Kernel §4.3).
func (p *Process) RegionIsWithinBounds(addr uint64, size int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entryFor(addr)
	if !ok {
		return false
	}
	return addr+uint64(size) <= e.end()
}

// RegionIsValid additionally requires the entry not be Kernel-only,
// since those pages are never user-dereferenceable (Kernel §4.3, §4.6
// pointer-validation contract).
func (p *Process) RegionIsValid(addr uint64, size int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entryFor(addr)
	if !ok || e.Kind == KindKernel {
		return false
	}
	return addr+uint64(size) <= e.end()
}

// RegionIsMapped additionally confirms every page in range actually
// walks to a present PTE, not just that the ledger claims it should
// (Kernel §4.3).
func (p *Process) RegionIsMapped(addr uint64, size int) bool {
	if !p.RegionIsWithinBounds(addr, size) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	start := util.Rounddown(addr, uint64(PGSIZE))
	for va := start; va < addr+uint64(size); va += PGSIZE {
		if _, _, ok := p.AS.Translate(va); !ok {
			return false
		}
	}
	return true
}

// ReadBytes copies size bytes starting at addr out of the process's
// mapped memory, used by syscalls that take a user buffer as input
// (kprint, set-entry-prop). Callers must validate addr/size with
// RegionIsValid first; ReadBytes itself only requires the range be
// mapped.
func (p *Process) ReadBytes(addr uint64, size int) ([]byte, bool) {
	if !p.RegionIsMapped(addr, size) {
		return nil, false
	}
	out := make([]byte, size)
	for read := 0; read < size; {
		va := addr + uint64(read)
		pageBase := util.Rounddown(va, uint64(PGSIZE))
		pa, _, ok := p.AS.Translate(pageBase)
		if !ok {
			return nil, false
		}
		pg := p.store.Dmap(pa)
		n := copy(out[read:], pg[va-pageBase:])
		read += n
	}
	return out, true
}

// WriteBytes copies data into the process's mapped memory starting at
// addr, used by syscalls that return a value into a user buffer
// (get-entry-info).
func (p *Process) WriteBytes(addr uint64, data []byte) bool {
	if !p.RegionIsMapped(addr, len(data)) {
		return false
	}
	for written := 0; written < len(data); {
		va := addr + uint64(written)
		pageBase := util.Rounddown(va, uint64(PGSIZE))
		pa, _, ok := p.AS.Translate(pageBase)
		if !ok {
			return false
		}
		pg := p.store.Dmap(pa)
		n := copy(pg[va-pageBase:], data[written:])
		written += n
	}
	return true
}

// LedgerLookup returns the ledger entry exactly starting at virt, used
// by IPC to find the physical frames behind a sender's message buffer
// so it can be mapped into a recipient (Kernel §4.5 send).
func (p *Process) LedgerLookup(virt uint64) (phys pfa.Pa_t, pages int, kind Kind, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, present := p.entries[virt]
	if !present {
		return 0, 0, 0, false
	}
	return e.Phys, e.Pages, e.Kind, true
}

// Allocate performs a PFA allocation and tracks it as KindWrite (Kernel
// §4.3 allocate), bumping the process's private virtual-address cursor.
// Zero-byte requests round up to one page (Kernel §8).
func (p *Process) Allocate(size int) (virt uint64, pages int, err error) {
	pages = pagesForBytes(size)
	phys, ok := p.store.Alloc(pages)
	if !ok {
		return 0, 0, fmt.Errorf("process: out of physical frames")
	}
	p.mu.Lock()
	virt = p.vnext
	p.vnext += uint64(pages) * PGSIZE
	p.trackAllocLocked(virt, phys, pages, KindWrite)
	p.mu.Unlock()
	return virt, pages, nil
}

// ReserveBorrowed installs a read-only mapping of someone else's frames
// at the same virtual address they already occupy in the sender (Kernel
// §4.5: "mapped read-only into the target's address space at the same
// virtual address"), tracked as KindBorrowed so ack's FreeAlloc will not
// double-free the sender's frames.
func (p *Process) ReserveBorrowed(virt uint64, phys pfa.Pa_t, pages int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trackAllocLocked(virt, phys, pages, KindBorrowed)
}

// Destroy walks the ledger freeing every entry, then releases the
// page-table tree (Kernel §4.3 invariant: "dropping a Process walks
// the ledger and free_allocs every entry, guaranteeing no frame
// leaks"). It returns the number of page-table-node frames released,
// for observability/testing (Kernel §8 law 2, scenario S5).
func (p *Process) Destroy() int {
	p.mu.Lock()
	virts := make([]uint64, 0, len(p.entries))
	for v := range p.entries {
		virts = append(virts, v)
	}
	for _, v := range virts {
		p.freeAllocLocked(v)
	}
	p.mu.Unlock()
	return p.AS.ReleaseTableTree(p.store)
}

// ---- message bookkeeping ----

// TrackMsg records the id<->addr bimap entry for an in-flight message
// (Kernel §4.3 track_msg).
func (p *Process) TrackMsg(id defs.MsgID, addr uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgAddr[id] = addr
	p.msgID[addr] = id
}

// FreeMsg releases the bimap entry for id (Kernel §4.3 free_msg).
func (p *Process) FreeMsg(id defs.MsgID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr, ok := p.msgAddr[id]
	if !ok {
		return
	}
	delete(p.msgAddr, id)
	delete(p.msgID, addr)
}

// IsMsg reports whether addr is a currently tracked message buffer
// (Kernel §4.3 is_msg).
func (p *Process) IsMsg(addr uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.msgID[addr]
	return ok
}

// MsgAddr returns the buffer address tracked for id, used by ack to
// find what to unmap (Kernel §8 law 3: the bimap is consistent in both
// directions).
func (p *Process) MsgAddr(id defs.MsgID) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.msgAddr[id]
	return a, ok
}

// ---- image loading ----

// LoadImage places a parsed PIE image at imageBase: it applies
// relocations, copies each LOAD segment into freshly allocated frames,
// and tracks them in the ledger with Read or Write kind per the
// segment's writable flag (Kernel §4.3). It returns the image's actual
// entry point.
func (p *Process) LoadImage(img *elfimage.Image, imageBase uint64) (entry uint64, err error) {
	if err := img.ApplyRelocations(imageBase); err != nil {
		return 0, err
	}
	for _, seg := range img.Segments {
		pages := pagesForBytes(len(seg.Data))
		phys, ok := p.store.Alloc(pages)
		if !ok {
			return 0, fmt.Errorf("process: out of frames loading image")
		}
		copyIntoFrames(p.store, phys, seg.Data)
		virt := imageBase + seg.VAddr
		kind := KindRead
		if seg.Writable {
			kind = KindWrite
		}
		p.TrackAlloc(virt, phys, pages, kind)
	}
	p.ImageBase = imageBase
	return imageBase + img.Entry, nil
}

// copyIntoFrames scatters data across count = ceil(len(data)/PGSIZE)
// frames starting at base, one physmem page at a time.
func copyIntoFrames(store *physmem.Store, base pfa.Pa_t, data []byte) {
	for off := 0; off < len(data); off += PGSIZE {
		end := off + PGSIZE
		if end > len(data) {
			end = len(data)
		}
		pg := store.Dmap(base + pfa.Pa_t(off))
		copy(pg[:], data[off:end])
	}
}

// AllocStack allocates the fixed 80 KiB initial user stack (Kernel
// §4.3) and returns its base virtual address.
func (p *Process) AllocStack() (virt uint64, err error) {
	virt, _, err = p.Allocate(StackBytes)
	return virt, err
}
