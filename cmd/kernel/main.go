// Command kernel assembles the boot sequence (Kernel design note §2):
// take the handoff record, bring up the frame allocator and the
// higher-half layout, take the already-parsed ACPI tables and IO-APIC
// devices, build the root device tree and load the extension catalog,
// build the scheduler and IPC manager, and run the first match pass.
//
// There is no real UEFI loader or physical LAPIC/IO-APIC behind this
// binary — those are out of this module's scope (§1) — so main wires a
// synthetic handoff record and IO backend, driving a narrow, host-side
// slice of kernel logic rather than a full machine. Boot itself is the
// reusable entry point; anything standing in for real firmware lives
// only in main.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"mkcore/internal/acpi"
	"mkcore/internal/apic"
	"mkcore/internal/bootinfo"
	"mkcore/internal/devtree"
	"mkcore/internal/extension"
	"mkcore/internal/ioport"
	"mkcore/internal/ipc"
	"mkcore/internal/logging"
	"mkcore/internal/pfa"
	"mkcore/internal/physmem"
	"mkcore/internal/process"
	"mkcore/internal/scall"
	"mkcore/internal/sched"
	"mkcore/internal/vmm"
)

// defaultUserVirtOffset and defaultPhysVirtOffset mirror the fixed
// higher-half layout every process's address space mirrors (Kernel §3).
const (
	defaultPhysVirtOffset = 0xffff800000000000
	defaultUserVirtOffset = 0x0000000000400000
	defaultIdentityBytes  = 256 * 1024 * 1024
	defaultKernelVirt     = 0xffffffff80000000
	defaultKernelImgBytes = 16 * 1024 * 1024
)

// Kernel holds every subsystem built during Boot, the set Dispatch needs
// to route a trap frame (Kernel §4.6).
type Kernel struct {
	Log      *slog.Logger
	Serial   *logging.RingSink
	Store    *physmem.Store
	Layout   process.VMLayout
	Tree     *devtree.Tree
	Sched    *sched.Scheduler
	IPC      *ipc.Manager
	Matcher  *extension.Matcher
	Dispatch *scall.Dispatcher
}

// serialBacklogBytes bounds the recent-history ring logging.RingSink
// retains behind the serial writer, large enough to hold a panic dump's
// worth of preceding log lines without growing unbounded.
const serialBacklogBytes = 64 * 1024

// Boot runs the sequence in Kernel design note §2: PFA init, higher-half
// layout, device tree, catalog load, scheduler/IPC construction, and the
// first extension match pass. tables and ioapics are already-parsed ACPI
// data and already-wired IO-APIC devices, since the real RSDP/MADT walk
// and MMIO access are both out of scope (§1).
func Boot(rec bootinfo.HandoffRecord, tables *acpi.Tables, ioapics map[uint32]*apic.IOAPIC, ports ioport.Port, serial, framebuffer io.Writer) (*Kernel, error) {
	var fbw io.Writer
	if rec.Verbose {
		fbw = framebuffer
	}
	serialSink := logging.NewRingSink(serial, serialBacklogBytes)
	log := logging.NewLogger(serialSink, fbw, slog.LevelInfo)

	highest := rec.HighestUsableAddr()
	alloc := pfa.NewAllocator(highest)
	const reservedBelow = 2 * 1024 * 1024 // below this, frames are firmware-reserved and outside the bitmap entirely (Kernel §4.1)
	for _, e := range rec.MemMap {
		if e.Kind == bootinfo.MemUsable || e.Base < reservedBelow || e.Len < pfa.PGSIZE {
			continue
		}
		alloc.MarkBusy(pfa.Pa_t(e.Base), int(e.Len/pfa.PGSIZE))
	}
	store := physmem.NewStore(alloc)

	layout := process.VMLayout{
		PhysVirtOffset: defaultPhysVirtOffset,
		UserVirtOffset: defaultUserVirtOffset,
		HigherHalf: vmm.HigherHalfLayout{
			PhysVirtOffset:   defaultPhysVirtOffset,
			IdentityMapBytes: defaultIdentityBytes,
			KernelVirtOffset: defaultKernelVirt,
			KernelImagePhys:  0,
			KernelImageBytes: defaultKernelImgBytes,
		},
	}

	tree := devtree.New("mkcore", "x86_64")

	catalog, err := extension.DecodeCatalog(rec.Catalog)
	if err != nil {
		return nil, fmt.Errorf("kernel: decoding extension catalog: %w", err)
	}

	const idleStackTop = 0xffffffffff000000
	s := sched.New(idleStackTop)

	const tickHz = 100
	divisor := sched.CalibrateTimer(syntheticTickCounter, time.Sleep, uint64(time.Second), tickHz)
	s.SetTickInterval(int64(time.Second) / tickHz)
	log.Info("timer calibrated", "target_hz", tickHz, "divisor", divisor)

	unmask := func(line uint32) {
		if ioa, ok := ioapics[ioapicGSIBase(tables, line)]; ok {
			ioa.SetMasked(line, false)
		}
	}
	ipcMgr := ipc.NewManager(s, store, unmask)

	matcher := extension.NewMatcher(tree, catalog, s, store, layout)

	d := &scall.Dispatcher{
		Sched:   s,
		IPC:     ipcMgr,
		Tree:    tree,
		Matcher: matcher,
		Tables:  tables,
		IOAPICs: ioapics,
		Ports:   ports,
		Log:     log,
	}

	if err := matcher.RunMatch(context.Background()); err != nil {
		log.Error("initial extension match failed", "error", err)
	}

	log.Info("boot complete", "usable_bytes", highest, "catalog_entries", len(catalog))

	return &Kernel{
		Log:      log,
		Serial:   serialSink,
		Store:    store,
		Layout:   layout,
		Tree:     tree,
		Sched:    s,
		IPC:      ipcMgr,
		Matcher:  matcher,
		Dispatch: d,
	}, nil
}

// ioapicGSIBase finds the GSI base the IO-APIC map is keyed by for the
// IO-APIC covering local gsi line, mirroring apic.WireLegacyIRQ's own
// lookup so ack's unmask path agrees with register-irq's wiring path.
func ioapicGSIBase(tables *acpi.Tables, localGSI uint32) uint32 {
	for _, a := range tables.IOAPICs {
		if localGSI < a.GSIBase {
			continue
		}
		return a.GSIBase
	}
	return 0
}

// syntheticTickCounter stands in for an HPET register read: there is no
// real HPET behind this binary, so CalibrateTimer samples wall-clock
// nanoseconds instead, at the 1 GHz counterHz Boot passes alongside it.
func syntheticTickCounter() uint64 {
	return uint64(time.Now().UnixNano())
}

// syntheticHandoff stands in for the UEFI loader's handoff record: one
// usable region above the 2 MiB reservation, no framebuffer record, and
// verbose logging on, so main's stderr serves as the framebuffer sink
// next to the serial sink on stdout. A real boot loader overwrites none of this —
// main exists only to exercise Boot end to end.
func syntheticHandoff() bootinfo.HandoffRecord {
	return bootinfo.HandoffRecord{
		Revision:      1,
		Verbose:       true,
		SerialEnabled: true,
		MemMap: []bootinfo.MemMapEntry{
			{Base: 2 * 1024 * 1024, Len: 256 * 1024 * 1024, Kind: bootinfo.MemUsable},
		},
		Catalog: extension.EncodeCatalog(nil),
	}
}

func main() {
	tables := &acpi.Tables{
		IOAPICs: []acpi.IOAPIC{{ID: 0, GSIBase: 0}},
	}
	regs := ioport.NewMMIOPort(make([]byte, 0x1000))
	ioapics := map[uint32]*apic.IOAPIC{0: apic.NewIOAPIC(regs, 0)}
	legacyPorts := ioport.NewPMIOPort(0)

	k, err := Boot(syntheticHandoff(), tables, ioapics, legacyPorts, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "boot failed:", err)
		os.Exit(1)
	}
	k.Log.Info("idle")
}
