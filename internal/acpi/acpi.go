// Package acpi holds the already-parsed MADT/RSDP/HPET records the (out of
// scope) ACPI subsystem locates, read-only, per Kernel design note §6: "the core
// reads MADT entries to discover CPU local APIC addresses, IO-APIC
// addresses and GSI bases, and interrupt source overrides."
//
// Field names follow the original system's MADT interrupt-controller
// records (ProcessorLocalAPIC, IOAPIC, InterruptSourceOverride) rather
// than a byte-for-byte ACPI spec transliteration, since this core never
// parses the raw SDT bytes itself in-process — it is handed already
// structured records by the out-of-scope table walker.
package acpi

// Polarity is the interrupt pin polarity from an ISO record.
type Polarity int

const (
	PolarityBusDefault Polarity = iota
	PolarityActiveHigh
	PolarityActiveLow
)

// TriggerMode is the interrupt trigger mode from an ISO record.
type TriggerMode int

const (
	TriggerBusDefault TriggerMode = iota
	TriggerEdge
	TriggerLevel
)

// LocalAPIC is one "ProcessorLocalAPIC" MADT entry.
type LocalAPIC struct {
	ACPIProcessorID uint8
	APICID          uint8
	Enabled         bool
}

// IOAPIC is one "InputOutputAPIC" MADT entry.
type IOAPIC struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// Covers reports whether gsi falls within this IO-APIC's redirection
// table, which Kernel §6 sizes implicitly from the next IO-APIC's base
// (or an implementation-chosen span if this is the last one); callers
// pass the span explicitly since that bookkeeping lives in the matcher
// over all IOAPICs (see Tables.IOAPICForGSI).
func (a IOAPIC) Covers(gsi uint32, span uint32) bool {
	return gsi >= a.GSIBase && gsi < a.GSIBase+span
}

// InterruptSourceOverride is one MADT "ISO" entry: legacy IRQ -> GSI plus
// polarity/trigger, consulted when wiring register-irq (Kernel §6, §4.6).
type InterruptSourceOverride struct {
	Bus      uint8
	IRQ      uint8
	GSI      uint32
	Polarity Polarity
	Trigger  TriggerMode
}

// HPET describes the HPET table's base address and counter period,
// consulted by internal/apic's LAPIC calibration (Kernel §4.4).
type HPET struct {
	Address        uint64
	CounterPeriodFs uint64 // counter tick period in femtoseconds
}

// RSDP is the Root System Description Pointer the boot loader hands off
// (Kernel §6); the core only carries its physical address through to the
// (out of scope) table walker, but callers that have already walked it
// populate Tables directly.
type RSDP struct {
	PhysAddr uint64
}

// Tables is the parsed-out, read-only subset of ACPI data this core
// consults: discovered local APICs, IO-APICs, interrupt source
// overrides, and the HPET.
type Tables struct {
	LocalAPICs []LocalAPIC
	IOAPICs    []IOAPIC
	Overrides  []InterruptSourceOverride
	HPET       *HPET
}

// OverrideFor finds the ISO entry for a legacy IRQ number, if the boot
// firmware declared one. Legacy IRQs without an override map 1:1 to GSI
// == irq with bus-default polarity/trigger (edge, active-high), per the
// MADT spec's implicit default that Kernel §6 relies on.
func (t *Tables) OverrideFor(irq uint8) InterruptSourceOverride {
	for _, o := range t.Overrides {
		if o.IRQ == irq {
			return o
		}
	}
	return InterruptSourceOverride{
		IRQ:      irq,
		GSI:      uint32(irq),
		Polarity: PolarityActiveHigh,
		Trigger:  TriggerEdge,
	}
}

// IOAPICForGSI finds the IO-APIC whose redirection table covers gsi,
// using each entry's GSI base and the next-higher base (or, for the
// highest-based IO-APIC, an unbounded span) to compute coverage.
func (t *Tables) IOAPICForGSI(gsi uint32) (IOAPIC, bool) {
	best := IOAPIC{}
	found := false
	bestSpan := ^uint32(0)
	for _, a := range t.IOAPICs {
		if a.GSIBase > gsi {
			continue
		}
		span := bestSpan - a.GSIBase
		for _, b := range t.IOAPICs {
			if b.GSIBase > a.GSIBase && b.GSIBase-a.GSIBase < span {
				span = b.GSIBase - a.GSIBase
			}
		}
		if a.Covers(gsi, span) && (!found || a.GSIBase > best.GSIBase) {
			best = a
			found = true
		}
	}
	return best, found
}
