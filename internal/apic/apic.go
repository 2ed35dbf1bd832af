// Package apic implements LAPIC timer calibration and IO-APIC
// redirection-entry wiring (Kernel §4.4, §4.6, §6).
//
// There is no vector allocator: a legacy IRQ's vector is always
// IRQBaseVector plus the IRQ number, and the timer uses TimerVector.
package apic

import (
	"fmt"
	"sync"
	"time"

	"mkcore/internal/acpi"
	"mkcore/internal/ioport"
)

// TimerVector is the fixed vector the scheduler's periodic interrupt
// arrives on (Kernel §4.4).
const TimerVector = 128

// IRQBaseVector is added to a legacy IRQ number to get its IDT vector
// (Kernel §6: "write a redirection entry with vector = irq+0x20").
const IRQBaseVector = 0x20

// IRQVectorLimit is the exclusive upper bound a register-irq syscall must
// enforce (Kernel §4.6: "vector must be < 0xE0").
const IRQVectorLimit = 0xE0

// Redirection mirrors one 64-bit IO-APIC redirection table entry's
// software-relevant fields — only the fields Kernel §6 names.
type Redirection struct {
	Vector       uint8
	ActiveLow    bool
	LevelTrigger bool
	Masked       bool
}

// IOAPIC wires redirection entries for one physical IO-APIC through an
// ioport.Port (its indirect register window).
type IOAPIC struct {
	mu   sync.Mutex
	regs ioport.Port
	base uint32 // this IO-APIC's GSI base, for addressing its entries
}

// NewIOAPIC wraps the memory-mapped register window for one IO-APIC.
func NewIOAPIC(regs ioport.Port, gsiBase uint32) *IOAPIC {
	return &IOAPIC{regs: regs, base: gsiBase}
}

const (
	ioregsel = 0x00
	iowin    = 0x10
	ioredtblBase = 0x10
)

// SetRedirection programs the redirection entry for local GSI (relative
// to this IO-APIC's base) with the given vector and polarity/trigger,
// masked on install so the recipient unmasks it only after registering
// (Kernel §4.5 IRQ masking discipline).
func (a *IOAPIC) SetRedirection(localGSI uint32, vector uint8, activeLow, level bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	reg := uint32(ioredtblBase + localGSI*2)

	var low uint32 = uint32(vector)
	if activeLow {
		low |= 1 << 13
	}
	if level {
		low |= 1 << 15
	}
	low |= 1 << 16 // masked

	a.regs.Write32(ioregsel, reg+1)
	a.regs.Write32(iowin, 0)
	a.regs.Write32(ioregsel, reg)
	a.regs.Write32(iowin, low)
}

// SetMasked sets or clears the mask bit of localGSI's redirection entry,
// used by ack (unmask, Kernel §4.5) and the IRQ top half (mask).
func (a *IOAPIC) SetMasked(localGSI uint32, masked bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	reg := uint32(ioredtblBase + localGSI*2)
	a.regs.Write32(ioregsel, reg)
	low := a.regs.Read32(iowin)
	if masked {
		low |= 1 << 16
	} else {
		low &^= 1 << 16
	}
	a.regs.Write32(ioregsel, reg)
	a.regs.Write32(iowin, low)
}

// IsMasked reports the current mask bit, used by tests asserting S1's
// "after ack, mask=0."
func (a *IOAPIC) IsMasked(localGSI uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	reg := uint32(ioredtblBase + localGSI*2)
	a.regs.Write32(ioregsel, reg)
	return a.regs.Read32(iowin)&(1<<16) != 0
}

// WireLegacyIRQ implements Kernel §6's legacy-IRQ wiring recipe: find the
// override for irq, choose the IO-APIC whose GSI range covers
// override.GSI, program vector = irq+IRQBaseVector with the override's
// polarity/trigger.
func WireLegacyIRQ(tables *acpi.Tables, ioapics map[uint32]*IOAPIC, irq uint8) (vector uint8, err error) {
	ov := tables.OverrideFor(irq)
	hw, ok := tables.IOAPICForGSI(ov.GSI)
	if !ok {
		return 0, fmt.Errorf("no IO-APIC covers gsi %d", ov.GSI)
	}
	dev, ok := ioapics[hw.GSIBase]
	if !ok {
		return 0, fmt.Errorf("no IOAPIC device registered for gsi base %d", hw.GSIBase)
	}
	vector = irq + IRQBaseVector
	activeLow := ov.Polarity == acpi.PolarityActiveLow
	level := ov.Trigger == acpi.TriggerLevel
	dev.SetRedirection(ov.GSI-hw.GSIBase, vector, activeLow, level)
	return vector, nil
}

// TickCounter samples a free-running counter, e.g. the HPET main counter
// register; implemented outside this package since reading real hardware
// is architecture-specific.
type TickCounter func() uint64

// Sleep pauses goroutine execution; production code supplies an HPET
// polling-delay loop, tests supply time.Sleep or a fake clock.
type Sleeper func(d time.Duration)

// CalibrateFromHPET implements Kernel §4.4's timer calibration: "count
// ticks during a 10 ms HPET sleep, project onto a target frequency."
// targetHz is the rate the caller wants the periodic interrupt to fire
// at; the return value is the LAPIC initial-count divisor-adjusted value
// a real driver would program, expressed here simply as
// "counts per target period" so it is a pure, testable function of the
// sampled counter delta.
func CalibrateFromHPET(counter TickCounter, sleep Sleeper, counterHz uint64, targetHz uint64) uint64 {
	const calibrationWindow = 10 * time.Millisecond

	start := counter()
	sleep(calibrationWindow)
	end := counter()

	delta := end - start
	countsPerSecond := delta * uint64(time.Second/calibrationWindow)
	_ = counterHz // counterHz documents the expected units of `counter`; the
	// calibration itself only needs the measured delta, matching the
	// original's approach of deriving frequency purely from elapsed ticks.
	return countsPerSecond / targetHz
}
