// Package ioport implements the "dynamic dispatch across IO backends"
// design note (Kernel §9): PCI and the IO-APIC need either legacy port
// I/O or memory-mapped config space depending on the device, expressed
// here as a single capability interface rather than an inheritance
// hierarchy. The actual `in`/`out` and physical MMIO load/store
// instructions are AMD64-specific assembly and therefore out of this
// module's scope (§1); these two implementations model the same
// interface against an addressable byte backing so the rest of the
// kernel core (in particular internal/apic's IO-APIC wiring) can be
// exercised without real hardware.
package ioport

// Port is the capability every IO backend exposes.
type Port interface {
	Read8(off uint16) uint8
	Read16(off uint16) uint16
	Read32(off uint16) uint32
	Write8(off uint16, v uint8)
	Write16(off uint16, v uint16)
	Write32(off uint16, v uint32)
}

// PMIOPort models legacy port-mapped I/O (the `in`/`out` instruction
// family) over a fixed-size backing array, keyed by port-relative offset.
type PMIOPort struct {
	base uint16
	mem  [0x10000]uint8
}

// NewPMIOPort returns a PMIOPort whose offsets are relative to base.
func NewPMIOPort(base uint16) *PMIOPort { return &PMIOPort{base: base} }

func (p *PMIOPort) Read8(off uint16) uint8   { return p.mem[off] }
func (p *PMIOPort) Write8(off uint16, v uint8) { p.mem[off] = v }

func (p *PMIOPort) Read16(off uint16) uint16 {
	return uint16(p.mem[off]) | uint16(p.mem[off+1])<<8
}
func (p *PMIOPort) Write16(off uint16, v uint16) {
	p.mem[off] = uint8(v)
	p.mem[off+1] = uint8(v >> 8)
}

func (p *PMIOPort) Read32(off uint16) uint32 {
	return uint32(p.Read16(off)) | uint32(p.Read16(off+2))<<16
}
func (p *PMIOPort) Write32(off uint16, v uint32) {
	p.Write16(off, uint16(v))
	p.Write16(off+2, uint16(v>>16))
}

// MMIOPort models a memory-mapped register window (PCI extended config
// space, the IO-APIC's indirect register pair) over a byte slice that
// the VMM has already mapped uncacheable/write-combining
// (Kernel §4.2 map_mmio).
type MMIOPort struct {
	mem []uint8
}

// NewMMIOPort wraps an already-mapped byte region.
func NewMMIOPort(mem []uint8) *MMIOPort { return &MMIOPort{mem: mem} }

func (p *MMIOPort) Read8(off uint16) uint8    { return p.mem[off] }
func (p *MMIOPort) Write8(off uint16, v uint8) { p.mem[off] = v }

func (p *MMIOPort) Read16(off uint16) uint16 {
	return uint16(p.mem[off]) | uint16(p.mem[off+1])<<8
}
func (p *MMIOPort) Write16(off uint16, v uint16) {
	p.mem[off] = uint8(v)
	p.mem[off+1] = uint8(v >> 8)
}

func (p *MMIOPort) Read32(off uint16) uint32 {
	return uint32(p.Read16(off)) | uint32(p.Read16(off+2))<<16
}
func (p *MMIOPort) Write32(off uint16, v uint32) {
	p.Write16(off, uint16(v))
	p.Write16(off+2, uint16(v>>16))
}
