// Package panicx implements the Kernel's two fault paths from §7:
//
//   - the kernel panic path: freeze, unwind by frame pointer, print
//     demangled symbol frames from the boot-supplied symbol table, halt;
//     a re-entrant panic prints a terse message and halts immediately.
//   - the user-mode exception path: register dump, image base, process
//     path, then process teardown (no kernel panic).
//
// The stack-walking shape generalizes "dump the Go runtime's own call
// stack" to "dump a boot-supplied flat symbol table against a list of
// return addresses," and a bare address dump to demangled, disassembled
// output.
package panicx

import (
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	"golang.org/x/arch/x86/x86asm"

	"github.com/ianlancetaylor/demangle"
)

// Symbol is one entry of the boot-loader-supplied flat symbol table: a
// name valid from Addr (inclusive) up to the next higher Addr in the
// table (exclusive).
type Symbol struct {
	Addr uint64
	Name string
}

// SymbolTable resolves addresses to enclosing symbols. It is read-only
// after construction, matching "boot-supplied."
type SymbolTable struct {
	syms []Symbol // sorted by Addr ascending
}

// NewSymbolTable sorts and wraps the boot-supplied symbol list.
func NewSymbolTable(syms []Symbol) *SymbolTable {
	cp := append([]Symbol(nil), syms...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Addr < cp[j].Addr })
	return &SymbolTable{syms: cp}
}

// Resolve finds the symbol whose range contains addr and the byte offset
// into it. ok is false if addr falls before the first symbol.
func (t *SymbolTable) Resolve(addr uint64) (name string, offset uint64, ok bool) {
	syms := t.syms
	i := sort.Search(len(syms), func(i int) bool { return syms[i].Addr > addr })
	if i == 0 {
		return "", 0, false
	}
	s := syms[i-1]
	return s.Name, addr - s.Addr, true
}

// Demangle returns a human-readable form of a possibly-mangled symbol
// name, falling back to the raw name when it does not parse.
func Demangle(name string) string {
	if d, err := demangle.ToString(name); err == nil {
		return d
	}
	return name
}

// reentrant guards against a panic raised while already unwinding one.
var reentrant int32

// Frame is one unwound return address paired with its resolved,
// demangled symbol and offset.
type Frame struct {
	Addr   uint64
	Symbol string
	Offset uint64
}

// Unwind walks retAddrs (caller-gathered via frame-pointer chasing on the
// panicking stack) and resolves each against table.
func Unwind(table *SymbolTable, retAddrs []uint64) []Frame {
	frames := make([]Frame, 0, len(retAddrs))
	for _, a := range retAddrs {
		name, off, ok := table.Resolve(a)
		if !ok {
			name = "??"
		}
		frames = append(frames, Frame{Addr: a, Symbol: Demangle(name), Offset: off})
	}
	return frames
}

// PrintPanic prints the panic path's diagnostic to w: reason, unwound
// frames, then halts are the caller's responsibility (this package never
// calls os.Exit — the kernel core has no process to exit, it has a CPU to
// halt, which is outside this module's scope per §1).
func PrintPanic(w io.Writer, reason string, frames []Frame) {
	if !atomic.CompareAndSwapInt32(&reentrant, 0, 1) {
		fmt.Fprintf(w, "PANIC (re-entrant): %s\n", reason)
		return
	}
	fmt.Fprintf(w, "PANIC: %s\n", reason)
	for _, f := range frames {
		fmt.Fprintf(w, "\tat 0x%x %s+0x%x\n", f.Addr, f.Symbol, f.Offset)
	}
}

// DecodeFaultingInstruction disassembles the single x86-64 instruction at
// code (the bytes at the faulting RIP, read from the process's mapped
// image) for the user-mode exception register dump.
func DecodeFaultingInstruction(code []byte) (text string, length int, ok bool) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return "", 0, false
	}
	return x86asm.GNUSyntax(inst, 0, nil), inst.Len, true
}

// PrintUserFault prints the user-mode exception diagnostic of §7: register
// dump, image base, and process path. regs is left as a string map so
// this package does not need to know the Thread type's layout.
func PrintUserFault(w io.Writer, path string, imageBase uint64, rip uint64, code []byte, regs map[string]uint64) {
	fmt.Fprintf(w, "fault in %q (image base 0x%x) at rip=0x%x\n", path, imageBase, rip)
	if text, _, ok := DecodeFaultingInstruction(code); ok {
		fmt.Fprintf(w, "\tfaulting instruction: %s\n", text)
	}
	names := make([]string, 0, len(regs))
	for k := range regs {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(w, "\t%s=0x%x\n", k, regs[k])
	}
}
