// Package scall implements the system-call dispatcher behind the trap
// gate at vector 0xF9 (Kernel §4.6). The opcode arrives in Rax, up to
// four arguments in Rdi/Rsi/Rdx/Rcx, and results go back the same way:
// status in Rax, up to four returned values in Rdi/Rsi/Rdx/Rcx. Dispatch
// never recovers from a diagnostic-worthy condition itself — it reports
// a Decision and lets the caller (the trap handler) tear the process
// down and reschedule (Kernel §7 "Propagation").
package scall

import (
	"io"
	"log/slog"

	"mkcore/internal/acpi"
	"mkcore/internal/apic"
	"mkcore/internal/defs"
	"mkcore/internal/devtree"
	"mkcore/internal/extension"
	"mkcore/internal/ioport"
	"mkcore/internal/ipc"
	"mkcore/internal/panicx"
	"mkcore/internal/process"
	"mkcore/internal/sched"
)

// Opcode numbers the dispatcher's first GPR switches on (Kernel §4.6).
type Opcode uint64

const (
	OpKprint Opcode = iota
	OpSend
	OpRecv
	OpAck
	OpQuit
	OpYield
	OpPortIn
	OpPortOut
	OpRegisterIRQ
	OpAllocate
	OpFree
	OpNewEntry
	OpGetEntryInfo
	OpSetEntryProp
)

// DecisionKind is the dispatcher's three-way flow decision (Kernel
// §4.6).
type DecisionKind int

const (
	// Continue restores registers and irets back to the caller.
	Continue DecisionKind = iota
	// BreakReschedule invokes the scheduler and returns to a different
	// thread, without tearing anything down (yield, recv-suspend).
	BreakReschedule
	// BreakFault tears the offending process down with a diagnostic and
	// reschedules (Kernel §7 "Propagation").
	BreakFault
)

// Decision is a handler's flow-control result. Reason is set only for
// BreakFault, naming why the process is being torn down.
type Decision struct {
	Kind   DecisionKind
	Reason error
}

func cont() Decision           { return Decision{Kind: Continue} }
func reschedule() Decision     { return Decision{Kind: BreakReschedule} }
func fault(err error) Decision { return Decision{Kind: BreakFault, Reason: err} }

// Dispatcher holds every subsystem a syscall handler needs to reach
// (Kernel §4.6's routing table targets): the scheduler, the IPC
// manager, the device tree and its matcher, and the IO backends
// port-in/out/register-irq touch.
type Dispatcher struct {
	Sched   *sched.Scheduler
	IPC     *ipc.Manager
	Tree    *devtree.Tree
	Matcher *extension.Matcher
	Tables  *acpi.Tables
	IOAPICs map[uint32]*apic.IOAPIC
	Ports   ioport.Port // legacy port-I/O space; port number is the offset
	Log     *slog.Logger
}

// result packs a handler's syscall-visible return: a status code and up
// to four returned GPRs, mirroring the ABI's "accumulator plus up to
// four returned registers."
type result struct {
	status         defs.Err_t
	r1, r2, r3, r4 uint64
}

func ok(r1, r2, r3, r4 uint64) result { return result{status: defs.EOK, r1: r1, r2: r2, r3: r3, r4: r4} }
func okStatus() result                { return result{status: defs.EOK} }
func errStatus(e defs.Err_t) result   { return result{status: e} }

// Dispatch routes one trap frame to its handler and returns the flow
// decision plus the register file to install before the next step
// (Continue: back into the caller; BreakReschedule/BreakFault: whatever
// the caller chooses to run next, typically discarded).
func (d *Dispatcher) Dispatch(pid defs.Pid_t, tid defs.Tid_t, regs sched.Registers) (sched.Registers, Decision) {
	proc, ok2 := d.Sched.Process(pid)
	if !ok2 {
		return regs, fault(errNotFoundf("dispatch: process %d vanished mid-syscall", pid))
	}

	var res result
	var decision Decision

	switch Opcode(regs.Rax) {
	case OpKprint:
		res, decision = d.kprint(proc, regs.Rdi, regs.Rsi)
	case OpSend:
		res, decision = d.send(proc, pid, regs.Rdi, regs.Rsi, regs.Rdx)
	case OpRecv:
		res, decision = d.recv(pid, tid)
	case OpAck:
		res, decision = d.ack(pid, defs.MsgID(regs.Rdi))
	case OpQuit:
		res, decision = okStatus(), d.quit(tid)
	case OpYield:
		res, decision = okStatus(), reschedule()
	case OpPortIn:
		res, decision = d.portIn(regs.Rdi, regs.Rsi)
	case OpPortOut:
		res, decision = d.portOut(regs.Rdi, regs.Rsi, regs.Rdx)
	case OpRegisterIRQ:
		res, decision = d.registerIRQ(pid, regs.Rdi)
	case OpAllocate:
		res, decision = d.allocate(proc, regs.Rdi)
	case OpFree:
		res, decision = okStatus(), cont()
		proc.FreeAlloc(regs.Rdi)
	case OpNewEntry:
		res, decision = d.newEntry(proc, regs.Rdi, regs.Rsi, regs.Rdx)
	case OpGetEntryInfo:
		res, decision = d.getEntryInfo(proc, regs.Rdi, regs.Rsi, regs.Rdx, regs.Rcx)
	case OpSetEntryProp:
		res, decision = d.setEntryProp(proc, regs.Rdi, regs.Rsi, regs.Rdx, regs.Rcx)
	default:
		res, decision = errStatus(defs.EARG), fault(errArgf("dispatch: unknown opcode %d", regs.Rax))
	}

	out := regs
	out.Rax = uint64(res.status)
	out.Rdi, out.Rsi, out.Rdx, out.Rcx = res.r1, res.r2, res.r3, res.r4
	return out, decision
}

// Step is the trap handler's half of Dispatch's flow decision (Kernel §7
// "Propagation"): Continue hands regs straight back for iret; both break
// kinds ask the scheduler for the next thread to run, and BreakFault
// first prints the user-mode exception diagnostic to w and tears the
// faulting thread down so it is not picked again. next is nil with
// idle=true if nothing is left runnable.
func (d *Dispatcher) Step(w io.Writer, pid defs.Pid_t, tid defs.Tid_t, regs sched.Registers) (out sched.Registers, next *sched.Thread, idle bool) {
	out, decision := d.Dispatch(pid, tid, regs)
	switch decision.Kind {
	case Continue:
		return out, nil, false
	case BreakFault:
		d.handleFault(w, tid, out, decision)
		fallthrough
	default: // BreakReschedule
		next, idle = d.Sched.Schedule(out)
		return out, next, idle
	}
}

// handleFault prints the §7 user-mode exception diagnostic (register
// dump, image base, faulting instruction if it can be read back) through
// panicx, then terminates tid.
func (d *Dispatcher) handleFault(w io.Writer, tid defs.Tid_t, regs sched.Registers, decision Decision) {
	var path string
	var imageBase uint64
	var code []byte
	if th, found := d.Sched.Thread(tid); found {
		if proc, found := d.Sched.Process(th.Pid); found {
			path = proc.Path
			imageBase = proc.ImageBase
			code, _ = proc.ReadBytes(regs.Rip, 16)
		}
	}
	panicx.PrintUserFault(w, path, imageBase, regs.Rip, code, map[string]uint64{
		"rax": regs.Rax, "rbx": regs.Rbx, "rcx": regs.Rcx, "rdx": regs.Rdx,
		"rsi": regs.Rsi, "rdi": regs.Rdi, "rbp": regs.Rbp, "rsp": regs.Rsp,
		"rflags": regs.Rflags,
	})
	reason := "fault"
	if decision.Reason != nil {
		reason = decision.Reason.Error()
	}
	if d.Log != nil {
		d.Log.Error("tearing down faulted thread", "tid", tid, "reason", reason)
	}
	d.Sched.Terminate(tid)
}
