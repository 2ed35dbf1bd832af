package scall

import (
	"bytes"
	"strings"
	"testing"

	"mkcore/internal/acpi"
	"mkcore/internal/apic"
	"mkcore/internal/defs"
	"mkcore/internal/devtree"
	"mkcore/internal/ioport"
	"mkcore/internal/ipc"
	"mkcore/internal/pfa"
	"mkcore/internal/physmem"
	"mkcore/internal/process"
	"mkcore/internal/sched"
)

type harness struct {
	d     *Dispatcher
	s     *sched.Scheduler
	store *physmem.Store
	layout process.VMLayout
}

func (h *harness) spawn(t *testing.T, pid defs.Pid_t) (*process.Process, defs.Tid_t) {
	t.Helper()
	proc, err := process.New(pid, "test", h.store, h.layout)
	if err != nil {
		t.Fatalf("process.New: %v", err)
	}
	h.s.AddProcess(proc)
	tid := h.s.AllocTid()
	h.s.AddThread(&sched.Thread{Id: tid, Pid: pid, State: sched.StateInactive})
	return proc, tid
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := physmem.NewStore(pfa.NewAllocator(256 * 1024 * 1024))
	s := sched.New(0)
	mgr := ipc.NewManager(s, store, nil)
	tree := devtree.New("Product", "x86_64")

	tables := &acpi.Tables{
		IOAPICs:   []acpi.IOAPIC{{ID: 0, GSIBase: 0}},
		Overrides: []acpi.InterruptSourceOverride{{IRQ: 1, GSI: 1, Polarity: acpi.PolarityActiveHigh, Trigger: acpi.TriggerEdge}},
	}
	ioapicRegs := ioport.NewMMIOPort(make([]uint8, 0x100))
	ioapics := map[uint32]*apic.IOAPIC{0: apic.NewIOAPIC(ioapicRegs, 0)}

	d := &Dispatcher{
		Sched:   s,
		IPC:     mgr,
		Tree:    tree,
		Tables:  tables,
		IOAPICs: ioapics,
		Ports:   ioport.NewPMIOPort(0),
	}

	return &harness{
		d:     d,
		s:     s,
		store: store,
		layout: process.VMLayout{
			PhysVirtOffset: 0xffff800000000000,
			UserVirtOffset: 0x0000000000500000,
		},
	}
}

func TestDispatchUnknownOpcodeFaults(t *testing.T) {
	h := newHarness(t)
	proc, tid := h.spawn(t, 1)
	_ = proc
	regs := sched.Registers{Rax: 0xffff}
	out, dec := h.d.Dispatch(1, tid, regs)
	if dec.Kind != BreakFault {
		t.Fatalf("decision = %v, want BreakFault", dec.Kind)
	}
	if defs.Err_t(out.Rax) != defs.EARG {
		t.Fatalf("status = %v, want EARG", defs.Err_t(out.Rax))
	}
}

func TestDispatchKprintRejectsUnmappedPointer(t *testing.T) {
	h := newHarness(t)
	_, tid := h.spawn(t, 1)
	regs := sched.Registers{Rax: uint64(OpKprint), Rdi: 0xdeadbeef, Rsi: 4}
	out, dec := h.d.Dispatch(1, tid, regs)
	if dec.Kind != BreakFault {
		t.Fatalf("decision = %v, want BreakFault", dec.Kind)
	}
	if defs.Err_t(out.Rax) != defs.EFAULT {
		t.Fatalf("status = %v, want EFAULT", defs.Err_t(out.Rax))
	}
}

func TestDispatchKprintAcceptsMappedBuffer(t *testing.T) {
	h := newHarness(t)
	proc, tid := h.spawn(t, 1)
	virt, _, err := proc.Allocate(16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	regs := sched.Registers{Rax: uint64(OpKprint), Rdi: virt, Rsi: 16}
	out, dec := h.d.Dispatch(1, tid, regs)
	if dec.Kind != Continue {
		t.Fatalf("decision = %v, want Continue", dec.Kind)
	}
	if defs.Err_t(out.Rax) != defs.EOK {
		t.Fatalf("status = %v, want EOK", defs.Err_t(out.Rax))
	}
}

// TestAllocateRoundsZeroUpToOnePage exercises §8's zero-byte boundary
// through the dispatcher's allocate opcode.
func TestAllocateRoundsZeroUpToOnePage(t *testing.T) {
	h := newHarness(t)
	proc, tid := h.spawn(t, 1)
	regs := sched.Registers{Rax: uint64(OpAllocate), Rdi: 0}
	out, dec := h.d.Dispatch(1, tid, regs)
	if dec.Kind != Continue || defs.Err_t(out.Rax) != defs.EOK {
		t.Fatalf("allocate(0) failed: status=%v decision=%v", defs.Err_t(out.Rax), dec.Kind)
	}
	if out.Rdi%process.PGSIZE != 0 {
		t.Fatalf("returned virt %#x is not page-aligned", out.Rdi)
	}
	if !proc.RegionIsValid(out.Rdi, process.PGSIZE) || proc.RegionIsValid(out.Rdi, process.PGSIZE+1) {
		t.Fatalf("allocate(0) region at %#x is not exactly one page", out.Rdi)
	}
}

// TestSendRecvAckRoundTrip exercises S2 through the dispatcher end to
// end: A allocates and sends, B recvs and acks.
func TestSendRecvAckRoundTrip(t *testing.T) {
	h := newHarness(t)
	procA, tidA := h.spawn(t, 2)
	_, tidB := h.spawn(t, 3)

	virt, _, err := procA.Allocate(4096)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	data := make([]byte, 4096)
	for i := range data {
		data[i] = 0xAA
	}
	if !procA.WriteBytes(virt, data) {
		t.Fatalf("WriteBytes failed")
	}

	sendRegs := sched.Registers{Rax: uint64(OpSend), Rdi: uint64(3), Rsi: virt, Rdx: 4096}
	out, dec := h.d.Dispatch(2, tidA, sendRegs)
	if dec.Kind != Continue || defs.Err_t(out.Rax) != defs.EOK {
		t.Fatalf("send failed: status=%v decision=%v", defs.Err_t(out.Rax), dec.Kind)
	}
	id := out.Rdi

	recvRegs := sched.Registers{Rax: uint64(OpRecv)}
	rout, rdec := h.d.Dispatch(3, tidB, recvRegs)
	if rdec.Kind != Continue {
		t.Fatalf("recv decision = %v, want Continue (message already queued)", rdec.Kind)
	}
	if rout.Rdi != id {
		t.Fatalf("recv id = %d, want %d", rout.Rdi, id)
	}
	if rout.Rdx != virt || rout.Rcx != 4096 {
		t.Fatalf("recv addr/size = %#x/%d, want %#x/4096", rout.Rdx, rout.Rcx, virt)
	}

	ackRegs := sched.Registers{Rax: uint64(OpAck), Rdi: id}
	aout, adec := h.d.Dispatch(3, tidB, ackRegs)
	if adec.Kind != Continue || defs.Err_t(aout.Rax) != defs.EOK {
		t.Fatalf("ack failed: status=%v decision=%v", defs.Err_t(aout.Rax), adec.Kind)
	}
}

func TestRecvOnEmptyQueueReschedules(t *testing.T) {
	h := newHarness(t)
	_, tid := h.spawn(t, 1)
	out, dec := h.d.Dispatch(1, tid, sched.Registers{Rax: uint64(OpRecv)})
	if dec.Kind != BreakReschedule {
		t.Fatalf("decision = %v, want BreakReschedule", dec.Kind)
	}
	_ = out
	th, _ := h.s.Thread(tid)
	if th.State != sched.StateSuspended {
		t.Fatalf("thread state = %v, want Suspended", th.State)
	}
}

func TestQuitTerminatesThread(t *testing.T) {
	h := newHarness(t)
	_, tid := h.spawn(t, 1)
	_, dec := h.d.Dispatch(1, tid, sched.Registers{Rax: uint64(OpQuit)})
	if dec.Kind != BreakReschedule {
		t.Fatalf("decision = %v, want BreakReschedule", dec.Kind)
	}
	if _, ok := h.s.Thread(tid); ok {
		t.Fatalf("thread %d still present after quit", tid)
	}
}

// TestRegisterIRQRoundTrip exercises S1's register_irq half: a legal
// vector wires the IO-APIC redirection entry, masked, and a duplicate
// registration is rejected.
func TestRegisterIRQRoundTrip(t *testing.T) {
	h := newHarness(t)
	_, tid := h.spawn(t, 1)
	vector := uint64(apic.IRQBaseVector + 1) // irq=1, matches the ISO in newHarness
	out, dec := h.d.Dispatch(1, tid, sched.Registers{Rax: uint64(OpRegisterIRQ), Rdi: vector})
	if dec.Kind != Continue || defs.Err_t(out.Rax) != defs.EOK {
		t.Fatalf("register-irq failed: status=%v decision=%v", defs.Err_t(out.Rax), dec.Kind)
	}
	ioapic := h.d.IOAPICs[0]
	if ioapic.IsMasked(1) != true {
		t.Fatalf("redirection entry should be masked on install")
	}

	out2, dec2 := h.d.Dispatch(1, tid, sched.Registers{Rax: uint64(OpRegisterIRQ), Rdi: vector})
	if dec2.Kind != BreakFault || defs.Err_t(out2.Rax) != defs.EEXIST {
		t.Fatalf("duplicate register-irq: status=%v decision=%v, want EEXIST/BreakFault", defs.Err_t(out2.Rax), dec2.Kind)
	}
}

func TestRegisterIRQRejectsIllegalVector(t *testing.T) {
	h := newHarness(t)
	_, tid := h.spawn(t, 1)
	out, dec := h.d.Dispatch(1, tid, sched.Registers{Rax: uint64(OpRegisterIRQ), Rdi: 0xE0})
	if dec.Kind != BreakFault || defs.Err_t(out.Rax) != defs.EARG {
		t.Fatalf("status=%v decision=%v, want EARG/BreakFault", defs.Err_t(out.Rax), dec.Kind)
	}
}

func TestPortInOutRoundTrip(t *testing.T) {
	h := newHarness(t)
	_, tid := h.spawn(t, 1)
	outw, dec := h.d.Dispatch(1, tid, sched.Registers{Rax: uint64(OpPortOut), Rdi: 0x3f8, Rsi: 1, Rdx: 0x42})
	if dec.Kind != Continue || defs.Err_t(outw.Rax) != defs.EOK {
		t.Fatalf("port-out failed")
	}
	outr, dec2 := h.d.Dispatch(1, tid, sched.Registers{Rax: uint64(OpPortIn), Rdi: 0x3f8, Rsi: 1})
	if dec2.Kind != Continue || outr.Rdi != 0x42 {
		t.Fatalf("port-in = %#x, want 0x42", outr.Rdi)
	}
}

func TestNewEntryAndGetEntryInfoRoundTrip(t *testing.T) {
	h := newHarness(t)
	proc, tid := h.spawn(t, 1)

	name := "child"
	nameVirt, _, _ := proc.Allocate(len(name))
	proc.WriteBytes(nameVirt, []byte(name))
	out, dec := h.d.Dispatch(1, tid, sched.Registers{Rax: uint64(OpNewEntry), Rdi: uint64(devtree.Root), Rsi: nameVirt, Rdx: uint64(len(name))})
	if dec.Kind != Continue {
		t.Fatalf("new-entry failed: status=%v", defs.Err_t(out.Rax))
	}
	childID := out.Rdi

	h.d.Tree.SetProp(defs.EntID(childID), "Kind", devtree.String("Echo"))

	key := "Kind"
	keyVirt, _, _ := proc.Allocate(len(key))
	proc.WriteBytes(keyVirt, []byte(key))
	outVirt, _, _ := proc.Allocate(64)

	gout, gdec := h.d.Dispatch(1, tid, sched.Registers{
		Rax: uint64(OpGetEntryInfo), Rdi: childID, Rsi: keyVirt, Rdx: uint64(len(key)), Rcx: outVirt,
	})
	if gdec.Kind != Continue || defs.Err_t(gout.Rax) != defs.EOK {
		t.Fatalf("get-entry-info failed: status=%v", defs.Err_t(gout.Rax))
	}
	encLen := gout.Rdi
	encoded, ok := proc.ReadBytes(outVirt, int(encLen))
	if !ok {
		t.Fatalf("could not read back encoded property")
	}
	v, _, err := devtree.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !v.Equal(devtree.String("Echo")) {
		t.Fatalf("decoded value = %+v, want String(\"Echo\")", v)
	}
}

func TestSetEntryPropDecodeFailureIsMalformedBody(t *testing.T) {
	h := newHarness(t)
	proc, tid := h.spawn(t, 1)
	bogus := []byte{0xff, 0xff, 0xff, 0xff} // claims a huge key length
	virt, _, _ := proc.Allocate(len(bogus))
	proc.WriteBytes(virt, bogus)

	out, dec := h.d.Dispatch(1, tid, sched.Registers{
		Rax: uint64(OpSetEntryProp), Rdi: uint64(devtree.Root), Rsi: virt, Rdx: uint64(len(bogus)),
	})
	if dec.Kind != BreakFault || defs.Err_t(out.Rax) != defs.EBODY {
		t.Fatalf("status=%v decision=%v, want EBODY/BreakFault", defs.Err_t(out.Rax), dec.Kind)
	}
}

// TestStepOnBreakFaultPrintsDiagnosticAndTerminates exercises §7's
// propagation path end to end: an unknown opcode yields BreakFault, Step
// must print the user-fault diagnostic through panicx and tear the
// faulting thread down before asking the scheduler for whatever runs
// next.
func TestStepOnBreakFaultPrintsDiagnosticAndTerminates(t *testing.T) {
	h := newHarness(t)
	_, tid := h.spawn(t, 1)
	var diag bytes.Buffer

	regs := sched.Registers{Rax: 0xffff}
	_, next, idle := h.d.Step(&diag, 1, tid, regs)

	if diag.Len() == 0 {
		t.Fatalf("Step wrote no fault diagnostic")
	}
	if !strings.Contains(diag.String(), "test") {
		t.Fatalf("diagnostic = %q, want it to name the faulting process", diag.String())
	}
	if _, ok := h.s.Thread(tid); ok {
		t.Fatalf("thread %d still present after Step handled a BreakFault", tid)
	}
	if next != nil || !idle {
		t.Fatalf("Step returned (next=%v, idle=%v), want (nil, true) with no other threads runnable", next, idle)
	}
}

// TestStepOnContinuePassesRegsThroughUnchanged exercises the non-fault
// half of Step: Continue hands the dispatcher's registers straight back
// without touching the scheduler.
func TestStepOnContinuePassesRegsThroughUnchanged(t *testing.T) {
	h := newHarness(t)
	proc, tid := h.spawn(t, 1)
	virt, _, err := proc.Allocate(16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	var diag bytes.Buffer

	regs := sched.Registers{Rax: uint64(OpKprint), Rdi: virt, Rsi: 16}
	out, next, idle := h.d.Step(&diag, 1, tid, regs)

	if diag.Len() != 0 {
		t.Fatalf("Step wrote a diagnostic on Continue: %q", diag.String())
	}
	if defs.Err_t(out.Rax) != defs.EOK {
		t.Fatalf("status = %v, want EOK", defs.Err_t(out.Rax))
	}
	if next != nil || idle {
		t.Fatalf("Step on Continue should not touch the scheduler, got (next=%v, idle=%v)", next, idle)
	}
	if _, ok := h.s.Thread(tid); !ok {
		t.Fatalf("thread %d was torn down on a Continue decision", tid)
	}
}

func TestSetEntryPropAppliesAndTriggersMatch(t *testing.T) {
	h := newHarness(t)
	proc, tid := h.spawn(t, 1)

	req := encodeSetPropRequest("Kind", devtree.String("Echo"))
	virt, _, _ := proc.Allocate(len(req))
	proc.WriteBytes(virt, req)

	out, dec := h.d.Dispatch(1, tid, sched.Registers{
		Rax: uint64(OpSetEntryProp), Rdi: uint64(devtree.Root), Rsi: virt, Rdx: uint64(len(req)),
	})
	if dec.Kind != Continue || defs.Err_t(out.Rax) != defs.EOK {
		t.Fatalf("set-entry-prop failed: status=%v", defs.Err_t(out.Rax))
	}
	props, _ := h.d.Tree.Properties(devtree.Root)
	if !props["Kind"].Equal(devtree.String("Echo")) {
		t.Fatalf("property not applied: %+v", props)
	}
}
