package ipc

import (
	"testing"

	"mkcore/internal/defs"
	"mkcore/internal/pfa"
	"mkcore/internal/physmem"
	"mkcore/internal/process"
	"mkcore/internal/sched"
	"mkcore/internal/vmm"
)

func newHarness(t *testing.T) (*sched.Scheduler, *physmem.Store, *Manager) {
	t.Helper()
	store := physmem.NewStore(pfa.NewAllocator(256 * 1024 * 1024))
	s := sched.New(0)
	return s, store, NewManager(s, store, nil)
}

func spawn(t *testing.T, s *sched.Scheduler, store *physmem.Store, pid defs.Pid_t) (*process.Process, *sched.Thread) {
	t.Helper()
	layout := process.VMLayout{
		PhysVirtOffset: 0xffff800000000000,
		UserVirtOffset: 0x0000000000400000,
		HigherHalf: vmm.HigherHalfLayout{
			PhysVirtOffset:   0xffff800000000000,
			IdentityMapBytes: 2 * 1024 * 1024,
			KernelVirtOffset: 0xffffffff80000000,
			KernelImagePhys:  2 * 1024 * 1024,
			KernelImageBytes: 2 * 1024 * 1024,
		},
	}
	p, err := process.New(pid, "/test", store, layout)
	if err != nil {
		t.Fatalf("process.New: %v", err)
	}
	s.AddProcess(p)
	tid := s.AllocTid()
	th := &sched.Thread{Id: tid, Pid: pid, State: sched.StateSuspended}
	s.AddThread(th)
	return p, th
}

func TestSendRejectsSameSourceAndTarget(t *testing.T) {
	s, store, m := newHarness(t)
	a, _ := spawn(t, s, store, 2)
	_, err := m.Send(a.Id, a.Id, 0x1000, 16)
	if err == nil || !ErrMalformedArgument(err) {
		t.Fatalf("Send(a,a,...) err = %v, want ErrMalformedArgument", err)
	}
}

func TestSendRejectsUnknownTarget(t *testing.T) {
	s, store, m := newHarness(t)
	a, _ := spawn(t, s, store, 2)
	_, err := m.Send(a.Id, 999, 0x1000, 16)
	if err == nil || !ErrNotFound(err) {
		t.Fatalf("Send to unknown target err = %v, want ErrNotFound", err)
	}
}

// TestCrossProcessMessageRoundTrip exercises the S2 scenario: A writes a
// byte pattern into its own buffer and sends it to B, who is already
// Suspended in recv; B observes the same bytes through a read-only
// mapping, and acking releases the mapping without touching A's.
func TestCrossProcessMessageRoundTrip(t *testing.T) {
	s, store, m := newHarness(t)
	a, _ := spawn(t, s, store, 2)
	b, bThread := spawn(t, s, store, 3)

	const size = 4096
	virt, _, err := a.Allocate(size)
	if err != nil {
		t.Fatalf("a.Allocate: %v", err)
	}
	phys, _, _, ok := a.LedgerLookup(virt)
	if !ok {
		t.Fatalf("no ledger entry at %#x", virt)
	}
	page := store.Dmap(phys)
	for i := range page {
		page[i] = 0xAA
	}

	id, err := m.Send(a.Id, b.Id, virt, size)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != 1 {
		t.Fatalf("first message id = %d, want 1", id)
	}

	th, _ := s.Thread(bThread.Id)
	if th.State != sched.StateInactive {
		t.Fatalf("B's thread state = %v, want Inactive (preloaded by delivery)", th.State)
	}
	if th.Regs.Rdx != virt || th.Regs.Rcx != size || th.Regs.Rsi != uint64(a.Id) {
		t.Fatalf("preloaded receive registers = %+v, want addr=%#x size=%d source=%d", th.Regs, virt, size, a.Id)
	}

	bPhys, _, kind, ok := b.LedgerLookup(virt)
	if !ok || kind != process.KindBorrowed {
		t.Fatalf("B's ledger entry at %#x: ok=%v kind=%v, want KindBorrowed", virt, ok, kind)
	}
	bPage := store.Dmap(bPhys)
	for i := range bPage {
		if bPage[i] != 0xAA {
			t.Fatalf("B's view of the buffer diverges at byte %d", i)
		}
	}

	if err := m.Ack(b.Id, id); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if _, _, _, ok := b.LedgerLookup(virt); ok {
		t.Fatalf("B still has a ledger entry after ack")
	}
	if _, _, _, ok := a.LedgerLookup(virt); !ok {
		t.Fatalf("A's own mapping was affected by B's ack")
	}
}

func TestRecvSuspendsOnEmptyQueue(t *testing.T) {
	s, store, m := newHarness(t)
	_, bThread := spawn(t, s, store, 3)
	th, _ := s.Thread(bThread.Id)
	th.State = sched.StateInactive

	if _, ok := m.Recv(3, bThread.Id); ok {
		t.Fatalf("Recv on empty queue returned ok=true")
	}
	th, _ = s.Thread(bThread.Id)
	if th.State != sched.StateSuspended {
		t.Fatalf("thread state after empty Recv = %v, want Suspended", th.State)
	}
}

func TestSendEnqueuesWhenNoSuspendedRecipient(t *testing.T) {
	s, store, m := newHarness(t)
	a, _ := spawn(t, s, store, 2)
	b, bThread := spawn(t, s, store, 3)
	th, _ := s.Thread(bThread.Id)
	th.State = sched.StateInactive // not Suspended: message must queue

	virt, _, err := a.Allocate(0)
	if err != nil {
		t.Fatalf("a.Allocate: %v", err)
	}
	if _, err := m.Send(a.Id, b.Id, virt, 0); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msg, ok := m.Recv(b.Id, bThread.Id)
	if !ok {
		t.Fatalf("Recv did not find the queued message")
	}
	if msg.Size != 0 || msg.Source != a.Id {
		t.Fatalf("dequeued message = %+v, want size=0 source=%d", msg, a.Id)
	}
}

func TestIRQRoundTripUnmasksOnAck(t *testing.T) {
	s, store, _ := newHarness(t)
	handler, hThread := spawn(t, s, store, 5)

	var unmaskedLine uint32
	var unmaskedCount int
	m := NewManager(s, store, func(line uint32) {
		unmaskedLine = line
		unmaskedCount++
	})
	s.RegisterIRQ(1, handler.Id)

	id, err := m.SendIRQ(handler.Id, 1, 1)
	if err != nil {
		t.Fatalf("SendIRQ: %v", err)
	}

	th, _ := s.Thread(hThread.Id)
	if th.State != sched.StateInactive {
		t.Fatalf("handler thread state = %v, want Inactive", th.State)
	}
	if src := th.Regs.Rsi; src != 0 {
		t.Fatalf("preloaded source = %d, want 0 (kernel)", src)
	}

	addr, _ := handler.MsgAddr(id)
	phys, _, _, _ := handler.LedgerLookup(addr)
	payload := store.Dmap(phys)
	vector, ok := DecodeIRQFired(payload[:2])
	if !ok || vector != 1 {
		t.Fatalf("DecodeIRQFired = (%d, %v), want (1, true)", vector, ok)
	}

	if err := m.Ack(handler.Id, id); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if unmaskedCount != 1 || unmaskedLine != 1 {
		t.Fatalf("unmask called %d times with line %d, want 1 time with line 1", unmaskedCount, unmaskedLine)
	}
}
