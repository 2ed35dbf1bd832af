// Package ipc implements synchronous message-passing send/recv/ack and
// the kernel-originated IRQ bridge (Kernel §4.5). Message buffers are
// never copied: a send maps the sender's frames read-only into the
// recipient at the same virtual address, and ack revokes that mapping
// from the recipient only — the sender keeps its own read-write mapping
// throughout, matching the "ledger gains a tracking entry" / "recipient
// unmaps the read-only view" wording precisely.
package ipc

import (
	"errors"
	"fmt"
	"sync"

	"mkcore/internal/defs"
	"mkcore/internal/physmem"
	"mkcore/internal/process"
	"mkcore/internal/sched"
)

// Sentinel errors a caller can match against the Kernel §7 error
// taxonomy (EARG/EFAULT/ENOENT) without string-matching fmt.Errorf text.
var (
	errMalformedArgument = errors.New("malformed argument")
	errMalformedAddress  = errors.New("malformed address")
	errNotFound          = errors.New("not found")
)

// ErrMalformedArgument reports whether err wraps the EARG condition.
func ErrMalformedArgument(err error) bool { return errors.Is(err, errMalformedArgument) }

// ErrMalformedAddress reports whether err wraps the EFAULT condition.
func ErrMalformedAddress(err error) bool { return errors.Is(err, errMalformedAddress) }

// ErrNotFound reports whether err wraps the ENOENT condition.
func ErrNotFound(err error) bool { return errors.Is(err, errNotFound) }

// Message is the payload of one in-flight send, observed by the
// recipient's recv (Kernel §3 "Message").
type Message struct {
	Id     defs.MsgID
	Source defs.Pid_t
	Addr   uint64
	Size   int
}

// UnmaskFunc re-enables an IO-APIC line, invoked from Ack when the
// acknowledged message's source was the kernel IRQ bridge (Kernel §4.5
// ack: "the IO-APIC line n is re-unmasked").
type UnmaskFunc func(line uint32)

// Manager holds the per-process FIFO queues and the IRQ-vector side
// table ack needs, on top of the Scheduler's process/thread tables and
// message-source table (Kernel §4.4, §4.5).
type Manager struct {
	sched  *sched.Scheduler
	store  *physmem.Store
	unmask UnmaskFunc

	mu     sync.Mutex
	queues map[defs.Pid_t][]Message
	// irqLine records, per outstanding kernel-sourced message id, the
	// IO-APIC local GSI to re-unmask on ack — looked up instead of
	// decoding the (about-to-be-unmapped) payload at ack time.
	irqLine map[defs.MsgID]uint32
}

// NewManager builds an IPC manager over an already-populated scheduler.
func NewManager(s *sched.Scheduler, store *physmem.Store, unmask UnmaskFunc) *Manager {
	return &Manager{
		sched:   s,
		store:   store,
		unmask:  unmask,
		queues:  make(map[defs.Pid_t][]Message),
		irqLine: make(map[defs.MsgID]uint32),
	}
}

func ceilPages(size int) int {
	if size <= 0 {
		return 0
	}
	return (size + process.PGSIZE - 1) / process.PGSIZE
}

// deliver applies the delivery rule: preload the first Suspended thread
// of target if one exists, else push msg to the front of target's queue
// (Kernel §4.5 "Delivery rule").
func (m *Manager) deliver(target defs.Pid_t, msg Message) {
	if tid, ok := m.sched.SuspendedThreadOf(target); ok {
		m.sched.ResumeWithPreload(tid, sched.Registers{
			Rax: uint64(defs.EOK),
			Rdi: uint64(msg.Id),
			Rsi: uint64(msg.Source),
			Rdx: msg.Addr,
			Rcx: uint64(msg.Size),
		})
		return
	}
	m.queues[target] = append([]Message{msg}, m.queues[target]...)
}

// Send implements send(target, addr, size) (Kernel §4.5). caller must be
// the invoking process's pid; target must differ from caller and must
// exist; [addr, addr+size) must lie within a single ledger entry of
// caller's address space.
func (m *Manager) Send(caller defs.Pid_t, target defs.Pid_t, addr uint64, size int) (defs.MsgID, error) {
	if caller == target {
		return 0, fmt.Errorf("ipc: send: source and target are the same process: %w", errMalformedArgument)
	}
	srcProc, ok := m.sched.Process(caller)
	if !ok {
		return 0, fmt.Errorf("ipc: send: unknown source process %d", caller)
	}
	dstProc, ok := m.sched.Process(target)
	if !ok {
		return 0, fmt.Errorf("ipc: send: target process %d does not exist: %w", target, errNotFound)
	}
	if !srcProc.RegionIsWithinBounds(addr, size) {
		return 0, fmt.Errorf("ipc: send: buffer not within a single ledger entry: %w", errMalformedAddress)
	}

	id := m.sched.AllocMsgID()

	if size > 0 {
		phys, pages, _, ok := srcProc.LedgerLookup(addr)
		if !ok {
			return 0, fmt.Errorf("ipc: send: no ledger entry starts exactly at %#x: %w", addr, errMalformedAddress)
		}
		if want := ceilPages(size); pages < want {
			pages = want
		}
		dstProc.TrackAlloc(addr, phys, pages, process.KindBorrowed)
	}
	dstProc.TrackMsg(id, addr)
	m.sched.RegisterMsgSource(id, caller)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliver(target, Message{Id: id, Source: caller, Addr: addr, Size: size})
	return id, nil
}

// Recv implements recv() for the calling thread tid of process pid
// (Kernel §4.5). If the queue is non-empty it pops from the back and
// returns immediately; otherwise it suspends tid and reports ok=false,
// leaving the caller to yield — the eventual wakeup arrives via
// sched.ResumeWithPreload from a later Send/SendIRQ.
func (m *Manager) Recv(pid defs.Pid_t, tid defs.Tid_t) (msg Message, ok bool) {
	m.mu.Lock()
	q := m.queues[pid]
	if len(q) > 0 {
		msg = q[len(q)-1]
		m.queues[pid] = q[:len(q)-1]
		m.mu.Unlock()
		return msg, true
	}
	m.mu.Unlock()
	m.sched.Suspend(tid)
	return Message{}, false
}

// Ack implements ack(msg_id) for the calling (recipient) process pid
// (Kernel §4.5): unmap the read-only view, free the ledger entry and
// the message id, and — if the message's source was the kernel (pid 0)
// — re-unmask the IO-APIC line that produced it.
func (m *Manager) Ack(pid defs.Pid_t, id defs.MsgID) error {
	proc, ok := m.sched.Process(pid)
	if !ok {
		return fmt.Errorf("ipc: ack: unknown process %d", pid)
	}
	addr, ok := proc.MsgAddr(id)
	if !ok {
		return fmt.Errorf("ipc: ack: message %d not outstanding for process %d: %w", id, pid, errNotFound)
	}
	proc.FreeAlloc(addr)
	proc.FreeMsg(id)

	source, hadSource := m.sched.MsgSource(id)
	m.sched.ForgetMsgSource(id)

	m.mu.Lock()
	line, isIRQ := m.irqLine[id]
	delete(m.irqLine, id)
	m.mu.Unlock()

	if hadSource && source == 0 && isIRQ && m.unmask != nil {
		m.unmask(line)
	}
	return nil
}

// SendIRQ is the kernel-originated half of the IRQ bridge (Kernel §4.5
// "IRQ delivery"): it encodes IRQFired(vector) into a freshly allocated
// kernel buffer, maps it read-only into handler (the process registered
// for the line), and applies the delivery rule with source pid 0. The
// caller (the top-half interrupt handler) must have already masked
// line before calling this.
func (m *Manager) SendIRQ(handler defs.Pid_t, vector uint8, line uint32) (defs.MsgID, error) {
	proc, ok := m.sched.Process(handler)
	if !ok {
		return 0, fmt.Errorf("ipc: send_irq: handler process %d does not exist", handler)
	}
	payload := EncodeIRQFired(vector)
	phys, ok := m.store.Alloc(1)
	if !ok {
		return 0, fmt.Errorf("ipc: send_irq: out of physical frames")
	}
	pg := m.store.Dmap(phys)
	copy(pg[:], payload)

	virt := proc.TrackKernelsideAlloc(phys, len(payload))
	id := m.sched.AllocMsgID()
	proc.TrackMsg(id, virt)
	m.sched.RegisterMsgSource(id, 0)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.irqLine[id] = line
	m.deliver(handler, Message{Id: id, Source: 0, Addr: virt, Size: len(payload)})
	return id, nil
}
