// Package sched is the preemptive round-robin Scheduler (Kernel §4.4).
// It owns the Thread type deliberately kept out of internal/process: the
// scheduler and process tables are both id-keyed, and Thread/Process
// reference each other by id rather than by pointer, which is how this
// core avoids a cyclic-ownership dependency between the two (Kernel
// design note §9).
package sched

import (
	"sort"
	"sync"

	"mkcore/internal/accounting"
	"mkcore/internal/apic"
	"mkcore/internal/defs"
	"mkcore/internal/process"
)

// State is a thread's position in the scheduling state machine (Kernel
// §4.4).
type State int

const (
	StateInactive State = iota
	StateActive
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Registers is the saved general-purpose register file a trap frame
// carries across a context switch. Field names follow x86_64 GPR/segment
// naming, since this core targets long mode.
type Registers struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rbp, Rsp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip, Rflags        uint64
	FSBase, GSBase     uint64
}

// Thread is one schedulable execution context (Kernel §3 "Thread",
// §4.4).
type Thread struct {
	Id            defs.Tid_t
	Pid           defs.Pid_t
	Regs          Registers
	UserStackBase uint64
	State         State
}

// Scheduler holds the process/thread tables, the current-thread cursor,
// and the three monotone id generators (Kernel §4.4: "process and
// thread tables keyed by id, the current thread and process ids ...,
// the kernel idle stack, IRQ-to-owner and message-id-to-source tables,
// and three monotone id generators").
type Scheduler struct {
	mu sync.Mutex

	processes map[defs.Pid_t]*process.Process
	threads   map[defs.Tid_t]*Thread

	currentTid defs.Tid_t
	hasCurrent bool

	idleStack uint64

	irqOwner  map[uint8]defs.Pid_t
	msgSource map[defs.MsgID]defs.Pid_t

	nextPid   defs.Pid_t
	nextTid   defs.Tid_t
	nextMsgID defs.MsgID

	accounting     *accounting.Table[defs.Tid_t]
	tickIntervalNs int64 // set by SetTickInterval once the timer is calibrated
}

// New builds an empty scheduler that starts idle, with idleStack as the
// kernel stack the idle loop runs on.
func New(idleStack uint64) *Scheduler {
	return &Scheduler{
		processes:  make(map[defs.Pid_t]*process.Process),
		threads:    make(map[defs.Tid_t]*Thread),
		idleStack:  idleStack,
		irqOwner:   make(map[uint8]defs.Pid_t),
		msgSource:  make(map[defs.MsgID]defs.Pid_t),
		nextPid:    1, // 0 is reserved for the kernel as a message source
		nextTid:    1,
		nextMsgID:  1,
		accounting: accounting.NewTable[defs.Tid_t](),
	}
}

// Accounting returns the per-thread CPU-time ledger Schedule updates on
// every tick (Kernel §8, law S6), the same shape cmd/kstat decodes for
// its pprof export.
func (s *Scheduler) Accounting() *accounting.Table[defs.Tid_t] {
	return s.accounting
}

// SetTickInterval records the real-world duration of one timer tick,
// derived from the target frequency passed to CalibrateTimer, so
// Schedule's accounting reflects actual Active time rather than just a
// tick count.
func (s *Scheduler) SetTickInterval(ns int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickIntervalNs = ns
}

// IdleStack returns the kernel stack the idle loop runs on.
func (s *Scheduler) IdleStack() uint64 { return s.idleStack }

// ---- id generators ----

func (s *Scheduler) AllocPid() defs.Pid_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextPid
	s.nextPid++
	return id
}

func (s *Scheduler) AllocTid() defs.Tid_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextTid
	s.nextTid++
	return id
}

func (s *Scheduler) AllocMsgID() defs.MsgID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextMsgID
	s.nextMsgID++
	return id
}

// ---- process/thread tables ----

// AddProcess registers p under its own id.
func (s *Scheduler) AddProcess(p *process.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processes[p.Id] = p
}

// Process looks up a live process by id.
func (s *Scheduler) Process(pid defs.Pid_t) (*process.Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[pid]
	return p, ok
}

// AddThread registers t and records it on its owning process.
func (s *Scheduler) AddThread(t *Thread) {
	s.mu.Lock()
	s.threads[t.Id] = t
	proc := s.processes[t.Pid]
	s.mu.Unlock()
	if proc != nil {
		proc.AddThread(t.Id)
	}
}

// Thread looks up a live thread by id.
func (s *Scheduler) Thread(tid defs.Tid_t) (*Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[tid]
	return t, ok
}

// Current returns the currently Active thread, if any.
func (s *Scheduler) Current() (*Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasCurrent {
		return nil, false
	}
	return s.threads[s.currentTid], true
}

// Terminate removes tid from the scheduler (Kernel §4.4: "Thread id and
// resources released; if last thread of the process, the process is
// destroyed"). It returns the owning pid, whether that process was just
// destroyed, and (if so) the number of page-table-node frames its
// teardown released.
func (s *Scheduler) Terminate(tid defs.Tid_t) (pid defs.Pid_t, processDestroyed bool, freedTableNodes int) {
	s.mu.Lock()
	t, ok := s.threads[tid]
	if !ok {
		s.mu.Unlock()
		return 0, false, 0
	}
	delete(s.threads, tid)
	if s.hasCurrent && s.currentTid == tid {
		s.hasCurrent = false
	}
	proc := s.processes[t.Pid]
	s.mu.Unlock()

	s.accounting.Delete(tid)

	if proc == nil {
		return t.Pid, false, 0
	}
	if last := proc.RemoveThread(tid); last {
		freed := proc.Destroy()
		s.mu.Lock()
		delete(s.processes, t.Pid)
		s.mu.Unlock()
		return t.Pid, true, freed
	}
	return t.Pid, false, 0
}

// Suspend transitions tid to Suspended (Kernel §4.4: "Inactive →
// (receive with empty queue) → Suspended"). Called by recv before it
// yields.
func (s *Scheduler) Suspend(tid defs.Tid_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.threads[tid]; ok {
		t.State = StateSuspended
	}
}

// ResumeWithPreload transitions tid Suspended → Inactive with its
// receive return registers preloaded (Kernel §4.4, §4.5 delivery rule):
// only the syscall return registers (Rax, Rdi, Rsi, Rdx, Rcx) are taken
// from regs; the rest of the saved frame is kept.
func (s *Scheduler) ResumeWithPreload(tid defs.Tid_t, regs Registers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[tid]
	if !ok {
		return
	}
	t.Regs.Rax = regs.Rax
	t.Regs.Rdi = regs.Rdi
	t.Regs.Rsi = regs.Rsi
	t.Regs.Rdx = regs.Rdx
	t.Regs.Rcx = regs.Rcx
	t.State = StateInactive
}

// SuspendedThreadOf returns the id of one thread owned by pid that is
// currently Suspended, if there is any, used by the IPC delivery rule to
// find a recipient to preload directly.
func (s *Scheduler) SuspendedThreadOf(pid defs.Pid_t) (defs.Tid_t, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.threads {
		if t.Pid == pid && t.State == StateSuspended {
			return id, true
		}
	}
	return 0, false
}

// ---- IRQ ownership and message-source tables ----

// RegisterIRQ assigns vector's line to pid, failing if already owned
// (Kernel §4.6 register-irq: "must not already be registered").
func (s *Scheduler) RegisterIRQ(vector uint8, pid defs.Pid_t) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.irqOwner[vector]; exists {
		return false
	}
	s.irqOwner[vector] = pid
	return true
}

// IRQOwner returns the process registered for vector, if any.
func (s *Scheduler) IRQOwner(vector uint8) (defs.Pid_t, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid, ok := s.irqOwner[vector]
	return pid, ok
}

// RegisterMsgSource records that message id came from pid, looked up
// again at ack time (Kernel §4.4 "message-id-to-source table").
func (s *Scheduler) RegisterMsgSource(id defs.MsgID, pid defs.Pid_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgSource[id] = pid
}

// MsgSource returns the recorded source of id.
func (s *Scheduler) MsgSource(id defs.MsgID) (defs.Pid_t, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid, ok := s.msgSource[id]
	return pid, ok
}

// ForgetMsgSource drops id's source-table entry, called from ack.
func (s *Scheduler) ForgetMsgSource(id defs.MsgID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.msgSource, id)
}

// ---- the scheduling step ----

// Schedule runs one scheduling step (Kernel §4.4): it retires the
// current thread (snapshotting frame into its saved registers and
// transitioning Active → Inactive, unless the thread is already
// Suspended), then picks the next Inactive thread by round robin
// starting just after the current id. next is nil with idle=true if no
// thread is runnable, in which case the caller should install the idle
// context (Kernel §4.4: "kernel idle stack, interrupts enabled, hlt
// loop").
func (s *Scheduler) Schedule(frame Registers) (next *Thread, idle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasCurrent {
		if cur, ok := s.threads[s.currentTid]; ok && cur.State != StateSuspended {
			cur.Regs = frame
			cur.State = StateInactive
			s.accounting.For(cur.Id).AddActive(s.tickIntervalNs)
		}
	}

	ids := make([]defs.Tid_t, 0, len(s.threads))
	for id := range s.threads {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		s.hasCurrent = false
		return nil, true
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	start := 0
	if s.hasCurrent {
		for i, id := range ids {
			if id == s.currentTid {
				start = (i + 1) % len(ids)
				break
			}
		}
	}

	for i := 0; i < len(ids); i++ {
		idx := (start + i) % len(ids)
		t := s.threads[ids[idx]]
		if t.State == StateInactive {
			t.State = StateActive
			s.currentTid = t.Id
			s.hasCurrent = true
			return t, false
		}
	}
	s.hasCurrent = false
	return nil, true
}

// ---- timer calibration ----

// CalibrateTimer projects vector-128 tick frequency the same way
// internal/apic does generally, kept here as a thin named wrapper so
// boot glue reads "sched.CalibrateTimer" rather than reaching past the
// scheduler into apic directly.
func CalibrateTimer(counter apic.TickCounter, sleep apic.Sleeper, counterHz, targetHz uint64) uint64 {
	return apic.CalibrateFromHPET(counter, sleep, counterHz, targetHz)
}
