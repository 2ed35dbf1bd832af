package sched

import (
	"testing"

	"mkcore/internal/defs"
)

func addBareThread(s *Scheduler, tid defs.Tid_t, pid defs.Pid_t) *Thread {
	t := &Thread{Id: tid, Pid: pid, State: StateInactive}
	s.threads[tid] = t
	return t
}

func TestScheduleIdleWhenNoThreads(t *testing.T) {
	s := New(0xffffffff80001000)
	next, idle := s.Schedule(Registers{})
	if !idle || next != nil {
		t.Fatalf("Schedule on empty scheduler = (%v, idle=%v), want (nil, true)", next, idle)
	}
}

func TestScheduleRoundRobinFairness(t *testing.T) {
	s := New(0)
	addBareThread(s, 1, 10)
	addBareThread(s, 2, 10)
	addBareThread(s, 3, 11)

	counts := map[defs.Tid_t]int{}
	var frame Registers
	for i := 0; i < 30; i++ {
		next, idle := s.Schedule(frame)
		if idle {
			t.Fatalf("tick %d went idle with runnable threads present", i)
		}
		counts[next.Id]++
	}
	for id, c := range counts {
		if c < 9 || c > 11 {
			t.Errorf("thread %d was Active %d times in 30 ticks, want between 9 and 11 (S6)", id, c)
		}
	}
}

func TestScheduleSkipsSuspendedThread(t *testing.T) {
	s := New(0)
	addBareThread(s, 1, 10)
	suspended := addBareThread(s, 2, 10)
	suspended.State = StateSuspended

	var seenTwo bool
	var frame Registers
	for i := 0; i < 5; i++ {
		next, idle := s.Schedule(frame)
		if idle {
			t.Fatalf("went idle while thread 1 is Inactive")
		}
		if next.Id == 2 {
			seenTwo = true
		}
	}
	if seenTwo {
		t.Fatalf("scheduler picked a Suspended thread")
	}
}

func TestResumeWithPreloadReturnsThreadToRotation(t *testing.T) {
	s := New(0)
	addBareThread(s, 1, 10)
	suspended := addBareThread(s, 2, 10)
	suspended.State = StateSuspended

	s.ResumeWithPreload(2, Registers{Rax: 99})

	th, ok := s.Thread(2)
	if !ok || th.State != StateInactive {
		t.Fatalf("thread 2 state = %v, want Inactive after ResumeWithPreload", th.State)
	}
	if th.Regs.Rax != 99 {
		t.Fatalf("preloaded registers not applied")
	}
}

func TestRegisterIRQRejectsDuplicate(t *testing.T) {
	s := New(0)
	if !s.RegisterIRQ(1, 5) {
		t.Fatalf("first RegisterIRQ(1, 5) should succeed")
	}
	if s.RegisterIRQ(1, 6) {
		t.Fatalf("second RegisterIRQ(1, ...) should fail: already registered")
	}
	pid, ok := s.IRQOwner(1)
	if !ok || pid != 5 {
		t.Fatalf("IRQOwner(1) = (%d, %v), want (5, true)", pid, ok)
	}
}

func TestMsgSourceRoundTrip(t *testing.T) {
	s := New(0)
	s.RegisterMsgSource(defs.MsgID(7), defs.Pid_t(3))
	pid, ok := s.MsgSource(defs.MsgID(7))
	if !ok || pid != 3 {
		t.Fatalf("MsgSource(7) = (%d, %v), want (3, true)", pid, ok)
	}
	s.ForgetMsgSource(defs.MsgID(7))
	if _, ok := s.MsgSource(defs.MsgID(7)); ok {
		t.Fatalf("MsgSource(7) still resolves after ForgetMsgSource")
	}
}

func TestScheduleRecordsAccountingPerTick(t *testing.T) {
	s := New(0)
	addBareThread(s, 1, 10)
	addBareThread(s, 2, 10)
	s.SetTickInterval(10_000_000) // 10ms, matching a 100Hz tick

	var frame Registers
	for i := 0; i < 6; i++ {
		if _, idle := s.Schedule(frame); idle {
			t.Fatalf("tick %d went idle with runnable threads present", i)
		}
	}

	snap := s.Accounting().Snapshot()
	var totalTicks int64
	for _, counters := range snap {
		totalTicks += counters[1]
		if counters[0] != counters[1]*10_000_000 {
			t.Fatalf("activeNs %d does not match ticks %d at 10ms/tick", counters[0], counters[1])
		}
	}
	// Schedule only charges the thread it retires, so after 6 ticks (the
	// first tick retires no one — hasCurrent starts false) exactly 5
	// retirements have been charged.
	if totalTicks != 5 {
		t.Fatalf("total accounted ticks = %d, want 5", totalTicks)
	}
}

func TestTerminateDropsAccountingRecord(t *testing.T) {
	s := New(0)
	addBareThread(s, 1, 10)
	s.SetTickInterval(1000)

	s.Schedule(Registers{})       // thread 1 becomes current
	s.Schedule(Registers{})       // thread 1 retires, accounting charged
	s.Terminate(1)

	if _, ok := s.Accounting().Snapshot()[1]; ok {
		t.Fatalf("accounting record for thread 1 survived Terminate")
	}
}

func TestAllocatorsAreMonotoneAndNeverZero(t *testing.T) {
	s := New(0)
	if pid := s.AllocPid(); pid == 0 {
		t.Fatalf("AllocPid returned 0, which is reserved for the kernel")
	}
	a, b := s.AllocTid(), s.AllocTid()
	if b <= a {
		t.Fatalf("AllocTid not monotone: %d then %d", a, b)
	}
}
