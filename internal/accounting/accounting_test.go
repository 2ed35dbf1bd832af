package accounting

import "testing"

func TestAddActiveAccumulates(t *testing.T) {
	var a Accnt_t
	a.AddActive(100)
	a.AddActive(250)
	ns, ticks := a.Snapshot()
	if ns != 350 || ticks != 2 {
		t.Fatalf("Snapshot() = (%d, %d), want (350, 2)", ns, ticks)
	}
}

func TestAddMergesCounters(t *testing.T) {
	var a, b Accnt_t
	a.AddActive(100)
	b.AddActive(50)
	b.AddActive(50)
	a.Add(&b)
	ns, ticks := a.Snapshot()
	if ns != 200 || ticks != 3 {
		t.Fatalf("Snapshot() after Add = (%d, %d), want (200, 3)", ns, ticks)
	}
}

func TestTableForCreatesOnFirstUse(t *testing.T) {
	tbl := NewTable[int]()
	a := tbl.For(7)
	a.AddActive(10)
	if tbl.For(7) != a {
		t.Fatalf("For(7) returned a different record on second call")
	}
}

func TestTableSnapshotCopiesEveryRecord(t *testing.T) {
	tbl := NewTable[int]()
	tbl.For(1).AddActive(10)
	tbl.For(2).AddActive(20)

	snap := tbl.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(Snapshot()) = %d, want 2", len(snap))
	}
	if snap[1] != [2]int64{10, 1} || snap[2] != [2]int64{20, 1} {
		t.Fatalf("Snapshot() = %+v, want {1:{10,1}, 2:{20,1}}", snap)
	}
}

func TestTableDeleteRemovesRecord(t *testing.T) {
	tbl := NewTable[int]()
	tbl.For(1).AddActive(10)
	tbl.Delete(1)
	if _, ok := tbl.Snapshot()[1]; ok {
		t.Fatalf("record for 1 still present after Delete")
	}
	// For re-creates a fresh record rather than resurrecting the old one.
	fresh := tbl.For(1)
	if ns, ticks := fresh.Snapshot(); ns != 0 || ticks != 0 {
		t.Fatalf("re-created record not empty: (%d, %d)", ns, ticks)
	}
}
