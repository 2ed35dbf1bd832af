// Package accounting accumulates per-thread CPU-time usage. It backs the
// scheduler's round-robin fairness bookkeeping (Kernel §8, law S6) and
// cmd/kstat's pprof export.
package accounting

import (
	"sync"
	"sync/atomic"
)

// Accnt_t accumulates nanoseconds of Active time and a tick count for a
// single thread. The embedded mutex lets callers take a consistent
// snapshot when exporting.
type Accnt_t struct {
	// ActiveNs is nanoseconds spent in the Active state.
	ActiveNs int64
	// Ticks is the number of scheduler ticks during which this thread
	// was the Active thread.
	Ticks int64
	sync.Mutex
}

// AddActive records delta nanoseconds of Active time and one tick.
func (a *Accnt_t) AddActive(delta int64) {
	atomic.AddInt64(&a.ActiveNs, delta)
	atomic.AddInt64(&a.Ticks, 1)
}

// Snapshot returns a consistent copy of the counters.
func (a *Accnt_t) Snapshot() (activeNs, ticks int64) {
	a.Lock()
	defer a.Unlock()
	return a.ActiveNs, a.Ticks
}

// Add merges another accounting record into this one. Used when a
// process's accounting needs to fold in a terminated thread's totals.
func (a *Accnt_t) Add(n *Accnt_t) {
	ns, ticks := n.Snapshot()
	a.Lock()
	a.ActiveNs += ns
	a.Ticks += ticks
	a.Unlock()
}

// Table keys accounting records by an arbitrary comparable id (Tid_t or
// Pid_t from defs), avoiding a dependency from this leaf package onto
// defs.
type Table[K comparable] struct {
	mu      sync.Mutex
	records map[K]*Accnt_t
}

// NewTable allocates an empty accounting table.
func NewTable[K comparable]() *Table[K] {
	return &Table[K]{records: make(map[K]*Accnt_t)}
}

// For returns the accounting record for id, creating it on first use.
func (t *Table[K]) For(id K) *Accnt_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.records[id]
	if !ok {
		a = &Accnt_t{}
		t.records[id] = a
	}
	return a
}

// Delete removes id's accounting record, e.g. when its thread exits.
func (t *Table[K]) Delete(id K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
}

// Snapshot returns a copy of every tracked id's counters.
func (t *Table[K]) Snapshot() map[K][2]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[K][2]int64, len(t.records))
	for id, a := range t.records {
		ns, ticks := a.Snapshot()
		out[id] = [2]int64{ns, ticks}
	}
	return out
}
