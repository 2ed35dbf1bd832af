// Command kstat renders a scheduler accounting snapshot
// (internal/accounting) as a pprof profile, so the usual `go tool pprof`
// flame-graph and top-N views work against kernel thread CPU time the
// same way they would against a hosted Go program's own profile.
//
// This is the same host-side diagnostic export github.com/google/pprof
// gives a hosted Go runtime, applied to internal/accounting's per-thread
// ledger instead of a Go runtime profile.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/pprof/profile"

	"mkcore/internal/defs"
)

// Snapshot is the on-disk shape a running kernel dumps: exactly
// internal/accounting.Table[defs.Tid_t].Snapshot's return type, keyed by
// thread id with [activeNs, ticks] values. Both internal/accounting and
// internal/defs are leaf packages with no transitive dependency on the
// rest of the kernel core, so decoding straight into this type costs
// kstat nothing.
type Snapshot map[defs.Tid_t][2]int64

func loadSnapshot(r io.Reader) (Snapshot, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("kstat: decoding snapshot: %w", err)
	}
	return snap, nil
}

// buildProfile renders one sample per thread id: value[0] is
// nanoseconds of Active time, value[1] is the tick count, so `pprof -top`
// can rank threads by either CPU time or scheduling frequency.
func buildProfile(snap Snapshot) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "cpu", Unit: "nanoseconds"},
			{Type: "ticks", Unit: "count"},
		},
		DefaultSampleType: "cpu",
	}

	var nextID uint64 = 1
	for tid, counters := range snap {
		name := fmt.Sprintf("thread %d", tid)
		fn := &profile.Function{ID: nextID, Name: name, SystemName: name}
		nextID++
		loc := &profile.Location{ID: nextID, Line: []profile.Line{{Function: fn}}}
		nextID++
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{counters[0], counters[1]},
		})
	}
	return p
}

func main() {
	var in io.Reader = os.Stdin
	if len(os.Args) > 1 {
		f, err := os.Open(os.Args[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, "kstat:", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	snap, err := loadSnapshot(in)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	p := buildProfile(snap)
	if err := p.Write(os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "kstat: writing profile:", err)
		os.Exit(1)
	}
}
