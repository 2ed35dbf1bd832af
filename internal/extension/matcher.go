package extension

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"mkcore/internal/defs"
	"mkcore/internal/devtree"
	"mkcore/internal/elfimage"
	"mkcore/internal/physmem"
	"mkcore/internal/process"
	"mkcore/internal/sched"
)

// Matcher owns the catalog and runs the subset-match algorithm against a
// device tree, spawning matched extensions as user processes under the
// scheduler (Kernel §4.7).
type Matcher struct {
	tree    *devtree.Tree
	catalog []Entry
	sched   *sched.Scheduler
	store   *physmem.Store
	layout  process.VMLayout

	mu sync.Mutex // serializes spawn bookkeeping against concurrent fan-out
}

// NewMatcher builds a matcher over an already-decoded catalog.
func NewMatcher(tree *devtree.Tree, catalog []Entry, s *sched.Scheduler, store *physmem.Store, layout process.VMLayout) *Matcher {
	return &Matcher{tree: tree, catalog: catalog, sched: s, store: store, layout: layout}
}

// candidate is one (catalog entry, personality, device-tree entry) tuple
// whose match-map is a subset of the entry's properties and that has not
// already been spawned against.
type candidate struct {
	entry       Entry
	personality string
	target      defs.EntID
}

// collect gathers every unmatched candidate by reading the tree (Kernel
// §4.7: "matching takes the dt lock for read while collecting
// candidates").
func (m *Matcher) collect() []candidate {
	var out []candidate
	ids := m.tree.AllIDs()
	for _, ce := range m.catalog {
		for personality, matchMap := range ce.Info.Personalities {
			for _, eid := range ids {
				if m.tree.HasMatchedChild(eid, ce.Info.Identifier, personality) {
					continue
				}
				props, ok := m.tree.Properties(eid)
				if !ok {
					continue
				}
				if devtree.IsSubset(matchMap, props) {
					out = append(out, candidate{entry: ce, personality: personality, target: eid})
				}
			}
		}
	}
	return out
}

// RunMatch executes one pass of the matching algorithm (Kernel §4.7,
// triggered "on (a) boot, (b) every set-prop"). Candidates are spawned
// concurrently via an errgroup, mirroring the fan-out shape the catalog
// was designed for; each spawn independently takes the dt write lock
// only for its own insertion.
func (m *Matcher) RunMatch(ctx context.Context) error {
	candidates := m.collect()
	if len(candidates) == 0 {
		return nil
	}
	g, _ := errgroup.WithContext(ctx)
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			return m.spawn(c)
		})
	}
	return g.Wait()
}

// lastDotSegment returns the portion of identifier after its final '.',
// or identifier itself if there is none (Kernel §4.7 step 2: "name =
// last dot-segment of the catalog-entry identifier").
func lastDotSegment(identifier string) string {
	if i := strings.LastIndexByte(identifier, '.'); i >= 0 {
		return identifier[i+1:]
	}
	return identifier
}

// spawn creates the matched child entry, loads the catalog payload as a
// new process, and schedules its initial thread (Kernel §4.7 step 2).
// It re-checks HasMatchedChild under the matcher's own serialization
// lock so two concurrent RunMatch passes (boot plus a racing set-prop)
// cannot double-spawn the same (catalog-entry, personality, target).
func (m *Matcher) spawn(c candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tree.HasMatchedChild(c.target, c.entry.Info.Identifier, c.personality) {
		return nil // another spawn already matched this tuple (idempotent)
	}

	img, err := elfimage.Parse(c.entry.Payload)
	if err != nil {
		return fmt.Errorf("extension: parsing payload for %q: %w", c.entry.Info.Identifier, err)
	}

	pid := m.sched.AllocPid()
	proc, err := process.New(pid, c.entry.Info.Identifier, m.store, m.layout)
	if err != nil {
		return fmt.Errorf("extension: creating process for %q: %w", c.entry.Info.Identifier, err)
	}
	const imageBase = 0x0000000000400000
	entry, err := proc.LoadImage(img, imageBase)
	if err != nil {
		return fmt.Errorf("extension: loading image for %q: %w", c.entry.Info.Identifier, err)
	}
	stackBase, err := proc.AllocStack()
	if err != nil {
		return fmt.Errorf("extension: allocating stack for %q: %w", c.entry.Info.Identifier, err)
	}
	m.sched.AddProcess(proc)

	childID, ok := m.tree.NewEntry(c.target, lastDotSegment(c.entry.Info.Identifier))
	if !ok {
		return fmt.Errorf("extension: target entry %d vanished before spawn", c.target)
	}
	m.tree.SetProp(childID, devtree.ExtMatchProp, devtree.MatchTuple(c.entry.Info.Identifier, c.personality))
	m.tree.SetProp(childID, devtree.ExtProcProp, devtree.Int(int64(pid)))

	tid := m.sched.AllocTid()
	th := &sched.Thread{
		Id:            tid,
		Pid:           pid,
		UserStackBase: stackBase,
		State:         sched.StateInactive,
		Regs: sched.Registers{
			Rip: entry,
			Rsp: stackBase + process.StackBytes,
			// the new child's id is the initial argument to the user
			// entry point (Kernel §4.7 step 2).
			Rdi: uint64(childID),
		},
	}
	m.sched.AddThread(th)
	return nil
}
