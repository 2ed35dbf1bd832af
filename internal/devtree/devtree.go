// Package devtree is the OS device tree and the subset-match algorithm
// that spawns extensions against it (Kernel §4.7). Entries form a tree
// keyed by a monotone id, each carrying a tagged-variant property map;
// the index itself is a single readers-writer lock (Kernel §5: "Readers:
// matcher, get-info syscalls. Writers: new-entry, set-prop").
package devtree

import (
	"sync"

	"mkcore/internal/defs"

	"golang.org/x/text/unicode/norm"
)

// ExtMatchProp and ExtProcProp are the reserved property names a spawned
// extension's child entry carries (Kernel §4.7 step 2).
const (
	ExtMatchProp = "_FKExtMatch"
	ExtProcProp  = "_FKExtProc"
)

// ValueKind tags a Value's variant (Kernel §6 "the same tag set as the
// in-memory value variant").
type ValueKind int

const (
	KindBool ValueKind = iota
	KindString
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindList
	KindMap
)

// Value is a tagged property value. Exactly one field is meaningful per
// Kind; List and Map hold nested Values so match-maps can express
// structure, not just scalars.
type Value struct {
	Kind ValueKind
	B    bool
	S    string
	I    int64
	List []Value
	Map  map[string]Value
}

// Equal reports tagged-value equality (Kernel §4.7: "subset in the
// tagged-value equality sense").
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindBool:
		return v.B == o.B
	case KindString:
		return v.S == o.S
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return v.I == o.I
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.Map) != len(o.Map) {
			return false
		}
		for k, vv := range v.Map {
			ov, ok := o.Map[k]
			if !ok || !vv.Equal(ov) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String wraps a normalized string Value: every String property is
// NFC-normalized on the way in (SetProp), treating it as a single
// canonical form rather than trusting byte-equality across user-supplied
// strings.
func String(s string) Value { return Value{Kind: KindString, S: norm.NFC.String(s)} }

// Bool, Int builders keep call sites in extension/scall free of literal
// struct construction.
func Bool(b bool) Value { return Value{Kind: KindBool, B: b} }
func Int(i int64) Value { return Value{Kind: KindInt64, I: i} }

// Entry is one device-tree node (Kernel §3 "Device-tree entry").
type Entry struct {
	Id         defs.EntID
	Name       string
	Parent     defs.EntID
	HasParent  bool
	Children   []defs.EntID
	Properties map[string]Value
}

// Tree is the process-wide id→Entry index (Kernel §4.7).
type Tree struct {
	mu      sync.RWMutex
	entries map[defs.EntID]*Entry
	nextID  defs.EntID
}

// New builds a tree with a root entry carrying name and cpuType
// properties (Kernel §4.7: "The root entry is built at boot with name
// and CPU-type properties").
func New(name, cpuType string) *Tree {
	t := &Tree{entries: make(map[defs.EntID]*Entry), nextID: 1}
	root := &Entry{
		Id:   0,
		Name: name,
		Properties: map[string]Value{
			"Name":    String(name),
			"CPUType": String(cpuType),
		},
	}
	t.entries[0] = root
	return t
}

// Root is the fixed id of the root entry.
const Root defs.EntID = 0

// Get returns a read-only snapshot copy of entry id's name and
// properties. It copies the property map so callers cannot mutate tree
// state without going through SetProp.
func (t *Tree) Get(id defs.EntID) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(e), true
}

func cloneEntry(e *Entry) Entry {
	cp := Entry{Id: e.Id, Name: e.Name, Parent: e.Parent, HasParent: e.HasParent}
	cp.Children = append([]defs.EntID(nil), e.Children...)
	cp.Properties = make(map[string]Value, len(e.Properties))
	for k, v := range e.Properties {
		cp.Properties[k] = v
	}
	return cp
}

// NewEntry attaches a fresh child named name under parent (Kernel §4.7
// "new-entry syscall"). The matcher is not run here — callers that want
// matching against the new entry's eventual properties run
// Matcher.RunMatch (internal/extension) after SetProp, one of the match triggers Kernel §4.7 names.
func (t *Tree) NewEntry(parent defs.EntID, name string) (defs.EntID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[parent]
	if !ok {
		return 0, false
	}
	id := t.nextID
	t.nextID++
	e := &Entry{Id: id, Name: name, Parent: parent, HasParent: true, Properties: make(map[string]Value)}
	t.entries[id] = e
	p.Children = append(p.Children, id)
	return id, true
}

// SetProp installs a property on id, taking the write lock for the
// duration of the mutation only (Kernel §4.7: "A set-prop from a user
// extension calls the matcher after releasing the write lock").
func (t *Tree) SetProp(id defs.EntID, key string, v Value) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		if v.Kind == KindString {
			v.S = norm.NFC.String(v.S)
		}
		e.Properties[key] = v
	}
	t.mu.Unlock()
	return ok
}

// Children returns id's child ids.
func (t *Tree) Children(id defs.EntID) []defs.EntID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return nil
	}
	return append([]defs.EntID(nil), e.Children...)
}

// AllIDs returns every entry id currently in the tree, used by the
// matcher to walk candidates.
func (t *Tree) AllIDs() []defs.EntID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]defs.EntID, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	return ids
}

// HasMatchedChild reports whether entry id already has a child whose
// ExtMatchProp equals (identifier, personality) — the idempotency check
// Kernel §4.7 step 1 requires before spawning again.
func (t *Tree) HasMatchedChild(id defs.EntID, identifier, personality string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	want := matchTuple(identifier, personality)
	for _, cid := range e.Children {
		child, ok := t.entries[cid]
		if !ok {
			continue
		}
		if got, ok := child.Properties[ExtMatchProp]; ok && got.Equal(want) {
			return true
		}
	}
	return false
}

// matchTuple builds the ExtMatchProp value (catalog-id, personality).
func matchTuple(identifier, personality string) Value {
	return Value{Kind: KindList, List: []Value{String(identifier), String(personality)}}
}

// MatchTuple is the exported form of matchTuple, used by internal/extension's
// Matcher.spawn to stamp the child's ExtMatchProp.
func MatchTuple(identifier, personality string) Value { return matchTuple(identifier, personality) }

// Properties returns a copy of id's property map, used by the
// get-entry-info syscall and by the matcher's subset test.
func (t *Tree) Properties(id defs.EntID) (map[string]Value, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	out := make(map[string]Value, len(e.Properties))
	for k, v := range e.Properties {
		out[k] = v
	}
	return out, true
}

// IsSubset reports whether every key/value in want also appears, equal,
// in have (Kernel §4.7: "P.match-map ⊆ E.properties").
func IsSubset(want, have map[string]Value) bool {
	for k, v := range want {
		hv, ok := have[k]
		if !ok || !v.Equal(hv) {
			return false
		}
	}
	return true
}
