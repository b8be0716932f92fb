package trace

import (
	"sync"

	"github.com/gitrdm/venturecore/pkg/node"
)

// familyEntry is one row of an SP's family table: the root of the
// family that satisfies a given FamilyID, and the number of live ESR
// edges pointing at it (spec §3 "SP-family table").
type familyEntry struct {
	root     node.ID
	refcount int
}

// familyTable is the per-SP-instance mapping from FamilyID to the root
// of the family that satisfies it, grounded on the teacher's
// FactIndex (fact_store.go): a keyed index with add/remove and
// reference-style cleanup, generalized here from "fact ID set per
// term" to "one root node per FamilyID, with an explicit refcount"
// (spec §3 invariant 5: "ESR reference counts are positive iff the
// entry exists").
type familyTable struct {
	mu      sync.RWMutex
	entries map[string]*familyEntry
}

func newFamilyTable() *familyTable {
	return &familyTable{entries: make(map[string]*familyEntry)}
}

// lookup returns the existing root for id and bumps its refcount, or
// (0, false) on a miss.
func (ft *familyTable) lookup(id string) (node.ID, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	e, ok := ft.entries[id]
	if !ok {
		return 0, false
	}
	e.refcount++
	return e.root, true
}

// install registers a freshly instantiated family under id with an
// initial refcount of 1 (the ESR edge that triggered instantiation).
func (ft *familyTable) install(id string, root node.ID) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.entries[id] = &familyEntry{root: root, refcount: 1}
}

// release decrements the refcount for id, returning (root, true) if
// this was the last reference (the caller must then uninstantiate the
// family and remove the entry via remove).
func (ft *familyTable) release(id string) (node.ID, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	e, ok := ft.entries[id]
	if !ok {
		return 0, false
	}
	e.refcount--
	if e.refcount <= 0 {
		return e.root, true
	}
	return 0, false
}

// peek reports the root for id without touching the refcount (backs
// Trace.FamilyPeek).
func (ft *familyTable) peek(id string) (node.ID, bool) {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	e, ok := ft.entries[id]
	if !ok {
		return 0, false
	}
	return e.root, true
}

func (ft *familyTable) remove(id string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	delete(ft.entries, id)
}

func (ft *familyTable) has(id string) bool {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	_, ok := ft.entries[id]
	return ok
}
