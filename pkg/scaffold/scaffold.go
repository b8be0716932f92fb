// Package scaffold computes the subgraph an inference kernel must
// tear down and rebuild for a proposal (spec §4.5): the Definite
// Regeneration Graph (DRG), its Absorbing boundary, and the maker
// (AAA) nodes whose made-SP family needs special handling.
//
// Grounded on the teacher's GlobalConstraintBus (constraint_store.go):
// the same "classify every reachable node, partition into disjoint
// sets, and let downstream code dispatch on which set a node landed
// in" shape, generalized from "local vs. global constraint" to
// "DRG vs. absorbing vs. AAA".
package scaffold

import (
	"sort"

	"github.com/gitrdm/venturecore/pkg/node"
	"github.com/gitrdm/venturecore/pkg/psp"
)

// SPLookup resolves the installed SP (and its current Args) driving a
// node, so Build can ask CanAbsorb/IsRandom without importing
// pkg/trace (which would create an import cycle: trace -> scaffold ->
// trace). pkg/trace.Trace satisfies this via its SPFor/ArgsFor pair.
type SPLookup interface {
	SPFor(id node.ID) (psp.SP, uint64, error)
	ArgsFor(id node.ID) (psp.Args, error)
}

// Scaffold partitions every node downstream of a set of principal
// nodes (spec §4.5). DRG is the set that must be detached and
// resampled; Absorbing is the boundary that only pays a log-density
// update; AAA is the subset of DRG (principals included) whose SP is
// an exchangeable MakerSP: regen resamples such a node like any other
// DRG node and then re-incorporates its AAAMadeConsumers into the
// freshly made SP's aux.
type Scaffold struct {
	Principal map[node.ID]struct{}
	DRG       map[node.ID]struct{}
	Absorbing map[node.ID]struct{}
	AAA       map[node.ID]struct{}

	// AAAMadeConsumers maps each AAA node to the absorbing-boundary
	// nodes whose installed SP was constructed by that AAA node's
	// current value (a made-SP procedure handle). regen uses this to
	// rebuild a resampled AAA node's fresh SPAux from scratch, per spec
	// §4.5: every node the old made SP had absorbed gets re-incorporated
	// into the new one.
	AAAMadeConsumers map[node.ID][]node.ID

	// Order lists every DRG (including principal) node in a valid
	// forward topological order; detach walks it in reverse.
	Order []node.ID
}

// Contains reports whether id is any part of this scaffold (DRG,
// absorbing boundary, or principal).
func (s *Scaffold) Contains(id node.ID) bool {
	if _, ok := s.Principal[id]; ok {
		return true
	}
	if _, ok := s.DRG[id]; ok {
		return true
	}
	if _, ok := s.Absorbing[id]; ok {
		return true
	}
	return false
}

func (s *Scaffold) IsAAA(id node.ID) bool {
	_, ok := s.AAA[id]
	return ok
}

// Build computes the scaffold for the given principal nodes (spec
// §4.5: single-site MH passes one node; block/particle-Gibbs kernels
// pass a set). arena gives Build the Children edges it walks forward;
// lookup gives it CanAbsorb/MakerSP classification.
func Build(arena *node.Arena, lookup SPLookup, principals []node.ID) (*Scaffold, error) {
	s := &Scaffold{
		Principal:        make(map[node.ID]struct{}),
		DRG:              make(map[node.ID]struct{}),
		Absorbing:        make(map[node.ID]struct{}),
		AAA:              make(map[node.ID]struct{}),
		AAAMadeConsumers: make(map[node.ID][]node.ID),
	}
	for _, p := range principals {
		s.Principal[p] = struct{}{}
	}

	visited := make(map[node.ID]bool)
	var walk func(id node.ID) error
	walk = func(id node.ID) error {
		if visited[id] {
			return nil
		}
		visited[id] = true

		n := arena.Get(id)
		if n == nil {
			return nil
		}

		_, isPrincipal := s.Principal[id]
		if !isPrincipal {
			sp, _, err := lookup.SPFor(id)
			if err != nil {
				// Lookup/Constant nodes have no operator SP; they never
				// absorb on their own, they simply forward a changed
				// source value (spec §3 node kinds).
				s.DRG[id] = struct{}{}
				return walkChildren(n, walk)
			}
			args, err := lookup.ArgsFor(id)
			if err != nil {
				return err
			}
			if sp.CanAbsorb(args) {
				s.Absorbing[id] = struct{}{}
				return nil // absorbing nodes are a boundary: do not recurse
			}
			s.DRG[id] = struct{}{}
			if maker, ok := sp.(psp.MakerSP); ok && maker.IsExchangeable() {
				s.AAA[id] = struct{}{}
			}
		} else {
			s.DRG[id] = struct{}{}
			if sp, _, err := lookup.SPFor(id); err == nil {
				if maker, ok := sp.(psp.MakerSP); ok && maker.IsExchangeable() {
					s.AAA[id] = struct{}{}
				}
			}
		}
		return walkChildren(n, walk)
	}

	for _, p := range principals {
		if err := walk(p); err != nil {
			return nil, err
		}
	}

	linkAAAConsumers(arena, lookup, s)

	order, err := topoOrder(arena, s)
	if err != nil {
		return nil, err
	}
	s.Order = order
	return s, nil
}

// linkAAAConsumers records, for every AAA node, which absorbing-boundary
// nodes currently hold a value produced by that AAA node's made SP — the
// set regen must re-incorporate into a fresh SPAux after a resample
// installs a new one (spec §4.5).
func linkAAAConsumers(arena *node.Arena, lookup SPLookup, s *Scaffold) {
	if len(s.AAA) == 0 {
		return
	}
	madeHandle := make(map[uint64]node.ID, len(s.AAA))
	for aaaID := range s.AAA {
		n := arena.Get(aaaID)
		if n == nil {
			continue
		}
		v, ok := n.Value()
		if !ok {
			continue
		}
		h, ok := v.AsProc()
		if !ok {
			continue
		}
		madeHandle[h] = aaaID
	}
	if len(madeHandle) == 0 {
		return
	}
	for absID := range s.Absorbing {
		_, h, err := lookup.SPFor(absID)
		if err != nil {
			continue
		}
		if aaaID, ok := madeHandle[h]; ok {
			s.AAAMadeConsumers[aaaID] = append(s.AAAMadeConsumers[aaaID], absID)
		}
	}
	for aaaID := range s.AAAMadeConsumers {
		ids := s.AAAMadeConsumers[aaaID]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
}

func walkChildren(n *node.Node, walk func(node.ID) error) error {
	children := n.Children()
	sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
	for _, c := range children {
		if err := walk(c); err != nil {
			return err
		}
	}
	return nil
}

// topoOrder returns every DRG node (principal included) in forward
// topological order via a DFS finish-time postorder, the same
// construction the arena's own AssertAcyclic debug walk uses.
func topoOrder(arena *node.Arena, s *Scaffold) ([]node.ID, error) {
	inDRG := func(id node.ID) bool {
		if _, ok := s.Principal[id]; ok {
			return true
		}
		_, ok := s.DRG[id]
		return ok
	}

	visited := make(map[node.ID]bool)
	visiting := make(map[node.ID]bool)
	var order []node.ID

	var visit func(id node.ID) error
	visit = func(id node.ID) error {
		if visited[id] {
			return nil
		}
		if visiting[id] {
			return errCycle{id}
		}
		visiting[id] = true
		n := arena.Get(id)
		if n != nil {
			children := n.Children()
			sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
			for _, c := range children {
				if !inDRG(c) {
					continue
				}
				if err := visit(c); err != nil {
					return err
				}
			}
		}
		visiting[id] = false
		visited[id] = true
		order = append(order, id)
		return nil
	}

	ids := make([]node.ID, 0, len(s.DRG)+len(s.Principal))
	for id := range s.Principal {
		ids = append(ids, id)
	}
	for id := range s.DRG {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	// visit appends in finish order (children-before-parent); the
	// caller wants parents-before-children (forward topological), so
	// reverse.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

type errCycle struct{ id node.ID }

func (e errCycle) Error() string { return "scaffold: cycle detected while ordering DRG" }
