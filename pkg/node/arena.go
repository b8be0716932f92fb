// Package node owns every graph node for a trace: allocation, identity,
// and the child back-edges that make the graph traversable in both
// directions without ever storing two owning pointers across the same
// edge (spec §9 "Cyclic references").
//
// Node identity is a stable, monotonically increasing ID (an arena
// index), the same shape as the teacher's Var.id in core.go — integer
// identity protected for concurrent access, never a raw pointer handed
// out across package boundaries.
package node

import (
	"fmt"
	"sync"

	"github.com/gitrdm/venturecore/pkg/value"
)

// Kind identifies one of the four node kinds defined in spec §3.
type Kind int

const (
	Constant Kind = iota
	Lookup
	RequestNode
	Output
)

func (k Kind) String() string {
	switch k {
	case Constant:
		return "constant"
	case Lookup:
		return "lookup"
	case RequestNode:
		return "request"
	case Output:
		return "output"
	default:
		return "unknown"
	}
}

// ID is a stable node identity, valid for the lifetime of the family
// that contains the node.
type ID uint64

// SPAuxHandle is an opaque handle to a stochastic procedure's auxiliary
// state, owned by pkg/psp; node only stores the handle to avoid an
// import cycle (psp depends on node for Node.Parents/Children shapes).
type SPAuxHandle = uint64

// Node is one graph-resident vertex. Parents are recorded explicitly
// per kind (not as a generic slice) because each kind's parent roles
// are semantically distinct (spec §3); Children is the generic
// back-edge set every kind shares.
type Node struct {
	mu sync.RWMutex

	id   ID
	kind Kind

	value   value.Value
	hasValue bool

	isObserved   bool
	isConstrained bool

	// Constant
	literal value.Value

	// Lookup
	sourceNode ID

	// Request / Output shared parentage
	operatorNode ID
	operandNodes []ID

	// Request-specific: which family each emitted Request maps to.
	requests []value.Value // value.Request payloads, most-recent simulate

	// Output-specific
	requestNode ID
	esrParents  []ID

	spAux SPAuxHandle

	children map[ID]struct{}
}

func (n *Node) ID() ID   { return n.id }
func (n *Node) Kind() Kind { return n.kind }

func (n *Node) Value() (value.Value, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.value, n.hasValue
}

func (n *Node) SetValue(v value.Value) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.value = v
	n.hasValue = true
}

func (n *Node) ClearValue() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.value = value.Value{}
	n.hasValue = false
}

func (n *Node) IsObserved() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.isObserved
}

func (n *Node) SetObserved(b bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isObserved = b
}

func (n *Node) IsConstrained() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.isConstrained
}

func (n *Node) SetConstrained(b bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isConstrained = b
}

func (n *Node) Literal() value.Value { return n.literal }

func (n *Node) SourceNode() ID { return n.sourceNode }

func (n *Node) OperatorNode() ID { return n.operatorNode }

func (n *Node) OperandNodes() []ID {
	cp := make([]ID, len(n.operandNodes))
	copy(cp, n.operandNodes)
	return cp
}

func (n *Node) RequestNode() ID { return n.requestNode }

func (n *Node) ESRParents() []ID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	cp := make([]ID, len(n.esrParents))
	copy(cp, n.esrParents)
	return cp
}

func (n *Node) AddESRParent(id ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.esrParents = append(n.esrParents, id)
}

// ClearESRParents drops every recorded ESR edge without touching the
// arena's reverse child edges — callers (pkg/regen's detach pass) must
// unwire each one via Arena.Unwire first, then call this so the next
// regen pass starts from an empty ESR list instead of appending onto
// stale entries.
func (n *Node) ClearESRParents() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.esrParents = nil
}

func (n *Node) Requests() []value.Value {
	n.mu.RLock()
	defer n.mu.RUnlock()
	cp := make([]value.Value, len(n.requests))
	copy(cp, n.requests)
	return cp
}

func (n *Node) SetRequests(reqs []value.Value) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = reqs
}

func (n *Node) SPAux() SPAuxHandle { return n.spAux }
func (n *Node) SetSPAux(h SPAuxHandle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.spAux = h
}

// Children returns a snapshot of the node's child set (spec §3 invariant 1:
// "a change to u's value can change v's value" for every u→v edge).
func (n *Node) Children() []ID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]ID, 0, len(n.children))
	for id := range n.children {
		out = append(out, id)
	}
	return out
}

func (n *Node) addChild(id ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.children == nil {
		n.children = make(map[ID]struct{})
	}
	n.children[id] = struct{}{}
}

func (n *Node) removeChild(id ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.children, id)
}

// Arena owns every node for the lifetime of the trace. Families are
// freed together by pkg/trace's UnevalFamily, which calls Free for each
// of their nodes, matching §4.2 "freed together when that family is
// uninstantiated".
type Arena struct {
	mu      sync.RWMutex
	nextID  ID
	nodes   map[ID]*Node
}

func NewArena() *Arena {
	return &Arena{nodes: make(map[ID]*Node)}
}

func (a *Arena) alloc(kind Kind) *Node {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	n := &Node{id: a.nextID, kind: kind}
	a.nodes[n.id] = n
	return n
}

// NewConstant allocates a constant node holding lit.
func (a *Arena) NewConstant(lit value.Value) *Node {
	n := a.alloc(Constant)
	n.literal = lit
	n.value = lit
	n.hasValue = true
	return n
}

// NewLookup allocates a lookup node forwarding source's binding, wiring
// the single parent edge eagerly per §4.2.
func (a *Arena) NewLookup(source ID) *Node {
	n := a.alloc(Lookup)
	n.sourceNode = source
	a.wireParentChild(source, n.id)
	return n
}

// NewRequest allocates a request node whose operator and operands are
// wired as parents eagerly.
func (a *Arena) NewRequest(operator ID, operands []ID) *Node {
	n := a.alloc(RequestNode)
	n.operatorNode = operator
	n.operandNodes = append([]ID(nil), operands...)
	a.wireParentChild(operator, n.id)
	for _, op := range operands {
		a.wireParentChild(op, n.id)
	}
	return n
}

// NewOutput allocates an output node. ESR parents are wired later, as
// they are discovered while simulateRequest resolves each Request.
func (a *Arena) NewOutput(operator ID, operands []ID, request ID) *Node {
	n := a.alloc(Output)
	n.operatorNode = operator
	n.operandNodes = append([]ID(nil), operands...)
	n.requestNode = request
	a.wireParentChild(operator, n.id)
	for _, op := range operands {
		a.wireParentChild(op, n.id)
	}
	a.wireParentChild(request, n.id)
	return n
}

// WireESRParent records an ESR edge from an output node to the root of
// a reused or newly instantiated family, per §3 "ESR edge" and §4.4
// step 3.
func (a *Arena) WireESRParent(output *Node, esrRoot ID) {
	output.AddESRParent(esrRoot)
	a.wireParentChild(esrRoot, output.id)
}

// wireParentChild adds child as a child of parent. The arena asserts
// (via Go's natural monotonic-ID-allocation order — every node is
// allocated before it can be wired as a parent of a later node) that
// this can never introduce a cycle; AssertAcyclic is available for
// callers that want to debug-check this explicitly after an unusual
// family transplant.
func (a *Arena) wireParentChild(parent, child ID) {
	if parent == 0 {
		return
	}
	p := a.Get(parent)
	if p == nil {
		return
	}
	p.addChild(child)
}

// Unwire removes the child back-edge from parent to child. Used by
// unevalFamily and detach when tearing a family down.
func (a *Arena) Unwire(parent, child ID) {
	if p := a.Get(parent); p != nil {
		p.removeChild(child)
	}
}

// Get returns the node for id, or nil if it has been freed or never
// existed.
func (a *Arena) Get(id ID) *Node {
	if id == 0 {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nodes[id]
}

// Free removes a node from the arena. Called once a family is fully
// uninstantiated (§4.2: nodes "freed together when that family is
// uninstantiated").
func (a *Arena) Free(id ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.nodes, id)
}

// AssertAcyclic debug-checks that no node in ids can reach itself
// through Children edges, matching §4.2's "rejects (debug-assert) any
// attempt to create one". It is not called on every wire (that would
// be O(n) per edge); callers invoke it after bulk graph surgery such as
// brush rebuilds.
func (a *Arena) AssertAcyclic(ids []ID) error {
	visiting := make(map[ID]bool)
	visited := make(map[ID]bool)
	var visit func(ID) error
	visit = func(id ID) error {
		if visited[id] {
			return nil
		}
		if visiting[id] {
			return fmt.Errorf("node arena: cycle detected at node %d", id)
		}
		visiting[id] = true
		n := a.Get(id)
		if n != nil {
			for _, c := range n.Children() {
				if err := visit(c); err != nil {
					return err
				}
			}
		}
		visiting[id] = false
		visited[id] = true
		return nil
	}
	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
