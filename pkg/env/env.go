// Package env implements lexical environments: a symbol → node.ID
// mapping plus a parent frame, generalizing the teacher's Substitution
// (core.go), which chases variable bindings through a flat map with a
// Walk helper, into a chain of frames chased the same way.
package env

import (
	"fmt"
	"sync"

	"github.com/gitrdm/venturecore/pkg/node"
)

// Env is one lexical frame. Frames are arena-allocated the same way
// nodes are, so a node.Value of KindEnv can carry a stable handle
// without needing to embed a pointer in value.Value.
type Env struct {
	mu      sync.RWMutex
	id      uint64
	parent  *Env
	bindings map[string]node.ID
}

// Registry owns every Env for a trace, handing out stable handles the
// same way node.Arena hands out node.ID values.
type Registry struct {
	mu     sync.RWMutex
	nextID uint64
	envs   map[uint64]*Env
}

func NewRegistry() *Registry {
	return &Registry{envs: make(map[uint64]*Env)}
}

// NewGlobal allocates the root environment, with no parent.
func (r *Registry) NewGlobal() *Env {
	return r.new(nil)
}

// Extend allocates a new child frame of parent.
func (r *Registry) Extend(parent *Env) *Env {
	return r.new(parent)
}

func (r *Registry) new(parent *Env) *Env {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	e := &Env{id: r.nextID, parent: parent, bindings: make(map[string]node.ID)}
	r.envs[e.id] = e
	return e
}

func (r *Registry) Get(id uint64) *Env {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.envs[id]
}

func (e *Env) Handle() uint64 { return e.id }

// Bind installs or replaces the binding for sym in this frame (not a
// parent frame) — used by builtins.Register for every builtin name and
// by the host bridge's bindInGlobalEnv directive.
func (e *Env) Bind(sym string, n node.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bindings[sym] = n
}

// Lookup chases the binding for sym through e and its ancestors,
// returning the owning frame as well so callers (e.g. Constrain's
// propagation) can tell which frame's binding changed.
func (e *Env) Lookup(sym string) (node.ID, *Env, bool) {
	for f := e; f != nil; f = f.parent {
		f.mu.RLock()
		n, ok := f.bindings[sym]
		f.mu.RUnlock()
		if ok {
			return n, f, true
		}
	}
	return 0, nil, false
}

func (e *Env) Parent() *Env { return e.parent }

// MustLookup is Lookup reduced to an error result, for callers that
// assume a binding exists: it never panics, and returns a plain
// "unbound symbol" error when sym has no binding in e or its
// ancestors.
func (e *Env) MustLookup(sym string) (node.ID, error) {
	n, _, ok := e.Lookup(sym)
	if !ok {
		return 0, fmt.Errorf("unbound symbol: %s", sym)
	}
	return n, nil
}
