// Package trace implements the top-level graph owner (spec §4.4, C5):
// evaluation (EvalFamily), constraint (Constrain/Unconstrain), and
// their exact inverse (UnevalFamily), plus the bookkeeping of random
// and constrained choices that pkg/scaffold and pkg/infer build on.
//
// Grounded on the teacher's FactStore (fact_store.go) for the
// content-addressed SP-family table, and on core.go's recursive
// Stream/Goal evaluation shape for the recursive-descent evaluator.
package trace

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/gitrdm/venturecore/internal/expr"
	"github.com/gitrdm/venturecore/internal/logconv"
	"github.com/gitrdm/venturecore/pkg/env"
	"github.com/gitrdm/venturecore/pkg/node"
	"github.com/gitrdm/venturecore/pkg/psp"
	"github.com/gitrdm/venturecore/pkg/value"
)

// SPHandle identifies one installed stochastic-procedure instance.
// value.Value carries this same integer inside its Proc variant.
type SPHandle = value.ProcHandle

// Trace owns the node arena, the environment registry, every installed
// SP instance and its SPAux/family table, and the sets required by
// spec §3's trace-level invariants.
type Trace struct {
	mu sync.Mutex // spec §5: single-threaded mutation per trace

	id  uuid.UUID
	log logconv.Logger

	rng *rand.Rand

	arena *node.Arena
	envs  *env.Registry
	global *env.Env

	nextSP  SPHandle
	sps     map[SPHandle]psp.SP
	auxes   map[SPHandle]psp.SPAux
	families map[SPHandle]*familyTable
	spNames map[SPHandle]string

	randomChoices      map[node.ID]struct{}
	constrainedChoices map[node.ID]struct{}

	ventureFamilies map[int]node.ID
}

// New constructs an empty trace seeded deterministically (spec §5:
// "identical seeds plus identical directive sequences reproduce
// results bit-identically"). A nil logger defaults to a no-op sink.
func New(seed int64, log logconv.Logger) *Trace {
	if log == nil {
		log = logconv.Nop()
	}
	envs := env.NewRegistry()
	t := &Trace{
		id:                 uuid.New(),
		log:                log,
		rng:                rand.New(rand.NewSource(seed)),
		arena:              node.NewArena(),
		envs:               envs,
		global:             envs.NewGlobal(),
		sps:                make(map[SPHandle]psp.SP),
		auxes:              make(map[SPHandle]psp.SPAux),
		families:           make(map[SPHandle]*familyTable),
		spNames:            make(map[SPHandle]string),
		randomChoices:      make(map[node.ID]struct{}),
		constrainedChoices: make(map[node.ID]struct{}),
		ventureFamilies:    make(map[int]node.ID),
	}
	return t
}

func (t *Trace) ID() uuid.UUID       { return t.id }
func (t *Trace) Arena() *node.Arena  { return t.arena }
func (t *Trace) GlobalEnv() *env.Env { return t.global }
func (t *Trace) Envs() *env.Registry { return t.envs }
func (t *Trace) RNG() *rand.Rand     { return t.rng }

// RegisterProcedure installs sp in the global environment under name
// and returns the node whose value is the resulting Proc value.
// Mirrors the original's single ordered startup registration pass
// (original_source/backend/cxx/src/builtin.cxx): fatal on duplicate
// name, matching §4.3 "Built-ins are enumerated at startup".
func (t *Trace) RegisterProcedure(name string, sp psp.SP) (*node.Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, _, ok := t.global.Lookup(name); ok {
		return nil, fmt.Errorf("trace: duplicate builtin registration for %q", name)
	}
	h := t.installSP(sp)
	n := t.arena.NewConstant(value.Proc(h))
	t.global.Bind(name, n.ID())
	t.spNames[h] = name
	return n, nil
}

// installSP allocates a handle for sp, seeding its SPAux and family
// table. Called both for top-level builtins and for SP instances
// created dynamically by a maker SP (spec §4.5 AAA nodes) through the
// psp.Args.Install callback.
func (t *Trace) installSP(sp psp.SP) SPHandle {
	t.nextSP++
	h := t.nextSP
	t.sps[h] = sp
	t.auxes[h] = sp.NewAux()
	t.families[h] = newFamilyTable()
	return h
}

func (t *Trace) spHandleOf(n *node.Node) (SPHandle, error) {
	opNode := t.arena.Get(n.OperatorNode())
	if opNode == nil {
		return 0, &InvariantViolation{Detail: fmt.Sprintf("node %d has no operator node", n.ID())}
	}
	v, ok := opNode.Value()
	if !ok {
		return 0, &InvariantViolation{Detail: fmt.Sprintf("operator node %d has no value", opNode.ID())}
	}
	h, ok := v.AsProc()
	if !ok {
		return 0, &TypeError{Operator: "<apply>", Position: 0, Expected: "procedure", Got: v.Kind().String()}
	}
	return h, nil
}

// SPFor returns the installed SP instance driving an output or request
// node. Exported for pkg/scaffold/pkg/regen/pkg/infer, which must
// dispatch to the SP's capability methods without Trace mediating
// every call.
func (t *Trace) SPFor(id node.ID) (psp.SP, SPHandle, error) {
	n := t.arena.Get(id)
	if n == nil {
		return nil, 0, &InvariantViolation{Detail: fmt.Sprintf("node %d does not exist", id)}
	}
	h, err := t.spHandleOf(n)
	if err != nil {
		return nil, 0, err
	}
	sp, ok := t.sps[h]
	if !ok {
		return nil, 0, &InvariantViolation{Detail: fmt.Sprintf("no SP installed for handle %d", h)}
	}
	return sp, h, nil
}

func (t *Trace) installClosure() func(psp.SP) value.Value {
	return func(sp psp.SP) value.Value {
		h := t.installSP(sp)
		return value.Proc(h)
	}
}

// ArgsFor reconstructs the psp.Args for node id by walking its
// operand/ESR parents' current values. Exported so pkg/regen can
// rebuild the same Args detach saw when it calls Unincorporate.
func (t *Trace) ArgsFor(id node.ID) (psp.Args, error) {
	n := t.arena.Get(id)
	if n == nil {
		return psp.Args{}, &InvariantViolation{Detail: fmt.Sprintf("node %d does not exist", id)}
	}
	_, h, err := t.SPFor(id)
	if err != nil {
		return psp.Args{}, err
	}
	operands, err := t.valuesOf(n.OperandNodes())
	if err != nil {
		return psp.Args{}, err
	}
	esrs, err := t.valuesOf(n.ESRParents())
	if err != nil {
		return psp.Args{}, err
	}
	var req *value.Request
	if n.Kind() == node.Output {
		reqNode := t.arena.Get(n.RequestNode())
		if reqNode != nil {
			reqs := reqNode.Requests()
			if len(reqs) == 1 {
				r, _ := reqs[0].AsRequest()
				req = r
			}
		}
	}
	return psp.Args{
		Operands: operands,
		ESRs:     esrs,
		Request:  req,
		Aux:      t.auxes[h],
		NodeID:   id,
		Install:  t.installClosure(),
	}, nil
}

func (t *Trace) valuesOf(ids []node.ID) ([]value.Value, error) {
	out := make([]value.Value, 0, len(ids))
	for _, id := range ids {
		n := t.arena.Get(id)
		if n == nil {
			return nil, &InvariantViolation{Detail: fmt.Sprintf("node %d does not exist", id)}
		}
		v, ok := n.Value()
		if !ok {
			return nil, &InvariantViolation{Detail: fmt.Sprintf("node %d has no value", id)}
		}
		out = append(out, v)
	}
	return out, nil
}

// RandomChoices returns a snapshot of every node currently in
// randomChoices (spec §3 invariant 3), in ascending ID order so that
// kernels indexing into it stay reproducible under a fixed seed.
func (t *Trace) RandomChoices() []node.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]node.ID, 0, len(t.randomChoices))
	for id := range t.randomChoices {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *Trace) NumRandomChoices() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.randomChoices)
}

func (t *Trace) ConstrainedChoices() []node.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]node.ID, 0, len(t.constrainedChoices))
	for id := range t.constrainedChoices {
		out = append(out, id)
	}
	return out
}

func (t *Trace) addRandomChoice(id node.ID) {
	t.randomChoices[id] = struct{}{}
}
func (t *Trace) removeRandomChoice(id node.ID) {
	delete(t.randomChoices, id)
}
func (t *Trace) addConstrainedChoice(id node.ID) {
	t.constrainedChoices[id] = struct{}{}
}
func (t *Trace) removeConstrainedChoice(id node.ID) {
	delete(t.constrainedChoices, id)
}

// Log exposes the trace's logger so pkg/infer can report MH
// accept/reject and particle-resampling events under the same
// correlation ID.
func (t *Trace) Log() logconv.Logger { return t.log }

// EvalFamily evaluates expression ex in environment e, returning the
// accumulated log-weight and the root node of the resulting family
// (spec §4.4). Callers must hold no other mutation in flight on this
// trace; EvalFamily is atomic on error (spec §7): a failure partway
// through unwinds everything it built via UnevalFamily before
// returning.
func (t *Trace) EvalFamily(ex *expr.Expr, e *env.Env) (logWeight float64, root node.ID, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evalFamily(ex, e)
}

func (t *Trace) evalFamily(ex *expr.Expr, e *env.Env) (float64, node.ID, error) {
	switch ex.Kind {
	case expr.Literal:
		n := t.arena.NewConstant(ex.Value)
		return 0, n.ID(), nil

	case expr.Sym:
		src, _, ok := e.Lookup(ex.Name)
		if !ok {
			return 0, 0, fmt.Errorf("unbound symbol: %s", ex.Name)
		}
		n := t.arena.NewLookup(src)
		if sv, ok := t.arena.Get(src).Value(); ok {
			n.SetValue(sv)
		}
		return 0, n.ID(), nil

	case expr.Combination:
		return t.evalCombination(ex, e)

	default:
		return 0, 0, &InvariantViolation{Detail: "unknown expression kind"}
	}
}

func (t *Trace) evalCombination(ex *expr.Expr, e *env.Env) (logWeight float64, rootID node.ID, err error) {
	built := make([]node.ID, 0, len(ex.Args))
	defer func() {
		if err != nil {
			for i := len(built) - 1; i >= 0; i-- {
				_ = t.unevalFamily(built[i])
			}
		}
	}()

	opW, opRoot, err := t.evalFamily(ex.Args[0], e)
	if err != nil {
		return 0, 0, err
	}
	built = append(built, opRoot)
	logWeight += opW

	operandRoots := make([]node.ID, 0, len(ex.Args)-1)
	for _, a := range ex.Args[1:] {
		w, r, err := t.evalFamily(a, e)
		if err != nil {
			return 0, 0, err
		}
		built = append(built, r)
		operandRoots = append(operandRoots, r)
		logWeight += w
	}

	opNode := t.arena.Get(opRoot)
	opVal, ok := opNode.Value()
	if !ok {
		return 0, 0, &InvariantViolation{Detail: "operator node has no value"}
	}
	spHandle, ok := opVal.AsProc()
	if !ok {
		return 0, 0, &TypeError{Operator: ex.Args[0].String(), Position: 0, Expected: "procedure", Got: opVal.Kind().String()}
	}
	sp := t.sps[spHandle]

	operandVals, err := t.valuesOf(operandRoots)
	if err != nil {
		return 0, 0, err
	}

	reqNode := t.arena.NewRequest(opRoot, operandRoots)
	reqArgs := psp.Args{Operands: operandVals, Aux: t.auxes[spHandle], NodeID: reqNode.ID(), Install: t.installClosure()}
	requests, err := sp.SimulateRequest(reqArgs, t.rng)
	if err != nil {
		return 0, 0, err
	}
	reqVals := make([]value.Value, len(requests))
	for i, r := range requests {
		reqVals[i] = value.MakeRequest(r)
	}
	reqNode.SetRequests(reqVals)

	outNode := t.arena.NewOutput(opRoot, operandRoots, reqNode.ID())

	reqWeight, esrRoots, err := t.resolveRequests(spHandle, requests)
	if err != nil {
		return 0, 0, err
	}
	logWeight += reqWeight
	esrVals := make([]value.Value, 0, len(esrRoots))
	for _, root := range esrRoots {
		t.arena.WireESRParent(outNode, root)
		v, _ := t.arena.Get(root).Value()
		esrVals = append(esrVals, v)
	}

	outArgs := psp.Args{Operands: operandVals, ESRs: esrVals, Aux: t.auxes[spHandle], NodeID: outNode.ID(), Install: t.installClosure()}
	val, err := sp.Simulate(outArgs, t.rng)
	if err != nil {
		return 0, 0, err
	}
	outNode.SetValue(val)
	sp.Incorporate(val, outArgs)
	if sp.IsRandom() && !outNode.IsConstrained() {
		t.addRandomChoice(outNode.ID())
	}
	if ld, ok := sp.LogDensity(val, outArgs); ok {
		logWeight += ld
	}

	return logWeight, outNode.ID(), nil
}

// Constrain replaces node's value with val, marks it constrained, and
// reincorporates it under its PSP (spec §4.4). Propagation to
// descendants happens only through Lookup edges; downstream Output
// nodes are left untouched until a scaffold walks them.
func (t *Trace) Constrain(id node.ID, val value.Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.constrain(id, val)
}

func (t *Trace) constrain(id node.ID, val value.Value) error {
	n := t.arena.Get(id)
	if n == nil {
		return &InvariantViolation{Detail: fmt.Sprintf("node %d does not exist", id)}
	}
	sp, h, err := t.SPFor(id)
	if err != nil {
		return err
	}
	args, err := t.ArgsFor(id)
	if err != nil {
		return err
	}
	if _, assessable := sp.LogDensity(val, args); !assessable {
		return &NonAssessableError{Operator: t.spNames[h]}
	}
	if old, ok := n.Value(); ok {
		sp.Unincorporate(old, args)
	}
	n.SetValue(val)
	n.SetObserved(true)
	n.SetConstrained(true)
	sp.Incorporate(val, args)

	t.removeRandomChoice(id)
	t.addConstrainedChoice(id)

	t.propagateLookups(id, val)
	return nil
}

// Unconstrain releases id back into randomChoices without resampling
// its value — the resample is the caller's job (pkg/venture composes
// this with a single-site scaffold regen), matching SPEC_FULL.md §D's
// restored "unobserve" directive.
func (t *Trace) Unconstrain(id node.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.arena.Get(id)
	if n == nil {
		return &InvariantViolation{Detail: fmt.Sprintf("node %d does not exist", id)}
	}
	if !n.IsConstrained() {
		return fmt.Errorf("trace: node %d is not constrained", id)
	}
	n.SetConstrained(false)
	n.SetObserved(false)
	t.removeConstrainedChoice(id)
	if sp, _, err := t.SPFor(id); err == nil && sp.IsRandom() {
		t.addRandomChoice(id)
	}
	return nil
}

func (t *Trace) propagateLookups(id node.ID, val value.Value) {
	n := t.arena.Get(id)
	if n == nil {
		return
	}
	for _, cid := range n.Children() {
		c := t.arena.Get(cid)
		if c == nil || c.Kind() != node.Lookup {
			continue
		}
		c.SetValue(val)
		t.propagateLookups(cid, val)
	}
}

// UnevalFamily is the exact inverse of EvalFamily, walked in the
// opposite topological order (spec §4.4): it leaves the SP-family
// table, SPAux values, and randomChoices in the state that existed
// just before the original EvalFamily.
func (t *Trace) UnevalFamily(id node.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unevalFamily(id)
}

func (t *Trace) unevalFamily(id node.ID) error {
	n := t.arena.Get(id)
	if n == nil {
		return nil
	}
	switch n.Kind() {
	case node.Constant:
		t.arena.Free(id)
		return nil

	case node.Lookup:
		t.arena.Unwire(n.SourceNode(), id)
		t.arena.Free(id)
		return nil

	case node.Output:
		sp, h, err := t.SPFor(id)
		if err != nil {
			return err
		}
		args, err := t.ArgsFor(id)
		if err != nil {
			return err
		}
		if val, ok := n.Value(); ok {
			sp.Unincorporate(val, args)
		}
		t.removeRandomChoice(id)
		t.removeConstrainedChoice(id)

		for _, esr := range n.ESRParents() {
			t.arena.Unwire(esr, id)
		}
		t.arena.Unwire(n.OperatorNode(), id)
		for _, op := range n.OperandNodes() {
			t.arena.Unwire(op, id)
		}
		reqID := n.RequestNode()
		opID, operands := n.OperatorNode(), n.OperandNodes()
		t.arena.Unwire(reqID, id)
		t.arena.Free(id)

		if err := t.releaseRequestFamilies(h, reqID); err != nil {
			return err
		}
		if err := t.unevalFamily(reqID); err != nil {
			return err
		}
		if err := t.unevalFamily(opID); err != nil {
			return err
		}
		for _, op := range operands {
			if err := t.unevalFamily(op); err != nil {
				return err
			}
		}
		return nil

	case node.RequestNode:
		// Reached from the Output case above, which tears its request
		// node down right after itself (requests and outputs are
		// created and torn down together).
		t.arena.Unwire(n.OperatorNode(), id)
		for _, op := range n.OperandNodes() {
			t.arena.Unwire(op, id)
		}
		t.arena.Free(id)
		return nil

	default:
		return &InvariantViolation{Detail: "unknown node kind in unevalFamily"}
	}
}

// releaseRequestFamilies decrements the refcount for every family an
// output's request node referenced, recursively tearing down any
// family (brush) whose refcount hits zero.
func (t *Trace) releaseRequestFamilies(h SPHandle, reqID node.ID) error {
	reqNode := t.arena.Get(reqID)
	if reqNode == nil {
		return nil
	}
	ft := t.families[h]
	for _, rv := range reqNode.Requests() {
		r, ok := rv.AsRequest()
		if !ok {
			continue
		}
		root, last := ft.release(r.FamilyID)
		if !last {
			continue
		}
		ft.remove(r.FamilyID)
		if err := t.unevalFamily(root); err != nil {
			return err
		}
	}
	return nil
}

// resolveRequests resolves each request against h's family table —
// hit: reuse the existing root (bumping its refcount); miss: brush a
// fresh family via a recursive evalFamily and install it. Called by
// evalCombination; pkg/regen's forward pass repeats the same
// hit-or-brush steps through FamilyLookup/InstallFamily/EvalFamily,
// with an orphan claim tried before a brush (spec §4.4 step 3, §4.5
// brush). A nil request Env brushes with a nil environment, which a
// Literal-only expression never consults.
func (t *Trace) resolveRequests(h SPHandle, requests []*value.Request) (float64, []node.ID, error) {
	var logWeight float64
	ft := t.families[h]
	roots := make([]node.ID, 0, len(requests))
	for _, r := range requests {
		if root, hit := ft.lookup(r.FamilyID); hit {
			roots = append(roots, root)
			continue
		}
		subExpr, _ := r.Expression.(*expr.Expr)
		subEnv, _ := r.Env.(*env.Env)
		if subExpr == nil {
			return 0, nil, &InvariantViolation{Detail: "request miss with no expression to brush"}
		}
		w, root, err := t.evalFamily(subExpr, subEnv)
		if err != nil {
			return 0, nil, err
		}
		logWeight += w
		ft.install(r.FamilyID, root)
		roots = append(roots, root)
	}
	return logWeight, roots, nil
}

// ReleaseFamily decrements h's family-table refcount for familyID,
// reporting (root, true) if this was the last reference — the caller
// must then tear the family down via UnevalFamily and call
// RemoveFamily. Exported for pkg/regen, which must release the
// families an output's *old* requests referenced before wiring in the
// results of a fresh SimulateRequest call.
func (t *Trace) ReleaseFamily(h SPHandle, familyID string) (node.ID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.families[h].release(familyID)
}

func (t *Trace) RemoveFamily(h SPHandle, familyID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.families[h].remove(familyID)
}

// FamilyLookup reports the root for familyID under h, bumping its
// refcount on a hit — the same check-and-claim evalFamily performs on
// a request hit, exported for pkg/regen's forward pass.
func (t *Trace) FamilyLookup(h SPHandle, familyID string) (node.ID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.families[h].lookup(familyID)
}

// FamilyPeek is FamilyLookup without the refcount side effect.
func (t *Trace) FamilyPeek(h SPHandle, familyID string) (node.ID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.families[h].peek(familyID)
}

// InstallFamily registers root under familyID in h's family table with
// a fresh refcount of 1 — used both for a genuine brush miss and for
// pkg/regen reclaiming an orphaned (detached-but-not-yet-freed)
// family during a restore.
func (t *Trace) InstallFamily(h SPHandle, familyID string, root node.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.families[h].install(familyID, root)
}

// BuildArgs constructs a psp.Args from live node state: the current
// values of operandIDs and esrIDs, h's SPAux, and (for request-PSP
// args) the Request descriptor req. pkg/regen uses this instead of
// ArgsFor because, mid-regen, a node's own ESRParents bookkeeping may
// not yet reflect the edges this call is about to wire.
func (t *Trace) BuildArgs(h SPHandle, operandIDs, esrIDs []node.ID, req *value.Request, nodeID node.ID) (psp.Args, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	operands, err := t.valuesOf(operandIDs)
	if err != nil {
		return psp.Args{}, err
	}
	esrs, err := t.valuesOf(esrIDs)
	if err != nil {
		return psp.Args{}, err
	}
	return psp.Args{
		Operands: operands,
		ESRs:     esrs,
		Request:  req,
		Aux:      t.auxes[h],
		NodeID:   nodeID,
		Install:  t.installClosure(),
	}, nil
}

// MarkRandomChoice/UnmarkRandomChoice let pkg/regen update the
// randomChoices set directly when it resamples a node outside of
// EvalFamily's own bookkeeping.
func (t *Trace) MarkRandomChoice(id node.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addRandomChoice(id)
}

func (t *Trace) UnmarkRandomChoice(id node.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeRandomChoice(id)
}

// RegisterDirective records id's root for later ExtractValue lookups
// (spec §6).
func (t *Trace) RegisterDirective(id int, root node.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ventureFamilies[id] = root
}

func (t *Trace) DirectiveRoot(id int) (node.ID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.ventureFamilies[id]
	return r, ok
}

// ExtractValue returns the current value of directive id's root node.
func (t *Trace) ExtractValue(id int) (value.Value, error) {
	root, ok := t.DirectiveRoot(id)
	if !ok {
		return value.Value{}, fmt.Errorf("trace: no such directive %d", id)
	}
	n := t.arena.Get(root)
	if n == nil {
		return value.Value{}, &InvariantViolation{Detail: fmt.Sprintf("directive %d root node missing", id)}
	}
	v, ok := n.Value()
	if !ok {
		return value.Value{}, &InvariantViolation{Detail: fmt.Sprintf("directive %d root node has no value", id)}
	}
	return v, nil
}
