// Package psp defines the stochastic-procedure capability interface
// (spec §4.3): the uniform contract every inference kernel calls
// through without ever knowing the concrete SP. This is the direct
// generalization of the teacher's Constraint interface
// (constraint_store.go) — a single capability surface ("IsLocal",
// "Check", "Variables") that kernels dispatch on without a type switch.
package psp

import (
	"math/rand"

	"github.com/gitrdm/venturecore/pkg/node"
	"github.com/gitrdm/venturecore/pkg/value"
)

// Args bundles everything an SP needs to simulate, assess, or
// incorporate a value: the operand values (already walked to their
// current node values), any ESR values (from reused/brushed request
// families), the request value that produced them (nil for non-request
// SPs), and a handle to this SP instance's auxiliary state. Per the
// Open Question in spec §9, Args is the canonical shape — no
// Node-based signature exists anywhere in this codebase.
type Args struct {
	Operands []value.Value
	ESRs     []value.Value
	Request  *value.Request
	Aux      SPAux
	NodeID   node.ID

	// Install lets a "maker" SP (spec §4.5 AAA nodes: an exchangeably
	// coupled SP whose output is itself a procedure, e.g. make_crp,
	// make_sym_dir_mult, mem) register a freshly constructed SP instance
	// with the owning trace and get back the value.Value (KindProcedure)
	// to return from Simulate. nil for SPs that never produce a new SP
	// instance.
	Install func(SP) value.Value
}

// SPAux is per-SP-instance auxiliary state (sufficient statistics,
// particle state, latent variables). Concrete SPs define their own
// type satisfying this interface; the trace only ever touches it
// through Incorporate/Unincorporate, never by reaching into fields
// (spec §3 invariant 4).
type SPAux interface {
	// Clone deep-copies the aux state, used when AAA nodes rebuild
	// their SPAux from scratch (spec §4.5 AAA nodes).
	Clone() SPAux
}

// LatentDB is the opaque per-family latent state snapshot SPs with
// simulateLatents/detachLatents use to save/restore hidden state
// across a detach/regen cycle (spec §4.3, and the Open Question about
// DB::getLatentDB in spec §9 — this is the "stored handle" the
// rollback DB returns).
type LatentDB interface{}

// SP is the capability interface every kernel speaks. An SP need not
// implement every optional method meaningfully — e.g. a deterministic
// SP's LogDensity returns 0/-Inf per spec §4.3, and CanAbsorb/
// EnumerateValues/SimulateLatents are no-ops for SPs without that
// capability (reported via the Is* predicates below).
type SP interface {
	// Name identifies the SP for error messages and logging (spec §7:
	// "reported with operator name and position").
	Name() string

	// IsRandom reports whether output values are drawn from a
	// non-deterministic distribution (spec §3 invariant 3).
	IsRandom() bool

	// Simulate draws a fresh output conditional on args. Must be a
	// sample from the distribution LogDensity reports (spec §4.3).
	Simulate(args Args, rng *rand.Rand) (value.Value, error)

	// LogDensity returns log P(val | args). Deterministic SPs return 0
	// on the single correct output and math.Inf(-1) otherwise. Returns
	// (0, false) if the SP is not assessable.
	LogDensity(val value.Value, args Args) (float64, bool)

	// Incorporate/Unincorporate update Aux to reflect a new/removed
	// output attachment. Must be exact inverses (spec §4.3).
	Incorporate(val value.Value, args Args)
	Unincorporate(val value.Value, args Args)

	// CanAbsorb reports whether a parent's value may change while this
	// node's value is held fixed, paying only a log-density delta
	// (spec §4.3, §4.5).
	CanAbsorb(args Args) bool

	// IsEnumerable reports whether EnumerateValues is meaningful.
	IsEnumerable() bool
	// EnumerateValues lists the finite support minus the current
	// value, for Gibbs proposals (spec §4.3).
	EnumerateValues(args Args, current value.Value) []value.Value

	// IsRequester reports whether this SP has a request-PSP (i.e. is
	// installed on Request nodes, not Output nodes).
	IsRequester() bool
	// SimulateRequest produces zero or more Requests (spec §4.3,
	// request-PSPs only).
	SimulateRequest(args Args, rng *rand.Rand) ([]*value.Request, error)

	// HasLatents reports whether SimulateLatents/DetachLatents are
	// meaningful for this SP (e.g. a lazy HMM's hidden state chain).
	HasLatents() bool
	// SimulateLatents (re)samples or restores hidden per-family state,
	// returning the log-weight contribution. shouldRestore selects the
	// reject-path semantics (restore latentDB) vs forward simulation.
	SimulateLatents(aux SPAux, shouldRestore bool, latentDB LatentDB, rng *rand.Rand) (float64, LatentDB, error)
	// DetachLatents is the reverse of SimulateLatents: tears down
	// hidden state, returning the log-weight contribution and a
	// snapshot to save in the rollback DB.
	DetachLatents(aux SPAux) (float64, LatentDB, error)

	// NewAux constructs a fresh, empty SPAux instance for a new SP
	// installation (e.g. a fresh `(make_sym_dir_mult ...)` call).
	NewAux() SPAux
}

// MakerSP is implemented by SPs whose output is itself an SP instance
// (e.g. make_sym_dir_mult, mem, make_crp) — the "exchangeably coupled
// random procedures" of spec §2/§4.5 (AAA nodes). The scaffold treats
// the output node of a MakerSP specially: its SPAux is shared by every
// output node downstream that was produced by the made SP.
type MakerSP interface {
	SP
	// IsExchangeable reports whether downstream incorporations can be
	// undone/redone in any order (the defining property of AAA nodes,
	// spec §4.5).
	IsExchangeable() bool
}
