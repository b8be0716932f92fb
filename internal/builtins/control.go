package builtins

import (
	"math/rand"

	"github.com/google/uuid"

	"github.com/gitrdm/venturecore/internal/expr"
	"github.com/gitrdm/venturecore/pkg/psp"
	"github.com/gitrdm/venturecore/pkg/trace"
	"github.com/gitrdm/venturecore/pkg/value"
)

// branchSP is "branch"/"biplex": a single SP instance plays both the
// request-PSP role (SimulateRequest, dispatched when installed on a
// Request node) and the output-PSP role (Simulate/Incorporate,
// dispatched when installed on the paired Output node) — trace.go's
// evalCombination installs exactly one SP per application and calls
// both roles on it, so unlike the original C++'s maker-produced
// (requestPSP, outputPSP) pair, there is nothing here to "make": every
// application of branch reuses the same registered instance.
//
// SimulateRequest picks one of two already-evaluated zero-argument
// procedure operands (the thunk convention — evaluating a compound
// procedure's *value* never runs its body) and requests a brush
// application of exactly that one, so the untaken branch's body is
// never evaluated. Simulate then forwards the resolved ESR value,
// exactly original_source/backend/new_cxx/src/sps/csp.cxx's
// ESRRefOutputPSP. Grounded on builtin.cxx's "branch"/"biplex" table
// entries.
//
// Each request gets a fresh uuid FamilyID: branch is not exchangeable
// like mem, so every call brushes a new family rather than reusing one
// (spec §4.4 step 3, "callers that want a guaranteed one-off
// instantiation ... pass a key nothing else can produce").
type branchSP struct{ name string }

func (b branchSP) Name() string   { return b.name }
func (branchSP) IsRandom() bool   { return false }
func (b branchSP) Simulate(args psp.Args, _ *rand.Rand) (value.Value, error) {
	if len(args.ESRs) != 1 {
		return value.Value{}, &trace.InvariantViolation{Detail: b.name + ": expected exactly one ESR"}
	}
	return args.ESRs[0], nil
}
func (branchSP) LogDensity(value.Value, psp.Args) (float64, bool) { return 0, true }
func (branchSP) Incorporate(value.Value, psp.Args)                {}
func (branchSP) Unincorporate(value.Value, psp.Args)              {}
func (branchSP) CanAbsorb(psp.Args) bool                          { return false }
func (branchSP) IsEnumerable() bool                               { return false }
func (branchSP) EnumerateValues(psp.Args, value.Value) []value.Value {
	return nil
}
func (branchSP) IsRequester() bool { return true }
func (b branchSP) SimulateRequest(args psp.Args, _ *rand.Rand) ([]*value.Request, error) {
	if len(args.Operands) != 3 {
		return nil, &trace.ArityError{Operator: b.name, Expected: 3, Got: len(args.Operands)}
	}
	pred := args.Operands[0]
	chosen := args.Operands[2]
	if pred.IsTrue() {
		chosen = args.Operands[1]
	}
	if _, ok := chosen.AsProc(); !ok {
		return nil, &trace.TypeError{Operator: b.name, Position: 1, Expected: "procedure", Got: chosen.Kind().String()}
	}
	return []*value.Request{{
		FamilyID:   uuid.NewString(),
		Expression: expr.NewCombination([]*expr.Expr{expr.NewLiteral(chosen)}),
		Env:        nil,
	}}, nil
}
func (branchSP) HasLatents() bool { return false }
func (branchSP) SimulateLatents(psp.SPAux, bool, psp.LatentDB, *rand.Rand) (float64, psp.LatentDB, error) {
	return 0, nil, nil
}
func (branchSP) DetachLatents(psp.SPAux) (float64, psp.LatentDB, error) { return 0, nil, nil }
func (branchSP) NewAux() psp.SPAux                                     { return noAux{} }
