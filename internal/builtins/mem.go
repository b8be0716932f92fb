package builtins

import (
	"fmt"
	"math/rand"

	"github.com/gitrdm/venturecore/internal/expr"
	"github.com/gitrdm/venturecore/pkg/node"
	"github.com/gitrdm/venturecore/pkg/psp"
	"github.com/gitrdm/venturecore/pkg/trace"
	"github.com/gitrdm/venturecore/pkg/value"
)

// memSP is "mem" (spec §2/§4.5, builtin.cxx's "mem" entry): a maker
// whose output is a fresh procedure value wrapping its single operand.
// Applying the made procedure to the same argument values twice
// resolves to the same underlying family rather than re-simulating —
// exchangeable reuse, the defining AAA property (spec §4.5) — by
// deriving a deterministic FamilyID from the made instance's own node
// identity plus the operand values' structural hash, and leaning on
// trace.go's own family table (resolveRequests' "lookup-or-build" path)
// to do the actual caching, rather than keeping a private memo map.
type memSP struct{}

func (memSP) Name() string   { return "mem" }
func (memSP) IsRandom() bool { return false }
func (memSP) Simulate(args psp.Args, _ *rand.Rand) (value.Value, error) {
	if len(args.Operands) != 1 {
		return value.Value{}, &trace.ArityError{Operator: "mem", Expected: 1, Got: len(args.Operands)}
	}
	if _, ok := args.Operands[0].AsProc(); !ok {
		return value.Value{}, &trace.TypeError{Operator: "mem", Position: 0, Expected: "procedure", Got: args.Operands[0].Kind().String()}
	}
	if args.Install == nil {
		return value.Value{}, &trace.InvariantViolation{Detail: "mem: no installer available"}
	}
	made := memoizedSP{wrapped: args.Operands[0], instance: args.NodeID}
	return args.Install(made), nil
}
func (memSP) LogDensity(value.Value, psp.Args) (float64, bool) { return 0, false }
func (memSP) Incorporate(value.Value, psp.Args)                {}
func (memSP) Unincorporate(value.Value, psp.Args)              {}
func (memSP) CanAbsorb(psp.Args) bool                          { return false }
func (memSP) IsEnumerable() bool                               { return false }
func (memSP) EnumerateValues(psp.Args, value.Value) []value.Value {
	return nil
}
func (memSP) IsRequester() bool { return false }
func (memSP) SimulateRequest(psp.Args, *rand.Rand) ([]*value.Request, error) {
	return nil, nil
}
func (memSP) HasLatents() bool { return false }
func (memSP) SimulateLatents(psp.SPAux, bool, psp.LatentDB, *rand.Rand) (float64, psp.LatentDB, error) {
	return 0, nil, nil
}
func (memSP) DetachLatents(psp.SPAux) (float64, psp.LatentDB, error) { return 0, nil, nil }
func (memSP) NewAux() psp.SPAux                                     { return noAux{} }

// IsExchangeable marks mem itself as an AAA node (psp.MakerSP, spec
// §4.5): each application's made procedure is a distinct instance, but
// the application node's own incorporation is exchangeably coupled
// like any other maker listed in psp.MakerSP's doc comment.
func (memSP) IsExchangeable() bool { return true }

// memoizedSP is the procedure value (mem f) evaluates to. instance
// pins the FamilyID namespace to this particular made instance, so two
// separate `(mem f)` applications never collide even when called with
// identical arguments.
type memoizedSP struct {
	wrapped  value.Value
	instance node.ID
}

func (m memoizedSP) Name() string   { return "memoized" }
func (memoizedSP) IsRandom() bool   { return false }
func (m memoizedSP) Simulate(args psp.Args, _ *rand.Rand) (value.Value, error) {
	if len(args.ESRs) != 1 {
		return value.Value{}, &trace.InvariantViolation{Detail: "memoized: expected exactly one ESR"}
	}
	return args.ESRs[0], nil
}
func (memoizedSP) LogDensity(value.Value, psp.Args) (float64, bool) { return 0, true }
func (memoizedSP) Incorporate(value.Value, psp.Args)                {}
func (memoizedSP) Unincorporate(value.Value, psp.Args)              {}
func (memoizedSP) CanAbsorb(psp.Args) bool                          { return false }
func (memoizedSP) IsEnumerable() bool                               { return false }
func (memoizedSP) EnumerateValues(psp.Args, value.Value) []value.Value {
	return nil
}
func (memoizedSP) IsRequester() bool { return true }
func (m memoizedSP) SimulateRequest(args psp.Args, _ *rand.Rand) ([]*value.Request, error) {
	var key uint64 = 1469598103934665603
	for _, v := range args.Operands {
		key ^= v.Hash()
		key *= 1099511628211
	}
	litArgs := make([]*expr.Expr, 0, len(args.Operands)+1)
	litArgs = append(litArgs, expr.NewLiteral(m.wrapped))
	for _, v := range args.Operands {
		litArgs = append(litArgs, expr.NewLiteral(v))
	}
	return []*value.Request{{
		FamilyID:   fmt.Sprintf("mem:%d:%d", m.instance, key),
		Expression: expr.NewCombination(litArgs),
		Env:        nil,
	}}, nil
}
func (memoizedSP) HasLatents() bool { return false }
func (memoizedSP) SimulateLatents(psp.SPAux, bool, psp.LatentDB, *rand.Rand) (float64, psp.LatentDB, error) {
	return 0, nil, nil
}
func (memoizedSP) DetachLatents(psp.SPAux) (float64, psp.LatentDB, error) { return 0, nil, nil }
func (memoizedSP) NewAux() psp.SPAux                                     { return noAux{} }
func (memoizedSP) IsExchangeable() bool                                  { return true }
