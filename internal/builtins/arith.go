// Package builtins implements the concrete stochastic-procedure
// library: the fixed name table spec §6 calls "External Interfaces"
// (arithmetic, comparisons, booleans, collections, distributions,
// control flow, and the exchangeable AAA makers mem/CRP/Dirichlet-
// multinomial). Register installs the whole table into a trace's
// global environment in one ordered pass, mirroring the original's
// initBuiltInSPs (original_source/backend/cxx/src/builtin.cxx):
// fatal on duplicate name, no lazy/discoverable registry.
//
// Every SP here is a plain, stateless value except the AAA makers
// (mem.go, crp.go, dirmult.go), whose SPAux carries the sufficient
// statistics spec §4.5 requires.
package builtins

import (
	"math"
	"math/rand"

	"github.com/gitrdm/venturecore/pkg/psp"
	"github.com/gitrdm/venturecore/pkg/trace"
	"github.com/gitrdm/venturecore/pkg/value"
)

// noAux is the zero-state SPAux shared by every deterministic and
// memoryless-random builtin: Incorporate/Unincorporate are no-ops for
// these SPs, so there is nothing to clone.
type noAux struct{}

func (noAux) Clone() psp.SPAux { return noAux{} }

func operandNumbers(op string, args psp.Args, n int) ([]float64, error) {
	if len(args.Operands) != n {
		return nil, &trace.ArityError{Operator: op, Expected: n, Got: len(args.Operands)}
	}
	out := make([]float64, n)
	for i, v := range args.Operands {
		f, ok := v.AsNumber()
		if !ok {
			return nil, &trace.TypeError{Operator: op, Position: i, Expected: "number", Got: v.Kind().String()}
		}
		out[i] = f
	}
	return out, nil
}

// deterministicSP is the common shape of every SP whose output is a
// pure function of its operands: logDensity is 0 on the exact result
// and -Inf everywhere else (spec §4.3), never a lenient epsilon match,
// per original_source/backend/cxx/src/sps/number.cxx.
type deterministicSP struct {
	name string
	fn   func(args psp.Args) (value.Value, error)
}

func (d deterministicSP) Name() string   { return d.name }
func (d deterministicSP) IsRandom() bool { return false }
func (d deterministicSP) Simulate(args psp.Args, _ *rand.Rand) (value.Value, error) {
	return d.fn(args)
}
func (d deterministicSP) LogDensity(val value.Value, args psp.Args) (float64, bool) {
	want, err := d.fn(args)
	if err != nil {
		return math.Inf(-1), true
	}
	if want.Equal(val) {
		return 0, true
	}
	return math.Inf(-1), true
}
func (deterministicSP) Incorporate(value.Value, psp.Args)   {}
func (deterministicSP) Unincorporate(value.Value, psp.Args) {}
func (deterministicSP) CanAbsorb(psp.Args) bool             { return false }
func (deterministicSP) IsEnumerable() bool                  { return false }
func (deterministicSP) EnumerateValues(psp.Args, value.Value) []value.Value {
	return nil
}
func (deterministicSP) IsRequester() bool { return false }
func (deterministicSP) SimulateRequest(psp.Args, *rand.Rand) ([]*value.Request, error) {
	return nil, nil
}
func (deterministicSP) HasLatents() bool { return false }
func (deterministicSP) SimulateLatents(psp.SPAux, bool, psp.LatentDB, *rand.Rand) (float64, psp.LatentDB, error) {
	return 0, nil, nil
}
func (deterministicSP) DetachLatents(psp.SPAux) (float64, psp.LatentDB, error) { return 0, nil, nil }
func (deterministicSP) NewAux() psp.SPAux                                     { return noAux{} }

func plusSP() psp.SP {
	return deterministicSP{name: "plus", fn: func(args psp.Args) (value.Value, error) {
		var sum float64
		for i, v := range args.Operands {
			f, ok := v.AsNumber()
			if !ok {
				return value.Value{}, &trace.TypeError{Operator: "plus", Position: i, Expected: "number", Got: v.Kind().String()}
			}
			sum += f
		}
		return value.Number(sum), nil
	}}
}

func timesSP() psp.SP {
	return deterministicSP{name: "times", fn: func(args psp.Args) (value.Value, error) {
		prod := 1.0
		for i, v := range args.Operands {
			f, ok := v.AsNumber()
			if !ok {
				return value.Value{}, &trace.TypeError{Operator: "times", Position: i, Expected: "number", Got: v.Kind().String()}
			}
			prod *= f
		}
		return value.Number(prod), nil
	}}
}

func binaryNumSP(name string, op func(a, b float64) float64) psp.SP {
	return deterministicSP{name: name, fn: func(args psp.Args) (value.Value, error) {
		nums, err := operandNumbers(name, args, 2)
		if err != nil {
			return value.Value{}, err
		}
		return value.Number(op(nums[0], nums[1])), nil
	}}
}

func binaryBoolSP(name string, op func(a, b float64) bool) psp.SP {
	return deterministicSP{name: name, fn: func(args psp.Args) (value.Value, error) {
		nums, err := operandNumbers(name, args, 2)
		if err != nil {
			return value.Value{}, err
		}
		return value.Bool(op(nums[0], nums[1])), nil
	}}
}

func minusSP() psp.SP  { return binaryNumSP("minus", func(a, b float64) float64 { return a - b }) }
func divSP() psp.SP    { return binaryNumSP("div", func(a, b float64) float64 { return a / b }) }
func powerSP() psp.SP  { return binaryNumSP("power", math.Pow) }
func eqSP() psp.SP     { return binaryBoolSP("eq", func(a, b float64) bool { return a == b }) }
func gtSP() psp.SP     { return binaryBoolSP("gt", func(a, b float64) bool { return a > b }) }
func ltSP() psp.SP     { return binaryBoolSP("lt", func(a, b float64) bool { return a < b }) }
func gteSP() psp.SP    { return binaryBoolSP("gte", func(a, b float64) bool { return a >= b }) }
func lteSP() psp.SP    { return binaryBoolSP("lte", func(a, b float64) bool { return a <= b }) }

func realSP() psp.SP {
	return deterministicSP{name: "real", fn: func(args psp.Args) (value.Value, error) {
		if len(args.Operands) != 1 {
			return value.Value{}, &trace.ArityError{Operator: "real", Expected: 1, Got: len(args.Operands)}
		}
		a, ok := args.Operands[0].AsAtom()
		if !ok {
			return value.Value{}, &trace.TypeError{Operator: "real", Position: 0, Expected: "atom", Got: args.Operands[0].Kind().String()}
		}
		return value.Number(float64(a)), nil
	}}
}

func atomEqSP() psp.SP {
	return deterministicSP{name: "atom_eq", fn: func(args psp.Args) (value.Value, error) {
		if len(args.Operands) != 2 {
			return value.Value{}, &trace.ArityError{Operator: "atom_eq", Expected: 2, Got: len(args.Operands)}
		}
		a, ok1 := args.Operands[0].AsAtom()
		b, ok2 := args.Operands[1].AsAtom()
		if !ok1 || !ok2 {
			return value.Value{}, &trace.TypeError{Operator: "atom_eq", Position: 0, Expected: "atom", Got: args.Operands[0].Kind().String()}
		}
		return value.Bool(a == b), nil
	}}
}
