package builtins

import (
	"math"
	"math/rand"
	"sort"

	"github.com/gitrdm/venturecore/pkg/psp"
	"github.com/gitrdm/venturecore/pkg/trace"
	"github.com/gitrdm/venturecore/pkg/value"
)

// crpAux is the shared sufficient statistic of a made CRP instance:
// per-table customer counts plus the next unused table label. Every
// output node produced by the same make_crp call shares this aux
// (spec §4.5 AAA nodes — "its SPAux is shared by every output node
// downstream that was produced by the made SP").
type crpAux struct {
	counts    map[uint32]int
	total     int
	nextTable uint32
}

func newCRPAux() *crpAux { return &crpAux{counts: map[uint32]int{}} }

func (a *crpAux) Clone() psp.SPAux {
	cp := &crpAux{counts: make(map[uint32]int, len(a.counts)), total: a.total, nextTable: a.nextTable}
	for k, v := range a.counts {
		cp.counts[k] = v
	}
	return cp
}

// sortedTables lists the occupied tables in ascending order, so draws
// and enumerations do not depend on map iteration order.
func (a *crpAux) sortedTables() []uint32 {
	tables := make([]uint32, 0, len(a.counts))
	for table := range a.counts {
		tables = append(tables, table)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i] < tables[j] })
	return tables
}

// crpTableSP is the procedure value `(make_crp alpha)` evaluates to:
// each call draws a table assignment from a Chinese restaurant process
// with concentration alpha, exchangeably coupled through crpAux
// (builtin.cxx's "make_crp" table entry).
type crpTableSP struct{ alpha float64 }

func (c crpTableSP) Name() string   { return "crp_table" }
func (crpTableSP) IsRandom() bool   { return true }
func (c crpTableSP) Simulate(args psp.Args, rng *rand.Rand) (value.Value, error) {
	aux := args.Aux.(*crpAux)
	target := rng.Float64() * (float64(aux.total) + c.alpha)
	var cum float64
	for _, table := range aux.sortedTables() {
		cum += float64(aux.counts[table])
		if target < cum {
			return value.Atom(table), nil
		}
	}
	return value.Atom(aux.nextTable), nil
}
func (c crpTableSP) LogDensity(val value.Value, args psp.Args) (float64, bool) {
	aux := args.Aux.(*crpAux)
	table, ok := val.AsAtom()
	if !ok {
		return math.Inf(-1), true
	}
	denom := float64(aux.total) + c.alpha
	if count, seated := aux.counts[table]; seated {
		return math.Log(float64(count) / denom), true
	}
	return math.Log(c.alpha / denom), true
}
func (crpTableSP) Incorporate(val value.Value, args psp.Args) {
	aux := args.Aux.(*crpAux)
	table, ok := val.AsAtom()
	if !ok {
		return
	}
	aux.counts[table]++
	aux.total++
	if table >= aux.nextTable {
		aux.nextTable = table + 1
	}
}
func (crpTableSP) Unincorporate(val value.Value, args psp.Args) {
	aux := args.Aux.(*crpAux)
	table, ok := val.AsAtom()
	if !ok {
		return
	}
	aux.counts[table]--
	aux.total--
	if aux.counts[table] <= 0 {
		delete(aux.counts, table)
	}
}
func (crpTableSP) CanAbsorb(psp.Args) bool { return true }
func (crpTableSP) IsEnumerable() bool      { return true }
func (crpTableSP) EnumerateValues(args psp.Args, current value.Value) []value.Value {
	aux := args.Aux.(*crpAux)
	cur, _ := current.AsAtom()
	out := make([]value.Value, 0, len(aux.counts)+1)
	for _, table := range aux.sortedTables() {
		if table != cur {
			out = append(out, value.Atom(table))
		}
	}
	if aux.nextTable != cur {
		out = append(out, value.Atom(aux.nextTable))
	}
	return out
}
func (crpTableSP) IsRequester() bool { return false }
func (crpTableSP) SimulateRequest(psp.Args, *rand.Rand) ([]*value.Request, error) {
	return nil, nil
}
func (crpTableSP) HasLatents() bool { return false }
func (crpTableSP) SimulateLatents(psp.SPAux, bool, psp.LatentDB, *rand.Rand) (float64, psp.LatentDB, error) {
	return 0, nil, nil
}
func (crpTableSP) DetachLatents(psp.SPAux) (float64, psp.LatentDB, error) { return 0, nil, nil }
func (crpTableSP) NewAux() psp.SPAux                                     { return newCRPAux() }
func (crpTableSP) IsExchangeable() bool                                  { return true }

// makeCRPSP is "make_crp": a maker that takes a single concentration
// operand and installs a fresh crpTableSP.
type makeCRPSP struct{}

func (makeCRPSP) Name() string   { return "make_crp" }
func (makeCRPSP) IsRandom() bool { return false }
func (makeCRPSP) Simulate(args psp.Args, _ *rand.Rand) (value.Value, error) {
	if len(args.Operands) != 1 {
		return value.Value{}, &trace.ArityError{Operator: "make_crp", Expected: 1, Got: len(args.Operands)}
	}
	alpha, ok := args.Operands[0].AsNumber()
	if !ok {
		return value.Value{}, &trace.TypeError{Operator: "make_crp", Position: 0, Expected: "number", Got: args.Operands[0].Kind().String()}
	}
	if args.Install == nil {
		return value.Value{}, &trace.InvariantViolation{Detail: "make_crp: no installer available"}
	}
	return args.Install(crpTableSP{alpha: alpha}), nil
}
func (makeCRPSP) LogDensity(value.Value, psp.Args) (float64, bool) { return 0, false }
func (makeCRPSP) Incorporate(value.Value, psp.Args)                {}
func (makeCRPSP) Unincorporate(value.Value, psp.Args)              {}
func (makeCRPSP) CanAbsorb(psp.Args) bool                          { return false }
func (makeCRPSP) IsEnumerable() bool                               { return false }
func (makeCRPSP) EnumerateValues(psp.Args, value.Value) []value.Value {
	return nil
}
func (makeCRPSP) IsRequester() bool { return false }
func (makeCRPSP) SimulateRequest(psp.Args, *rand.Rand) ([]*value.Request, error) {
	return nil, nil
}
func (makeCRPSP) HasLatents() bool { return false }
func (makeCRPSP) SimulateLatents(psp.SPAux, bool, psp.LatentDB, *rand.Rand) (float64, psp.LatentDB, error) {
	return 0, nil, nil
}
func (makeCRPSP) DetachLatents(psp.SPAux) (float64, psp.LatentDB, error) { return 0, nil, nil }
func (makeCRPSP) NewAux() psp.SPAux                                     { return noAux{} }
func (makeCRPSP) IsExchangeable() bool                                  { return true }
