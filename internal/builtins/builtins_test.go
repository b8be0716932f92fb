package builtins

import (
	"math"
	"testing"

	"github.com/gitrdm/venturecore/internal/expr"
	"github.com/gitrdm/venturecore/pkg/trace"
	"github.com/gitrdm/venturecore/pkg/value"
)

func newTrace(t *testing.T, seed int64) *trace.Trace {
	t.Helper()
	tr := trace.New(seed, nil)
	if err := Register(tr); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return tr
}

func eval(t *testing.T, tr *trace.Trace, parts ...*expr.Expr) value.Value {
	t.Helper()
	_, root, err := tr.EvalFamily(expr.NewCombination(parts), tr.GlobalEnv())
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	v, ok := tr.Arena().Get(root).Value()
	if !ok {
		t.Fatalf("eval: node has no value")
	}
	return v
}

func num(f float64) *expr.Expr { return expr.NewLiteral(value.Number(f)) }
func sym(s string) *expr.Expr  { return expr.NewSym(s) }

func TestArithmetic(t *testing.T) {
	tr := newTrace(t, 1)
	got := eval(t, tr, sym("plus"), num(2), num(3), num(4))
	if n, _ := got.AsNumber(); n != 9 {
		t.Fatalf("plus: want 9, got %v", n)
	}
	got = eval(t, tr, sym("minus"), num(5), num(2))
	if n, _ := got.AsNumber(); n != 3 {
		t.Fatalf("minus: want 3, got %v", n)
	}
	got = eval(t, tr, sym("gt"), num(5), num(2))
	if b, _ := got.AsBool(); !b {
		t.Fatalf("gt: want true")
	}
}

func TestCollections(t *testing.T) {
	tr := newTrace(t, 1)
	got := eval(t, tr, sym("pair"), num(1), num(2))
	car, cdr, ok := got.AsPair()
	if !ok {
		t.Fatalf("pair: not a pair")
	}
	if n, _ := car.AsNumber(); n != 1 {
		t.Fatalf("first of pair: want 1, got %v", n)
	}
	if n, _ := cdr.AsNumber(); n != 2 {
		t.Fatalf("rest of pair: want 2, got %v", n)
	}

	lst := eval(t, tr, sym("list"), num(1), num(2), num(3))
	second := eval(t, tr, sym("list_ref"), expr.NewLiteral(lst), num(1))
	if n, _ := second.AsNumber(); n != 2 {
		t.Fatalf("list_ref: want 2, got %v", n)
	}
}

func TestBernoulliEnumerateAndAssess(t *testing.T) {
	tr := newTrace(t, 1)
	sp := bernoulliSP("flip")
	_, root, err := tr.EvalFamily(expr.NewCombination([]*expr.Expr{sym("flip"), num(0.75)}), tr.GlobalEnv())
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	args, err := tr.ArgsFor(root)
	if err != nil {
		t.Fatalf("ArgsFor: %v", err)
	}
	ld, ok := sp.LogDensity(value.Bool(true), args)
	if !ok {
		t.Fatalf("flip: expected assessable")
	}
	if math.Abs(ld-math.Log(0.75)) > 1e-9 {
		t.Fatalf("flip logDensity: want log(0.75), got %v", ld)
	}
	others := sp.EnumerateValues(args, value.Bool(true))
	if len(others) != 1 {
		t.Fatalf("flip enumerate: want 1 alternative, got %d", len(others))
	}
	if b, _ := others[0].AsBool(); b {
		t.Fatalf("flip enumerate: alternative to true should be false")
	}
}

func TestCategoricalUnNormalizedWeights(t *testing.T) {
	// Weights are consumed exactly as given, per the documented
	// un-normalized-weights contract (discrete.cxx never divides by
	// the weight sum either) — a vector summing to 10 still yields a
	// valid log-density for each index computed against the raw
	// weight, not weight/sum.
	sp := categoricalSP()
	tr := newTrace(t, 2)
	weights := value.Array([]value.Value{value.Number(1), value.Number(4), value.Number(5)})
	_, root, err := tr.EvalFamily(expr.NewCombination([]*expr.Expr{
		sym("categorical"),
		expr.NewLiteral(weights),
	}), tr.GlobalEnv())
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	args, err := tr.ArgsFor(root)
	if err != nil {
		t.Fatalf("ArgsFor: %v", err)
	}
	ld, ok := sp.LogDensity(value.Number(1), args)
	if !ok {
		t.Fatalf("categorical: expected assessable")
	}
	if math.Abs(ld-math.Log(4)) > 1e-9 {
		t.Fatalf("categorical logDensity: want log(4) (un-normalized), got %v", ld)
	}
}

func TestCRPExchangeableSeating(t *testing.T) {
	tr := newTrace(t, 3)
	procVal := eval(t, tr, sym("make_crp"), num(1.0))
	h, ok := procVal.AsProc()
	if !ok {
		t.Fatalf("make_crp: expected procedure value")
	}
	_ = h
	// A fresh CRP always seats its first customer at a brand-new table.
	_, root, err := tr.EvalFamily(expr.NewCombination([]*expr.Expr{
		expr.NewLiteral(procVal),
	}), tr.GlobalEnv())
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	v, ok := tr.Arena().Get(root).Value()
	if !ok {
		t.Fatalf("crp: no value")
	}
	if a, ok := v.AsAtom(); !ok || a != 0 {
		t.Fatalf("crp: first customer should seat at table 0, got %v", v)
	}
}

func TestMemReusesFamilyForEqualArguments(t *testing.T) {
	tr := newTrace(t, 4)
	f := eval(t, tr, sym("mem"), expr.NewLiteral(procHandleOf(t, tr, "plus")))
	_, r1, err := tr.EvalFamily(expr.NewCombination([]*expr.Expr{expr.NewLiteral(f), num(1), num(2)}), tr.GlobalEnv())
	if err != nil {
		t.Fatalf("eval 1: %v", err)
	}
	_, r2, err := tr.EvalFamily(expr.NewCombination([]*expr.Expr{expr.NewLiteral(f), num(1), num(2)}), tr.GlobalEnv())
	if err != nil {
		t.Fatalf("eval 2: %v", err)
	}
	v1, _ := tr.Arena().Get(r1).Value()
	v2, _ := tr.Arena().Get(r2).Value()
	if n, _ := v1.AsNumber(); n != 3 {
		t.Fatalf("mem: want 3, got %v", n)
	}
	if !v1.Equal(v2) {
		t.Fatalf("mem: equal calls should resolve to equal cached values")
	}
	e1 := tr.Arena().Get(r1).ESRParents()
	e2 := tr.Arena().Get(r2).ESRParents()
	if len(e1) != 1 || len(e2) != 1 || e1[0] != e2[0] {
		t.Fatalf("mem: equal calls should share one cached family, got ESR roots %v and %v", e1, e2)
	}
}

func procHandleOf(t *testing.T, tr *trace.Trace, name string) value.Value {
	t.Helper()
	id, _, ok := tr.GlobalEnv().Lookup(name)
	if !ok {
		t.Fatalf("builtin %q not registered", name)
	}
	v, ok := tr.Arena().Get(id).Value()
	if !ok {
		t.Fatalf("builtin %q has no value", name)
	}
	return v
}
