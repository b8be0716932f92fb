package trace

import (
	"math"
	"math/rand"
	"testing"

	"github.com/gitrdm/venturecore/internal/expr"
	"github.com/gitrdm/venturecore/pkg/psp"
	"github.com/gitrdm/venturecore/pkg/value"
)

// addSP is a deterministic two-argument addition SP, used across these
// tests the way the teacher's tests lean on a trivial ground fact
// ("rabbit", "fox") rather than a realistic domain (core_test.go).
type addSP struct{}

func (addSP) Name() string   { return "add" }
func (addSP) IsRandom() bool { return false }
func (addSP) Simulate(args psp.Args, _ *rand.Rand) (value.Value, error) {
	a, _ := args.Operands[0].AsNumber()
	b, _ := args.Operands[1].AsNumber()
	return value.Number(a + b), nil
}
func (addSP) LogDensity(val value.Value, args psp.Args) (float64, bool) {
	a, _ := args.Operands[0].AsNumber()
	b, _ := args.Operands[1].AsNumber()
	v, _ := val.AsNumber()
	if v == a+b {
		return 0, true
	}
	return math.Inf(-1), true
}
func (addSP) Incorporate(value.Value, psp.Args)   {}
func (addSP) Unincorporate(value.Value, psp.Args) {}
func (addSP) CanAbsorb(psp.Args) bool             { return true }
func (addSP) IsEnumerable() bool                  { return false }
func (addSP) EnumerateValues(psp.Args, value.Value) []value.Value {
	return nil
}
func (addSP) IsRequester() bool { return false }
func (addSP) SimulateRequest(psp.Args, *rand.Rand) ([]*value.Request, error) {
	return nil, nil
}
func (addSP) HasLatents() bool { return false }
func (addSP) SimulateLatents(psp.SPAux, bool, psp.LatentDB, *rand.Rand) (float64, psp.LatentDB, error) {
	return 0, nil, nil
}
func (addSP) DetachLatents(psp.SPAux) (float64, psp.LatentDB, error) { return 0, nil, nil }
func (addSP) NewAux() psp.SPAux                                     { return noAux{} }

// flipSP is a fair-coin Bernoulli SP: random, assessable, exercises
// randomChoices bookkeeping and the constrain/unconstrain path.
type flipSP struct{}

func (flipSP) Name() string   { return "flip" }
func (flipSP) IsRandom() bool { return true }
func (flipSP) Simulate(_ psp.Args, rng *rand.Rand) (value.Value, error) {
	return value.Bool(rng.Float64() < 0.5), nil
}
func (flipSP) LogDensity(val value.Value, _ psp.Args) (float64, bool) {
	if _, ok := val.AsBool(); !ok {
		return 0, false
	}
	return math.Log(0.5), true
}
func (flipSP) Incorporate(value.Value, psp.Args)   {}
func (flipSP) Unincorporate(value.Value, psp.Args) {}
func (flipSP) CanAbsorb(psp.Args) bool             { return true }
func (flipSP) IsEnumerable() bool                  { return true }
func (flipSP) EnumerateValues(_ psp.Args, current value.Value) []value.Value {
	cur, _ := current.AsBool()
	return []value.Value{value.Bool(!cur)}
}
func (flipSP) IsRequester() bool { return false }
func (flipSP) SimulateRequest(psp.Args, *rand.Rand) ([]*value.Request, error) {
	return nil, nil
}
func (flipSP) HasLatents() bool { return false }
func (flipSP) SimulateLatents(psp.SPAux, bool, psp.LatentDB, *rand.Rand) (float64, psp.LatentDB, error) {
	return 0, nil, nil
}
func (flipSP) DetachLatents(psp.SPAux) (float64, psp.LatentDB, error) { return 0, nil, nil }
func (flipSP) NewAux() psp.SPAux                                     { return noAux{} }

type noAux struct{}

func (noAux) Clone() psp.SPAux { return noAux{} }

func newTestTrace(t *testing.T) *Trace {
	t.Helper()
	tr := New(42, nil)
	if _, err := tr.RegisterProcedure("add", addSP{}); err != nil {
		t.Fatalf("register add: %v", err)
	}
	if _, err := tr.RegisterProcedure("flip", flipSP{}); err != nil {
		t.Fatalf("register flip: %v", err)
	}
	return tr
}

func TestEvalFamilyLiteral(t *testing.T) {
	tr := newTestTrace(t)
	w, root, err := tr.EvalFamily(expr.NewLiteral(value.Number(7)), tr.GlobalEnv())
	if err != nil {
		t.Fatalf("EvalFamily: %v", err)
	}
	if w != 0 {
		t.Fatalf("expected zero log-weight for a literal, got %v", w)
	}
	v, ok := tr.Arena().Get(root).Value()
	if !ok {
		t.Fatalf("root node has no value")
	}
	n, _ := v.AsNumber()
	if n != 7 {
		t.Fatalf("expected 7, got %v", n)
	}
}

func TestEvalFamilyCombination(t *testing.T) {
	tr := newTestTrace(t)
	ex := expr.NewCombination([]*expr.Expr{
		expr.NewSym("add"),
		expr.NewLiteral(value.Number(2)),
		expr.NewLiteral(value.Number(3)),
	})
	_, root, err := tr.EvalFamily(ex, tr.GlobalEnv())
	if err != nil {
		t.Fatalf("EvalFamily: %v", err)
	}
	v, _ := tr.Arena().Get(root).Value()
	n, _ := v.AsNumber()
	if n != 5 {
		t.Fatalf("expected 5, got %v", n)
	}
	if tr.NumRandomChoices() != 0 {
		t.Fatalf("add is deterministic: expected 0 random choices, got %d", tr.NumRandomChoices())
	}
}

func TestEvalFamilyRandomChoiceBookkeeping(t *testing.T) {
	tr := newTestTrace(t)
	ex := expr.NewCombination([]*expr.Expr{expr.NewSym("flip")})
	_, root, err := tr.EvalFamily(ex, tr.GlobalEnv())
	if err != nil {
		t.Fatalf("EvalFamily: %v", err)
	}
	if tr.NumRandomChoices() != 1 {
		t.Fatalf("expected 1 random choice after flip, got %d", tr.NumRandomChoices())
	}
	choices := tr.RandomChoices()
	if len(choices) != 1 || choices[0] != root {
		t.Fatalf("random choice set should contain exactly the flip output node")
	}
}

func TestConstrainMovesRandomToConstrained(t *testing.T) {
	tr := newTestTrace(t)
	ex := expr.NewCombination([]*expr.Expr{expr.NewSym("flip")})
	_, root, err := tr.EvalFamily(ex, tr.GlobalEnv())
	if err != nil {
		t.Fatalf("EvalFamily: %v", err)
	}
	if err := tr.Constrain(root, value.Bool(true)); err != nil {
		t.Fatalf("Constrain: %v", err)
	}
	if tr.NumRandomChoices() != 0 {
		t.Fatalf("constrained node must leave randomChoices, got %d remaining", tr.NumRandomChoices())
	}
	cc := tr.ConstrainedChoices()
	if len(cc) != 1 || cc[0] != root {
		t.Fatalf("expected root in constrainedChoices")
	}
	v, _ := tr.Arena().Get(root).Value()
	b, _ := v.AsBool()
	if !b {
		t.Fatalf("expected constrained value true, got %v", b)
	}

	if err := tr.Unconstrain(root); err != nil {
		t.Fatalf("Unconstrain: %v", err)
	}
	if tr.NumRandomChoices() != 1 {
		t.Fatalf("expected node back in randomChoices after Unconstrain, got %d", tr.NumRandomChoices())
	}
	if len(tr.ConstrainedChoices()) != 0 {
		t.Fatalf("expected no constrained choices after Unconstrain")
	}
}

// TestConstrainAcceptsOffSupportValueWithNegInfDensity checks a spec §8
// boundary case: add IS assessable, so constraining it to a value
// outside its support does not hit the NonAssessableError path —
// LogDensity still answers (true) but with -Inf, which Constrain must
// accept (density, not support, governs assessability).
func TestConstrainAcceptsOffSupportValueWithNegInfDensity(t *testing.T) {
	tr := newTestTrace(t)
	ex := expr.NewCombination([]*expr.Expr{
		expr.NewSym("add"),
		expr.NewLiteral(value.Number(2)),
		expr.NewLiteral(value.Number(3)),
	})
	_, root, err := tr.EvalFamily(ex, tr.GlobalEnv())
	if err != nil {
		t.Fatalf("EvalFamily: %v", err)
	}
	if err := tr.Constrain(root, value.Number(999)); err != nil {
		t.Fatalf("Constrain: %v", err)
	}
}

// TestUnevalFamilyIsExactInverse checks spec §8's reversibility
// property at the trace level: EvalFamily followed by UnevalFamily
// restores randomChoices to empty and frees every node it created.
func TestUnevalFamilyIsExactInverse(t *testing.T) {
	tr := newTestTrace(t)
	numericEx := expr.NewCombination([]*expr.Expr{
		expr.NewSym("add"),
		expr.NewLiteral(value.Number(1)),
		expr.NewLiteral(value.Number(2)),
	})
	before := tr.NumRandomChoices()
	_, root2, err := tr.EvalFamily(numericEx, tr.GlobalEnv())
	if err != nil {
		t.Fatalf("EvalFamily: %v", err)
	}
	if err := tr.UnevalFamily(root2); err != nil {
		t.Fatalf("UnevalFamily: %v", err)
	}
	if tr.NumRandomChoices() != before {
		t.Fatalf("randomChoices not restored: before=%d after=%d", before, tr.NumRandomChoices())
	}
	if tr.Arena().Get(root2) != nil {
		t.Fatalf("root node should have been freed")
	}
}

func TestDirectiveRegistrationAndExtract(t *testing.T) {
	tr := newTestTrace(t)
	_, root, err := tr.EvalFamily(expr.NewLiteral(value.Number(42)), tr.GlobalEnv())
	if err != nil {
		t.Fatalf("EvalFamily: %v", err)
	}
	tr.RegisterDirective(1, root)
	v, err := tr.ExtractValue(1)
	if err != nil {
		t.Fatalf("ExtractValue: %v", err)
	}
	n, _ := v.AsNumber()
	if n != 42 {
		t.Fatalf("expected 42, got %v", n)
	}
	if _, err := tr.ExtractValue(99); err == nil {
		t.Fatalf("expected error extracting unregistered directive")
	}
}
