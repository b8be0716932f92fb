package builtins

import (
	"math"
	"math/rand"

	"github.com/gitrdm/venturecore/pkg/psp"
	"github.com/gitrdm/venturecore/pkg/trace"
	"github.com/gitrdm/venturecore/pkg/value"
)

// dirMultAux tracks per-outcome counts for the collapsed symmetric
// Dirichlet-multinomial (the Polya urn scheme make_sym_dir_mult
// integrates the Dirichlet prior out of, per builtin.cxx's table
// entry of the same name).
type dirMultAux struct {
	counts []int
	total  int
}

func (a *dirMultAux) Clone() psp.SPAux {
	cp := &dirMultAux{counts: make([]int, len(a.counts)), total: a.total}
	copy(cp.counts, a.counts)
	return cp
}

// symDirMultSP is the collapsed, exchangeably-coupled made procedure:
// every call updates the same per-outcome count vector, and the
// marginal probability of each outcome is a simple Polya urn formula
// (alpha/n + count_i) / (alpha + total).
type symDirMultSP struct {
	alpha float64
	n     int
}

func (s symDirMultSP) Name() string   { return "sym_dir_mult" }
func (symDirMultSP) IsRandom() bool   { return true }
func (s symDirMultSP) weight(aux *dirMultAux, i int) float64 {
	return s.alpha/float64(s.n) + float64(aux.counts[i])
}
func (s symDirMultSP) Simulate(args psp.Args, rng *rand.Rand) (value.Value, error) {
	aux := args.Aux.(*dirMultAux)
	denom := s.alpha + float64(aux.total)
	target := rng.Float64() * denom
	var cum float64
	for i := 0; i < s.n; i++ {
		cum += s.weight(aux, i)
		if target < cum {
			return value.Atom(uint32(i)), nil
		}
	}
	return value.Atom(uint32(s.n - 1)), nil
}
func (s symDirMultSP) LogDensity(val value.Value, args psp.Args) (float64, bool) {
	aux := args.Aux.(*dirMultAux)
	i, ok := val.AsAtom()
	if !ok || int(i) >= s.n {
		return math.Inf(-1), true
	}
	return math.Log(s.weight(aux, int(i))) - math.Log(s.alpha+float64(aux.total)), true
}
func (symDirMultSP) Incorporate(val value.Value, args psp.Args) {
	aux := args.Aux.(*dirMultAux)
	i, ok := val.AsAtom()
	if !ok || int(i) >= len(aux.counts) {
		return
	}
	aux.counts[i]++
	aux.total++
}
func (symDirMultSP) Unincorporate(val value.Value, args psp.Args) {
	aux := args.Aux.(*dirMultAux)
	i, ok := val.AsAtom()
	if !ok || int(i) >= len(aux.counts) {
		return
	}
	aux.counts[i]--
	aux.total--
}
func (symDirMultSP) CanAbsorb(psp.Args) bool { return true }
func (symDirMultSP) IsEnumerable() bool      { return true }
func (s symDirMultSP) EnumerateValues(_ psp.Args, current value.Value) []value.Value {
	cur, _ := current.AsAtom()
	out := make([]value.Value, 0, s.n-1)
	for i := 0; i < s.n; i++ {
		if uint32(i) != cur {
			out = append(out, value.Atom(uint32(i)))
		}
	}
	return out
}
func (symDirMultSP) IsRequester() bool { return false }
func (symDirMultSP) SimulateRequest(psp.Args, *rand.Rand) ([]*value.Request, error) {
	return nil, nil
}
func (symDirMultSP) HasLatents() bool { return false }
func (symDirMultSP) SimulateLatents(psp.SPAux, bool, psp.LatentDB, *rand.Rand) (float64, psp.LatentDB, error) {
	return 0, nil, nil
}
func (symDirMultSP) DetachLatents(psp.SPAux) (float64, psp.LatentDB, error) { return 0, nil, nil }
func (s symDirMultSP) NewAux() psp.SPAux { return &dirMultAux{counts: make([]int, s.n)} }
func (symDirMultSP) IsExchangeable() bool { return true }

// ucSymDirMultSP is the uncollapsed variant: the maker draws one fixed
// weight vector from Dirichlet(alpha/n,...,alpha/n) up front, and every
// call is then an independent categorical draw against those weights —
// no shared counts, no exchangeable coupling to maintain, matching
// builtin.cxx's separate "make_uc_sym_dir_mult" entry.
type ucSymDirMultSP struct{ weights []float64 }

func (u ucSymDirMultSP) Name() string { return "uc_sym_dir_mult" }
func (ucSymDirMultSP) IsRandom() bool { return true }
func (u ucSymDirMultSP) Simulate(_ psp.Args, rng *rand.Rand) (value.Value, error) {
	target := rng.Float64()
	var cum float64
	for i, w := range u.weights {
		cum += w
		if target < cum {
			return value.Atom(uint32(i)), nil
		}
	}
	return value.Atom(uint32(len(u.weights) - 1)), nil
}
func (u ucSymDirMultSP) LogDensity(val value.Value, _ psp.Args) (float64, bool) {
	i, ok := val.AsAtom()
	if !ok || int(i) >= len(u.weights) {
		return math.Inf(-1), true
	}
	return math.Log(u.weights[i]), true
}
func (ucSymDirMultSP) Incorporate(value.Value, psp.Args)   {}
func (ucSymDirMultSP) Unincorporate(value.Value, psp.Args) {}
func (ucSymDirMultSP) CanAbsorb(psp.Args) bool             { return true }
func (ucSymDirMultSP) IsEnumerable() bool                  { return true }
func (u ucSymDirMultSP) EnumerateValues(_ psp.Args, current value.Value) []value.Value {
	cur, _ := current.AsAtom()
	out := make([]value.Value, 0, len(u.weights)-1)
	for i := range u.weights {
		if uint32(i) != cur {
			out = append(out, value.Atom(uint32(i)))
		}
	}
	return out
}
func (ucSymDirMultSP) IsRequester() bool { return false }
func (ucSymDirMultSP) SimulateRequest(psp.Args, *rand.Rand) ([]*value.Request, error) {
	return nil, nil
}
func (ucSymDirMultSP) HasLatents() bool { return false }
func (ucSymDirMultSP) SimulateLatents(psp.SPAux, bool, psp.LatentDB, *rand.Rand) (float64, psp.LatentDB, error) {
	return 0, nil, nil
}
func (ucSymDirMultSP) DetachLatents(psp.SPAux) (float64, psp.LatentDB, error) { return 0, nil, nil }
func (ucSymDirMultSP) NewAux() psp.SPAux                                     { return noAux{} }
func (ucSymDirMultSP) IsExchangeable() bool                                  { return false }

func dirMultParams(name string, args psp.Args) (alpha float64, n int, err error) {
	if len(args.Operands) != 2 {
		return 0, 0, &trace.ArityError{Operator: name, Expected: 2, Got: len(args.Operands)}
	}
	alpha, ok := args.Operands[0].AsNumber()
	if !ok {
		return 0, 0, &trace.TypeError{Operator: name, Position: 0, Expected: "number", Got: args.Operands[0].Kind().String()}
	}
	nf, ok := args.Operands[1].AsNumber()
	if !ok {
		return 0, 0, &trace.TypeError{Operator: name, Position: 1, Expected: "number", Got: args.Operands[1].Kind().String()}
	}
	n = int(nf)
	if n < 1 {
		return 0, 0, &trace.DomainError{Operator: name, Detail: "outcome count must be positive"}
	}
	return alpha, n, nil
}

type makeSymDirMultSP struct{}

func (makeSymDirMultSP) Name() string   { return "make_sym_dir_mult" }
func (makeSymDirMultSP) IsRandom() bool { return false }
func (makeSymDirMultSP) Simulate(args psp.Args, _ *rand.Rand) (value.Value, error) {
	alpha, n, err := dirMultParams("make_sym_dir_mult", args)
	if err != nil {
		return value.Value{}, err
	}
	if args.Install == nil {
		return value.Value{}, &trace.InvariantViolation{Detail: "make_sym_dir_mult: no installer available"}
	}
	return args.Install(symDirMultSP{alpha: alpha, n: n}), nil
}
func (makeSymDirMultSP) LogDensity(value.Value, psp.Args) (float64, bool) { return 0, false }
func (makeSymDirMultSP) Incorporate(value.Value, psp.Args)                {}
func (makeSymDirMultSP) Unincorporate(value.Value, psp.Args)              {}
func (makeSymDirMultSP) CanAbsorb(psp.Args) bool                          { return false }
func (makeSymDirMultSP) IsEnumerable() bool                               { return false }
func (makeSymDirMultSP) EnumerateValues(psp.Args, value.Value) []value.Value {
	return nil
}
func (makeSymDirMultSP) IsRequester() bool { return false }
func (makeSymDirMultSP) SimulateRequest(psp.Args, *rand.Rand) ([]*value.Request, error) {
	return nil, nil
}
func (makeSymDirMultSP) HasLatents() bool { return false }
func (makeSymDirMultSP) SimulateLatents(psp.SPAux, bool, psp.LatentDB, *rand.Rand) (float64, psp.LatentDB, error) {
	return 0, nil, nil
}
func (makeSymDirMultSP) DetachLatents(psp.SPAux) (float64, psp.LatentDB, error) { return 0, nil, nil }
func (makeSymDirMultSP) NewAux() psp.SPAux                                     { return noAux{} }
func (makeSymDirMultSP) IsExchangeable() bool                                  { return true }

type makeUCSymDirMultSP struct{}

func (makeUCSymDirMultSP) Name() string   { return "make_uc_sym_dir_mult" }
func (makeUCSymDirMultSP) IsRandom() bool { return true }
func (makeUCSymDirMultSP) Simulate(args psp.Args, rng *rand.Rand) (value.Value, error) {
	alpha, n, err := dirMultParams("make_uc_sym_dir_mult", args)
	if err != nil {
		return value.Value{}, err
	}
	if args.Install == nil {
		return value.Value{}, &trace.InvariantViolation{Detail: "make_uc_sym_dir_mult: no installer available"}
	}
	weights := make([]float64, n)
	var total float64
	for i := range weights {
		weights[i] = gammaSample(alpha/float64(n), 1, rng)
		total += weights[i]
	}
	for i := range weights {
		weights[i] /= total
	}
	return args.Install(ucSymDirMultSP{weights: weights}), nil
}
func (makeUCSymDirMultSP) LogDensity(value.Value, psp.Args) (float64, bool) { return 0, false }
func (makeUCSymDirMultSP) Incorporate(value.Value, psp.Args)                {}
func (makeUCSymDirMultSP) Unincorporate(value.Value, psp.Args)              {}
func (makeUCSymDirMultSP) CanAbsorb(psp.Args) bool                          { return false }
func (makeUCSymDirMultSP) IsEnumerable() bool                               { return false }
func (makeUCSymDirMultSP) EnumerateValues(psp.Args, value.Value) []value.Value {
	return nil
}
func (makeUCSymDirMultSP) IsRequester() bool { return false }
func (makeUCSymDirMultSP) SimulateRequest(psp.Args, *rand.Rand) ([]*value.Request, error) {
	return nil, nil
}
func (makeUCSymDirMultSP) HasLatents() bool { return false }
func (makeUCSymDirMultSP) SimulateLatents(psp.SPAux, bool, psp.LatentDB, *rand.Rand) (float64, psp.LatentDB, error) {
	return 0, nil, nil
}
func (makeUCSymDirMultSP) DetachLatents(psp.SPAux) (float64, psp.LatentDB, error) {
	return 0, nil, nil
}
func (makeUCSymDirMultSP) NewAux() psp.SPAux       { return noAux{} }
func (makeUCSymDirMultSP) IsExchangeable() bool    { return true }
