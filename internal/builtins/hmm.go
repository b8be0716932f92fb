package builtins

import (
	"math"
	"math/rand"

	"github.com/gitrdm/venturecore/pkg/psp"
	"github.com/gitrdm/venturecore/pkg/trace"
	"github.com/gitrdm/venturecore/pkg/value"
)

// hmmAux is the lazily-grown hidden-state chain a make_lazy_hmm
// instance shares across every `(hmm i)` application: states/
// stepWeight are only ever extended up to the highest index any
// caller has asked for (builtin.cxx's "make_lazy_hmm" table entry —
// the original only ever materializes as much of the chain as a query
// actually touches).
//
// pending records the index the most recent Incorporate/Unincorporate
// call saw; SimulateLatents/DetachLatents (psp.SP's hook for hidden
// state a node's own LogDensity can't see) have no Args of their own
// to read an index from, so Incorporate/Unincorporate stash it here
// immediately beforehand — regen.go always calls them in that order
// for the same node within a single synchronous step (regen.go's
// regenOutputNode and Detach), so there is no concurrent caller that
// could clobber it in between.
type hmmAux struct {
	states     []int
	stepWeight []float64
	pending    int
}

func (a *hmmAux) Clone() psp.SPAux {
	return &hmmAux{
		states:     append([]int(nil), a.states...),
		stepWeight: append([]float64(nil), a.stepWeight...),
		pending:    a.pending,
	}
}

func sampleCategoricalWeights(w []float64, rng *rand.Rand) (int, float64) {
	var total float64
	for _, x := range w {
		total += x
	}
	target := rng.Float64() * total
	var cum float64
	for i, x := range w {
		cum += x
		if target < cum {
			return i, math.Log(x / total)
		}
	}
	last := len(w) - 1
	return last, math.Log(w[last] / total)
}

// growChain extends aux's cached chain through index upto (inclusive),
// sampling transitions from p0/trans, and returns the sum of the newly
// drawn transition log-weights.
func growChain(aux *hmmAux, p0 []float64, trans [][]float64, upto int, rng *rand.Rand) float64 {
	var added float64
	for len(aux.states) <= upto {
		idx := len(aux.states)
		var state int
		var w float64
		if idx == 0 {
			state, w = sampleCategoricalWeights(p0, rng)
		} else {
			state, w = sampleCategoricalWeights(trans[aux.states[idx-1]], rng)
		}
		aux.states = append(aux.states, state)
		aux.stepWeight = append(aux.stepWeight, w)
		added += w
	}
	return added
}

// shrinkChain truncates aux's cached chain to length downto, returning
// the sum of the removed transition log-weights.
func shrinkChain(aux *hmmAux, downto int) float64 {
	var removed float64
	for len(aux.states) > downto {
		last := len(aux.states) - 1
		removed += aux.stepWeight[last]
		aux.states = aux.states[:last]
		aux.stepWeight = aux.stepWeight[:last]
	}
	return removed
}

func hmmIndex(name string, args psp.Args) (int, error) {
	if len(args.Operands) != 1 {
		return 0, &trace.ArityError{Operator: name, Expected: 1, Got: len(args.Operands)}
	}
	f, ok := args.Operands[0].AsNumber()
	if !ok || f < 0 {
		return 0, &trace.TypeError{Operator: name, Position: 0, Expected: "non-negative number", Got: args.Operands[0].Kind().String()}
	}
	return int(f), nil
}

// hmmSP is the procedure value `(make_lazy_hmm p0 trans obs)` evaluates
// to: `(hmm i)` returns an emission drawn from the hidden state at time
// i, growing the chain lazily through index i the first time it is
// touched. p0/trans/obs are fixed at make time (like crpTableSP.alpha)
// and live on the SP value itself; only the grown chain is shared
// mutable aux state.
type hmmSP struct {
	p0    []float64
	trans [][]float64
	obs   [][]float64
}

func (hmmSP) Name() string   { return "lazy_hmm" }
func (hmmSP) IsRandom() bool { return true }
func (h hmmSP) Simulate(args psp.Args, rng *rand.Rand) (value.Value, error) {
	idx, err := hmmIndex("lazy_hmm", args)
	if err != nil {
		return value.Value{}, err
	}
	aux := args.Aux.(*hmmAux)
	growChain(aux, h.p0, h.trans, idx, rng)
	obsIdx, _ := sampleCategoricalWeights(h.obs[aux.states[idx]], rng)
	return value.Atom(uint32(obsIdx)), nil
}
func (h hmmSP) LogDensity(val value.Value, args psp.Args) (float64, bool) {
	idx, err := hmmIndex("lazy_hmm", args)
	if err != nil {
		return math.Inf(-1), true
	}
	aux := args.Aux.(*hmmAux)
	if idx >= len(aux.states) {
		return 0, false
	}
	o, ok := val.AsAtom()
	if !ok || int(o) >= len(h.obs[aux.states[idx]]) {
		return math.Inf(-1), true
	}
	return math.Log(h.obs[aux.states[idx]][o]), true
}
func (hmmSP) Incorporate(_ value.Value, args psp.Args) {
	if idx, err := hmmIndex("lazy_hmm", args); err == nil {
		args.Aux.(*hmmAux).pending = idx
	}
}
func (hmmSP) Unincorporate(_ value.Value, args psp.Args) {
	if idx, err := hmmIndex("lazy_hmm", args); err == nil {
		args.Aux.(*hmmAux).pending = idx
	}
}
func (hmmSP) CanAbsorb(psp.Args) bool { return false }
func (hmmSP) IsEnumerable() bool      { return false }
func (hmmSP) EnumerateValues(psp.Args, value.Value) []value.Value {
	return nil
}
func (hmmSP) IsRequester() bool { return false }
func (hmmSP) SimulateRequest(psp.Args, *rand.Rand) ([]*value.Request, error) {
	return nil, nil
}
func (hmmSP) HasLatents() bool { return true }
func (h hmmSP) SimulateLatents(auxIface psp.SPAux, shouldRestore bool, latentDB psp.LatentDB, rng *rand.Rand) (float64, psp.LatentDB, error) {
	aux := auxIface.(*hmmAux)
	idx := aux.pending
	if shouldRestore {
		snap, ok := latentDB.(hmmLatentSnapshot)
		if !ok {
			return 0, nil, &trace.InvariantViolation{Detail: "lazy_hmm: missing latent snapshot on restore"}
		}
		for len(aux.states) <= idx {
			aux.states = append(aux.states, 0)
			aux.stepWeight = append(aux.stepWeight, 0)
		}
		aux.states[idx] = snap.state
		aux.stepWeight[idx] = snap.weight
		return snap.weight, nil, nil
	}
	added := growChain(aux, h.p0, h.trans, idx, rng)
	return added, nil, nil
}
func (hmmSP) DetachLatents(auxIface psp.SPAux) (float64, psp.LatentDB, error) {
	aux := auxIface.(*hmmAux)
	idx := aux.pending
	if idx >= len(aux.states) {
		return 0, nil, nil
	}
	snap := hmmLatentSnapshot{state: aux.states[idx], weight: aux.stepWeight[idx]}
	removed := shrinkChain(aux, idx)
	return removed, snap, nil
}
func (hmmSP) NewAux() psp.SPAux { return &hmmAux{} }
func (hmmSP) IsExchangeable() bool { return true }

// hmmLatentSnapshot is the LatentDB payload saved by DetachLatents and
// consumed by SimulateLatents' restore path.
type hmmLatentSnapshot struct {
	state  int
	weight float64
}

func toFloatRow(v value.Value, op string, pos int) ([]float64, error) {
	arr, ok := v.AsArray()
	if !ok {
		return nil, &trace.TypeError{Operator: op, Position: pos, Expected: "array", Got: v.Kind().String()}
	}
	out := make([]float64, len(arr))
	for i, e := range arr {
		f, ok := e.AsNumber()
		if !ok {
			return nil, &trace.TypeError{Operator: op, Position: pos, Expected: "array of number", Got: e.Kind().String()}
		}
		out[i] = f
	}
	return out, nil
}

func toFloatMatrix(v value.Value, op string, pos int) ([][]float64, error) {
	arr, ok := v.AsArray()
	if !ok {
		return nil, &trace.TypeError{Operator: op, Position: pos, Expected: "array", Got: v.Kind().String()}
	}
	out := make([][]float64, len(arr))
	for i, row := range arr {
		r, err := toFloatRow(row, op, pos)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// makeLazyHMMSP is "make_lazy_hmm": takes the initial-state
// distribution, the transition matrix, and the observation matrix, and
// installs a fresh hmmSP carrying them plus an empty hmmAux chain.
type makeLazyHMMSP struct{}

func (makeLazyHMMSP) Name() string   { return "make_lazy_hmm" }
func (makeLazyHMMSP) IsRandom() bool { return false }
func (makeLazyHMMSP) Simulate(args psp.Args, _ *rand.Rand) (value.Value, error) {
	if len(args.Operands) != 3 {
		return value.Value{}, &trace.ArityError{Operator: "make_lazy_hmm", Expected: 3, Got: len(args.Operands)}
	}
	p0, err := toFloatRow(args.Operands[0], "make_lazy_hmm", 0)
	if err != nil {
		return value.Value{}, err
	}
	trans, err := toFloatMatrix(args.Operands[1], "make_lazy_hmm", 1)
	if err != nil {
		return value.Value{}, err
	}
	obs, err := toFloatMatrix(args.Operands[2], "make_lazy_hmm", 2)
	if err != nil {
		return value.Value{}, err
	}
	if args.Install == nil {
		return value.Value{}, &trace.InvariantViolation{Detail: "make_lazy_hmm: no installer available"}
	}
	return args.Install(hmmSP{p0: p0, trans: trans, obs: obs}), nil
}
func (makeLazyHMMSP) LogDensity(value.Value, psp.Args) (float64, bool) { return 0, false }
func (makeLazyHMMSP) Incorporate(value.Value, psp.Args)                {}
func (makeLazyHMMSP) Unincorporate(value.Value, psp.Args)              {}
func (makeLazyHMMSP) CanAbsorb(psp.Args) bool                          { return false }
func (makeLazyHMMSP) IsEnumerable() bool                               { return false }
func (makeLazyHMMSP) EnumerateValues(psp.Args, value.Value) []value.Value {
	return nil
}
func (makeLazyHMMSP) IsRequester() bool { return false }
func (makeLazyHMMSP) SimulateRequest(psp.Args, *rand.Rand) ([]*value.Request, error) {
	return nil, nil
}
func (makeLazyHMMSP) HasLatents() bool { return false }
func (makeLazyHMMSP) SimulateLatents(psp.SPAux, bool, psp.LatentDB, *rand.Rand) (float64, psp.LatentDB, error) {
	return 0, nil, nil
}
func (makeLazyHMMSP) DetachLatents(psp.SPAux) (float64, psp.LatentDB, error) { return 0, nil, nil }
func (makeLazyHMMSP) NewAux() psp.SPAux                                     { return noAux{} }
func (makeLazyHMMSP) IsExchangeable() bool                                  { return true }
