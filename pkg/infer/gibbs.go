package infer

import (
	"fmt"
	"math"

	"github.com/gitrdm/venturecore/pkg/node"
	"github.com/gitrdm/venturecore/pkg/scaffold"
	"github.com/gitrdm/venturecore/pkg/trace"
	"github.com/gitrdm/venturecore/pkg/value"
)

// EnumerativeGibbs resamples an enumerable random choice exactly from
// its full conditional (spec §4.6): every candidate in the SP's finite
// support is scored, including the log-density delta of every
// absorbing-boundary node downstream, and the new value is drawn from
// the resulting categorical distribution. This implementation handles
// the common case where the principal's scaffold has no DRG members
// besides the principal and the Lookup nodes that forward its value
// (its downstream consumers all absorb) — a non-enumerable principal,
// a non-absorbing downstream consumer, or an AAA principal is an
// error rather than a silently approximate move.
func EnumerativeGibbs(tr *trace.Trace, principal node.ID) (MHResult, error) {
	sp, _, err := tr.SPFor(principal)
	if err != nil {
		return MHResult{}, err
	}
	if !sp.IsEnumerable() {
		return MHResult{}, fmt.Errorf("infer: node %d's procedure %s is not enumerable", principal, sp.Name())
	}

	s, err := scaffold.Build(tr.Arena(), tr, []node.ID{principal})
	if err != nil {
		return MHResult{}, err
	}
	for id := range s.DRG {
		if id != principal && tr.Arena().Get(id).Kind() != node.Lookup {
			return MHResult{}, fmt.Errorf("infer: enumerative Gibbs requires every downstream consumer of node %d to absorb", principal)
		}
	}
	if s.IsAAA(principal) {
		return MHResult{}, fmt.Errorf("infer: node %d is an exchangeably coupled maker (AAA); enumerative Gibbs does not rebuild its made SP's aux", principal)
	}

	n := tr.Arena().Get(principal)
	current, ok := n.Value()
	if !ok {
		return MHResult{}, fmt.Errorf("infer: node %d has no current value", principal)
	}
	args, err := tr.ArgsFor(principal)
	if err != nil {
		return MHResult{}, err
	}

	candidates := append([]value.Value{current}, sp.EnumerateValues(args, current)...)
	scores := make([]float64, len(candidates))

	// setValue also forwards v through the scaffold's Lookup nodes.
	setValue := func(v value.Value) {
		n.SetValue(v)
		for _, id := range s.Order {
			if l := tr.Arena().Get(id); l.Kind() == node.Lookup {
				if sv, ok := tr.Arena().Get(l.SourceNode()).Value(); ok {
					l.SetValue(sv)
				}
			}
		}
	}

	sp.Unincorporate(current, args)
	for i, cand := range candidates {
		setValue(cand)
		sp.Incorporate(cand, args)
		ld, assessable := sp.LogDensity(cand, args)
		if !assessable {
			ld = math.Inf(-1)
		}
		absorb, err := sumAbsorb(tr, s)
		if err != nil {
			return MHResult{}, err
		}
		scores[i] = ld + absorb
		sp.Unincorporate(cand, args)
	}

	chosen := sampleCategorical(scores, tr.RNG().Float64())
	final := candidates[chosen]
	setValue(final)
	sp.Incorporate(final, args)

	return MHResult{Proposed: principal, Accepted: !final.Equal(current), LogAlpha: scores[chosen]}, nil
}

// sampleCategorical draws an index from unnormalized log-scores using
// the standard log-sum-exp normalization, consuming a single uniform
// draw u in [0,1).
func sampleCategorical(logScores []float64, u float64) int {
	maxLS := math.Inf(-1)
	for _, ls := range logScores {
		if ls > maxLS {
			maxLS = ls
		}
	}
	weights := make([]float64, len(logScores))
	var total float64
	for i, ls := range logScores {
		w := math.Exp(ls - maxLS)
		weights[i] = w
		total += w
	}
	target := u * total
	var cum float64
	for i, w := range weights {
		cum += w
		if target < cum {
			return i
		}
	}
	return len(weights) - 1
}
