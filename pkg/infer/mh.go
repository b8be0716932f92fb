// Package infer implements the inference kernels of spec §4.6: single
// -site Metropolis-Hastings, enumerative Gibbs, and particle Gibbs /
// conditional SMC, all built on top of pkg/scaffold's partitioning and
// pkg/regen's detach/regen traversal.
//
// Grounded on the teacher's GlobalConstraintBus accept/reject
// bookkeeping (constraint_store.go) for the MH accept/reject shape,
// and on internal/parallel/pool.go's WorkerPool for particle Gibbs's
// concurrent particle simulation.
package infer

import (
	"fmt"
	"math"

	"github.com/gitrdm/venturecore/pkg/node"
	"github.com/gitrdm/venturecore/pkg/regen"
	"github.com/gitrdm/venturecore/pkg/scaffold"
	"github.com/gitrdm/venturecore/pkg/trace"
)

// MHResult reports the outcome of one single-site proposal, useful
// for callers (pkg/venture's infer directive) that report acceptance
// rates back to the host.
type MHResult struct {
	Proposed node.ID
	Accepted bool
	LogAlpha float64
}

// SingleSiteMH draws one random choice uniformly from the trace,
// proposes a resimulation of its scaffold, and accepts or rejects it
// by the Metropolis-Hastings ratio (spec §4.6), including the
// log(N0/N1) correction for any brush-induced change in the number of
// random choices (spec §8 "the log(N₀/N₁) correction"). If the trace
// has no random choices at all, it is a no-op (Accepted false).
func SingleSiteMH(tr *trace.Trace) (MHResult, error) {
	choices := tr.RandomChoices()
	if len(choices) == 0 {
		return MHResult{}, nil
	}
	principal := choices[tr.RNG().Intn(len(choices))]
	return ProposeSingleSite(tr, principal)
}

// ProposeSingleSite runs the MH proposal for an explicitly chosen
// principal node, letting callers that need control over site
// selection (e.g. a scheduled sweep over every random choice) bypass
// SingleSiteMH's uniform pick.
func ProposeSingleSite(tr *trace.Trace, principal node.ID) (MHResult, error) {
	n0 := tr.NumRandomChoices()
	if n0 == 0 {
		return MHResult{}, fmt.Errorf("infer: no random choices to propose on")
	}

	s, err := scaffold.Build(tr.Arena(), tr, []node.ID{principal})
	if err != nil {
		return MHResult{}, err
	}

	oldAbsorb, err := sumAbsorb(tr, s)
	if err != nil {
		return MHResult{}, err
	}

	db, oldWeight, err := regen.Detach(tr, s)
	if err != nil {
		return MHResult{}, err
	}

	newWeight, err := regen.Regen(tr, s, db, false)
	if err != nil {
		return MHResult{}, err
	}

	newAbsorb, err := sumAbsorb(tr, s)
	if err != nil {
		return MHResult{}, err
	}

	n1 := tr.NumRandomChoices()
	if n1 == 0 {
		// The proposal eliminated every random choice (e.g. an AAA
		// maker collapsed its family); there is nothing left to accept
		// into, so reject unconditionally.
		if _, err := regen.Regen(tr, s, db, true); err != nil {
			return MHResult{}, err
		}
		return MHResult{Proposed: principal, Accepted: false, LogAlpha: math.Inf(-1)}, nil
	}

	logAlpha := (newWeight + newAbsorb) - (oldWeight + oldAbsorb) + math.Log(float64(n0)) - math.Log(float64(n1))

	accept := logAlpha >= 0 || math.Log(tr.RNG().Float64()) < logAlpha
	tr.Log().Debug("mh_propose", map[string]interface{}{
		"node": uint64(principal), "log_alpha": logAlpha, "accept": accept,
		"n0": n0, "n1": n1,
	})
	if accept {
		return MHResult{Proposed: principal, Accepted: true, LogAlpha: logAlpha}, nil
	}

	if _, err := regen.Regen(tr, s, db, true); err != nil {
		return MHResult{}, err
	}
	return MHResult{Proposed: principal, Accepted: false, LogAlpha: logAlpha}, nil
}

// SweepSingleSiteMH runs one MH proposal per random choice present at
// the start of the sweep (spec §4.6 "a full sweep"), returning the
// number accepted. New random choices created mid-sweep by an earlier
// proposal in the same sweep are picked up on the next sweep, not this
// one — matching the teacher's snapshot-then-iterate pattern rather
// than mutating a collection while walking it.
func SweepSingleSiteMH(tr *trace.Trace) (accepted int, err error) {
	choices := tr.RandomChoices()
	for _, id := range choices {
		if tr.Arena().Get(id) == nil {
			continue // freed by an earlier proposal's brush change this sweep
		}
		if !stillRandom(tr, id) {
			continue
		}
		res, err := ProposeSingleSite(tr, id)
		if err != nil {
			return accepted, err
		}
		if res.Accepted {
			accepted++
		}
	}
	return accepted, nil
}

func stillRandom(tr *trace.Trace, id node.ID) bool {
	for _, c := range tr.RandomChoices() {
		if c == id {
			return true
		}
	}
	return false
}

func sumAbsorb(tr *trace.Trace, s *scaffold.Scaffold) (float64, error) {
	var total float64
	for id := range s.Absorbing {
		ld, err := regen.AbsorbDelta(tr, id)
		if err != nil {
			return 0, err
		}
		total += ld
	}
	return total, nil
}
