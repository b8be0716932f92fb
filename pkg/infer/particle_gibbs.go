package infer

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/gitrdm/venturecore/internal/parallel"
	"github.com/gitrdm/venturecore/pkg/node"
	"github.com/gitrdm/venturecore/pkg/psp"
	"github.com/gitrdm/venturecore/pkg/scaffold"
	"github.com/gitrdm/venturecore/pkg/trace"
	"github.com/gitrdm/venturecore/pkg/value"
)

// ParticleGibbs runs one conditional-SMC step for a single random
// choice (spec §4.6 "particle Gibbs / conditional SMC"): it draws
// particles-1 fresh candidate values for the principal alongside its
// current value (the retained particle, which conditional SMC always
// keeps in the pool), scores every candidate's absorbing boundary, and
// resamples the principal from the resulting categorical distribution.
// Like EnumerativeGibbs, this implementation is restricted to
// principals whose downstream consumers all absorb (only Lookup nodes
// forwarding the principal's value may join it in the DRG) rather than
// resampling a multi-node trajectory; a genuine multi-step conditional
// SMC sweep calls this once per latent node in sequence.
//
// Candidate generation is independent of trace state (each candidate
// is an unconditioned Simulate draw from the principal's own
// procedure) and is fanned out across a parallel.WorkerPool; scoring a
// candidate mutates the shared trace and so is done sequentially once
// every candidate value is in hand.
func ParticleGibbs(tr *trace.Trace, principal node.ID, particles int) (MHResult, error) {
	if particles < 2 {
		return MHResult{}, fmt.Errorf("infer: particle Gibbs needs at least 2 particles, got %d", particles)
	}

	sp, _, err := tr.SPFor(principal)
	if err != nil {
		return MHResult{}, err
	}

	s, err := scaffold.Build(tr.Arena(), tr, []node.ID{principal})
	if err != nil {
		return MHResult{}, err
	}
	for id := range s.DRG {
		if id != principal && tr.Arena().Get(id).Kind() != node.Lookup {
			return MHResult{}, fmt.Errorf("infer: particle Gibbs requires every downstream consumer of node %d to absorb", principal)
		}
	}
	if s.IsAAA(principal) {
		return MHResult{}, fmt.Errorf("infer: node %d is an exchangeably coupled maker (AAA); particle Gibbs does not rebuild its made SP's aux", principal)
	}

	n := tr.Arena().Get(principal)
	retained, ok := n.Value()
	if !ok {
		return MHResult{}, fmt.Errorf("infer: node %d has no current value", principal)
	}
	args, err := tr.ArgsFor(principal)
	if err != nil {
		return MHResult{}, err
	}

	trials := particles - 1
	seeds := make([]int64, trials)
	for i := range seeds {
		seeds[i] = tr.RNG().Int63()
	}

	values, err := simulateTrials(sp, args, seeds)
	if err != nil {
		return MHResult{}, err
	}
	values = append(values, retained)

	scores := make([]float64, len(values))
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
	sp.Unincorporate(retained, args)
	for i, cand := range values {
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
	final := values[chosen]
	setValue(final)
	sp.Incorporate(final, args)

	return MHResult{Proposed: principal, Accepted: !final.Equal(retained), LogAlpha: scores[chosen]}, nil
}

// simulateTrials draws one candidate value per seed from sp.Simulate,
// fanning the draws out across a fixed-size parallel.WorkerPool. Each
// goroutine gets its own *rand.Rand seeded independently of the trace's
// RNG, so the draws race-free and the trace's own RNG stream advances
// only by the len(seeds) draws taken to produce those seeds.
func simulateTrials(sp psp.SP, args psp.Args, seeds []int64) ([]value.Value, error) {
	if len(seeds) == 0 {
		return nil, nil
	}
	pool := parallel.NewWorkerPool(len(seeds))
	defer pool.Shutdown()

	values := make([]value.Value, len(seeds))
	errs := make([]error, len(seeds))
	var wg sync.WaitGroup
	ctx := context.Background()
	for i, seed := range seeds {
		i, seed := i, seed
		wg.Add(1)
		if err := pool.Submit(ctx, func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			v, err := sp.Simulate(args, rng)
			values[i] = v
			errs[i] = err
		}); err != nil {
			wg.Done()
			return nil, err
		}
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	for _, f := range pool.Failures() {
		return nil, f
	}
	return values, nil
}
