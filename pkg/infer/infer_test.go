package infer

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gitrdm/venturecore/internal/expr"
	"github.com/gitrdm/venturecore/pkg/node"
	"github.com/gitrdm/venturecore/pkg/psp"
	"github.com/gitrdm/venturecore/pkg/trace"
	"github.com/gitrdm/venturecore/pkg/value"
)

type noAux struct{}

func (noAux) Clone() psp.SPAux { return noAux{} }

// uniformSP draws uniformly from {0,1,2} and assigns each value equal
// log-density, so every accept/reject path exercises a real
// distribution rather than a degenerate point mass.
type uniformSP struct{}

func (uniformSP) Name() string   { return "uniform3" }
func (uniformSP) IsRandom() bool { return true }
func (uniformSP) Simulate(_ psp.Args, rng *rand.Rand) (value.Value, error) {
	return value.Number(float64(rng.Intn(3))), nil
}
func (uniformSP) LogDensity(value.Value, psp.Args) (float64, bool) { return -math.Log(3), true }
func (uniformSP) Incorporate(value.Value, psp.Args)                {}
func (uniformSP) Unincorporate(value.Value, psp.Args)              {}
func (uniformSP) CanAbsorb(psp.Args) bool                          { return false }
func (uniformSP) IsEnumerable() bool                               { return true }
func (uniformSP) EnumerateValues(_ psp.Args, current value.Value) []value.Value {
	out := make([]value.Value, 0, 2)
	for i := 0; i < 3; i++ {
		cand := value.Number(float64(i))
		if !cand.Equal(current) {
			out = append(out, cand)
		}
	}
	return out
}
func (uniformSP) IsRequester() bool { return false }
func (uniformSP) SimulateRequest(psp.Args, *rand.Rand) ([]*value.Request, error) {
	return nil, nil
}
func (uniformSP) HasLatents() bool { return false }
func (uniformSP) SimulateLatents(psp.SPAux, bool, psp.LatentDB, *rand.Rand) (float64, psp.LatentDB, error) {
	return 0, nil, nil
}
func (uniformSP) DetachLatents(psp.SPAux) (float64, psp.LatentDB, error) { return 0, nil, nil }
func (uniformSP) NewAux() psp.SPAux                                     { return noAux{} }

// likeSP is an observed-likelihood node: favors cand==target with a
// higher log-density than any other value, pulling the principal's
// posterior toward target under both Gibbs and MH.
type likeSP struct{ target float64 }

func (l likeSP) Name() string   { return "like" }
func (l likeSP) IsRandom() bool { return true }
func (l likeSP) Simulate(args psp.Args, _ *rand.Rand) (value.Value, error) {
	v, _ := args.Operands[0].AsNumber()
	return value.Number(v), nil
}
func (l likeSP) LogDensity(val value.Value, args psp.Args) (float64, bool) {
	v, _ := args.Operands[0].AsNumber()
	return -math.Abs(v-l.target) * 2, true
}
func (l likeSP) Incorporate(value.Value, psp.Args)   {}
func (l likeSP) Unincorporate(value.Value, psp.Args) {}
func (l likeSP) CanAbsorb(psp.Args) bool             { return true }
func (l likeSP) IsEnumerable() bool                  { return false }
func (l likeSP) EnumerateValues(psp.Args, value.Value) []value.Value {
	return nil
}
func (l likeSP) IsRequester() bool { return false }
func (l likeSP) SimulateRequest(psp.Args, *rand.Rand) ([]*value.Request, error) {
	return nil, nil
}
func (l likeSP) HasLatents() bool { return false }
func (l likeSP) SimulateLatents(psp.SPAux, bool, psp.LatentDB, *rand.Rand) (float64, psp.LatentDB, error) {
	return 0, nil, nil
}
func (l likeSP) DetachLatents(psp.SPAux) (float64, psp.LatentDB, error) { return 0, nil, nil }
func (l likeSP) NewAux() psp.SPAux                                     { return noAux{} }

// buildModel builds `(like (uniform3))` constrained to 2, a minimal
// posterior with a known mode every kernel below is checked against.
func buildModel(t *testing.T, seed int64) (tr *trace.Trace, x node.ID, lik node.ID) {
	t.Helper()
	tr = trace.New(seed, nil)
	_, err := tr.RegisterProcedure("uniform3", uniformSP{})
	require.NoError(t, err)
	_, err = tr.RegisterProcedure("like", likeSP{target: 2})
	require.NoError(t, err)

	_, xRoot, err := tr.EvalFamily(expr.NewCombination([]*expr.Expr{expr.NewSym("uniform3")}), tr.GlobalEnv())
	require.NoError(t, err)
	tr.GlobalEnv().Bind("x", xRoot)

	_, likRoot, err := tr.EvalFamily(expr.NewCombination([]*expr.Expr{
		expr.NewSym("like"),
		expr.NewSym("x"),
	}), tr.GlobalEnv())
	require.NoError(t, err)
	require.NoError(t, tr.Constrain(likRoot, value.Number(2)))

	return tr, xRoot, likRoot
}

func TestSingleSiteMHNoChoicesIsNoop(t *testing.T) {
	tr := trace.New(1, nil)
	res, err := SingleSiteMH(tr)
	require.NoError(t, err)
	require.False(t, res.Accepted, "empty trace must never accept a proposal")
}

func TestProposeSingleSitePreservesRandomChoiceInvariant(t *testing.T) {
	tr, x, _ := buildModel(t, 42)
	before := tr.NumRandomChoices()
	_, err := ProposeSingleSite(tr, x)
	require.NoError(t, err)
	require.Equal(t, before, tr.NumRandomChoices(), "random choice count must be unchanged by a proposal with no brush")
}

func TestSweepSingleSiteMHConvergesTowardLikelihood(t *testing.T) {
	tr, x, _ := buildModel(t, 7)
	hits := 0
	const sweeps = 200
	for i := 0; i < sweeps; i++ {
		_, err := SweepSingleSiteMH(tr)
		require.NoError(t, err)
		v, _ := tr.Arena().Get(x).Value()
		if n, _ := v.AsNumber(); n == 2 {
			hits++
		}
	}
	require.GreaterOrEqual(t, hits, sweeps/2, "the likelihood-favored value should dominate after %d sweeps", sweeps)
}

func TestEnumerativeGibbsPicksLikelihoodMode(t *testing.T) {
	tr, x, _ := buildModel(t, 3)
	hits := 0
	const trials = 100
	for i := 0; i < trials; i++ {
		_, err := EnumerativeGibbs(tr, x)
		require.NoError(t, err)
		v, _ := tr.Arena().Get(x).Value()
		if n, _ := v.AsNumber(); n == 2 {
			hits++
		}
	}
	// The full conditional puts mass 1/(1+e^-2+e^-4) ≈ 0.87 on x == 2.
	require.GreaterOrEqual(t, hits, trials*3/4, "exact full-conditional resampling should pick the dominant mode most of the time")
}

func TestEnumerativeGibbsRejectsMultiNodeDRG(t *testing.T) {
	tr := trace.New(9, nil)
	_, err := tr.RegisterProcedure("uniform3", uniformSP{})
	require.NoError(t, err)
	_, xRoot, err := tr.EvalFamily(expr.NewCombination([]*expr.Expr{expr.NewSym("uniform3")}), tr.GlobalEnv())
	require.NoError(t, err)
	// A non-absorbing consumer of x pulls its own nodes into x's DRG.
	tr.GlobalEnv().Bind("x", xRoot)
	_, _, err = tr.EvalFamily(expr.NewCombination([]*expr.Expr{expr.NewSym("uniform3"), expr.NewSym("x")}), tr.GlobalEnv())
	require.NoError(t, err)

	_, err = EnumerativeGibbs(tr, xRoot)
	require.Error(t, err, "a node with a non-absorbing downstream consumer must be rejected, not silently approximated")
}

func TestParticleGibbsPicksLikelihoodMode(t *testing.T) {
	tr, x, _ := buildModel(t, 11)
	hits := 0
	const trials = 100
	for i := 0; i < trials; i++ {
		_, err := ParticleGibbs(tr, x, 8)
		require.NoError(t, err)
		v, _ := tr.Arena().Get(x).Value()
		if n, _ := v.AsNumber(); n == 2 {
			hits++
		}
	}
	require.GreaterOrEqual(t, hits, trials/2, "particle Gibbs should favor the likelihood mode with enough particles")
}

func TestParticleGibbsRejectsTooFewParticles(t *testing.T) {
	tr, x, _ := buildModel(t, 5)
	_, err := ParticleGibbs(tr, x, 1)
	require.Error(t, err)
}
