package builtins

import (
	"math"
	"math/rand"

	"github.com/gitrdm/venturecore/pkg/psp"
	"github.com/gitrdm/venturecore/pkg/trace"
	"github.com/gitrdm/venturecore/pkg/value"
)

// randomSP is the common shape of every primitive (non-maker)
// probability distribution: a real Simulate, a real LogDensity, and
// optionally an enumerable finite support (discrete.cxx's Bernoulli
// "enumerateOutput"). CanAbsorb is always true for these — an
// absorbing parent may change while the distribution's own output is
// held fixed, paying only a LogDensity delta, per spec §4.3.
type randomSP struct {
	name       string
	simulate   func(args psp.Args, rng *rand.Rand) (value.Value, error)
	logDensity func(val value.Value, args psp.Args) (float64, bool)
	enumerable bool
	enumerate  func(args psp.Args, current value.Value) []value.Value
}

func (r randomSP) Name() string   { return r.name }
func (r randomSP) IsRandom() bool { return true }
func (r randomSP) Simulate(args psp.Args, rng *rand.Rand) (value.Value, error) {
	return r.simulate(args, rng)
}
func (r randomSP) LogDensity(val value.Value, args psp.Args) (float64, bool) {
	return r.logDensity(val, args)
}
func (randomSP) Incorporate(value.Value, psp.Args)   {}
func (randomSP) Unincorporate(value.Value, psp.Args) {}
func (randomSP) CanAbsorb(psp.Args) bool             { return true }
func (r randomSP) IsEnumerable() bool                { return r.enumerable }
func (r randomSP) EnumerateValues(args psp.Args, current value.Value) []value.Value {
	if r.enumerate == nil {
		return nil
	}
	return r.enumerate(args, current)
}
func (randomSP) IsRequester() bool { return false }
func (randomSP) SimulateRequest(psp.Args, *rand.Rand) ([]*value.Request, error) {
	return nil, nil
}
func (randomSP) HasLatents() bool { return false }
func (randomSP) SimulateLatents(psp.SPAux, bool, psp.LatentDB, *rand.Rand) (float64, psp.LatentDB, error) {
	return 0, nil, nil
}
func (randomSP) DetachLatents(psp.SPAux) (float64, psp.LatentDB, error) { return 0, nil, nil }
func (randomSP) NewAux() psp.SPAux                                     { return noAux{} }

// bernoulliProb reads the single optional weight operand, defaulting to
// a fair coin — grounded on
// original_source/backend/cxx/src/sps/discrete.cxx's BernoulliOutputPSP,
// which treats a missing operand as p=0.5.
func bernoulliProb(args psp.Args) (float64, error) {
	switch len(args.Operands) {
	case 0:
		return 0.5, nil
	case 1:
		p, ok := args.Operands[0].AsNumber()
		if !ok {
			return 0, &trace.TypeError{Operator: "flip", Position: 0, Expected: "number", Got: args.Operands[0].Kind().String()}
		}
		return p, nil
	default:
		return 0, &trace.ArityError{Operator: "flip", Expected: 1, Got: len(args.Operands)}
	}
}

func bernoulliSP(name string) psp.SP {
	return randomSP{
		name: name,
		simulate: func(args psp.Args, rng *rand.Rand) (value.Value, error) {
			p, err := bernoulliProb(args)
			if err != nil {
				return value.Value{}, err
			}
			return value.Bool(rng.Float64() < p), nil
		},
		logDensity: func(val value.Value, args psp.Args) (float64, bool) {
			p, err := bernoulliProb(args)
			if err != nil {
				return math.Inf(-1), true
			}
			b, ok := val.AsBool()
			if !ok {
				return math.Inf(-1), true
			}
			if b {
				return math.Log(p), true
			}
			return math.Log(1 - p), true
		},
		enumerable: true,
		enumerate: func(_ psp.Args, current value.Value) []value.Value {
			b, ok := current.AsBool()
			if !ok {
				return []value.Value{value.Bool(true), value.Bool(false)}
			}
			return []value.Value{value.Bool(!b)}
		},
	}
}

// categoricalSP consumes a single array operand of un-normalized
// weights, matching discrete.cxx's CategoricalOutputPSP — the source
// carries a literal "TODO normalize as a courtesy" and never divides
// by the weight sum in either simulate or logDensity, so callers are
// responsible for passing already-normalized weights if that matters
// to them. Output is the chosen index as a Number, mirroring the
// original's VentureAtom-typed result encoded through our Number kind.
func categoricalSP() psp.SP {
	weights := func(args psp.Args) ([]float64, error) {
		if len(args.Operands) != 1 {
			return nil, &trace.ArityError{Operator: "categorical", Expected: 1, Got: len(args.Operands)}
		}
		arr, ok := args.Operands[0].AsArray()
		if !ok {
			return nil, &trace.TypeError{Operator: "categorical", Position: 0, Expected: "array", Got: args.Operands[0].Kind().String()}
		}
		out := make([]float64, len(arr))
		for i, v := range arr {
			f, ok := v.AsNumber()
			if !ok {
				return nil, &trace.TypeError{Operator: "categorical", Position: 0, Expected: "array of number", Got: v.Kind().String()}
			}
			out[i] = f
		}
		return out, nil
	}
	return randomSP{
		name: "categorical",
		simulate: func(args psp.Args, rng *rand.Rand) (value.Value, error) {
			w, err := weights(args)
			if err != nil {
				return value.Value{}, err
			}
			if len(w) == 0 {
				return value.Value{}, &trace.DomainError{Operator: "categorical", Detail: "empty weight vector"}
			}
			var total float64
			for _, x := range w {
				total += x
			}
			target := rng.Float64() * total
			var cum float64
			for i, x := range w {
				cum += x
				if target < cum {
					return value.Number(float64(i)), nil
				}
			}
			return value.Number(float64(len(w) - 1)), nil
		},
		logDensity: func(val value.Value, args psp.Args) (float64, bool) {
			w, err := weights(args)
			if err != nil {
				return math.Inf(-1), true
			}
			idx, ok := val.AsNumber()
			if !ok || int(idx) < 0 || int(idx) >= len(w) {
				return math.Inf(-1), true
			}
			return math.Log(w[int(idx)]), true
		},
		enumerable: true,
		enumerate: func(args psp.Args, current value.Value) []value.Value {
			w, err := weights(args)
			if err != nil {
				return nil
			}
			cur, _ := current.AsNumber()
			out := make([]value.Value, 0, len(w))
			for i := range w {
				if float64(i) != cur {
					out = append(out, value.Number(float64(i)))
				}
			}
			return out
		},
	}
}

func uniformDiscreteSP() psp.SP {
	bounds := func(args psp.Args) (lo, hi int, err error) {
		nums, err := operandNumbers("uniform_discrete", args, 2)
		if err != nil {
			return 0, 0, err
		}
		return int(nums[0]), int(nums[1]), nil
	}
	return randomSP{
		name: "uniform_discrete",
		simulate: func(args psp.Args, rng *rand.Rand) (value.Value, error) {
			lo, hi, err := bounds(args)
			if err != nil {
				return value.Value{}, err
			}
			if hi <= lo {
				return value.Value{}, &trace.DomainError{Operator: "uniform_discrete", Detail: "high must exceed low"}
			}
			return value.Number(float64(lo + rng.Intn(hi-lo))), nil
		},
		logDensity: func(val value.Value, args psp.Args) (float64, bool) {
			lo, hi, err := bounds(args)
			if err != nil || hi <= lo {
				return math.Inf(-1), true
			}
			v, ok := val.AsNumber()
			n := int(v)
			if !ok || n < lo || n >= hi {
				return math.Inf(-1), true
			}
			return -math.Log(float64(hi - lo)), true
		},
	}
}

func normalSP() psp.SP {
	params := func(args psp.Args) (mu, sigma float64, err error) {
		nums, err := operandNumbers("normal", args, 2)
		if err != nil {
			return 0, 0, err
		}
		return nums[0], nums[1], nil
	}
	return randomSP{
		name: "normal",
		simulate: func(args psp.Args, rng *rand.Rand) (value.Value, error) {
			mu, sigma, err := params(args)
			if err != nil {
				return value.Value{}, err
			}
			return value.Number(mu + sigma*rng.NormFloat64()), nil
		},
		logDensity: func(val value.Value, args psp.Args) (float64, bool) {
			mu, sigma, err := params(args)
			if err != nil {
				return math.Inf(-1), true
			}
			x, ok := val.AsNumber()
			if !ok {
				return math.Inf(-1), true
			}
			z := (x - mu) / sigma
			return -0.5*z*z - math.Log(sigma) - 0.5*math.Log(2*math.Pi), true
		},
	}
}

func uniformContinuousSP() psp.SP {
	bounds := func(args psp.Args) (lo, hi float64, err error) {
		nums, err := operandNumbers("uniform_continuous", args, 2)
		if err != nil {
			return 0, 0, err
		}
		return nums[0], nums[1], nil
	}
	return randomSP{
		name: "uniform_continuous",
		simulate: func(args psp.Args, rng *rand.Rand) (value.Value, error) {
			lo, hi, err := bounds(args)
			if err != nil {
				return value.Value{}, err
			}
			return value.Number(lo + rng.Float64()*(hi-lo)), nil
		},
		logDensity: func(val value.Value, args psp.Args) (float64, bool) {
			lo, hi, err := bounds(args)
			if err != nil {
				return math.Inf(-1), true
			}
			x, ok := val.AsNumber()
			if !ok || x < lo || x > hi {
				return math.Inf(-1), true
			}
			return -math.Log(hi - lo), true
		},
	}
}

// gammaSample draws from Gamma(shape, rate) via Marsaglia-Tsang for
// shape>=1, boosting sub-1 shapes through the standard x*u^(1/shape)
// transform (Devroye's method referenced by number.cxx's neighboring
// continuous SPs, which this module extends beyond the original's
// scope — see DESIGN.md).
func gammaSample(shape, rate float64, rng *rand.Rand) float64 {
	if shape < 1 {
		u := rng.Float64()
		return gammaSample(shape+1, rate, rng) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v / rate
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v / rate
		}
	}
}

func gammaLogDensity(x, shape, rate float64) float64 {
	if x <= 0 {
		return math.Inf(-1)
	}
	lgam, _ := math.Lgamma(shape)
	return shape*math.Log(rate) - lgam + (shape-1)*math.Log(x) - rate*x
}

func gammaSP() psp.SP {
	params := func(args psp.Args) (shape, rate float64, err error) {
		nums, err := operandNumbers("gamma", args, 2)
		if err != nil {
			return 0, 0, err
		}
		return nums[0], nums[1], nil
	}
	return randomSP{
		name: "gamma",
		simulate: func(args psp.Args, rng *rand.Rand) (value.Value, error) {
			shape, rate, err := params(args)
			if err != nil {
				return value.Value{}, err
			}
			return value.Number(gammaSample(shape, rate, rng)), nil
		},
		logDensity: func(val value.Value, args psp.Args) (float64, bool) {
			shape, rate, err := params(args)
			if err != nil {
				return math.Inf(-1), true
			}
			x, ok := val.AsNumber()
			if !ok {
				return math.Inf(-1), true
			}
			return gammaLogDensity(x, shape, rate), true
		},
	}
}

func betaSP() psp.SP {
	params := func(args psp.Args) (a, b float64, err error) {
		nums, err := operandNumbers("beta", args, 2)
		if err != nil {
			return 0, 0, err
		}
		return nums[0], nums[1], nil
	}
	return randomSP{
		name: "beta",
		simulate: func(args psp.Args, rng *rand.Rand) (value.Value, error) {
			a, b, err := params(args)
			if err != nil {
				return value.Value{}, err
			}
			x := gammaSample(a, 1, rng)
			y := gammaSample(b, 1, rng)
			return value.Number(x / (x + y)), nil
		},
		logDensity: func(val value.Value, args psp.Args) (float64, bool) {
			a, b, err := params(args)
			if err != nil {
				return math.Inf(-1), true
			}
			x, ok := val.AsNumber()
			if !ok || x <= 0 || x >= 1 {
				return math.Inf(-1), true
			}
			lga, _ := math.Lgamma(a)
			lgb, _ := math.Lgamma(b)
			lgab, _ := math.Lgamma(a + b)
			return lgab - lga - lgb + (a-1)*math.Log(x) + (b-1)*math.Log(1-x), true
		},
	}
}

func studentTSP() psp.SP {
	param := func(args psp.Args) (float64, error) {
		nums, err := operandNumbers("student_t", args, 1)
		if err != nil {
			return 0, err
		}
		return nums[0], nil
	}
	return randomSP{
		name: "student_t",
		simulate: func(args psp.Args, rng *rand.Rand) (value.Value, error) {
			nu, err := param(args)
			if err != nil {
				return value.Value{}, err
			}
			z := rng.NormFloat64()
			chi2 := 2 * gammaSample(nu/2, 1, rng)
			return value.Number(z / math.Sqrt(chi2/nu)), nil
		},
		logDensity: func(val value.Value, args psp.Args) (float64, bool) {
			nu, err := param(args)
			if err != nil {
				return math.Inf(-1), true
			}
			x, ok := val.AsNumber()
			if !ok {
				return math.Inf(-1), true
			}
			lg1, _ := math.Lgamma((nu + 1) / 2)
			lg2, _ := math.Lgamma(nu / 2)
			return lg1 - lg2 - 0.5*math.Log(nu*math.Pi) - (nu+1)/2*math.Log(1+x*x/nu), true
		},
	}
}
