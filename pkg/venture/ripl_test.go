package venture

import (
	"math"
	"testing"
)

func newRipl(t *testing.T, seed int64) *Ripl {
	t.Helper()
	cfg := DefaultInferConfig()
	cfg.Seed = seed
	r, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func numDesc(f float64) map[string]interface{} {
	return map[string]interface{}{"type": "number", "value": f}
}

func symDesc(s string) map[string]interface{} {
	return map[string]interface{}{"type": "symbol", "value": s}
}

func comb(parts ...interface{}) []interface{} { return parts }

func TestEvalAndExtractValue(t *testing.T) {
	r := newRipl(t, 1)
	if err := r.Eval(1, comb(symDesc("plus"), numDesc(2), numDesc(3))); err != nil {
		t.Fatalf("eval: %v", err)
	}
	v, err := r.ExtractValue(1)
	if err != nil {
		t.Fatalf("extractValue: %v", err)
	}
	if v != 5.0 {
		t.Fatalf("plus: want 5, got %v", v)
	}
}

func TestObserveConstrainsNode(t *testing.T) {
	r := newRipl(t, 2)
	if err := r.Eval(1, comb(symDesc("normal"), numDesc(0), numDesc(1))); err != nil {
		t.Fatalf("eval: %v", err)
	}
	if err := r.Observe(1, numDesc(3.0)); err != nil {
		t.Fatalf("observe: %v", err)
	}
	v, err := r.ExtractValue(1)
	if err != nil {
		t.Fatalf("extractValue: %v", err)
	}
	if math.Abs(v.(float64)-3.0) > 1e-9 {
		t.Fatalf("observed normal: want 3.0, got %v", v)
	}
}

func TestBindInGlobalEnvExposesSymbol(t *testing.T) {
	r := newRipl(t, 3)
	if err := r.Eval(1, comb(symDesc("plus"), numDesc(4), numDesc(5))); err != nil {
		t.Fatalf("eval: %v", err)
	}
	if err := r.BindInGlobalEnv("nine", 1); err != nil {
		t.Fatalf("bindInGlobalEnv: %v", err)
	}
	if err := r.Eval(2, symDesc("nine")); err != nil {
		t.Fatalf("eval referencing bound symbol: %v", err)
	}
	v, err := r.ExtractValue(2)
	if err != nil {
		t.Fatalf("extractValue: %v", err)
	}
	if v != 9.0 {
		t.Fatalf("bound symbol: want 9, got %v", v)
	}
}

func TestUnconstrainReleasesAndResamples(t *testing.T) {
	r := newRipl(t, 4)
	if err := r.Eval(1, comb(symDesc("normal"), numDesc(0), numDesc(1))); err != nil {
		t.Fatalf("eval: %v", err)
	}
	if err := r.Observe(1, numDesc(7.0)); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := r.Unconstrain(1); err != nil {
		t.Fatalf("unconstrain: %v", err)
	}
	v, err := r.ExtractValue(1)
	if err != nil {
		t.Fatalf("extractValue: %v", err)
	}
	if v.(float64) == 7.0 {
		t.Fatalf("unconstrain: expected a fresh resample away from the observed value (flaky only at p≈0)")
	}
}

func TestInferRunsSingleSiteMHWithoutError(t *testing.T) {
	r := newRipl(t, 5)
	if err := r.Eval(1, comb(symDesc("normal"), numDesc(0), numDesc(1))); err != nil {
		t.Fatalf("eval: %v", err)
	}
	if err := r.Eval(2, comb(symDesc("flip"), numDesc(0.5))); err != nil {
		t.Fatalf("eval: %v", err)
	}
	if err := r.Infer(20); err != nil {
		t.Fatalf("infer: %v", err)
	}
}

func TestInferRunsParticleGibbsWithoutError(t *testing.T) {
	cfg := DefaultInferConfig()
	cfg.Seed = 6
	cfg.Kernel = KernelParticleGibbs
	cfg.Particles = 4
	r, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Eval(1, comb(symDesc("normal"), numDesc(0), numDesc(1))); err != nil {
		t.Fatalf("eval: %v", err)
	}
	if err := r.Infer(3); err != nil {
		t.Fatalf("infer: %v", err)
	}
}
