// Package venture is the host-facing session type: it wires
// pkg/trace, pkg/infer, and internal/builtins together behind the
// fixed directive surface of §6 (eval/extractValue/bindInGlobalEnv/
// observe/infer), plus the supplemented unobserve directive. Grounded
// on gitrdm-gokando/pkg/minikanren/highlevel_api.go's shape: a thin
// façade a host calls, not a second copy of the engine's logic.
package venture

import (
	"fmt"
	"io"
	"os"

	"github.com/gitrdm/venturecore/internal/builtins"
	"github.com/gitrdm/venturecore/internal/expr"
	"github.com/gitrdm/venturecore/internal/logconv"
	"github.com/gitrdm/venturecore/pkg/infer"
	"github.com/gitrdm/venturecore/pkg/node"
	"github.com/gitrdm/venturecore/pkg/regen"
	"github.com/gitrdm/venturecore/pkg/scaffold"
	"github.com/gitrdm/venturecore/pkg/trace"
	"github.com/gitrdm/venturecore/pkg/value"
)

// Ripl is a single probabilistic-programming session: one trace, its
// registered builtins, and the directive-ID bookkeeping a host uses to
// refer back to families it created earlier. The name follows the
// original's own term for this façade (pytrace.cxx's read-infer-print
// loop wrapper) — the five directives it exposes (plus Unconstrain)
// are the only mutating entry points, per spec §6 and SPEC_FULL.md §D.
type Ripl struct {
	tr  *trace.Trace
	cfg *InferConfig
}

// New builds a Ripl from an InferConfig, registering every builtin
// procedure into the trace's global environment before returning. log
// may be nil, in which case the trace logs nowhere (logconv.Nop).
func New(cfg *InferConfig, log logconv.Logger) (*Ripl, error) {
	if cfg == nil {
		cfg = DefaultInferConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("venture: %w", err)
	}
	if log == nil {
		log = logconv.Nop()
	}
	tr := trace.New(cfg.Seed, log)
	if err := builtins.Register(tr); err != nil {
		return nil, fmt.Errorf("venture: %w", err)
	}
	return &Ripl{tr: tr, cfg: cfg}, nil
}

// NewFromFile loads an InferConfig from path (falling back to defaults
// if path is empty or missing) and logs to w at the configured level.
func NewFromFile(path string, w io.Writer) (*Ripl, error) {
	cfg, err := LoadInferConfig(path)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	return New(cfg, logconv.New(w, cfg.LogLevel))
}

// Trace exposes the underlying trace for callers (tests, the CLI
// harness) that need lower-level access without reaching through a
// directive — e.g. to inspect RandomChoices directly.
func (r *Ripl) Trace() *trace.Trace { return r.tr }

// Eval is the `eval(id, expression)` directive: decode the host
// expression, evaluate a fresh family, and register its root under id
// so later directives can refer back to it.
func (r *Ripl) Eval(id int, expression interface{}) error {
	ex, err := expr.Decode(expression)
	if err != nil {
		return fmt.Errorf("venture: eval %d: %w", id, err)
	}
	_, root, err := r.tr.EvalFamily(ex, r.tr.GlobalEnv())
	if err != nil {
		return fmt.Errorf("venture: eval %d: %w", id, err)
	}
	r.tr.RegisterDirective(id, root)
	return nil
}

// ExtractValue is `extractValue(id) -> hostValue`: the current value
// of family id's root node, converted to a plain Go value a host can
// serialize without importing pkg/value.
func (r *Ripl) ExtractValue(id int) (interface{}, error) {
	v, err := r.tr.ExtractValue(id)
	if err != nil {
		return nil, fmt.Errorf("venture: extractValue %d: %w", id, err)
	}
	return toHostValue(v), nil
}

// BindInGlobalEnv is `bindInGlobalEnv(symbol, id)`: make id's root
// node the binding of symbol in the global environment, so later
// expressions can reference it by name.
func (r *Ripl) BindInGlobalEnv(symbol string, id int) error {
	root, ok := r.tr.DirectiveRoot(id)
	if !ok {
		return fmt.Errorf("venture: bindInGlobalEnv: unknown directive %d", id)
	}
	r.tr.GlobalEnv().Bind(symbol, root)
	return nil
}

// Observe is `observe(id, value)`: constrain family id's root to the
// given host-encoded value (a plain {type, value} descriptor, not a
// combination — observing binds a value, it does not evaluate one).
func (r *Ripl) Observe(id int, val interface{}) error {
	root, ok := r.tr.DirectiveRoot(id)
	if !ok {
		return fmt.Errorf("venture: observe: unknown directive %d", id)
	}
	v, err := decodeValue(val)
	if err != nil {
		return fmt.Errorf("venture: observe %d: %w", id, err)
	}
	if err := r.tr.Constrain(root, v); err != nil {
		return fmt.Errorf("venture: observe %d: %w", id, err)
	}
	return nil
}

// Unconstrain is the supplemented "unobserve" directive (SPEC_FULL.md
// §D): release family id's root back into randomChoices and resample
// it once, symmetric to Observe.
func (r *Ripl) Unconstrain(id int) error {
	root, ok := r.tr.DirectiveRoot(id)
	if !ok {
		return fmt.Errorf("venture: unconstrain: unknown directive %d", id)
	}
	if err := r.tr.Unconstrain(root); err != nil {
		return fmt.Errorf("venture: unconstrain %d: %w", id, err)
	}
	s, err := scaffold.Build(r.tr.Arena(), r.tr, []node.ID{root})
	if err != nil {
		return fmt.Errorf("venture: unconstrain %d: %w", id, err)
	}
	db, _, err := regen.Detach(r.tr, s)
	if err != nil {
		return fmt.Errorf("venture: unconstrain %d: %w", id, err)
	}
	if _, err := regen.Regen(r.tr, s, db, false); err != nil {
		return fmt.Errorf("venture: unconstrain %d: %w", id, err)
	}
	return nil
}

// Infer is the `infer(n)` directive: run n inference steps with the
// kernel named by the Ripl's InferConfig. n<=0 falls back to the
// config's default step count.
func (r *Ripl) Infer(n int) error {
	if n <= 0 {
		n = r.cfg.Steps
	}
	for i := 0; i < n; i++ {
		if err := r.inferStep(); err != nil {
			return fmt.Errorf("venture: infer step %d: %w", i, err)
		}
	}
	return nil
}

func (r *Ripl) inferStep() error {
	switch r.cfg.Kernel {
	case KernelParticleGibbs:
		choices := r.tr.RandomChoices()
		if len(choices) == 0 {
			return nil
		}
		principal := choices[0]
		_, err := infer.ParticleGibbs(r.tr, principal, r.cfg.Particles)
		return err
	default:
		_, err := infer.SingleSiteMH(r.tr)
		return err
	}
}

// decodeValue turns a host-encoded {type, value} descriptor directly
// into a value.Value, rejecting anything that would require
// evaluation (a symbol lookup or a combination) — observe binds an
// already-known value to a node, it never runs code.
func decodeValue(raw interface{}) (value.Value, error) {
	ex, err := expr.Decode(raw)
	if err != nil {
		return value.Value{}, err
	}
	if ex.Kind != expr.Literal {
		return value.Value{}, fmt.Errorf("expected a value descriptor, got an expression")
	}
	return ex.Value, nil
}

// toHostValue converts a value.Value into plain Go data a host can
// marshal (e.g. to JSON) without depending on pkg/value.
func toHostValue(v value.Value) interface{} {
	switch v.Kind() {
	case value.KindBool:
		b, _ := v.AsBool()
		return b
	case value.KindNumber:
		f, _ := v.AsNumber()
		return f
	case value.KindAtom:
		a, _ := v.AsAtom()
		return a
	case value.KindSymbol:
		s, _ := v.AsSymbol()
		return s
	case value.KindNil:
		return nil
	case value.KindPair:
		car, cdr, _ := v.AsPair()
		return []interface{}{toHostValue(car), toHostValue(cdr)}
	case value.KindArray:
		arr, _ := v.AsArray()
		out := make([]interface{}, len(arr))
		for i, e := range arr {
			out[i] = toHostValue(e)
		}
		return out
	default:
		return v.String()
	}
}
