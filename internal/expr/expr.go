// Package expr implements the §6 expression encoding: a value
// descriptor ({type, value}) or a nested combination list, decoded
// into the small AST that Trace.EvalFamily walks recursively. This is
// the host-bridge side of the interface in spec §6; the concrete
// stochastic-procedure library (§1 "out of scope") lives in
// internal/builtins.
package expr

import (
	"fmt"

	"github.com/gitrdm/venturecore/pkg/value"
)

// Kind distinguishes the three expression shapes evalFamily recurses
// over (spec §4.4): a literal, a symbol lookup, or a combination.
type Kind int

const (
	Literal Kind = iota
	Sym
	Combination
)

// Expr is an immutable expression tree. Exactly one of Value/Name/Args
// is meaningful, selected by Kind.
type Expr struct {
	Kind  Kind
	Value value.Value // Literal
	Name  string      // Sym
	Args  []*Expr     // Combination: Args[0] is the operator
}

func NewLiteral(v value.Value) *Expr { return &Expr{Kind: Literal, Value: v} }
func NewSym(name string) *Expr       { return &Expr{Kind: Sym, Name: name} }
func NewCombination(parts []*Expr) *Expr {
	return &Expr{Kind: Combination, Args: parts}
}

// Descriptor is the wire shape of a leaf expression, per spec §6:
// `{type, value}` with type in {boolean, number, symbol, atom}.
type Descriptor struct {
	Type  string      `json:"type" yaml:"type"`
	Value interface{} `json:"value" yaml:"value"`
}

// Decode converts a host-supplied expression — either a Descriptor or
// a []interface{} of further expressions (a proper list, operator
// first) — into an *Expr tree. Host values arrive as already-decoded
// Go data (e.g. from encoding/json.Unmarshal into interface{}), so
// Decode type-switches on the shape rather than parsing text; there is
// no expression parser in this module (spec §1 "out of scope").
func Decode(raw interface{}) (*Expr, error) {
	switch v := raw.(type) {
	case Descriptor:
		return decodeDescriptor(v)
	case map[string]interface{}:
		return decodeDescriptorMap(v)
	case []interface{}:
		if len(v) == 0 {
			return nil, fmt.Errorf("expr: combination must have at least an operator")
		}
		parts := make([]*Expr, len(v))
		for i, elt := range v {
			sub, err := Decode(elt)
			if err != nil {
				return nil, fmt.Errorf("expr: combination element %d: %w", i, err)
			}
			parts[i] = sub
		}
		return NewCombination(parts), nil
	default:
		return nil, fmt.Errorf("expr: unrecognized expression shape %T", raw)
	}
}

func decodeDescriptorMap(m map[string]interface{}) (*Expr, error) {
	t, _ := m["type"].(string)
	return decodeDescriptor(Descriptor{Type: t, Value: m["value"]})
}

func decodeDescriptor(d Descriptor) (*Expr, error) {
	switch d.Type {
	case "boolean":
		b, ok := d.Value.(bool)
		if !ok {
			return nil, fmt.Errorf("expr: boolean descriptor with non-bool value %v", d.Value)
		}
		return NewLiteral(value.Bool(b)), nil
	case "number":
		switch n := d.Value.(type) {
		case float64:
			return NewLiteral(value.Number(n)), nil
		case int:
			return NewLiteral(value.Number(float64(n))), nil
		default:
			return nil, fmt.Errorf("expr: number descriptor with non-numeric value %v", d.Value)
		}
	case "symbol":
		s, ok := d.Value.(string)
		if !ok {
			return nil, fmt.Errorf("expr: symbol descriptor with non-string value %v", d.Value)
		}
		return NewSym(s), nil
	case "atom":
		switch n := d.Value.(type) {
		case float64:
			return NewLiteral(value.Atom(uint32(n))), nil
		case int:
			return NewLiteral(value.Atom(uint32(n))), nil
		default:
			return nil, fmt.Errorf("expr: atom descriptor with non-numeric value %v", d.Value)
		}
	default:
		return nil, fmt.Errorf("expr: unknown descriptor type %q", d.Type)
	}
}

func (e *Expr) String() string {
	switch e.Kind {
	case Literal:
		return e.Value.String()
	case Sym:
		return e.Name
	case Combination:
		s := "("
		for i, a := range e.Args {
			if i > 0 {
				s += " "
			}
			s += a.String()
		}
		return s + ")"
	default:
		return "?"
	}
}
