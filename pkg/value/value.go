// Package value implements the tagged runtime value variant shared by
// every layer of the trace: node values, SP arguments, SP outputs, and
// the host bridge all speak Value.
//
// Values are immutable and freely shared across goroutines; none hold
// mutable state. Equality is structural and hashing is consistent with
// equality, mirroring the contract the teacher's Term interface
// documents for Atom/Pair (core.go).
package value

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the runtime variant a Value holds.
type Kind int

const (
	KindNumber Kind = iota
	KindBool
	KindAtom
	KindSymbol
	KindNil
	KindPair
	KindArray
	KindMap
	KindEnv
	KindProcedure
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindAtom:
		return "atom"
	case KindSymbol:
		return "symbol"
	case KindNil:
		return "nil"
	case KindPair:
		return "pair"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindEnv:
		return "environment"
	case KindProcedure:
		return "procedure"
	case KindRequest:
		return "request"
	default:
		return "unknown"
	}
}

// Request is the payload of a KindRequest value: a FamilyID that is
// always checked against the family table first, plus the Expression
// (and Env) evaluated as a fresh brush family only when that lookup
// misses.
type Request struct {
	// FamilyID is the content-addressed key evalFamily checks against
	// the operator's SP-family table (spec §4.4 step 3). Callers that
	// want a guaranteed one-off ("brush") instantiation — e.g. a
	// freshly applied lambda — pass a key nothing else can produce
	// (typically a fresh UUID); callers that want exchangeable reuse —
	// e.g. mem — derive FamilyID deterministically from the request's
	// argument values so repeated equal calls hit the same family.
	FamilyID string
	// Expression/Env are consulted only on a family-table miss, to
	// instantiate the family via a recursive EvalFamily. Opaque
	// interface{} here (rather than *expr.Expr/*env.Env) to avoid an
	// import cycle between pkg/value and pkg/trace's dependents.
	Expression interface{}
	Env        interface{}
}

// Value is the single immutable runtime value type. The zero Value is
// not valid; always construct through the New* functions.
type Value struct {
	kind    Kind
	num     float64
	boolean bool
	atom    uint32
	sym     string
	pairA   *Value
	pairB   *Value
	arr     []Value
	mp      *orderedMap
	envH    EnvHandle
	procH   ProcHandle
	req     *Request
}

// EnvHandle and ProcHandle are opaque identities carried inside a
// Value so that pkg/value never imports pkg/env or pkg/psp (which
// would create an import cycle back to value.Value). Callers coerce
// these to their concrete handle types.
type EnvHandle = uint64
type ProcHandle = uint64

// orderedMap preserves insertion order for Map values, matching the
// spec's "ordered map Value→Value" data model.
type orderedMap struct {
	keys []Value
	vals []Value
}

func (m *orderedMap) clone() *orderedMap {
	n := &orderedMap{keys: make([]Value, len(m.keys)), vals: make([]Value, len(m.vals))}
	copy(n.keys, m.keys)
	copy(n.vals, m.vals)
	return n
}

func Number(f float64) Value { return Value{kind: KindNumber, num: f} }
func Bool(b bool) Value      { return Value{kind: KindBool, boolean: b} }
func Atom(id uint32) Value   { return Value{kind: KindAtom, atom: id} }
func Symbol(s string) Value  { return Value{kind: KindSymbol, sym: s} }
func Nil() Value             { return Value{kind: KindNil} }

func Pair(car, cdr Value) Value {
	return Value{kind: KindPair, pairA: &car, pairB: &cdr}
}

func Array(items []Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindArray, arr: cp}
}

func EmptyMap() Value {
	return Value{kind: KindMap, mp: &orderedMap{}}
}

func MapFrom(keys, vals []Value) Value {
	m := &orderedMap{}
	for i := range keys {
		m.keys = append(m.keys, keys[i])
		m.vals = append(m.vals, vals[i])
	}
	return Value{kind: KindMap, mp: m}
}

func Env(h EnvHandle) Value  { return Value{kind: KindEnv, envH: h} }
func Proc(h ProcHandle) Value { return Value{kind: KindProcedure, procH: h} }

func MakeRequest(r *Request) Value { return Value{kind: KindRequest, req: r} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNil() bool { return v.kind == KindNil }

func (v Value) AsNumber() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.boolean, true
}

func (v Value) AsAtom() (uint32, bool) {
	if v.kind != KindAtom {
		return 0, false
	}
	return v.atom, true
}

func (v Value) AsSymbol() (string, bool) {
	if v.kind != KindSymbol {
		return "", false
	}
	return v.sym, true
}

func (v Value) AsPair() (car, cdr Value, ok bool) {
	if v.kind != KindPair {
		return Value{}, Value{}, false
	}
	return *v.pairA, *v.pairB, true
}

func (v Value) AsArray() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	cp := make([]Value, len(v.arr))
	copy(cp, v.arr)
	return cp, true
}

func (v Value) AsEnv() (EnvHandle, bool) {
	if v.kind != KindEnv {
		return 0, false
	}
	return v.envH, true
}

func (v Value) AsProc() (ProcHandle, bool) {
	if v.kind != KindProcedure {
		return 0, false
	}
	return v.procH, true
}

func (v Value) AsRequest() (*Request, bool) {
	if v.kind != KindRequest {
		return nil, false
	}
	return v.req, true
}

// MapGet looks up key by structural equality, returning (value, true)
// on a hit.
func (v Value) MapGet(key Value) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	for i, k := range v.mp.keys {
		if k.Equal(key) {
			return v.mp.vals[i], true
		}
	}
	return Value{}, false
}

// MapSet returns a new Map value with key bound to val, preserving
// insertion order of existing keys and appending new ones. Values are
// immutable, so this never mutates v's underlying map.
func (v Value) MapSet(key, val Value) Value {
	if v.kind != KindMap {
		panic("MapSet on non-map value")
	}
	next := v.mp.clone()
	for i, k := range next.keys {
		if k.Equal(key) {
			next.vals[i] = val
			return Value{kind: KindMap, mp: next}
		}
	}
	next.keys = append(next.keys, key)
	next.vals = append(next.vals, val)
	return Value{kind: KindMap, mp: next}
}

func (v Value) MapKeys() []Value {
	if v.kind != KindMap {
		return nil
	}
	cp := make([]Value, len(v.mp.keys))
	copy(cp, v.mp.keys)
	return cp
}

func (v Value) MapLen() int {
	if v.kind != KindMap {
		return 0
	}
	return len(v.mp.keys)
}

// Equal reports structural equality, per the data model in spec §3.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.boolean == o.boolean
	case KindAtom:
		return v.atom == o.atom
	case KindSymbol:
		return v.sym == o.sym
	case KindNil:
		return true
	case KindPair:
		return v.pairA.Equal(*o.pairA) && v.pairB.Equal(*o.pairB)
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.mp.keys) != len(o.mp.keys) {
			return false
		}
		for i, k := range v.mp.keys {
			other, ok := o.MapGet(k)
			if !ok || !other.Equal(v.mp.vals[i]) {
				return false
			}
		}
		return true
	case KindEnv:
		return v.envH == o.envH
	case KindProcedure:
		return v.procH == o.procH
	case KindRequest:
		return v.req == o.req
	default:
		return false
	}
}

// Hash returns a hash consistent with Equal: equal values hash equal.
func (v Value) Hash() uint64 {
	const prime = 1099511628211
	h := uint64(14695981039346656037)
	mix := func(b byte) {
		h ^= uint64(b)
		h *= prime
	}
	mixStr := func(s string) {
		for i := 0; i < len(s); i++ {
			mix(s[i])
		}
	}
	mix(byte(v.kind))
	switch v.kind {
	case KindNumber:
		n := v.num
		if n == 0 {
			n = 0 // -0 == 0 under Equal, so both hash as 0
		}
		mixStr(strconv.FormatFloat(n, 'g', -1, 64))
	case KindBool:
		if v.boolean {
			mix(1)
		}
	case KindAtom:
		mixStr(strconv.FormatUint(uint64(v.atom), 10))
	case KindSymbol:
		mixStr(v.sym)
	case KindNil:
	case KindPair:
		h ^= v.pairA.Hash()
		h *= prime
		h ^= v.pairB.Hash()
		h *= prime
	case KindArray:
		for _, e := range v.arr {
			h ^= e.Hash()
			h *= prime
		}
	case KindMap:
		// Order-independent: XOR per-entry hashes so MapSet reordering
		// (which never happens, but defensively) cannot change Hash.
		var acc uint64
		for i, k := range v.mp.keys {
			eh := k.Hash() ^ (v.mp.vals[i].Hash() * prime)
			acc ^= eh
		}
		h ^= acc
	case KindEnv:
		mixStr(strconv.FormatUint(v.envH, 10))
	case KindProcedure:
		mixStr(strconv.FormatUint(v.procH, 10))
	case KindRequest:
		mixStr(v.req.FamilyID)
	}
	return h
}

func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.boolean)
	case KindAtom:
		return fmt.Sprintf("atom<%d>", v.atom)
	case KindSymbol:
		return v.sym
	case KindNil:
		return "nil"
	case KindPair:
		return fmt.Sprintf("(%s . %s)", v.pairA.String(), v.pairB.String())
	case KindArray:
		parts := make([]string, len(v.arr))
		for i, e := range v.arr {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, " ") + "]"
	case KindMap:
		parts := make([]string, 0, len(v.mp.keys))
		for i, k := range v.mp.keys {
			parts = append(parts, fmt.Sprintf("%s: %s", k.String(), v.mp.vals[i].String()))
		}
		sort.Strings(parts)
		return "{" + strings.Join(parts, ", ") + "}"
	case KindEnv:
		return fmt.Sprintf("env<%d>", v.envH)
	case KindProcedure:
		return fmt.Sprintf("proc<%d>", v.procH)
	case KindRequest:
		return fmt.Sprintf("request<%s>", v.req.FamilyID)
	default:
		return "?"
	}
}

// IsTrue implements the host language's truthiness: only false (#f) is
// falsy; nil and every other value, including 0, are truthy. This
// matches the Venture/Scheme convention the original source follows.
func (v Value) IsTrue() bool {
	if v.kind == KindBool {
		return v.boolean
	}
	return true
}

// Float64 is a convenience accessor that panics on kind mismatch; used
// only by builtins that have already kind-checked via AsNumber.
func (v Value) Float64() float64 {
	if v.kind != KindNumber {
		panic("Float64 called on non-number Value")
	}
	return v.num
}

// NaNSafe reports whether f is a finite, non-NaN number — used by SPs
// that must reject degenerate samples before wrapping them in a Value.
func NaNSafe(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
