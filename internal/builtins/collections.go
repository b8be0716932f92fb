package builtins

import (
	"github.com/gitrdm/venturecore/pkg/psp"
	"github.com/gitrdm/venturecore/pkg/trace"
	"github.com/gitrdm/venturecore/pkg/value"
)

// pairSP, firstSP, restSP, listSP and isPairSP ground the list
// primitives of original_source/backend/cxx/src/builtin.cxx's table
// ("pair", "first", "rest", "list", "is_pair") against value.Value's
// KindPair/KindNil variant rather than a dedicated cons-cell type.

func pairSP() psp.SP {
	return deterministicSP{name: "pair", fn: func(args psp.Args) (value.Value, error) {
		if len(args.Operands) != 2 {
			return value.Value{}, &trace.ArityError{Operator: "pair", Expected: 2, Got: len(args.Operands)}
		}
		return value.Pair(args.Operands[0], args.Operands[1]), nil
	}}
}

func firstSP() psp.SP {
	return deterministicSP{name: "first", fn: func(args psp.Args) (value.Value, error) {
		if len(args.Operands) != 1 {
			return value.Value{}, &trace.ArityError{Operator: "first", Expected: 1, Got: len(args.Operands)}
		}
		car, _, ok := args.Operands[0].AsPair()
		if !ok {
			return value.Value{}, &trace.TypeError{Operator: "first", Position: 0, Expected: "pair", Got: args.Operands[0].Kind().String()}
		}
		return car, nil
	}}
}

func restSP() psp.SP {
	return deterministicSP{name: "rest", fn: func(args psp.Args) (value.Value, error) {
		if len(args.Operands) != 1 {
			return value.Value{}, &trace.ArityError{Operator: "rest", Expected: 1, Got: len(args.Operands)}
		}
		_, cdr, ok := args.Operands[0].AsPair()
		if !ok {
			return value.Value{}, &trace.TypeError{Operator: "rest", Position: 0, Expected: "pair", Got: args.Operands[0].Kind().String()}
		}
		return cdr, nil
	}}
}

func listSP() psp.SP {
	return deterministicSP{name: "list", fn: func(args psp.Args) (value.Value, error) {
		out := value.Nil()
		for i := len(args.Operands) - 1; i >= 0; i-- {
			out = value.Pair(args.Operands[i], out)
		}
		return out, nil
	}}
}

func isPairSP() psp.SP {
	return deterministicSP{name: "is_pair", fn: func(args psp.Args) (value.Value, error) {
		if len(args.Operands) != 1 {
			return value.Value{}, &trace.ArityError{Operator: "is_pair", Expected: 1, Got: len(args.Operands)}
		}
		_, _, ok := args.Operands[0].AsPair()
		return value.Bool(ok), nil
	}}
}

func listRefSP() psp.SP {
	return deterministicSP{name: "list_ref", fn: func(args psp.Args) (value.Value, error) {
		if len(args.Operands) != 2 {
			return value.Value{}, &trace.ArityError{Operator: "list_ref", Expected: 2, Got: len(args.Operands)}
		}
		idx, ok := args.Operands[1].AsNumber()
		if !ok {
			return value.Value{}, &trace.TypeError{Operator: "list_ref", Position: 1, Expected: "number", Got: args.Operands[1].Kind().String()}
		}
		cur := args.Operands[0]
		for i := 0; i < int(idx); i++ {
			car, cdr, ok := cur.AsPair()
			_ = car
			if !ok {
				return value.Value{}, &trace.DomainError{Operator: "list_ref", Detail: "index out of range"}
			}
			cur = cdr
		}
		car, _, ok := cur.AsPair()
		if !ok {
			return value.Value{}, &trace.DomainError{Operator: "list_ref", Detail: "index out of range"}
		}
		return car, nil
	}}
}

// make_vector/vector_lookup and make_map/map_lookup ground
// value.Value's KindArray and KindMap variants the same way: builtin.cxx
// keeps vectors and maps as distinct types from lists, so they get
// distinct SPs here rather than being folded into the list primitives.

func makeVectorSP() psp.SP {
	return deterministicSP{name: "make_vector", fn: func(args psp.Args) (value.Value, error) {
		return value.Array(args.Operands), nil
	}}
}

func vectorLookupSP() psp.SP {
	return deterministicSP{name: "vector_lookup", fn: func(args psp.Args) (value.Value, error) {
		if len(args.Operands) != 2 {
			return value.Value{}, &trace.ArityError{Operator: "vector_lookup", Expected: 2, Got: len(args.Operands)}
		}
		arr, ok := args.Operands[0].AsArray()
		if !ok {
			return value.Value{}, &trace.TypeError{Operator: "vector_lookup", Position: 0, Expected: "array", Got: args.Operands[0].Kind().String()}
		}
		idx, ok := args.Operands[1].AsNumber()
		if !ok {
			return value.Value{}, &trace.TypeError{Operator: "vector_lookup", Position: 1, Expected: "number", Got: args.Operands[1].Kind().String()}
		}
		i := int(idx)
		if i < 0 || i >= len(arr) {
			return value.Value{}, &trace.DomainError{Operator: "vector_lookup", Detail: "index out of range"}
		}
		return arr[i], nil
	}}
}

func makeMapSP() psp.SP {
	return deterministicSP{name: "make_map", fn: func(args psp.Args) (value.Value, error) {
		if len(args.Operands)%2 != 0 {
			return value.Value{}, &trace.ArityError{Operator: "make_map", Expected: len(args.Operands) + 1, Got: len(args.Operands)}
		}
		m := value.EmptyMap()
		for i := 0; i < len(args.Operands); i += 2 {
			m = m.MapSet(args.Operands[i], args.Operands[i+1])
		}
		return m, nil
	}}
}

func mapLookupSP() psp.SP {
	return deterministicSP{name: "map_lookup", fn: func(args psp.Args) (value.Value, error) {
		if len(args.Operands) != 2 {
			return value.Value{}, &trace.ArityError{Operator: "map_lookup", Expected: 2, Got: len(args.Operands)}
		}
		v, ok := args.Operands[0].MapGet(args.Operands[1])
		if !ok {
			return value.Value{}, &trace.DomainError{Operator: "map_lookup", Detail: "key not found"}
		}
		return v, nil
	}}
}

// Boolean connectives (and/or/not/xor), ungrounded in number.cxx but
// listed alongside it in builtin.cxx's fixed table.

func andSP() psp.SP {
	return deterministicSP{name: "and", fn: func(args psp.Args) (value.Value, error) {
		for _, v := range args.Operands {
			if !v.IsTrue() {
				return value.Bool(false), nil
			}
		}
		return value.Bool(true), nil
	}}
}

func orSP() psp.SP {
	return deterministicSP{name: "or", fn: func(args psp.Args) (value.Value, error) {
		for _, v := range args.Operands {
			if v.IsTrue() {
				return value.Bool(true), nil
			}
		}
		return value.Bool(false), nil
	}}
}

func notSP() psp.SP {
	return deterministicSP{name: "not", fn: func(args psp.Args) (value.Value, error) {
		if len(args.Operands) != 1 {
			return value.Value{}, &trace.ArityError{Operator: "not", Expected: 1, Got: len(args.Operands)}
		}
		return value.Bool(!args.Operands[0].IsTrue()), nil
	}}
}

func xorSP() psp.SP {
	return deterministicSP{name: "xor", fn: func(args psp.Args) (value.Value, error) {
		nums, err := operandBools("xor", args, 2)
		if err != nil {
			return value.Value{}, err
		}
		return value.Bool(nums[0] != nums[1]), nil
	}}
}

func operandBools(op string, args psp.Args, n int) ([]bool, error) {
	if len(args.Operands) != n {
		return nil, &trace.ArityError{Operator: op, Expected: n, Got: len(args.Operands)}
	}
	out := make([]bool, n)
	for i, v := range args.Operands {
		out[i] = v.IsTrue()
	}
	return out, nil
}
