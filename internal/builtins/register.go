package builtins

import (
	"fmt"

	"github.com/gitrdm/venturecore/pkg/psp"
	"github.com/gitrdm/venturecore/pkg/trace"
	"github.com/gitrdm/venturecore/pkg/value"
)

type builtinEntry struct {
	name string
	sp   psp.SP
}

// builtinTable is the fixed name→SP list Register installs, grouped to
// mirror builtin.cxx's initBuiltInSPs sections (numbers, lists,
// vectors, maps, booleans, discrete/continuous distributions, control
// flow, exchangeable random procedures, mem). "biplex" is registered as
// a second name for the same branchSP behavior, matching the
// original's two table entries for one implementation.
func builtinTable() []builtinEntry {
	return []builtinEntry{
		{"plus", plusSP()},
		{"minus", minusSP()},
		{"times", timesSP()},
		{"div", divSP()},
		{"power", powerSP()},
		{"eq", eqSP()},
		{"gt", gtSP()},
		{"lt", ltSP()},
		{"gte", gteSP()},
		{"lte", lteSP()},
		{"real", realSP()},
		{"atom_eq", atomEqSP()},

		{"pair", pairSP()},
		{"first", firstSP()},
		{"rest", restSP()},
		{"list", listSP()},
		{"is_pair", isPairSP()},
		{"list_ref", listRefSP()},

		{"make_vector", makeVectorSP()},
		{"vector_lookup", vectorLookupSP()},
		{"make_map", makeMapSP()},
		{"map_lookup", mapLookupSP()},

		{"and", andSP()},
		{"or", orSP()},
		{"not", notSP()},
		{"xor", xorSP()},

		{"flip", bernoulliSP("flip")},
		{"bernoulli", bernoulliSP("bernoulli")},
		{"categorical", categoricalSP()},
		{"uniform_discrete", uniformDiscreteSP()},

		{"normal", normalSP()},
		{"uniform_continuous", uniformContinuousSP()},
		{"gamma", gammaSP()},
		{"beta", betaSP()},
		{"student_t", studentTSP()},

		{"branch", branchSP{name: "branch"}},
		{"biplex", branchSP{name: "biplex"}},

		{"make_crp", makeCRPSP{}},
		{"make_sym_dir_mult", makeSymDirMultSP{}},
		{"make_uc_sym_dir_mult", makeUCSymDirMultSP{}},
		{"make_lazy_hmm", makeLazyHMMSP{}},
		{"mem", memSP{}},
	}
}

// builtinValues is initBuiltInValues' counterpart: names bound
// directly to a value in the global environment rather than to a
// registered procedure.
func builtinValues() map[string]value.Value {
	return map[string]value.Value{
		"true":  value.Bool(true),
		"false": value.Bool(false),
	}
}

// Register installs the full builtin table into tr's global
// environment in one fixed ordered pass, mirroring
// original_source/backend/cxx/src/builtin.cxx's initBuiltInSPs/
// initBuiltInValues: every name is registered exactly once, and a
// second registration under the same name is a startup-time error
// rather than a silent shadow (trace.RegisterProcedure already
// enforces this — "duplicate builtin registration").
func Register(tr *trace.Trace) error {
	for _, e := range builtinTable() {
		if _, err := tr.RegisterProcedure(e.name, e.sp); err != nil {
			return fmt.Errorf("builtins: registering %q: %w", e.name, err)
		}
	}
	for name, v := range builtinValues() {
		n := tr.Arena().NewConstant(v)
		tr.GlobalEnv().Bind(name, n.ID())
	}
	return nil
}
