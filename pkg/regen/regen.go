package regen

import (
	"fmt"

	"github.com/gitrdm/venturecore/internal/expr"
	"github.com/gitrdm/venturecore/pkg/env"
	"github.com/gitrdm/venturecore/pkg/node"
	"github.com/gitrdm/venturecore/pkg/psp"
	"github.com/gitrdm/venturecore/pkg/scaffold"
	"github.com/gitrdm/venturecore/pkg/trace"
	"github.com/gitrdm/venturecore/pkg/value"
)

// Detach walks s.Order in reverse, unincorporating and clearing every
// DRG node (spec §4.5). It returns the rollback DB regen needs for a
// restore, and rhoWeight: the negated sum of each node's own
// LogDensity (plus any DetachLatents contribution) — the "old" half
// of a single-site MH acceptance ratio. ProposeSingleSite subtracts it
// from Regen's forward weight, so a resampled node's old and new
// log-densities both enter that ratio with a positive sign; they do
// not cancel.
func Detach(tr *trace.Trace, s *scaffold.Scaffold) (*DB, float64, error) {
	db := newDB()
	var logWeight float64

	for i := len(s.Order) - 1; i >= 0; i-- {
		id := s.Order[i]
		n := tr.Arena().Get(id)
		if n == nil {
			return nil, 0, fmt.Errorf("regen: detach found no node %d", id)
		}

		if n.Kind() == node.RequestNode {
			// Fully handled when its owning Output node was detached
			// just before it (reverse order visits Output first); the
			// request snapshot was already saved there.
			tr.UnmarkRandomChoice(id)
			continue
		}

		sp, h, err := tr.SPFor(id)
		if err != nil {
			// Constant/Lookup nodes: no SP, just forward a value.
			if v, ok := n.Value(); ok {
				db.saveValue(id, v)
			}
			n.ClearValue()
			continue
		}

		args, err := tr.ArgsFor(id)
		if err != nil {
			return nil, 0, err
		}
		if val, ok := n.Value(); ok {
			if ld, assessable := sp.LogDensity(val, args); assessable {
				logWeight -= ld
			}
			sp.Unincorporate(val, args)
			db.saveValue(id, val)
		}
		if sp.HasLatents() {
			w, ldb, err := sp.DetachLatents(args.Aux)
			if err != nil {
				return nil, 0, err
			}
			logWeight += w
			db.saveLatent(id, ldb)
		}

		if n.Kind() == node.Output {
			if err := detachRequests(tr, n, h, db); err != nil {
				return nil, 0, err
			}
		}

		tr.UnmarkRandomChoice(id)
		n.ClearValue()
	}

	return db, logWeight, nil
}

func requestsOf(n *node.Node) []*value.Request {
	vals := n.Requests()
	out := make([]*value.Request, 0, len(vals))
	for _, v := range vals {
		if r, ok := v.AsRequest(); ok {
			out = append(out, r)
		}
	}
	return out
}

// detachRequests unlinks outNode's current ESR wiring and, for every
// family that was its sole referent, orphans the root in db rather
// than freeing it immediately — regen may still reclaim it.
func detachRequests(tr *trace.Trace, outNode *node.Node, h trace.SPHandle, db *DB) error {
	reqNode := tr.Arena().Get(outNode.RequestNode())
	if reqNode == nil {
		return nil
	}
	reqs := requestsOf(reqNode)
	db.saveRequests(outNode.RequestNode(), reqs)

	for _, esr := range outNode.ESRParents() {
		tr.Arena().Unwire(esr, outNode.ID())
	}
	outNode.ClearESRParents()

	for _, r := range reqs {
		root, last := tr.ReleaseFamily(h, r.FamilyID)
		if !last {
			continue
		}
		tr.RemoveFamily(h, r.FamilyID)
		db.orphan(h, r.FamilyID, root)
	}
	return nil
}

// Regen walks s.Order forward, resampling every DRG node (shouldRestore
// false) or replaying db to restore exactly the prior state
// (shouldRestore true). Absorbing-boundary nodes are not part of
// s.Order; callers must re-assess them separately via AbsorbDelta once
// their changed parent has a new value. When a resampled DRG node is
// itself an AAA maker (spec §4.5), Regen also rebuilds its fresh SPAux
// by re-incorporating every absorbing node the old made SP held, via
// s.AAAMadeConsumers.
func Regen(tr *trace.Trace, s *scaffold.Scaffold, db *DB, shouldRestore bool) (float64, error) {
	var logWeight float64
	esrByRequestNode := make(map[node.ID][]node.ID)

	for _, id := range s.Order {
		n := tr.Arena().Get(id)
		if n == nil {
			return 0, fmt.Errorf("regen: regen found no node %d", id)
		}

		switch n.Kind() {
		case node.Constant:
			n.SetValue(n.Literal())

		case node.Lookup:
			src := tr.Arena().Get(n.SourceNode())
			if src == nil {
				return 0, fmt.Errorf("regen: lookup %d source missing", id)
			}
			if v, ok := src.Value(); ok {
				n.SetValue(v)
			}

		case node.RequestNode:
			w, esrRoots, err := regenRequestNode(tr, n, db, shouldRestore)
			if err != nil {
				return 0, err
			}
			logWeight += w
			esrByRequestNode[id] = esrRoots

		case node.Output:
			w, err := regenOutputNode(tr, n, db, shouldRestore, esrByRequestNode[n.RequestNode()])
			if err != nil {
				return 0, err
			}
			logWeight += w

		default:
			return 0, fmt.Errorf("regen: unknown node kind for %d", id)
		}
	}

	// AAA rebuild runs only once every DRG node (including the Lookup
	// chains that forward a resampled maker's new handle to its
	// consumers) has its final regenerated value, so SPFor/ArgsFor
	// resolve against the fresh SPAux rather than a stale or cleared one.
	if !shouldRestore {
		for id := range s.AAA {
			if err := reincorporateMadeConsumers(tr, s, id); err != nil {
				return 0, err
			}
		}
	}

	for _, root := range db.remainingOrphans() {
		if err := tr.UnevalFamily(root); err != nil {
			return 0, err
		}
	}

	return logWeight, nil
}

func regenRequestNode(tr *trace.Trace, n *node.Node, db *DB, shouldRestore bool) (float64, []node.ID, error) {
	sp, h, err := tr.SPFor(n.ID())
	if err != nil {
		return 0, nil, err
	}
	operandIDs := n.OperandNodes()
	args, err := tr.BuildArgs(h, operandIDs, nil, nil, n.ID())
	if err != nil {
		return 0, nil, err
	}

	var requests []*value.Request
	if shouldRestore {
		requests, _ = db.savedRequests(n.ID())
	} else {
		requests, err = sp.SimulateRequest(args, tr.RNG())
		if err != nil {
			return 0, nil, err
		}
	}
	reqVals := make([]value.Value, len(requests))
	for i, r := range requests {
		reqVals[i] = value.MakeRequest(r)
	}
	n.SetRequests(reqVals)

	var logWeight float64
	roots := make([]node.ID, 0, len(requests))
	for _, r := range requests {
		if root, hit := tr.FamilyLookup(h, r.FamilyID); hit {
			roots = append(roots, root)
			continue
		}
		if root, ok := db.claimOrphan(h, r.FamilyID); ok {
			tr.InstallFamily(h, r.FamilyID, root)
			roots = append(roots, root)
			continue
		}
		subExpr, _ := r.Expression.(*expr.Expr)
		subEnv, _ := r.Env.(*env.Env)
		if subExpr == nil {
			return 0, nil, fmt.Errorf("regen: request miss with no expression to brush")
		}
		w, root, err := tr.EvalFamily(subExpr, subEnv)
		if err != nil {
			return 0, nil, err
		}
		logWeight += w
		tr.InstallFamily(h, r.FamilyID, root)
		roots = append(roots, root)
	}
	return logWeight, roots, nil
}

func regenOutputNode(tr *trace.Trace, n *node.Node, db *DB, shouldRestore bool, esrRoots []node.ID) (float64, error) {
	sp, h, err := tr.SPFor(n.ID())
	if err != nil {
		return 0, err
	}
	for _, root := range esrRoots {
		tr.Arena().WireESRParent(n, root)
	}
	operandIDs := n.OperandNodes()
	args, err := tr.BuildArgs(h, operandIDs, esrRoots, nil, n.ID())
	if err != nil {
		return 0, err
	}

	var logWeight float64
	var val value.Value
	if shouldRestore {
		v, ok := db.value(n.ID())
		if !ok {
			return 0, fmt.Errorf("regen: restore requested but no saved value for node %d", n.ID())
		}
		val = v
	} else {
		val, err = sp.Simulate(args, tr.RNG())
		if err != nil {
			return 0, err
		}
		if ld, ok := sp.LogDensity(val, args); ok {
			logWeight += ld
		}
	}

	n.SetValue(val)
	sp.Incorporate(val, args)

	if sp.HasLatents() {
		var ldb psp.LatentDB
		if shouldRestore {
			ldb, _ = db.latent(n.ID())
		}
		w, _, err := sp.SimulateLatents(args.Aux, shouldRestore, ldb, tr.RNG())
		if err != nil {
			return 0, err
		}
		logWeight += w
	}

	if sp.IsRandom() && !n.IsConstrained() {
		tr.MarkRandomChoice(n.ID())
	}
	return logWeight, nil
}

// reincorporateMadeConsumers rebuilds an AAA node's freshly installed
// (and therefore empty) SPAux from scratch, per spec §4.5: every
// absorbing-boundary node the old made SP had incorporated keeps its
// own fixed value across the resample, so re-running Incorporate with
// args resolved against the new handle restores the same sufficient
// statistics the old aux held. Skipped entirely on the restore path,
// since a restored AAA node's value (and therefore its made SP/aux) is
// the exact old handle, never torn down in the first place.
func reincorporateMadeConsumers(tr *trace.Trace, s *scaffold.Scaffold, aaaID node.ID) error {
	for _, id := range s.AAAMadeConsumers[aaaID] {
		n := tr.Arena().Get(id)
		if n == nil {
			continue
		}
		val, ok := n.Value()
		if !ok {
			continue
		}
		sp, _, err := tr.SPFor(id)
		if err != nil {
			return err
		}
		args, err := tr.ArgsFor(id)
		if err != nil {
			return err
		}
		sp.Incorporate(val, args)
	}
	return nil
}

// AbsorbDelta re-assesses an absorbing-boundary node against its
// (possibly changed) parent values without resimulating it, returning
// the log-density contribution a single-site MH kernel adds to its
// acceptance ratio (spec §4.3 CanAbsorb, §4.5 absorbing boundary). A
// request node on the boundary carries no value and contributes 0.
func AbsorbDelta(tr *trace.Trace, id node.ID) (float64, error) {
	n := tr.Arena().Get(id)
	if n == nil {
		return 0, fmt.Errorf("regen: absorb found no node %d", id)
	}
	if n.Kind() == node.RequestNode {
		return 0, nil
	}
	sp, _, err := tr.SPFor(id)
	if err != nil {
		return 0, err
	}
	args, err := tr.ArgsFor(id)
	if err != nil {
		return 0, err
	}
	val, ok := n.Value()
	if !ok {
		return 0, fmt.Errorf("regen: absorbing node %d has no value", id)
	}
	ld, assessable := sp.LogDensity(val, args)
	if !assessable {
		return 0, fmt.Errorf("regen: absorbing node %d has no log density", id)
	}
	return ld, nil
}
