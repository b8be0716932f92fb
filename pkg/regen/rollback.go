// Package regen implements the detach/regen traversal pair (spec
// §4.5, §4.4): detach tears a scaffold's DRG down in reverse
// topological order while recording a rollback DB; regen walks the
// same scaffold forward, either resampling fresh values (a proposal)
// or replaying the DB to restore exactly what detach removed (a
// rejected proposal or a particle-Gibbs retained path).
//
// Grounded on original_source/backend/new_cxx/src/db.cxx for the
// detach/restore contract, and on the teacher's control_flow.go
// (Ifa/Ifte) for the shape of a two-branch "resample or restore"
// dispatch driven by a single boolean.
package regen

import (
	"github.com/gitrdm/venturecore/pkg/node"
	"github.com/gitrdm/venturecore/pkg/psp"
	"github.com/gitrdm/venturecore/pkg/trace"
	"github.com/gitrdm/venturecore/pkg/value"
)

// orphanKey identifies a family that detach unlinked from its SP's
// family table but has not yet been freed, because regen might still
// reclaim it (spec §4.5 brush: "detach may destroy brush nodes
// entirely" only becomes true once regen confirms nothing still wants
// them).
type orphanKey struct {
	h        trace.SPHandle
	familyID string
}

// DB is the rollback database one detach/regen round trip shares.
// Grounded on db.cxx's DB: a per-node value table plus a per-node
// latent-state table, generalized here with an orphan table so brush
// subfamilies can be reclaimed without a full recursive snapshot.
type DB struct {
	values   map[node.ID]value.Value
	hadValue map[node.ID]bool
	latents  map[node.ID]psp.LatentDB
	requests map[node.ID][]*value.Request // keyed by request node ID
	orphans  map[orphanKey]node.ID
}

func newDB() *DB {
	return &DB{
		values:   make(map[node.ID]value.Value),
		hadValue: make(map[node.ID]bool),
		latents:  make(map[node.ID]psp.LatentDB),
		requests: make(map[node.ID][]*value.Request),
		orphans:  make(map[orphanKey]node.ID),
	}
}

func (db *DB) saveValue(id node.ID, v value.Value) {
	db.values[id] = v
	db.hadValue[id] = true
}

func (db *DB) value(id node.ID) (value.Value, bool) {
	v, ok := db.hadValue[id]
	if !ok || !v {
		return value.Value{}, false
	}
	return db.values[id], true
}

func (db *DB) saveLatent(id node.ID, l psp.LatentDB) {
	db.latents[id] = l
}

func (db *DB) latent(id node.ID) (psp.LatentDB, bool) {
	l, ok := db.latents[id]
	return l, ok
}

func (db *DB) saveRequests(id node.ID, reqs []*value.Request) {
	db.requests[id] = reqs
}

func (db *DB) savedRequests(id node.ID) ([]*value.Request, bool) {
	r, ok := db.requests[id]
	return r, ok
}

func (db *DB) orphan(h trace.SPHandle, familyID string, root node.ID) {
	db.orphans[orphanKey{h, familyID}] = root
}

// claimOrphan removes and returns a previously orphaned family, if
// present — used by regen when a fresh or restored request references
// a FamilyID detach had unlinked but not yet freed.
func (db *DB) claimOrphan(h trace.SPHandle, familyID string) (node.ID, bool) {
	k := orphanKey{h, familyID}
	root, ok := db.orphans[k]
	if ok {
		delete(db.orphans, k)
	}
	return root, ok
}

// remainingOrphans returns every orphan nobody claimed during regen —
// these are genuinely dead brush and must be freed.
func (db *DB) remainingOrphans() []node.ID {
	out := make([]node.ID, 0, len(db.orphans))
	for _, root := range db.orphans {
		out = append(out, root)
	}
	return out
}
