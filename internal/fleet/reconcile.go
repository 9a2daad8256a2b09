package fleet

import (
	"errors"
	"sort"

	"github.com/rs/zerolog"
)

// OpKind is the lifecycle operation emitted for a single vessel.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpUpdate OpKind = "update"
	OpRemove OpKind = "remove"
)

// Op describes one vessel lifecycle change. Entity holds the new state for
// add/update and the last known state for remove.
type Op struct {
	Kind   OpKind `json:"op"`
	ID     ID     `json:"id"`
	Entity Entity `json:"entity"`
}

// Diff is the result of reconciling two vessel sets.
type Diff struct {
	Ops     []Op `json:"ops"`
	Dropped int  `json:"dropped,omitempty"`
}

func (d Diff) Empty() bool { return len(d.Ops) == 0 }

// Count returns the number of ops of the given kind.
func (d Diff) Count(kind OpKind) int {
	n := 0
	for _, op := range d.Ops {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// Removes reports whether the diff removes id.
func (d Diff) Removes(id ID) bool {
	for _, op := range d.Ops {
		if op.Kind == OpRemove && op.ID == id {
			return true
		}
	}
	return false
}

// Touches reports whether the diff carries any op for id.
func (d Diff) Touches(id ID) bool {
	for _, op := range d.Ops {
		if op.ID == id {
			return true
		}
	}
	return false
}

// Reconciler diffs fetched snapshots against the current set.
type Reconciler struct {
	log zerolog.Logger
}

func NewReconciler(log zerolog.Logger) *Reconciler {
	return &Reconciler{log: log.With().Str("component", "reconciler").Logger()}
}

// Reconcile computes the next set and the add/update/remove diff that leads
// to it. Malformed entries are dropped and logged; duplicates resolve to the
// last occurrence. A tracked vessel whose only entries are malformed keeps
// its previous state instead of being removed.
func (r *Reconciler) Reconcile(current Set, snapshot []Entity) (Set, Diff) {
	var diff Diff

	latest := make(map[ID]int, len(snapshot))
	malformed := make(map[ID]bool)
	for i, e := range snapshot {
		if err := e.Validate(); err != nil {
			diff.Dropped++
			var mre *MalformedRecordError
			if errors.As(err, &mre) {
				r.log.Warn().Str("vessel_id", string(mre.ID)).Str("field", mre.Field).Msg("dropping malformed vessel record")
				if mre.ID != "" {
					malformed[mre.ID] = true
				}
			}
			continue
		}
		latest[e.ID] = i
	}

	order := make([]int, 0, len(latest))
	for _, i := range latest {
		order = append(order, i)
	}
	sort.Ints(order)

	next := make(map[ID]Entity, len(order))
	for _, i := range order {
		e := snapshot[i]
		next[e.ID] = e
		prev, ok := current.m[e.ID]
		switch {
		case !ok:
			diff.Ops = append(diff.Ops, Op{Kind: OpAdd, ID: e.ID, Entity: e})
		case prev != e:
			diff.Ops = append(diff.Ops, Op{Kind: OpUpdate, ID: e.ID, Entity: e})
		}
	}

	var removed []Entity
	for id, e := range current.m {
		if _, ok := next[id]; ok {
			continue
		}
		if malformed[id] {
			next[id] = e
			continue
		}
		removed = append(removed, e)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	for _, e := range removed {
		diff.Ops = append(diff.Ops, Op{Kind: OpRemove, ID: e.ID, Entity: e})
	}

	if diff.Empty() {
		return current, diff
	}
	return Set{m: next}, diff
}
