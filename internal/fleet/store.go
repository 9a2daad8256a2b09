package fleet

import (
	"errors"
	"sync"
)

// ErrStaleSnapshot is returned when a snapshot was issued before one that
// has already been applied.
var ErrStaleSnapshot = errors.New("stale vessel snapshot")

// Source tells listeners what produced a change.
type Source string

const (
	SourcePoll     Source = "poll"
	SourceMutation Source = "mutation"
)

// Change is delivered to store listeners after every committed diff.
type Change struct {
	Version uint64 `json:"version"`
	Source  Source `json:"source"`
	Diff    Diff   `json:"diff"`
}

// Store owns the canonical vessel set. Every write replaces the whole set so
// readers always hold a consistent snapshot.
//
// Poll results and mutation folds share one monotonic write sequence: a poll
// takes its ticket when the fetch is issued, a mutation when it is folded.
// Vessels written locally after a poll ticket keep their local state when
// that poll lands, which resolves delete/re-add races as last writer wins.
type Store struct {
	rec *Reconciler

	mu      sync.Mutex
	set     Set
	seq     uint64
	applied uint64
	version uint64
	ready   bool
	writes  map[ID]uint64

	pending    []Change
	delivering bool

	notifyMu  sync.Mutex
	nextSub   int
	listeners map[int]func(Change)
}

func NewStore(rec *Reconciler) *Store {
	return &Store{
		rec:       rec,
		writes:    make(map[ID]uint64),
		listeners: make(map[int]func(Change)),
	}
}

// Snapshot returns the current set. The returned value is never mutated.
func (s *Store) Snapshot() Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Current returns the set together with the version it was committed at.
func (s *Store) Current() (Set, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set, s.version
}

// Version increases with every committed change.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Ready reports whether at least one snapshot has been applied.
func (s *Store) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Begin returns a ticket for a snapshot fetch that is about to be issued.
func (s *Store) Begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Subscribe registers fn for every committed change. Listeners run in commit
// order.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	return func() {
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		delete(s.listeners, id)
	}
}

// ApplySnapshot reconciles a fetched snapshot issued under ticket.
func (s *Store) ApplySnapshot(ticket uint64, snapshot []Entity) (Diff, error) {
	s.mu.Lock()
	if ticket <= s.applied {
		s.mu.Unlock()
		return Diff{}, ErrStaleSnapshot
	}
	if ticket > s.seq {
		s.seq = ticket
	}

	effective := make([]Entity, 0, len(snapshot))
	for _, e := range snapshot {
		if w, ok := s.writes[e.ID]; ok && w > ticket {
			continue
		}
		effective = append(effective, e)
	}
	for id, w := range s.writes {
		if w <= ticket {
			delete(s.writes, id)
			continue
		}
		if e, ok := s.set.Get(id); ok {
			effective = append(effective, e)
		}
	}

	next, diff := s.rec.Reconcile(s.set, effective)
	s.applied = ticket
	s.ready = true
	s.commitLocked(next, diff, SourcePoll)
	return diff, nil
}

// Put inserts or replaces a vessel confirmed by the registry.
func (s *Store) Put(e Entity) (Diff, error) {
	if err := e.Validate(); err != nil {
		return Diff{}, err
	}

	s.mu.Lock()
	s.seq++
	s.writes[e.ID] = s.seq

	var diff Diff
	prev, ok := s.set.Get(e.ID)
	switch {
	case !ok:
		diff.Ops = []Op{{Kind: OpAdd, ID: e.ID, Entity: e}}
	case prev != e:
		diff.Ops = []Op{{Kind: OpUpdate, ID: e.ID, Entity: e}}
	}
	next := s.set
	if !diff.Empty() {
		next = s.set.with(e)
	}
	s.commitLocked(next, diff, SourceMutation)
	return diff, nil
}

// Relocate moves a known vessel. It reports false when id is not tracked
// locally; the next poll cycle corrects the view in that case.
func (s *Store) Relocate(id ID, pos Position) (Diff, bool) {
	s.mu.Lock()
	e, ok := s.set.Get(id)
	if !ok {
		s.mu.Unlock()
		return Diff{}, false
	}
	s.seq++
	s.writes[id] = s.seq

	var diff Diff
	next := s.set
	if e.Position != pos {
		e.Position = pos
		diff.Ops = []Op{{Kind: OpUpdate, ID: id, Entity: e}}
		next = s.set.with(e)
	}
	s.commitLocked(next, diff, SourceMutation)
	return diff, true
}

// Remove drops a vessel deleted by the registry. The tombstone is kept until
// a snapshot issued after the removal lands, so an older in-flight poll
// cannot bring it back. It reports whether the vessel was tracked.
func (s *Store) Remove(id ID) (Diff, bool) {
	s.mu.Lock()
	s.seq++
	s.writes[id] = s.seq

	e, ok := s.set.Get(id)
	var diff Diff
	next := s.set
	if ok {
		diff.Ops = []Op{{Kind: OpRemove, ID: id, Entity: e}}
		next = s.set.without(id)
	}
	s.commitLocked(next, diff, SourceMutation)
	return diff, ok
}

// commitLocked swaps in next and notifies listeners. It must be called with
// s.mu held and releases it. Changes are delivered in commit order by
// whichever writer finds the queue idle; listeners may read the store.
func (s *Store) commitLocked(next Set, diff Diff, source Source) {
	if diff.Empty() {
		s.mu.Unlock()
		return
	}
	s.set = next
	s.version++
	s.pending = append(s.pending, Change{Version: s.version, Source: source, Diff: diff})
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for len(s.pending) > 0 {
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		s.notifyMu.Lock()
		listeners := make([]func(Change), 0, len(s.listeners))
		for _, fn := range s.listeners {
			listeners = append(listeners, fn)
		}
		s.notifyMu.Unlock()

		for _, change := range batch {
			for _, fn := range listeners {
				fn(change)
			}
		}
		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}
