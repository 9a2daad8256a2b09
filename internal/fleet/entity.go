package fleet

import (
	"fmt"
	"math"
	"sort"
)

// ID identifies a vessel. The registry assigns it and never reuses it while
// the view still references it.
type ID string

// Position is a WGS-84 coordinate in degrees.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p Position) valid() (string, bool) {
	switch {
	case math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0):
		return "latitude", false
	case math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0):
		return "longitude", false
	case p.Lat < -90 || p.Lat > 90:
		return "latitude", false
	case p.Lng < -180 || p.Lng > 180:
		return "longitude", false
	}
	return "", true
}

// Entity is a tracked vessel.
type Entity struct {
	ID          ID       `json:"id"`
	Name        string   `json:"name"`
	Position    Position `json:"position"`
	Kind        int      `json:"kind"`
	KindName    string   `json:"kind_name,omitempty"`
	Speed       float64  `json:"speed"`
	HeadingRate float64  `json:"heading_rate"`
	OnMission   bool     `json:"on_mission"`
}

// MalformedRecordError reports a snapshot entry that cannot be tracked.
type MalformedRecordError struct {
	ID    ID
	Field string
}

func (e *MalformedRecordError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("malformed vessel record: invalid %s", e.Field)
	}
	return fmt.Sprintf("malformed vessel record %q: invalid %s", string(e.ID), e.Field)
}

// Validate checks the fields reconciliation depends on.
func (e Entity) Validate() error {
	if e.ID == "" {
		return &MalformedRecordError{Field: "id"}
	}
	if e.Name == "" {
		return &MalformedRecordError{ID: e.ID, Field: "name"}
	}
	if field, ok := e.Position.valid(); !ok {
		return &MalformedRecordError{ID: e.ID, Field: field}
	}
	return nil
}

// Set is an immutable id -> Entity mapping. Writers build a new Set; the zero
// value is an empty set.
type Set struct {
	m map[ID]Entity
}

// NewSet builds a set from entities; later duplicates win.
func NewSet(entities ...Entity) Set {
	m := make(map[ID]Entity, len(entities))
	for _, e := range entities {
		m[e.ID] = e
	}
	return Set{m: m}
}

func (s Set) Len() int { return len(s.m) }

func (s Set) Get(id ID) (Entity, bool) {
	e, ok := s.m[id]
	return e, ok
}

func (s Set) Has(id ID) bool {
	_, ok := s.m[id]
	return ok
}

// Entities returns the members ordered by name, then id, so renders are stable.
func (s Set) Entities() []Entity {
	out := make([]Entity, 0, len(s.m))
	for _, e := range s.m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// with returns a copy of s with e inserted or replaced.
func (s Set) with(e Entity) Set {
	m := make(map[ID]Entity, len(s.m)+1)
	for k, v := range s.m {
		m[k] = v
	}
	m[e.ID] = e
	return Set{m: m}
}

// without returns a copy of s lacking id.
func (s Set) without(id ID) Set {
	m := make(map[ID]Entity, len(s.m))
	for k, v := range s.m {
		if k != id {
			m[k] = v
		}
	}
	return Set{m: m}
}
