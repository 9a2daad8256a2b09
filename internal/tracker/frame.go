package tracker

import (
	"github.com/paulmach/orb"

	"fleetwatch/internal/fleet"
	"fleetwatch/internal/geo"
	"fleetwatch/internal/notify"
	"fleetwatch/internal/overlay"
)

// Marker is one vessel of the filtered view. Pixel is nil while the
// viewport is not laid out or the position cannot be projected.
type Marker struct {
	Vessel   fleet.Entity `json:"vessel"`
	Pixel    *geo.Pixel   `json:"pixel,omitempty"`
	Visible  bool         `json:"visible"`
	Selected bool         `json:"selected"`
}

// Frame is everything a render pass needs, taken from one consistent
// snapshot of the vessel set.
type Frame struct {
	Version           uint64                `json:"version"`
	Ready             bool                  `json:"ready"`
	Viewport          geo.Viewport          `json:"viewport"`
	Query             string                `json:"query"`
	EffectiveQuery    string                `json:"effective_query"`
	QueryPending      bool                  `json:"query_pending"`
	Total             int                   `json:"total"`
	Markers           []Marker              `json:"markers"`
	Overlay           string                `json:"overlay"`
	Popup             *overlay.Popup        `json:"popup,omitempty"`
	Notifications     []notify.Notification `json:"notifications"`
	NotificationBadge int                   `json:"notification_badge"`
	AlertBadge        int                   `json:"alert_badge"`
}

// Frame builds a render pass. Marker pixels are projected against the
// current viewport on every call.
func (t *Tracker) Frame() Frame {
	set, version := t.store.Current()

	// The popup is projected against the same viewport revision as the
	// markers; Settle takes vpMu too.
	t.vpMu.Lock()
	vp := t.viewport
	popup, shown := t.overlay.Popup(set)
	t.vpMu.Unlock()

	f := Frame{
		Version:           version,
		Ready:             t.store.Ready(),
		Viewport:          vp,
		Query:             t.search.Raw(),
		EffectiveQuery:    t.search.Effective(),
		QueryPending:      t.search.Pending(),
		Total:             set.Len(),
		Notifications:     t.notify.List(),
		NotificationBadge: t.notify.UserCount(),
		AlertBadge:        t.board.ActiveCount(),
	}

	if shown {
		f.Popup = &popup
	}
	state, selected := t.overlay.State()
	f.Overlay = state.String()

	view := t.search.View(set)
	f.Markers = make([]Marker, 0, len(view))
	for _, e := range view {
		m := Marker{Vessel: e, Selected: state == overlay.Shown && e.ID == selected}
		if px, ok := geo.Project(orb.Point{e.Position.Lng, e.Position.Lat}, vp); ok {
			m.Pixel = &px
			m.Visible = vp.Contains(px)
		}
		f.Markers = append(f.Markers, m)
	}
	return f
}
