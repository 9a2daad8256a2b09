package overlay

import (
	"fmt"
	"sync"

	"github.com/paulmach/orb"

	"fleetwatch/internal/fleet"
	"fleetwatch/internal/geo"
)

// State is the overlay state machine position.
type State int

const (
	Hidden State = iota
	Shown
)

func (s State) String() string {
	if s == Shown {
		return "shown"
	}
	return "hidden"
}

// Details are the display strings of the popup.
type Details struct {
	Title    string `json:"title"`
	Type     string `json:"type"`
	Speed    string `json:"speed"`
	Rotation string `json:"rotation"`
	LatLng   string `json:"lat_lng"`
}

// Popup is the rendered overlay for the selected vessel.
type Popup struct {
	Vessel  fleet.Entity `json:"vessel"`
	Anchor  *geo.Pixel   `json:"anchor,omitempty"`
	Details Details      `json:"details"`
}

// Controller binds at most one selected vessel to a popup. The selection is
// kept as an id and resolved against the canonical set on every access.
type Controller struct {
	mu       sync.Mutex
	state    State
	selected fleet.ID
	viewport geo.Viewport

	anchor    geo.Pixel
	anchorOK  bool
	anchorRev uint64
	anchorPos fleet.Position
	anchorSet bool
}

func NewController() *Controller {
	return &Controller{}
}

// State returns the current state and, when shown, the selected id.
func (c *Controller) State() (State, fleet.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.selected
}

// Select handles a click on a rendered vessel. Selecting the shown vessel
// again closes the overlay. Ids absent from set are ignored.
func (c *Controller) Select(set fleet.Set, id fleet.ID) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Shown && c.selected == id {
		c.hideLocked()
		return c.state
	}
	if !set.Has(id) {
		return c.state
	}
	c.state = Shown
	c.selected = id
	c.anchorSet = false
	return c.state
}

// Close hides the overlay.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hideLocked()
}

// HandleChange follows reconciliation and mutation changes: removal of the
// selected vessel hides the overlay, an update forces reprojection.
func (c *Controller) HandleChange(change fleet.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Shown {
		return
	}
	switch {
	case change.Diff.Removes(c.selected):
		c.hideLocked()
	case change.Diff.Touches(c.selected):
		c.anchorSet = false
	}
}

// Settle records the viewport after a pan, zoom or resize completes.
func (c *Controller) Settle(v geo.Viewport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewport = v
	c.anchorSet = false
}

// Popup resolves the overlay against set. It returns false when hidden or
// when the selected vessel is no longer tracked, in which case the overlay
// becomes hidden.
func (c *Controller) Popup(set fleet.Set) (Popup, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Shown {
		return Popup{}, false
	}
	e, ok := set.Get(c.selected)
	if !ok {
		c.hideLocked()
		return Popup{}, false
	}

	if !c.anchorSet || c.anchorRev != c.viewport.Revision || c.anchorPos != e.Position {
		c.anchor, c.anchorOK = geo.Project(orb.Point{e.Position.Lng, e.Position.Lat}, c.viewport)
		c.anchorRev = c.viewport.Revision
		c.anchorPos = e.Position
		c.anchorSet = true
	}

	p := Popup{Vessel: e, Details: describe(e)}
	if c.anchorOK {
		anchor := c.anchor
		p.Anchor = &anchor
	}
	return p, true
}

func (c *Controller) hideLocked() {
	c.state = Hidden
	c.selected = ""
	c.anchorSet = false
}

func describe(e fleet.Entity) Details {
	d := Details{
		Title:    e.Name,
		Type:     e.KindName,
		Speed:    fmt.Sprintf("%g km/hr", e.Speed),
		Rotation: fmt.Sprintf("%.2f/sec", e.HeadingRate),
		LatLng:   fmt.Sprintf("%.3f, %.3f", e.Position.Lat, e.Position.Lng),
	}
	if d.Title == "" {
		d.Title = "Unnamed Ship"
	}
	if d.Type == "" {
		d.Type = "Unknown"
	}
	return d
}
