package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

const (
	// TileSize is the width of the Web-Mercator world at zoom 0, in pixels.
	TileSize = 256.0

	// MaxLatitude is the Web-Mercator cut-off.
	MaxLatitude = 85.05112878

	mercatorRadius = 6378137.0
)

var worldMeters = 2 * math.Pi * mercatorRadius

// Pixel is a surface-relative coordinate. It stays fractional until render.
type Pixel struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Round returns integer pixel coordinates for drawing.
func (p Pixel) Round() (int, int) {
	return int(math.Round(p.X)), int(math.Round(p.Y))
}

// Viewport is the visible map region as reported by the rendering surface.
// Revision changes on every settle event; projections computed for one
// revision are not valid for another.
type Viewport struct {
	Center    orb.Point `json:"center"`
	Zoom      float64   `json:"zoom"`
	SouthWest orb.Point `json:"south_west"`
	NorthEast orb.Point `json:"north_east"`
	Width     float64   `json:"width"`
	Height    float64   `json:"height"`
	Revision  uint64    `json:"revision"`
}

// Ready reports whether the viewport has been laid out.
func (v Viewport) Ready() bool {
	if v.Width <= 0 || v.Height <= 0 {
		return false
	}
	if !finite(v.Zoom) || v.Zoom < 0 {
		return false
	}
	if !addressable(v.SouthWest) || !addressable(v.NorthEast) {
		return false
	}
	return v.NorthEast.Lat() > v.SouthWest.Lat()
}

// CrossesAntimeridian reports whether the visible region wraps past 180°.
func (v Viewport) CrossesAntimeridian() bool {
	return v.SouthWest.Lon() > v.NorthEast.Lon()
}

// Contains reports whether p is projected inside the surface.
func (v Viewport) Contains(p Pixel) bool {
	return p.X >= 0 && p.X <= v.Width && p.Y >= 0 && p.Y <= v.Height
}

// Project maps a lon/lat point onto the viewport surface. It reports false
// when the viewport is not laid out or the point cannot be projected.
func Project(p orb.Point, v Viewport) (Pixel, bool) {
	if !v.Ready() || !addressable(p) {
		return Pixel{}, false
	}

	scale := math.Pow(2, v.Zoom)
	world := worldPoint(p)
	sw := worldPoint(v.SouthWest)
	ne := worldPoint(v.NorthEast)

	if v.CrossesAntimeridian() && world.X() < sw.X() {
		world[0] += TileSize
	}

	return Pixel{
		X: (world.X() - sw.X()) * scale,
		Y: (world.Y() - ne.Y()) * scale,
	}, true
}

// ViewportAround derives bounds for a surface of width x height pixels
// centred on center at zoom.
func ViewportAround(center orb.Point, zoom, width, height float64) Viewport {
	v := Viewport{Center: center, Zoom: zoom, Width: width, Height: height}
	if !addressable(center) || !finite(zoom) || width <= 0 || height <= 0 {
		return v
	}

	scale := math.Pow(2, zoom)
	c := worldPoint(center)
	halfW := width / 2 / scale
	halfH := height / 2 / scale

	v.SouthWest = fromWorld(orb.Point{c.X() - halfW, c.Y() + halfH})
	v.NorthEast = fromWorld(orb.Point{c.X() + halfW, c.Y() - halfH})
	return v
}

// worldPoint converts lon/lat to Web-Mercator world coordinates where the
// whole world spans [0, TileSize) on both axes and y grows southwards.
func worldPoint(p orb.Point) orb.Point {
	m := project.WGS84.ToMercator(p)
	return orb.Point{
		TileSize * (0.5 + m.X()/worldMeters),
		TileSize * (0.5 - m.Y()/worldMeters),
	}
}

func fromWorld(w orb.Point) orb.Point {
	x := w.X()
	for x > TileSize {
		x -= TileSize
	}
	for x < 0 {
		x += TileSize
	}
	y := math.Max(0, math.Min(TileSize, w.Y()))
	m := orb.Point{
		(x/TileSize - 0.5) * worldMeters,
		(0.5 - y/TileSize) * worldMeters,
	}
	return project.Mercator.ToWGS84(m)
}

func addressable(p orb.Point) bool {
	if !finite(p.Lon()) || !finite(p.Lat()) {
		return false
	}
	return math.Abs(p.Lat()) <= MaxLatitude && math.Abs(p.Lon()) <= 180
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
