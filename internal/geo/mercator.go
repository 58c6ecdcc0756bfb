// Package geo holds the Web Mercator math shared by the plan builder, the
// camera and the renderer: lng/lat to world pixels, tile indices, canvas
// projection and zoom fitting.
package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

const (
	// TileSize is the edge length in pixels of one raster tile.
	TileSize = 256

	// MaxLatitude is the Web Mercator latitude cutoff.
	MaxLatitude = 85.05112877980659

	// MaxZoom is the deepest zoom level tiles are requested for.
	MaxZoom = 19
)

// Viewport is a canvas size in logical pixels.
type Viewport struct {
	Width  float64
	Height float64
}

// Empty reports whether the viewport has no drawable area.
func (v Viewport) Empty() bool {
	return v.Width <= 0 || v.Height <= 0
}

func worldSize(zoom float64) float64 {
	return TileSize * math.Exp2(zoom)
}

func clampLat(lat float64) float64 {
	return math.Max(-MaxLatitude, math.Min(MaxLatitude, lat))
}

// LngLatToWorld projects p into a world of TileSize*2^zoom pixels, origin at
// the north-west corner. zoom may be fractional.
func LngLatToWorld(p orb.Point, zoom float64) (x, y float64) {
	size := worldSize(zoom)
	lat := clampLat(p[1]) * math.Pi / 180
	x = (p[0] + 180) / 360 * size
	y = (1 - math.Asinh(math.Tan(lat))/math.Pi) / 2 * size
	return x, y
}

// WorldToLngLat is the inverse of LngLatToWorld.
func WorldToLngLat(x, y, zoom float64) orb.Point {
	size := worldSize(zoom)
	lng := x/size*360 - 180
	n := math.Pi * (1 - 2*y/size)
	lat := math.Atan(math.Sinh(n)) * 180 / math.Pi
	return orb.Point{lng, lat}
}

// LngLatToTile returns fractional tile coordinates of p at integer zoom z.
func LngLatToTile(p orb.Point, z int) (x, y float64) {
	x, y = LngLatToWorld(p, float64(z))
	return x / TileSize, y / TileSize
}

// TileAt returns the tile containing p at zoom z.
func TileAt(p orb.Point, z int) maptile.Tile {
	return maptile.At(orb.Point{p[0], clampLat(p[1])}, maptile.Zoom(z))
}

// TileBound returns the lng/lat bounds of tile (z, x, y).
func TileBound(z, x, y int) orb.Bound {
	return maptile.New(uint32(x), uint32(y), maptile.Zoom(z)).Bound()
}

// ToCanvas projects p to canvas pixels for a camera centred on center at zoom.
func ToCanvas(center orb.Point, zoom float64, vp Viewport, p orb.Point) (x, y float64) {
	cx, cy := LngLatToWorld(center, zoom)
	px, py := LngLatToWorld(p, zoom)
	return px - cx + vp.Width/2, py - cy + vp.Height/2
}

// FromCanvas is the inverse of ToCanvas.
func FromCanvas(center orb.Point, zoom float64, vp Viewport, x, y float64) orb.Point {
	cx, cy := LngLatToWorld(center, zoom)
	return WorldToLngLat(x-vp.Width/2+cx, y-vp.Height/2+cy, zoom)
}

// VisibleBound returns the lng/lat box covered by the viewport.
func VisibleBound(center orb.Point, zoom float64, vp Viewport) orb.Bound {
	nw := FromCanvas(center, zoom, vp, 0, 0)
	se := FromCanvas(center, zoom, vp, vp.Width, vp.Height)
	return orb.Bound{
		Min: orb.Point{nw[0], se[1]},
		Max: orb.Point{se[0], nw[1]},
	}
}

// FitZoom returns the largest zoom at which b fits inside padding*viewport,
// clamped to [0, maxZoom]. A degenerate box returns maxZoom.
func FitZoom(b orb.Bound, vp Viewport, padding, maxZoom float64) float64 {
	if vp.Empty() {
		return 0
	}
	if padding <= 0 || padding > 1 {
		padding = 1
	}
	x0, y0 := LngLatToWorld(orb.Point{b.Min[0], b.Max[1]}, 0)
	x1, y1 := LngLatToWorld(orb.Point{b.Max[0], b.Min[1]}, 0)
	dx, dy := math.Abs(x1-x0), math.Abs(y1-y0)

	scale := math.Inf(1)
	if dx > 0 {
		scale = math.Min(scale, vp.Width*padding/dx)
	}
	if dy > 0 {
		scale = math.Min(scale, vp.Height*padding/dy)
	}
	if math.IsInf(scale, 1) {
		return maxZoom
	}
	z := math.Log2(scale)
	return math.Max(0, math.Min(maxZoom, z))
}

// TileRange lists the tiles at zoom z covering b, row by row from the
// north-west corner.
func TileRange(b orb.Bound, z int) []maptile.Tile {
	if z < 0 {
		z = 0
	}
	nw := TileAt(orb.Point{b.Min[0], b.Max[1]}, z)
	se := TileAt(orb.Point{b.Max[0], b.Min[1]}, z)
	maxIdx := uint32(1)<<uint(z) - 1
	x0, x1 := nw.X, min(se.X, maxIdx)
	y0, y1 := nw.Y, min(se.Y, maxIdx)

	out := make([]maptile.Tile, 0, int(x1-x0+1)*int(y1-y0+1))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			out = append(out, maptile.New(x, y, maptile.Zoom(z)))
		}
	}
	return out
}
