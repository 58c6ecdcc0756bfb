// Package tiles loads raster map tiles through a bounded, de-duplicating
// cache and the sources that back it.
package tiles

import (
	"fmt"
	"image"

	"github.com/paulmach/orb/maptile"

	"metro-timeline/internal/geo"
)

// FallbackDepth is how many zoom levels Fallback walks up.
const FallbackDepth = 4

// Key identifies one raster tile.
type Key struct {
	Z int `json:"z"`
	X int `json:"x"`
	Y int `json:"y"`
}

// KeyFromTile converts an orb maptile index.
func KeyFromTile(t maptile.Tile) Key {
	return Key{Z: int(t.Z), X: int(t.X), Y: int(t.Y)}
}

// String returns the canonical "z/x/y" form.
func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Z, k.X, k.Y)
}

// Valid reports whether x and y fall inside the zoom level's grid.
func (k Key) Valid() bool {
	if k.Z < 0 || k.Z > geo.MaxZoom {
		return false
	}
	n := 1 << k.Z
	return k.X >= 0 && k.X < n && k.Y >= 0 && k.Y < n
}

// Ancestor returns the tile depth levels above k and the pixel rectangle of
// that ancestor which covers k.
func (k Key) Ancestor(depth int) (Key, image.Rectangle, bool) {
	if depth <= 0 || depth > k.Z {
		return Key{}, image.Rectangle{}, false
	}
	scale := 1 << depth
	size := geo.TileSize / scale
	ox := (k.X % scale) * size
	oy := (k.Y % scale) * size
	parent := Key{Z: k.Z - depth, X: k.X >> depth, Y: k.Y >> depth}
	return parent, image.Rect(ox, oy, ox+size, oy+size), true
}
