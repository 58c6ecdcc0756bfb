// Package camera computes where the map looks: a stateless fit-to-bounds
// camera for idle frames, and a Tracker that follows the drawing frontier of a
// ContinuousPlan with half-life smoothing.
package camera

import (
	"math"
	"time"

	"github.com/paulmach/orb"

	"metro-timeline/internal/geo"
	"metro-timeline/internal/plan"
)

// Camera is a value; it is recomputed every frame.
type Camera struct {
	CenterLng float64 `json:"centerLng"`
	CenterLat float64 `json:"centerLat"`
	Zoom      float64 `json:"zoom"`
}

// Center returns the camera centre as a point.
func (c Camera) Center() orb.Point {
	return orb.Point{c.CenterLng, c.CenterLat}
}

// Finite reports whether every field is a finite number.
func (c Camera) Finite() bool {
	for _, v := range [...]float64{c.CenterLng, c.CenterLat, c.Zoom} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Settings tune fitting and tracking.
type Settings struct {
	HalfLife   time.Duration
	ZoomOffset float64
	Padding    float64
	MaxZoom    float64
}

// DefaultSettings returns the tracking constants used by the engine.
func DefaultSettings() Settings {
	return Settings{
		HalfLife:   600 * time.Millisecond,
		ZoomOffset: 1.5,
		Padding:    0.85,
		MaxZoom:    geo.MaxZoom,
	}
}

// Fit returns a camera that shows b inside vp at the given padding factor.
func Fit(b orb.Bound, vp geo.Viewport, padding, maxZoom float64) Camera {
	c := b.Center()
	return Camera{
		CenterLng: c[0],
		CenterLat: c[1],
		Zoom:      geo.FitZoom(b, vp, padding, maxZoom),
	}
}

// Frontier returns the tip of the drawing at progress: the point along the
// last segment that has started, at that segment's local progress.
func Frontier(p *plan.ContinuousPlan, progress float64) (orb.Point, bool) {
	if p.Empty() {
		return orb.Point{}, false
	}
	last := -1
	for i, s := range p.Segments {
		if s.GlobalStart < progress {
			last = i
		} else {
			break
		}
	}
	if last < 0 {
		first := p.Segments[0].Waypoints
		if len(first) == 0 {
			return orb.Point{}, false
		}
		return first[0], true
	}

	s := p.Segments[last]
	if len(s.Waypoints) == 0 {
		return orb.Point{}, false
	}
	local := 1.0
	if span := s.GlobalEnd - s.GlobalStart; span > 0 {
		local = math.Min(1, (progress-s.GlobalStart)/span)
	}
	return geo.PointAlong(s.Waypoints, local), true
}

// SmoothingFactor is the fraction of the remaining distance covered after dt
// with an exponential filter of the given half-life: 1 - 2^(-dt/halfLife).
func SmoothingFactor(dt, halfLife time.Duration) float64 {
	if dt <= 0 {
		return 0
	}
	if halfLife <= 0 {
		return 1
	}
	return 1 - math.Exp2(-float64(dt)/float64(halfLife))
}

// Lerp moves a toward b by t independently on each axis.
func Lerp(a, b Camera, t float64) Camera {
	return Camera{
		CenterLng: a.CenterLng + (b.CenterLng-a.CenterLng)*t,
		CenterLat: a.CenterLat + (b.CenterLat-a.CenterLat)*t,
		Zoom:      a.Zoom + (b.Zoom-a.Zoom)*t,
	}
}
