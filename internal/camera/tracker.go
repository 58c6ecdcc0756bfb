package camera

import (
	"math"
	"time"

	"metro-timeline/internal/plan"
)

// Tracker follows the frontier. Target zoom is fixed at the full-extent zoom
// plus an offset so the camera never oscillates in and out.
type Tracker struct {
	settings   Settings
	targetZoom float64

	cam    Camera
	last   time.Time
	primed bool
}

// NewTracker starts a tracker resting at start (usually the full-extent fit).
func NewTracker(s Settings, start Camera) Tracker {
	return Tracker{
		settings:   s,
		targetZoom: math.Min(s.MaxZoom, start.Zoom+s.ZoomOffset),
		cam:        start,
	}
}

// Camera returns the current smoothed camera.
func (t *Tracker) Camera() Camera { return t.cam }

// TargetZoom returns the fixed zoom the tracker converges to.
func (t *Tracker) TargetZoom() float64 { return t.targetZoom }

// Snap places the camera on the frontier at progress with no smoothing.
func (t *Tracker) Snap(p *plan.ContinuousPlan, progress float64, now time.Time) Camera {
	if pt, ok := Frontier(p, progress); ok {
		t.cam = Camera{CenterLng: pt[0], CenterLat: pt[1], Zoom: t.targetZoom}
	}
	t.last = now
	t.primed = true
	return t.cam
}

// CameraAtProgress advances the smoothed camera toward the frontier at
// progress using the real time elapsed since the previous call.
func (t *Tracker) CameraAtProgress(p *plan.ContinuousPlan, progress float64, now time.Time) Camera {
	pt, ok := Frontier(p, progress)
	if !ok {
		return t.cam
	}
	target := Camera{CenterLng: pt[0], CenterLat: pt[1], Zoom: t.targetZoom}

	var dt time.Duration
	if t.primed {
		dt = now.Sub(t.last)
	}
	t.last = now
	t.primed = true

	t.cam = Lerp(t.cam, target, SmoothingFactor(dt, t.settings.HalfLife))
	return t.cam
}
