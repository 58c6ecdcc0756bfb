package camera

import (
	"math"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"metro-timeline/internal/geo"
	"metro-timeline/internal/plan"
)

func straightPlan() *plan.ContinuousPlan {
	return &plan.ContinuousPlan{
		Segments: []plan.Segment{
			{Waypoints: orb.LineString{{0, 0}, {1, 0}}, GlobalStart: 0, GlobalEnd: 0.5},
			{Waypoints: orb.LineString{{1, 0}, {2, 0}}, GlobalStart: 0.5, GlobalEnd: 1},
		},
		TotalLengthMeters: 2,
	}
}

func TestSmoothingFactor(t *testing.T) {
	hl := 500 * time.Millisecond
	if f := SmoothingFactor(hl, hl); math.Abs(f-0.5) > 1e-12 {
		t.Errorf("one half-life = %v, want 0.5", f)
	}
	if f := SmoothingFactor(2*hl, hl); math.Abs(f-0.75) > 1e-12 {
		t.Errorf("two half-lives = %v, want 0.75", f)
	}
	if f := SmoothingFactor(0, hl); f != 0 {
		t.Errorf("zero dt = %v", f)
	}
	if f := SmoothingFactor(time.Second, 0); f != 1 {
		t.Errorf("zero half-life = %v", f)
	}
}

func TestFrontier(t *testing.T) {
	p := straightPlan()

	t.Run("before_start_is_first_point", func(t *testing.T) {
		pt, ok := Frontier(p, 0)
		if !ok || pt != (orb.Point{0, 0}) {
			t.Errorf("got %v %v", pt, ok)
		}
	})

	t.Run("middle_of_first_segment", func(t *testing.T) {
		pt, _ := Frontier(p, 0.25)
		if math.Abs(pt[0]-0.5) > 1e-6 {
			t.Errorf("got %v, want ~0.5", pt)
		}
	})

	t.Run("second_segment", func(t *testing.T) {
		pt, _ := Frontier(p, 0.75)
		if math.Abs(pt[0]-1.5) > 1e-6 {
			t.Errorf("got %v, want ~1.5", pt)
		}
	})

	t.Run("end", func(t *testing.T) {
		pt, _ := Frontier(p, 1)
		if pt != (orb.Point{2, 0}) {
			t.Errorf("got %v", pt)
		}
	})

	t.Run("empty_plan", func(t *testing.T) {
		if _, ok := Frontier(&plan.ContinuousPlan{}, 0.5); ok {
			t.Error("expected no frontier")
		}
	})
}

func TestTracker_half_life(t *testing.T) {
	s := DefaultSettings()
	s.HalfLife = time.Second
	start := Camera{CenterLng: 0, CenterLat: 0, Zoom: 10}
	tr := NewTracker(s, start)
	p := straightPlan()
	now := time.Unix(1000, 0)

	// First call primes the clock and does not move.
	c := tr.CameraAtProgress(p, 1, now)
	if c != start {
		t.Errorf("first call moved: %+v", c)
	}

	c = tr.CameraAtProgress(p, 1, now.Add(time.Second))
	if math.Abs(c.CenterLng-1) > 1e-9 {
		t.Errorf("after one half-life lng = %v, want 1 (half of 2)", c.CenterLng)
	}
	if math.Abs(c.Zoom-(10+0.75)) > 1e-9 {
		t.Errorf("zoom = %v, want 10.75", c.Zoom)
	}
	if tr.TargetZoom() != 11.5 {
		t.Errorf("target zoom = %v", tr.TargetZoom())
	}
}

func TestTracker_variable_frame_rate_converges_equally(t *testing.T) {
	s := DefaultSettings()
	start := Camera{Zoom: 5}
	p := straightPlan()
	t0 := time.Unix(0, 0)

	coarse := NewTracker(s, start)
	coarse.CameraAtProgress(p, 1, t0)
	a := coarse.CameraAtProgress(p, 1, t0.Add(400*time.Millisecond))

	fine := NewTracker(s, start)
	fine.CameraAtProgress(p, 1, t0)
	var b Camera
	for i := 1; i <= 4; i++ {
		b = fine.CameraAtProgress(p, 1, t0.Add(time.Duration(i)*100*time.Millisecond))
	}
	if math.Abs(a.CenterLng-b.CenterLng) > 1e-9 || math.Abs(a.Zoom-b.Zoom) > 1e-9 {
		t.Errorf("frame-rate dependent result: %+v vs %+v", a, b)
	}
}

func TestTracker_Snap(t *testing.T) {
	tr := NewTracker(DefaultSettings(), Camera{Zoom: 8})
	c := tr.Snap(straightPlan(), 0.5, time.Unix(0, 0))
	if c.CenterLng != 1 || c.Zoom != 9.5 {
		t.Errorf("snap = %+v", c)
	}
}

func TestFit(t *testing.T) {
	b := orb.Bound{Min: orb.Point{2.0, 41.3}, Max: orb.Point{2.4, 41.5}}
	c := Fit(b, geo.Viewport{Width: 800, Height: 600}, 0.85, geo.MaxZoom)
	if math.Abs(c.CenterLng-2.2) > 1e-9 || math.Abs(c.CenterLat-41.4) > 1e-9 {
		t.Errorf("center = %v,%v", c.CenterLng, c.CenterLat)
	}
	if c.Zoom <= 0 || c.Zoom > geo.MaxZoom {
		t.Errorf("zoom = %v", c.Zoom)
	}
}
