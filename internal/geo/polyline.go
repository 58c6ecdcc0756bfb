package geo

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Length returns the geodesic length of ls in meters.
func Length(ls orb.LineString) float64 {
	if len(ls) < 2 {
		return 0
	}
	return geo.Length(ls)
}

// Reversed returns a reversed copy of ls; ls is left untouched.
func Reversed(ls orb.LineString) orb.LineString {
	out := ls.Clone()
	out.Reverse()
	return out
}

// PointAlong returns the point at fraction frac (0..1) of the polyline's
// length, interpolating linearly within the containing vertex pair.
func PointAlong(ls orb.LineString, frac float64) orb.Point {
	switch len(ls) {
	case 0:
		return orb.Point{}
	case 1:
		return ls[0]
	}
	if frac <= 0 {
		return ls[0]
	}
	if frac >= 1 {
		return ls[len(ls)-1]
	}

	total := Length(ls)
	if total == 0 {
		return ls[0]
	}
	target := total * frac
	walked := 0.0
	for i := 1; i < len(ls); i++ {
		d := geo.Distance(ls[i-1], ls[i])
		if walked+d >= target {
			t := 0.0
			if d > 0 {
				t = (target - walked) / d
			}
			return Interpolate(ls[i-1], ls[i], t)
		}
		walked += d
	}
	return ls[len(ls)-1]
}

// Interpolate linearly interpolates between two points.
func Interpolate(a, b orb.Point, t float64) orb.Point {
	return orb.Point{
		a[0] + (b[0]-a[0])*t,
		a[1] + (b[1]-a[1])*t,
	}
}

// PrefixUntil returns the leading part of ls up to fraction frac of its
// length, ending exactly on the interpolated point.
func PrefixUntil(ls orb.LineString, frac float64) orb.LineString {
	if len(ls) < 2 || frac >= 1 {
		return ls
	}
	if frac <= 0 {
		return orb.LineString{ls[0]}
	}
	total := Length(ls)
	target := total * frac
	walked := 0.0
	out := orb.LineString{ls[0]}
	for i := 1; i < len(ls); i++ {
		d := geo.Distance(ls[i-1], ls[i])
		if walked+d >= target {
			t := 0.0
			if d > 0 {
				t = (target - walked) / d
			}
			return append(out, Interpolate(ls[i-1], ls[i], t))
		}
		walked += d
		out = append(out, ls[i])
	}
	return out
}
