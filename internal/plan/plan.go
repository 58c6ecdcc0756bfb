// Package plan turns a rail network into a ContinuousPlan: one ordered,
// gap-free list of drawable segments spanning every epoch, normalised so that
// the whole timeline maps onto progress values in [0, 1].
package plan

import (
	"github.com/paulmach/orb"

	"metro-timeline/internal/network"
)

// OrderedEntry records the direction an edge is traversed in. From/To may be
// the reverse of the edge's stored direction.
type OrderedEntry struct {
	EdgeID        string `json:"edgeId"`
	FromStationID string `json:"fromStationId"`
	ToStationID   string `json:"toStationId"`
}

// Segment is one drawable piece of the plan.
type Segment struct {
	EdgeID        string         `json:"edgeId"`
	LineID        string         `json:"lineId"`
	Color         string         `json:"color"`
	FromStationID string         `json:"fromStationId"`
	ToStationID   string         `json:"toStationId"`
	Waypoints     orb.LineString `json:"waypoints"`
	LengthMeters  float64        `json:"lengthMeters"`
	GlobalStart   float64        `json:"globalStart"`
	GlobalEnd     float64        `json:"globalEnd"`
	Year          int            `json:"year"`
}

// StationReveal is the first progress value at which a station is visible.
type StationReveal struct {
	StationID       string  `json:"stationId"`
	TriggerProgress float64 `json:"triggerProgress"`
}

// LinePlan is the traversal order of one line inside one epoch.
type LinePlan struct {
	LineID  string         `json:"lineId"`
	Entries []OrderedEntry `json:"entries"`
}

// YearPlan is the per-epoch ordering result.
type YearPlan struct {
	Year         int        `json:"year"`
	Label        string     `json:"label"`
	Events       []string   `json:"events,omitempty"`
	Lines        []LinePlan `json:"lines"`
	LengthMeters float64    `json:"lengthMeters"`
}

// YearMarker is where an epoch begins (and ends) on the global progress axis.
type YearMarker struct {
	Year        int      `json:"year"`
	GlobalStart float64  `json:"globalStart"`
	GlobalEnd   float64  `json:"globalEnd"`
	YearPlan    YearPlan `json:"yearPlan"`
}

// ContinuousPlan is the builder's only output. It is immutable once built.
type ContinuousPlan struct {
	Segments          []Segment       `json:"segments"`
	StationReveals    []StationReveal `json:"stationReveals"`
	YearMarkers       []YearMarker    `json:"yearMarkers"`
	TotalLengthMeters float64         `json:"totalLengthMeters"`
	Pseudo            bool            `json:"pseudo"`
}

// Years lists the epoch values in order. In pseudo mode these are 1..N.
func (p *ContinuousPlan) Years() []int {
	out := make([]int, len(p.YearMarkers))
	for i, m := range p.YearMarkers {
		out[i] = m.Year
	}
	return out
}

// YearIndex returns the marker index of year.
func (p *ContinuousPlan) YearIndex(year int) (int, bool) {
	for i, m := range p.YearMarkers {
		if m.Year == year {
			return i, true
		}
	}
	return 0, false
}

// YearIndexAt returns the epoch being drawn at progress: the last marker that
// started strictly before progress, or the last epoch once progress reaches 1.
func (p *ContinuousPlan) YearIndexAt(progress float64) int {
	n := len(p.YearMarkers)
	if n == 0 {
		return 0
	}
	if progress >= 1 {
		return n - 1
	}
	idx := 0
	for i, m := range p.YearMarkers {
		if m.GlobalStart < progress {
			idx = i
		}
	}
	return idx
}

// EpochEnd returns the progress at which epoch idx is fully drawn.
func (p *ContinuousPlan) EpochEnd(idx int) float64 {
	if idx < 0 || idx >= len(p.YearMarkers) {
		return 0
	}
	return p.YearMarkers[idx].GlobalEnd
}

// Bounds returns the box around every finite segment vertex.
func (p *ContinuousPlan) Bounds() (orb.Bound, bool) {
	var b orb.Bound
	ok := false
	for _, s := range p.Segments {
		for _, pt := range s.Waypoints {
			if !network.Finite(pt) {
				continue
			}
			if !ok {
				b = orb.Bound{Min: pt, Max: pt}
				ok = true
				continue
			}
			b = b.Extend(pt)
		}
	}
	return b, ok
}

// Empty reports whether there is nothing to draw.
func (p *ContinuousPlan) Empty() bool {
	return p == nil || len(p.Segments) == 0
}
