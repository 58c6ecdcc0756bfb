package network

import (
	"math"

	"github.com/paulmach/orb"
)

// Station is a stop on the network. LngLat is a WGS84 [lng, lat] pair.
type Station struct {
	ID        string    `yaml:"id" json:"id" validate:"required"`
	LngLat    orb.Point `yaml:"lngLat" json:"lngLat"`
	Name      string    `yaml:"name" json:"name"`
	NameLocal string    `yaml:"nameLocal,omitempty" json:"nameLocal,omitempty"`
}

// Edge is a piece of track between two stations.
// Waypoints may be empty, in which case the edge is drawn as a straight line
// between its stations. LengthMeters <= 0 means "derive from geometry".
type Edge struct {
	ID              string         `yaml:"id" json:"id" validate:"required"`
	FromStationID   string         `yaml:"fromStationId" json:"fromStationId" validate:"required"`
	ToStationID     string         `yaml:"toStationId" json:"toStationId" validate:"required,nefield=FromStationID"`
	Waypoints       orb.LineString `yaml:"waypoints,omitempty" json:"waypoints,omitempty"`
	LengthMeters    float64        `yaml:"lengthMeters,omitempty" json:"lengthMeters,omitempty" validate:"gte=0"`
	SharedByLineIDs []string       `yaml:"sharedByLineIds,omitempty" json:"sharedByLineIds,omitempty"`
	OpeningYear     *int           `yaml:"openingYear,omitempty" json:"openingYear,omitempty"`
	Phase           string         `yaml:"phase,omitempty" json:"phase,omitempty"`
}

// Line is a named, coloured service that owns edges.
type Line struct {
	ID    string `yaml:"id" json:"id" validate:"required"`
	Name  string `yaml:"name" json:"name"`
	Color string `yaml:"color" json:"color" validate:"omitempty,hexcolor"`
}

// TimelineEvent annotates a year on the timeline.
type TimelineEvent struct {
	Year        int    `yaml:"year" json:"year" validate:"required"`
	Description string `yaml:"description" json:"description"`
}

// Network is the read-only input consumed by the playback engine.
type Network struct {
	Stations       []Station       `yaml:"stations" json:"stations" validate:"dive"`
	Edges          []Edge          `yaml:"edges" json:"edges" validate:"dive"`
	Lines          []Line          `yaml:"lines" json:"lines" validate:"dive"`
	TimelineEvents []TimelineEvent `yaml:"timelineEvents,omitempty" json:"timelineEvents,omitempty" validate:"dive"`
}

// StationIndex maps station id to station.
func (n *Network) StationIndex() map[string]Station {
	idx := make(map[string]Station, len(n.Stations))
	for _, s := range n.Stations {
		idx[s.ID] = s
	}
	return idx
}

// LineIndex maps line id to its position in n.Lines.
func (n *Network) LineIndex() map[string]int {
	idx := make(map[string]int, len(n.Lines))
	for i, l := range n.Lines {
		idx[l.ID] = i
	}
	return idx
}

// HasYears reports whether at least one edge carries an opening year.
func (n *Network) HasYears() bool {
	for _, e := range n.Edges {
		if e.OpeningYear != nil {
			return true
		}
	}
	return false
}

// Bounds returns the bounding box of every finite station coordinate and edge
// waypoint. ok is false when the network has no usable geography.
func (n *Network) Bounds() (b orb.Bound, ok bool) {
	extend := func(p orb.Point) {
		if !Finite(p) {
			return
		}
		if !ok {
			b = orb.Bound{Min: p, Max: p}
			ok = true
			return
		}
		b = b.Extend(p)
	}
	for _, s := range n.Stations {
		extend(s.LngLat)
	}
	for _, e := range n.Edges {
		for _, p := range e.Waypoints {
			extend(p)
		}
	}
	return b, ok
}

// Finite reports whether both coordinates of p are finite and within WGS84 range.
func Finite(p orb.Point) bool {
	lng, lat := p[0], p[1]
	if math.IsNaN(lng) || math.IsNaN(lat) || math.IsInf(lng, 0) || math.IsInf(lat, 0) {
		return false
	}
	return lng >= -180 && lng <= 180 && lat >= -90 && lat <= 90
}
