package plan

import (
	"math"

	"github.com/paulmach/orb"

	"metro-timeline/internal/geo"
	"metro-timeline/internal/network"
)

// Options control how epochs are formed.
type Options struct {
	// Pseudo makes every line its own epoch. It is forced on when no edge
	// carries an opening year.
	Pseudo bool
}

type reveal struct {
	stationID string
	segment   int
	atEnd     bool
}

type markerSpan struct {
	plan       YearPlan
	start, end int // segment index range [start, end)
}

// Build produces the ContinuousPlan for n. It is deterministic for a given
// network and options.
func Build(n *network.Network, opts Options) *ContinuousPlan {
	if n == nil {
		return &ContinuousPlan{}
	}
	stations := n.StationIndex()
	n = drawableEdges(n, stations)

	pseudo := opts.Pseudo || !n.HasYears()
	lineIdx := n.LineIndex()
	var epochs []epoch
	if pseudo {
		epochs = pseudoEpochs(n, lineIdx)
	} else {
		epochs = yearEpochs(n, lineIdx)
	}

	edges := make(map[string]network.Edge, len(n.Edges))
	for _, e := range n.Edges {
		edges[e.ID] = e
	}

	var (
		segments []Segment
		reveals  []reveal
		spans    []markerSpan
		revealed = make(map[string]bool)
		drawn    = make(map[string]bool)
	)

	for _, ep := range epochs {
		span := markerSpan{
			plan:  YearPlan{Year: ep.year, Label: ep.label, Events: ep.events},
			start: len(segments),
		}
		var touched []string

		for _, lg := range ep.lines {
			entries := OrderLine(lg.edges, drawn)
			span.plan.Lines = append(span.plan.Lines, LinePlan{LineID: lg.lineID, Entries: entries})

			for _, entry := range entries {
				e := edges[entry.EdgeID]
				path := edgePath(e, stations)
				if entry.FromStationID != e.FromStationID {
					path = geo.Reversed(path)
				}
				length := e.LengthMeters
				if !(length > 0) || math.IsInf(length, 1) {
					length = geo.Length(path)
				}

				idx := len(segments)
				segments = append(segments, Segment{
					EdgeID:        e.ID,
					LineID:        lg.lineID,
					Color:         lg.color,
					FromStationID: entry.FromStationID,
					ToStationID:   entry.ToStationID,
					Waypoints:     path,
					LengthMeters:  length,
					Year:          ep.year,
				})
				span.plan.LengthMeters += length

				if !revealed[entry.FromStationID] {
					revealed[entry.FromStationID] = true
					reveals = append(reveals, reveal{stationID: entry.FromStationID, segment: idx})
				}
				if !revealed[entry.ToStationID] {
					revealed[entry.ToStationID] = true
					reveals = append(reveals, reveal{stationID: entry.ToStationID, segment: idx, atEnd: true})
				}
				touched = append(touched, entry.FromStationID, entry.ToStationID)
			}
		}

		for _, id := range touched {
			drawn[id] = true
		}
		span.end = len(segments)
		spans = append(spans, span)
	}

	return normalize(segments, reveals, spans, pseudo)
}

// normalize assigns GlobalStart/GlobalEnd as cumulative length fractions.
// When every segment has zero length each segment gets equal weight so
// playback still advances.
func normalize(segments []Segment, reveals []reveal, spans []markerSpan, pseudo bool) *ContinuousPlan {
	total := 0.0
	for _, s := range segments {
		total += s.LengthMeters
	}
	weight := func(s Segment) float64 { return s.LengthMeters }
	denom := total
	if total <= 0 && len(segments) > 0 {
		weight = func(Segment) float64 { return 1 }
		denom = float64(len(segments))
	}

	cursor := 0.0
	for i := range segments {
		segments[i].GlobalStart = cursor / denom
		cursor += weight(segments[i])
		segments[i].GlobalEnd = cursor / denom
	}
	if n := len(segments); n > 0 {
		segments[0].GlobalStart = 0
		segments[n-1].GlobalEnd = 1
	}

	p := &ContinuousPlan{
		Segments:          segments,
		StationReveals:    make([]StationReveal, 0, len(reveals)),
		YearMarkers:       make([]YearMarker, 0, len(spans)),
		TotalLengthMeters: total,
		Pseudo:            pseudo,
	}
	for _, r := range reveals {
		at := segments[r.segment].GlobalStart
		if r.atEnd {
			at = segments[r.segment].GlobalEnd
		}
		p.StationReveals = append(p.StationReveals, StationReveal{StationID: r.stationID, TriggerProgress: at})
	}

	// Empty epochs sit at the cursor left by the previous epoch.
	prevEnd := 0.0
	for _, sp := range spans {
		m := YearMarker{Year: sp.plan.Year, YearPlan: sp.plan, GlobalStart: prevEnd, GlobalEnd: prevEnd}
		if sp.end > sp.start {
			m.GlobalStart = segments[sp.start].GlobalStart
			m.GlobalEnd = segments[sp.end-1].GlobalEnd
		}
		prevEnd = m.GlobalEnd
		p.YearMarkers = append(p.YearMarkers, m)
	}
	return p
}

// drawableEdges returns n with only the edges that resolve to a finite path.
// n itself is not modified.
func drawableEdges(n *network.Network, stations map[string]network.Station) *network.Network {
	keep := make([]network.Edge, 0, len(n.Edges))
	for _, e := range n.Edges {
		if edgePath(e, stations) != nil {
			keep = append(keep, e)
		}
	}
	if len(keep) == len(n.Edges) {
		return n
	}
	out := *n
	out.Edges = keep
	return &out
}

// edgePath resolves an edge's polyline in its stored direction, falling back
// to a straight line between its stations. It returns nil when no finite
// path exists.
func edgePath(e network.Edge, stations map[string]network.Station) orb.LineString {
	if len(e.Waypoints) >= 2 && finitePath(e.Waypoints) {
		return e.Waypoints.Clone()
	}
	from, okFrom := stations[e.FromStationID]
	to, okTo := stations[e.ToStationID]
	if !okFrom || !okTo || !network.Finite(from.LngLat) || !network.Finite(to.LngLat) {
		return nil
	}
	return orb.LineString{from.LngLat, to.LngLat}
}

func finitePath(ls orb.LineString) bool {
	for _, p := range ls {
		if !network.Finite(p) {
			return false
		}
	}
	return true
}
