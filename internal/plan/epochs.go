package plan

import (
	"sort"
	"strconv"

	"metro-timeline/internal/network"
)

const (
	// DefaultColor is used for edges that no line claims.
	DefaultColor = "#888888"
	// UnassignedLabel names the pseudo epoch of edges that no line claims.
	UnassignedLabel = "Unassigned"
)

type lineGroup struct {
	lineID string
	color  string
	edges  []network.Edge
}

type epoch struct {
	year   int
	label  string
	events []string
	lines  []lineGroup
}

// edgeOwner returns the index of the first line (in network line order) that
// claims e, or -1.
func edgeOwner(e network.Edge, lineIdx map[string]int) int {
	owner := -1
	for _, id := range e.SharedByLineIDs {
		if i, ok := lineIdx[id]; ok && (owner < 0 || i < owner) {
			owner = i
		}
	}
	return owner
}

// groupByLine buckets edges by owning line, preserving network line order and
// edge order. Unclaimed edges form a trailing group with an empty line id.
func groupByLine(n *network.Network, edges []network.Edge, lineIdx map[string]int) []lineGroup {
	byLine := make(map[int][]network.Edge)
	for _, e := range edges {
		o := edgeOwner(e, lineIdx)
		byLine[o] = append(byLine[o], e)
	}
	var out []lineGroup
	for i, l := range n.Lines {
		if es := byLine[i]; len(es) > 0 {
			out = append(out, lineGroup{lineID: l.ID, color: colorOr(l.Color), edges: es})
		}
	}
	if es := byLine[-1]; len(es) > 0 {
		out = append(out, lineGroup{color: DefaultColor, edges: es})
	}
	return out
}

func colorOr(c string) string {
	if c == "" {
		return DefaultColor
	}
	return c
}

// yearEpochs splits edges by opening year. Timeline event years become epochs
// even if no edge opens that year. Edges without a year join the earliest epoch.
func yearEpochs(n *network.Network, lineIdx map[string]int) []epoch {
	yearSet := make(map[int]struct{})
	for _, e := range n.Edges {
		if e.OpeningYear != nil {
			yearSet[*e.OpeningYear] = struct{}{}
		}
	}
	events := make(map[int][]string)
	for _, ev := range n.TimelineEvents {
		yearSet[ev.Year] = struct{}{}
		events[ev.Year] = append(events[ev.Year], ev.Description)
	}
	if len(yearSet) == 0 {
		return nil
	}

	years := make([]int, 0, len(yearSet))
	for y := range yearSet {
		years = append(years, y)
	}
	sort.Ints(years)

	byYear := make(map[int][]network.Edge, len(years))
	for _, e := range n.Edges {
		y := years[0]
		if e.OpeningYear != nil {
			y = *e.OpeningYear
		}
		byYear[y] = append(byYear[y], e)
	}

	out := make([]epoch, 0, len(years))
	for _, y := range years {
		out = append(out, epoch{
			year:   y,
			label:  strconv.Itoa(y),
			events: events[y],
			lines:  groupByLine(n, byYear[y], lineIdx),
		})
	}
	return out
}

// pseudoEpochs makes every line its own epoch, numbered 1..N in line order.
func pseudoEpochs(n *network.Network, lineIdx map[string]int) []epoch {
	groups := groupByLine(n, n.Edges, lineIdx)
	names := make(map[string]string, len(n.Lines)+1)
	names[""] = UnassignedLabel
	for _, l := range n.Lines {
		names[l.ID] = l.Name
		if l.Name == "" {
			names[l.ID] = l.ID
		}
	}
	out := make([]epoch, 0, len(groups))
	for i, g := range groups {
		out = append(out, epoch{
			year:  i + 1,
			label: names[g.lineID],
			lines: []lineGroup{g},
		})
	}
	return out
}
