package plan

import (
	"sort"

	"metro-timeline/internal/network"
)

type adjacent struct {
	neighbor string
	edgeID   string
}

// graph is an undirected multigraph over one line's edges in one epoch.
// Node and adjacency order follow edge input order so traversal is
// deterministic.
type graph struct {
	nodes []string
	adj   map[string][]adjacent
}

func newGraph(edges []network.Edge) *graph {
	g := &graph{adj: make(map[string][]adjacent)}
	add := func(id string) {
		if _, ok := g.adj[id]; !ok {
			g.adj[id] = nil
			g.nodes = append(g.nodes, id)
		}
	}
	for _, e := range edges {
		add(e.FromStationID)
		add(e.ToStationID)
		g.adj[e.FromStationID] = append(g.adj[e.FromStationID], adjacent{neighbor: e.ToStationID, edgeID: e.ID})
		g.adj[e.ToStationID] = append(g.adj[e.ToStationID], adjacent{neighbor: e.FromStationID, edgeID: e.ID})
	}
	return g
}

func (g *graph) degree(id string) int { return len(g.adj[id]) }

// components partitions the graph, each component listing nodes in BFS order
// from its first node.
func (g *graph) components() [][]string {
	seen := make(map[string]bool, len(g.nodes))
	var out [][]string
	for _, start := range g.nodes {
		if seen[start] {
			continue
		}
		seen[start] = true
		comp := []string{start}
		for i := 0; i < len(comp); i++ {
			for _, a := range g.adj[comp[i]] {
				if !seen[a.neighbor] {
					seen[a.neighbor] = true
					comp = append(comp, a.neighbor)
				}
			}
		}
		out = append(out, comp)
	}
	return out
}

// nearestTerminal walks breadth-first from id and returns the first degree-1
// node it reaches.
func (g *graph) nearestTerminal(id string) (string, bool) {
	seen := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if g.degree(n) == 1 {
			return n, true
		}
		for _, a := range g.adj[n] {
			if !seen[a.neighbor] {
				seen[a.neighbor] = true
				queue = append(queue, a.neighbor)
			}
		}
	}
	return "", false
}

// bfs records every edge the first time it is crossed, directed from the
// dequeued node to its neighbour.
func (g *graph) bfs(start string, used map[string]bool) []OrderedEntry {
	var out []OrderedEntry
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, a := range g.adj[n] {
			if used[a.edgeID] {
				continue
			}
			used[a.edgeID] = true
			out = append(out, OrderedEntry{EdgeID: a.edgeID, FromStationID: n, ToStationID: a.neighbor})
			if !seen[a.neighbor] {
				seen[a.neighbor] = true
				queue = append(queue, a.neighbor)
			}
		}
	}
	return out
}

// follow walks a single direction from start, always taking the first unused
// edge, until it is stuck. BFS on a cycle would alternate sides.
func (g *graph) follow(start string, used map[string]bool) []OrderedEntry {
	var out []OrderedEntry
	cur := start
	for {
		next := -1
		for i, a := range g.adj[cur] {
			if !used[a.edgeID] {
				next = i
				break
			}
		}
		if next < 0 {
			return out
		}
		a := g.adj[cur][next]
		used[a.edgeID] = true
		out = append(out, OrderedEntry{EdgeID: a.edgeID, FromStationID: cur, ToStationID: a.neighbor})
		cur = a.neighbor
	}
}

type component struct {
	nodes   []string
	touches bool
}

// OrderLine returns the traversal order for one line's edges within an epoch.
// drawn holds stations completed in earlier epochs; components touching them
// are drawn first so new track grows out of the existing network.
func OrderLine(edges []network.Edge, drawn map[string]bool) []OrderedEntry {
	switch len(edges) {
	case 0:
		return nil
	case 1:
		e := edges[0]
		return []OrderedEntry{{EdgeID: e.ID, FromStationID: e.FromStationID, ToStationID: e.ToStationID}}
	}

	g := newGraph(edges)
	comps := make([]component, 0)
	for _, nodes := range g.components() {
		c := component{nodes: nodes}
		for _, n := range nodes {
			if drawn[n] {
				c.touches = true
				break
			}
		}
		comps = append(comps, c)
	}
	sort.SliceStable(comps, func(i, j int) bool {
		if comps[i].touches != comps[j].touches {
			return comps[i].touches
		}
		return len(comps[i].nodes) > len(comps[j].nodes)
	})

	used := make(map[string]bool, len(edges))
	out := make([]OrderedEntry, 0, len(edges))
	for _, c := range comps {
		var terminals []string
		for _, n := range c.nodes {
			if g.degree(n) == 1 {
				terminals = append(terminals, n)
			}
		}

		if len(terminals) == 0 && len(c.nodes) >= 3 {
			start := c.nodes[0]
			for _, n := range c.nodes {
				if drawn[n] {
					start = n
					break
				}
			}
			out = append(out, g.follow(start, used)...)
			continue
		}

		out = append(out, g.bfs(chainStart(g, c.nodes, terminals, drawn), used)...)
	}

	// Safety net for anything traversal did not reach.
	for _, e := range edges {
		if !used[e.ID] {
			used[e.ID] = true
			out = append(out, OrderedEntry{EdgeID: e.ID, FromStationID: e.FromStationID, ToStationID: e.ToStationID})
		}
	}
	return out
}

// chainStart picks the terminal to draw a chain from: a terminal already on
// the map, else the terminal nearest to an interior station on the map, else
// the first terminal found.
func chainStart(g *graph, nodes, terminals []string, drawn map[string]bool) string {
	for _, t := range terminals {
		if drawn[t] {
			return t
		}
	}
	for _, n := range nodes {
		if drawn[n] {
			if t, ok := g.nearestTerminal(n); ok {
				return t
			}
			return n
		}
	}
	if len(terminals) > 0 {
		return terminals[0]
	}
	return nodes[0]
}
