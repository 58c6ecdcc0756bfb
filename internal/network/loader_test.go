package network

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
)

const sampleYAML = `
stations:
  - {id: A, lngLat: [2.10, 41.38], name: Alpha}
  - {id: B, lngLat: [2.12, 41.39], name: Bravo}
  - {id: C, lngLat: [2.15, 41.40], name: Charlie}
lines:
  - {id: L1, name: Line 1, color: "#e3000f"}
edges:
  - {id: e1, fromStationId: A, toStationId: B, lengthMeters: 1000, sharedByLineIds: [L1], openingYear: 1924}
  - id: e2
    fromStationId: B
    toStationId: C
    waypoints: [[2.12, 41.39], [2.13, 41.395], [2.15, 41.40]]
    sharedByLineIds: [L1]
    openingYear: 1926
timelineEvents:
  - {year: 1925, description: Works paused}
`

func TestDecode_yaml(t *testing.T) {
	n, err := Decode(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(n.Stations) != 3 || len(n.Edges) != 2 || len(n.Lines) != 1 || len(n.TimelineEvents) != 1 {
		t.Fatalf("unexpected sizes: %+v", n)
	}
	if n.Stations[1].LngLat[0] != 2.12 || n.Stations[1].LngLat[1] != 41.39 {
		t.Errorf("station B coords: %v", n.Stations[1].LngLat)
	}
	if n.Edges[0].OpeningYear == nil || *n.Edges[0].OpeningYear != 1924 {
		t.Errorf("edge e1 year: %v", n.Edges[0].OpeningYear)
	}
	if len(n.Edges[1].Waypoints) != 3 {
		t.Errorf("edge e2 waypoints: %v", n.Edges[1].Waypoints)
	}
	if !n.HasYears() {
		t.Error("HasYears should be true")
	}
}

func TestDecode_json(t *testing.T) {
	doc := `{"stations":[{"id":"A","lngLat":[1,2]},{"id":"B","lngLat":[1.5,2.5]}],
	"lines":[{"id":"L","color":"#00ff00"}],
	"edges":[{"id":"e","fromStationId":"A","toStationId":"B","sharedByLineIds":["L"]}]}`
	n, err := Decode(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n.HasYears() {
		t.Error("HasYears should be false without opening years")
	}
}

func TestDecode_empty(t *testing.T) {
	n, err := Decode(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Decode empty: %v", err)
	}
	if _, ok := n.Bounds(); ok {
		t.Error("empty network should have no bounds")
	}
}

func TestValidate(t *testing.T) {
	t.Run("unknown_station", func(t *testing.T) {
		n := &Network{
			Stations: []Station{{ID: "A"}},
			Edges:    []Edge{{ID: "e", FromStationID: "A", ToStationID: "Z"}},
		}
		if err := Validate(n); !errors.Is(err, ErrUnknownStation) {
			t.Errorf("expected ErrUnknownStation, got %v", err)
		}
	})

	t.Run("self_loop_rejected", func(t *testing.T) {
		n := &Network{
			Stations: []Station{{ID: "A"}},
			Edges:    []Edge{{ID: "e", FromStationID: "A", ToStationID: "A"}},
		}
		if err := Validate(n); !errors.Is(err, ErrInvalidNetwork) {
			t.Errorf("expected ErrInvalidNetwork, got %v", err)
		}
	})

	t.Run("bad_color", func(t *testing.T) {
		n := &Network{Lines: []Line{{ID: "L", Color: "red-ish"}}}
		if err := Validate(n); !errors.Is(err, ErrInvalidNetwork) {
			t.Errorf("expected ErrInvalidNetwork, got %v", err)
		}
	})

	t.Run("duplicate_station", func(t *testing.T) {
		n := &Network{Stations: []Station{{ID: "A"}, {ID: "A"}}}
		if err := Validate(n); !errors.Is(err, ErrInvalidNetwork) {
			t.Errorf("expected ErrInvalidNetwork, got %v", err)
		}
	})

	t.Run("non_finite_station", func(t *testing.T) {
		n := &Network{Stations: []Station{{ID: "A", LngLat: orb.Point{math.NaN(), math.NaN()}}}}
		if err := Validate(n); !errors.Is(err, ErrInvalidNetwork) {
			t.Errorf("expected ErrInvalidNetwork, got %v", err)
		}
	})

	t.Run("out_of_range_station", func(t *testing.T) {
		n := &Network{Stations: []Station{{ID: "A", LngLat: orb.Point{200, 10}}}}
		if err := Validate(n); !errors.Is(err, ErrInvalidNetwork) {
			t.Errorf("expected ErrInvalidNetwork, got %v", err)
		}
	})

	t.Run("infinite_waypoint", func(t *testing.T) {
		n := &Network{
			Stations: []Station{{ID: "A"}, {ID: "B", LngLat: orb.Point{1, 1}}},
			Edges: []Edge{{
				ID: "e", FromStationID: "A", ToStationID: "B",
				Waypoints: orb.LineString{{0, 0}, {math.Inf(1), 0.5}, {1, 1}},
			}},
		}
		if err := Validate(n); !errors.Is(err, ErrInvalidNetwork) {
			t.Errorf("expected ErrInvalidNetwork, got %v", err)
		}
	})

	t.Run("unknown_line", func(t *testing.T) {
		n := &Network{
			Stations: []Station{{ID: "A"}, {ID: "B"}},
			Edges:    []Edge{{ID: "e", FromStationID: "A", ToStationID: "B", SharedByLineIDs: []string{"nope"}}},
		}
		if err := Validate(n); !errors.Is(err, ErrInvalidNetwork) {
			t.Errorf("expected ErrInvalidNetwork, got %v", err)
		}
	})
}

func TestDecode_rejects_nan_coordinates(t *testing.T) {
	doc := `
stations:
  - {id: A, lngLat: [.nan, .nan], name: Nowhere}
  - {id: B, lngLat: [2.12, 41.39], name: Bravo}
edges:
  - {id: e1, fromStationId: A, toStationId: B}
`
	if _, err := Decode(strings.NewReader(doc)); !errors.Is(err, ErrInvalidNetwork) {
		t.Errorf("expected ErrInvalidNetwork, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "network.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	n, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	b, ok := n.Bounds()
	if !ok {
		t.Fatal("expected bounds")
	}
	if b.Min[0] != 2.10 || b.Max[0] != 2.15 || b.Min[1] != 41.38 || b.Max[1] != 41.40 {
		t.Errorf("bounds: %+v", b)
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
