package network

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidNetwork is returned when a network document fails validation.
	ErrInvalidNetwork = errors.New("invalid network")

	// ErrUnknownStation is returned when an edge references a station id that
	// is not part of the network.
	ErrUnknownStation = errors.New("unknown station")
)

var validate = validator.New()

// LoadFile reads a network document from path. YAML and JSON are both
// accepted since JSON is a subset of YAML.
func LoadFile(path string) (*Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open network: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses and validates a network document.
func Decode(r io.Reader) (*Network, error) {
	var n Network
	if err := yaml.NewDecoder(r).Decode(&n); err != nil {
		if errors.Is(err, io.EOF) {
			return &n, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidNetwork, err)
	}
	if err := Validate(&n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Validate checks struct constraints, that every coordinate is a finite
// WGS84 position and that every edge and line reference resolves.
func Validate(n *Network) error {
	if err := validate.Struct(n); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNetwork, err)
	}

	stations := make(map[string]struct{}, len(n.Stations))
	for _, s := range n.Stations {
		if _, dup := stations[s.ID]; dup {
			return fmt.Errorf("%w: duplicate station %q", ErrInvalidNetwork, s.ID)
		}
		if !Finite(s.LngLat) {
			return fmt.Errorf("%w: station %q has coordinates %v outside WGS84", ErrInvalidNetwork, s.ID, s.LngLat)
		}
		stations[s.ID] = struct{}{}
	}
	lines := make(map[string]struct{}, len(n.Lines))
	for _, l := range n.Lines {
		if _, dup := lines[l.ID]; dup {
			return fmt.Errorf("%w: duplicate line %q", ErrInvalidNetwork, l.ID)
		}
		lines[l.ID] = struct{}{}
	}

	edges := make(map[string]struct{}, len(n.Edges))
	for _, e := range n.Edges {
		if _, dup := edges[e.ID]; dup {
			return fmt.Errorf("%w: duplicate edge %q", ErrInvalidNetwork, e.ID)
		}
		edges[e.ID] = struct{}{}
		for i, p := range e.Waypoints {
			if !Finite(p) {
				return fmt.Errorf("%w: edge %s waypoint %d %v outside WGS84", ErrInvalidNetwork, e.ID, i, p)
			}
		}
		if math.IsNaN(e.LengthMeters) || math.IsInf(e.LengthMeters, 0) {
			return fmt.Errorf("%w: edge %s length is not finite", ErrInvalidNetwork, e.ID)
		}
		if _, ok := stations[e.FromStationID]; !ok {
			return fmt.Errorf("edge %s: %w %q", e.ID, ErrUnknownStation, e.FromStationID)
		}
		if _, ok := stations[e.ToStationID]; !ok {
			return fmt.Errorf("edge %s: %w %q", e.ID, ErrUnknownStation, e.ToStationID)
		}
		for _, lid := range e.SharedByLineIDs {
			if _, ok := lines[lid]; !ok {
				return fmt.Errorf("%w: edge %s references unknown line %q", ErrInvalidNetwork, e.ID, lid)
			}
		}
	}
	return nil
}
