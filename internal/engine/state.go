// Package engine drives timeline playback: a pure state machine (Step) and
// the Engine that runs its effects against a tile cache, a canvas and a frame
// clock.
package engine

import (
	"math"
	"time"

	"github.com/paulmach/orb"

	"metro-timeline/internal/camera"
	"metro-timeline/internal/geo"
	"metro-timeline/internal/network"
	"metro-timeline/internal/plan"
)

// Phase is the coarse playback state.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseLoading Phase = "loading"
	PhasePlaying Phase = "playing"
)

// Timing holds the playback constants.
type Timing struct {
	MsPerKm      float64
	MinDuration  time.Duration
	MaxDuration  time.Duration
	LoadingHold  time.Duration
	ScanHalfLife time.Duration
}

// DefaultTiming returns the standard playback constants.
func DefaultTiming() Timing {
	return Timing{
		MsPerKm:      120,
		MinDuration:  8 * time.Second,
		MaxDuration:  90 * time.Second,
		LoadingHold:  400 * time.Millisecond,
		ScanHalfLife: 250 * time.Millisecond,
	}
}

// TotalDuration is clamp(km * msPerKm, min, max) / speed.
func TotalDuration(totalMeters, speed float64, t Timing) time.Duration {
	if speed <= 0 {
		speed = 1
	}
	d := time.Duration(totalMeters / 1000 * t.MsPerKm * float64(time.Millisecond))
	d = max(t.MinDuration, min(t.MaxDuration, d))
	return time.Duration(float64(d) / speed)
}

// State is everything the engine knows about playback. Step never mutates the
// maps it receives; it replaces them.
type State struct {
	Phase     Phase
	Destroyed bool
	Speed     float64
	Pseudo    bool

	Plan     *plan.ContinuousPlan
	Stations map[string]network.Station
	Bounds   orb.Bound
	HasBound bool

	// Progress is the global progress shown by the last frame.
	Progress  float64
	YearIndex int
	// Overview draws the whole network with no year label.
	Overview bool

	TotalDuration time.Duration
	PhaseStart    time.Time

	// Generation invalidates prefetch results from earlier play cycles.
	Generation int
	LoadTarget float64
	Scan       float64
	LoadedAt   time.Time
	LastTick   time.Time

	Viewport  geo.Viewport
	FitCamera camera.Camera
	Camera    camera.Camera
	// FollowFit pins Camera to FitCamera across resizes and rebuilds.
	FollowFit bool
	Tracker   camera.Tracker

	RevealedAt map[string]time.Time
}

// NewState returns the idle state an engine starts in.
func NewState(vp geo.Viewport) State {
	return State{
		Phase:     PhaseIdle,
		Speed:     1,
		Overview:  true,
		FollowFit: true,
		Viewport:  vp,
	}
}

// Env is the read-only context of one transition.
type Env struct {
	Now     time.Time
	Network *network.Network
	Timing  Timing
	Camera  camera.Settings
}

// Effects tell the Engine what to do after a transition.
type Effects struct {
	Render         bool
	ScheduleFrame  bool
	CancelFrame    bool
	StartPrefetch  bool
	CancelPrefetch bool
	ResizeCanvas   bool
	Release        bool
	StateChanged   bool
	YearChanged    bool
	PlanBuilt      bool
}

// Event is an input to Step.
type Event interface{ isEvent() }

type (
	Play    struct{}
	Pause   struct{}
	Stop    struct{}
	Rebuild struct{}
	Destroy struct{}
	Seek    struct{ Year int }
	// SetSpeed changes the speed multiplier; non-positive values are ignored.
	SetSpeed  struct{ Speed float64 }
	SetPseudo struct{ On bool }
	Resize    struct{ Width, Height int }
	// Tick is one frame. Load is the tile loading fraction seen so far.
	Tick struct{ Load float64 }
	// PrefetchDone reports that every prefetch load of a generation settled.
	PrefetchDone struct{ Generation int }
	// TileLoaded nudges a redraw while idle.
	TileLoaded struct{}
)

func (Play) isEvent()         {}
func (Pause) isEvent()        {}
func (Stop) isEvent()         {}
func (Rebuild) isEvent()      {}
func (Destroy) isEvent()      {}
func (Seek) isEvent()         {}
func (SetSpeed) isEvent()     {}
func (SetPseudo) isEvent()    {}
func (Resize) isEvent()       {}
func (Tick) isEvent()         {}
func (PrefetchDone) isEvent() {}
func (TileLoaded) isEvent()   {}

// Step applies ev to s. It is deterministic in (s, ev, env).
func Step(s State, ev Event, env Env) (State, Effects) {
	if s.Destroyed {
		return s, Effects{}
	}
	switch ev := ev.(type) {
	case Play:
		return stepPlay(s, env)
	case Pause:
		return stepPause(s)
	case Stop:
		return stepStop(s)
	case Seek:
		return stepSeek(s, ev.Year)
	case SetSpeed:
		return stepSetSpeed(s, ev.Speed, env)
	case SetPseudo:
		return stepSetPseudo(s, ev.On, env)
	case Resize:
		return stepResize(s, ev, env)
	case Rebuild:
		return stepRebuild(s, env)
	case Tick:
		return stepTick(s, ev.Load, env)
	case PrefetchDone:
		if s.Phase != PhaseLoading || ev.Generation != s.Generation || !s.LoadedAt.IsZero() {
			return s, Effects{}
		}
		s.LoadedAt = env.Now
		s.LoadTarget = 1
		s.Scan = 1
		return s, Effects{StateChanged: true}
	case TileLoaded:
		if s.Phase != PhaseIdle {
			return s, Effects{}
		}
		return s, Effects{ScheduleFrame: true}
	case Destroy:
		s = State{Phase: PhaseIdle, Destroyed: true, Viewport: s.Viewport}
		return s, Effects{CancelFrame: true, CancelPrefetch: true, Release: true, StateChanged: true}
	}
	return s, Effects{}
}

func (s State) active() bool {
	return s.Phase == PhaseLoading || s.Phase == PhasePlaying
}

// build replaces the plan and fit camera from the current network.
func build(s State, env Env) State {
	n := env.Network
	if n == nil {
		n = &network.Network{}
	}
	s.Plan = plan.Build(n, plan.Options{Pseudo: s.Pseudo})
	s.Stations = n.StationIndex()
	s.Bounds, s.HasBound = s.Plan.Bounds()
	if !s.HasBound {
		s.Bounds, s.HasBound = n.Bounds()
	}
	s = refit(s, env)
	if last := len(s.Plan.YearMarkers) - 1; s.YearIndex > last {
		s.YearIndex = max(0, last)
	}
	return s
}

func refit(s State, env Env) State {
	if s.HasBound && !s.Viewport.Empty() {
		s.FitCamera = camera.Fit(s.Bounds, s.Viewport, env.Camera.Padding, env.Camera.MaxZoom)
	} else {
		s.FitCamera = camera.Camera{}
	}
	if s.FollowFit {
		s.Camera = s.FitCamera
	}
	return s
}

// drawable reports whether the plan has geography to show.
func (s State) drawable() bool {
	return s.Plan != nil && !s.Plan.Empty() && s.HasBound && s.FitCamera.Finite()
}

func stepPlay(s State, env Env) (State, Effects) {
	if s.active() {
		return s, Effects{}
	}
	s = build(s, env)
	if !s.drawable() {
		s.Overview = true
		return s, Effects{Render: true, PlanBuilt: true}
	}

	s.TotalDuration = TotalDuration(s.Plan.TotalLengthMeters, s.Speed, env.Timing)
	s.Progress = 0
	s.YearIndex = 0
	s.Overview = false
	s.RevealedAt = map[string]time.Time{}
	s.FollowFit = false
	s.Camera = s.FitCamera
	s.Tracker = camera.NewTracker(env.Camera, s.FitCamera)

	s.Generation++
	s.LoadTarget = 0
	s.Scan = 0
	s.LoadedAt = time.Time{}
	s.LastTick = env.Now
	s.Phase = PhaseLoading
	return s, Effects{
		PlanBuilt:     true,
		StartPrefetch: true,
		ScheduleFrame: true,
		Render:        true,
		StateChanged:  true,
	}
}

func stepPause(s State) (State, Effects) {
	if !s.active() {
		return s, Effects{}
	}
	fx := Effects{CancelFrame: true, Render: true, StateChanged: true}
	if s.Phase == PhaseLoading {
		fx.CancelPrefetch = true
		s.Generation++
		s.Overview = true
		s.FollowFit = true
		s.Camera = s.FitCamera
	}
	s.Phase = PhaseIdle
	return s, fx
}

func stepStop(s State) (State, Effects) {
	fx := Effects{CancelFrame: true, Render: true}
	if s.active() {
		fx.CancelPrefetch = true
		fx.StateChanged = true
		s.Generation++
	}
	s.Phase = PhaseIdle
	s.Progress = 0
	s.YearIndex = 0
	s.Overview = true
	s.RevealedAt = nil
	s.FollowFit = true
	s.Camera = s.FitCamera
	return s, fx
}

func stepSeek(s State, year int) (State, Effects) {
	if s.Plan == nil {
		return s, Effects{}
	}
	idx, ok := s.Plan.YearIndex(year)
	if !ok {
		return s, Effects{}
	}
	fx := Effects{Render: true, StateChanged: true}
	if s.active() {
		fx.CancelFrame = true
		fx.CancelPrefetch = true
		s.Generation++
	}
	fx.YearChanged = idx != s.YearIndex || s.Overview
	s.Phase = PhaseIdle
	s.YearIndex = idx
	s.Progress = s.Plan.EpochEnd(idx)
	s.Overview = false
	s.RevealedAt = nil
	s.FollowFit = true
	s.Camera = s.FitCamera
	return s, fx
}

func stepSetSpeed(s State, speed float64, env Env) (State, Effects) {
	if speed <= 0 || math.IsNaN(speed) || math.IsInf(speed, 0) || speed == s.Speed {
		return s, Effects{}
	}
	if s.Phase == PhasePlaying && s.TotalDuration > 0 {
		// Keep visual progress continuous by re-anchoring the phase start.
		p := math.Min(1, float64(env.Now.Sub(s.PhaseStart))/float64(s.TotalDuration))
		s.TotalDuration = TotalDuration(s.Plan.TotalLengthMeters, speed, env.Timing)
		s.PhaseStart = env.Now.Add(-time.Duration(p * float64(s.TotalDuration)))
	} else if s.Plan != nil {
		s.TotalDuration = TotalDuration(s.Plan.TotalLengthMeters, speed, env.Timing)
	}
	s.Speed = speed
	return s, Effects{StateChanged: true}
}

func stepSetPseudo(s State, on bool, env Env) (State, Effects) {
	if s.Pseudo == on {
		return s, Effects{}
	}
	s.Pseudo = on
	s, fx := stepStop(s)
	s = build(s, env)
	fx.PlanBuilt = true
	fx.StateChanged = true
	return s, fx
}

func stepResize(s State, r Resize, env Env) (State, Effects) {
	if r.Width <= 0 || r.Height <= 0 {
		return s, Effects{}
	}
	s.Viewport = geo.Viewport{Width: float64(r.Width), Height: float64(r.Height)}
	s = refit(s, env)
	return s, Effects{ResizeCanvas: true, Render: s.Phase == PhaseIdle}
}

func stepRebuild(s State, env Env) (State, Effects) {
	s = build(s, env)
	if s.Phase == PhasePlaying && s.drawable() {
		s.YearIndex = s.Plan.YearIndexAt(s.Progress)
	}
	return s, Effects{PlanBuilt: true, Render: s.Phase == PhaseIdle}
}

func stepTick(s State, load float64, env Env) (State, Effects) {
	now := env.Now
	switch s.Phase {
	case PhaseIdle:
		return s, Effects{Render: true}

	case PhaseLoading:
		fx := Effects{Render: true, ScheduleFrame: true}
		before := int(s.Scan * 100)
		s.LoadTarget = math.Max(s.LoadTarget, math.Min(1, load))
		if s.LoadedAt.IsZero() {
			f := camera.SmoothingFactor(now.Sub(s.LastTick), env.Timing.ScanHalfLife)
			s.Scan = math.Max(s.Scan, s.Scan+(s.LoadTarget-s.Scan)*f)
		}
		s.LastTick = now
		if int(s.Scan*100) != before {
			fx.StateChanged = true
		}
		if !s.LoadedAt.IsZero() && now.Sub(s.LoadedAt) >= env.Timing.LoadingHold {
			s.Phase = PhasePlaying
			s.PhaseStart = now
			s.Camera = s.Tracker.CameraAtProgress(s.Plan, 0, now)
			fx.StateChanged = true
			fx.YearChanged = true
		}
		return s, fx

	case PhasePlaying:
		fx := Effects{Render: true}
		raw := 1.0
		if s.TotalDuration > 0 {
			raw = float64(now.Sub(s.PhaseStart)) / float64(s.TotalDuration)
		}
		raw = math.Max(0, raw)
		if raw >= 1 {
			s.Progress = 1
			s.Phase = PhaseIdle
			fx.StateChanged = true
		} else {
			s.Progress = raw
			fx.ScheduleFrame = true
		}
		s.Camera = s.Tracker.CameraAtProgress(s.Plan, s.Progress, now)
		s.RevealedAt = reveal(s.RevealedAt, s.Plan, s.Progress, now)

		if idx := s.Plan.YearIndexAt(s.Progress); idx != s.YearIndex {
			s.YearIndex = idx
			fx.YearChanged = true
			fx.StateChanged = true
		}
		return s, fx
	}
	return s, Effects{}
}

// reveal returns revealed with every station whose trigger has passed,
// copying the map only when something new appears.
func reveal(revealed map[string]time.Time, p *plan.ContinuousPlan, progress float64, now time.Time) map[string]time.Time {
	var out map[string]time.Time
	for _, r := range p.StationReveals {
		if r.TriggerProgress > progress {
			continue
		}
		if _, ok := revealed[r.StationID]; ok {
			continue
		}
		if out == nil {
			out = make(map[string]time.Time, len(revealed)+1)
			for k, v := range revealed {
				out[k] = v
			}
		}
		out[r.StationID] = now
	}
	if out == nil {
		return revealed
	}
	return out
}
