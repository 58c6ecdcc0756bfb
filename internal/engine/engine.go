package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"metro-timeline/internal/camera"
	"metro-timeline/internal/geo"
	"metro-timeline/internal/network"
	"metro-timeline/internal/platform/metrics"
	"metro-timeline/internal/render"
	"metro-timeline/internal/tiles"
)

// ErrDestroyed is returned by commands on a destroyed engine.
var ErrDestroyed = errors.New("engine destroyed")

// TileRetryDelay is how long a tile that failed to load is left alone before
// a frame may request it again.
const TileRetryDelay = 5 * time.Second

// StateEvent is sent on every phase transition and loading progress step.
type StateEvent struct {
	Phase           Phase    `json:"phase"`
	Year            int      `json:"year"`
	YearIndex       int      `json:"yearIndex"`
	TotalYears      int      `json:"totalYears"`
	LoadingProgress *float64 `json:"loadingProgress,omitempty"`
}

// YearEvent is sent when the displayed epoch changes.
type YearEvent struct {
	Year      int      `json:"year"`
	YearIndex int      `json:"yearIndex"`
	Label     string   `json:"label"`
	Events    []string `json:"events,omitempty"`
}

// Observer receives engine notifications. Calls happen outside the engine
// lock, so an observer may call back into the engine.
type Observer interface {
	StateChanged(StateEvent)
	YearChanged(YearEvent)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnState func(StateEvent)
	OnYear  func(YearEvent)
}

func (o ObserverFuncs) StateChanged(ev StateEvent) {
	if o.OnState != nil {
		o.OnState(ev)
	}
}

func (o ObserverFuncs) YearChanged(ev YearEvent) {
	if o.OnYear != nil {
		o.OnYear(ev)
	}
}

// Config wires an Engine.
type Config struct {
	Network network.Provider
	Source  tiles.Source
	// TileOptions configure the engine's own tile cache. OnTileLoaded is
	// replaced by the engine.
	TileOptions tiles.Options
	Clock       FrameClock
	Width       int
	Height      int
	DPR         float64
	Timing      Timing
	Camera      camera.Settings
	Observer    Observer
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Snapshot is the public view of the engine state.
type Snapshot struct {
	Phase           Phase         `json:"phase"`
	Year            int           `json:"year"`
	YearIndex       int           `json:"yearIndex"`
	TotalYears      int           `json:"totalYears"`
	Years           []int         `json:"years"`
	Label           string        `json:"label"`
	Progress        float64       `json:"progress"`
	LoadingProgress float64       `json:"loadingProgress"`
	Speed           float64       `json:"speed"`
	Pseudo          bool          `json:"pseudo"`
	TotalDurationMs int64         `json:"totalDurationMs"`
	Camera          camera.Camera `json:"camera"`
	Tiles           int           `json:"tiles"`
}

type loadTracker struct {
	gen    int
	frac   atomic.Uint64
	cancel context.CancelFunc
}

func (l *loadTracker) update(p tiles.Progress) {
	l.frac.Store(math.Float64bits(p.Fraction()))
}

func (l *loadTracker) fraction() float64 {
	return math.Float64frombits(l.frac.Load())
}

// Engine owns one canvas, one tile cache and one playback state. Every state
// change goes through Step under mu.
type Engine struct {
	network  network.Provider
	clock    FrameClock
	cache    *tiles.Cache
	canvas   *render.Canvas
	observer Observer
	log      *slog.Logger
	metrics  *metrics.Metrics
	timing   Timing
	camera   camera.Settings

	mu          sync.Mutex
	state       State
	frameSeq    int
	frameID     int
	cancelFrame func()
	loading     *loadTracker

	requested sync.Map
	// failed maps tiles.Key to the frame clock time of its last failed load.
	failed sync.Map
}

type notes struct {
	state *StateEvent
	year  *YearEvent
}

func (n notes) emit(o Observer) {
	if o == nil {
		return
	}
	if n.state != nil {
		o.StateChanged(*n.state)
	}
	if n.year != nil {
		o.YearChanged(*n.year)
	}
}

// New builds an engine, builds the first plan and renders the idle overview.
func New(cfg Config) (*Engine, error) {
	if cfg.Source == nil {
		return nil, errors.New("engine: tile source is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = NewTimerClock(60)
	}
	if cfg.Timing == (Timing{}) {
		cfg.Timing = DefaultTiming()
	}
	if cfg.Camera == (camera.Settings{}) {
		cfg.Camera = camera.DefaultSettings()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		network:  cfg.Network,
		clock:    cfg.Clock,
		observer: cfg.Observer,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		timing:   cfg.Timing,
		camera:   cfg.Camera,
	}

	opts := cfg.TileOptions
	if opts.Logger == nil {
		opts.Logger = cfg.Logger
	}
	if opts.Metrics == nil {
		opts.Metrics = cfg.Metrics
	}
	opts.OnTileLoaded = e.onTileLoaded
	e.cache = tiles.NewCache(cfg.Source, opts)

	canvas, err := render.NewCanvas(cfg.Width, cfg.Height, cfg.DPR, e.cache, e.requestTile)
	if err != nil {
		e.cache.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.canvas = canvas
	e.state = NewState(canvas.Viewport())

	if err := e.dispatch(Rebuild{}); err != nil {
		return nil, err
	}
	return e, nil
}

// Play rebuilds the plan and starts loading then playing.
func (e *Engine) Play() error { return e.dispatch(Play{}) }

// Pause stops the frame loop and keeps progress.
func (e *Engine) Pause() error { return e.dispatch(Pause{}) }

// Stop returns to the idle overview.
func (e *Engine) Stop() error { return e.dispatch(Stop{}) }

// SeekToYear shows the end of the epoch for year. Unknown years are ignored.
func (e *Engine) SeekToYear(year int) error { return e.dispatch(Seek{Year: year}) }

// SetSpeed sets the speed multiplier.
func (e *Engine) SetSpeed(speed float64) error { return e.dispatch(SetSpeed{Speed: speed}) }

// SetPseudoMode switches between year epochs and one epoch per line.
func (e *Engine) SetPseudoMode(on bool) error { return e.dispatch(SetPseudo{On: on}) }

// Resize changes the canvas size in logical pixels. Sizes whose device
// pixels exceed render.MaxDevicePixels return render.ErrCanvasTooLarge and
// leave the engine untouched.
func (e *Engine) Resize(width, height int) error {
	if err := render.CheckSize(width, height, e.canvas.DPR()); err != nil {
		return err
	}
	return e.dispatch(Resize{Width: width, Height: height})
}

// Rebuild re-reads the network without changing the playback phase.
func (e *Engine) Rebuild() error { return e.dispatch(Rebuild{}) }

// Destroy cancels all work and releases the tile cache. It is safe to call
// more than once and from any state.
func (e *Engine) Destroy() {
	_ = e.dispatch(Destroy{})
}

// State returns the current phase.
func (e *Engine) State() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Phase
}

// Years lists the epochs of the current plan.
func (e *Engine) Years() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Plan == nil {
		return nil
	}
	return e.state.Plan.Years()
}

// CurrentYearIndex returns the displayed epoch index.
func (e *Engine) CurrentYearIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.YearIndex
}

// GetState returns a snapshot of the public state.
func (e *Engine) GetState() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state
	snap := Snapshot{
		Phase:           s.Phase,
		YearIndex:       s.YearIndex,
		Progress:        s.Progress,
		LoadingProgress: s.Scan,
		Speed:           s.Speed,
		Pseudo:          s.Pseudo,
		TotalDurationMs: s.TotalDuration.Milliseconds(),
		Camera:          s.Camera,
	}
	if !s.Destroyed {
		snap.Tiles = e.cache.Len()
	}
	if s.Plan != nil {
		snap.Years = s.Plan.Years()
		snap.TotalYears = len(snap.Years)
		if m := s.Plan.YearMarkers; s.YearIndex < len(m) {
			snap.Year = m[s.YearIndex].Year
			snap.Label = m[s.YearIndex].YearPlan.Label
		}
	}
	return snap
}

// EncodePNG returns the last rendered frame.
func (e *Engine) EncodePNG() ([]byte, error) {
	e.mu.Lock()
	destroyed := e.state.Destroyed
	e.mu.Unlock()
	if destroyed {
		return nil, ErrDestroyed
	}
	return e.canvas.EncodePNG()
}

// TileCount returns the number of cached tiles.
func (e *Engine) TileCount() int {
	return e.cache.Len()
}

func (e *Engine) dispatch(ev Event) error {
	e.mu.Lock()
	if e.state.Destroyed {
		e.mu.Unlock()
		return ErrDestroyed
	}
	n := e.applyLocked(ev, e.clock.Now())
	e.mu.Unlock()

	n.emit(e.observer)
	return nil
}

func (e *Engine) env(now time.Time) Env {
	var n *network.Network
	if e.network != nil {
		n = e.network.Snapshot()
	}
	return Env{Now: now, Network: n, Timing: e.timing, Camera: e.camera}
}

// applyLocked runs one transition and its effects. Caller holds e.mu.
func (e *Engine) applyLocked(ev Event, now time.Time) notes {
	prev := e.state
	next, fx := Step(prev, ev, e.env(now))
	e.state = next

	if next.Phase != prev.Phase {
		e.log.Debug("state_change", "from", string(prev.Phase), "to", string(next.Phase))
		if e.metrics != nil {
			e.metrics.IncTransitions(string(next.Phase))
		}
	}
	if fx.PlanBuilt && next.Plan != nil {
		e.log.Info("plan_built",
			slog.Int("segments", len(next.Plan.Segments)),
			slog.Int("epochs", len(next.Plan.YearMarkers)),
			slog.Bool("pseudo", next.Plan.Pseudo),
			slog.Float64("total_km", next.Plan.TotalLengthMeters/1000),
		)
	}

	if fx.CancelFrame {
		e.cancelFrameLocked()
	}
	if fx.CancelPrefetch {
		e.cancelPrefetchLocked()
	}
	if fx.ResizeCanvas {
		if err := e.canvas.Resize(int(next.Viewport.Width), int(next.Viewport.Height)); err != nil {
			e.log.Warn("canvas resize rejected", slog.Any("error", err))
		}
	}
	if fx.StartPrefetch {
		e.startPrefetchLocked()
	}
	if fx.Render {
		e.renderLocked(now)
	}
	if fx.ScheduleFrame {
		e.scheduleFrameLocked()
	}
	if fx.Release {
		e.cache.Close()
	}

	var n notes
	if fx.StateChanged {
		ev := e.stateEventLocked()
		n.state = &ev
	}
	if fx.YearChanged {
		if ev, ok := e.yearEventLocked(); ok {
			n.year = &ev
		}
	}
	return n
}

func (e *Engine) stateEventLocked() StateEvent {
	s := e.state
	ev := StateEvent{Phase: s.Phase, YearIndex: s.YearIndex}
	if s.Plan != nil {
		ev.TotalYears = len(s.Plan.YearMarkers)
		if s.YearIndex < ev.TotalYears {
			ev.Year = s.Plan.YearMarkers[s.YearIndex].Year
		}
	}
	if s.Phase == PhaseLoading {
		p := s.Scan
		ev.LoadingProgress = &p
	}
	return ev
}

func (e *Engine) yearEventLocked() (YearEvent, bool) {
	s := e.state
	if s.Plan == nil || s.YearIndex >= len(s.Plan.YearMarkers) {
		return YearEvent{}, false
	}
	m := s.Plan.YearMarkers[s.YearIndex]
	return YearEvent{
		Year:      m.Year,
		YearIndex: s.YearIndex,
		Label:     m.YearPlan.Label,
		Events:    m.YearPlan.Events,
	}, true
}

func (e *Engine) scheduleFrameLocked() {
	if e.frameID != 0 {
		return
	}
	e.frameSeq++
	id := e.frameSeq
	e.frameID = id
	e.cancelFrame = e.clock.RequestFrame(func(now time.Time) {
		e.onFrame(id, now)
	})
}

func (e *Engine) cancelFrameLocked() {
	if e.cancelFrame != nil {
		e.cancelFrame()
	}
	e.cancelFrame = nil
	e.frameID = 0
}

func (e *Engine) onFrame(id int, now time.Time) {
	e.mu.Lock()
	if e.frameID != id || e.state.Destroyed {
		e.mu.Unlock()
		return
	}
	e.frameID = 0
	e.cancelFrame = nil

	var load float64
	if e.loading != nil && e.loading.gen == e.state.Generation {
		load = e.loading.fraction()
	}
	n := e.applyLocked(Tick{Load: load}, now)
	e.mu.Unlock()

	n.emit(e.observer)
}

func (e *Engine) prefetchKeys(s State) []tiles.Key {
	if !s.HasBound || s.Viewport.Empty() {
		return nil
	}
	fit := s.FitCamera
	z0 := int(math.Floor(fit.Zoom))
	keys := tiles.Keys(geo.VisibleBound(fit.Center(), fit.Zoom, s.Viewport), z0)

	zt := int(math.Min(geo.MaxZoom, math.Floor(s.Tracker.TargetZoom())))
	if zt > z0 {
		keys = append(keys, tiles.Keys(s.Bounds, zt)...)
	}
	return keys
}

func (e *Engine) startPrefetchLocked() {
	e.cancelPrefetchLocked()

	keys := e.prefetchKeys(e.state)
	ctx, cancel := context.WithCancel(context.Background())
	lt := &loadTracker{gen: e.state.Generation, cancel: cancel}
	e.loading = lt
	e.cache.StartProgressTracking(len(keys), lt.update)

	go func() {
		err := e.cache.Prefetch(ctx, keys)
		e.prefetchFinished(lt, err)
	}()
}

func (e *Engine) prefetchFinished(lt *loadTracker, err error) {
	lt.cancel()

	e.mu.Lock()
	if e.loading != lt || e.state.Destroyed {
		e.mu.Unlock()
		return
	}
	e.cache.StopProgressTracking()
	e.loading = nil
	if err != nil {
		e.mu.Unlock()
		e.log.Debug("prefetch_aborted", "generation", lt.gen, "error", err)
		return
	}
	n := e.applyLocked(PrefetchDone{Generation: lt.gen}, e.clock.Now())
	e.mu.Unlock()

	n.emit(e.observer)
}

func (e *Engine) cancelPrefetchLocked() {
	if e.loading == nil {
		return
	}
	e.loading.cancel()
	e.cache.StopProgressTracking()
	e.loading = nil
}

func (e *Engine) renderLocked(now time.Time) {
	e.canvas.Draw(e.frameLocked(now))
	if e.metrics != nil {
		e.metrics.IncFramesRendered()
	}
}

func (e *Engine) frameLocked(now time.Time) render.Frame {
	s := e.state
	f := render.Frame{
		Camera:     s.Camera,
		Plan:       s.Plan,
		Stations:   s.Stations,
		Progress:   s.Progress,
		Scan:       s.Scan,
		RevealedAt: s.RevealedAt,
		Now:        now,
	}
	switch s.Phase {
	case PhaseLoading:
		f.Mode = render.ModeLoading
	case PhasePlaying:
		f.Mode = render.ModePlaying
	default:
		f.Mode = render.ModeIdle
	}
	if !s.drawable() {
		f.Placeholder = true
		return f
	}
	if s.Overview {
		f.Progress = 1
		f.RevealedAt = nil
		return f
	}
	if m := s.Plan.YearMarkers; s.YearIndex < len(m) {
		f.Label = m[s.YearIndex].YearPlan.Label
	}
	return f
}

// requestTile starts a background load for a tile the canvas is missing.
// A tile whose load failed is not requested again until TileRetryDelay has
// passed on the frame clock.
func (e *Engine) requestTile(k tiles.Key) {
	if at, ok := e.failed.Load(k); ok {
		if e.clock.Now().Sub(at.(time.Time)) < TileRetryDelay {
			return
		}
		e.failed.Delete(k)
	}
	if _, busy := e.requested.LoadOrStore(k, struct{}{}); busy {
		return
	}
	go func() {
		defer e.requested.Delete(k)
		if e.cache.Fetch(context.Background(), k) == nil {
			e.failed.Store(k, e.clock.Now())
		}
	}()
}

func (e *Engine) onTileLoaded(tiles.Key) {
	_ = e.dispatch(TileLoaded{})
}
