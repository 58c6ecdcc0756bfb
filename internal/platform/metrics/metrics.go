package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the timeline server.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	requestDuration   *prometheus.HistogramVec
	tileFetchesTotal  prometheus.Counter
	tileFailuresTotal prometheus.Counter
	tileHitsTotal     prometheus.Counter
	tileMissesTotal   prometheus.Counter
	tileEvictions     prometheus.Counter
	framesRendered    prometheus.Counter
	transitionsTotal  *prometheus.CounterVec
	sessionsCreated   prometheus.Counter
	sessionsClosed    prometheus.Counter
	networkUpdates    prometheus.Counter
	activeSessions    prometheus.Gauge
	tileCacheEntries  prometheus.Gauge
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeline_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeline_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "timeline_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"route"}),
		tileFetchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeline_tile_fetches_total",
			Help: "Tile loads dispatched to the tile source",
		}),
		tileFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeline_tile_failures_total",
			Help: "Tile loads that failed and were absorbed by fallback rendering",
		}),
		tileHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeline_tile_cache_hits_total",
			Help: "Tile fetches served from the cache",
		}),
		tileMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeline_tile_cache_misses_total",
			Help: "Tile fetches not found in the cache",
		}),
		tileEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeline_tile_evictions_total",
			Help: "Decoded tiles evicted and released",
		}),
		framesRendered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeline_frames_rendered_total",
			Help: "Frames rendered by all playback engines",
		}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timeline_engine_transitions_total",
			Help: "Playback engine state transitions by target phase",
		}, []string{"phase"}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeline_sessions_created_total",
			Help: "Playback sessions created",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeline_sessions_closed_total",
			Help: "Playback sessions closed",
		}),
		networkUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeline_network_updates_total",
			Help: "Network documents published",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timeline_active_sessions",
			Help: "Number of open playback sessions",
		}),
		tileCacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timeline_tile_cache_entries",
			Help: "Decoded tiles held across all session caches",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.requestDuration,
		m.tileFetchesTotal,
		m.tileFailuresTotal,
		m.tileHitsTotal,
		m.tileMissesTotal,
		m.tileEvictions,
		m.framesRendered,
		m.transitionsTotal,
		m.sessionsCreated,
		m.sessionsClosed,
		m.networkUpdates,
		m.activeSessions,
		m.tileCacheEntries,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// ObserveRequest records the latency of a request matched by route.
func (m *Metrics) ObserveRequest(route string, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// IncTileFetches counts a load sent to the tile source.
func (m *Metrics) IncTileFetches() {
	m.tileFetchesTotal.Inc()
}

// IncTileFailures counts a failed tile load.
func (m *Metrics) IncTileFailures() {
	m.tileFailuresTotal.Inc()
}

// IncTileHits counts a cache hit.
func (m *Metrics) IncTileHits() {
	m.tileHitsTotal.Inc()
}

// IncTileMisses counts a cache miss.
func (m *Metrics) IncTileMisses() {
	m.tileMissesTotal.Inc()
}

// IncTileEvictions counts a released tile.
func (m *Metrics) IncTileEvictions() {
	m.tileEvictions.Inc()
}

// IncFramesRendered counts one rendered frame.
func (m *Metrics) IncFramesRendered() {
	m.framesRendered.Inc()
}

// IncTransitions counts an engine transition into phase.
func (m *Metrics) IncTransitions(phase string) {
	m.transitionsTotal.WithLabelValues(phase).Inc()
}

// IncSessionsCreated increments the sessions created counter.
func (m *Metrics) IncSessionsCreated() {
	m.sessionsCreated.Inc()
}

// IncSessionsClosed increments the sessions closed counter.
func (m *Metrics) IncSessionsClosed() {
	m.sessionsClosed.Inc()
}

// IncNetworkUpdates increments the published network counter.
func (m *Metrics) IncNetworkUpdates() {
	m.networkUpdates.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// SetTileCacheEntries sets the cached tile gauge.
func (m *Metrics) SetTileCacheEntries(n int) {
	m.tileCacheEntries.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
