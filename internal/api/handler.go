package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"metro-timeline/internal/engine"
	"metro-timeline/internal/network"
	"metro-timeline/internal/platform/metrics"
	"metro-timeline/internal/render"
	"metro-timeline/internal/session"
)

const (
	pngContentType = "image/png"
	maxNetworkBody = 16 << 20
)

var validate = validator.New()

// ErrorResponse is the JSON body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SpeedRequest is the body of POST /sessions/{id}/speed.
type SpeedRequest struct {
	Speed float64 `json:"speed" validate:"gt=0,lte=64"`
}

// PseudoRequest is the body of POST /sessions/{id}/pseudo.
type PseudoRequest struct {
	Enabled bool `json:"enabled"`
}

// ResizeRequest is the body of POST /sessions/{id}/resize.
type ResizeRequest struct {
	Width  int `json:"width" validate:"gt=0,lte=8192"`
	Height int `json:"height" validate:"gt=0,lte=8192"`
}

// NetworkResponse is returned after the network is replaced.
type NetworkResponse struct {
	Version  int `json:"version"`
	Stations int `json:"stations"`
	Edges    int `json:"edges"`
	Rebuilt  int `json:"rebuilt"`
}

// Handler exposes session control and network publishing over HTTP.
type Handler struct {
	svc     *session.Service
	holder  *network.Holder
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler. Metrics may be nil to disable metric
// recording (e.g. in tests).
func NewHandler(svc *session.Service, holder *network.Holder, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, holder: holder, log: log, metrics: m}
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/network", func(r chi.Router) {
		r.Get("/", h.GetNetwork)
		r.Put("/", h.PutNetwork)
	})
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Get("/", h.ListSessions)
		r.Route("/{session_id}", func(r chi.Router) {
			r.Get("/state", h.GetState)
			r.Delete("/", h.DeleteSession)
			r.Post("/play", h.command((*engine.Engine).Play))
			r.Post("/pause", h.command((*engine.Engine).Pause))
			r.Post("/stop", h.command((*engine.Engine).Stop))
			r.Post("/rebuild", h.command((*engine.Engine).Rebuild))
			r.Post("/seek/{year}", h.Seek)
			r.Post("/speed", h.SetSpeed)
			r.Post("/pseudo", h.SetPseudo)
			r.Post("/resize", h.Resize)
			r.Get("/frame.png", h.GetFrame)
		})
	})
}

// CreateSession handles POST /sessions.
// Body: { "width": 1280, "height": 720, "dpr": 2 }.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var c session.Canvas
	if !h.decode(w, r, &c) {
		return
	}
	sess, err := h.svc.Create(c)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.View())
	if h.metrics != nil {
		h.metrics.IncSessionsCreated()
	}
}

// ListSessions handles GET /sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	var out []session.View
	for _, id := range h.svc.List() {
		if sess, err := h.svc.Get(id); err == nil {
			out = append(out, sess.View())
		}
	}
	if out == nil {
		out = []session.View{}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetState handles GET /sessions/{session_id}/state.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Get(sessionID(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

// DeleteSession handles DELETE /sessions/{session_id}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Close(sessionID(r)); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	if h.metrics != nil {
		h.metrics.IncSessionsClosed()
	}
}

// Seek handles POST /sessions/{session_id}/seek/{year}.
func (h *Handler) Seek(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "year must be an integer"})
		return
	}
	h.do(w, r, func(e *engine.Engine) error { return e.SeekToYear(year) })
}

// SetSpeed handles POST /sessions/{session_id}/speed.
func (h *Handler) SetSpeed(w http.ResponseWriter, r *http.Request) {
	var req SpeedRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.do(w, r, func(e *engine.Engine) error { return e.SetSpeed(req.Speed) })
}

// SetPseudo handles POST /sessions/{session_id}/pseudo.
func (h *Handler) SetPseudo(w http.ResponseWriter, r *http.Request) {
	var req PseudoRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.do(w, r, func(e *engine.Engine) error { return e.SetPseudoMode(req.Enabled) })
}

// Resize handles POST /sessions/{session_id}/resize.
func (h *Handler) Resize(w http.ResponseWriter, r *http.Request) {
	var req ResizeRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.do(w, r, func(e *engine.Engine) error { return e.Resize(req.Width, req.Height) })
}

// GetFrame handles GET /sessions/{session_id}/frame.png.
func (h *Handler) GetFrame(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Get(sessionID(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	data, err := sess.Engine.EncodePNG()
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", pngContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// GetNetwork handles GET /network.
func (h *Handler) GetNetwork(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.holder.Snapshot())
}

// PutNetwork handles PUT /network. The body is a YAML or JSON network
// document. Open sessions rebuild their plan from it.
func (h *Handler) PutNetwork(w http.ResponseWriter, r *http.Request) {
	n, err := network.Decode(http.MaxBytesReader(w, r.Body, maxNetworkBody))
	if err != nil {
		h.log.Info("network rejected", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	version := h.holder.Set(n)
	rebuilt := h.svc.RebuildAll()
	if h.metrics != nil {
		h.metrics.IncNetworkUpdates()
	}

	h.log.Info("network published",
		slog.Int("version", version),
		slog.Int("stations", len(n.Stations)),
		slog.Int("edges", len(n.Edges)),
		slog.Int("sessions_rebuilt", rebuilt))
	writeJSON(w, http.StatusOK, NetworkResponse{
		Version:  version,
		Stations: len(n.Stations),
		Edges:    len(n.Edges),
		Rebuilt:  rebuilt,
	})
}

func (h *Handler) command(fn func(*engine.Engine) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.do(w, r, fn)
	}
}

func (h *Handler) do(w http.ResponseWriter, r *http.Request, fn func(*engine.Engine) error) {
	sess, err := h.svc.Do(sessionID(r), fn)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.log.Debug("invalid request body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, render.ErrCanvasTooLarge):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, session.ErrSessionClosed), errors.Is(err, engine.ErrDestroyed):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
	default:
		h.log.Error("request failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

func sessionID(r *http.Request) session.ID {
	return session.ID(chi.URLParam(r, "session_id"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
