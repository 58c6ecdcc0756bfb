package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"

	"metro-timeline/internal/engine"
	"metro-timeline/internal/network"
	"metro-timeline/internal/platform/metrics"
	"metro-timeline/internal/session"
	"metro-timeline/internal/tiles"
)

const networkYAML = `
stations:
  - {id: A, lngLat: [2.10, 41.38], name: Alpha}
  - {id: B, lngLat: [2.12, 41.39], name: Bravo}
  - {id: C, lngLat: [2.15, 41.40], name: Charlie}
lines:
  - {id: L1, name: Line 1, color: "#e3000f"}
edges:
  - {id: e1, fromStationId: A, toStationId: B, lengthMeters: 1000, sharedByLineIds: [L1], openingYear: 1924}
  - {id: e2, fromStationId: B, toStationId: C, lengthMeters: 1000, sharedByLineIds: [L1], openingYear: 1930}
`

func testNetwork() *network.Network {
	y := 1924
	return &network.Network{
		Stations: []network.Station{
			{ID: "A", LngLat: orb.Point{2.10, 41.38}, Name: "Alpha"},
			{ID: "B", LngLat: orb.Point{2.12, 41.39}, Name: "Bravo"},
		},
		Lines: []network.Line{{ID: "L1", Name: "Line 1", Color: "#e3000f"}},
		Edges: []network.Edge{
			{ID: "e1", FromStationID: "A", ToStationID: "B", LengthMeters: 1000, SharedByLineIDs: []string{"L1"}, OpeningYear: &y},
		},
	}
}

func newTestRouter(t *testing.T) (*chi.Mux, *network.Holder) {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("encode: %v", err)
	}
	data := buf.Bytes()
	log := slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	holder := network.NewHolder(testNetwork())

	factory := func(c session.Canvas, obs engine.Observer) (*engine.Engine, error) {
		return engine.New(engine.Config{
			Network:  holder,
			Source:   tiles.SourceFunc(func(context.Context, tiles.Key) ([]byte, error) { return data, nil }),
			Clock:    engine.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
			Width:    c.Width,
			Height:   c.Height,
			DPR:      c.DPR,
			Observer: obs,
			Logger:   log,
		})
	}
	svc := session.NewService(session.NewInMemoryRepository(), factory, log)
	t.Cleanup(svc.CloseAll)

	h := NewHandler(svc, holder, log, metrics.New())
	r := chi.NewRouter()
	h.Routes(r)
	return r, holder
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func createSession(t *testing.T, r http.Handler) session.View {
	t.Helper()
	rec := do(t, r, http.MethodPost, "/sessions", `{"width": 64, "height": 48, "dpr": 1}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var v session.View
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return v
}

func TestHandler_CreateSession(t *testing.T) {
	r, _ := newTestRouter(t)

	t.Run("success", func(t *testing.T) {
		v := createSession(t, r)
		if v.ID == "" {
			t.Error("missing id")
		}
		if v.State.Phase != engine.PhaseIdle || len(v.State.Years) != 1 {
			t.Errorf("state = %+v", v.State)
		}
	})

	t.Run("bad_json", func(t *testing.T) {
		rec := do(t, r, http.MethodPost, "/sessions", "not json")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("fails_validation", func(t *testing.T) {
		rec := do(t, r, http.MethodPost, "/sessions", `{"width": 0, "height": 48}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("device_pixels_over_limit", func(t *testing.T) {
		count := func() int {
			var views []session.View
			if err := json.Unmarshal(do(t, r, http.MethodGet, "/sessions", "").Body.Bytes(), &views); err != nil {
				t.Fatalf("decode list: %v", err)
			}
			return len(views)
		}
		before := count()
		rec := do(t, r, http.MethodPost, "/sessions", `{"width": 8192, "height": 8192, "dpr": 4}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
		}
		if count() != before {
			t.Error("rejected canvas should not register a session")
		}
	})
}

func TestHandler_Resize_device_pixels_over_limit(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := do(t, r, http.MethodPost, "/sessions", `{"width": 64, "height": 48, "dpr": 4}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", rec.Code)
	}
	var v session.View
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	base := "/sessions/" + string(v.ID)

	rec = do(t, r, http.MethodPost, base+"/resize", `{"width": 4096, "height": 16}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = do(t, r, http.MethodGet, base+"/frame.png", "")
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 256 || b.Dy() != 192 {
		t.Errorf("frame size = %v, want the original 256x192", b)
	}
}

func TestHandler_ListSessions(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := do(t, r, http.MethodGet, "/sessions", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("empty list: %d %q", rec.Code, rec.Body.String())
	}

	createSession(t, r)
	createSession(t, r)
	rec = do(t, r, http.MethodGet, "/sessions", "")
	var views []session.View
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil || len(views) != 2 {
		t.Errorf("views = %d, err = %v", len(views), err)
	}
}

func TestHandler_commands(t *testing.T) {
	r, _ := newTestRouter(t)
	v := createSession(t, r)
	base := "/sessions/" + string(v.ID)

	t.Run("play_enters_loading", func(t *testing.T) {
		rec := do(t, r, http.MethodPost, base+"/play", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var got session.View
		json.Unmarshal(rec.Body.Bytes(), &got)
		if got.State.Phase != engine.PhaseLoading {
			t.Errorf("phase = %s", got.State.Phase)
		}
		if got.LastChange == nil || got.LastChange.Phase != engine.PhaseLoading {
			t.Errorf("last change = %+v", got.LastChange)
		}
	})

	t.Run("pause_returns_to_idle", func(t *testing.T) {
		rec := do(t, r, http.MethodPost, base+"/pause", "")
		var got session.View
		json.Unmarshal(rec.Body.Bytes(), &got)
		if rec.Code != http.StatusOK || got.State.Phase != engine.PhaseIdle {
			t.Errorf("code = %d, phase = %s", rec.Code, got.State.Phase)
		}
	})

	t.Run("seek", func(t *testing.T) {
		rec := do(t, r, http.MethodPost, base+"/seek/1924", "")
		var got session.View
		json.Unmarshal(rec.Body.Bytes(), &got)
		if rec.Code != http.StatusOK || got.State.Year != 1924 || got.State.Progress != 1 {
			t.Errorf("code = %d, state = %+v", rec.Code, got.State)
		}
	})

	t.Run("seek_bad_year", func(t *testing.T) {
		rec := do(t, r, http.MethodPost, base+"/seek/abc", "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("speed", func(t *testing.T) {
		rec := do(t, r, http.MethodPost, base+"/speed", `{"speed": 2.5}`)
		var got session.View
		json.Unmarshal(rec.Body.Bytes(), &got)
		if rec.Code != http.StatusOK || got.State.Speed != 2.5 {
			t.Errorf("code = %d, speed = %v", rec.Code, got.State.Speed)
		}
	})

	t.Run("speed_rejects_zero", func(t *testing.T) {
		rec := do(t, r, http.MethodPost, base+"/speed", `{"speed": 0}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("pseudo", func(t *testing.T) {
		rec := do(t, r, http.MethodPost, base+"/pseudo", `{"enabled": true}`)
		var got session.View
		json.Unmarshal(rec.Body.Bytes(), &got)
		if rec.Code != http.StatusOK || !got.State.Pseudo {
			t.Errorf("code = %d, pseudo = %v", rec.Code, got.State.Pseudo)
		}
	})

	t.Run("resize", func(t *testing.T) {
		rec := do(t, r, http.MethodPost, base+"/resize", `{"width": 32, "height": 16}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		rec = do(t, r, http.MethodGet, base+"/frame.png", "")
		img, err := png.Decode(rec.Body)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 16 {
			t.Errorf("frame size = %v", b)
		}
	})

	t.Run("stop_and_rebuild", func(t *testing.T) {
		for _, cmd := range []string{"/stop", "/rebuild"} {
			if rec := do(t, r, http.MethodPost, base+cmd, ""); rec.Code != http.StatusOK {
				t.Errorf("%s: expected 200, got %d", cmd, rec.Code)
			}
		}
	})
}

func TestHandler_GetFrame(t *testing.T) {
	r, _ := newTestRouter(t)
	v := createSession(t, r)

	rec := do(t, r, http.MethodGet, "/sessions/"+string(v.ID)+"/frame.png", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != pngContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Errorf("frame size = %v", b)
	}
}

func TestHandler_DeleteSession(t *testing.T) {
	r, _ := newTestRouter(t)
	v := createSession(t, r)
	path := "/sessions/" + string(v.ID)

	if rec := do(t, r, http.MethodDelete, path, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	t.Run("commands_conflict_after_close", func(t *testing.T) {
		if rec := do(t, r, http.MethodPost, path+"/play", ""); rec.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", rec.Code)
		}
		if rec := do(t, r, http.MethodDelete, path, ""); rec.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", rec.Code)
		}
	})

	t.Run("unknown_session_not_found", func(t *testing.T) {
		if rec := do(t, r, http.MethodGet, "/sessions/missing/state", ""); rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestHandler_Network(t *testing.T) {
	r, holder := newTestRouter(t)
	v := createSession(t, r)

	t.Run("get", func(t *testing.T) {
		rec := do(t, r, http.MethodGet, "/network", "")
		var n network.Network
		if err := json.Unmarshal(rec.Body.Bytes(), &n); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(n.Stations) != 2 {
			t.Errorf("stations = %d", len(n.Stations))
		}
	})

	t.Run("put_rebuilds_sessions", func(t *testing.T) {
		rec := do(t, r, http.MethodPut, "/network", networkYAML)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var resp NetworkResponse
		json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp.Version != 1 || resp.Stations != 3 || resp.Rebuilt != 1 {
			t.Errorf("response = %+v", resp)
		}
		if holder.Version() != 1 {
			t.Errorf("holder version = %d", holder.Version())
		}

		rec = do(t, r, http.MethodGet, "/sessions/"+string(v.ID)+"/state", "")
		var got session.View
		json.Unmarshal(rec.Body.Bytes(), &got)
		if years := got.State.Years; len(years) != 2 || years[1] != 1930 {
			t.Errorf("years after publish = %v", years)
		}
	})

	t.Run("put_rejects_unknown_station", func(t *testing.T) {
		bad := strings.Replace(networkYAML, "toStationId: C", "toStationId: Z", 1)
		rec := do(t, r, http.MethodPut, "/network", bad)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
		if holder.Version() != 1 {
			t.Error("rejected network must not be published")
		}
	})
}
