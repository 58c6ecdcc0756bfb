// Package render draws timeline frames onto a raster canvas.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"sync"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/paulmach/orb"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"metro-timeline/internal/camera"
	"metro-timeline/internal/geo"
	"metro-timeline/internal/network"
	"metro-timeline/internal/plan"
	"metro-timeline/internal/tiles"
)

const (
	backgroundHex  = "#1b1d22"
	placeholderHex = "#2a2d34"
	stationFillHex = "#ffffff"
	lineWidth      = 3.0
	stationRadius  = 3.5

	// StationPop is how long a revealed station takes to grow to full size.
	StationPop = 350 * time.Millisecond

	// MaxDevicePixels caps each side of the surface after the device pixel
	// ratio is applied.
	MaxDevicePixels = 8192
)

// ErrCanvasTooLarge is returned for surfaces wider or taller than
// MaxDevicePixels device pixels.
var ErrCanvasTooLarge = errors.New("canvas too large")

// CheckSize reports whether a width x height surface at dpr fits within
// MaxDevicePixels. A non-positive dpr counts as 1.
func CheckSize(width, height int, dpr float64) error {
	if dpr <= 0 {
		dpr = 1
	}
	if math.IsNaN(dpr) || math.IsInf(dpr, 0) ||
		float64(width)*dpr > MaxDevicePixels || float64(height)*dpr > MaxDevicePixels {
		return fmt.Errorf("%w: %dx%d at dpr %g exceeds %d device pixels per side",
			ErrCanvasTooLarge, width, height, dpr, MaxDevicePixels)
	}
	return nil
}

// Mode selects what a frame shows on top of the map.
type Mode int

const (
	ModeIdle Mode = iota
	ModeLoading
	ModePlaying
)

// Frame is everything needed to draw one picture.
type Frame struct {
	Mode     Mode
	Camera   camera.Camera
	Plan     *plan.ContinuousPlan
	Stations map[string]network.Station
	Progress float64
	// Scan is the smoothed loading progress in [0,1].
	Scan  float64
	Label string
	// RevealedAt holds when each station first appeared. Stations missing
	// from a nil map are drawn at full size.
	RevealedAt map[string]time.Time
	Now        time.Time
	// Placeholder draws a flat frame with no map content.
	Placeholder bool
}

// TileSource is the read side of the tile cache.
type TileSource interface {
	Get(k tiles.Key) tiles.Bitmap
	Fallback(k tiles.Key) (tiles.Bitmap, image.Rectangle, bool)
}

// Canvas owns one drawing surface sized in logical pixels times a device
// pixel ratio.
type Canvas struct {
	mu    sync.Mutex
	dc    *gg.Context
	vp    geo.Viewport
	dpr   float64
	font  *truetype.Font
	faces map[float64]font.Face

	tiles   TileSource
	missing func(tiles.Key)
}

// NewCanvas creates a surface. missing is called for every visible tile that
// is not cached yet; it may be nil.
func NewCanvas(width, height int, dpr float64, src TileSource, missing func(tiles.Key)) (*Canvas, error) {
	if err := CheckSize(width, height, dpr); err != nil {
		return nil, err
	}
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	if dpr <= 0 {
		dpr = 1
	}
	c := &Canvas{
		dpr:     dpr,
		font:    f,
		faces:   make(map[float64]font.Face),
		tiles:   src,
		missing: missing,
	}
	c.resizeLocked(width, height)
	return c, nil
}

// Viewport returns the logical size.
func (c *Canvas) Viewport() geo.Viewport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vp
}

// DPR returns the device pixel ratio.
func (c *Canvas) DPR() float64 {
	return c.dpr
}

// Resize replaces the surface. Sizes beyond MaxDevicePixels are rejected and
// the current surface is kept.
func (c *Canvas) Resize(width, height int) error {
	if err := CheckSize(width, height, c.dpr); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resizeLocked(width, height)
	return nil
}

func (c *Canvas) resizeLocked(width, height int) {
	width, height = max(width, 1), max(height, 1)
	c.vp = geo.Viewport{Width: float64(width), Height: float64(height)}
	c.dc = gg.NewContext(int(math.Round(float64(width)*c.dpr)), int(math.Round(float64(height)*c.dpr)))
}

// Image returns a copy of the last drawn frame.
func (c *Canvas) Image() image.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := c.dc.Image().(*image.RGBA)
	dst := image.NewRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	return dst
}

// EncodePNG writes the last drawn frame as PNG.
func (c *Canvas) EncodePNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, c.Image()); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Canvas) face(size float64) font.Face {
	size *= c.dpr
	if f, ok := c.faces[size]; ok {
		return f
	}
	f := truetype.NewFace(c.font, &truetype.Options{Size: size})
	c.faces[size] = f
	return f
}

// Draw renders f.
func (c *Canvas) Draw(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dc := c.dc
	dc.SetHexColor(backgroundHex)
	dc.Clear()

	if f.Placeholder || f.Plan == nil || !f.Camera.Finite() {
		c.drawPlaceholder()
		return
	}

	c.drawTiles(f.Camera)
	switch f.Mode {
	case ModeLoading:
		c.drawLoading(f.Scan)
	default:
		c.drawSegments(f)
		c.drawStations(f)
	}
	if f.Label != "" {
		c.drawLabel(f.Label)
	}
}

func (c *Canvas) drawPlaceholder() {
	dc := c.dc
	dc.SetHexColor(placeholderHex)
	dc.DrawRectangle(0, 0, float64(dc.Width()), float64(dc.Height()))
	dc.Fill()
	dc.SetFontFace(c.face(16))
	dc.SetHexColor("#9aa0a6")
	dc.DrawStringAnchored("No geographic data", float64(dc.Width())/2, float64(dc.Height())/2, 0.5, 0.5)
}

// project maps a lng/lat to device pixels.
func (c *Canvas) project(cam camera.Camera, p orb.Point) (float64, float64) {
	x, y := geo.ToCanvas(cam.Center(), cam.Zoom, c.vp, p)
	return x * c.dpr, y * c.dpr
}

func (c *Canvas) drawTiles(cam camera.Camera) {
	if c.tiles == nil {
		return
	}
	z := int(math.Max(0, math.Min(geo.MaxZoom, math.Floor(cam.Zoom))))
	scale := math.Exp2(cam.Zoom-float64(z)) * c.dpr
	cx, cy := geo.LngLatToWorld(cam.Center(), float64(z))
	halfW, halfH := c.vp.Width*c.dpr/2, c.vp.Height*c.dpr/2

	visible := geo.VisibleBound(cam.Center(), cam.Zoom, c.vp)
	for _, t := range geo.TileRange(visible, z) {
		k := tiles.KeyFromTile(t)
		x := (float64(k.X)*geo.TileSize-cx)*scale + halfW
		y := (float64(k.Y)*geo.TileSize-cy)*scale + halfH

		if b := c.tiles.Get(k); b != nil {
			if img := b.Image(); img != nil && img.Bounds().Dx() > 0 {
				c.drawImage(img, x, y, scale*geo.TileSize/float64(img.Bounds().Dx()))
				continue
			}
		}
		if c.missing != nil {
			c.missing(k)
		}
		c.drawFallback(k, x, y, scale)
	}
}

// drawFallback draws the covering part of a cached ancestor, scaled up.
func (c *Canvas) drawFallback(k tiles.Key, x, y, scale float64) {
	b, rect, ok := c.tiles.Fallback(k)
	if !ok {
		return
	}
	img := b.Image()
	if img == nil {
		return
	}
	sub, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	})
	if !ok {
		return
	}
	ib := img.Bounds()
	f := float64(ib.Dx()) / geo.TileSize
	r := image.Rect(
		int(float64(rect.Min.X)*f), int(float64(rect.Min.Y)*f),
		int(float64(rect.Max.X)*f), int(float64(rect.Max.Y)*f),
	).Add(ib.Min)
	if r.Dx() <= 0 {
		return
	}
	c.drawImage(sub.SubImage(r), x, y, scale*geo.TileSize/float64(r.Dx()))
}

// drawImage places img's top-left corner at x,y scaled by s.
func (c *Canvas) drawImage(img image.Image, x, y, s float64) {
	dc := c.dc
	b := img.Bounds()
	dc.Push()
	dc.Translate(x, y)
	dc.Scale(s, s)
	dc.DrawImage(img, -b.Min.X, -b.Min.Y)
	dc.Pop()
}

func (c *Canvas) drawSegments(f Frame) {
	dc := c.dc
	dc.SetLineCap(gg.LineCapRound)
	dc.SetLineJoin(gg.LineJoinRound)
	dc.SetLineWidth(lineWidth * c.dpr)

	for _, s := range f.Plan.Segments {
		if f.Progress < 1 && s.GlobalStart >= f.Progress {
			break
		}
		pts := s.Waypoints
		if span := s.GlobalEnd - s.GlobalStart; f.Progress < s.GlobalEnd && span > 0 {
			pts = geo.PrefixUntil(pts, (f.Progress-s.GlobalStart)/span)
		}
		if len(pts) < 2 {
			continue
		}
		dc.NewSubPath()
		for i, p := range pts {
			x, y := c.project(f.Camera, p)
			if i == 0 {
				dc.MoveTo(x, y)
			} else {
				dc.LineTo(x, y)
			}
		}
		dc.SetHexColor(s.Color)
		dc.Stroke()
	}
}

func (c *Canvas) drawStations(f Frame) {
	dc := c.dc
	for _, r := range f.Plan.StationReveals {
		if r.TriggerProgress > f.Progress {
			continue
		}
		st, ok := f.Stations[r.StationID]
		if !ok || !network.Finite(st.LngLat) {
			continue
		}
		scale := 1.0
		if at, ok := f.RevealedAt[r.StationID]; ok {
			scale = popScale(f.Now.Sub(at))
		}
		if scale <= 0 {
			continue
		}
		x, y := c.project(f.Camera, st.LngLat)
		dc.DrawCircle(x, y, stationRadius*c.dpr*scale)
		dc.SetHexColor(stationFillHex)
		dc.FillPreserve()
		dc.SetHexColor("#202124")
		dc.SetLineWidth(1.2 * c.dpr)
		dc.Stroke()
	}
}

// popScale eases a station from 0 to full size with a slight overshoot.
func popScale(elapsed time.Duration) float64 {
	if elapsed >= StationPop {
		return 1
	}
	if elapsed <= 0 {
		return 0
	}
	t := float64(elapsed) / float64(StationPop)
	const s = 1.70158
	t--
	return t*t*((s+1)*t+s) + 1
}

func (c *Canvas) drawLoading(scan float64) {
	dc := c.dc
	w, h := float64(dc.Width()), float64(dc.Height())
	dc.SetRGBA(0, 0, 0, 0.45)
	dc.DrawRectangle(0, 0, w, h)
	dc.Fill()

	barW, barH := w*0.5, 6*c.dpr
	x, y := (w-barW)/2, h/2+18*c.dpr
	dc.SetRGBA(1, 1, 1, 0.25)
	dc.DrawRoundedRectangle(x, y, barW, barH, barH/2)
	dc.Fill()
	dc.SetRGBA(1, 1, 1, 0.9)
	dc.DrawRoundedRectangle(x, y, barW*math.Max(0, math.Min(1, scan)), barH, barH/2)
	dc.Fill()

	dc.SetFontFace(c.face(14))
	dc.DrawStringAnchored(fmt.Sprintf("Loading map %d%%", int(math.Round(scan*100))), w/2, h/2, 0.5, 0.5)
}

func (c *Canvas) drawLabel(label string) {
	dc := c.dc
	dc.SetFontFace(c.face(28))
	pad := 16 * c.dpr
	tw, th := dc.MeasureString(label)
	dc.SetRGBA(0, 0, 0, 0.5)
	dc.DrawRoundedRectangle(pad, pad, tw+pad, th+pad, 6*c.dpr)
	dc.Fill()
	dc.SetRGB(1, 1, 1)
	dc.DrawStringAnchored(label, pad*1.5, pad*1.5+th/2, 0, 0.5)
}
