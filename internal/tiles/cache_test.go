package tiles

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(0, 0, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// fakeSource serves a fixed PNG, optionally blocking on gate, and fails keys
// listed in fail.
type fakeSource struct {
	data []byte
	gate chan struct{}
	fail map[Key]bool

	calls    atomic.Int32
	inflight atomic.Int32
	peak     atomic.Int32

	mu    sync.Mutex
	order []Key
}

func (s *fakeSource) Fetch(ctx context.Context, k Key) ([]byte, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.order = append(s.order, k)
	s.mu.Unlock()

	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.fail[k] {
		return nil, errors.New("boom")
	}
	return s.data, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestCache_Fetch_and_Get(t *testing.T) {
	src := &fakeSource{data: pngBytes(t)}
	c := NewCache(src, Options{Logger: testLogger()})
	defer c.Close()

	k := Key{Z: 3, X: 1, Y: 2}
	if c.Get(k) != nil {
		t.Fatal("Get before Fetch should be nil")
	}
	b := c.Fetch(context.Background(), k)
	if b == nil || b.Image() == nil {
		t.Fatal("expected bitmap")
	}
	if c.Get(k) != b {
		t.Error("Get should return the cached bitmap")
	}
	c.Fetch(context.Background(), k)
	if src.calls.Load() != 1 {
		t.Errorf("source calls = %d, want 1", src.calls.Load())
	}
}

func TestCache_Fetch_deduplicates_in_flight(t *testing.T) {
	src := &fakeSource{data: pngBytes(t), gate: make(chan struct{})}
	c := NewCache(src, Options{Logger: testLogger()})
	defer c.Close()

	k := Key{Z: 1, X: 0, Y: 0}
	var wg sync.WaitGroup
	results := make([]Bitmap, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.Fetch(context.Background(), k)
		}()
	}
	waitFor(t, "source call", func() bool { return src.calls.Load() == 1 })
	time.Sleep(10 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	if n := src.calls.Load(); n != 1 {
		t.Errorf("source calls = %d, want 1", n)
	}
	for i, r := range results {
		if r == nil {
			t.Errorf("result %d is nil", i)
		}
	}
}

func TestCache_concurrency_bound(t *testing.T) {
	src := &fakeSource{data: pngBytes(t), gate: make(chan struct{})}
	c := NewCache(src, Options{MaxConcurrent: 2, Logger: testLogger()})
	defer c.Close()

	var wg sync.WaitGroup
	for x := 0; x < 6; x++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Fetch(context.Background(), Key{Z: 3, X: x, Y: 0})
		}()
	}
	waitFor(t, "two in flight", func() bool { return src.inflight.Load() == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := src.inflight.Load(); n != 2 {
		t.Errorf("in flight = %d, want 2", n)
	}
	close(src.gate)
	wg.Wait()

	if p := src.peak.Load(); p != 2 {
		t.Errorf("peak concurrency = %d, want 2", p)
	}
	if c.Len() != 6 {
		t.Errorf("Len = %d, want 6", c.Len())
	}
}

func TestCache_queued_loads_run_in_issue_order(t *testing.T) {
	src := &fakeSource{data: pngBytes(t), gate: make(chan struct{})}
	c := NewCache(src, Options{MaxConcurrent: 1, Logger: testLogger()})
	defer c.Close()

	var issued []Key
	var wg sync.WaitGroup
	for x := 0; x < 5; x++ {
		k := Key{Z: 4, X: x, Y: 0}
		issued = append(issued, k)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Fetch(context.Background(), k)
		}()
		if x == 0 {
			waitFor(t, "first load in source", func() bool { return src.calls.Load() == 1 })
		} else {
			// let the load reach the semaphore queue before issuing the next
			time.Sleep(15 * time.Millisecond)
		}
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("source calls = %d while gated, want 1", n)
	}
	close(src.gate)
	wg.Wait()

	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.order) != len(issued) {
		t.Fatalf("order = %v, want %v", src.order, issued)
	}
	for i := range issued {
		if src.order[i] != issued[i] {
			t.Errorf("order = %v, want %v", src.order, issued)
			break
		}
	}
}

func TestCache_store_keeps_existing_bitmap(t *testing.T) {
	var loaded atomic.Int32
	c := NewCache(&fakeSource{data: pngBytes(t)}, Options{
		Logger:       testLogger(),
		OnTileLoaded: func(Key) { loaded.Add(1) },
	})
	defer c.Close()

	k := Key{Z: 2, X: 1, Y: 0}
	first := c.Fetch(context.Background(), k)
	if first == nil {
		t.Fatal("expected bitmap")
	}

	// A second load for a key already cached, as when a load races a store.
	second, err := c.load(k)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if second != first {
		t.Error("duplicate load should return the cached bitmap")
	}
	if first.Image() == nil {
		t.Error("cached bitmap was closed by a duplicate store")
	}
	if c.Get(k) != first || c.Len() != 1 {
		t.Errorf("entry replaced: Len = %d", c.Len())
	}
	if n := loaded.Load(); n != 1 {
		t.Errorf("OnTileLoaded calls = %d, want 1", n)
	}
}

func TestCache_eviction(t *testing.T) {
	src := &fakeSource{data: pngBytes(t)}
	c := NewCache(src, Options{MaxSize: 2, Logger: testLogger()})
	defer c.Close()
	ctx := context.Background()

	first := c.Fetch(ctx, Key{Z: 1, X: 0, Y: 0})
	c.Fetch(ctx, Key{Z: 1, X: 1, Y: 0})
	if c.Get(Key{Z: 1, X: 0, Y: 0}) == nil {
		t.Fatal("first tile evicted too early")
	}
	c.Fetch(ctx, Key{Z: 1, X: 2, Y: 0})

	if c.Get(Key{Z: 1, X: 0, Y: 0}) != nil {
		t.Error("(1,0,0) should be evicted")
	}
	if c.Get(Key{Z: 1, X: 1, Y: 0}) == nil || c.Get(Key{Z: 1, X: 2, Y: 0}) == nil {
		t.Error("newer tiles should remain")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
	if first.Image() != nil {
		t.Error("evicted bitmap should be released")
	}
}

func TestCache_hit_does_not_refresh_order(t *testing.T) {
	src := &fakeSource{data: pngBytes(t)}
	c := NewCache(src, Options{MaxSize: 2, Logger: testLogger()})
	defer c.Close()
	ctx := context.Background()

	a := Key{Z: 2, X: 0, Y: 0}
	c.Fetch(ctx, a)
	c.Fetch(ctx, Key{Z: 2, X: 1, Y: 0})
	c.Fetch(ctx, a)
	c.Fetch(ctx, Key{Z: 2, X: 2, Y: 0})

	if c.Get(a) != nil {
		t.Error("oldest stored tile should be evicted even after a hit")
	}
}

func TestCache_failure_returns_nil(t *testing.T) {
	k := Key{Z: 2, X: 1, Y: 1}
	src := &fakeSource{data: pngBytes(t), fail: map[Key]bool{k: true}}
	c := NewCache(src, Options{Logger: testLogger()})
	defer c.Close()

	if b := c.Fetch(context.Background(), k); b != nil {
		t.Error("failed fetch should return nil")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}

	bad := &fakeSource{data: []byte("not an image")}
	c2 := NewCache(bad, Options{Logger: testLogger()})
	defer c2.Close()
	if b := c2.Fetch(context.Background(), k); b != nil {
		t.Error("undecodable tile should return nil")
	}
}

func TestCache_caller_cancel_keeps_load(t *testing.T) {
	src := &fakeSource{data: pngBytes(t), gate: make(chan struct{})}
	c := NewCache(src, Options{Logger: testLogger()})
	defer c.Close()

	k := Key{Z: 4, X: 3, Y: 3}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Bitmap)
	go func() { done <- c.Fetch(ctx, k) }()

	waitFor(t, "source call", func() bool { return src.calls.Load() == 1 })
	cancel()
	if b := <-done; b != nil {
		t.Error("cancelled fetch should return nil")
	}

	close(src.gate)
	waitFor(t, "tile stored", func() bool { return c.Get(k) != nil })
}

func TestCache_OnTileLoaded(t *testing.T) {
	var got []Key
	var mu sync.Mutex
	src := &fakeSource{data: pngBytes(t)}
	c := NewCache(src, Options{
		Logger: testLogger(),
		OnTileLoaded: func(k Key) {
			mu.Lock()
			got = append(got, k)
			mu.Unlock()
		},
	})
	defer c.Close()

	c.Fetch(context.Background(), Key{Z: 1, X: 1, Y: 1})
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != (Key{Z: 1, X: 1, Y: 1}) {
		t.Errorf("loaded = %v", got)
	}
}

func TestCache_Fallback(t *testing.T) {
	src := &fakeSource{data: pngBytes(t)}
	c := NewCache(src, Options{Logger: testLogger()})
	defer c.Close()

	parent := c.Fetch(context.Background(), Key{Z: 2, X: 1, Y: 1})

	b, rect, ok := c.Fallback(Key{Z: 4, X: 5, Y: 6})
	if !ok || b != parent {
		t.Fatal("expected the z2 ancestor")
	}
	if want := image.Rect(64, 128, 128, 192); rect != want {
		t.Errorf("rect = %v, want %v", rect, want)
	}

	if _, _, ok := c.Fallback(Key{Z: 8, X: 80, Y: 96}); ok {
		t.Error("ancestor 6 levels up is beyond the fallback depth")
	}
}

func TestCache_progress_tracking(t *testing.T) {
	bad := Key{Z: 1, X: 1, Y: 1}
	src := &fakeSource{data: pngBytes(t), fail: map[Key]bool{bad: true}}
	c := NewCache(src, Options{Logger: testLogger()})
	defer c.Close()
	ctx := context.Background()

	t.Run("growing_total", func(t *testing.T) {
		var mu sync.Mutex
		var seen []Progress
		c.StartProgressTracking(0, func(p Progress) {
			mu.Lock()
			seen = append(seen, p)
			mu.Unlock()
		})
		c.Fetch(ctx, Key{Z: 1, X: 0, Y: 0})
		c.Fetch(ctx, bad)
		c.Fetch(ctx, Key{Z: 1, X: 0, Y: 0})
		final := c.StopProgressTracking()

		if final != (Progress{Loaded: 2, Total: 2}) {
			t.Errorf("final = %+v", final)
		}
		mu.Lock()
		defer mu.Unlock()
		for i := 1; i < len(seen); i++ {
			if seen[i].Loaded < seen[i-1].Loaded {
				t.Errorf("loaded regressed: %v", seen)
			}
			if seen[i].Loaded > seen[i].Total {
				t.Errorf("loaded above total: %+v", seen[i])
			}
		}
	})

	t.Run("fixed_total", func(t *testing.T) {
		c.StartProgressTracking(5, nil)
		c.Fetch(ctx, Key{Z: 2, X: 0, Y: 0})
		c.Fetch(ctx, Key{Z: 1, X: 0, Y: 0})
		p := c.StopProgressTracking()
		if p != (Progress{Loaded: 2, Total: 5}) {
			t.Errorf("progress = %+v", p)
		}
		if f := p.Fraction(); f != 0.4 {
			t.Errorf("fraction = %v", f)
		}
	})
}

func TestCache_PrefetchForBounds(t *testing.T) {
	src := &fakeSource{data: pngBytes(t)}
	c := NewCache(src, Options{Logger: testLogger()})
	defer c.Close()

	b := orb.Bound{Min: orb.Point{2.0, 41.3}, Max: orb.Point{2.3, 41.5}}
	keys := Keys(b, 10, 11)
	if len(keys) == 0 {
		t.Fatal("no keys")
	}

	t.Run("loads_all", func(t *testing.T) {
		if err := c.PrefetchForBounds(context.Background(), b, 10, 11); err != nil {
			t.Fatalf("prefetch: %v", err)
		}
		for _, k := range keys {
			if c.Get(k) == nil {
				t.Errorf("%s missing", k)
			}
		}
	})

	t.Run("cancelled_dispatches_nothing", func(t *testing.T) {
		fresh := &fakeSource{data: pngBytes(t)}
		c2 := NewCache(fresh, Options{Logger: testLogger()})
		defer c2.Close()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := c2.PrefetchForBounds(ctx, b, 10)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
		if n := fresh.calls.Load(); n != 0 {
			t.Errorf("source calls = %d, want 0", n)
		}
	})
}

func TestCache_Close(t *testing.T) {
	src := &fakeSource{data: pngBytes(t)}
	c := NewCache(src, Options{Logger: testLogger()})

	b := c.Fetch(context.Background(), Key{Z: 1, X: 0, Y: 0})
	c.Close()
	c.Close()

	if b.Image() != nil {
		t.Error("bitmap should be released on close")
	}
	if c.Fetch(context.Background(), Key{Z: 1, X: 1, Y: 0}) != nil {
		t.Error("fetch after close should be nil")
	}
	if err := c.Prefetch(context.Background(), []Key{{Z: 0}}); !errors.Is(err, ErrClosed) {
		t.Errorf("prefetch err = %v, want ErrClosed", err)
	}
}

func TestCache_Clear(t *testing.T) {
	src := &fakeSource{data: pngBytes(t)}
	c := NewCache(src, Options{Logger: testLogger()})
	defer c.Close()

	b := c.Fetch(context.Background(), Key{Z: 1, X: 0, Y: 0})
	c.Clear()
	if c.Len() != 0 || b.Image() != nil {
		t.Error("clear should empty and release")
	}
	if c.Fetch(context.Background(), Key{Z: 1, X: 0, Y: 0}) == nil {
		t.Error("cache should still load after clear")
	}
}
