package tiles

import (
	"container/list"
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"

	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"metro-timeline/internal/geo"
	"metro-timeline/internal/platform/metrics"
)

const (
	DefaultMaxConcurrent = 12
	DefaultMaxSize       = 512
)

// ErrClosed is returned by prefetches on a closed cache.
var ErrClosed = errors.New("tile cache closed")

// Progress counts tracked tiles. Failed tiles count as loaded.
type Progress struct {
	Loaded int `json:"loaded"`
	Total  int `json:"total"`
}

// Fraction returns Loaded/Total, or 0 with nothing tracked.
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Loaded) / float64(p.Total)
}

// Options configure a Cache.
type Options struct {
	MaxConcurrent int
	MaxSize       int
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	// OnTileLoaded is called after a tile is stored, outside any lock.
	OnTileLoaded func(Key)
}

type entry struct {
	key Key
	bmp Bitmap
}

// Cache is a bounded, de-duplicating tile loader. At most MaxConcurrent source
// fetches run at once; extra loads queue in arrival order. Entries are evicted
// oldest stored first and their bitmaps closed.
type Cache struct {
	src      Source
	log      *slog.Logger
	metrics  *metrics.Metrics
	onLoaded func(Key)
	workers  int

	sem   *semaphore.Weighted
	group singleflight.Group

	// Loads run under the cache lifetime, not the caller's context, so an
	// abandoned request still fills the cache.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	maxSize int
	order   *list.List
	entries map[Key]*list.Element
	closed  bool

	tracking   bool
	fixedTotal bool
	progress   Progress
	tracked    map[Key]bool
	onProgress func(Progress)
}

// NewCache builds a cache over src.
func NewCache(src Source, opts Options) *Cache {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		src:      src,
		log:      log,
		metrics:  opts.Metrics,
		onLoaded: opts.OnTileLoaded,
		workers:  opts.MaxConcurrent,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		ctx:      ctx,
		cancel:   cancel,
		maxSize:  opts.MaxSize,
		order:    list.New(),
		entries:  make(map[Key]*list.Element),
	}
}

// Len returns the number of cached tiles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Get returns a cached tile or nil. It never fetches.
func (c *Cache) Get(k Key) Bitmap {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[k]; ok {
		return el.Value.(*entry).bmp
	}
	return nil
}

// Fallback finds the nearest cached ancestor of k within FallbackDepth levels
// and the sub-rectangle of it that covers k.
func (c *Cache) Fallback(k Key) (Bitmap, image.Rectangle, bool) {
	for d := 1; d <= FallbackDepth; d++ {
		parent, rect, ok := k.Ancestor(d)
		if !ok {
			break
		}
		if b := c.Get(parent); b != nil {
			return b, rect, true
		}
	}
	return nil, image.Rectangle{}, false
}

// Fetch returns the tile for k, loading it if needed. Concurrent calls for the
// same key share one load. It returns nil when the load fails, the cache is
// closed, or ctx ends first; a load in flight keeps running after ctx ends.
func (c *Cache) Fetch(ctx context.Context, k Key) Bitmap {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if el, ok := c.entries[k]; ok {
		bmp := el.Value.(*entry).bmp
		notify, p := c.trackHitLocked(k)
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.IncTileHits()
		}
		if notify != nil {
			notify(p)
		}
		return bmp
	}
	notify, p := c.trackRequestLocked(k)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.IncTileMisses()
	}
	if notify != nil {
		notify(p)
	}

	ch := c.group.DoChan(k.String(), func() (any, error) {
		return c.load(k)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil
		}
		return res.Val.(Bitmap)
	case <-ctx.Done():
		return nil
	}
}

func (c *Cache) load(k Key) (Bitmap, error) {
	if err := c.sem.Acquire(c.ctx, 1); err != nil {
		c.finish(k)
		return nil, ErrClosed
	}
	if c.metrics != nil {
		c.metrics.IncTileFetches()
	}
	data, err := c.src.Fetch(c.ctx, k)
	c.sem.Release(1)

	var bmp Bitmap
	if err == nil {
		bmp, err = Decode(data)
	}
	if err != nil {
		c.log.Debug("tile_load_failed", "key", k.String(), "error", err)
		if c.metrics != nil {
			c.metrics.IncTileFailures()
		}
		c.finish(k)
		return nil, err
	}

	stored, added, err := c.store(k, bmp)
	c.finish(k)
	if err != nil {
		return nil, err
	}
	if added && c.onLoaded != nil {
		c.onLoaded(k)
	}
	return stored, nil
}

// store inserts bmp under k and returns the bitmap now cached for k. When k is
// already cached the existing entry wins and bmp is closed, since callers may
// still hold the existing bitmap.
func (c *Cache) store(k Key, bmp Bitmap) (Bitmap, bool, error) {
	var evicted []Bitmap

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		bmp.Close()
		return nil, false, ErrClosed
	}
	if el, ok := c.entries[k]; ok {
		existing := el.Value.(*entry).bmp
		c.mu.Unlock()
		bmp.Close()
		return existing, false, nil
	}
	c.entries[k] = c.order.PushBack(&entry{key: k, bmp: bmp})
	for c.order.Len() > c.maxSize {
		oldest := c.order.Front()
		e := oldest.Value.(*entry)
		c.order.Remove(oldest)
		delete(c.entries, e.key)
		evicted = append(evicted, e.bmp)
	}
	c.mu.Unlock()

	for _, b := range evicted {
		b.Close()
		if c.metrics != nil {
			c.metrics.IncTileEvictions()
		}
	}
	return bmp, true, nil
}

// Keys lists the tiles covering b at each zoom, in zoom order.
func Keys(b orb.Bound, zooms ...int) []Key {
	var keys []Key
	for _, z := range zooms {
		for _, t := range geo.TileRange(b, z) {
			keys = append(keys, KeyFromTile(t))
		}
	}
	return keys
}

// PrefetchForBounds loads every tile covering b at the given zooms. When ctx
// ends no new loads are dispatched, loads already running complete into the
// cache, and ctx.Err() is returned.
func (c *Cache) PrefetchForBounds(ctx context.Context, b orb.Bound, zooms ...int) error {
	return c.Prefetch(ctx, Keys(b, zooms...))
}

// Prefetch loads keys with the same cancellation rules as PrefetchForBounds.
func (c *Cache) Prefetch(ctx context.Context, keys []Key) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	var g errgroup.Group
	g.SetLimit(c.workers)
	for _, k := range keys {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			c.Fetch(ctx, k)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// Clear releases every cached tile. The cache stays usable.
func (c *Cache) Clear() {
	c.mu.Lock()
	var released []Bitmap
	for el := c.order.Front(); el != nil; el = el.Next() {
		released = append(released, el.Value.(*entry).bmp)
	}
	c.order.Init()
	c.entries = make(map[Key]*list.Element)
	c.mu.Unlock()

	for _, b := range released {
		b.Close()
	}
}

// Close cancels queued loads, releases every tile and rejects later fetches.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.tracking = false
	c.onProgress = nil
	c.mu.Unlock()

	c.cancel()
	c.Clear()
}
