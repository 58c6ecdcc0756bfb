package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/paulmach/orb"
	"github.com/schollz/progressbar/v3"

	"metro-timeline/internal/geo"
	"metro-timeline/internal/network"
	"metro-timeline/internal/platform/config"
	"metro-timeline/internal/platform/logger"
	"metro-timeline/internal/tiles"
)

const minPadDegrees = 0.005

func main() {
	os.Exit(run())
}

func run() int {
	_ = config.Load()
	cfg := config.FromEnv()

	networkFile := flag.String("network", cfg.NetworkFile, "Path to the network YAML or JSON document")
	mbtilesPath := flag.String("mbtiles", cfg.MBTilesPath, "MBTiles file to fill")
	tileURL := flag.String("url", cfg.TileURL, "Tile URL template with {z}, {x} and {y}")
	minZoom := flag.Int("min-zoom", 10, "Lowest zoom level to fetch")
	maxZoom := flag.Int("max-zoom", 15, "Highest zoom level to fetch")
	padding := flag.Float64("pad", 0.1, "Extra margin around the network bounds, as a fraction of its span")
	concurrency := flag.Int("concurrency", cfg.TileConcurrency, "Concurrent tile downloads")
	flag.Parse()

	log := logger.NewWithWriter(os.Stderr, cfg.LogLevel, "text")

	if *mbtilesPath == "" {
		fmt.Fprintln(os.Stderr, "prefetch: -mbtiles or MBTILES_PATH is required")
		return 2
	}
	if *minZoom < 0 || *maxZoom > geo.MaxZoom || *minZoom > *maxZoom {
		fmt.Fprintf(os.Stderr, "prefetch: zoom range must lie within 0..%d\n", geo.MaxZoom)
		return 2
	}

	n, err := network.LoadFile(*networkFile)
	if err != nil {
		log.Error("network load failed", "file", *networkFile, "error", err)
		return 1
	}
	bounds, ok := n.Bounds()
	if !ok {
		log.Error("network has no geographic data", "file", *networkFile)
		return 1
	}
	span := math.Max(bounds.Max[0]-bounds.Min[0], bounds.Max[1]-bounds.Min[1])
	bounds = bounds.Pad(math.Max(span*(*padding), minPadDegrees))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := tiles.OpenStack(ctx, tiles.StackConfig{
		MBTilesPath: *mbtilesPath,
		URL:         *tileURL,
		UserAgent:   cfg.TileUserAgent,
		Timeout:     cfg.TileTimeout,
	}, log)
	if err != nil {
		log.Error("tile source setup failed", "error", err)
		return 1
	}
	defer stack.Close()

	if err := writeMetadata(ctx, stack.MBTiles, bounds, *minZoom, *maxZoom); err != nil {
		log.Warn("mbtiles metadata not written", "error", err)
	}

	zooms := make([]int, 0, *maxZoom-*minZoom+1)
	for z := *minZoom; z <= *maxZoom; z++ {
		zooms = append(zooms, z)
	}
	keys := tiles.Keys(bounds, zooms...)

	var stored atomic.Int64
	cache := tiles.NewCache(stack, tiles.Options{
		MaxConcurrent: *concurrency,
		MaxSize:       cfg.TileCacheSize,
		Logger:        log,
		OnTileLoaded:  func(tiles.Key) { stored.Add(1) },
	})
	defer cache.Close()

	bar := progressbar.Default(int64(len(keys)), "Prefetching tiles")
	cache.StartProgressTracking(len(keys), func(p tiles.Progress) {
		bar.Set(p.Loaded)
	})
	err = cache.Prefetch(ctx, keys)
	final := cache.StopProgressTracking()
	bar.Finish()

	count, _ := stack.MBTiles.Count(context.Background())
	log.Info("prefetch finished",
		"requested", len(keys),
		"settled", final.Loaded,
		"decoded", stored.Load(),
		"failed", int64(final.Loaded)-stored.Load(),
		"mbtiles_rows", count)
	if err != nil {
		log.Warn("prefetch interrupted", "error", err)
		return 130
	}
	return 0
}

func writeMetadata(ctx context.Context, mb *tiles.MBTiles, b orb.Bound, minZoom, maxZoom int) error {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }
	meta := [][2]string{
		{"name", "metro-timeline basemap"},
		{"format", "png"},
		{"type", "baselayer"},
		{"minzoom", strconv.Itoa(minZoom)},
		{"maxzoom", strconv.Itoa(maxZoom)},
		{"bounds", f(b.Min[0]) + "," + f(b.Min[1]) + "," + f(b.Max[0]) + "," + f(b.Max[1])},
	}
	for _, kv := range meta {
		if err := mb.SetMetadata(ctx, kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}
