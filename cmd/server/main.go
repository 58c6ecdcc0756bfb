package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"metro-timeline/internal/api"
	"metro-timeline/internal/engine"
	"metro-timeline/internal/network"
	"metro-timeline/internal/platform/config"
	"metro-timeline/internal/platform/logger"
	"metro-timeline/internal/platform/metrics"
	"metro-timeline/internal/session"
	"metro-timeline/internal/tiles"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	n, err := network.LoadFile(cfg.NetworkFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Error("network load failed", "file", cfg.NetworkFile, "error", err)
			os.Exit(1)
		}
		log.Warn("network file missing, starting empty", "file", cfg.NetworkFile)
		n = &network.Network{}
	}
	holder := network.NewHolder(n)

	stack, err := tiles.OpenStack(context.Background(), tiles.StackConfig{
		MBTilesPath: cfg.MBTilesPath,
		RedisAddr:   cfg.RedisAddr,
		RedisTTL:    cfg.RedisTTL,
		URL:         cfg.TileURL,
		UserAgent:   cfg.TileUserAgent,
		Timeout:     cfg.TileTimeout,
	}, log)
	if err != nil {
		log.Error("tile source setup failed", "error", err)
		os.Exit(1)
	}
	defer stack.Close()

	met := metrics.New()
	factory := func(c session.Canvas, obs engine.Observer) (*engine.Engine, error) {
		return engine.New(engine.Config{
			Network: holder,
			Source:  stack,
			TileOptions: tiles.Options{
				MaxConcurrent: cfg.TileConcurrency,
				MaxSize:       cfg.TileCacheSize,
			},
			Clock:    engine.NewTimerClock(cfg.FPS),
			Width:    c.Width,
			Height:   c.Height,
			DPR:      c.DPR,
			Observer: obs,
			Logger:   log,
			Metrics:  met,
		})
	}

	repo := session.NewInMemoryRepository()
	svc := session.NewService(repo, factory, log)
	h := api.NewHandler(svc, holder, log, met)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetActiveSessions(svc.ActiveSessionCount())
			met.SetTileCacheEntries(svc.TileEntries())
		}).ServeHTTP(w, r)
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":          "ok",
			"sessions":        svc.ActiveSessionCount(),
			"network_version": holder.Version(),
			"timestamp":       time.Now().UTC(),
		})
	})
	h.Routes(r)

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"network_file", cfg.NetworkFile,
		"stations", len(n.Stations),
		"edges", len(n.Edges),
		"tile_concurrency", cfg.TileConcurrency,
		"tile_cache_size", cfg.TileCacheSize,
		"fps", cfg.FPS,
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	svc.CloseAll()

	log.Info("server stopped")
}
