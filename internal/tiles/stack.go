package tiles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// StackConfig selects the layers of a Stack. Empty MBTilesPath or RedisAddr
// leaves that layer out. An empty URL leaves out the network layer.
type StackConfig struct {
	MBTilesPath string
	RedisAddr   string
	RedisTTL    time.Duration
	URL         string
	UserAgent   string
	Timeout     time.Duration
}

// Stack is the layered tile source shared by every session: MBTiles on disk,
// then Redis, then the tile server.
type Stack struct {
	*Layered
	MBTiles *MBTiles
	HTTP    *HTTPSource
	redis   *redis.Client
}

// OpenStack opens the configured layers. An unreachable Redis is logged and
// skipped.
func OpenStack(ctx context.Context, cfg StackConfig, logger *slog.Logger) (*Stack, error) {
	s := &Stack{}
	var layers []Source

	if cfg.MBTilesPath != "" {
		mb, err := OpenMBTiles(cfg.MBTilesPath)
		if err != nil {
			return nil, err
		}
		s.MBTiles = mb
		layers = append(layers, mb)
	}

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rc.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis_unavailable", "addr", cfg.RedisAddr, "error", err)
			rc.Close()
		} else {
			s.redis = rc
			layers = append(layers, NewRedisSource(rc, cfg.RedisTTL))
		}
	}

	if cfg.URL != "" {
		s.HTTP = NewHTTPSource(cfg.URL, cfg.UserAgent, cfg.Timeout)
		layers = append(layers, s.HTTP)
	}

	if len(layers) == 0 {
		return nil, errors.New("tiles: no tile source configured")
	}
	s.Layered = NewLayered(logger, layers...)
	logger.Info("tile_stack_ready",
		"mbtiles", s.MBTiles != nil,
		"redis", s.redis != nil,
		"http", s.HTTP != nil)
	return s, nil
}

// Close releases the disk and Redis layers.
func (s *Stack) Close() error {
	var errs []error
	if s.MBTiles != nil {
		if err := s.MBTiles.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mbtiles: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
