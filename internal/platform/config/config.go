package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// Config is the server and prefetch tool configuration.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	NetworkFile string

	TileURL         string
	TileUserAgent   string
	TileConcurrency int
	TileCacheSize   int
	TileTimeout     time.Duration

	MBTilesPath string
	RedisAddr   string
	RedisTTL    time.Duration

	FPS         int
	CORSOrigins []string
}

// FromEnv assembles a Config from the environment, applying defaults.
func FromEnv() Config {
	return Config{
		Port:            GetEnv("PORT", "8080"),
		LogLevel:        GetEnv("LOG_LEVEL", "info"),
		LogFormat:       GetEnv("LOG_FORMAT", "json"),
		NetworkFile:     GetEnv("NETWORK_FILE", "network.yaml"),
		TileURL:         GetEnv("TILE_URL", "https://tile.openstreetmap.org/{z}/{x}/{y}.png"),
		TileUserAgent:   GetEnv("TILE_USER_AGENT", "metro-timeline/1.0"),
		TileConcurrency: GetEnvInt("TILE_CONCURRENCY", 12),
		TileCacheSize:   GetEnvInt("TILE_CACHE_SIZE", 512),
		TileTimeout:     GetEnvDuration("TILE_TIMEOUT", 10*time.Second),
		MBTilesPath:     GetEnv("MBTILES_PATH", ""),
		RedisAddr:       GetEnv("REDIS_ADDR", ""),
		RedisTTL:        GetEnvDuration("REDIS_TTL", 24*time.Hour),
		FPS:             GetEnvInt("FPS", 60),
		CORSOrigins:     GetEnvList("CORS_ORIGINS", []string{"http://localhost:5173"}),
	}
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvFloat is GetEnvInt for floating point values.
func GetEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return fallback
}

// GetEnvDuration parses values such as "750ms" or "24h". Bare integers are
// read as seconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

// GetEnvList splits a comma separated variable, dropping empty items.
func GetEnvList(key string, fallback []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
