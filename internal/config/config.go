package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type APIConfig struct {
	Addr           string
	DatabaseURL    string
	DBMaxConns     int32
	RequestTimeout time.Duration
	AutoMigrate    bool
	Economy        Economy
}

type WorkerConfig struct {
	DatabaseURL    string
	PruneEvery     time.Duration
	IdempotencyTTL time.Duration
	RunOnce        bool
}

type CLIConfig struct {
	APIBaseURL string
	Economy    Economy
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("CANDY_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:           addr,
		DatabaseURL:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:     int32(envIntDefault("CANDY_DB_MAX_CONNS", 20)),
		RequestTimeout: envDurationDefault("CANDY_REQUEST_TIMEOUT", 30*time.Second),
		AutoMigrate:    envBoolDefault("CANDY_AUTO_MIGRATE", true),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	econ, err := LoadEconomy(os.Getenv("CANDY_ECONOMY_FILE"))
	if err != nil {
		return cfg, err
	}
	cfg.Economy = econ
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	cfg := WorkerConfig{
		DatabaseURL:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
		PruneEvery:     envDurationDefault("CANDY_WORKER_PRUNE_EVERY", 15*time.Minute),
		IdempotencyTTL: envDurationDefault("CANDY_IDEMPOTENCY_TTL", 72*time.Hour),
		RunOnce:        envBoolDefault("CANDY_WORKER_RUN_ONCE", false),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.PruneEvery <= 0 {
		return cfg, fmt.Errorf("CANDY_WORKER_PRUNE_EVERY must be positive")
	}
	if cfg.IdempotencyTTL < time.Hour {
		return cfg, fmt.Errorf("CANDY_IDEMPOTENCY_TTL must be at least 1h")
	}
	return cfg, nil
}

func LoadCLIFromEnv() (CLIConfig, error) {
	econ, err := LoadEconomy(os.Getenv("CANDY_ECONOMY_FILE"))
	if err != nil {
		return CLIConfig{}, err
	}
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("CANDY_API_BASE_URL", "http://localhost:8080"), "/"),
		Economy:    econ,
	}, nil
}

// StateDir is where the CLI keeps its session and unsynced-gains queue.
// CANDY_HOME overrides the default ~/.candy.
func StateDir() (string, error) {
	dir := strings.TrimSpace(os.Getenv("CANDY_HOME"))
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".candy")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloatDefault(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
