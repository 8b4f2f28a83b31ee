package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Economy holds the sync and pacing knobs shared by the API and the CLI.
type Economy struct {
	CountThreshold int           `yaml:"count_threshold"`
	TimeThreshold  time.Duration `yaml:"time_threshold"`
	TickInterval   time.Duration `yaml:"tick_interval"`
	RetryMin       time.Duration `yaml:"retry_min"`
	RetryMax       time.Duration `yaml:"retry_max"`
	RetryAttempts  int           `yaml:"retry_attempts"`

	// Per-player commit rate on the API, in requests per second.
	CommitRate     float64 `yaml:"commit_rate"`
	CommitBurst    int     `yaml:"commit_burst"`
	MaxCommitDelta string  `yaml:"max_commit_delta"`
}

func DefaultEconomy() Economy {
	return Economy{
		CountThreshold: 50,
		TimeThreshold:  10 * time.Second,
		TickInterval:   time.Second,
		RetryMin:       time.Second,
		RetryMax:       30 * time.Second,
		RetryAttempts:  5,
		CommitRate:     2,
		CommitBurst:    10,
		MaxCommitDelta: "0",
	}
}

// LoadEconomy starts from the defaults, overlays the YAML file at path when
// one is given, then applies environment overrides.
func LoadEconomy(path string) (Economy, error) {
	cfg := DefaultEconomy()

	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read economy config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse economy config: %w", err)
			}
		}
	}

	cfg.CountThreshold = envIntDefault("CANDY_SYNC_COUNT_THRESHOLD", cfg.CountThreshold)
	cfg.TimeThreshold = envDurationDefault("CANDY_SYNC_TIME_THRESHOLD", cfg.TimeThreshold)
	cfg.TickInterval = envDurationDefault("CANDY_TICK_INTERVAL", cfg.TickInterval)
	cfg.RetryMin = envDurationDefault("CANDY_RETRY_MIN", cfg.RetryMin)
	cfg.RetryMax = envDurationDefault("CANDY_RETRY_MAX", cfg.RetryMax)
	cfg.RetryAttempts = envIntDefault("CANDY_RETRY_ATTEMPTS", cfg.RetryAttempts)
	cfg.CommitRate = envFloatDefault("CANDY_COMMIT_RATE", cfg.CommitRate)
	cfg.CommitBurst = envIntDefault("CANDY_COMMIT_BURST", cfg.CommitBurst)
	cfg.MaxCommitDelta = envDefault("CANDY_MAX_COMMIT_DELTA", cfg.MaxCommitDelta)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (e Economy) Validate() error {
	if e.CountThreshold <= 0 {
		return fmt.Errorf("count_threshold must be positive")
	}
	if e.TimeThreshold <= 0 {
		return fmt.Errorf("time_threshold must be positive")
	}
	if e.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	if e.RetryMin <= 0 || e.RetryMax < e.RetryMin {
		return fmt.Errorf("retry_min must be positive and not above retry_max")
	}
	if e.RetryAttempts <= 0 {
		return fmt.Errorf("retry_attempts must be positive")
	}
	if e.CommitRate <= 0 || e.CommitBurst <= 0 {
		return fmt.Errorf("commit_rate and commit_burst must be positive")
	}
	if _, err := e.CommitLimit(); err != nil {
		return err
	}
	return nil
}

// CommitLimit parses MaxCommitDelta. Zero means no limit.
func (e Economy) CommitLimit() (decimal.Decimal, error) {
	raw := strings.TrimSpace(e.MaxCommitDelta)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("max_commit_delta: %w", err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("max_commit_delta must be >= 0")
	}
	return d, nil
}
