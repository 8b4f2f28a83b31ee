package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions tunes the pgx pool. Zero fields keep the defaults below.
type PoolOptions struct {
	// AppName shows up as application_name in pg_stat_activity.
	AppName string

	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration

	// StartupAttempts bounds how often Connect pings a database that is still
	// coming up, StartupDelay apart.
	StartupAttempts int
	StartupDelay    time.Duration
}

var defaultPool = PoolOptions{
	AppName:           "rarecandy",
	MaxConns:          20,
	MinConns:          2,
	MaxConnLifetime:   30 * time.Minute,
	MaxConnIdleTime:   10 * time.Minute,
	HealthCheckPeriod: time.Minute,
	StartupAttempts:   5,
	StartupDelay:      time.Second,
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.AppName == "" {
		o.AppName = defaultPool.AppName
	}
	if o.MaxConns <= 0 {
		o.MaxConns = defaultPool.MaxConns
	}
	if o.MinConns <= 0 {
		o.MinConns = defaultPool.MinConns
	}
	if o.MinConns > o.MaxConns {
		o.MinConns = o.MaxConns
	}
	if o.MaxConnLifetime <= 0 {
		o.MaxConnLifetime = defaultPool.MaxConnLifetime
	}
	if o.MaxConnIdleTime <= 0 {
		o.MaxConnIdleTime = defaultPool.MaxConnIdleTime
	}
	if o.HealthCheckPeriod <= 0 {
		o.HealthCheckPeriod = defaultPool.HealthCheckPeriod
	}
	if o.StartupAttempts <= 0 {
		o.StartupAttempts = defaultPool.StartupAttempts
	}
	if o.StartupDelay <= 0 {
		o.StartupDelay = defaultPool.StartupDelay
	}
	return o
}

// PoolConfig parses databaseURL and applies opts without dialing.
func PoolConfig(databaseURL string, opts PoolOptions) (*pgxpool.Config, error) {
	if databaseURL == "" {
		return nil, errors.New("db: database url is empty")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: bad database url: %w", err)
	}
	opts = opts.withDefaults()
	cfg.MaxConns = opts.MaxConns
	cfg.MinConns = opts.MinConns
	cfg.MaxConnLifetime = opts.MaxConnLifetime
	cfg.MaxConnLifetimeJitter = opts.MaxConnLifetime / 10
	cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	cfg.HealthCheckPeriod = opts.HealthCheckPeriod
	if _, set := cfg.ConnConfig.RuntimeParams["application_name"]; !set {
		cfg.ConnConfig.RuntimeParams["application_name"] = opts.AppName
	}
	return cfg, nil
}

// Connect opens the pool and waits for the database to answer a ping.
func Connect(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := PoolConfig(databaseURL, opts)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db: open pool: %w", err)
	}
	opts = opts.withDefaults()
	if err := waitReady(ctx, pool.Ping, opts.StartupAttempts, opts.StartupDelay); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func waitReady(ctx context.Context, ping func(context.Context) error, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = ping(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("db: not ready: %w", ctx.Err())
		case <-t.C:
		}
	}
	return fmt.Errorf("db: not ready after %d pings: %w", attempts, err)
}
