package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rarecandy/internal/config"
	"rarecandy/internal/db"
	"rarecandy/internal/economy"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWorkerFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	pool, err := db.Connect(ctx, cfg.DatabaseURL, db.PoolOptions{AppName: "candy-worker", MaxConns: 4})
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	svc := economy.NewService(pool, logger)

	if cfg.RunOnce {
		if err := prune(ctx, logger, svc, cfg.IdempotencyTTL); err != nil {
			os.Exit(1)
		}
		logger.Info("worker run-once completed")
		return
	}

	ticker := time.NewTicker(cfg.PruneEvery)
	defer ticker.Stop()

	logger.Info("worker started", "prune_every", cfg.PruneEvery.String(), "idempotency_ttl", cfg.IdempotencyTTL.String())
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutdown")
			return
		case <-ticker.C:
			_ = prune(ctx, logger, svc, cfg.IdempotencyTTL)
		}
	}
}

func prune(ctx context.Context, logger *slog.Logger, svc *economy.Service, ttl time.Duration) error {
	removed, err := svc.PruneIdempotency(ctx, ttl)
	if err != nil {
		logger.Error("idempotency prune failed", "err", err)
		return err
	}
	logger.Info("idempotency prune complete", "removed", removed)
	return nil
}
