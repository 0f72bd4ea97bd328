package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"sprout/internal/config"
	"sprout/internal/db"
	"sprout/internal/trade"
)

// sprout-worker sweeps trade sessions past their deadline. It is meant to
// run as a sidecar or a cron job (set SPROUT_WORKER_RUN_ONCE=true for the
// latter).
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		logger.Error("config", "err", err)
		os.Exit(1)
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect database", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.StartupMigrate {
		if err := db.Migrate(ctx, pool); err != nil {
			logger.Error("migrate", "err", err)
			os.Exit(1)
		}
	}

	tradeSvc := trade.NewService(pool, logger, cfg.TradeRequestTTL)

	runOnce, _ := strconv.ParseBool(os.Getenv("SPROUT_WORKER_RUN_ONCE"))
	if runOnce {
		sweep(ctx, logger, tradeSvc)
		return
	}

	logger.Info("worker started", "every", cfg.SweepEvery.String())
	ticker := time.NewTicker(cfg.SweepEvery)
	defer ticker.Stop()

	sweep(ctx, logger, tradeSvc)
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopping")
			return
		case <-ticker.C:
			sweep(ctx, logger, tradeSvc)
		}
	}
}

func sweep(ctx context.Context, logger *slog.Logger, svc *trade.Service) {
	if _, err := svc.ExpireStale(ctx); err != nil {
		logger.Error("expire stale trades", "err", err)
	}
}
