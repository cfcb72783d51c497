package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/gatehouse-io/gatehouse/internal/app"
	"github.com/gatehouse-io/gatehouse/internal/features"
	jobmetrics "github.com/gatehouse-io/gatehouse/internal/jobs"
	"github.com/gatehouse-io/gatehouse/internal/platform/cache"
	"github.com/gatehouse-io/gatehouse/internal/platform/db"
	"github.com/gatehouse-io/gatehouse/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	catalog, err := features.LoadCatalog(cfg.FeatureCatalogPath)
	if err != nil {
		logger.Error("load feature catalog", slog.Any("error", err))
		os.Exit(1)
	}

	emitter := features.NewEmitter(redisClient, logger)
	featureService := features.NewService(features.ServiceParams{
		Catalog: catalog,
		Store:   features.NewRepository(pool),
		Events:  emitter,
		Logger:  logger,
		TTL: features.TTLConfig{
			EnabledSet: cfg.FeatureSetTTL,
			AdminList:  cfg.AdminListTTL,
			AuditLog:   cfg.AuditLogTTL,
			MaxEntries: cfg.CacheMaxEntries,
		},
	})

	refreshHandler := jobs.RefreshHandler{
		Features: featureService,
		Logger:   logger,
		Metrics:  jobmetrics.NewMetrics(nil),
	}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskFeaturesRefresh, Handler: refreshHandler.HandleRefresh},
			{Type: jobs.TaskFeaturesWarmup, Handler: refreshHandler.HandleWarmup},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/5 * * * *", Task: jobs.NewFeaturesWarmupTask()},
		},
	})
	if err != nil {
		logger.Error("build worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
