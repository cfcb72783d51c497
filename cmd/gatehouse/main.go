package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/gatehouse-io/gatehouse/internal/app"
	"github.com/gatehouse-io/gatehouse/internal/features"
	"github.com/gatehouse-io/gatehouse/internal/guard"
	"github.com/gatehouse-io/gatehouse/internal/navigation"
	"github.com/gatehouse-io/gatehouse/internal/observability"
	"github.com/gatehouse-io/gatehouse/internal/platform/cache"
	"github.com/gatehouse-io/gatehouse/internal/platform/db"
	"github.com/gatehouse-io/gatehouse/internal/rbac"
	"github.com/gatehouse-io/gatehouse/internal/shared"
	"github.com/gatehouse-io/gatehouse/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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
	tree, err := navigation.LoadTree(cfg.NavigationTreePath, catalog.KeySet())
	if err != nil {
		logger.Error("load navigation tree", slog.Any("error", err))
		os.Exit(1)
	}

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("asynq client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()

	jobsInspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := jobsInspector.Close(); err != nil {
			logger.Warn("asynq inspector close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	emitter := features.NewEmitter(redisClient, logger)
	featureRepo := features.NewRepository(dbpool)
	featureService := features.NewService(features.ServiceParams{
		Catalog: catalog,
		Store:   featureRepo,
		MenuMap: tree.MenuMap,
		Events:  emitter,
		Logger:  logger,
		TTL: features.TTLConfig{
			EnabledSet: cfg.FeatureSetTTL,
			AdminList:  cfg.AdminListTTL,
			AuditLog:   cfg.AuditLogTTL,
			MaxEntries: cfg.CacheMaxEntries,
		},
		Scheduler: jobsClient,
		Metrics:   metrics,
	})

	rbacRepo := rbac.NewRepository(dbpool)
	resolver := rbac.NewResolver(rbacRepo, redisClient, logger, cfg.RBACSnapshotTTL)
	rbacMiddleware := rbac.Middleware{Resolver: resolver, Logger: logger}

	recents := shared.NewRecentTenants(redisClient, cfg.RecentTenantTTL)
	engine := &app.Engine{
		Features: featureService,
		RBAC:     resolver,
		Recents:  recents,
		Logger:   logger,
	}

	accessGuard := guard.New(featureService, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		Engine:            engine,
		NavigationHandler: navigation.NewHandler(tree, featureService, logger),
		GuardHandler:      guard.NewHandler(accessGuard, cfg.DenyRedirectPath),
		FeaturesHandler:   features.NewHandler(featureService, recents, logger),
		RBACHandler:       rbac.NewHandler(resolver),
		RBACMiddleware:    rbacMiddleware,
		JobsHandler:       jobs.NewHandler(jobsInspector, logger),
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
