package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/splax/rollout/internal/app/migrate"
	httpx "github.com/splax/rollout/internal/http"
	"github.com/splax/rollout/internal/repository"
	"github.com/splax/rollout/internal/repository/memory"
	"github.com/splax/rollout/internal/repository/postgres"
	"github.com/splax/rollout/internal/service/ingest"
	"github.com/splax/rollout/internal/ws"
	"github.com/splax/rollout/pkg/config"
	"github.com/splax/rollout/pkg/kv"
	"github.com/splax/rollout/pkg/logger"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Warn("failed to load .env", "error", err)
	}
	cfg := config.LoadIngestConfig()
	log := logger.New("telemetryd", logger.ParseLevel(config.GetString("LOG_LEVEL", "info")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if strings.TrimSpace(cfg.DashboardToken) == "" {
		log.Warn("DASHBOARD_TOKEN is empty; summary and stream endpoints will refuse every request")
	}

	repo, closeRepo, err := openRepository(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open sample store", "error", err)
		os.Exit(1)
	}
	defer closeRepo()

	var registryStore kv.Store = kv.NewMemoryStore()
	if addr := strings.TrimSpace(cfg.InstallRegistryRedisAddr); addr != "" {
		redisStore, err := kv.NewRedisStore(addr, cfg.InstallRegistryRedisPass, cfg.InstallRegistryRedisDB, "rollout:")
		if err != nil {
			log.Warn("redis install registry unavailable, using memory", "error", err)
		} else {
			defer redisStore.Close()
			registryStore = redisStore
		}
	}

	hub := ws.NewHub()
	defer hub.Stop()
	registry := ingest.NewRegistry(registryStore, cfg.CanaryPercent, log)
	svc := ingest.New(repo, registry, hub, log, ingest.Options{
		SupportedSchemaVersions: cfg.SupportedSchemaVersions,
		SummaryWindow:           cfg.SummaryWindow,
		Retention:               cfg.Retention,
		SweepInterval:           cfg.RetentionSweepEvery,
	})

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, svc, limiter, httpx.Options{
		DashboardToken: cfg.DashboardToken,
		RateLimit:      cfg.RateLimit,
		RateWindow:     cfg.RateWindow,
		TrustedProxies: cfg.TrustedProxies,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("telemetry server starting", "addr", cfg.Addr, "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		svc.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("telemetry server stopped")
}

// openRepository selects Postgres when DATABASE_URL is set and the bounded
// in-memory store otherwise.
func openRepository(ctx context.Context, cfg config.IngestConfig, log *slog.Logger) (repository.SampleRepository, func(), error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Info("DATABASE_URL not set, keeping samples in memory", "max_samples", cfg.MaxSamples)
		return memory.New(cfg.MaxSamples), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := runner.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	if cfg.AutoMigrate {
		if err := runner.Ensure(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	return postgres.New(pool), pool.Close, nil
}
