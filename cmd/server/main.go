// Package main is the entrypoint for the compressd API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/compressd/internal/api"
	"github.com/kiranshivaraju/compressd/internal/api/handler"
	mw "github.com/kiranshivaraju/compressd/internal/api/middleware"
	"github.com/kiranshivaraju/compressd/internal/cache"
	"github.com/kiranshivaraju/compressd/internal/config"
	"github.com/kiranshivaraju/compressd/internal/connmgr"
	"github.com/kiranshivaraju/compressd/internal/engine"
	"github.com/kiranshivaraju/compressd/internal/jobs"
	"github.com/kiranshivaraju/compressd/internal/metrics"
	"github.com/kiranshivaraju/compressd/internal/store"
	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not read .env file", "error", err)
	}

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// backends groups the long-lived dependencies the router is built from.
type backends struct {
	postgres *connmgr.Manager[*pgxpool.Pool]
	redis    *connmgr.Manager[*redis.Client]
	store    store.Store
	cache    cache.Cache
	engine   *engine.Engine
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "workers", cfg.Engine.Workers, "auth_enabled", cfg.Auth.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Describe backing services. Nothing dials yet.
	pgConfig, err := store.Connector(cfg.Database)
	if err != nil {
		return fmt.Errorf("configure database: %w", err)
	}
	redisConfig, err := cache.Connector(cfg.Redis)
	if err != nil {
		return fmt.Errorf("configure redis: %w", err)
	}

	pgManager := connmgr.New[*pgxpool.Pool]()
	if err := pgManager.Initialize(pgConfig); err != nil {
		return fmt.Errorf("initialize database manager: %w", err)
	}
	defer pgManager.Close()

	redisManager := connmgr.New[*redis.Client]()
	if err := redisManager.Initialize(redisConfig); err != nil {
		return fmt.Errorf("initialize redis manager: %w", err)
	}
	defer redisManager.Close()

	// 3. Connect in the background; the server starts even if a service is down.
	if err := pgManager.StartConnecting(ctx); err != nil {
		return fmt.Errorf("start database connection: %w", err)
	}
	if err := redisManager.StartConnecting(ctx); err != nil {
		return fmt.Errorf("start redis connection: %w", err)
	}

	// 4. Engine
	pgStore := store.NewPostgresStore(pgManager)
	eng := engine.New(pgStore, engine.OptionsFromConfig(cfg.Engine))
	if err := eng.Start(context.Background()); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	if cfg.Engine.RecoverOnStart {
		go recoverJobs(ctx, pgManager, eng)
	}

	// 5. Build router with dependencies
	router := newRouter(cfg, backends{
		postgres: pgManager,
		redis:    redisManager,
		store:    pgStore,
		cache:    cache.NewRedisCache(redisManager),
		engine:   eng,
	})

	// 6. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("engine shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// recoverJobs waits for the database and re-queues every job a previous
// process left unfinished. Jobs submitted since the engine started are not
// touched.
func recoverJobs(ctx context.Context, pg *connmgr.Manager[*pgxpool.Pool], eng *engine.Engine) {
	if _, err := pg.AwaitReady(ctx); err != nil {
		return
	}
	n, err := eng.Recover(ctx)
	if err != nil {
		slog.Error("job recovery incomplete", "recovered", n, "error", err)
		return
	}
	slog.Info("job recovery finished", "recovered", n)
}

func newRouter(cfg *config.Config, b backends) http.Handler {
	svc := jobs.NewService(b.store, b.engine, b.cache, cfg.Redis.StatusCacheTTL)

	var checkers []handler.HealthChecker
	if b.postgres != nil {
		checkers = append(checkers, b.postgres)
	}
	if b.redis != nil {
		checkers = append(checkers, b.redis)
	}

	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(b.store, cfg.Auth.Enabled),
		RateLimit: mw.NewRateLimit(b.cache, cfg.RateLimit.PerMinute),

		HealthHandler:   handler.NewHealthHandler(checkers...),
		MetricsHandler:  metrics.Handler(),
		SubmitHandler:   handler.NewSubmitHandler(svc, cfg.Upload.MaxBytes),
		UploadHandler:   handler.NewUploadHandler(svc, cfg.Upload.MaxBytes),
		ListHandler:     handler.NewListHandler(svc),
		StatusHandler:   handler.NewStatusHandler(svc),
		DownloadHandler: handler.NewDownloadHandler(svc),
		CancelHandler:   handler.NewCancelHandler(svc),
	})
}
