package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/seantuckercm/spytradr2.0-sub001/internal/agent"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/auth"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/lock"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/logger"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/scheduler"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/signal"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/store"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/strategy"
	"github.com/seantuckercm/spytradr2.0-sub001/pkg/config"
)

func main() {
	// --- Config ---
	cfg, err := config.Load(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
	log.Info("server stopped")
}

func configPath() string {
	if p := os.Getenv("SPYTRADR_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	log.Info("config loaded",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
	)

	// --- Store ---
	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Lock ---
	locker, closeLock, err := openLocker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLock()

	// --- Services ---
	catalog := strategy.Default()
	agentSvc := agent.NewService(st, catalog,
		agent.WithLocker(locker),
		agent.WithLogger(log.Named("agent")),
		agent.WithMaxConsecutiveFailures(cfg.Scheduler.MaxConsecutiveFailures),
	)
	authSvc := auth.NewService(cfg.Auth.JWTSecret)

	// --- Scheduler ---
	var sched *scheduler.Scheduler
	switch {
	case !cfg.Scheduler.Enabled:
		log.Info("scheduler disabled by config")
	case cfg.Signal.URL == "":
		log.Warn("scheduler disabled: signal.url is not set")
	default:
		gen := signal.NewHTTPGenerator(cfg.Signal, log.Named("signal"))
		sched = scheduler.New(agentSvc, gen, catalog, cfg.Scheduler, log.Named("scheduler"))
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	// --- HTTP Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newRouter(agentSvc, authSvc, catalog, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, func(), error) {
	switch cfg.Store.Driver {
	case "", "memory":
		log.Warn("using in-memory store; data is lost on restart")
		return store.NewMemory(), func() {}, nil
	case "postgres":
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	if cfg.Database.Migrate {
		if err := store.Migrate(cfg.Database.DSN); err != nil {
			return nil, nil, err
		}
		log.Info("database migrated")
	}

	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("create db pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	log.Info("database connected")
	return store.NewPostgres(pool), pool.Close, nil
}

func openLocker(ctx context.Context, cfg *config.Config, log *zap.Logger) (lock.Locker, func(), error) {
	if cfg.Redis.URL == "" {
		return lock.NewLocal(), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Info("redis connected; using distributed agent locks")
	return lock.NewRedis(rdb, cfg.Redis.LockTTL), func() { rdb.Close() }, nil
}

func newRouter(agentSvc *agent.Service, authSvc *auth.Service, catalog *strategy.Catalog, log *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	authHandler := auth.NewHandler(authSvc)
	agentHandler := agent.NewHandler(agentSvc, authSvc, log.Named("http"))
	strategyHandler := strategy.NewHandler(catalog)

	r.Route("/api", func(r chi.Router) {
		r.Get("/strategies", strategyHandler.HandleList)

		// Protected routes (require JWT)
		r.Group(func(r chi.Router) {
			r.Use(authSvc.JWTMiddleware)
			r.Get("/auth/me", authHandler.HandleMe)
			r.Mount("/agents", agentHandler.Routes())
		})
	})

	return r
}
