package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/betpool/pool-engine/internal/api"
	"github.com/betpool/pool-engine/internal/config"
	"github.com/betpool/pool-engine/internal/engine"
	"github.com/betpool/pool-engine/internal/exposure"
	"github.com/betpool/pool-engine/internal/lock"
	"github.com/betpool/pool-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("storage init failed", "driver", cfg.Storage.Driver, "err", err)
		os.Exit(1)
	}
	defer cleanup()

	var opts []engine.Option

	// Redis read-through cache and cross-instance pool lock.
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable at startup, cache reads will fall through", "err", err)
		}
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL())
		opts = append(opts, engine.WithLocker(lock.NewRedis(rdb, cfg.LockTTL())))
		slog.Info("Redis cache and distributed lock enabled", "cache_ttl", cfg.CacheTTL(), "lock_ttl", cfg.LockTTL())
	}

	// --- Exposure limits ---
	limiter := exposure.NewLimiter(cfg.Engine.MaxGroupExposure, cfg.Engine.MaxMatchdayExposure)
	if limiter.Enabled() {
		opts = append(opts, engine.WithExposureLimiter(limiter))
		slog.Info("exposure limits enabled",
			"max_group", limiter.MaxPerGroup.String(),
			"max_matchday", limiter.MaxPerMatchday.String(),
		)
	}

	// --- WebSocket hub ---
	hub := api.NewWSHub()
	go hub.Run(ctx)
	opts = append(opts, engine.WithNotifier(hub))

	// --- Engine ---
	eng, err := engine.New(st, cfg.EngineConfig(), opts...)
	if err != nil {
		slog.Error("engine init failed", "err", err)
		os.Exit(1)
	}

	// --- HTTP router ---
	handler := api.NewHandler(eng, st)
	router := api.NewRouter(handler, hub, api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst))

	// --- Server ---
	read, write, idle := cfg.ServerTimeouts()
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}

	go func() {
		slog.Info("pool-engine listening",
			"port", cfg.Server.Port,
			"storage", cfg.Storage.Driver,
			"commission_rate", cfg.Engine.CommissionRate.String(),
			"lock_threshold", cfg.Engine.LockThreshold,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down pool-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("pool-engine stopped")
}

// openStore connects the configured backend and returns its close func.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		slog.Info("connected to PostgreSQL")
		return pg, pool.Close, nil

	case config.DriverSQLite:
		sq, err := store.NewSQLiteStore(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("opened SQLite store", "path", cfg.Storage.DSN)
		return sq, func() { sq.Close() }, nil

	default:
		slog.Warn("using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
