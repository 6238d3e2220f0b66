package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/dataimport/internal/config"
	"github.com/JonMunkholm/dataimport/internal/core"
	"github.com/JonMunkholm/dataimport/internal/logging"
	"github.com/JonMunkholm/dataimport/internal/schema"
	"github.com/JonMunkholm/dataimport/internal/session"
	"github.com/JonMunkholm/dataimport/internal/store/postgres"
	"github.com/JonMunkholm/dataimport/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	ctx := context.Background()

	registry, err := schema.Default()
	if err != nil {
		slog.Error("failed to load entity schemas", "error", err)
		os.Exit(1)
	}
	slog.Info("entity schemas registered", "count", registry.Len())

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to database", "database", poolConfig.ConnConfig.Database)

	store := postgres.FromPool(pool)
	defer store.DB().Close()
	if err := store.Migrate(ctx); err != nil {
		slog.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	sessions, closeSessions, err := openSessions(ctx, cfg.Session)
	if err != nil {
		slog.Error("failed to connect to session store", "error", err)
		os.Exit(1)
	}
	defer closeSessions()

	service := core.NewService(registry, store, core.Config{
		Workers:       cfg.Import.Workers,
		CommitTimeout: cfg.Import.CommitTimeout,
		MaxConcurrent: cfg.Import.MaxConcurrent,
		MaxWait:       cfg.Import.MaxWaitTime,
		MaxRows:       cfg.Import.MaxRows,
	})

	server := web.NewServer(service, sessions, cfg)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Wait for active commits to complete (with timeout)
		if status := service.Limiter().Status(); status.Active > 0 {
			slog.Info("waiting for imports to complete", "active", status.Active)
			if err := service.Limiter().WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("imports did not complete in time", "error", err)
			} else {
				slog.Info("all imports completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := server.Start(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// openSessions connects to Redis, or keeps sessions in memory when no
// REDIS_URL is configured.
func openSessions(ctx context.Context, cfg config.SessionConfig) (session.Store, func(), error) {
	if cfg.RedisURL == "" {
		slog.Warn("REDIS_URL is empty, keeping import sessions in memory")
		return session.NewMemory(cfg.TTL), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, err
	}

	slog.Info("connected to session store", "addr", opts.Addr, "db", opts.DB)
	return session.NewRedis(rdb, cfg.TTL), func() { rdb.Close() }, nil
}
