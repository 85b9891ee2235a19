/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the vending machine API server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (.env + VENDING_* variables), then flags
  2. Open the store (sqlite, postgres or memory) and seed it if empty
  3. Optionally connect NATS (purchase events) and Redis (idempotency)
  4. Build the engine, handler and router
  5. Serve until SIGINT/SIGTERM, then shut down gracefully

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides VENDING_PORT)
  -db      SQLite database path (overrides VENDING_SQLITE_PATH)
           Use ":memory:" for in-memory database

ENVIRONMENT:
  VENDING_STORE, VENDING_POSTGRES_DSN, VENDING_REDIS_ADDR, VENDING_NATS_URL,
  VENDING_CORS_ORIGINS, VENDING_LOG_LEVEL, VENDING_SEED,
  VENDING_COMMIT_RETRIES. See config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Drain NATS, close Redis and the database
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - cmd/migrate/main.go: PostgreSQL schema migrations
*/
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

	"golang.org/x/sync/errgroup"

	"github.com/warp/vending-engine/api"
	"github.com/warp/vending-engine/config"
	"github.com/warp/vending-engine/events"
	"github.com/warp/vending-engine/store/postgres"
	"github.com/warp/vending-engine/store/redis"
	"github.com/warp/vending-engine/store/sqlite"
	"github.com/warp/vending-engine/vending"
	"github.com/warp/vending-engine/vending/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.New()
	if err != nil {
		return err
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.SQLitePath, "SQLite database path")
	flag.Parse()
	cfg.Port = *port
	cfg.SQLitePath = *dbPath
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer closeStore()

	if cfg.Seed {
		if err := st.Seed(ctx, vending.DefaultSeed()); err != nil {
			return fmt.Errorf("failed to seed store: %w", err)
		}
	}

	// Optional infrastructure
	engineOpts := []vending.Option{vending.WithLogger(logger)}
	nc, err := events.Connect(cfg.NatsURL)
	if err != nil {
		return err
	}
	if nc != nil {
		defer func() { _ = nc.Drain() }()
		engineOpts = append(engineOpts, vending.WithPublisher(events.NewPublisher(nc)))
		logger.Info("publishing purchase events", "nats", cfg.NatsURL, "subject", vending.TopicPurchaseCompleted)
	}

	routerOpts := api.RouterOptions{AllowedOrigins: cfg.CORSOrigins}
	if cfg.RedisAddr != "" {
		rdb, err := redis.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		routerOpts.Idempotency = redis.NewIdempotencyCache(rdb, redis.DefaultTTL)
		logger.Info("idempotency keys enabled", "redis", cfg.RedisAddr)
	}

	engine := vending.NewEngine(st, engineOpts...)
	handler := api.NewHandler(engine, st, logger)
	router := api.NewRouter(handler, routerOpts)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "addr", server.Addr, "store", cfg.Store)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// seededStore is what the server needs from a backend.
type seededStore interface {
	vending.Store
	vending.Seeder
}

func openStore(ctx context.Context, cfg *config.Config) (seededStore, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		if err := postgres.RunMigrations(ctx, cfg.PostgresDSN, "up"); err != nil {
			return nil, nil, err
		}
		pg, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		pg.MaxRetries = cfg.CommitRetries
		return pg, pg.Close, nil

	case config.StoreMemory:
		return store.NewTxMemory(), func() {}, nil

	default:
		lite, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return lite, func() { _ = lite.Close() }, nil
	}
}
