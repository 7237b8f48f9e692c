// Command syncd runs the delta sync server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/upcoach/deltasync"
	"github.com/upcoach/deltasync/config"
	"github.com/upcoach/deltasync/logging"
	"github.com/upcoach/deltasync/storage/memory"
	"github.com/upcoach/deltasync/storage/postgres"
	"github.com/upcoach/deltasync/storage/sqlite"
	"github.com/upcoach/deltasync/transport/httptransport"
)

// entityTables maps each synced entity type to its backing table.
var entityTables = map[string]string{
	"goal":           "goals",
	"habit":          "habits",
	"task":           "tasks",
	"mood_entry":     "mood_entries",
	"progress_entry": "progress_entries",
}

func main() {
	if err := run(); err != nil {
		logging.Default().Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		logging.Default().Warn("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.GetConfigFromEnv())
	logger := logging.WithComponent("syncd")

	registry := deltasync.NewRegistry()
	cleanup, err := registerStores(cfg, registry)
	if err != nil {
		return err
	}
	defer cleanup()

	orchestrator := deltasync.NewOrchestrator(registry,
		deltasync.WithPullLimit(cfg.MaxPageSize))

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(httptransport.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api/sync", func(r chi.Router) {
		r.Use(httptransport.JWTAuth(cfg.JWTSecret))
		r.Mount("/", httptransport.NewHandler(orchestrator).Routes())
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			"addr", cfg.Addr, "env", cfg.Env, "driver", cfg.DatabaseDriver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// registerStores opens the configured backend and registers an adapter for
// every synced entity type. The returned cleanup closes the backend.
func registerStores(cfg *config.Config, registry *deltasync.Registry) (func(), error) {
	switch cfg.DatabaseDriver {
	case "sqlite":
		tables := make([]string, 0, len(entityTables))
		for _, table := range entityTables {
			tables = append(tables, table)
		}
		store, err := sqlite.New(sqlite.DefaultConfig(cfg.DatabaseDSN, tables...))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		for entityType, table := range entityTables {
			registry.Register(entityType, store.Adapter(table))
		}
		return func() { store.Close() }, nil

	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		store, err := postgres.New(ctx, &postgres.Config{DSN: cfg.DatabaseDSN})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		for entityType, table := range entityTables {
			adapter, err := store.Adapter(table)
			if err != nil {
				store.Close()
				return nil, err
			}
			registry.Register(entityType, adapter)
		}
		return func() { store.Close() }, nil

	case "memory":
		for entityType := range entityTables {
			registry.Register(entityType, memory.New())
		}
		return func() {}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}
