// Command listener runs a standalone transactional outbox/inbox listener
// against a PostgreSQL database, exposing health and metrics endpoints
// for operators.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/flowcatalyst/pg-outbox-listener/internal/config"
	"github.com/flowcatalyst/pg-outbox-listener/internal/dbpool"
	"github.com/flowcatalyst/pg-outbox-listener/internal/health"
	"github.com/flowcatalyst/pg-outbox-listener/internal/lifecycle"
	"github.com/flowcatalyst/pg-outbox-listener/internal/listener"
	"github.com/flowcatalyst/pg-outbox-listener/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	logging.Configure(os.Getenv("LISTENER_DEV") == "true")

	log.Info().Str("version", version).Str("build_time", buildTime).Msg("starting pg-outbox-listener")

	settings, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := dbpool.Open(ctx, settings.DatabaseURL, settings.DBTable, dbpool.DefaultConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database pool")
	}

	healthChecker := health.NewChecker()
	healthChecker.AddCheck("database", health.PingCheck(pool.Ping))
	go healthChecker.Run(ctx, 15*time.Second)

	registry, err := buildRegistry()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build handler registry")
	}

	opts := listener.Options{Registry: registry}
	var redisClient *redis.Client
	if settings.LeaderElectionEnabled && settings.RedisURL != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: settings.RedisURL})
		opts.RedisClient = redisClient
	}

	l, err := listener.New(settings, pool.DB(), opts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct listener")
	}

	if err := l.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start listener")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         addrFor(settings.HTTPPort),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", settings.HTTPPort).Msg("http server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	manager := lifecycle.NewManager()
	manager.RegisterHTTPShutdown("http", server.Shutdown)
	manager.RegisterWorkerShutdown("listener", l.Shutdown)
	manager.RegisterDatabaseShutdown("dbpool", func(ctx context.Context) error {
		return pool.Close()
	})
	if redisClient != nil {
		manager.RegisterLeaderShutdown("redis", func(ctx context.Context) error {
			return redisClient.Close()
		})
	}

	if err := manager.Run(); err != nil {
		log.Error().Err(err).Msg("graceful shutdown did not complete within its timeout")
	}

	log.Info().Msg("pg-outbox-listener stopped")
}

func addrFor(port int) string {
	return fmt.Sprintf(":%d", port)
}

// buildRegistry is the integration point for this deployment's handlers.
// Real deployments replace this with their own registrations; a
// catch-all no-op handler keeps the binary runnable standalone so the
// listener's health/metrics surface can be smoke-tested without wiring
// real business logic in.
func buildRegistry() (*listener.Registry, error) {
	return listener.NewCatchAllRegistry(
		listener.HandlerFunc(func(ctx context.Context, msg *listener.Message, tx *sql.Tx) error {
			return nil
		}),
		nil,
	)
}
