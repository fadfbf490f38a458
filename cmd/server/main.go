/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the settlement engine server. Handles
  configuration, dependency injection and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env + environment)
  2. Initialize logger
  3. Open the store (SQLite or PostgreSQL per DB_DRIVER)
  4. Seed the commission plan from the environment if none is saved
  5. Put the Redis settings cache in front of the store when REDIS_URL is set
  6. Build the engine, handler and router
  7. Start the distribution sweeper
  8. Start the server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper after its current pass
  4. Close Redis and the database
  5. Exit

EXAMPLES:
  # SQLite file database with defaults
  ./server

  # PostgreSQL with a Redis settings cache
  DB_DRIVER=postgres DATABASE_URL=postgres://... REDIS_URL=redis://localhost:6379/0 ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/settings"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/postgres"
	"github.com/warp/settlement-engine/store/sqlite"
)

// backend is what the server needs from a store.
type backend interface {
	settlement.TxStore
	settlement.SettingsStore
	api.Resetter
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	ctx := context.Background()

	// Initialize store
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("failed to initialize database")
	}
	defer closeStore()

	if err := seedSettings(ctx, cfg, store); err != nil {
		log.Fatal().Err(err).Msg("failed to seed commission plan")
	}

	// Settings provider, optionally cached
	var provider settlement.SettingsStore = store
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = settings.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, reading settings from the database")
		} else {
			provider = settings.NewRedisCache(redisClient, store, cfg.SettingsCacheTTL)
			log.Info().Dur("ttl", cfg.SettingsCacheTTL).Msg("settings cache enabled")
		}
	}

	engine := settlement.NewEngine(store, provider, settlement.Options{MaxHops: cfg.MaxUplineHops})

	handler := api.NewHandler(engine, provider, api.NewAuthenticator(cfg.JWTSecret))
	if !cfg.IsProduction() {
		handler.Reset = store
	}
	handler.Sweeper.Interval = cfg.SweepInterval
	handler.Sweeper.Enabled = cfg.SweepEnabled

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins:  cfg.AllowedOrigins,
		EnableScenarios: !cfg.IsProduction(),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	handler.Sweeper.Start()

	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Str("driver", cfg.DBDriver).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	handler.Sweeper.Stop()

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Error().Err(err).Msg("error closing redis connection")
		}
	}
	log.Info().Msg("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (backend, func(), error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}
}

// seedSettings saves the environment plan when the store has none yet.
// A saved plan always wins over the environment.
func seedSettings(ctx context.Context, cfg *config.Config, store settlement.SettingsStore) error {
	_, err := store.Settings(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, settlement.ErrNotFound) {
		return err
	}
	plan, err := settings.FromConfig(cfg)
	if err != nil {
		return err
	}
	if err := store.SaveSettings(ctx, plan); err != nil {
		return err
	}
	log.Info().
		Int("commission_levels", plan.CommissionLevels).
		Ints("level_percentages", plan.LevelPercentages).
		Str("point_rate", plan.PointRate.String()).
		Msg("seeded commission plan from environment")
	return nil
}
