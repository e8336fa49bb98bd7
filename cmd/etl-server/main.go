package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dealsync/hubspot-etl/pkg/checkpoint"
	"github.com/dealsync/hubspot-etl/pkg/config"
	"github.com/dealsync/hubspot-etl/pkg/hubspot"
	"github.com/dealsync/hubspot-etl/pkg/logging"
	"github.com/dealsync/hubspot-etl/pkg/ratelimit"
	"github.com/dealsync/hubspot-etl/pkg/scan"
	"github.com/dealsync/hubspot-etl/pkg/storage"
)

func main() {
	logger := logging.Setup(logging.DefaultConfig())

	cfg, err := config.Load(configPath())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger = logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Output: os.Stderr,
	})

	ctx := context.Background()

	// Redis holds scan checkpoints for resume after restart.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()

	pool, err := storage.NewPool(ctx, cfg.PostgresDSN())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to Postgres")
	}
	defer pool.Close()

	writer := storage.NewWriter(pool, logging.NewLogger("storage"))
	if err := writer.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ensure schema")
	}

	// One limiter per credential: all scans share it so the aggregate request
	// rate stays inside the source API quota.
	limiter := ratelimit.NewLimiter(ratelimit.DefaultLimit, ratelimit.DefaultWindow,
		logging.NewLogger("ratelimit"))

	clientCfg := hubspot.DefaultConfig(cfg.HubSpot.AccessToken, limiter)
	clientCfg.BaseURL = cfg.HubSpot.BaseURL
	clientCfg.Timeout = cfg.HubSpot.Timeout
	clientCfg.Archived = cfg.HubSpot.Archived
	client, err := hubspot.New(clientCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create HubSpot client")
	}

	if err := client.Validate(ctx); err != nil {
		logger.Warn().Err(err).Msg("Credential validation failed, scans will fail until fixed")
	}

	orchestrator := scan.NewOrchestrator(
		client,
		writer,
		checkpoint.NewStore(redisClient, logging.NewLogger("checkpoint")),
		scan.NewMemoryRegistry(),
		scan.Config{
			PageSize:        cfg.Scan.PageSize,
			CheckpointEvery: cfg.Scan.CheckpointEvery,
			DefaultTenant:   cfg.Scan.DefaultTenant,
		},
		logging.NewLogger("scan"),
	)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      NewRouter(orchestrator, logging.NewLogger("http")),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr()).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown error")
	}
}

// configPath resolves the config file: CONFIG_PATH wins, then ./config.yaml
// when present, else defaults plus environment only.
func configPath() string {
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		return v
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}
