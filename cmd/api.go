package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/cardvault/services/sync/config"
	"example.com/cardvault/services/sync/internal/api"
	"example.com/cardvault/services/sync/internal/cache"
	"example.com/cardvault/services/sync/internal/database"
	"example.com/cardvault/services/sync/internal/health"
	"example.com/cardvault/services/sync/internal/metrics"
	"example.com/cardvault/services/sync/internal/repositories"
	"example.com/cardvault/services/sync/internal/tracing"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the status API server",
	Long:  `Start the HTTP server exposing the sync health report and metrics`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize the staging database
	db, err := database.Connect(cfg.DB)
	if err != nil {
		return err
	}

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.Disabled()
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Build the health evaluator over the read-only aggregations
	statsRepo := repositories.NewStatsRepository(db)
	leaseRepo := repositories.NewLeaseRepository(db)
	evaluator := health.NewEvaluator(statsRepo, leaseRepo, cfg.Health, 3*cfg.Daemon.HeartbeatInterval)

	// Initialize and start the server
	server := api.NewServer(cfg, evaluator, metricsCollector, redisCache, tracer)

	// Start the server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	// Shutdown the server
	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}
