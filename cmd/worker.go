package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/cardvault/services/sync/config"
	"example.com/cardvault/services/sync/internal/cache"
	"example.com/cardvault/services/sync/internal/daemon"
	"example.com/cardvault/services/sync/internal/database"
	"example.com/cardvault/services/sync/internal/engine"
	"example.com/cardvault/services/sync/internal/lease"
	"example.com/cardvault/services/sync/internal/messaging"
	"example.com/cardvault/services/sync/internal/metrics"
	"example.com/cardvault/services/sync/internal/payments"
	"example.com/cardvault/services/sync/internal/repositories"
	"example.com/cardvault/services/sync/internal/search"
	"example.com/cardvault/services/sync/internal/storefront"
	"example.com/cardvault/services/sync/internal/tracing"
	"example.com/cardvault/services/sync/internal/webhooks"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the sync daemon",
	Long:  `Start the sync daemon: acquire the single-writer lease, drain the outbox into the storefront, pull completed sales and process inbound webhooks`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

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

	// Initialize Elasticsearch client
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without sale indexing")
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Initialize repositories
	eventRepo := repositories.NewSyncEventRepository(db)
	snapshotRepo := repositories.NewProductSnapshotRepository(db)
	saleRepo := repositories.NewArchivedSaleRepository(db)
	leaseRepo := repositories.NewLeaseRepository(db)
	webhookRepo := repositories.NewWebhookEventRepository(db)

	// The lease identity survives log correlation across restarts:
	// hostname for the where, uuid for the which.
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	owner := fmt.Sprintf("%s-%s", hostname, uuid.New().String())
	leaseManager := lease.NewManager(leaseRepo, owner, cfg.Daemon.LeaseTTL)

	// Initialize external clients
	storefrontClient := storefront.NewClient(cfg.Storefront)
	saleSource := payments.NewSaleSource(cfg.Payments)

	var indexer engine.SaleIndexer
	if elasticClient != nil {
		indexer = elasticClient
	}

	syncEngine := engine.NewEngine(
		eventRepo, snapshotRepo, saleRepo,
		storefrontClient, saleSource, leaseManager,
		metricsCollector, tracer, indexer, redisCache,
		engine.Options{
			BatchSize:      cfg.Engine.BatchSize,
			RetryBatchSize: cfg.Engine.RetryBatchSize,
			SalePullLimit:  cfg.Engine.SalePullLimit,
			BaseBackoff:    cfg.Engine.BaseBackoff,
			MaxRetries:     cfg.Engine.MaxRetries,
		},
	)

	// Start the daemon loop
	syncDaemon := daemon.New(syncEngine, leaseManager, metricsCollector, cfg.Daemon)
	g.Go(func() error {
		return syncDaemon.Run(ctx)
	})

	// Start the webhook consumer when a queue is configured
	if cfg.Azure.QueueConnStr != "" {
		receiver, err := messaging.NewReceiver(cfg.Azure)
		if err != nil {
			return errors.Wrap(err, "failed to initialize webhook receiver")
		}
		defer receiver.Close()

		processor := webhooks.NewProcessor(webhookRepo, snapshotRepo, eventRepo, metricsCollector)
		g.Go(func() error {
			log.Info().Str("queue", cfg.Azure.QueueName).Msg("Starting webhook queue processor")
			return receiver.ProcessMessages(ctx, processor.Handle)
		})
	} else {
		log.Warn().Msg("No webhook queue configured, relying on sale pulls and reconciliation only")
	}

	// Start the reconciliation cron job as a fallback for products
	// stuck in sync_error and for webhook deliveries that never arrived.
	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Daemon.ReconcileInterval),
			gocron.NewTask(func() {
				recovered, err := syncEngine.Reconcile(ctx, 25)
				if err != nil {
					log.Error().Err(err).Msg("Reconciliation job failed")
					return
				}
				if recovered > 0 {
					log.Info().Int("recovered", recovered).Msg("Reconciliation job recovered products")
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		// Wait for context cancellation
		<-ctx.Done()

		return scheduler.Shutdown()
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		if errors.Is(err, daemon.ErrLeaseUnavailable) {
			// Clean standby exit: another instance is doing the work
			return nil
		}
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
