// Package engine orchestrates one sync cycle: drain pending events,
// retry failed events whose backoff window elapsed, and pull remote
// sales into the staging archive.
package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/cardvault/services/sync/internal/cache"
	"example.com/cardvault/services/sync/internal/domain"
	"example.com/cardvault/services/sync/internal/lease"
	"example.com/cardvault/services/sync/internal/metrics"
	"example.com/cardvault/services/sync/internal/models"
	"example.com/cardvault/services/sync/internal/payments"
	"example.com/cardvault/services/sync/internal/storefront"
	"example.com/cardvault/services/sync/internal/tracing"
)

// EventStore is the engine's view of the sync_events table
type EventStore interface {
	Enqueue(ctx context.Context, event *models.SyncEvent) error
	FetchPending(ctx context.Context, limit int) ([]models.SyncEvent, error)
	FetchFailed(ctx context.Context, limit int) ([]models.SyncEvent, error)
	MarkSynced(ctx context.Context, id uint) error
	MarkFailed(ctx context.Context, id uint, errMsg string) error
	MarkConflict(ctx context.Context, id uint, errMsg string) error
	MarkExhausted(ctx context.Context, id uint, errMsg string) error
}

// SnapshotStore is the engine's view of product snapshots
type SnapshotStore interface {
	GetByProductUID(ctx context.Context, productUID string) (*models.ProductSnapshot, error)
	UpdateSyncState(ctx context.Context, productUID string, state domain.EverShopSyncState, expectedVersion int64) error
	AdjustQuantity(ctx context.Context, productUID string, delta int) (int, error)
	ListByState(ctx context.Context, state domain.EverShopSyncState, limit int) ([]models.ProductSnapshot, error)
}

// SaleArchive is the engine's view of archived sales and the pull cursor
type SaleArchive interface {
	Archive(ctx context.Context, sale *models.ArchivedSale) (bool, error)
	Cursor(ctx context.Context) (models.SaleCursor, error)
	AdvanceCursor(ctx context.Context, cursor models.SaleCursor) error
}

// LeaseRenewer re-checks write exclusivity before mutating shared state
type LeaseRenewer interface {
	Renew(ctx context.Context) (bool, error)
	MarkCycle(ctx context.Context)
}

// SaleIndexer pushes archived sales into the search index
type SaleIndexer interface {
	IndexArchivedSale(ctx context.Context, sale *models.ArchivedSale, product *models.ProductSnapshot) error
}

// Options holds batch sizes and retry tuning
type Options struct {
	BatchSize      int
	RetryBatchSize int
	SalePullLimit  int
	BaseBackoff    time.Duration
	MaxRetries     int
}

// CycleSummary aggregates what one cycle did
type CycleSummary struct {
	Processed   int `json:"processed"`
	Retried     int `json:"retried"`
	Synced      int `json:"synced"`
	Failed      int `json:"failed"`
	Conflicts   int `json:"conflicts"`
	SalesPulled int `json:"sales_pulled"`
}

func (s CycleSummary) empty() bool {
	return s.Processed == 0 && s.Retried == 0 && s.SalesPulled == 0
}

// Engine drives the outbox drain. It is single-threaded by design:
// events are processed one at a time so no two events can race on the
// same product within a cycle.
type Engine struct {
	events     EventStore
	snapshots  SnapshotStore
	sales      SaleArchive
	storefront storefront.Client
	source     payments.SaleSource
	leases     LeaseRenewer
	metrics    *metrics.Metrics
	tracer     tracing.Tracer
	search     SaleIndexer
	cache      *cache.RedisCache
	opts       Options
	now        func() time.Time
}

// NewEngine wires a sync engine from its collaborators. search and
// cache may be nil; the engine degrades to skipping indexing and
// caching.
func NewEngine(
	events EventStore,
	snapshots SnapshotStore,
	sales SaleArchive,
	storefrontClient storefront.Client,
	source payments.SaleSource,
	leases LeaseRenewer,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
	search SaleIndexer,
	redisCache *cache.RedisCache,
	opts Options,
) *Engine {
	if opts.BatchSize == 0 {
		opts.BatchSize = 50
	}
	if opts.RetryBatchSize == 0 {
		opts.RetryBatchSize = 20
	}
	if opts.SalePullLimit == 0 {
		opts.SalePullLimit = 10
	}
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = time.Minute
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 8
	}
	// A nil tracer would panic on the first cycle
	if tracer == nil {
		tracer = tracing.Disabled()
	}

	return &Engine{
		events:     events,
		snapshots:  snapshots,
		sales:      sales,
		storefront: storefrontClient,
		source:     source,
		leases:     leases,
		metrics:    metricsCollector,
		tracer:     tracer,
		search:     search,
		cache:      redisCache,
		opts:       opts,
		now:        time.Now,
	}
}

// RunCycle executes one full sync cycle. A transient renewal error
// aborts the cycle; definitive lease loss returns lease.ErrLeaseLost
// and the caller must terminate the process.
func (e *Engine) RunCycle(ctx context.Context) (CycleSummary, error) {
	var summary CycleSummary

	renewed, err := e.leases.Renew(ctx)
	if err != nil {
		return summary, errors.Wrap(err, "cycle aborted on lease renewal")
	}
	if !renewed {
		return summary, lease.ErrLeaseLost
	}

	txn := e.tracer.StartTransaction("sync-cycle")
	defer e.tracer.EndTransaction(txn)

	// Phase 1: drain pending events in creation order
	pending, err := e.events.FetchPending(ctx, e.opts.BatchSize)
	if err != nil {
		e.tracer.RecordError(txn, err)
		return summary, errors.Wrap(err, "fetch pending events")
	}
	for i := range pending {
		e.dispatch(ctx, &pending[i], &summary)
		summary.Processed++
	}

	// Phase 2: retry failed events whose backoff window elapsed. The
	// lease is re-checked, not assumed: a cycle that overran the TTL
	// must stop here instead of continuing without exclusivity.
	if renewed, err = e.leases.Renew(ctx); err != nil {
		return summary, errors.Wrap(err, "cycle aborted on lease renewal")
	} else if !renewed {
		return summary, lease.ErrLeaseLost
	}

	failed, err := e.events.FetchFailed(ctx, e.opts.RetryBatchSize)
	if err != nil {
		e.tracer.RecordError(txn, err)
		return summary, errors.Wrap(err, "fetch failed events")
	}
	now := e.now()
	for i := range failed {
		if !retryEligible(&failed[i], now, e.opts.BaseBackoff) {
			continue
		}
		e.dispatch(ctx, &failed[i], &summary)
		summary.Retried++
	}

	// Phase 3: pull remote sale events into the archive
	if renewed, err = e.leases.Renew(ctx); err != nil {
		return summary, errors.Wrap(err, "cycle aborted on lease renewal")
	} else if !renewed {
		return summary, lease.ErrLeaseLost
	}

	pulled, err := e.pullSales(ctx)
	summary.SalesPulled = pulled
	if err != nil {
		e.tracer.RecordError(txn, err)
		log.Error().Err(err).Msg("Sale pull failed, continuing cycle")
	}

	e.leases.MarkCycle(ctx)
	e.metrics.IncrementCounter("sync_cycles")
	e.metrics.IncrementCounterBy("events_synced", int64(summary.Synced))
	e.metrics.IncrementCounterBy("events_failed", int64(summary.Failed))
	e.metrics.IncrementCounterBy("sales_pulled", int64(summary.SalesPulled))

	// Keep steady-state logs quiet
	if !summary.empty() {
		log.Info().
			Int("processed", summary.Processed).
			Int("retried", summary.Retried).
			Int("synced", summary.Synced).
			Int("failed", summary.Failed).
			Int("conflicts", summary.Conflicts).
			Int("sales_pulled", summary.SalesPulled).
			Msg("Sync cycle complete")
	}

	return summary, nil
}

// BackoffWindow returns the minimum age before a failed event with the
// given retry count is reprocessed: 2^retry_count * base.
func BackoffWindow(retryCount int, base time.Duration) time.Duration {
	if retryCount > 16 {
		retryCount = 16
	}
	return time.Duration(1<<uint(retryCount)) * base
}

func retryEligible(event *models.SyncEvent, now time.Time, base time.Duration) bool {
	return now.Sub(event.CreatedAt) >= BackoffWindow(event.RetryCount, base)
}

// pullSales imports a bounded batch of remote sales, decrements local
// quantities and enqueues hide-listing events for sold-out products.
func (e *Engine) pullSales(ctx context.Context) (int, error) {
	stored, err := e.sales.Cursor(ctx)
	if err != nil {
		return 0, err
	}

	sales, next, err := e.source.PullSaleEvents(ctx, payments.Cursor{
		LastSoldAt:  stored.LastSoldAt,
		LastSaleUID: stored.LastSaleUID,
	}, e.opts.SalePullLimit)
	if err != nil {
		return 0, errors.Wrap(err, "pull sale events")
	}

	imported := 0
	for _, sale := range sales {
		archived := &models.ArchivedSale{
			SaleUID:     sale.SaleUID,
			ProductUID:  sale.ProductUID,
			Quantity:    sale.Quantity,
			AmountCents: sale.AmountCents,
			Currency:    sale.Currency,
			SoldAt:      sale.SoldAt,
		}
		if sale.PaymentSessionID != "" {
			sessionID := sale.PaymentSessionID
			archived.PaymentSessionID = &sessionID
		}

		created, err := e.sales.Archive(ctx, archived)
		if err != nil {
			return imported, errors.Wrapf(err, "archive sale %s", sale.SaleUID)
		}
		if !created {
			// Already imported on a previous pull
			continue
		}
		imported++

		e.applySaleToSnapshot(ctx, sale)
		e.indexSale(ctx, archived)
	}

	if err := e.sales.AdvanceCursor(ctx, models.SaleCursor{
		ID:          1,
		LastSoldAt:  next.LastSoldAt,
		LastSaleUID: next.LastSaleUID,
	}); err != nil {
		return imported, err
	}

	return imported, nil
}

// applySaleToSnapshot decrements stock and enqueues the hide-listing
// event once quantity hits zero. The event UID is derived from the sale
// UID so a replayed pull enqueues nothing new.
func (e *Engine) applySaleToSnapshot(ctx context.Context, sale payments.SaleSnapshot) {
	quantity, err := e.snapshots.AdjustQuantity(ctx, sale.ProductUID, -sale.Quantity)
	if err != nil {
		log.Warn().Err(err).Str("product_uid", sale.ProductUID).Msg("Failed to adjust quantity for sale")
		return
	}
	if quantity > 0 {
		return
	}

	hide := &models.SyncEvent{
		EventUID:   "hide-" + sale.SaleUID,
		EventType:  models.EventHideListing,
		ProductUID: sale.ProductUID,
		SourceDB:   models.StoreProduction,
		TargetDB:   models.StoreProduction,
		Payload:    hidePayload(sale.ProductUID, sale.SaleUID),
		Status:     models.StatusPending,
	}
	if err := e.events.Enqueue(ctx, hide); err != nil {
		log.Error().Err(err).Str("product_uid", sale.ProductUID).Msg("Failed to enqueue hide-listing event")
	}
}

func (e *Engine) indexSale(ctx context.Context, sale *models.ArchivedSale) {
	if e.search == nil {
		return
	}
	product, err := e.snapshots.GetByProductUID(ctx, sale.ProductUID)
	if err != nil {
		product = nil
	}
	if err := e.search.IndexArchivedSale(ctx, sale, product); err != nil {
		log.Warn().Err(err).Str("sale_uid", sale.SaleUID).Msg("Failed to index archived sale")
	}
}
