package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/cardvault/services/sync/internal/cache"
	"example.com/cardvault/services/sync/internal/domain"
	"example.com/cardvault/services/sync/internal/repositories"
)

const reconcileLookupTTL = 15 * time.Minute

// Reconcile walks products stuck in sync_error, asks the storefront
// what it actually shows for each and recovers the local state to
// match. Lookups are rate-limited through the cache so a scheduled run
// does not hammer the storefront for the same SKU.
func (e *Engine) Reconcile(ctx context.Context, limit int) (int, error) {
	renewed, err := e.leases.Renew(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "reconcile aborted on lease renewal")
	}
	if !renewed {
		return 0, nil
	}

	faulted, err := e.snapshots.ListByState(ctx, domain.StateSyncError, limit)
	if err != nil {
		return 0, errors.Wrap(err, "list faulted snapshots")
	}

	recovered := 0
	for _, snapshot := range faulted {
		if snapshot.SKU == "" {
			continue
		}
		if e.recentlyChecked(ctx, snapshot.SKU) {
			continue
		}

		remote, err := e.storefront.FetchListingState(ctx, snapshot.SKU)
		if err != nil {
			log.Warn().Err(err).Str("sku", snapshot.SKU).Msg("Reconcile lookup failed")
			continue
		}
		e.rememberCheck(ctx, snapshot.SKU, remote)

		target, err := domain.Recover(snapshot.EvershopSyncState, remote)
		if err != nil {
			// The storefront reports a state that is not a legal
			// recovery target; leave the fault for an operator.
			log.Warn().Str("sku", snapshot.SKU).Str("remote_state", string(remote)).
				Msg("Storefront state is not a recovery target")
			continue
		}

		if err := e.snapshots.UpdateSyncState(ctx, snapshot.ProductUID, target, snapshot.SyncVersion); err != nil {
			if errors.Is(errors.Cause(err), repositories.ErrStaleWrite) {
				continue
			}
			log.Error().Err(err).Str("product_uid", snapshot.ProductUID).Msg("Failed to recover snapshot")
			continue
		}

		recovered++
		log.Info().Str("product_uid", snapshot.ProductUID).Str("state", string(target)).
			Msg("Recovered product from sync_error")
	}

	if recovered > 0 {
		e.metrics.IncrementCounterBy("products_recovered", int64(recovered))
	}
	return recovered, nil
}

func (e *Engine) recentlyChecked(ctx context.Context, sku string) bool {
	if e.cache == nil {
		return false
	}
	var state domain.EverShopSyncState
	return e.cache.Get(ctx, cache.ListingStateKey(sku), &state) == nil
}

func (e *Engine) rememberCheck(ctx context.Context, sku string, state domain.EverShopSyncState) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Set(ctx, cache.ListingStateKey(sku), state, reconcileLookupTTL); err != nil {
		log.Warn().Err(err).Str("sku", sku).Msg("Failed to cache listing state")
	}
}
