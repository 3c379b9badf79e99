package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/cardvault/services/sync/internal/domain"
	"example.com/cardvault/services/sync/internal/models"
	"example.com/cardvault/services/sync/internal/repositories"
)

// outcome is what a handler decides about one event. Handlers never
// write event status themselves; dispatch translates the outcome into
// exactly one status write.
type outcome struct {
	status models.EventStatus
	errMsg string
}

func synced() outcome {
	return outcome{status: models.StatusSynced}
}

func failed(err error) outcome {
	return outcome{status: models.StatusFailed, errMsg: err.Error()}
}

func conflict(msg string) outcome {
	return outcome{status: models.StatusConflict, errMsg: msg}
}

// dispatch runs the handler for one event and persists the resulting
// status. A failed event whose retry budget is spent becomes exhausted
// and faults the product so it stops surfacing as retriable work.
func (e *Engine) dispatch(ctx context.Context, ev *models.SyncEvent, summary *CycleSummary) {
	out := e.handle(ctx, ev)

	switch out.status {
	case models.StatusSynced:
		if err := e.events.MarkSynced(ctx, ev.ID); err != nil {
			log.Error().Err(err).Str("event_uid", ev.EventUID).Msg("Failed to mark event synced")
			return
		}
		summary.Synced++

	case models.StatusConflict:
		log.Warn().Str("event_uid", ev.EventUID).Str("event_type", string(ev.EventType)).
			Str("reason", out.errMsg).Msg("Sync event parked as conflict")
		if err := e.events.MarkConflict(ctx, ev.ID, out.errMsg); err != nil {
			log.Error().Err(err).Str("event_uid", ev.EventUID).Msg("Failed to mark event conflict")
			return
		}
		summary.Conflicts++

	case models.StatusFailed:
		if ev.RetryCount+1 >= e.opts.MaxRetries {
			log.Error().Str("event_uid", ev.EventUID).Str("event_type", string(ev.EventType)).
				Int("retries", ev.RetryCount+1).Str("last_error", out.errMsg).
				Msg("Sync event exhausted retry budget")
			if err := e.events.MarkExhausted(ctx, ev.ID, out.errMsg); err != nil {
				log.Error().Err(err).Str("event_uid", ev.EventUID).Msg("Failed to mark event exhausted")
			}
			e.faultProduct(ctx, ev.ProductUID)
		} else {
			if err := e.events.MarkFailed(ctx, ev.ID, out.errMsg); err != nil {
				log.Error().Err(err).Str("event_uid", ev.EventUID).Msg("Failed to mark event failed")
			}
		}
		summary.Failed++

	default:
		log.Error().Str("event_uid", ev.EventUID).Str("status", string(out.status)).
			Msg("Handler produced unknown outcome status")
	}
}

func (e *Engine) handle(ctx context.Context, ev *models.SyncEvent) outcome {
	switch ev.EventType {
	case models.EventPromote:
		return e.handlePromote(ctx, ev)
	case models.EventHideListing:
		return e.handleHideListing(ctx, ev)
	case models.EventPriceUpdate:
		return e.handlePriceUpdate(ctx, ev)
	case models.EventReturn:
		return e.handleReturn(ctx, ev)
	case models.EventRollback:
		return e.handleRollback(ctx, ev)
	case models.EventSale:
		// Sales are imported through the pull path; an enqueued sale
		// event carries no work of its own.
		return synced()
	case models.EventUnpromote:
		// Unpromote is webhook-driven. One in the outbox means a
		// producer bug; park it for inspection.
		return conflict("unpromote events are not processed from the outbox")
	default:
		return conflict(fmt.Sprintf("unknown event type %q", ev.EventType))
	}
}

// handlePromote pushes the listing live and advances the state machine
// under the version the snapshot had when read. A concurrent write
// bumps the version and parks this event instead of clobbering it.
func (e *Engine) handlePromote(ctx context.Context, ev *models.SyncEvent) outcome {
	snapshot, err := e.snapshots.GetByProductUID(ctx, ev.ProductUID)
	if err != nil {
		return failed(errors.Wrap(err, "load product snapshot"))
	}

	next, err := domain.Transition(snapshot.EvershopSyncState, domain.TriggerPromoted)
	if err != nil {
		return conflict(err.Error())
	}

	result, err := e.storefront.PromoteProduct(ctx, ev.ProductUID)
	if err != nil {
		return failed(err)
	}
	if result.SyncState.Valid() {
		next = result.SyncState
	}

	if err := e.snapshots.UpdateSyncState(ctx, ev.ProductUID, next, snapshot.SyncVersion); err != nil {
		if errors.Is(errors.Cause(err), repositories.ErrStaleWrite) {
			return conflict("snapshot changed during promotion")
		}
		return failed(err)
	}
	return synced()
}

// handleHideListing withdraws a sold-out listing from the storefront.
// Hiding an already-hidden listing succeeds so replays converge.
func (e *Engine) handleHideListing(ctx context.Context, ev *models.SyncEvent) outcome {
	snapshot, err := e.snapshots.GetByProductUID(ctx, ev.ProductUID)
	if err != nil {
		return failed(errors.Wrap(err, "load product snapshot"))
	}

	if snapshot.EvershopSyncState == domain.StateEvershopHidden {
		return synced()
	}

	next, err := domain.Transition(snapshot.EvershopSyncState, domain.TriggerSold)
	if err != nil {
		return conflict(err.Error())
	}

	if err := e.storefront.HideListing(ctx, ev.Payload); err != nil {
		return failed(err)
	}

	if err := e.snapshots.UpdateSyncState(ctx, ev.ProductUID, next, snapshot.SyncVersion); err != nil {
		if errors.Is(errors.Cause(err), repositories.ErrStaleWrite) {
			return conflict("snapshot changed while hiding listing")
		}
		return failed(err)
	}
	return synced()
}

func (e *Engine) handlePriceUpdate(ctx context.Context, ev *models.SyncEvent) outcome {
	var payload struct {
		PriceCents int64 `json:"price_cents"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return conflict(errors.Wrap(err, "malformed price payload").Error())
	}
	if payload.PriceCents <= 0 {
		return conflict(fmt.Sprintf("invalid price %d", payload.PriceCents))
	}

	snapshot, err := e.snapshots.GetByProductUID(ctx, ev.ProductUID)
	if err != nil {
		return failed(errors.Wrap(err, "load product snapshot"))
	}
	if snapshot.EvershopSyncState != domain.StateEvershopLive &&
		snapshot.EvershopSyncState != domain.StateEvershopHidden {
		return conflict(fmt.Sprintf("no storefront listing in state %s", snapshot.EvershopSyncState))
	}

	if err := e.storefront.UpdatePrice(ctx, ev.ProductUID, payload.PriceCents); err != nil {
		return failed(err)
	}
	return synced()
}

// handleReturn restocks a returned sale and relists the product when
// the return lifts it out of sold-out.
func (e *Engine) handleReturn(ctx context.Context, ev *models.SyncEvent) outcome {
	var payload struct {
		Quantity int `json:"quantity"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return conflict(errors.Wrap(err, "malformed return payload").Error())
	}
	if payload.Quantity <= 0 {
		return conflict(fmt.Sprintf("invalid return quantity %d", payload.Quantity))
	}

	snapshot, err := e.snapshots.GetByProductUID(ctx, ev.ProductUID)
	if err != nil {
		return failed(errors.Wrap(err, "load product snapshot"))
	}

	quantity, err := e.snapshots.AdjustQuantity(ctx, ev.ProductUID, payload.Quantity)
	if err != nil {
		return failed(errors.Wrap(err, "restock returned quantity"))
	}

	if snapshot.EvershopSyncState != domain.StateEvershopHidden || quantity <= 0 {
		return synced()
	}

	next, err := domain.Transition(snapshot.EvershopSyncState, domain.TriggerRelisted)
	if err != nil {
		return conflict(err.Error())
	}
	if _, err := e.storefront.PromoteProduct(ctx, ev.ProductUID); err != nil {
		return failed(err)
	}
	if err := e.snapshots.UpdateSyncState(ctx, ev.ProductUID, next, snapshot.SyncVersion); err != nil {
		if errors.Is(errors.Cause(err), repositories.ErrStaleWrite) {
			return conflict("snapshot changed while relisting")
		}
		return failed(err)
	}
	return synced()
}

// handleRollback withdraws a product from the storefront entirely,
// returning it to vault_only.
func (e *Engine) handleRollback(ctx context.Context, ev *models.SyncEvent) outcome {
	snapshot, err := e.snapshots.GetByProductUID(ctx, ev.ProductUID)
	if err != nil {
		return failed(errors.Wrap(err, "load product snapshot"))
	}

	if snapshot.EvershopSyncState == domain.StateVaultOnly {
		return synced()
	}

	next, err := domain.Transition(snapshot.EvershopSyncState, domain.TriggerWithdrawn)
	if err != nil {
		return conflict(err.Error())
	}

	if err := e.storefront.HideListing(ctx, ev.Payload); err != nil {
		return failed(err)
	}

	if err := e.snapshots.UpdateSyncState(ctx, ev.ProductUID, next, snapshot.SyncVersion); err != nil {
		if errors.Is(errors.Cause(err), repositories.ErrStaleWrite) {
			return conflict("snapshot changed during rollback")
		}
		return failed(err)
	}
	return synced()
}

// faultProduct moves a product to sync_error after its event exhausted
// the retry budget. The reconciliation job owns recovery from here.
func (e *Engine) faultProduct(ctx context.Context, productUID string) {
	snapshot, err := e.snapshots.GetByProductUID(ctx, productUID)
	if err != nil {
		log.Error().Err(err).Str("product_uid", productUID).Msg("Failed to load snapshot for fault")
		return
	}
	if snapshot.EvershopSyncState == domain.StateSyncError {
		return
	}

	next, _ := domain.Transition(snapshot.EvershopSyncState, domain.TriggerFault)
	if err := e.snapshots.UpdateSyncState(ctx, productUID, next, snapshot.SyncVersion); err != nil {
		log.Error().Err(err).Str("product_uid", productUID).Msg("Failed to fault product snapshot")
	}
}

func hidePayload(productUID, saleUID string) []byte {
	payload, _ := json.Marshal(map[string]string{
		"product_uid": productUID,
		"sale_uid":    saleUID,
		"reason":      "sold_out",
	})
	return payload
}
