// Package webhooks turns inbound storefront notifications into local
// state. Delivery is at-least-once, so every message is deduplicated by
// event_uid before anything else happens.
package webhooks

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/cardvault/services/sync/internal/domain"
	"example.com/cardvault/services/sync/internal/metrics"
	"example.com/cardvault/services/sync/internal/models"
	"example.com/cardvault/services/sync/internal/repositories"
)

// Ledger records inbound webhooks and their final disposition
type Ledger interface {
	Insert(ctx context.Context, event *models.WebhookEvent) (bool, error)
	Get(ctx context.Context, eventUID string) (*models.WebhookEvent, error)
	MarkFailed(ctx context.Context, eventUID string) error
	SetStatus(ctx context.Context, eventUID string, status models.WebhookStatus) error
}

// SnapshotWriter applies webhook-reported state over local snapshots
type SnapshotWriter interface {
	GetByProductUID(ctx context.Context, productUID string) (*models.ProductSnapshot, error)
	OverwriteFromWebhook(ctx context.Context, productUID string, state domain.EverShopSyncState, webhookVersion int64) error
}

// Outbox enqueues follow-up sync events for webhook effects that need
// storefront calls of their own.
type Outbox interface {
	Enqueue(ctx context.Context, event *models.SyncEvent) error
}

// Kinds of webhook the storefront and payment processor emit
const (
	KindListingStateChanged = "listing.state_changed"
	KindListingUnpromoted   = "listing.unpromoted"
	KindSaleCompleted       = "sale.completed"
)

type payload struct {
	EventUID    string                   `json:"event_uid"`
	Kind        string                   `json:"kind"`
	Source      string                   `json:"source"`
	ProductUID  string                   `json:"product_uid"`
	SyncState   domain.EverShopSyncState `json:"sync_state"`
	SyncVersion int64                    `json:"sync_version"`
}

// Processor handles one webhook body end to end
type Processor struct {
	ledger    Ledger
	snapshots SnapshotWriter
	outbox    Outbox
	metrics   *metrics.Metrics
}

// NewProcessor wires a webhook processor
func NewProcessor(ledger Ledger, snapshots SnapshotWriter, outbox Outbox, metricsCollector *metrics.Metrics) *Processor {
	return &Processor{
		ledger:    ledger,
		snapshots: snapshots,
		outbox:    outbox,
		metrics:   metricsCollector,
	}
}

// Handle processes one raw webhook body. A nil return completes the
// queue message. Malformed bodies are completed too; redelivering them
// can never succeed.
func (p *Processor) Handle(ctx context.Context, body []byte) error {
	var msg payload
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Error().Err(err).Msg("Discarding malformed webhook body")
		p.metrics.IncrementCounter("webhooks_malformed")
		return nil
	}
	if msg.EventUID == "" {
		log.Error().Str("kind", msg.Kind).Msg("Discarding webhook without event_uid")
		p.metrics.IncrementCounter("webhooks_malformed")
		return nil
	}

	created, err := p.ledger.Insert(ctx, &models.WebhookEvent{
		EventUID: msg.EventUID,
		Source:   msg.Source,
		Payload:  body,
		Status:   models.WebhookPending,
	})
	if err != nil {
		return errors.Wrap(err, "record webhook")
	}
	if !created {
		// A redelivery of an event whose first apply failed is the
		// retry path; only successfully settled events are deduplicated.
		existing, err := p.ledger.Get(ctx, msg.EventUID)
		if err != nil {
			return errors.Wrap(err, "look up redelivered webhook")
		}
		if existing == nil || existing.Status != models.WebhookFailed {
			log.Debug().Str("event_uid", msg.EventUID).Msg("Webhook already seen, skipping redelivery")
			p.metrics.IncrementCounter("webhooks_deduplicated")
			return nil
		}
		log.Info().Str("event_uid", msg.EventUID).Int("retry_count", existing.RetryCount).
			Msg("Reprocessing redelivered webhook after earlier failure")
	}

	status, err := p.apply(ctx, msg)
	if err != nil {
		if markErr := p.ledger.MarkFailed(ctx, msg.EventUID); markErr != nil {
			log.Error().Err(markErr).Str("event_uid", msg.EventUID).Msg("Failed to record webhook failure")
		}
		return err
	}

	p.metrics.IncrementCounter("webhooks_processed")
	return p.ledger.SetStatus(ctx, msg.EventUID, status)
}

func (p *Processor) apply(ctx context.Context, msg payload) (models.WebhookStatus, error) {
	switch msg.Kind {
	case KindListingStateChanged, KindListingUnpromoted:
		return p.applyStateChange(ctx, msg)
	case KindSaleCompleted:
		// Sales are imported through the cursor pull; the webhook only
		// nudges freshness. Enqueueing the no-op sale event keeps an
		// auditable trace with the same dedupe guarantees.
		err := p.outbox.Enqueue(ctx, &models.SyncEvent{
			EventUID:   msg.EventUID,
			EventType:  models.EventSale,
			ProductUID: msg.ProductUID,
			SourceDB:   models.StoreProduction,
			TargetDB:   models.StoreStaging,
			Status:     models.StatusPending,
		})
		if err != nil {
			return "", errors.Wrap(err, "enqueue sale trace event")
		}
		return models.WebhookProcessed, nil
	default:
		log.Warn().Str("event_uid", msg.EventUID).Str("kind", msg.Kind).Msg("Unknown webhook kind")
		return models.WebhookSkipped, nil
	}
}

// applyStateChange reconciles the storefront's reported state against
// the local snapshot. The higher sync_version wins; a webhook that lost
// the race is recorded as skipped, never applied.
func (p *Processor) applyStateChange(ctx context.Context, msg payload) (models.WebhookStatus, error) {
	state := msg.SyncState
	if msg.Kind == KindListingUnpromoted {
		state = domain.StateVaultOnly
	}
	if !state.Valid() {
		log.Warn().Str("event_uid", msg.EventUID).Str("state", string(msg.SyncState)).
			Msg("Webhook reports unknown sync state")
		return models.WebhookSkipped, nil
	}

	local, err := p.snapshots.GetByProductUID(ctx, msg.ProductUID)
	if err != nil {
		return "", errors.Wrap(err, "load snapshot for webhook")
	}

	if domain.ResolveWebhook(local.SyncVersion, msg.SyncVersion) == domain.DecisionSkip {
		log.Info().Str("event_uid", msg.EventUID).Str("product_uid", msg.ProductUID).
			Int64("local_version", local.SyncVersion).Int64("webhook_version", msg.SyncVersion).
			Msg("Webhook older than local state, skipping")
		return models.WebhookSkipped, nil
	}

	if err := p.snapshots.OverwriteFromWebhook(ctx, msg.ProductUID, state, msg.SyncVersion); err != nil {
		if errors.Is(errors.Cause(err), repositories.ErrStaleWrite) {
			// A concurrent writer advanced past the webhook between the
			// read and the write; the newer state stands.
			return models.WebhookSkipped, nil
		}
		return "", errors.Wrap(err, "apply webhook state")
	}

	log.Info().Str("event_uid", msg.EventUID).Str("product_uid", msg.ProductUID).
		Str("state", string(state)).Int64("version", msg.SyncVersion).
		Msg("Applied webhook state change")
	return models.WebhookProcessed, nil
}
