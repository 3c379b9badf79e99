package repositories

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/cardvault/services/sync/internal/domain"
	"example.com/cardvault/services/sync/internal/models"
)

// SyncEventRepository provides access to the append-only sync_events table
type SyncEventRepository struct {
	db *gorm.DB
}

// NewSyncEventRepository creates a new sync event repository
func NewSyncEventRepository(db *gorm.DB) *SyncEventRepository {
	return &SyncEventRepository{db: db}
}

// Enqueue inserts a new sync event. Re-insertion of the same event_uid
// is a silent no-op, which keeps producers idempotent.
func (r *SyncEventRepository) Enqueue(ctx context.Context, event *models.SyncEvent) error {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_uid"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to enqueue sync event")
	}
	return nil
}

// FetchPending returns up to limit pending events in creation order
func (r *SyncEventRepository) FetchPending(ctx context.Context, limit int) ([]models.SyncEvent, error) {
	var events []models.SyncEvent
	err := r.db.WithContext(ctx).
		Where("status = ?", models.StatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch pending events")
	}
	return events, nil
}

// FetchFailed returns up to limit failed events in creation order. The
// engine filters them by backoff eligibility.
func (r *SyncEventRepository) FetchFailed(ctx context.Context, limit int) ([]models.SyncEvent, error) {
	var events []models.SyncEvent
	err := r.db.WithContext(ctx).
		Where("status = ?", models.StatusFailed).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch failed events")
	}
	return events, nil
}

// MarkSynced marks an event as synced and stamps synced_at
func (r *SyncEventRepository) MarkSynced(ctx context.Context, id uint) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&models.SyncEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.StatusSynced,
			"error_message": nil,
			"synced_at":     &now,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark event synced")
	}
	if result.RowsAffected == 0 {
		return errors.New("no sync event updated")
	}
	return nil
}

// MarkFailed marks an event as failed, records the error and bumps the
// retry count so the next cycle's backoff logic can pick it up.
func (r *SyncEventRepository) MarkFailed(ctx context.Context, id uint, errMsg string) error {
	result := r.db.WithContext(ctx).
		Model(&models.SyncEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.StatusFailed,
			"error_message": &errMsg,
			"retry_count":   gorm.Expr("retry_count + 1"),
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark event failed")
	}
	return nil
}

// MarkConflict parks an event permanently; conflicts are surfaced via
// the health report for manual review, never retried automatically.
func (r *SyncEventRepository) MarkConflict(ctx context.Context, id uint, errMsg string) error {
	result := r.db.WithContext(ctx).
		Model(&models.SyncEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.StatusConflict,
			"error_message": &errMsg,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark event conflict")
	}
	return nil
}

// MarkExhausted terminates retrying after the configured attempt cap
func (r *SyncEventRepository) MarkExhausted(ctx context.Context, id uint, errMsg string) error {
	result := r.db.WithContext(ctx).
		Model(&models.SyncEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.StatusExhausted,
			"error_message": &errMsg,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark event exhausted")
	}
	return nil
}

// ProductSnapshotRepository provides access to product snapshots
type ProductSnapshotRepository struct {
	db *gorm.DB
}

// NewProductSnapshotRepository creates a new product snapshot repository
func NewProductSnapshotRepository(db *gorm.DB) *ProductSnapshotRepository {
	return &ProductSnapshotRepository{db: db}
}

// GetByProductUID gets a snapshot by its product UID
func (r *ProductSnapshotRepository) GetByProductUID(ctx context.Context, productUID string) (*models.ProductSnapshot, error) {
	var snapshot models.ProductSnapshot
	err := r.db.WithContext(ctx).Where("product_uid = ?", productUID).First(&snapshot).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get product snapshot")
	}
	return &snapshot, nil
}

// UpdateSyncState writes the new sync state guarded by the optimistic
// sync_version check. A concurrent writer that already bumped the
// version makes this a stale write, reported as ErrStaleWrite.
func (r *ProductSnapshotRepository) UpdateSyncState(ctx context.Context, productUID string, state domain.EverShopSyncState, expectedVersion int64) error {
	result := r.db.WithContext(ctx).
		Model(&models.ProductSnapshot{}).
		Where("product_uid = ? AND sync_version = ?", productUID, expectedVersion).
		Updates(map[string]interface{}{
			"evershop_sync_state": state,
			"sync_version":        gorm.Expr("sync_version + 1"),
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update sync state")
	}
	if result.RowsAffected == 0 {
		return ErrStaleWrite
	}
	return nil
}

// OverwriteFromWebhook applies a webhook-reported state and version
// over the local record. Used only after domain.ResolveWebhook decided
// the webhook is newer.
func (r *ProductSnapshotRepository) OverwriteFromWebhook(ctx context.Context, productUID string, state domain.EverShopSyncState, webhookVersion int64) error {
	result := r.db.WithContext(ctx).
		Model(&models.ProductSnapshot{}).
		Where("product_uid = ? AND sync_version < ?", productUID, webhookVersion).
		Updates(map[string]interface{}{
			"evershop_sync_state": state,
			"sync_version":        webhookVersion,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to overwrite snapshot from webhook")
	}
	if result.RowsAffected == 0 {
		return ErrStaleWrite
	}
	return nil
}

// AdjustQuantity changes the stocked quantity by delta and returns the
// new quantity. Quantity never goes below zero.
func (r *ProductSnapshotRepository) AdjustQuantity(ctx context.Context, productUID string, delta int) (int, error) {
	var quantity int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var snapshot models.ProductSnapshot
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("product_uid = ?", productUID).
			First(&snapshot).Error; err != nil {
			return errors.Wrap(err, "failed to lock product snapshot")
		}

		quantity = snapshot.Quantity + delta
		if quantity < 0 {
			quantity = 0
		}

		return tx.Model(&models.ProductSnapshot{}).
			Where("product_uid = ?", productUID).
			Update("quantity", quantity).Error
	})
	if err != nil {
		return 0, err
	}
	return quantity, nil
}

// ListByState returns snapshots currently in the given sync state
func (r *ProductSnapshotRepository) ListByState(ctx context.Context, state domain.EverShopSyncState, limit int) ([]models.ProductSnapshot, error) {
	var snapshots []models.ProductSnapshot
	err := r.db.WithContext(ctx).
		Where("evershop_sync_state = ?", state).
		Order("updated_at ASC").
		Limit(limit).
		Find(&snapshots).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list snapshots by state")
	}
	return snapshots, nil
}

// ErrStaleWrite indicates an optimistic concurrency failure: another
// writer bumped sync_version first.
var ErrStaleWrite = errors.New("stale snapshot write rejected by sync_version")

// WebhookEventRepository provides access to inbound webhook records
type WebhookEventRepository struct {
	db *gorm.DB
}

// NewWebhookEventRepository creates a new webhook event repository
func NewWebhookEventRepository(db *gorm.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Insert records a webhook by its event_uid. Returns false when the
// same event_uid was already recorded, signalling a redelivery.
func (r *WebhookEventRepository) Insert(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_uid"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to insert webhook event")
	}
	return result.RowsAffected > 0, nil
}

// Get fetches a webhook record by event_uid, nil when none exists
func (r *WebhookEventRepository) Get(ctx context.Context, eventUID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("event_uid = ?", eventUID).
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get webhook event")
	}
	return &event, nil
}

// MarkFailed records a failed apply and bumps the retry count so the
// next redelivery of the same event_uid is reprocessed instead of
// deduplicated away.
func (r *WebhookEventRepository) MarkFailed(ctx context.Context, eventUID string) error {
	result := r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("event_uid = ?", eventUID).
		Updates(map[string]interface{}{
			"status":      models.WebhookFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark webhook failed")
	}
	return nil
}

// SetStatus finalizes a webhook record
func (r *WebhookEventRepository) SetStatus(ctx context.Context, eventUID string, status models.WebhookStatus) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("event_uid = ?", eventUID).
		Updates(map[string]interface{}{
			"status":       status,
			"processed_at": &now,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to set webhook status")
	}
	return nil
}

// ArchivedSaleRepository provides access to archived production sales
type ArchivedSaleRepository struct {
	db *gorm.DB
}

// NewArchivedSaleRepository creates a new archived sale repository
func NewArchivedSaleRepository(db *gorm.DB) *ArchivedSaleRepository {
	return &ArchivedSaleRepository{db: db}
}

// Archive inserts a sale pulled from production. Returns false when the
// sale_uid was already imported, which prevents double-counting.
func (r *ArchivedSaleRepository) Archive(ctx context.Context, sale *models.ArchivedSale) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sale_uid"}},
			DoNothing: true,
		}).
		Create(sale)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to archive sale")
	}
	return result.RowsAffected > 0, nil
}

// Cursor loads the sale-pull high-water mark, creating the singleton
// row on first use.
func (r *ArchivedSaleRepository) Cursor(ctx context.Context) (models.SaleCursor, error) {
	var cursor models.SaleCursor
	err := r.db.WithContext(ctx).
		Where(models.SaleCursor{ID: 1}).
		FirstOrCreate(&cursor).Error
	if err != nil {
		return models.SaleCursor{}, errors.Wrap(err, "failed to load sale cursor")
	}
	return cursor, nil
}

// AdvanceCursor persists a new high-water mark. The cursor only moves
// forward; a stale advance is ignored.
func (r *ArchivedSaleRepository) AdvanceCursor(ctx context.Context, cursor models.SaleCursor) error {
	result := r.db.WithContext(ctx).
		Model(&models.SaleCursor{}).
		Where("id = ? AND last_sold_at <= ?", 1, cursor.LastSoldAt).
		Updates(map[string]interface{}{
			"last_sold_at":  cursor.LastSoldAt,
			"last_sale_uid": cursor.LastSaleUID,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to advance sale cursor")
	}
	return nil
}
