package models

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/cardvault/services/sync/internal/domain"
)

// EventType identifies the intent of a sync event
type EventType string

const (
	EventPromote     EventType = "promote"
	EventUnpromote   EventType = "unpromote"
	EventSale        EventType = "sale"
	EventPriceUpdate EventType = "price_update"
	EventReturn      EventType = "return"
	EventRollback    EventType = "rollback"
	EventHideListing EventType = "evershop_hide_listing"
)

// EventStatus is the lifecycle status of a sync event
type EventStatus string

const (
	StatusPending        EventStatus = "pending"
	StatusSynced         EventStatus = "synced"
	StatusFailed         EventStatus = "failed"
	StatusConflict       EventStatus = "conflict"
	StatusPartialFailure EventStatus = "partial_failure"
	StatusExhausted      EventStatus = "exhausted"
)

// StoreName identifies which store originated or receives an effect
type StoreName string

const (
	StoreStaging    StoreName = "staging"
	StoreProduction StoreName = "production"
)

// WebhookStatus is the lifecycle status of an inbound webhook record
type WebhookStatus string

const (
	WebhookPending   WebhookStatus = "pending"
	WebhookProcessed WebhookStatus = "processed"
	WebhookFailed    WebhookStatus = "failed"
	WebhookSkipped   WebhookStatus = "skipped"
)

// SyncEvent is an immutable-once-created record of an intended change.
// Rows are never deleted; the engine only mutates status, retry_count,
// error_message and synced_at.
type SyncEvent struct {
	ID               uint        `gorm:"primaryKey" json:"id"`
	EventUID         string      `gorm:"uniqueIndex;not null" json:"event_uid"`
	EventType        EventType   `gorm:"not null" json:"event_type"`
	ProductUID       string      `gorm:"index;not null" json:"product_uid"`
	ItemUID          *string     `json:"item_uid"`
	PaymentSessionID *string     `json:"payment_session_id"`
	SKU              *string     `json:"sku"`
	SourceDB         StoreName   `gorm:"not null;default:'staging'" json:"source_db"`
	TargetDB         StoreName   `gorm:"not null;default:'production'" json:"target_db"`
	Payload          []byte      `gorm:"type:jsonb" json:"payload"`
	Status           EventStatus `gorm:"index;not null;default:'pending'" json:"status"`
	RetryCount       int         `gorm:"not null;default:0" json:"retry_count"`
	ErrorMessage     *string     `json:"error_message"`
	CreatedAt        time.Time   `gorm:"autoCreateTime;index" json:"created_at"`
	SyncedAt         *time.Time  `json:"synced_at"`
}

// ProductSnapshot is the denormalized commerce view of a product. The
// daemon reads identifying fields and writes evershop_sync_state,
// sync_version and quantity only.
type ProductSnapshot struct {
	ID                uint                     `gorm:"primaryKey" json:"id"`
	CreatedAt         time.Time                `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time                `gorm:"autoUpdateTime" json:"updated_at"`
	ProductUID        string                   `gorm:"uniqueIndex;not null" json:"product_uid"`
	Name              string                   `gorm:"not null" json:"name"`
	ConditionGrade    string                   `json:"condition_grade"`
	PriceCents        int64                    `gorm:"not null;default:0" json:"price_cents"`
	Quantity          int                      `gorm:"not null;default:0" json:"quantity"`
	SKU               string                   `gorm:"index" json:"sku"`
	EvershopProductID *string                  `json:"evershop_product_id"`
	EvershopSyncState domain.EverShopSyncState `gorm:"index;not null;default:'not_synced'" json:"evershop_sync_state"`
	SyncVersion       int64                    `gorm:"not null;default:0" json:"sync_version"`
}

// SyncLeader is the singleton lease row (id = 1). Ownership is
// established by conditional writes, not application locking.
type SyncLeader struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	LeaseOwner     string     `gorm:"not null" json:"lease_owner"`
	LeaseExpiresAt time.Time  `gorm:"not null" json:"lease_expires_at"`
	LastHeartbeat  time.Time  `json:"last_heartbeat"`
	LastCycleAt    *time.Time `json:"last_cycle_at"`
}

// WebhookEvent is an inbound record from the storefront or payment
// processor, deduplicated by event_uid before translation.
type WebhookEvent struct {
	ID          uint          `gorm:"primaryKey" json:"id"`
	EventUID    string        `gorm:"uniqueIndex;not null" json:"event_uid"`
	Source      string        `gorm:"not null" json:"source"`
	Payload     []byte        `gorm:"type:jsonb" json:"payload"`
	Status      WebhookStatus `gorm:"index;not null;default:'pending'" json:"status"`
	RetryCount  int           `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt   time.Time     `gorm:"autoCreateTime" json:"created_at"`
	ProcessedAt *time.Time    `json:"processed_at"`
}

// ArchivedSale is a sale pulled from the production store. The unique
// sale_uid prevents double-counting on re-import.
type ArchivedSale struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	SaleUID          string    `gorm:"uniqueIndex;not null" json:"sale_uid"`
	ProductUID       string    `gorm:"index;not null" json:"product_uid"`
	Quantity         int       `gorm:"not null;default:1" json:"quantity"`
	AmountCents      int64     `gorm:"not null" json:"amount_cents"`
	Currency         string    `gorm:"not null;default:'USD'" json:"currency"`
	PaymentSessionID *string   `json:"payment_session_id"`
	SoldAt           time.Time `gorm:"index;not null" json:"sold_at"`
	ImportedAt       time.Time `gorm:"autoCreateTime" json:"imported_at"`
}

// SaleCursor is the singleton high-water mark (id = 1) for resumable
// sale pulls.
type SaleCursor struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	LastSoldAt  time.Time `json:"last_sold_at"`
	LastSaleUID string    `json:"last_sale_uid"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	// Apply all migrations
	err := db.AutoMigrate(
		&SyncEvent{},
		&ProductSnapshot{},
		&SyncLeader{},
		&WebhookEvent{},
		&ArchivedSale{},
		&SaleCursor{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
