package repositories

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/cardvault/services/sync/internal/models"
)

// LeaseRepository performs the conditional writes behind the sync
// leader lease. All mutual exclusion lives in these WHERE clauses; the
// application never takes locks of its own.
type LeaseRepository struct {
	db *gorm.DB
}

// NewLeaseRepository creates a new lease repository
func NewLeaseRepository(db *gorm.DB) *LeaseRepository {
	return &LeaseRepository{db: db}
}

// Claim attempts to take ownership of the singleton lease row. It
// succeeds when the row does not exist yet, when the current lease has
// expired, or when owner already holds it (re-acquire after restart).
func (r *LeaseRepository) Claim(ctx context.Context, owner string, now, expires time.Time) (bool, error) {
	claimed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.SyncLeader{}).
			Where("id = ? AND (lease_owner = ? OR lease_expires_at < ?)", 1, owner, now).
			Updates(map[string]interface{}{
				"lease_owner":      owner,
				"lease_expires_at": expires,
				"last_heartbeat":   now,
			})
		if result.Error != nil {
			return errors.Wrap(result.Error, "failed to update lease row")
		}
		if result.RowsAffected == 1 {
			claimed = true
			return nil
		}

		// No row matched: either the row is missing or another owner
		// holds a live lease. Creating resolves which.
		create := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.SyncLeader{
				ID:             1,
				LeaseOwner:     owner,
				LeaseExpiresAt: expires,
				LastHeartbeat:  now,
			})
		if create.Error != nil {
			return errors.Wrap(create.Error, "failed to create lease row")
		}
		claimed = create.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// Extend renews the lease, succeeding only while owner still holds it
func (r *LeaseRepository) Extend(ctx context.Context, owner string, expires time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.SyncLeader{}).
		Where("id = ? AND lease_owner = ?", 1, owner).
		Update("lease_expires_at", expires)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to extend lease")
	}
	return result.RowsAffected == 1, nil
}

// Clear zeroes the expiry on graceful shutdown so a successor can
// acquire immediately instead of waiting out the TTL.
func (r *LeaseRepository) Clear(ctx context.Context, owner string) error {
	result := r.db.WithContext(ctx).
		Model(&models.SyncLeader{}).
		Where("id = ? AND lease_owner = ?", 1, owner).
		Update("lease_expires_at", time.Time{})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to release lease")
	}
	return nil
}

// Touch records a heartbeat timestamp while owner holds the lease
func (r *LeaseRepository) Touch(ctx context.Context, owner string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.SyncLeader{}).
		Where("id = ? AND lease_owner = ?", 1, owner).
		Update("last_heartbeat", at)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to record heartbeat")
	}
	return nil
}

// RecordCycle stamps the completion time of a successful sync cycle
func (r *LeaseRepository) RecordCycle(ctx context.Context, owner string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.SyncLeader{}).
		Where("id = ? AND lease_owner = ?", 1, owner).
		Update("last_cycle_at", &at)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to record cycle time")
	}
	return nil
}

// Leader returns the current lease row, or nil when none exists yet
func (r *LeaseRepository) Leader(ctx context.Context) (*models.SyncLeader, error) {
	var leader models.SyncLeader
	err := r.db.WithContext(ctx).First(&leader, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load lease row")
	}
	return &leader, nil
}
