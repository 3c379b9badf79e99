package repositories

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/cardvault/services/sync/internal/domain"
	"example.com/cardvault/services/sync/internal/models"
)

// StatsRepository serves the read-only aggregations behind the health
// report. It never writes.
type StatsRepository struct {
	db *gorm.DB
}

// NewStatsRepository creates a new stats repository
func NewStatsRepository(db *gorm.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// CountEventsByStatus returns sync event counts grouped by status
func (r *StatsRepository) CountEventsByStatus(ctx context.Context) (map[models.EventStatus]int64, error) {
	type row struct {
		Status models.EventStatus
		Count  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&models.SyncEvent{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to count events by status")
	}

	counts := make(map[models.EventStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// CountSnapshotsByState returns product counts grouped by sync state
func (r *StatsRepository) CountSnapshotsByState(ctx context.Context) (map[domain.EverShopSyncState]int64, error) {
	type row struct {
		EvershopSyncState domain.EverShopSyncState
		Count             int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&models.ProductSnapshot{}).
		Select("evershop_sync_state, count(*) as count").
		Group("evershop_sync_state").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to count snapshots by state")
	}

	counts := make(map[domain.EverShopSyncState]int64, len(rows))
	for _, r := range rows {
		counts[r.EvershopSyncState] = r.Count
	}
	return counts, nil
}

// OldestEventAge returns how long the oldest event matching status and
// optional event type has been waiting. Zero when none match.
func (r *StatsRepository) OldestEventAge(ctx context.Context, status models.EventStatus, eventType models.EventType) (time.Duration, error) {
	query := r.db.WithContext(ctx).
		Model(&models.SyncEvent{}).
		Where("status = ?", status)
	if eventType != "" {
		query = query.Where("event_type = ?", eventType)
	}

	var oldest models.SyncEvent
	err := query.Order("created_at ASC").First(&oldest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to find oldest event")
	}
	return time.Since(oldest.CreatedAt), nil
}

// CountEvents counts events matching status and optional event type
func (r *StatsRepository) CountEvents(ctx context.Context, status models.EventStatus, eventType models.EventType) (int64, error) {
	query := r.db.WithContext(ctx).
		Model(&models.SyncEvent{}).
		Where("status = ?", status)
	if eventType != "" {
		query = query.Where("event_type = ?", eventType)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, errors.Wrap(err, "failed to count events")
	}
	return count, nil
}

// CountVisibleZeroQuantity counts products that are evershop_live with
// zero inventory. This is the primary correctness property: the count
// must trend to zero within one sync cycle.
func (r *StatsRepository) CountVisibleZeroQuantity(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ProductSnapshot{}).
		Where("evershop_sync_state = ? AND quantity = 0", domain.StateEvershopLive).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count visible zero-quantity products")
	}
	return count, nil
}
