// Package health computes the red/yellow/green report served by the
// status API. Green means the daemon is live and the queues are
// draining; yellow means backlog is building; red means customers can
// see wrong data or nothing is syncing at all.
package health

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"example.com/cardvault/services/sync/config"
	"example.com/cardvault/services/sync/internal/domain"
	"example.com/cardvault/services/sync/internal/models"
)

// Status is the overall traffic-light verdict
type Status string

const (
	StatusGreen  Status = "green"
	StatusYellow Status = "yellow"
	StatusRed    Status = "red"
)

// Stats is the read-only aggregation surface the evaluator needs
type Stats interface {
	CountEventsByStatus(ctx context.Context) (map[models.EventStatus]int64, error)
	CountSnapshotsByState(ctx context.Context) (map[domain.EverShopSyncState]int64, error)
	OldestEventAge(ctx context.Context, status models.EventStatus, eventType models.EventType) (time.Duration, error)
	CountEvents(ctx context.Context, status models.EventStatus, eventType models.EventType) (int64, error)
	CountVisibleZeroQuantity(ctx context.Context) (int64, error)
}

// LeaderSource reads the current lease row
type LeaderSource interface {
	Leader(ctx context.Context) (*models.SyncLeader, error)
}

// Report is the full health document
type Report struct {
	Status            Status                               `json:"status"`
	Reasons           []string                             `json:"reasons,omitempty"`
	EventCounts       map[models.EventStatus]int64         `json:"event_counts"`
	StateCounts       map[domain.EverShopSyncState]int64   `json:"state_counts"`
	VisibleSoldOut    int64                                `json:"visible_sold_out"`
	PendingHideEvents int64                                `json:"pending_hide_events"`
	OldestHideAge     time.Duration                        `json:"oldest_hide_age_seconds"`
	LeaseOwner        string                               `json:"lease_owner,omitempty"`
	LastHeartbeat     *time.Time                           `json:"last_heartbeat,omitempty"`
	LastCycleAt       *time.Time                           `json:"last_cycle_at,omitempty"`
	GeneratedAt       time.Time                            `json:"generated_at"`
}

// Evaluator computes health reports from store aggregations
type Evaluator struct {
	stats  Stats
	leader LeaderSource
	cfg    config.HealthConfig
	// Heartbeats older than this mean the daemon is not running
	heartbeatMaxAge time.Duration
	now             func() time.Time
}

// NewEvaluator creates a health evaluator. heartbeatMaxAge should be a
// small multiple of the daemon's heartbeat interval.
func NewEvaluator(stats Stats, leader LeaderSource, cfg config.HealthConfig, heartbeatMaxAge time.Duration) *Evaluator {
	if heartbeatMaxAge == 0 {
		heartbeatMaxAge = 2 * time.Minute
	}
	return &Evaluator{
		stats:           stats,
		leader:          leader,
		cfg:             cfg,
		heartbeatMaxAge: heartbeatMaxAge,
		now:             time.Now,
	}
}

// Evaluate builds a fresh report. Threshold order matters: red reasons
// are collected even when a yellow reason fired first, so the report
// always carries the worst applicable verdict.
func (e *Evaluator) Evaluate(ctx context.Context) (*Report, error) {
	report := &Report{
		Status:      StatusGreen,
		GeneratedAt: e.now(),
	}

	eventCounts, err := e.stats.CountEventsByStatus(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "count events")
	}
	report.EventCounts = eventCounts

	stateCounts, err := e.stats.CountSnapshotsByState(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "count snapshots")
	}
	report.StateCounts = stateCounts

	visibleSoldOut, err := e.stats.CountVisibleZeroQuantity(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "count visible sold-out products")
	}
	report.VisibleSoldOut = visibleSoldOut

	// A hide-listing event that keeps failing is just as unresolved as
	// one still pending: either way a sold-out card may be purchasable.
	var hideAge time.Duration
	var hideCount int64
	for _, status := range []models.EventStatus{models.StatusPending, models.StatusFailed} {
		age, err := e.stats.OldestEventAge(ctx, status, models.EventHideListing)
		if err != nil {
			return nil, errors.Wrap(err, "oldest hide-listing age")
		}
		if age > hideAge {
			hideAge = age
		}
		count, err := e.stats.CountEvents(ctx, status, models.EventHideListing)
		if err != nil {
			return nil, errors.Wrap(err, "count hide-listing events")
		}
		hideCount += count
	}
	report.OldestHideAge = hideAge
	report.PendingHideEvents = hideCount

	leader, err := e.leader.Leader(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read lease row")
	}
	if leader != nil {
		report.LeaseOwner = leader.LeaseOwner
		heartbeat := leader.LastHeartbeat
		report.LastHeartbeat = &heartbeat
		report.LastCycleAt = leader.LastCycleAt
	}

	// Red conditions: a sold-out card is still purchasable, or the
	// daemon is not running at all.
	if hideAge > e.cfg.HideListingMaxAge {
		report.flag(StatusRed, "hide-listing event exceeded maximum pending age")
		if visibleSoldOut > 0 {
			report.flag(StatusRed, "sold-out products still visible on the storefront")
		}
	} else if visibleSoldOut > 0 {
		// Not yet past the age threshold, but a customer could still
		// order a card that is no longer in the vault.
		report.flag(StatusYellow, "sold-out products awaiting hide-listing sync")
	}
	if leader == nil {
		report.flag(StatusRed, "no daemon has ever held the sync lease")
	} else if e.now().Sub(leader.LastHeartbeat) > e.heartbeatMaxAge {
		report.flag(StatusRed, "daemon heartbeat is stale")
	}
	if int(stateCounts[domain.StateSyncError]) > e.cfg.SyncErrorMax {
		report.flag(StatusRed, "too many products stuck in sync_error")
	}

	// Yellow conditions: work is accumulating but nothing customer
	// visible is wrong yet.
	if eventCounts[models.StatusPending] > int64(e.cfg.PendingYellow) {
		report.flag(StatusYellow, "pending event backlog above threshold")
	}
	if eventCounts[models.StatusFailed] > int64(e.cfg.FailedYellow) {
		report.flag(StatusYellow, "failed events awaiting retry above threshold")
	}
	if eventCounts[models.StatusConflict] > 0 {
		report.flag(StatusYellow, "conflict events need manual review")
	}
	if eventCounts[models.StatusExhausted] > 0 {
		report.flag(StatusYellow, "events exhausted their retry budget")
	}
	if stateCounts[domain.StateSyncError] > 0 && int(stateCounts[domain.StateSyncError]) <= e.cfg.SyncErrorMax {
		report.flag(StatusYellow, "products in sync_error awaiting reconciliation")
	}

	return report, nil
}

func (r *Report) flag(status Status, reason string) {
	r.Reasons = append(r.Reasons, reason)
	if status == StatusRed {
		r.Status = StatusRed
	} else if r.Status == StatusGreen {
		r.Status = StatusYellow
	}
}
