// Package lease implements single-writer leader election over a
// singleton database row. At most one daemon instance holds the lease
// at any time, even across rolling deploys.
package lease

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Store performs the conditional writes on the lease row. The
// repositories package provides the GORM implementation.
type Store interface {
	Claim(ctx context.Context, owner string, now, expires time.Time) (bool, error)
	Extend(ctx context.Context, owner string, expires time.Time) (bool, error)
	Clear(ctx context.Context, owner string) error
	Touch(ctx context.Context, owner string, at time.Time) error
	RecordCycle(ctx context.Context, owner string, at time.Time) error
}

// ErrLeaseLost signals a definitive loss of the lease: the expiry
// elapsed and another instance took over. The holding process must stop
// immediately to avoid split-brain writes.
var ErrLeaseLost = errors.New("sync lease lost to another instance")

// Manager owns one process's view of the lease lifecycle
type Manager struct {
	store Store
	owner string
	ttl   time.Duration
	now   func() time.Time
}

// NewManager creates a lease manager for the given owner identity. The
// TTL should be large relative to the renew interval so one missed
// renewal does not lose the lease.
func NewManager(store Store, owner string, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		owner: owner,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Owner returns this process's lease identity
func (m *Manager) Owner() string {
	return m.owner
}

// Acquire attempts to become the sole active daemon. False means
// another instance holds a live lease; the caller is expected to exit
// and let the supervisor restart it rather than loop.
func (m *Manager) Acquire(ctx context.Context) (bool, error) {
	now := m.now()
	claimed, err := m.store.Claim(ctx, m.owner, now, now.Add(m.ttl))
	if err != nil {
		return false, errors.Wrap(err, "lease acquire failed")
	}
	if claimed {
		log.Info().Str("owner", m.owner).Dur("ttl", m.ttl).Msg("Sync lease acquired")
	}
	return claimed, nil
}

// Renew extends the lease while this process still owns it. A nil
// error with false means the lease was definitively lost; an error
// means the renewal itself failed transiently and may be retried.
func (m *Manager) Renew(ctx context.Context) (bool, error) {
	renewed, err := m.store.Extend(ctx, m.owner, m.now().Add(m.ttl))
	if err != nil {
		return false, errors.Wrap(err, "lease renew failed")
	}
	if !renewed {
		log.Warn().Str("owner", m.owner).Msg("Sync lease no longer held")
	}
	return renewed, nil
}

// Release zeroes the expiry on graceful shutdown so a new instance can
// acquire immediately instead of waiting out the TTL.
func (m *Manager) Release(ctx context.Context) {
	if err := m.store.Clear(ctx, m.owner); err != nil {
		log.Error().Err(err).Str("owner", m.owner).Msg("Failed to release sync lease")
		return
	}
	log.Info().Str("owner", m.owner).Msg("Sync lease released")
}

// Heartbeat records liveness for external observability
func (m *Manager) Heartbeat(ctx context.Context) {
	if err := m.store.Touch(ctx, m.owner, m.now()); err != nil {
		log.Warn().Err(err).Msg("Failed to record lease heartbeat")
	}
}

// MarkCycle stamps the completion of a successful sync cycle
func (m *Manager) MarkCycle(ctx context.Context) {
	if err := m.store.RecordCycle(ctx, m.owner, m.now()); err != nil {
		log.Warn().Err(err).Msg("Failed to record cycle completion")
	}
}
