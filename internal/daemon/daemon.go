// Package daemon runs the long-lived worker loop: acquire the sync
// lease, run cycles on the poll interval, heartbeat for observability
// and release cleanly on shutdown.
package daemon

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/cardvault/services/sync/config"
	"example.com/cardvault/services/sync/internal/engine"
	"example.com/cardvault/services/sync/internal/lease"
	"example.com/cardvault/services/sync/internal/metrics"
)

// ErrLeaseUnavailable is returned when another instance already holds a
// live lease. The process should exit and let the supervisor restart it
// later instead of spinning.
var ErrLeaseUnavailable = errors.New("sync lease held by another instance")

// CycleRunner runs one sync cycle
type CycleRunner interface {
	RunCycle(ctx context.Context) (engine.CycleSummary, error)
}

// LeaseHolder is the lease lifecycle surface the loop drives
type LeaseHolder interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context)
	Heartbeat(ctx context.Context)
	Owner() string
}

// Daemon owns the worker loop
type Daemon struct {
	engine  CycleRunner
	lease   LeaseHolder
	metrics *metrics.Metrics
	cfg     config.DaemonConfig
}

// New creates a daemon loop
func New(cycleRunner CycleRunner, leaseHolder LeaseHolder, metricsCollector *metrics.Metrics, cfg config.DaemonConfig) *Daemon {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 60 * time.Second
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	return &Daemon{
		engine:  cycleRunner,
		lease:   leaseHolder,
		metrics: metricsCollector,
		cfg:     cfg,
	}
}

// Run blocks until ctx is cancelled or the lease is lost. On lease loss
// it returns lease.ErrLeaseLost without releasing; the row already
// belongs to someone else and touching it would stomp the new owner.
func (d *Daemon) Run(ctx context.Context) error {
	acquired, err := d.lease.Acquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		log.Info().Str("owner", d.lease.Owner()).Msg("Another instance holds the sync lease, exiting")
		return ErrLeaseUnavailable
	}
	d.metrics.SetHealth("lease", true)

	log.Info().
		Dur("poll_interval", d.cfg.PollInterval).
		Dur("heartbeat_interval", d.cfg.HeartbeatInterval).
		Msg("Sync daemon started")

	pollTicker := time.NewTicker(d.cfg.PollInterval)
	defer pollTicker.Stop()
	heartbeatTicker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	// First cycle runs immediately; a restarted daemon should not sit
	// idle for a full poll interval with work queued.
	if err := d.cycle(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case <-heartbeatTicker.C:
			d.lease.Heartbeat(ctx)
		case <-pollTicker.C:
			if err := d.cycle(); err != nil {
				return err
			}
		}
	}
}

// cycle runs one engine cycle. Only lease loss is fatal; transient
// cycle errors are logged and the next tick tries again.
//
// The cycle runs under its own context, detached from the signal
// context, so a SIGTERM mid-cycle lets in-flight storefront calls and
// status writes finish. The lease TTL bounds the detached context:
// work running past it has lost write exclusivity anyway and the next
// lease renewal inside the engine stops it.
func (d *Daemon) cycle() error {
	cycleCtx, cancel := context.WithTimeout(context.Background(), d.cfg.LeaseTTL)
	defer cancel()

	_, err := d.engine.RunCycle(cycleCtx)
	if err == nil {
		return nil
	}
	if errors.Is(errors.Cause(err), lease.ErrLeaseLost) {
		d.metrics.SetHealth("lease", false)
		log.Error().Msg("Sync lease lost, terminating immediately")
		return lease.ErrLeaseLost
	}
	d.metrics.IncrementCounter("cycle_errors")
	log.Error().Err(err).Msg("Sync cycle failed, will retry on next poll")
	return nil
}

// shutdown releases the lease under a detached grace context so a
// replacement instance can acquire immediately.
func (d *Daemon) shutdown() {
	log.Info().Msg("Sync daemon shutting down")
	releaseCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGrace)
	defer cancel()
	d.lease.Release(releaseCtx)
	d.metrics.SetHealth("lease", false)
}
