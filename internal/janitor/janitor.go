// Package janitor schedules the periodic maintenance sweeps: TTL expiry,
// active-record expiry, counter reconciliation, stale-counter cleanup, and
// orphan-claim removal. Every task is idempotent and safe to run
// concurrently across replicas — each sweep's transactions are
// independently serialized by the store. The TTL and active-expiry sweeps
// are bounded per tick by SweepMaxBatches; reconciliation, stale-counter
// cleanup, and the orphan-claim sweep page through their whole subspace on
// every run.
package janitor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/emberworks/cinder/internal/active"
	"github.com/emberworks/cinder/internal/counter"
	"github.com/emberworks/cinder/internal/debug"
	"github.com/emberworks/cinder/internal/queue"
)

// Config carries the per-task intervals and bounds.
type Config struct {
	TTLSweepInterval     time.Duration
	ActiveSweepInterval  time.Duration
	ReconcileInterval    time.Duration
	StaleCounterInterval time.Duration
	OrphanClaimInterval  time.Duration
	OrphanClaimAge       time.Duration
	SweepBatchSize       int
	SweepMaxBatches      int
	ReconcilePageSize    int
}

// DefaultConfig returns the default schedule.
func DefaultConfig() Config {
	return Config{
		TTLSweepInterval:     15 * time.Second,
		ActiveSweepInterval:  30 * time.Second,
		ReconcileInterval:    5 * time.Minute,
		StaleCounterInterval: 10 * time.Minute,
		OrphanClaimInterval:  time.Minute,
		OrphanClaimAge:       5 * time.Minute,
		SweepBatchSize:       100,
		SweepMaxBatches:      10,
		ReconcilePageSize:    100,
	}
}

// Janitor owns the sweeps. The one-shot methods are also reachable over RPC
// so operators can force a pass.
type Janitor struct {
	queue    *queue.Queue
	active   *active.Tracker
	counters *counter.Service
	cfg      Config
}

// New returns a janitor over the engine components.
func New(q *queue.Queue, a *active.Tracker, c *counter.Service, cfg Config) *Janitor {
	if cfg.SweepBatchSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Janitor{queue: q, active: a, counters: c, cfg: cfg}
}

// SweepExpiredJobs removes TTL-expired queue entries with their indexes and
// counters.
func (j *Janitor) SweepExpiredJobs() (int, error) {
	return j.queue.SweepExpired(time.Now().UnixMilli(), j.cfg.SweepBatchSize, j.cfg.SweepMaxBatches)
}

// SweepExpiredActive removes expired active records from both scopes.
func (j *Janitor) SweepExpiredActive() (int, error) {
	now := time.Now().UnixMilli()
	total := 0
	for _, scope := range []active.Scope{active.ScopeTeam, active.ScopeCrawl} {
		n, err := j.active.SweepExpired(scope, now, j.cfg.SweepBatchSize, j.cfg.SweepMaxBatches)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SweepOrphanClaims removes claim records whose queue entry is gone or whose
// age exceeds the configured threshold.
func (j *Janitor) SweepOrphanClaims() (int, error) {
	return j.queue.SweepOrphanClaims(j.cfg.OrphanClaimAge, j.cfg.SweepBatchSize)
}

// ReconcileAll pages through every counter cell and reconciles each against
// its ground-truth range. Returns how many cells needed correction.
func (j *Janitor) ReconcileAll() (int, error) {
	corrected := 0
	var cursor []byte
	for {
		entries, next, err := j.counters.Page(cursor, j.cfg.ReconcilePageSize)
		if err != nil {
			return corrected, err
		}
		for _, e := range entries {
			delta, err := j.counters.Reconcile(e.Kind, e.ID)
			if err != nil {
				return corrected, err
			}
			if delta != 0 {
				debug.Logf("janitor: counter %s/%s corrected by %d\n", e.Kind, e.ID, delta)
				corrected++
			}
		}
		if next == nil {
			return corrected, nil
		}
		cursor = next
	}
}

// SweepStaleCounters deletes counter cells whose backing range is empty.
func (j *Janitor) SweepStaleCounters() (int, error) {
	return j.counters.SweepStale(j.cfg.ReconcilePageSize)
}

// Run ticks every task on its own schedule until ctx is cancelled. Tick
// intervals are env-overridable (CINDER_JANITOR_*_INTERVAL) for operational
// tuning without a config rollout.
func (j *Janitor) Run(ctx context.Context) {
	type task struct {
		name     string
		interval time.Duration
		envVar   string
		run      func() (int, error)
	}
	tasks := []task{
		{"ttl-sweep", j.cfg.TTLSweepInterval, "CINDER_JANITOR_TTL_INTERVAL", j.SweepExpiredJobs},
		{"active-sweep", j.cfg.ActiveSweepInterval, "CINDER_JANITOR_ACTIVE_INTERVAL", j.SweepExpiredActive},
		{"reconcile", j.cfg.ReconcileInterval, "CINDER_JANITOR_RECONCILE_INTERVAL", j.ReconcileAll},
		{"stale-counters", j.cfg.StaleCounterInterval, "CINDER_JANITOR_STALE_INTERVAL", j.SweepStaleCounters},
		{"orphan-claims", j.cfg.OrphanClaimInterval, "CINDER_JANITOR_ORPHAN_INTERVAL", j.SweepOrphanClaims},
	}

	for _, t := range tasks {
		interval := t.interval
		if env := os.Getenv(t.envVar); env != "" {
			if d, err := time.ParseDuration(env); err == nil && d > 0 {
				interval = d
			}
		}
		go func(t task, interval time.Duration) {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					n, err := t.run()
					if err != nil {
						fmt.Fprintf(os.Stderr, "janitor: %s: %v\n", t.name, err)
						continue
					}
					if n > 0 {
						fmt.Fprintf(os.Stderr, "janitor: %s removed/corrected %d\n", t.name, n)
					}
				}
			}
		}(t, interval)
	}
}
