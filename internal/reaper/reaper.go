// Package reaper recovers work held by dead workers. A worker that stops
// heartbeating past the threshold is presumed dead: its held job is released
// back to the queue and its status row flipped offline. Rows are never
// deleted; the history of a crashed worker is worth keeping.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/laurentialabs/registre/internal/envreg"
	"github.com/laurentialabs/registre/internal/store"
)

// Config assembles a reaper.
type Config struct {
	Logger *slog.Logger
	Envs   *envreg.Registry

	// Interval between scans (default 60s).
	Interval time.Duration
	// DeadThreshold is how stale a heartbeat must be before a worker is
	// presumed dead (default 3 minutes).
	DeadThreshold time.Duration
}

// Reaper is the dead-worker monitor. Run one per deployment; concurrent
// reapers are safe (releases are conditional) but pointless.
type Reaper struct {
	cfg    Config
	logger *slog.Logger
}

// New builds a reaper.
func New(cfg Config) *Reaper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.DeadThreshold <= 0 {
		cfg.DeadThreshold = 3 * time.Minute
	}
	return &Reaper{
		cfg:    cfg,
		logger: logger.With("component", "reaper"),
	}
}

// Start scans on the configured interval until ctx is cancelled. Blocks.
func (r *Reaper) Start(ctx context.Context) error {
	r.logger.Info("reaper started",
		"interval", r.cfg.Interval,
		"dead_threshold", r.cfg.DeadThreshold)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return nil
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs one scan across every environment.
func (r *Reaper) RunOnce(ctx context.Context) {
	for _, name := range r.cfg.Envs.List() {
		env := r.cfg.Envs.Get(name)
		if env == nil {
			continue
		}
		stale, err := env.Store.ListStaleWorkers(ctx, r.cfg.DeadThreshold)
		if err != nil {
			r.logger.Warn("stale worker scan failed", "env", name, "error", err)
			continue
		}
		for i := range stale {
			r.reap(ctx, env, &stale[i])
		}
	}
}

// reap releases one dead worker's held job and marks its row offline. The
// job may live in a different environment than the status row; the status
// row records which.
func (r *Reaper) reap(ctx context.Context, statusEnv *envreg.Environment, ws *store.WorkerStatus) {
	log := r.logger.With("env", statusEnv.Name, "worker_id", ws.WorkerID,
		"last_heartbeat", ws.LastHeartbeat)
	log.Warn("dead worker detected")

	if ws.CurrentJobID != nil {
		jobEnv := statusEnv
		if ws.CurrentJobEnv != nil {
			if e := r.cfg.Envs.Get(*ws.CurrentJobEnv); e != nil {
				jobEnv = e
			}
		}
		marker := fmt.Sprintf("released by reaper: worker %s heartbeat stale", ws.WorkerID)
		err := jobEnv.Store.ReleaseJob(ctx, *ws.CurrentJobID, ws.WorkerID, marker)
		switch {
		case err == nil:
			log.Info("job released", "job_env", jobEnv.Name, "job_id", *ws.CurrentJobID)
		case errors.Is(err, store.ErrNotHolder):
			// Settled by the worker before it died, or deliberately
			// abandoned on shutdown. Either way, not ours to touch.
			log.Info("job already settled", "job_id", *ws.CurrentJobID)
		default:
			log.Error("job release failed", "job_id", *ws.CurrentJobID, "error", err)
		}
	}

	if err := statusEnv.Store.MarkWorkerOffline(ctx, ws.WorkerID); err != nil {
		log.Error("offline mark failed", "error", err)
	}
}
