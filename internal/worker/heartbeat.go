package worker

import (
	"context"
	"sync"
	"time"

	"github.com/laurentialabs/registre/internal/sites"
	"github.com/laurentialabs/registre/internal/store"
)

// currentTask tracks what the worker is doing, for heartbeat publication.
type currentTask struct {
	mu   sync.Mutex
	task *sites.Task
}

func (c *currentTask) set(t *sites.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.task = t
}

func (c *currentTask) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.task = nil
}

// snapshot returns the heartbeat view: state plus the held extraction job,
// if any. Sessions and searches carry their own holder column, so only
// extraction jobs are published on the worker row.
func (c *currentTask) snapshot() (store.WorkerState, *int64, *string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task == nil {
		return store.WorkerIdle, nil, nil
	}
	if c.task.Kind() == sites.TaskExtraction {
		id := c.task.Extraction.ID
		env := c.task.Env
		return store.WorkerBusy, &id, &env
	}
	return store.WorkerBusy, nil, nil
}

// registerAll announces this worker in every environment. Failures are
// logged, not fatal: a worker that cannot register still processes, and the
// next heartbeat retries.
func (w *Worker) registerAll(ctx context.Context) {
	now := time.Now()
	ws := &store.WorkerStatus{
		WorkerID:      w.cfg.Identity.ID,
		Hostname:      w.cfg.Identity.Hostname,
		State:         store.WorkerIdle,
		LastHeartbeat: now,
		StartedAt:     now,
	}
	w.forEachEnv(func(name string, st store.Store) {
		if err := st.UpsertWorkerStatus(ctx, ws); err != nil {
			w.logger.Warn("worker registration failed", "env", name, "error", err)
		}
	})
}

// publishCredential records the selected credential on this worker's status
// row in every environment.
func (w *Worker) publishCredential(ctx context.Context, credentialID int64) {
	w.forEachEnv(func(name string, st store.Store) {
		if err := st.SetWorkerCredential(ctx, w.cfg.Identity.ID, credentialID); err != nil {
			w.logger.Warn("credential publication failed", "env", name, "error", err)
		}
	})
}

// heartbeatLoop publishes liveness until its context is cancelled. Runs on a
// context detached from the claim loop so heartbeats continue through the
// shutdown grace period.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	state, jobID, jobEnv := w.current.snapshot()
	w.forEachEnv(func(name string, st store.Store) {
		if err := st.Heartbeat(ctx, w.cfg.Identity.ID, state, jobID, jobEnv); err != nil {
			w.logger.Warn("heartbeat failed", "env", name, "error", err)
		}
	})
}

func (w *Worker) markOfflineAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.forEachEnv(func(name string, st store.Store) {
		if err := st.MarkWorkerOffline(ctx, w.cfg.Identity.ID); err != nil {
			w.logger.Warn("offline mark failed", "env", name, "error", err)
		}
	})
}

func (w *Worker) forEachEnv(fn func(name string, st store.Store)) {
	for _, name := range w.cfg.Envs.List() {
		env := w.cfg.Envs.Get(name)
		if env == nil {
			continue
		}
		fn(name, env.Store)
	}
}
