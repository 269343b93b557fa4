package ocr

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/laurentialabs/registre/internal/config"
	"github.com/laurentialabs/registre/internal/envreg"
	"github.com/laurentialabs/registre/internal/store"
)

// Processor runs the pipeline for one claimed job. Split out so pool tests
// can substitute a stub.
type Processor interface {
	Process(ctx context.Context, fetcher ArtifactFetcher, job *store.Job) (*Result, error)
}

// Pool runs a fixed set of OCR workers, each specialized to one document
// kind. Specializations are rebalanced periodically against queue depth.
type Pool struct {
	cfg    PoolConfig
	envs   *envreg.Registry
	proc   Processor
	logger *slog.Logger

	workers []*poolWorker
}

// PoolConfig tunes the pool. Zero values fall back to safe defaults.
type PoolConfig struct {
	Size              int
	MinIndexWorkers   int
	MinActeWorkers    int
	RebalanceInterval time.Duration
	PollInterval      time.Duration

	// Capacity guard. A worker only starts while projected usage stays
	// under 80% of the server budget. Zero ServerMaxCPU means the CPU count
	// of this machine; zero RAM figures disable the RAM guard.
	PerWorkerCPU   float64
	PerWorkerRAMMB int
	ServerMaxCPU   float64
	ServerMaxRAMMB int
}

type poolWorker struct {
	id string

	mu   sync.Mutex
	kind store.JobKind
}

func (w *poolWorker) Kind() store.JobKind {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.kind
}

func (w *poolWorker) setKind(k store.JobKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.kind = k
}

// NewPool builds the pool. Worker goroutines start in Start.
func NewPool(cfg PoolConfig, envs *envreg.Registry, proc Processor, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:    cfg,
		envs:   envs,
		proc:   proc,
		logger: logger.With("component", "ocr-pool"),
	}
}

// Start runs the pool until ctx is cancelled. Blocks.
func (p *Pool) Start(ctx context.Context) error {
	n := p.allowedWorkers()
	p.workers = make([]*poolWorker, n)
	for i := range p.workers {
		p.workers[i] = &poolWorker{id: "ocr-" + uuid.NewString()[:8]}
	}
	p.rebalance(ctx)

	p.logger.Info("ocr pool starting", "workers", n)

	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *poolWorker) {
			defer wg.Done()
			p.runWorker(ctx, w)
		}(w)
	}

	interval := p.cfg.RebalanceInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			p.logger.Info("ocr pool stopped")
			return nil
		case <-ticker.C:
			p.rebalance(ctx)
		}
	}
}

// allowedWorkers applies the capacity guard to the configured size.
func (p *Pool) allowedWorkers() int {
	n := p.cfg.Size
	if n <= 0 {
		n = 1
	}

	maxCPU := p.cfg.ServerMaxCPU
	if maxCPU <= 0 {
		maxCPU = float64(runtime.NumCPU())
	}
	if p.cfg.PerWorkerCPU > 0 {
		if byCPU := int(maxCPU * 0.8 / p.cfg.PerWorkerCPU); byCPU < n {
			p.logger.Warn("capacity guard reduced pool size",
				"configured", n, "allowed", byCPU, "reason", "cpu")
			n = byCPU
		}
	}
	if p.cfg.ServerMaxRAMMB > 0 && p.cfg.PerWorkerRAMMB > 0 {
		if byRAM := int(float64(p.cfg.ServerMaxRAMMB) * 0.8 / float64(p.cfg.PerWorkerRAMMB)); byRAM < n {
			p.logger.Warn("capacity guard reduced pool size",
				"configured", n, "allowed", byRAM, "reason", "ram")
			n = byRAM
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

// rebalance reassigns worker specializations against current queue depth.
// In-flight jobs are unaffected; a worker picks up its new kind on the next
// claim.
func (p *Pool) rebalance(ctx context.Context) {
	indexBacklog := p.backlog(ctx, store.KindIndex)
	acteBacklog := p.backlog(ctx, store.KindActe)

	idx, acte := splitWorkers(len(p.workers), indexBacklog, acteBacklog,
		p.cfg.MinIndexWorkers, p.cfg.MinActeWorkers)

	for i, w := range p.workers {
		if i < idx {
			w.setKind(store.KindIndex)
		} else {
			w.setKind(store.KindActe)
		}
	}
	p.logger.Debug("rebalanced",
		"index_workers", idx,
		"acte_workers", acte,
		"index_backlog", indexBacklog,
		"acte_backlog", acteBacklog)
}

func (p *Pool) backlog(ctx context.Context, kind store.JobKind) int {
	total := 0
	for _, name := range p.envs.List() {
		env := p.envs.Get(name)
		if env == nil {
			continue
		}
		n, err := env.Store.CountOCRBacklog(ctx, kind)
		if err != nil {
			p.logger.Warn("backlog count failed", "env", name, "error", err)
			continue
		}
		total += n
	}
	return total
}

// splitWorkers divides total workers between the index and acte
// specializations in proportion to backlog. Both kinds keep at least their
// configured minimum (one by default) whenever the pool is big enough, so a
// flood of one kind can never starve the other.
func splitWorkers(total, indexBacklog, acteBacklog, minIndex, minActe int) (index, acte int) {
	if total <= 0 {
		return 0, 0
	}
	if total == 1 {
		if acteBacklog > indexBacklog {
			return 0, 1
		}
		return 1, 0
	}

	if minIndex < 1 {
		minIndex = 1
	}
	if minActe < 1 {
		minActe = 1
	}
	if minIndex+minActe > total {
		minIndex, minActe = 1, 1
	}

	sum := indexBacklog + acteBacklog
	if sum == 0 {
		index = total / 2
	} else {
		index = (total*indexBacklog + sum/2) / sum
	}
	if index < minIndex {
		index = minIndex
	}
	if index > total-minActe {
		index = total - minActe
	}
	return index, total - index
}

// runWorker is one claim loop. Claims drain back to back; an empty pass
// waits for the next poll tick.
func (p *Pool) runWorker(ctx context.Context, w *poolWorker) {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if p.processOne(ctx, w) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// processOne claims and runs at most one job across environments in priority
// order. Reports whether a job was processed.
func (p *Pool) processOne(ctx context.Context, w *poolWorker) bool {
	for _, name := range p.envs.List() {
		env := p.envs.Get(name)
		if env == nil {
			continue
		}
		job, err := env.Store.ClaimNextOCRJob(ctx, w.id, w.Kind())
		if err != nil {
			p.logger.Warn("ocr claim failed", "env", name, "error", err)
			continue
		}
		if job == nil {
			continue
		}
		p.handle(ctx, env, job, w)
		return true
	}
	return false
}

func (p *Pool) handle(ctx context.Context, env *envreg.Environment, job *store.Job, w *poolWorker) {
	log := p.logger.With("env", env.Name, "job_id", job.ID, "worker_id", w.id)
	log.Info("ocr job claimed", "kind", job.Kind)

	res, err := p.proc.Process(ctx, env.Storage, job)
	if err != nil {
		log.Error("ocr job failed", "error", err)
		if ferr := env.Store.FailOCR(ctx, job.ID, w.id, err.Error()); ferr != nil {
			log.Error("failed to record ocr failure", "error", ferr)
		}
		return
	}

	if err := env.Store.CompleteOCR(ctx, job.ID, w.id, res.RawContent, res.StructuredContent); err != nil {
		log.Error("failed to record ocr completion", "error", err)
		return
	}
	log.Info("ocr job complete", "pages_failed", res.PagesFailed)
}

// PoolConfigFrom maps the loaded configuration onto the pool.
func PoolConfigFrom(cfg config.OCRConfig) PoolConfig {
	return PoolConfig{
		Size:              cfg.PoolSize,
		MinIndexWorkers:   cfg.MinIndexWorkers,
		MinActeWorkers:    cfg.MinActeWorkers,
		RebalanceInterval: cfg.RebalanceInterval,
		PollInterval:      cfg.PollInterval,
		PerWorkerCPU:      cfg.PerWorkerCPU,
		PerWorkerRAMMB:    cfg.PerWorkerRAMMB,
		ServerMaxCPU:      cfg.ServerMaxCPU,
		ServerMaxRAMMB:    cfg.ServerMaxRAMMB,
	}
}
