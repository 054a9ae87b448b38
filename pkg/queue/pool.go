package queue

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/recapd/recapd/pkg/metrics"
	"github.com/recapd/recapd/pkg/services"
)

// Summary aggregates the outcomes of a bounded run loop.
type Summary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	Lost      int `json:"lost"`
}

func (s *Summary) add(outcome Outcome) {
	s.Processed++
	switch outcome {
	case OutcomeSucceeded:
		s.Succeeded++
	case OutcomeFailed:
		s.Failed++
	case OutcomeRetried:
		s.Retried++
	case OutcomeLost:
		s.Lost++
	}
}

// RunLoop processes tasks until the queue is idle or maxTasks is reached
// (maxTasks <= 0 is unbounded). Between tasks it sleeps the poll interval
// with jitter.
func (w *Worker) RunLoop(ctx context.Context, maxTasks int) (*Summary, error) {
	summary := &Summary{}
	for {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		outcome, err := w.RunOnce(ctx)
		if err != nil {
			return summary, err
		}
		if outcome == OutcomeIdle {
			return summary, nil
		}
		summary.add(outcome)
		metrics.TasksProcessed.WithLabelValues(string(outcome)).Inc()

		if maxTasks > 0 && summary.Processed >= maxTasks {
			return summary, nil
		}
		if maxTasks <= 0 {
			sleepWithJitter(ctx, w.cfg.PollInterval)
		}
	}
}

// PoolConfig controls the long-running worker pool.
type PoolConfig struct {
	Workers       int
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

func (c *PoolConfig) withDefaults() PoolConfig {
	out := *c
	if out.Workers <= 0 {
		out.Workers = 2
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = 10 * time.Minute
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = time.Minute
	}
	return out
}

// Pool runs a fixed set of workers continuously plus a stale-task sweep. On
// start it requeues tasks orphaned by a previous incarnation of this worker
// id prefix.
type Pool struct {
	cfg     PoolConfig
	tasks   *services.TaskService
	workers []*Worker
	logger  *slog.Logger
}

// NewPool creates a Pool; newWorker is called once per slot.
func NewPool(cfg PoolConfig, tasks *services.TaskService, newWorker func() *Worker) *Pool {
	c := cfg.withDefaults()
	workers := make([]*Worker, c.Workers)
	for i := range workers {
		workers[i] = newWorker()
	}
	return &Pool{
		cfg:     c,
		tasks:   tasks,
		workers: workers,
		logger:  slog.With("component", "worker_pool"),
	}
}

// Run blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.workers) > 0 {
		prefix := p.workers[0].cfg.WorkerIDPrefix
		requeued, err := p.tasks.RequeueWorkerOrphans(ctx, prefix)
		if err != nil {
			return err
		}
		if requeued > 0 {
			p.logger.Warn("Requeued orphaned tasks from previous incarnation", "count", requeued)
		}
	}

	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			p.workerLoop(ctx, w)
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.sweepLoop(ctx)
	}()

	p.logger.Info("Worker pool started", "workers", len(p.workers))
	wg.Wait()
	p.logger.Info("Worker pool stopped")
	return nil
}

// workerLoop polls continuously: idle cycles sleep the poll interval with
// jitter instead of terminating.
func (p *Pool) workerLoop(ctx context.Context, w *Worker) {
	for ctx.Err() == nil {
		outcome, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("Worker cycle failed", "error", err)
			sleepWithJitter(ctx, w.cfg.PollInterval)
			continue
		}
		if outcome == OutcomeIdle {
			sleepWithJitter(ctx, w.cfg.PollInterval)
			continue
		}
		metrics.TasksProcessed.WithLabelValues(string(outcome)).Inc()
	}
}

func (p *Pool) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, err := p.tasks.RecoverStaleRunningTasks(ctx, p.cfg.StaleAfter)
			if err != nil {
				p.logger.Error("Stale sweep failed", "error", err)
				continue
			}
			if recovered > 0 {
				p.logger.Warn("Stale sweep requeued tasks", "count", recovered)
			}
			p.refreshDepthGauge(ctx)
		}
	}
}

func (p *Pool) refreshDepthGauge(ctx context.Context) {
	counts, err := p.tasks.CountTasksByStatus(ctx)
	if err != nil {
		return
	}
	for status, count := range counts {
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(count))
	}
}

// sleepWithJitter sleeps base plus up to 25% jitter, or until ctx is done.
func sleepWithJitter(ctx context.Context, base time.Duration) {
	if base <= 0 {
		return
	}
	jitter := time.Duration(rand.Int63n(int64(base)/4 + 1))
	timer := time.NewTimer(base + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
