package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dataset-publisher/internal/config"
	"dataset-publisher/internal/publish"
)

// LeaseQueue is a Queue that can also redeliver tasks whose lease expired.
type LeaseQueue interface {
	Queue
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
}

// Pool runs WORKER_CONCURRENCY processors plus a loop that returns tasks
// abandoned by crashed workers to the ready list.
type Pool struct {
	cfg        config.Config
	queue      LeaseQueue
	processors []*Processor
	logger     *zap.Logger
}

// NewPool builds the processors. Each gets its own worker id derived from
// WORKER_ID (or the host name) so heartbeats are tracked per execution unit.
func NewPool(cfg config.Config, st Store, q LeaseQueue, repos Repositories, backend publish.Backend, logger *zap.Logger) *Pool {
	base := cfg.WorkerID
	if base == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		base = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	pool := &Pool{cfg: cfg, queue: q, logger: logger}
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		id := fmt.Sprintf("%s-%d", base, i)
		pool.processors = append(pool.processors, NewProcessor(cfg, st, q, repos, backend, logger, id))
	}
	return pool
}

// SetNotifier reports settled jobs of every processor to their contact.
func (p *Pool) SetNotifier(n Notifier) {
	for _, proc := range p.processors {
		proc.SetNotifier(n)
	}
}

// Run blocks until ctx is cancelled and every in-flight task has finished.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, proc := range p.processors {
		proc := proc
		g.Go(func() error { return proc.Run(gctx) })
	}
	g.Go(func() error { return p.reclaimLeases(gctx) })
	p.logger.Info("worker pool started", zap.Int("concurrency", len(p.processors)))
	err := g.Wait()
	p.logger.Info("worker pool drained")
	return err
}

func (p *Pool) reclaimLeases(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		ids, err := p.queue.RequeueExpired(ctx, time.Now(), 100)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("requeue expired leases", zap.Error(err))
			continue
		}
		if len(ids) > 0 {
			p.logger.Info("redelivering tasks with expired leases", zap.Strings("job_ids", ids))
		}
	}
}
