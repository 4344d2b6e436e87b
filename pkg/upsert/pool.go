package upsert

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zoff-tech/bookfinder/pkg/catalog"
	"github.com/zoff-tech/bookfinder/pkg/metrics"
)

// Upserter is what the pool runs for every submitted candidate.
type Upserter interface {
	Upsert(ctx context.Context, agg Aggregate) (Result, error)
}

type job struct {
	ctx context.Context
	agg Aggregate
}

// Pool runs upserts on a fixed number of goroutines so request handlers never
// block on relational I/O. Submit never waits: a full queue drops the candidate.
type Pool struct {
	upserter Upserter
	jobs     chan job
	workers  int
	timeout  time.Duration
	logger   *slog.Logger

	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

type PoolOptions struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Logger    *slog.Logger
}

func NewPool(u Upserter, opts PoolOptions) *Pool {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	queue := opts.QueueSize
	if queue <= 0 {
		queue = workers * 2
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		upserter: u,
		jobs:     make(chan job, queue),
		workers:  workers,
		timeout:  timeout,
		logger:   logger,
	}
}

// Start launches the workers. They drain the queue until Close, or stop
// early when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j, ok := <-p.jobs:
					if !ok {
						return
					}
					metrics.UpsertQueueDepth.Set(float64(len(p.jobs)))
					p.run(j)
				}
			}
		}()
	}
}

func (p *Pool) run(j job) {
	ctx, cancel := context.WithTimeout(j.ctx, p.timeout)
	defer cancel()
	if _, err := p.upserter.Upsert(ctx, j.agg); err != nil {
		// The resolver has already logged and counted the outcome.
		if errors.Is(err, ErrNotPersisted) {
			p.logger.Debug("candidate left for a later search", "source", j.agg.Source, "external_id", j.agg.ExternalID)
		}
	}
}

// Submit queues c for persistence. It reports false when the pool is closed
// or the queue is full.
func (p *Pool) Submit(ctx context.Context, c catalog.Candidate) bool {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job{ctx: context.WithoutCancel(ctx), agg: FromCandidate(c)}:
		metrics.UpsertQueueDepth.Set(float64(len(p.jobs)))
		return true
	default:
		metrics.UpsertQueueDropped.Inc()
		p.logger.Warn("upsert queue full, dropping candidate", "source", c.Source, "external_id", c.ExternalID)
		return false
	}
}

// Close stops accepting candidates and waits for queued ones to finish.
func (p *Pool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.closeMu.Unlock()
	p.wg.Wait()
}
