// Package worker provides a bounded pool for detached side-effect tasks.
// Collaborator calls (CRM bridge, bot engine) and other fire-and-forget
// work run here so their failures never propagate into a tenant's
// ingestion loop.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pool processes work items of type T on a fixed set of goroutines.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	wg       *sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	// Statistics (atomic)
	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	metrics *poolMetrics
}

type poolMetrics struct {
	submitted prometheus.Counter
	processed prometheus.Counter
	failed    prometheus.Counter
	dropped   prometheus.Counter
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetrics registers pool counters under the given prefix.
func WithMetrics[T any](reg prometheus.Registerer, prefix string) Option[T] {
	return func(p *Pool[T]) {
		if reg == nil || prefix == "" {
			return
		}
		m := &poolMetrics{
			submitted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_submitted_total",
				Help: "Total work items submitted",
			}),
			processed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_processed_total",
				Help: "Total work items processed",
			}),
			failed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_failed_total",
				Help: "Total work items that failed processing",
			}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_dropped_total",
				Help: "Total work items dropped due to full queue",
			}),
		}
		reg.MustRegister(m.submitted, m.processed, m.failed, m.dropped)
		p.metrics = m
	}
}

// NewPool creates a pool. The processor's error is recorded in statistics
// and metrics; it is never returned to the submitter.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}

	for _, opt := range opts {
		opt(pool)
	}

	return pool
}

// Start launches the workers.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.wg = &sync.WaitGroup{}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Submit enqueues work without blocking. Returns ErrQueueFull when the
// queue is saturated; the caller decides whether a drop matters.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Stop drains the queue and waits for workers up to timeout.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}

	close(p.workChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.stopped = true
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}

			err := p.processor(ctx, work)
			p.processed.Add(1)
			if err != nil {
				p.failed.Add(1)
			}

			if p.metrics != nil {
				p.metrics.processed.Inc()
				if err != nil {
					p.metrics.failed.Inc()
				}
			}
		}
	}
}
