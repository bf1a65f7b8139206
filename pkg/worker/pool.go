// Package worker provides a generic bounded worker pool for concurrent job
// processing. Both pipeline workers push queue messages through a pool so
// that concurrency stays configurable and small.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pool processes work items of type T with a fixed number of workers and a
// bounded queue. Submit is non-blocking: when the queue is full the item is
// rejected so the caller can leave the message on the stream instead.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	metrics  *poolMetrics
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted int64
	processed int64
	failed    int64
	rejected  int64
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	rejected       prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetrics registers pool metrics under the given subsystem name.
func WithMetrics[T any](reg prometheus.Registerer, subsystem string) Option[T] {
	return func(p *Pool[T]) {
		m := &poolMetrics{
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "cosmos", Subsystem: subsystem,
				Name: "queue_depth", Help: "Current worker pool queue depth",
			}),
			submitted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cosmos", Subsystem: subsystem,
				Name: "submitted_total", Help: "Total work items submitted",
			}),
			processed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cosmos", Subsystem: subsystem,
				Name: "processed_total", Help: "Total work items processed",
			}),
			failed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cosmos", Subsystem: subsystem,
				Name: "failed_total", Help: "Total work items that failed processing",
			}),
			rejected: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cosmos", Subsystem: subsystem,
				Name: "rejected_total", Help: "Total work items rejected due to a full queue",
			}),
			processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cosmos", Subsystem: subsystem,
				Name: "processing_duration_seconds", Help: "Time spent processing work items",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			}, []string{"status"}),
		}
		reg.MustRegister(m.queueDepth, m.submitted, m.processed, m.failed,
			m.rejected, m.processingTime)
		p.metrics = m
	}
}

// NewPool creates a worker pool. Panics on a nil processor since that is a
// programming error, not a runtime condition.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker goroutines.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolStopped
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Submit offers work to the pool without blocking.
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
		atomic.AddInt64(&p.submitted, 1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		atomic.AddInt64(&p.rejected, 1)
		if p.metrics != nil {
			p.metrics.rejected.Inc()
		}
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for in-flight work to finish, up to the
// timeout. In-flight jobs are never interrupted mid-item.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true
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
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats holds pool counters, read atomically.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Rejected   int64 `json:"rejected"`
}

// Stats returns current pool statistics.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueDepth: len(p.workChan),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Failed:     atomic.LoadInt64(&p.failed),
		Rejected:   atomic.LoadInt64(&p.rejected),
	}
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	// Drain the channel even after ctx cancellation so an accepted item is
	// always processed; the processor observes ctx itself for timeouts.
	for work := range p.workChan {
		start := time.Now()
		err := p.processor(ctx, work)
		duration := time.Since(start)

		atomic.AddInt64(&p.processed, 1)
		status := "success"
		if err != nil {
			atomic.AddInt64(&p.failed, 1)
			status = "error"
		}
		if p.metrics != nil {
			p.metrics.processed.Inc()
			if err != nil {
				p.metrics.failed.Inc()
			}
			p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
	}
}
