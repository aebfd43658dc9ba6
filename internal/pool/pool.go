package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"MarginClear/internal/observability"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkers   = 50
	DefaultQueueSize = 1000

	channelName = "worker_pool"
)

var ErrPoolClosed = errors.New("worker pool closed")

// Task is one unit of work. Tasks own their context and error reporting.
type Task func()

// Pool is a fixed set of workers draining a bounded queue. Submit blocks
// while the queue is full. It is an explicitly owned resource: whoever
// creates it must Close it.
type Pool struct {
	queue   chan Task
	workers int
	eg      errgroup.Group

	mu     sync.RWMutex
	closed bool

	metrics *observability.Metrics
	log     zerolog.Logger
}

type Option func(*Pool)

func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

func WithLogger(log zerolog.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// New starts workers goroutines over a queue of queueSize slots.
// Non-positive sizes fall back to the defaults.
func New(workers, queueSize int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	p := &Pool{
		queue:   make(chan Task, queueSize),
		workers: workers,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := 0; i < workers; i++ {
		p.eg.Go(p.work)
	}
	p.log.Info().Int("workers", workers).Int("queue_size", queueSize).Msg("worker pool started")
	return p
}

func (p *Pool) work() error {
	for task := range p.queue {
		p.run(task)
		p.observeQueue()
	}
	return nil
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("panic", fmt.Sprint(r)).Msg("task panicked")
			if p.metrics != nil {
				p.metrics.PoolTasks.WithLabelValues("panic").Inc()
			}
		}
	}()
	task()
	if p.metrics != nil {
		p.metrics.PoolTasks.WithLabelValues("ok").Inc()
	}
}

// Submit enqueues task, waiting for a free slot until ctx is done.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- task:
		p.observeQueue()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks, runs everything already queued and waits for
// the workers to exit. It is safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	_ = p.eg.Wait()
	p.log.Info().Msg("worker pool stopped")
}

func (p *Pool) Workers() int { return p.workers }

// QueueDepth is the number of tasks waiting for a worker.
func (p *Pool) QueueDepth() int { return len(p.queue) }

func (p *Pool) QueueCapacity() int { return cap(p.queue) }

func (p *Pool) observeQueue() {
	if p.metrics != nil {
		p.metrics.SetChannelMetrics(channelName, len(p.queue), cap(p.queue))
	}
}
