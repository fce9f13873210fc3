// Package pool provides a fixed-size worker pool for chain executions.
// Each queued task runs on exactly one worker; excess tasks queue up to
// the configured bound instead of spawning unbounded work.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrQueueFull  = errors.New("pool queue is full")
)

// Task represents a unit of work.
type Task func(ctx context.Context)

// Config configures the pool.
type Config struct {
	Workers   int `json:"workers" yaml:"workers"`
	QueueSize int `json:"queue_size" yaml:"queue_size"`
	// PanicHandler 工作协程 panic 时回调；panic 永不逃逸到调度方
	PanicHandler func(any) `json:"-" yaml:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:   8,
		QueueSize: 64,
	}
}

// Stats is a point-in-time pool snapshot.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int32 `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
}

type taskWrapper struct {
	task Task
	ctx  context.Context
}

// WorkerPool runs tasks on a fixed set of workers.
type WorkerPool struct {
	config Config
	queue  chan taskWrapper
	wg     sync.WaitGroup
	// mu orders Submit's send against Close's close(queue); without it a
	// Submit racing Close could send on a closed channel and panic.
	mu     sync.RWMutex
	closed atomic.Bool

	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
}

// New creates and starts the pool.
func New(config Config) *WorkerPool {
	if config.Workers <= 0 {
		config.Workers = 8
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	p := &WorkerPool{
		config: config,
		queue:  make(chan taskWrapper, config.QueueSize),
	}
	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues a task. Returns ErrQueueFull when the queue bound is
// reached (backpressure) and ErrPoolClosed after Close.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.queue <- taskWrapper{task: task, ctx: ctx}:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for wrapper := range p.queue {
		p.active.Add(1)
		p.run(wrapper)
		p.active.Add(-1)
		p.completed.Add(1)
	}
}

func (p *WorkerPool) run(wrapper taskWrapper) {
	defer func() {
		if r := recover(); r != nil && p.config.PanicHandler != nil {
			p.config.PanicHandler(r)
		}
	}()
	wrapper.task(wrapper.ctx)
}

// Stats returns a snapshot of pool counters.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:   p.config.Workers,
		Active:    p.active.Load(),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Close stops intake and waits for in-flight tasks to finish.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed.Swap(true) {
		p.mu.Unlock()
		return
	}
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}
