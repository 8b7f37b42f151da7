// Package workerpool runs submitted tasks on a bounded set of goroutines
// behind a bounded queue.
package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrQueueFull is returned when a task could not be queued within the submit timeout
	ErrQueueFull = errors.New("worker pool queue is full")
	// ErrPoolClosed is returned by Submit after Shutdown
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Task is a unit of work. The context is the pool's run context, not the
// submitter's.
type Task func(ctx context.Context)

// Config holds pool settings
type Config struct {
	CoreWorkers   int
	MaxWorkers    int
	QueueCapacity int
	SubmitTimeout time.Duration
	IdleTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.CoreWorkers <= 0 {
		c.CoreWorkers = 2
	}
	if c.MaxWorkers < c.CoreWorkers {
		c.MaxWorkers = c.CoreWorkers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 50
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// Pool keeps CoreWorkers goroutines alive and adds up to MaxWorkers-CoreWorkers
// more while the queue is saturated. Extra workers exit after IdleTimeout
// without work.
type Pool struct {
	cfg    Config
	tasks  chan Task
	extra  *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts the core workers
func New(cfg Config) *Pool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		cfg:    cfg,
		tasks:  make(chan Task, cfg.QueueCapacity),
		extra:  semaphore.NewWeighted(int64(cfg.MaxWorkers - cfg.CoreWorkers)),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < cfg.CoreWorkers; i++ {
		p.wg.Add(1)
		go p.coreWorker()
	}

	return p
}

// Submit queues task. If the queue is full it grows the pool up to
// MaxWorkers and then waits up to SubmitTimeout for space; it never drops a
// task silently.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		return nil
	default:
	}

	p.tryGrow()

	timer := time.NewTimer(p.cfg.SubmitTimeout)
	defer timer.Stop()

	select {
	case p.tasks <- task:
		return nil
	case <-timer.C:
		return ErrQueueFull
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "submit cancelled")
	}
}

// QueueLength returns the number of tasks waiting for a worker
func (p *Pool) QueueLength() int {
	return len(p.tasks)
}

// tryGrow starts an extra worker if a slot is free. Must be called with mu held.
func (p *Pool) tryGrow() {
	if !p.extra.TryAcquire(1) {
		return
	}
	p.wg.Add(1)
	go p.extraWorker()
}

func (p *Pool) coreWorker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) extraWorker() {
	defer p.wg.Done()
	defer p.extra.Release(1)

	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.run(task)
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(p.cfg.IdleTimeout)
		case <-idle.C:
			return
		}
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Worker task panicked")
		}
	}()
	task(p.ctx)
}

// Shutdown stops accepting tasks and waits for queued and running tasks to
// finish. If ctx ends first the task context is cancelled and the error
// returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return errors.Wrap(ctx.Err(), "worker pool shutdown")
	}
}
