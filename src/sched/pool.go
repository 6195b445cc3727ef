// Package sched provides the bounded-concurrency execution environment for
// CPU-bound verification work.
//
// Network I/O runs on one goroutine per connection and must never block on
// verification directly: connections enqueue work here and resume when the
// result arrives on their own channel. The queue is bounded; when it fills
// up, Submit fails fast so the caller can surface a transient deferral
// instead of piling up unbounded work.
package sched

import (
	"errors"
	"runtime"
	"sync"
)

var (
	// ErrQueueFull is returned when the verification queue is saturated.
	// It is backpressure, not a crash: callers defer the work.
	ErrQueueFull = errors.New("verification queue full")

	// ErrClosed is returned when submitting to a closed pool.
	ErrClosed = errors.New("pool closed")
)

// Pool is a fixed-size worker pool with a bounded job queue.
type Pool struct {
	jobs chan func()

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewPool starts workers goroutines consuming a queue of queueDepth pending
// jobs. workers defaults to the available hardware parallelism, queueDepth
// to twice that.
func NewPool(workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	if queueDepth <= 0 {
		queueDepth = 2 * workers
	}

	p := &Pool{
		jobs:   make(chan func(), queueDepth),
		closed: make(chan struct{}),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return p
}

// Submit enqueues a job for execution. It never blocks: when the queue is
// full it returns ErrQueueFull immediately.
func (p *Pool) Submit(job func()) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs, lets queued jobs finish, and waits for the
// workers to exit.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		close(p.jobs)
	})

	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for job := range p.jobs {
		job()
	}
}
