// Package workers provides a bounded pool for fire-and-forget background
// work, chiefly the store writes the gateway must not block on (persisting
// messages, sync snapshots and disconnect timestamps).
package workers

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/slowplay/slowplay/internal/monitoring"
)

// Task is a unit of background work.
type Task func()

// Pool runs tasks on a fixed set of worker goroutines.
//
// The task queue is buffered; when it is full new tasks are dropped and
// counted rather than blocking the submitter. A dropped store write is
// recoverable (the write is retried on the next state change or absorbed by
// the sweep), a blocked event handler is not.
type Pool struct {
	workerCount int
	taskQueue   chan Task
	ctx         context.Context
	wg          sync.WaitGroup
	dropped     int64
	logger      zerolog.Logger
}

// NewPool creates a pool. workerCount is typically 2 × GOMAXPROCS; queueSize
// should absorb a burst of concurrent room activity.
func NewPool(workerCount, queueSize int, logger zerolog.Logger) *Pool {
	return &Pool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger.With().Str("component", "workers").Logger(),
	}
}

// Start launches the workers. Must be called once, before Submit.
func (p *Pool) Start(ctx context.Context) {
	p.ctx = ctx
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.runTask(task)
		case <-p.ctx.Done():
			return
		}
	}
}

// runTask executes one task with panic recovery so a failing write cannot
// take a worker down.
func (p *Pool) runTask(task Task) {
	defer monitoring.RecoverPanic(p.logger, "worker", nil)
	task()
}

// Submit enqueues a task, dropping it if the queue is full.
func (p *Pool) Submit(task Task) {
	select {
	case p.taskQueue <- task:
	default:
		n := atomic.AddInt64(&p.dropped, 1)
		p.logger.Warn().Int64("dropped_total", n).Msg("worker queue full, task dropped")
	}
}

// Stop closes the queue and waits for workers to drain it.
func (p *Pool) Stop() {
	close(p.taskQueue)
	p.wg.Wait()
}

// Dropped returns the number of tasks dropped because the queue was full.
func (p *Pool) Dropped() int64 {
	return atomic.LoadInt64(&p.dropped)
}
