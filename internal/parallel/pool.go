// Package parallel provides a small fixed-size worker pool used to
// fan out independent, side-effect-free work across goroutines.
//
// Grounded on _examples/gitrdm-gokando/internal/parallel/pool.go's
// StaticWorkerPool: a bounded task channel, a fixed set of worker
// goroutines, and a panic-recovering task wrapper. The teacher's
// dynamic scaling, work-stealing scheduler, stream merger, rate
// limiter, and deadlock detector are not adapted here — particle
// Gibbs (pkg/infer/particle_gibbs.go) submits a small, known-in-advance
// batch of independent candidate-value draws per step, so there is
// nothing to scale in response to and no risk of the long-running
// stalls those facilities exist to catch.
package parallel

import (
	"context"
	"fmt"
	"runtime"
	"sync"
)

// WorkerPool runs submitted tasks across a fixed number of goroutines.
type WorkerPool struct {
	taskChan     chan func()
	workerWg     sync.WaitGroup
	shutdownChan chan struct{}
	once         sync.Once

	mu       sync.Mutex
	failures []error
}

// NewWorkerPool creates a worker pool with the given number of
// goroutines. A non-positive count defaults to the number of CPU
// cores, matching the teacher's pool sizing default.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp := &WorkerPool{
		taskChan:     make(chan func(), workers*2),
		shutdownChan: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		wp.workerWg.Add(1)
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.workerWg.Done()
	for task := range wp.taskChan {
		wp.run(task)
	}
}

func (wp *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			wp.mu.Lock()
			wp.failures = append(wp.failures, fmt.Errorf("parallel: task panicked: %v", r))
			wp.mu.Unlock()
		}
	}()
	task()
}

// Submit enqueues a task for execution, blocking if every worker is
// busy and the queue is full. It returns ctx.Err() if ctx is cancelled
// first, or ErrPoolShutdown if the pool has already been shut down.
func (wp *WorkerPool) Submit(ctx context.Context, task func()) error {
	select {
	case <-wp.shutdownChan:
		return ErrPoolShutdown
	default:
	}
	select {
	case wp.taskChan <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-wp.shutdownChan:
		return ErrPoolShutdown
	}
}

// Shutdown waits for queued and in-flight tasks to finish, then stops
// every worker goroutine. Safe to call more than once.
func (wp *WorkerPool) Shutdown() {
	wp.once.Do(func() {
		close(wp.shutdownChan)
		close(wp.taskChan)
		wp.workerWg.Wait()
	})
}

// Failures returns every panic a submitted task raised, in completion
// order. Intended for callers that want to surface worker panics as a
// single aggregate error after Shutdown.
func (wp *WorkerPool) Failures() []error {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return append([]error(nil), wp.failures...)
}

// ErrPoolShutdown is returned by Submit once the pool has been shut down.
var ErrPoolShutdown = fmt.Errorf("parallel: worker pool has been shut down")
