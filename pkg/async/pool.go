package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/entityaudit/pkg/observability"
)

// ErrPoolClosed is returned by Submit after Close or Shutdown
var ErrPoolClosed = errors.New("worker pool shut down")

// WorkerPool runs submitted tasks on a fixed number of goroutines.
// Every task gets its own timeout; task errors and panics are collected, never dropped.
type WorkerPool struct {
	workers  int
	taskName string
	timeout  time.Duration
	logger   *observability.Logger

	workCh chan func(context.Context) error
	doneCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex // guards closed and sends on workCh
	closed bool

	errMu sync.Mutex
	errs  []error

	closeOnce sync.Once
}

// NewWorkerPool creates and starts a worker pool.
//
//	pool := NewWorkerPool(ctx, 8, "archive upload", 30*time.Second, logger)
//	defer pool.Shutdown(5 * time.Second)
//
//	pool.Submit(func(ctx context.Context) error {
//	    return upload(ctx, entityID)
//	})
func NewWorkerPool(ctx context.Context, workers int, taskName string, timeout time.Duration, logger *observability.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		logger:   logger.WithField("task", taskName),
		workCh:   make(chan func(context.Context) error, workers*2),
		doneCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				pool.worker(id)
			}(i)
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit queues a task, blocking while the queue is full.
// Returns ErrPoolClosed once the pool stops accepting work.
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.workCh <- fn:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("%w: %v", ErrPoolClosed, p.ctx.Err())
	}
}

// Close stops accepting work; queued tasks still run
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.workCh)
		p.mu.Unlock()
	})
}

// Wait closes the pool and blocks until every queued task has finished, returning
// the collected task errors
func (p *WorkerPool) Wait() []error {
	p.Close()
	<-p.doneCh
	p.cancel()
	return p.Errors()
}

// Shutdown closes the pool and waits up to timeout for workers to finish,
// cancelling in-flight tasks if they do not
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.Close()

	select {
	case <-p.doneCh:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return fmt.Errorf("worker pool %s shutdown timed out after %v", p.taskName, timeout)
	}
}

// Errors returns a copy of the task errors collected so far
func (p *WorkerPool) Errors() []error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return append([]error(nil), p.errs...)
}

func (p *WorkerPool) record(err error) {
	p.errMu.Lock()
	p.errs = append(p.errs, err)
	p.errMu.Unlock()
}

func (p *WorkerPool) worker(id int) {
	for fn := range p.workCh {
		p.run(id, fn)
	}
}

func (p *WorkerPool) run(id int, fn func(context.Context) error) {
	ctx := p.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	defer observability.RecoverPanicWithCallback(p.logger.WithField("worker", id), p.taskName, func(r interface{}) {
		p.record(observability.PanicError(r))
	})

	if err := ctx.Err(); err != nil {
		p.record(err)
		return
	}
	if err := fn(ctx); err != nil {
		p.record(err)
	}
}

// Batch processes items concurrently on a worker pool and returns every error.
//
//	errs := Batch(ctx, entityIDs, 8, "archive", 30*time.Second, logger, func(ctx context.Context, id string) error {
//	    return archive(ctx, id)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	logger *observability.Logger, fn func(context.Context, T) error) []error {

	pool := NewWorkerPool(ctx, workers, taskName, timeout, logger)

	for _, item := range items {
		item := item
		if err := pool.Submit(func(ctx context.Context) error {
			return fn(ctx, item)
		}); err != nil {
			return append(pool.Wait(), err)
		}
	}

	return pool.Wait()
}
