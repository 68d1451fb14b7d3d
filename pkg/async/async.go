package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/atriumhq/atrium/pkg/observability"
)

// SafeGo executes fn in a goroutine with panic recovery and a timeout.
// Errors and panics are logged through the logger carried on ctx; the task
// is fire-and-forget from the caller's point of view.
//
//	async.SafeGo(r.Context(), 10*time.Second, "webhook delivery", func(ctx context.Context) error {
//	    return deliver(ctx, payload)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	logger := observability.FromContext(parentCtx).WithField("task", taskName)

	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"panic": fmt.Sprintf("%v", r),
					"stack": string(debug.Stack()),
				}).Error("background task panicked")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).Warn("background task failed")
		}
	}()
}

// ErrPoolClosed is returned by Submit after Shutdown has begun.
var ErrPoolClosed = fmt.Errorf("worker pool closed")

// WorkerPool runs a fixed number of workers draining a task channel.
// Task errors and recovered panics are surfaced on Errors(); the channel is
// buffered and overflow is logged and dropped rather than blocking workers.
type WorkerPool struct {
	workers  int
	taskName string
	timeout  time.Duration
	logger   *observability.Logger

	taskCh chan func(context.Context) error
	doneCh chan struct{}
	errCh  chan error

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewWorkerPool starts workers goroutines. timeout bounds each task.
// logger may be nil.
func NewWorkerPool(ctx context.Context, workers int, taskName string, timeout time.Duration, logger *observability.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(ctx)
	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		logger:   logger.WithField("pool", taskName),
		taskCh:   make(chan func(context.Context) error, workers*2),
		doneCh:   make(chan struct{}),
		errCh:    make(chan error, workers*10),
		ctx:      ctx,
		cancel:   cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pool.run()
			}()
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit hands a task to the pool, blocking while the buffer is full.
// Returns ErrPoolClosed once shutdown has started.
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	select {
	case <-p.doneCh:
		return ErrPoolClosed
	default:
	}

	// Shutdown can close taskCh between the check above and the send.
	defer func() { _ = recover() }()

	select {
	case p.taskCh <- fn:
		return nil
	case <-p.doneCh:
		return ErrPoolClosed
	}
}

// TrySubmit is like Submit but never blocks: a full buffer returns false.
func (p *WorkerPool) TrySubmit(fn func(context.Context) error) bool {
	select {
	case <-p.doneCh:
		return false
	default:
	}

	defer func() { _ = recover() }()

	select {
	case p.taskCh <- fn:
		return true
	default:
		return false
	}
}

// Pending reports the number of tasks buffered but not yet picked up.
func (p *WorkerPool) Pending() int {
	return len(p.taskCh)
}

// Errors exposes task errors. Reads are optional; the buffer absorbs bursts
// and overflow is dropped with a log line.
func (p *WorkerPool) Errors() <-chan error {
	return p.errCh
}

// Shutdown stops accepting tasks, lets workers drain the buffer, and waits
// up to timeout for them to exit. A timeout cancels in-flight tasks.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var err error
	p.once.Do(func() {
		close(p.taskCh)

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			err = fmt.Errorf("worker pool %q shutdown timed out after %v", p.taskName, timeout)
		}
	})
	return err
}

func (p *WorkerPool) run() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case fn, ok := <-p.taskCh:
			if !ok {
				return
			}
			p.execute(fn)
		}
	}
}

func (p *WorkerPool) execute(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(map[string]interface{}{
				"panic": fmt.Sprintf("%v", r),
				"stack": string(debug.Stack()),
			}).Error("worker task panicked")
			p.report(fmt.Errorf("panic in %s worker: %v", p.taskName, r))
		}
	}()

	if err := fn(ctx); err != nil {
		p.report(err)
	}
}

func (p *WorkerPool) report(err error) {
	select {
	case p.errCh <- err:
	default:
		p.logger.WithError(err).Warn("error channel full, dropping task error")
	}
}

// Batch runs fn over items with a bounded number of workers and returns
// every error encountered, in no particular order.
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	pool := NewWorkerPool(ctx, workers, taskName, timeout, observability.FromContext(ctx))

	for _, item := range items {
		item := item
		if err := pool.Submit(func(ctx context.Context) error {
			return fn(ctx, item)
		}); err != nil {
			return []error{err}
		}
	}

	if err := pool.Shutdown(timeout * time.Duration(len(items)+1)); err != nil {
		return []error{err}
	}

	var errs []error
	for {
		select {
		case err := <-pool.errCh:
			errs = append(errs, err)
		default:
			return errs
		}
	}
}
