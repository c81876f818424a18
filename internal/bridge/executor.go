// ABOUTME: Fixed-size executor with bounded, non-blocking submission
// ABOUTME: Handle shares one completion cell between blocking and async observers

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrOverloaded is returned by Submit when the task queue is full. The
// submission did not happen; the caller decides whether to retry, shed or
// surface the overload.
var ErrOverloaded = errors.New("executor overloaded")

// ErrExecutorClosed is returned for submissions after Close.
var ErrExecutorClosed = errors.New("executor closed")

// ErrCancelled is the completion error of a unit whose context was
// cancelled before it produced a result. Cooperative, not a failure.
var ErrCancelled = errors.New("cancelled")

// task is one queued unit of work.
type task struct {
	name string
	ctx  context.Context
	run  func(ctx context.Context)
}

// Executor runs submitted units on a fixed pool of workers. It is
// constructed explicitly and passed to every component that needs it, and
// shut down explicitly with Close.
type Executor struct {
	tasks  chan task
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewExecutor creates an executor with the given number of workers and
// queue capacity. One worker gives deterministic serialized execution for
// tests.
func NewExecutor(workers, queueSize int, logger *slog.Logger) *Executor {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		tasks:  make(chan task, queueSize),
		logger: logger.With("component", "bridge"),
	}
	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	e.logger.Debug("executor started", "workers", workers, "queue_size", queueSize)
	return e
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for t := range e.tasks {
		// Run even if the unit was cancelled while queued: the closure
		// observes its context and resolves the handle as Cancelled, so a
		// handle always completes.
		t.run(t.ctx)
	}
}

// Close stops accepting submissions and waits for in-flight units to
// finish. Queued units still run; their handles always complete.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.tasks)
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Debug("executor closed")
}

// Handle is the caller's view of one submitted unit of work. It completes
// exactly once with either a value or an error; blocking and asynchronous
// observers share the same completion cell.
type Handle[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc

	once  sync.Once
	value T
	err   error
}

// Done returns a channel closed when the unit has completed. Use it in a
// select, then read Result.
func (h *Handle[T]) Done() <-chan struct{} {
	return h.done
}

// Result returns the completion value and error. It must only be called
// after Done is closed; before completion it returns the zero value and
// an error.
func (h *Handle[T]) Result() (T, error) {
	select {
	case <-h.done:
		return h.value, h.err
	default:
		var zero T
		return zero, errors.New("result not ready")
	}
}

// Wait blocks until the unit completes or ctx is cancelled. A ctx
// cancellation abandons the wait and requests best-effort cancellation of
// the unit; the unit may still have taken effect.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		h.cancel()
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// Cancel requests best-effort cancellation of the unit. It does not
// retract side effects that already occurred; the handle still completes
// (usually with ErrCancelled).
func (h *Handle[T]) Cancel() {
	h.cancel()
}

func (h *Handle[T]) complete(value T, err error) {
	h.once.Do(func() {
		h.value = value
		h.err = err
		close(h.done)
	})
}

// Submit queues fn on the executor and returns its handle. It never
// blocks: a full queue fails with ErrOverloaded, a closed executor with
// ErrExecutorClosed. The unit's context is derived from ctx, so
// cancelling ctx (or the handle) cancels the unit cooperatively.
func Submit[T any](e *Executor, ctx context.Context, name string, fn func(ctx context.Context) (T, error)) (*Handle[T], error) {
	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle[T]{
		done:   make(chan struct{}),
		cancel: cancel,
	}

	t := task{
		name: name,
		ctx:  runCtx,
		run: func(ctx context.Context) {
			defer cancel()
			if err := ctx.Err(); err != nil {
				var zero T
				h.complete(zero, fmt.Errorf("%w: %s: %v", ErrCancelled, name, err))
				return
			}
			value, err := fn(ctx)
			if err != nil && ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
				err = fmt.Errorf("%w: %s: %v", ErrCancelled, name, err)
			}
			h.complete(value, err)
		},
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return nil, ErrExecutorClosed
	}
	select {
	case e.tasks <- t:
		e.mu.Unlock()
		return h, nil
	default:
		e.mu.Unlock()
		cancel()
		return nil, ErrOverloaded
	}
}

// Call is the synchronous facade: submit fn and block until it completes.
// The result is exactly what an asynchronous observer of the same handle
// would see.
func Call[T any](e *Executor, ctx context.Context, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	h, err := Submit(e, ctx, name, fn)
	if err != nil {
		var zero T
		return zero, err
	}
	return h.Wait(ctx)
}
