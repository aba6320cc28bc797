package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/pitabwire/flowrun/internal/observability"
)

// ErrRunnerClosed is returned by Go after Close.
var ErrRunnerClosed = errors.New("workflow: runner is closed")

// Task is a handle on one background run.
type Task struct {
	ID string

	done chan struct{}
	err  error
}

// Done is closed when the task finishes.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the task's error. It is only meaningful after Done is closed.
func (t *Task) Err() error {
	<-t.done
	return t.err
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TaskOption configures a scheduled task.
type TaskOption func(*queuedRun)

// WithDropHandler registers fn to be called when the task is dropped before
// it starts, because the runner closed while it was queued. fn runs before
// the task's Done channel is closed.
func WithDropHandler(fn func(error)) TaskOption {
	return func(q *queuedRun) { q.onDrop = fn }
}

type queuedRun struct {
	task   *Task
	work   func()
	onDrop func(error)
}

// Runner executes background runs on a bounded goroutine pool. Runs beyond
// the pool size queue in submission order until a worker frees up.
type Runner struct {
	pool    *ants.Pool
	logger  *zap.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  map[string]*Task
	queue  []*queuedRun
	closed bool
	fed    chan struct{}
}

// NewRunner creates a runner with size concurrent workers. metrics may be nil.
func NewRunner(size int, logger *zap.Logger, metrics *observability.Metrics) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := ants.NewPool(size,
		ants.WithLogger(zap.NewStdLog(logger.Named("ants"))),
	)
	if err != nil {
		return nil, fmt.Errorf("workflow: create run pool: %w", err)
	}
	r := &Runner{
		pool:    pool,
		logger:  logger,
		metrics: metrics,
		tasks:   make(map[string]*Task),
		fed:     make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.feed()
	return r, nil
}

// Go schedules fn under id and returns immediately. The context passed to fn
// keeps ctx's values but is never cancelled with it, so a run outlives the
// request that submitted it. A panic in fn becomes the task's error.
func (r *Runner) Go(ctx context.Context, id string, fn func(ctx context.Context) error, opts ...TaskOption) (*Task, error) {
	task := &Task{ID: id, done: make(chan struct{})}
	runCtx := context.WithoutCancel(ctx)
	q := &queuedRun{task: task}
	for _, opt := range opts {
		opt(q)
	}
	q.work = func() {
		defer close(task.done)
		defer func() {
			if rec := recover(); rec != nil {
				task.err = fmt.Errorf("workflow: task %q panicked: %v", id, rec)
				r.logger.Error("run panicked",
					zap.String("execution_id", id),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
			}
		}()
		task.err = fn(runCtx)
		if task.err != nil {
			r.logger.Error("run failed", zap.String("execution_id", id), zap.Error(task.err))
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRunnerClosed
	}
	if _, exists := r.tasks[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("workflow: task %q already scheduled", id)
	}
	r.tasks[id] = task
	r.queue = append(r.queue, q)
	r.cond.Signal()
	r.mu.Unlock()

	r.reportWaiting()
	r.logger.Debug("run queued", zap.String("execution_id", id))
	return task, nil
}

// feed hands queued runs to the pool one at a time, in order. Submit blocks
// while every worker is busy, which keeps Go itself non-blocking.
func (r *Runner) feed() {
	defer close(r.fed)
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		if r.closed {
			r.mu.Unlock()
			return
		}
		next := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.mu.Unlock()

		r.reportWaiting()
		if err := r.pool.Submit(next.work); err != nil {
			r.drop(next, fmt.Errorf("workflow: schedule task %q: %w", next.task.ID, err))
		}
	}
}

// drop fails a run that never started.
func (r *Runner) drop(q *queuedRun, err error) {
	q.task.err = err
	r.logger.Error("run dropped", zap.String("execution_id", q.task.ID), zap.Error(err))
	if q.onDrop != nil {
		q.onDrop(err)
	}
	close(q.task.done)
}

// Task returns the handle scheduled under id.
func (r *Runner) Task(id string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Open reports whether the runner still accepts work.
func (r *Runner) Open() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && !r.pool.IsClosed()
}

// Running returns the number of busy workers.
func (r *Runner) Running() int {
	return r.pool.Running()
}

// Close stops accepting work, drops runs that have not started, and waits up
// to timeout for in-flight runs. Calling Close again is a no-op.
func (r *Runner) Close(timeout time.Duration) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	queued := r.queue
	r.queue = nil
	r.cond.Broadcast()
	r.mu.Unlock()

	for _, q := range queued {
		r.drop(q, ErrRunnerClosed)
	}
	r.reportWaiting()

	err := r.pool.ReleaseTimeout(timeout)
	<-r.fed
	if err != nil {
		return fmt.Errorf("workflow: release run pool: %w", err)
	}
	return nil
}

func (r *Runner) reportWaiting() {
	if r.metrics != nil {
		r.mu.Lock()
		queued := len(r.queue)
		r.mu.Unlock()
		r.metrics.SetRunQueueWaiting(queued + r.pool.Waiting())
	}
}
