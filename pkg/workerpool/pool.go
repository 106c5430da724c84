package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// WorkerPool manages a pool of workers
type WorkerPool struct {
	config Config
	tasks  chan *Task         // Task queue
	wg     sync.WaitGroup     // Wait for workers
	ctx    context.Context    // Pool context
	cancel context.CancelFunc // Cancel function
	once   sync.Once          // Ensure single shutdown
	closed atomic.Bool        // Pool closed flag

	// submitters hold mu for reading while sending so Stop can close tasks
	mu sync.RWMutex

	// Statistics
	stats *statsCollector

	// For Wait() implementation
	waitGroup sync.WaitGroup
}

// NewWorkerPool creates a new worker pool with given configuration.
// Returns error if configuration is invalid.
//
// Example:
//
//	pool, err := workerpool.NewWorkerPool(workerpool.Config{
//	    Workers: 4,
//	    QueueSize: 100,
//	    ShutdownTimeout: 5 * time.Second,
//	})
func NewWorkerPool(config Config) (*WorkerPool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &WorkerPool{
		config: config,
		tasks:  make(chan *Task, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		stats:  newStatsCollector(),
	}

	pool.startWorkers()

	return pool, nil
}

// NewDefaultWorkerPool creates a pool with DefaultConfig
func NewDefaultWorkerPool() *WorkerPool {
	pool, _ := NewWorkerPool(DefaultConfig())
	return pool
}

// startWorkers starts the worker goroutines
func (p *WorkerPool) startWorkers() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		p.stats.incActiveWorkers()

		go p.worker()
	}
}

// worker is the main worker goroutine
func (p *WorkerPool) worker() {
	defer func() {
		p.wg.Done()
		p.stats.decActiveWorkers()
	}()

	for {
		select {
		case <-p.ctx.Done():
			return // Forced shutdown
		case task, ok := <-p.tasks:
			if !ok {
				return // Queue drained
			}
			p.executeTask(task)
		}
	}
}

// executeTask executes a single task with panic recovery
func (p *WorkerPool) executeTask(task *Task) {
	defer p.waitGroup.Done()

	start := time.Now()
	var taskErr *TaskError

	defer func() {
		if r := recover(); r != nil {
			taskErr = &TaskError{
				TaskID: task.ID,
				Err:    fmt.Errorf("panic: %v", r),
				Stack:  string(debug.Stack()),
			}
		}

		var err error
		if taskErr != nil {
			err = taskErr
			if p.config.ErrorHandler != nil {
				p.config.ErrorHandler(taskErr)
			}
		}
		p.stats.recordTaskCompletion(time.Since(start), err)
		task.finish(err)
	}()

	// Check if context is cancelled before execution
	if err := task.Ctx.Err(); err != nil {
		taskErr = &TaskError{TaskID: task.ID, Err: err}
		return
	}

	if err := task.Fn(); err != nil {
		taskErr = &TaskError{TaskID: task.ID, Err: err}
	}
}

// enqueue sends a task to the queue. Without block it fails fast with
// ErrQueueFull; a non-nil timeout bounds the wait.
func (p *WorkerPool) enqueue(task *Task, block bool, timeout <-chan time.Time) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.waitGroup.Add(1)
	if !block {
		select {
		case p.tasks <- task:
			return nil
		default:
			p.waitGroup.Done()
			p.stats.recordTaskRejection()
			return ErrQueueFull
		}
	}

	select {
	case p.tasks <- task:
		return nil
	case <-p.ctx.Done():
		p.waitGroup.Done()
		return ErrPoolClosed
	case <-task.Ctx.Done():
		p.waitGroup.Done()
		return task.Ctx.Err()
	case <-timeout:
		p.waitGroup.Done()
		p.stats.recordTaskRejection()
		return ErrTimeout
	}
}

// Submit submits a task to the pool.
// Blocks if queue is full until space is available.
// Returns error if pool is closed.
//
// Example:
//
//	err := pool.Submit(func() error {
//	    // Do work
//	    return nil
//	})
func (p *WorkerPool) Submit(fn func() error) error {
	return p.enqueue(newTask(context.Background(), fn), true, nil)
}

// SubmitWithContext submits a task with context.
// The task is skipped if ctx is cancelled before it runs.
// Returns ctx.Err() if ctx is cancelled while waiting for queue space.
func (p *WorkerPool) SubmitWithContext(ctx context.Context, fn func() error) error {
	return p.enqueue(newTask(ctx, fn), true, nil)
}

// TrySubmit attempts to submit a task without blocking.
// Returns ErrQueueFull if queue is full.
// Returns ErrPoolClosed if pool is closed.
//
// Example:
//
//	err := pool.TrySubmit(func() error {
//	    // Do work
//	    return nil
//	})
//	if errors.Is(err, workerpool.ErrQueueFull) {
//	    // Handle full queue
//	}
func (p *WorkerPool) TrySubmit(fn func() error) error {
	return p.enqueue(newTask(context.Background(), fn), false, nil)
}

// SubmitWithTimeout submits a task with timeout.
// Waits up to timeout duration for queue space.
// Returns ErrTimeout if timeout exceeded.
func (p *WorkerPool) SubmitWithTimeout(fn func() error, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	return p.enqueue(newTask(context.Background(), fn), true, timer.C)
}

// Run executes fns on the pool and waits for all of them. It returns the
// first error in argument order. Tasks not yet started when ctx is
// cancelled are skipped.
//
// Example:
//
//	err := pool.Run(ctx, func() error { return a() }, func() error { return b() })
func (p *WorkerPool) Run(ctx context.Context, fns ...func() error) error {
	errs := make([]error, len(fns))
	var wg sync.WaitGroup

	for i, fn := range fns {
		i := i
		task := newTask(ctx, fn)
		task.done = func(err error) {
			errs[i] = err
			wg.Done()
		}

		wg.Add(1)
		if err := p.enqueue(task, true, nil); err != nil {
			errs[i] = err
			wg.Done()
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-p.ctx.Done():
		// forced shutdown abandons queued tasks
		return ErrPoolClosed
	}

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Stop gracefully shuts down the worker pool.
// Stops accepting new tasks and waits for queued tasks to complete.
// Respects ShutdownTimeout from config.
// Returns error if forced shutdown occurred (timeout exceeded).
//
// Example:
//
//	if err := pool.Stop(); err != nil {
//	    log.Printf("Forced shutdown: %v", err)
//	}
func (p *WorkerPool) Stop() error {
	return p.StopWithContext(context.Background())
}

// StopWithContext stops the pool respecting context cancellation.
// Returns immediately if context is cancelled.
func (p *WorkerPool) StopWithContext(ctx context.Context) error {
	var shutdownErr error

	p.once.Do(func() {
		// Mark as closed
		p.closed.Store(true)

		done := make(chan struct{})
		go func() {
			// Wait for blocked submitters, then let workers drain the queue
			p.mu.Lock()
			close(p.tasks)
			p.mu.Unlock()

			p.wg.Wait()
			close(done)
		}()

		timer := time.NewTimer(p.config.ShutdownTimeout)
		defer timer.Stop()

		select {
		case <-done:
			// Graceful shutdown completed
		case <-ctx.Done():
			shutdownErr = fmt.Errorf("shutdown cancelled: %w", ctx.Err())
		case <-timer.C:
			shutdownErr = ErrForcedShutdown
		}

		// Signal workers still running
		p.cancel()
	})

	return shutdownErr
}

// IsClosed returns true if pool is closed.
func (p *WorkerPool) IsClosed() bool {
	return p.closed.Load()
}

// Stats returns current pool statistics.
// Safe for concurrent access.
func (p *WorkerPool) Stats() Stats {
	return p.stats.snapshot(len(p.tasks))
}

// Wait blocks until all queued tasks are completed.
// Does not prevent new task submission.
// Use Stop() for graceful shutdown.
func (p *WorkerPool) Wait() {
	p.waitGroup.Wait()
}
