package workerpool

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

var (
	ErrPoolClosed     = errors.New("worker pool is closed")
	ErrQueueFull      = errors.New("task queue is full")
	ErrTimeout        = errors.New("task submission timed out")
	ErrForcedShutdown = errors.New("worker pool shutdown timed out")
	ErrInvalidConfig  = errors.New("invalid worker pool config")
)

// Config configures a worker pool
type Config struct {
	Workers         int           // Number of worker goroutines
	QueueSize       int           // Buffered task slots; 0 means unbuffered
	ShutdownTimeout time.Duration // Max time Stop waits for queued tasks

	// ErrorHandler receives failed, panicked and cancelled tasks as *TaskError
	ErrorHandler func(err error)
}

// DefaultConfig returns Workers = runtime.NumCPU(), QueueSize = 1000 and
// ShutdownTimeout = 30s.
func DefaultConfig() Config {
	return Config{
		Workers:         runtime.NumCPU(),
		QueueSize:       1000,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidConfig, c.Workers)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("%w: queue size must not be negative, got %d", ErrInvalidConfig, c.QueueSize)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: shutdown timeout must not be negative", ErrInvalidConfig)
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return nil
}

// TaskError describes a task that failed, panicked or was cancelled
type TaskError struct {
	TaskID string
	Err    error
	Stack  string // set for panics
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}
