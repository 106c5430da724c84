package workerpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Task represents a unit of work
type Task struct {
	ID      string          // Unique task identifier
	Fn      func() error    // Task function
	Ctx     context.Context // Task context for cancellation
	Created time.Time       // Task creation timestamp

	// done, when set, receives the task outcome exactly once
	done func(err error)
}

var taskCounter atomic.Uint64

// generateTaskID generates a unique task ID
func generateTaskID() string {
	id := taskCounter.Add(1)
	return fmt.Sprintf("task-%d", id)
}

// newTask creates a new task with the given function
func newTask(ctx context.Context, fn func() error) *Task {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Task{
		ID:      generateTaskID(),
		Fn:      fn,
		Ctx:     ctx,
		Created: time.Now(),
	}
}

func (t *Task) finish(err error) {
	if t.done != nil {
		t.done(err)
	}
}
