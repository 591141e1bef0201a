package queue

import (
	"context"
	"sync"
	"time"
)

const DefaultMemoryCapacity = 1024

// MemoryQueue is an in-process queue for single-instance deployments.
type MemoryQueue struct {
	tasks  chan *Task
	done   chan struct{}
	closer sync.Once
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryQueue{
		tasks: make(chan *Task, capacity),
		done:  make(chan struct{}),
	}
}

// Enqueue never blocks; a full queue is reported as ErrFull.
func (q *MemoryQueue) Enqueue(ctx context.Context, task *Task) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	task.EnqueuedAt = time.Now().UTC()
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case task := <-q.tasks:
		return task, nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}

func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	return int64(len(q.tasks)), nil
}

func (q *MemoryQueue) Close() error {
	q.closer.Do(func() { close(q.done) })
	return nil
}
