package queue

import (
	"context"
	"errors"
	"time"

	"github.com/bobarin/promptvideo/internal/models"
	"github.com/google/uuid"
)

// RenderQueue is the Redis list render tasks are pushed to.
const RenderQueue = "queue:render"

var (
	ErrFull   = errors.New("queue is full")
	ErrClosed = errors.New("queue is closed")
)

// Task is one accepted render request waiting for a worker.
type Task struct {
	JobID      uuid.UUID             `json:"job_id"`
	Request    *models.RenderRequest `json:"request"`
	EnqueuedAt time.Time             `json:"enqueued_at"`
}

// Queue hands tasks from the API to workers. Dequeue returns (nil, nil)
// when nothing arrived within timeout.
type Queue interface {
	Enqueue(ctx context.Context, task *Task) error
	Dequeue(ctx context.Context, timeout time.Duration) (*Task, error)
	Len(ctx context.Context) (int64, error)
	Close() error
}
