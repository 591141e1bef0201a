package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bobarin/promptvideo/internal/jobstore"
	"github.com/bobarin/promptvideo/internal/models"
	"github.com/bobarin/promptvideo/internal/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	pollTimeout  = 5 * time.Second
	errorBackoff = time.Second
)

// Runner renders one job to a terminal state.
type Runner interface {
	Run(ctx context.Context, jobID uuid.UUID, req *models.RenderRequest) error
}

type Worker struct {
	queue  queue.Queue
	runner Runner
	store  jobstore.Store
	logger *zap.Logger

	pollTimeout time.Duration
}

func New(q queue.Queue, runner Runner, store jobstore.Store, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:       q,
		runner:      runner,
		store:       store,
		logger:      logger.Named("worker"),
		pollTimeout: pollTimeout,
	}
}

// Start runs concurrency consumers until ctx is cancelled, then waits for
// them to return. Jobs still running when ctx ends are failed by the runner.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	w.logger.Info("Worker started", zap.Int("concurrency", concurrency))

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.processQueue(ctx, w.logger.With(zap.Int("slot", slot)))
		}(i)
	}

	<-ctx.Done()
	w.logger.Info("Worker shutting down...")
	wg.Wait()
}

func (w *Worker) processQueue(ctx context.Context, log *zap.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		task, err := w.queue.Dequeue(ctx, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.Error("Error dequeuing", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}
		if task == nil {
			continue // No task available, poll again
		}

		w.handle(ctx, log, task)
	}
}

func (w *Worker) handle(ctx context.Context, log *zap.Logger, task *queue.Task) {
	log = log.With(zap.String("job_id", task.JobID.String()))
	log.Info("Processing job", zap.Duration("waited", time.Since(task.EnqueuedAt)))

	if task.Request == nil {
		w.reject(ctx, log, task.JobID, errors.New("task carries no render request"))
		return
	}

	if err := w.runner.Run(ctx, task.JobID, task.Request); err != nil {
		switch {
		case errors.Is(err, jobstore.ErrTerminal):
			log.Warn("Skipping job already finished", zap.Error(err))
		case errors.Is(err, jobstore.ErrNotFound):
			log.Warn("Skipping unknown job", zap.Error(err))
		default:
			log.Error("Job failed", zap.Error(err))
		}
		return
	}

	log.Info("Job completed successfully")
}

// reject fails a job the runner cannot be given.
func (w *Worker) reject(ctx context.Context, log *zap.Logger, jobID uuid.UUID, cause error) {
	log.Error("Rejecting job", zap.Error(cause))
	if _, err := w.store.UpdateJob(context.WithoutCancel(ctx), jobID, models.JobUpdate{
		Status: models.StatusPtr(models.JobStatusFailed),
		Error:  models.StrPtr(fmt.Sprintf("prepare: %v", cause)),
	}); err != nil {
		log.Error("Failed to mark job failed", zap.Error(err))
	}
}
