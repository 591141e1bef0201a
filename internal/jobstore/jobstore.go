package jobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/bobarin/promptvideo/internal/models"
	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrExists            = errors.New("job already exists")
	ErrTerminal          = errors.New("job is already finished")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store persists render jobs. Implementations must be safe for concurrent
// use and must refuse any update to a job in a terminal state.
type Store interface {
	CreateJob(ctx context.Context, job *models.RenderJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.RenderJob, error)
	UpdateJob(ctx context.Context, id uuid.UUID, update models.JobUpdate) (*models.RenderJob, error)
}

// CheckUpdate validates update against the current state of a job.
func CheckUpdate(current *models.RenderJob, update models.JobUpdate) error {
	if current.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, current.ID, current.Status)
	}
	if update.Status != nil && !current.Status.CanTransition(*update.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, *update.Status)
	}
	return nil
}
