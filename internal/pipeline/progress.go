package pipeline

import (
	"context"
	"sync"

	"github.com/bobarin/promptvideo/internal/jobstore"
	"github.com/bobarin/promptvideo/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// progressReporter writes progress to the store, dropping any value that is
// not strictly greater than the last one written.
type progressReporter struct {
	mu     sync.Mutex
	store  jobstore.Store
	jobID  uuid.UUID
	last   int
	logger *zap.Logger
}

func newProgressReporter(store jobstore.Store, jobID uuid.UUID, logger *zap.Logger) *progressReporter {
	return &progressReporter{store: store, jobID: jobID, logger: logger}
}

// enter records the current stage and moves progress to the start of its band.
func (r *progressReporter) enter(ctx context.Context, stage Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	update := models.JobUpdate{Stage: models.StrPtr(string(stage))}
	if start := bands[stage].start; start > r.last {
		update.Progress = models.IntPtr(start)
	}
	if r.write(ctx, update) && update.Progress != nil {
		r.last = *update.Progress
	}
}

// report moves progress to p if that is an increase.
func (r *progressReporter) report(ctx context.Context, p int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p <= r.last {
		return
	}
	if r.write(ctx, models.JobUpdate{Progress: models.IntPtr(p)}) {
		r.last = p
	}
}

func (r *progressReporter) write(ctx context.Context, update models.JobUpdate) bool {
	if _, err := r.store.UpdateJob(ctx, r.jobID, update); err != nil {
		// Progress is advisory; the terminal write decides the outcome
		r.logger.Warn("Failed to record progress", zap.Error(err))
		return false
	}
	return true
}

// counter turns completions of n units of work into progress within a band.
type counter struct {
	mu    sync.Mutex
	done  int
	total int
	band  band
}

func (c *counter) complete() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done++
	if c.total <= 0 {
		return c.band.end
	}
	return c.band.at(float64(c.done) / float64(c.total))
}
