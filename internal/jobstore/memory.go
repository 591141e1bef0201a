package jobstore

import (
	"context"
	"sync"
	"time"

	"github.com/bobarin/promptvideo/internal/models"
	"github.com/google/uuid"
)

// MemoryStore keeps jobs in process memory. Jobs are lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]models.RenderJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]models.RenderJob)}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.RenderJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return ErrExists
	}
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (*models.RenderJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &job, nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, id uuid.UUID, update models.JobUpdate) (*models.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := CheckUpdate(&job, update); err != nil {
		return nil, err
	}

	update.Apply(&job, time.Now().UTC())
	s.jobs[id] = job
	return &job, nil
}
