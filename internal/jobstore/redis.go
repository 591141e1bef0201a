package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/promptvideo/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	jobKeyPrefix  = "render:job:"
	maxTxRetries  = 10
	DefaultJobTTL = 24 * time.Hour
)

// RedisStore keeps each job as a JSON document under render:job:<id>.
// Updates run in a WATCH transaction so concurrent writers never interleave.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration // 0 keeps jobs forever
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func jobKey(id uuid.UUID) string {
	return jobKeyPrefix + id.String()
}

func (s *RedisStore) CreateJob(ctx context.Context, job *models.RenderJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := s.client.SetNX(ctx, jobKey(job.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) GetJob(ctx context.Context, id uuid.UUID) (*models.RenderJob, error) {
	data, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job models.RenderJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (s *RedisStore) UpdateJob(ctx context.Context, id uuid.UUID, update models.JobUpdate) (*models.RenderJob, error) {
	key := jobKey(id)
	var updated *models.RenderJob

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}

		var job models.RenderJob
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		if err := CheckUpdate(&job, update); err != nil {
			return err
		}

		update.Apply(&job, time.Now().UTC())
		out, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			return nil
		})
		if err == nil {
			updated = &job
		}
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}

	return nil, fmt.Errorf("failed to update job %s: too much contention", id)
}
